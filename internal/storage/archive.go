package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/chapoco/internal/har"
	"github.com/klauspost/compress/zstd"
)

// ArchiveExt is appended to the capture base name of every archived log.
const ArchiveExt = ".har.zst"

// zstd encoders are safe for concurrent EncodeAll and costly to build.
var archiveEncoder *zstd.Encoder

func init() {
	var err error
	archiveEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
}

// ArchivedLog describes one archived structured log.
type ArchivedLog struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// Archive keeps compressed copies of logs that rotated the credential, so a
// restart can warm start from the last one.
type Archive struct {
	dir string
	mu  sync.RWMutex
}

// NewArchive creates an Archive and ensures the directory exists.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}
	return &Archive{dir: dir}, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }

// Save writes log under the base name of source and returns the archive path.
// The file is written to a temporary name first so readers never observe a
// partial archive.
func (a *Archive) Save(source string, log *har.Log) (string, error) {
	if log == nil {
		return "", fmt.Errorf("archive: nil log")
	}
	data, err := har.Marshal(log)
	if err != nil {
		return "", fmt.Errorf("archive: marshal: %w", err)
	}
	compressed := archiveEncoder.EncodeAll(data, nil)

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, ArchiveName(source))
	tmp, err := os.CreateTemp(a.dir, ".archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: create temp: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return path, nil
}

// ArchiveName maps a capture path to its archive file name.
func ArchiveName(source string) string {
	base := filepath.Base(source)
	for _, ext := range []string{".har.zst", ".har.zstd", ".har.gz", ".har", ".json"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			base = base[:len(base)-len(ext)]
			break
		}
	}
	return base + ArchiveExt
}

// List returns archived logs, newest first.
func (a *Archive) List() ([]ArchivedLog, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(a.dir, "*"+ArchiveExt))
	if err != nil {
		return nil, fmt.Errorf("archive: glob: %w", err)
	}

	logs := make([]ArchivedLog, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		logs = append(logs, ArchivedLog{
			Name:      info.Name(),
			Path:      path,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].ModTime.Equal(logs[j].ModTime) {
			return logs[i].Name > logs[j].Name
		}
		return logs[i].ModTime.After(logs[j].ModTime)
	})
	return logs, nil
}

// Latest returns the most recently archived log, if any.
func (a *Archive) Latest() (ArchivedLog, bool, error) {
	logs, err := a.List()
	if err != nil || len(logs) == 0 {
		return ArchivedLog{}, false, err
	}
	return logs[0], true, nil
}

// Load reads an archived log by file name.
func (a *Archive) Load(name string) (*har.Log, error) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ArchiveExt) {
		return nil, fmt.Errorf("invalid archive name: %q", name)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return har.LoadFile(filepath.Join(a.dir, name))
}
