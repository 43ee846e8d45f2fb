package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Journal record kinds.
const (
	KindCredentialRotated     = "credential_rotated"
	KindCredentialInvalidated = "credential_invalidated"
	KindLiveStarted           = "live_started"
	KindAuthChanged           = "auth_changed"
)

// Record is one journal line.
type Record struct {
	ID   string    `json:"id"`
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Journal appends records asynchronously to date-organized JSONL files, one
// file per kind: <dir>/<date>/<kind>.jsonl.
type Journal struct {
	baseDir   string
	maxSizeMB int
	now       func() time.Time

	writeCh chan Record
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	loggers     map[string]*lumberjack.Logger
}

// NewJournal starts a journal writer.
func NewJournal(baseDir string, bufferSize, maxSizeMB int) *Journal {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 25
	}
	j := &Journal{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		writeCh:   make(chan Record, bufferSize),
		done:      make(chan struct{}),
		loggers:   map[string]*lumberjack.Logger{},
	}

	j.wg.Add(1)
	go j.writeLoop()

	return j
}

// Append queues a record of the given kind. It never blocks; a full buffer
// drops the record.
func (j *Journal) Append(kind string, data any) error {
	rec := Record{ID: uuid.NewString(), Kind: kind, Time: j.now().UTC(), Data: data}
	select {
	case <-j.done:
		return fmt.Errorf("journal is closed")
	default:
	}
	select {
	case j.writeCh <- rec:
		return nil
	default:
		slog.Warn("journal buffer full, dropping record", "kind", kind)
		return fmt.Errorf("buffer full")
	}
}

// Close stops the writer after flushing pending records.
func (j *Journal) Close() error {
	close(j.done)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for kind, l := range j.loggers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.loggers, kind)
	}
	return firstErr
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()

	for {
		select {
		case rec := <-j.writeCh:
			j.writeRecord(rec)
		case <-j.done:
			j.drain()
			return
		}
	}
}

func (j *Journal) drain() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec := <-j.writeCh:
			j.writeRecord(rec)
		case <-timeout:
			slog.Warn("journal close timeout, some records may be lost")
			return
		default:
			return
		}
	}
}

func (j *Journal) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("journal marshal failed", "error", err, "kind", rec.Kind)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := rec.Time.Format("2006-01-02")
	if date != j.currentDate {
		j.rotateForDate(date)
	}

	l, err := j.loggerFor(rec.Kind)
	if err != nil {
		slog.Error("journal open failed", "error", err, "kind", rec.Kind)
		return
	}
	if _, err := l.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err, "kind", rec.Kind)
	}
}

func (j *Journal) rotateForDate(date string) {
	for kind, l := range j.loggers {
		_ = l.Close()
		delete(j.loggers, kind)
	}
	j.currentDate = date
}

func (j *Journal) loggerFor(kind string) (*lumberjack.Logger, error) {
	if l, ok := j.loggers[kind]; ok {
		return l, nil
	}
	dir := filepath.Join(j.baseDir, j.currentDate)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &lumberjack.Logger{
		Filename:   filepath.Join(dir, kind+".jsonl"),
		MaxSize:    j.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		LocalTime:  false,
	}
	j.loggers[kind] = l
	slog.Info("opened journal file", "file", l.Filename)
	return l, nil
}
