package har

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format describes how a file on disk holds a structured log.
type Format int

const (
	// FormatCapture is an opaque capture that needs the external converter.
	FormatCapture Format = iota
	// FormatHAR is a plain JSON HAR document.
	FormatHAR
	// FormatZstd is a zstd-compressed HAR document.
	FormatZstd
	// FormatGzip is a gzip-compressed HAR document.
	FormatGzip
)

func (f Format) String() string {
	switch f {
	case FormatHAR:
		return "har"
	case FormatZstd:
		return "har+zstd"
	case FormatGzip:
		return "har+gzip"
	default:
		return "capture"
	}
}

// DetectFormat picks a format from the file extension.
func DetectFormat(path string) Format {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".har.zst"), strings.HasSuffix(lower, ".har.zstd"):
		return FormatZstd
	case strings.HasSuffix(lower, ".har.gz"):
		return FormatGzip
	case strings.HasSuffix(lower, ".har"), strings.HasSuffix(lower, ".json"):
		return FormatHAR
	default:
		return FormatCapture
	}
}

// LoadFile reads a persisted structured log, decompressing by extension.
// Opaque captures are rejected; they must go through the converter.
func LoadFile(path string) (*Log, error) {
	format := DetectFormat(path)
	if format == FormatCapture {
		return nil, fmt.Errorf("har: %s is not a structured log", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case FormatZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("har: zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	case FormatGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("har: gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("har: read %s: %w", path, err)
	}
	return Parse(data)
}
