package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/dgnsrekt/chapoco/internal/har"
	"github.com/dgnsrekt/chapoco/internal/types"
	"github.com/google/uuid"
)

const (
	DefaultBinary      = "mitmdump"
	DefaultInitialWait = 2500 * time.Millisecond
	DefaultIdleWait    = 150 * time.Millisecond
	DefaultKillAfter   = 10 * time.Second

	readChunkSize = 32 * 1024
)

// ConverterConfig holds converter subprocess settings.
type ConverterConfig struct {
	Binary string
	// Args are placed before the capture arguments, e.g. a wrapper's own flags.
	Args []string
	// Env is appended to the current process environment.
	Env []string

	// InitialWait is how long the converter may stay silent after start.
	InitialWait time.Duration
	// IdleWait is how long after the latest output chunk the converter is
	// considered done.
	IdleWait time.Duration
	// KillAfter bounds how long an interrupted converter may take to exit.
	KillAfter time.Duration
}

// Converter turns capture files into structured logs by running mitmdump with
// its HAR dump addon writing to stdout.
//
// mitmdump never exits on its own after replaying a file and only writes the
// HAR document while shutting down, so completion is inferred: once stdout has
// been quiet for the idle window the process is interrupted, and whatever it
// flushes after that is the document.
type Converter struct {
	cfg ConverterConfig
}

// NewConverter creates a converter, filling in defaults for zero values.
func NewConverter(cfg ConverterConfig) *Converter {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = DefaultInitialWait
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if cfg.KillAfter <= 0 {
		cfg.KillAfter = DefaultKillAfter
	}
	return &Converter{cfg: cfg}
}

func (c *Converter) command(path string) *exec.Cmd {
	args := append([]string{}, c.cfg.Args...)
	args = append(args, "-nr", path, "--set", "hardump=-")
	cmd := exec.Command(c.cfg.Binary, args...)
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	return cmd
}

// Convert runs the converter against capturePath and parses the HAR it emits.
// Cancelling ctx kills the subprocess and fails the conversion.
func (c *Converter) Convert(ctx context.Context, capturePath string) (*har.Log, error) {
	if _, err := os.Stat(capturePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewError(types.CodeNotFound, "capture file not found: "+capturePath, err)
		}
		return nil, types.NewError(types.CodeConversionFailed, "stat capture file", err)
	}

	id := uuid.NewString()
	logger := slog.With("capture", capturePath, "conversion_id", id)

	cmd := c.command(capturePath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.NewError(types.CodeConversionFailed, "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, types.NewError(types.CodeConversionFailed, "start "+c.cfg.Binary, err)
	}
	logger.Debug("converter started", "binary", c.cfg.Binary, "pid", cmd.Process.Pid)

	chunks := make(chan []byte, 16)
	go readChunks(stdout, chunks)

	out, outcome := c.supervise(ctx, cmd, chunks)
	waitErr := cmd.Wait()

	logger.Debug("converter finished",
		"outcome", outcome,
		"stdout_bytes", out.Len(),
		"stderr_bytes", stderr.Len(),
		"wait_error", waitErr,
	)

	if outcome == outcomeCancelled {
		return nil, types.NewError(types.CodeConversionFailed, "conversion cancelled", ctx.Err())
	}
	if msg := clip(stderr.Bytes()); msg != "" {
		return nil, types.NewError(types.CodeConversionFailed, c.cfg.Binary+" failed: "+msg, nil)
	}
	if outcome == outcomeExited {
		return nil, types.NewError(types.CodeUnreachable,
			c.cfg.Binary+" exited before the idle deadline", waitErr)
	}
	if out.Len() == 0 {
		return nil, types.NewError(types.CodeConversionFailed, c.cfg.Binary+" produced no output", nil)
	}

	log, err := har.Parse(out.Bytes())
	if err != nil {
		return nil, types.NewError(types.CodeConversionFailed, "unable to parse converter output", err)
	}
	logger.Info("capture converted", "entries", len(log.Entries))
	return log, nil
}

type outcome string

const (
	outcomeDeadline  outcome = "deadline"
	outcomeExited    outcome = "exited"
	outcomeCancelled outcome = "cancelled"
)

// supervise owns the idle timer and the output buffer. It returns once stdout
// has been closed, which happens when the process is gone.
func (c *Converter) supervise(ctx context.Context, cmd *exec.Cmd, chunks <-chan []byte) (*bytes.Buffer, outcome) {
	var out bytes.Buffer
	result := outcomeExited
	started := false

	deadline := time.NewTimer(c.cfg.InitialWait)
	defer deadline.Stop()
	var killTimer <-chan time.Time
	fired := false
	done := ctx.Done()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return &out, result
			}
			if !fired {
				deadline.Reset(c.cfg.IdleWait)
				continue
			}
			if !started {
				i := bytes.IndexByte(chunk, '{')
				if i < 0 {
					continue
				}
				chunk = chunk[i:]
				started = true
			}
			out.Write(chunk)

		case <-deadline.C:
			fired = true
			result = outcomeDeadline
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				slog.Debug("converter interrupt failed", "error", err)
			}
			killTimer = time.After(c.cfg.KillAfter)

		case <-killTimer:
			killTimer = nil
			slog.Warn("converter ignored interrupt, killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()

		case <-done:
			done = nil
			result = outcomeCancelled
			_ = cmd.Process.Kill()
		}
	}
}

// readChunks forwards copies of everything read from r and closes out at EOF.
func readChunks(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("converter stdout read failed", "error", err)
			}
			return
		}
	}
}

// ConvertFile loads persisted logs directly and converts anything else.
func (c *Converter) ConvertFile(ctx context.Context, path string) (*har.Log, error) {
	if har.DetectFormat(path) == har.FormatCapture {
		return c.Convert(ctx, path)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, types.NewError(types.CodeNotFound, "log file not found: "+path, err)
	}
	log, err := har.LoadFile(path)
	if err != nil {
		return nil, types.NewError(types.CodeConversionFailed, fmt.Sprintf("load %s", path), err)
	}
	return log, nil
}
