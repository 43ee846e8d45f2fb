// Package browser starts a local Chrome with remote debugging enabled so the
// browser capture feed has something to attach to.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

const (
	DefaultDebugAddr    = "127.0.0.1:9222"
	DefaultStartURL     = "https://pococha.com"
	DefaultReadyTimeout = 15 * time.Second
)

// Config holds browser launch configuration.
type Config struct {
	// Binary is detected from PATH when empty.
	Binary       string
	DebugAddr    string
	StartURL     string
	ProfileDir   string
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process.
type Launcher struct {
	cfg     Config
	cmd     *exec.Cmd
	running bool
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.DebugAddr == "" {
		cfg.DebugAddr = DefaultDebugAddr
	}
	if cfg.StartURL == "" {
		cfg.StartURL = DefaultStartURL
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Launcher{cfg: cfg}
}

// DebugURL is the endpoint the CDP client should connect to.
func (l *Launcher) DebugURL() string {
	return "http://" + l.cfg.DebugAddr
}

func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried chromium-browser, chromium, google-chrome)")
}

func addrInUse(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (l *Launcher) args() ([]string, error) {
	host, port, err := net.SplitHostPort(l.cfg.DebugAddr)
	if err != nil {
		return nil, fmt.Errorf("debug address %q: %w", l.cfg.DebugAddr, err)
	}
	args := []string{
		"--remote-debugging-port=" + port,
		"--remote-debugging-address=" + host,
		"--no-first-run",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
	}
	// a persistent profile keeps the pococha login across restarts
	if l.cfg.ProfileDir != "" {
		args = append(args, "--user-data-dir="+l.cfg.ProfileDir)
	}
	return append(args, l.cfg.StartURL), nil
}

// Launch starts the browser unless something already listens on the debug
// address, then waits until the CDP endpoint answers.
func (l *Launcher) Launch(ctx context.Context) error {
	if addrInUse(l.cfg.DebugAddr) {
		slog.Info("browser already running, skipping launch", "addr", l.cfg.DebugAddr)
		return nil
	}

	browserPath := l.cfg.Binary
	if browserPath == "" {
		var err error
		if browserPath, err = detectBrowser(); err != nil {
			return err
		}
	}
	slog.Info("launching browser", "path", browserPath)

	if l.cfg.ProfileDir != "" {
		if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}
	args, err := l.args()
	if err != nil {
		return err
	}

	l.cmd = exec.Command(browserPath, args...)
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	l.running = true
	slog.Info("browser process started", "pid", l.cmd.Process.Pid)

	if err := l.waitForCDP(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "addr", l.cfg.DebugAddr)
	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (l *Launcher) waitForCDP(ctx context.Context) error {
	url := l.DebugURL() + "/json/version"
	deadline := time.After(l.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.cfg.ReadyTimeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned a browser process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop terminates the browser process with SIGTERM, falling back to SIGKILL.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.running = false
}
