package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmylchreest/relayarr/internal/relay"
)

const (
	// playlistPollInterval is how often the runner checks for the playlist
	// while waiting for ffmpeg to confirm it is producing output.
	playlistPollInterval = 100 * time.Millisecond
	// stopTimeout is how long Stop waits after SIGTERM before killing.
	stopTimeout = 5 * time.Second
	// stderrTailLines is how many recent stderr lines are kept for error
	// reporting.
	stderrTailLines = 20
)

// Config holds the runner's process settings.
type Config struct {
	// BinaryPath is the ffmpeg binary. Empty means resolve "ffmpeg" on PATH.
	BinaryPath string
	// LogLevel is passed to ffmpeg's -loglevel.
	LogLevel string
	// HLSTime is the segment duration in seconds.
	HLSTime int
	// HLSListSize is the playlist window length in segments.
	HLSListSize int
	// Reconnect enables ffmpeg's automatic upstream reconnection.
	Reconnect bool
	// UserAgent is the default outbound User-Agent.
	UserAgent string
}

// Runner starts ffmpeg processes that fetch an upstream URL and write HLS
// output. It implements the relay upstream runner contract: Start blocks
// until the playlist file appears and the returned handle owns the process.
type Runner struct {
	cfg    Config
	binary string
	logger *slog.Logger
}

// NewRunner resolves the ffmpeg binary and returns a Runner.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.BinaryPath
	if binary == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("locating ffmpeg binary: %w", err)
		}
		binary = path
	}
	return &Runner{
		cfg:    cfg,
		binary: binary,
		logger: logger.With(slog.String("component", "ffmpeg")),
	}, nil
}

// Start launches ffmpeg for the upstream and waits until the HLS playlist
// exists in the output directory or ctx expires. The process deliberately
// outlives ctx: the deadline bounds startup only, and the returned handle
// controls the process from then on.
func (r *Runner) Start(ctx context.Context, cfg relay.UpstreamConfig) (relay.UpstreamHandle, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	args := NewCommandBuilder(r.binary).
		LogLevel(r.cfg.LogLevel).
		UserAgent(r.cfg.UserAgent).
		Headers(cfg.Headers).
		Reconnect(r.cfg.Reconnect).
		Input(cfg.URL).
		HLS(r.cfg.HLSTime, r.cfg.HLSListSize).
		OutputDir(cfg.OutputDir).
		Build()

	cmd := exec.Command(r.binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}

	h := &processHandle{
		cmd:    cmd,
		logger: r.logger,
		waitCh: make(chan error, 1),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	go h.collectStderr(stderr)
	go func() { h.waitCh <- cmd.Wait() }()

	playlist := filepath.Join(cfg.OutputDir, PlaylistName)
	ticker := time.NewTicker(playlistPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := os.Stat(playlist); err == nil {
				r.logger.Debug("ffmpeg producing output",
					slog.Int("pid", cmd.Process.Pid),
					slog.String("output_dir", cfg.OutputDir))
				return h, nil
			}
		case err := <-h.waitCh:
			return nil, fmt.Errorf("ffmpeg exited before producing output: %v; stderr: %s",
				err, h.stderrTail())
		case <-ctx.Done():
			h.Stop()
			return nil, fmt.Errorf("waiting for ffmpeg output: %w", ctx.Err())
		}
	}
}

// processHandle owns one running ffmpeg process.
type processHandle struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	waitCh chan error

	stopOnce sync.Once

	mu     sync.Mutex
	stderr []string
}

// collectStderr keeps the most recent stderr lines for error reporting.
func (h *processHandle) collectStderr(pipe interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		h.mu.Lock()
		h.stderr = append(h.stderr, line)
		if len(h.stderr) > stderrTailLines {
			h.stderr = h.stderr[1:]
		}
		h.mu.Unlock()
	}
}

func (h *processHandle) stderrTail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.stderr, "\n")
}

// Stop terminates the process: SIGTERM first, SIGKILL if it has not exited
// within the stop timeout. Best-effort and idempotent; failures are logged,
// never returned.
func (h *processHandle) Stop() {
	h.stopOnce.Do(func() {
		pid := h.cmd.Process.Pid
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.logger.Debug("ffmpeg already gone", slog.Int("pid", pid))
			return
		}
		select {
		case <-h.waitCh:
			h.logger.Debug("ffmpeg terminated", slog.Int("pid", pid))
		case <-time.After(stopTimeout):
			if err := h.cmd.Process.Kill(); err != nil {
				h.logger.Warn("failed to kill ffmpeg",
					slog.Int("pid", pid),
					slog.String("error", err.Error()))
				return
			}
			<-h.waitCh
			h.logger.Warn("ffmpeg killed after stop timeout", slog.Int("pid", pid))
		}
	})
}
