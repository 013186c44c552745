// Package health probes a verification engine: once while it starts, to
// decide when it is ready, and periodically afterwards, to notice an engine
// that is still running but no longer answering.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"
)

// Status represents the health state of the engine.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config holds probe configuration, mapped from a backend profile.
type Config struct {
	Type               string        // "http" | "tcp" | "exec"
	Path               string        // http only
	Port               int           // http and tcp
	Command            string        // exec only
	Interval           time.Duration // time between checks
	Timeout            time.Duration // max time per check
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	return c
}

// Check runs one probe and returns nil if the engine answered.
func Check(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	switch cfg.Type {
	case "http":
		url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Port, cfg.Path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
		}
		return nil
	case "tcp":
		dialer := net.Dialer{Timeout: cfg.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
		if err != nil {
			return fmt.Errorf("tcp connect failed: %w", err)
		}
		conn.Close()
		return nil
	case "exec":
		if err := exec.CommandContext(ctx, "sh", "-c", cfg.Command).Run(); err != nil {
			return fmt.Errorf("command failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown probe type: %s", cfg.Type)
	}
}

// WaitReady polls the probe until it succeeds or ctx ends. exited, if non-nil,
// aborts the wait early when the engine dies before becoming ready.
func WaitReady(ctx context.Context, cfg Config, exited <-chan struct{}) error {
	cfg = cfg.withDefaults()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var last error
	for {
		if last = Check(ctx, cfg); last == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-exited:
			return fmt.Errorf("engine exited before becoming ready: %w", last)
		case <-ctx.Done():
			return fmt.Errorf("%w (last probe: %v)", ctx.Err(), last)
		}
	}
}

// Monitor runs periodic probes and calls onUnhealthy once when the engine
// crosses the failure threshold.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.Mutex
	status           Status
	consecutiveFails int
	cancel           context.CancelFunc
	done             chan struct{}

	onUnhealthy func()
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, logger *slog.Logger, onUnhealthy func()) *Monitor {
	return &Monitor{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
	}
}

// Start begins periodic health checking.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the health check loop. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current health status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	err := Check(ctx, m.cfg)

	// A cancelled context means the monitor is shutting down, not a failure
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	prevStatus := m.status
	if err == nil {
		m.consecutiveFails = 0
		m.status = StatusHealthy
	} else {
		m.consecutiveFails++
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}
	newStatus := m.status
	consecutiveFails := m.consecutiveFails
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("engine health check failed",
			"error", err,
			"consecutive_fails", consecutiveFails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	}

	if prevStatus != StatusUnhealthy && newStatus == StatusUnhealthy {
		m.logger.Error("engine is unhealthy", "consecutive_fails", consecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy()
		}
	}
}
