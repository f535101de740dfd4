// Package connwatch monitors tenant reachability for the health endpoint.
//
// This is distinct from httpkit's retry, which absorbs transient 429/5xx
// replies within a single tool call. connwatch tracks multi-second to
// multi-minute outages and credential problems so /health can report
// them before a client trips over one.
//
// Each Watcher probes one target in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition callbacks
//
// A failure the Permanent hook recognizes (a rejected credential, a
// wrong tenant URL) ends the startup phase early; backoff cannot fix it.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/qlik-mcp/internal/qlik"
)

// ProbeFunc checks whether a target is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Pinger is satisfied by *qlik.RESTClient.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped) with
// 10 startup attempts and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the target in logs and status (e.g., "tenant").
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// Permanent reports failures that retrying will not fix. Optional.
	Permanent func(err error) bool

	// OnReady is called in a new goroutine on a not-ready → ready transition.
	OnReady func()

	// OnDown is called in a new goroutine on a ready → not-ready transition.
	OnDown func(err error)

	// Logger uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched target as rendered on /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	Since     time.Time `json:"since,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	Kind      string    `json:"error_kind,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single target.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	since     time.Time
	failures  int
}

// TenantWatcherConfig returns the watcher for a tenant endpoint: the
// probe is p.Ping, and auth or config failures skip startup backoff.
func TenantWatcherConfig(p Pinger, poll time.Duration, logger *slog.Logger) WatcherConfig {
	b := DefaultBackoffConfig()
	if poll > 0 {
		b.PollInterval = poll
	}
	return WatcherConfig{
		Name:    "tenant",
		Probe:   p.Ping,
		Backoff: b,
		Permanent: func(err error) bool {
			k := qlik.KindOf(err)
			return k == qlik.KindAuth || k == qlik.KindConfig
		},
		Logger: logger,
	}
}

// IsReady reports whether the target is currently reachable.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready,
		LastCheck: w.lastCheck,
		Since:     w.since,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
		s.Kind = qlik.KindOf(w.lastErr).String()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("service", w.config.Name)

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.observe(err, logger)
		if err == nil {
			logger.Info("service connected", "after_attempts", attempt)
			break
		}

		permanent := w.config.Permanent != nil && w.config.Permanent(err)
		if permanent || attempt == cfg.MaxRetries {
			logger.Warn("startup probe failed, entering background polling",
				"attempts", attempt,
				"permanent", permanent,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			w.observe(err, logger)
		}
	}
}

// observe records a probe outcome and fires transition callbacks.
func (w *Watcher) observe(err error, logger *slog.Logger) {
	now := time.Now()

	w.mu.Lock()
	wasReady := w.ready
	first := w.lastCheck.IsZero()
	w.lastErr = err
	w.lastCheck = now
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.ready = err == nil
	changed := first || wasReady != w.ready
	if changed {
		w.since = now
	}
	w.mu.Unlock()

	switch {
	case err == nil && changed:
		if !first {
			logger.Info("service recovered")
		}
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		logger.Warn("service became unreachable", "kind", qlik.KindOf(err).String(), "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil && !first:
		logger.Debug("service still unreachable", "error", err)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates watchers and renders their combined status.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher that runs until ctx is cancelled
// or Stop is called. It panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched target.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched target is ready. A manager with
// no watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
