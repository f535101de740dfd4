package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/qlik-mcp/internal/qlik"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second || cfg.MaxDelay != 60*time.Second {
		t.Errorf("delays = %v..%v, want 2s..60s", cfg.InitialDelay, cfg.MaxDelay)
	}
	if cfg.MaxRetries != 10 || cfg.PollInterval != 60*time.Second {
		t.Errorf("MaxRetries = %d, PollInterval = %v", cfg.MaxRetries, cfg.PollInterval)
	}

	filled := BackoffConfig{MaxRetries: 3}.withDefaults()
	if filled.MaxRetries != 3 || filled.ProbeTimeout != 10*time.Second {
		t.Errorf("withDefaults() = %+v", filled)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var readyCalled atomic.Int32

	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name:    "test-immediate",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	eventually(t, w.IsReady, "expected IsReady() after successful probe")
	eventually(t, func() bool { return readyCalled.Load() == 1 }, "OnReady not called")
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	if !m.Healthy() {
		t.Error("Manager.Healthy() = false with every watcher ready")
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	errDown := errors.New("service down")
	var attempts atomic.Int32

	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "test-backoff",
		Probe: func(ctx context.Context) error {
			if attempts.Add(1) <= 3 {
				return errDown
			}
			return nil
		},
		Backoff: testBackoff(),
	})

	eventually(t, w.IsReady, "expected IsReady() after probe recovered")
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
	if s := w.Status(); s.Failures != 0 || s.LastError != "" {
		t.Errorf("status after recovery = %+v", s)
	}
}

func TestWatcher_PermanentFailureSkipsBackoff(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	authErr := &qlik.Error{Kind: qlik.KindAuth, Op: "rest ping", Message: "invalid or expired API token"}

	b := testBackoff()
	b.InitialDelay = time.Hour // a second startup attempt would hang
	b.PollInterval = time.Hour

	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name:      "tenant",
		Probe:     func(ctx context.Context) error { attempts.Add(1); return authErr },
		Backoff:   b,
		Permanent: func(err error) bool { return errors.Is(err, qlik.ErrAuth) },
	})

	eventually(t, func() bool { return !w.Status().LastCheck.IsZero() }, "no probe recorded")
	time.Sleep(20 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1 (no backoff on permanent failure)", n)
	}
	s := w.Status()
	if s.Ready || s.Kind != "auth" || s.Failures != 1 {
		t.Errorf("status = %+v, want not ready with kind auth", s)
	}
	if m.Healthy() {
		t.Error("Manager.Healthy() = true with a failing watcher")
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	var downCalled, readyCalled atomic.Int32

	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "test-flap",
		Probe: func(ctx context.Context) error {
			if healthy.Load() {
				return nil
			}
			return &qlik.Error{Kind: qlik.KindUpstream, Message: "REST error (503)"}
		},
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(err error) { downCalled.Add(1) },
	})

	eventually(t, w.IsReady, "never became ready")
	healthy.Store(false)
	eventually(t, func() bool { return !w.IsReady() }, "never went down")
	eventually(t, func() bool { return downCalled.Load() == 1 }, "OnDown not called once")
	if s := w.Status(); s.Kind != "upstream" {
		t.Errorf("Kind = %q, want upstream", s.Kind)
	}

	healthy.Store(true)
	eventually(t, w.IsReady, "never recovered")
	eventually(t, func() bool { return readyCalled.Load() == 2 }, "OnReady not called on recovery")
}

func TestWatcher_StopAndCancel(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())

	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "stop",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	w2 := m.Watch(ctx, WatcherConfig{
		Name:    "cancel",
		Probe:   func(ctx context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})

	cancel()
	done := make(chan struct{})
	go func() { w2.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit on context cancellation")
	}

	w.Stop()
	m.Stop()
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	b := testBackoff()
	b.ProbeTimeout = 10 * time.Millisecond

	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	eventually(t, func() bool { return errors.Is(w.LastError(), context.DeadlineExceeded) },
		"probe was not bounded by ProbeTimeout")
}

func TestManager_PanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	for name, cfg := range map[string]WatcherConfig{
		"no name":  {Probe: func(ctx context.Context) error { return nil }},
		"no probe": {Name: "x"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: Watch did not panic", name)
				}
			}()
			m.Watch(t.Context(), cfg)
		}()
	}
}

func TestTenantWatcher_ProbesRESTPing(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusOK)
	var paths atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths.Store(r.URL.Path)
		w.WriteHeader(int(status.Load()))
		io.WriteString(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	rest := qlik.NewRESTClient(qlik.RESTConfig{
		BaseURL:    srv.URL,
		Token:      qlik.StaticToken("tok"),
		Retries:    qlik.RetryCount(0),
		RetryDelay: time.Millisecond,
		Logger:     quietLogger(),
	})

	cfg := TenantWatcherConfig(rest, 5*time.Millisecond, quietLogger())
	if cfg.Name != "tenant" || cfg.Backoff.PollInterval != 5*time.Millisecond {
		t.Fatalf("TenantWatcherConfig = %+v", cfg)
	}
	if !cfg.Permanent(qlik.ErrConfig) || cfg.Permanent(qlik.ErrTimeout) {
		t.Error("Permanent should match auth/config only")
	}

	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), cfg)
	eventually(t, w.IsReady, "tenant never ready")
	if p, _ := paths.Load().(string); p != "/api/v1/users/me" {
		t.Errorf("probe path = %q", p)
	}

	status.Store(http.StatusUnauthorized)
	eventually(t, func() bool { return w.Status().Kind == "auth" }, "401 not reported as auth")

	all := m.Status()
	if s, ok := all["tenant"]; !ok || s.Ready {
		t.Errorf("Manager.Status() = %+v", all)
	}
}
