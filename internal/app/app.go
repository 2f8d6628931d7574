// Package app wires the shotsense subsystems into a running service.
//
// An [App] owns the long-lived parts (HTTP server, overlay hub, health
// checks) and supervises one capture [Session] at a time. A configuration
// change that touches capture parameters replaces the running session with a
// new one built from the new configuration; a log level change is applied
// in place.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/shotsense/internal/analysis"
	"github.com/MrWong99/shotsense/internal/config"
	"github.com/MrWong99/shotsense/internal/health"
	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/internal/overlay"
)

// DefaultHeartbeatMaxAge is how long the capture loop may go without a
// packet before /readyz fails.
const DefaultHeartbeatMaxAge = 5 * time.Second

const shutdownTimeout = 5 * time.Second

// Option is a functional option for [New].
type Option func(*App)

// WithLevelVar lets configuration reloads change the log level in place.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithSink adds an extra event sink next to the log sink and the overlay hub.
func WithSink(s analysis.Sink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, s) }
}

// WithHeartbeatMaxAge overrides [DefaultHeartbeatMaxAge].
func WithHeartbeatMaxAge(d time.Duration) Option {
	return func(a *App) { a.heartbeatMaxAge = d }
}

// App owns the service lifetime.
type App struct {
	reg             *config.Registry
	level           *slog.LevelVar
	metrics         *observe.Metrics
	metricsHandler  http.Handler
	extraSinks      []analysis.Sink
	heartbeatMaxAge time.Duration

	hub     *overlay.Hub
	mailbox *overlay.Mailbox
	sink    analysis.Sink
	health  *health.Handler
	restart chan struct{}

	mu      sync.Mutex
	cfg     *config.Config
	session *Session
}

// New creates an App for cfg. Sources are built through reg.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if reg == nil {
		return nil, errors.New("app: nil source registry")
	}
	a := &App{
		cfg:             cfg,
		reg:             reg,
		heartbeatMaxAge: DefaultHeartbeatMaxAge,
		health:          health.New(),
		restart:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.hub = overlay.NewHub(overlay.WithHubMetrics(a.metrics))
	a.mailbox = overlay.NewMailbox(overlay.DefaultMailboxSize)
	sinks := append([]analysis.Sink{overlay.LogSink{}, a.hub}, a.extraSinks...)
	a.sink = overlay.Multi(sinks...)
	return a, nil
}

// Config returns the configuration the next session will be built from.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Session returns the current capture session, or nil before the first one
// has been built.
func (a *App) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Hub returns the overlay broadcaster.
func (a *App) Hub() *overlay.Hub { return a.hub }

// Handler returns the HTTP routes: health checks, metrics and the overlay
// feed, wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.Handle("GET /overlay", a.hub)
	return observe.Middleware(a.metrics)(mux)
}

// OnConfigChange applies a reloaded configuration. It is meant to be passed
// to [config.NewWatcher].
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ListenAddrChanged {
		slog.Warn("listen_addr changed, restart the process to apply it", "listen_addr", new.Server.ListenAddr)
	}
	if d.RestartRequired() {
		slog.Info("configuration changed, restarting capture session", "sections", d.Sections)
		select {
		case a.restart <- struct{}{}:
		default:
		}
	}
}

// Run serves HTTP (when enabled) and supervises capture sessions until ctx
// is cancelled or a session ends because its source was exhausted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// Sessions post into the mailbox; one goroutine delivers to the log, the
	// hub and any extra sinks. It keeps going until the last session has
	// posted its final clear.
	supervised := make(chan struct{})
	forwarded := make(chan struct{})
	g.Go(func() error {
		defer close(forwarded)
		a.mailbox.Forward(supervised, a.sink)
		if n := a.mailbox.Dropped(); n > 0 {
			slog.Warn("overlay events dropped, sinks too slow", "dropped", n)
		}
		return nil
	})

	if cfg := a.Config(); cfg.HTTPEnabled() {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			<-forwarded
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = a.hub.Close()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			<-forwarded
			return a.hub.Close()
		})
	}

	g.Go(func() error {
		defer close(supervised)
		defer cancel()
		return a.supervise(gctx)
	})

	return g.Wait()
}

// supervise runs one session at a time. A failed session is rebuilt with
// exponential backoff; once retries are exhausted the service stays up with a
// failing readiness check until the configuration changes.
func (a *App) supervise(ctx context.Context) error {
	var (
		retry    *retrier
		retryCfg *config.Config
	)
	for {
		cfg := a.Config()
		if cfg != retryCfg {
			retry, retryCfg = newRetrier(cfg.Capture), cfg
		}

		src, err := a.reg.CreateSource(cfg.Source)
		if err != nil {
			a.fail(err)
			if !a.waitRetry(ctx, retry) {
				return nil
			}
			continue
		}

		sess := NewSession(cfg, src, a.mailbox, a.metrics)
		a.mu.Lock()
		a.session = sess
		a.mu.Unlock()
		a.health.SetCheckers(health.Heartbeat("capture", sess.LastPacket, a.heartbeatMaxAge))

		sctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sess.Run(sctx) }()

		select {
		case err := <-done:
			cancel()
			if err == nil {
				slog.Info("capture source exhausted, stopping")
				return nil
			}
			if !sess.LastPacket().IsZero() {
				retry.reset()
			}
			a.fail(err)
			if !a.waitRetry(ctx, retry) {
				return nil
			}
		case <-a.restart:
			cancel()
			if err := <-done; err != nil {
				slog.Warn("capture session ended with error during restart", "err", err)
			}
		case <-ctx.Done():
			cancel()
			if err := <-done; err != nil {
				slog.Warn("capture session ended with error during shutdown", "err", err)
			}
			return nil
		}
	}
}

func (a *App) fail(err error) {
	slog.Error("capture session failed", "err", err)
	a.health.SetCheckers(health.Checker{
		Name:  "capture",
		Check: func(context.Context) error { return err },
	})
}

// waitRetry blocks until the next retry is due or the configuration changes.
// It reports false when ctx is done.
func (a *App) waitRetry(ctx context.Context, r *retrier) bool {
	var due <-chan time.Time
	if d, ok := r.next(); ok {
		slog.Info("rebuilding capture session", "in", d, "attempt", r.attempt, "max_retries", r.maxRetries)
		t := time.NewTimer(d)
		defer t.Stop()
		due = t.C
	} else {
		slog.Warn("capture retries exhausted, waiting for a configuration change")
	}

	select {
	case <-a.restart:
		return true
	case <-due:
		return true
	case <-ctx.Done():
		return false
	}
}
