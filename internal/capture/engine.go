// Package capture runs the producer side of the pipeline: it polls an
// [audio.Source], gates each packet with the high-frequency classifier and
// fans copies of interesting packets out to bounded consumer queues.
//
// The engine never blocks on its consumers. A full queue evicts its oldest
// frame; the eviction is counted but otherwise invisible to the capture loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/shotsense/internal/detect"
	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/internal/queue"
	"github.com/MrWong99/shotsense/pkg/audio"
)

// DefaultPollInterval is the pause between polls when the source has no
// packet ready.
const DefaultPollInterval = time.Millisecond

// output is one downstream queue with the name used in metrics and logs.
type output struct {
	name string
	q    *queue.Queue[audio.Frame]
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithOutput adds a downstream queue. Every frame that passes the gate is
// copied into each output in registration order.
func WithOutput(name string, q *queue.Queue[audio.Frame]) Option {
	return func(e *Engine) { e.outputs = append(e.outputs, output{name: name, q: q}) }
}

// WithPollInterval overrides [DefaultPollInterval].
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns an [audio.Source] for the duration of one capture session.
type Engine struct {
	src          audio.Source
	classifier   *detect.Classifier
	outputs      []output
	pollInterval time.Duration
	metrics      *observe.Metrics

	ready    chan audio.Format
	format   audio.Format
	stop     chan struct{}
	stopOnce sync.Once

	// lastPacket is the unix-nano timestamp of the most recent packet read
	// from the source, silent or not.
	lastPacket atomic.Int64
	forwarded  atomic.Int64
}

// New creates an Engine that reads from src and gates packets with c. The
// source is opened by [Engine.Run]; closing it remains the caller's job.
func New(src audio.Source, c *detect.Classifier, opts ...Option) *Engine {
	e := &Engine{
		src:          src,
		classifier:   c,
		pollInterval: DefaultPollInterval,
		ready:        make(chan audio.Format, 1),
		stop:         make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Ready delivers the negotiated [audio.Format] exactly once, after the source
// has been opened. The channel is closed without a value if opening fails.
// The format is immutable for the rest of the session.
func (e *Engine) Ready() <-chan audio.Format { return e.ready }

// Format returns the published format. It is only meaningful after a value
// was received from [Engine.Ready].
func (e *Engine) Format() audio.Format { return e.format }

// LastPacket returns when the source last delivered a packet, or the zero
// time if it never did.
func (e *Engine) LastPacket() time.Time {
	ns := e.lastPacket.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Forwarded returns the number of packets that passed the gate.
func (e *Engine) Forwarded() int64 { return e.forwarded.Load() }

// Stop asks Run to return. It is safe to call from any goroutine and more
// than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Run opens the source, publishes its format and polls it until ctx is
// cancelled, [Engine.Stop] is called or the source ends. All output queues
// are closed when Run returns so that consumers drain and exit.
//
// A clean end of stream ([audio.ErrSourceClosed]) returns nil; any other
// source failure ends the session with a wrapped error.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeOutputs()

	f, err := e.src.Open(ctx)
	if err == nil {
		err = f.Validate()
	}
	if err != nil {
		close(e.ready)
		e.metrics.CaptureErrors.Add(ctx, 1)
		return fmt.Errorf("capture: open source: %w", err)
	}
	e.format = f
	e.ready <- f
	close(e.ready)

	slog.Info("capture started", "format", f.String(), "outputs", len(e.outputs))

	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop:
			return nil
		default:
		}

		p, ok, err := e.src.Next()
		if err != nil {
			if errors.Is(err, audio.ErrSourceClosed) {
				slog.Info("capture source ended")
				return nil
			}
			e.metrics.CaptureErrors.Add(ctx, 1)
			return fmt.Errorf("capture: read packet: %w", err)
		}
		if !ok {
			timer.Reset(e.pollInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-e.stop:
				return nil
			case <-timer.C:
			}
			continue
		}

		e.handle(ctx, p)

		if err := e.src.Release(p); err != nil {
			e.metrics.CaptureErrors.Add(ctx, 1)
			return fmt.Errorf("capture: release packet: %w", err)
		}
	}
}

// handle gates one packet and fans it out. The packet's bytes are copied
// before handle returns, so the caller may release it right after.
func (e *Engine) handle(ctx context.Context, p audio.Packet) {
	now := time.Now()
	e.lastPacket.Store(now.UnixNano())
	e.metrics.RecordPacket(ctx, p.Silent)

	if p.Silent || p.Frames == 0 {
		return
	}
	n := min(p.Frames*e.format.BlockAlign, len(p.Data))
	data := p.Data[:n]

	start := time.Now()
	hit := e.classifier.Classify(data, e.format)
	e.metrics.GateDuration.Record(ctx, time.Since(start).Seconds())
	if !hit {
		return
	}
	e.forwarded.Add(1)

	frame := audio.Frame{Data: data, Captured: now}
	for _, out := range e.outputs {
		accepted, dropped := out.q.Push(frame.Clone())
		if accepted {
			e.metrics.RecordForwarded(ctx, out.name)
		}
		if dropped {
			e.metrics.RecordDropped(ctx, out.name)
			slog.Debug("queue full, dropped oldest frame", "queue", out.name, "dropped_total", out.q.Dropped())
		}
	}
}

func (e *Engine) closeOutputs() {
	for _, out := range e.outputs {
		out.q.Close()
	}
}
