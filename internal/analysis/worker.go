// Package analysis implements the consumer that turns gated frames into
// events for the overlay.
//
// Every frame taken from the queue is classified and angled again; this
// result is the authoritative one and the capture gate is only an admission
// filter. When the queue stays empty for the configured idle window a single
// clear event is posted so the overlay can reset, and one final clear event
// is posted when the worker stops.
package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/shotsense/internal/detect"
	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/internal/queue"
	"github.com/MrWong99/shotsense/pkg/audio"
)

// DefaultClearAfter is the idle window after which a clear event is posted.
const DefaultClearAfter = 250 * time.Millisecond

// State is the lifecycle state of a [Worker].
type State int

const (
	// Idle means the queue is empty and the session is still running.
	Idle State = iota

	// Processing means a frame is being classified.
	Processing

	// Draining means the session is stopping and buffered frames are still
	// being processed.
	Draining

	// Stopped is terminal.
	Stopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Processing:
		return "PROCESSING"
	case Draining:
		return "DRAINING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Sink receives analysis events. Ownership of the event passes to the sink
// when Post is called; Post must not block for long since it runs on the
// worker goroutine.
type Sink interface {
	Post(ev audio.Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(audio.Event)

// Post calls f(ev).
func (f SinkFunc) Post(ev audio.Event) { f(ev) }

// Config holds the worker's tunables.
type Config struct {
	// ClearAfter is the idle window before a clear event. Zero means
	// [DefaultClearAfter]; a negative value disables idle clears.
	ClearAfter time.Duration

	// AttachFrames copies the raw frame bytes into each event.
	AttachFrames bool

	// EmitDetectedOnly suppresses events whose classification is negative.
	EmitDetectedOnly bool
}

// Option is a functional option for [New].
type Option func(*Worker)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker consumes one queue and posts events to one sink.
type Worker struct {
	q          *queue.Queue[audio.Frame]
	classifier *detect.Classifier
	format     audio.Format
	sink       Sink
	cfg        Config
	metrics    *observe.Metrics
	now        func() time.Time

	mu    sync.Mutex
	state State

	// clearPending is true once a real event has been posted since the last
	// clear, i.e. the next idle window should produce a clear event.
	clearPending bool
}

// New creates a Worker for frames in format f. The format must be the one
// published by the capture engine for this session.
func New(q *queue.Queue[audio.Frame], c *detect.Classifier, f audio.Format, sink Sink, cfg Config, opts ...Option) *Worker {
	if cfg.ClearAfter == 0 {
		cfg.ClearAfter = DefaultClearAfter
	}
	w := &Worker{
		q:            q,
		classifier:   c,
		format:       f,
		sink:         sink,
		cfg:          cfg,
		now:          time.Now,
		clearPending: true,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s && (s == Draining || s == Stopped) {
		slog.Debug("analysis worker state change", "from", prev, "to", s)
	}
}

// Run processes frames until the queue is closed and empty, then posts the
// final clear event and returns. Frames buffered at close time are always
// processed; ctx only carries tracing and metric context.
func (w *Worker) Run(ctx context.Context) {
	idle := w.cfg.ClearAfter
	if idle < 0 {
		idle = 0
	}
	for {
		fr, st := w.q.Pop(idle)
		switch st {
		case queue.Item:
			if w.q.IsClosed() {
				w.setState(Draining)
			} else {
				w.setState(Processing)
			}
			w.process(ctx, fr)
			if w.State() == Processing {
				w.setState(Idle)
			}
		case queue.Idle:
			if w.clearPending {
				w.post(ctx, audio.ClearEvent(w.now()), observe.EventClear)
				w.clearPending = false
			}
		case queue.Closed:
			w.post(ctx, audio.ClearEvent(w.now()), observe.EventClear)
			w.setState(Stopped)
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, fr audio.Frame) {
	ctx, span := observe.StartSpan(ctx, "analysis.frame",
		trace.WithAttributes(attribute.Int("frame.bytes", len(fr.Data))),
	)
	defer span.End()

	start := time.Now()
	hit := w.classifier.Classify(fr.Data, w.format)
	angle := detect.EstimateAngle(fr.Data, w.format)
	w.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Bool("high_freq", hit),
		attribute.Float64("angle", angle),
	)

	if !hit && w.cfg.EmitDetectedOnly {
		return
	}

	ev := audio.Event{HighFreq: hit, Angle: angle, At: w.now()}
	if w.cfg.AttachFrames {
		ev.Frame = fr.Data
	}
	kind := observe.EventNegative
	if hit {
		kind = observe.EventDetected
		observe.Logger(ctx).Debug("high-frequency burst", "angle", angle, "latency", time.Since(fr.Captured))
	}
	w.post(ctx, ev, kind)
	w.clearPending = true
}

func (w *Worker) post(ctx context.Context, ev audio.Event, kind string) {
	w.sink.Post(ev)
	w.metrics.RecordEvent(ctx, kind)
}
