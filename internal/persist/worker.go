// Package persist streams gated frames into a WAV file.
//
// The worker never pushes back on the capture loop. If the file cannot be
// created it still drains its queue, discarding frames. If a write fails it
// stops writing, keeps draining, and on exit patches the header with the
// bytes that did reach the file.
package persist

import (
	"context"
	"log/slog"

	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/internal/queue"
	"github.com/MrWong99/shotsense/pkg/audio"
	"github.com/MrWong99/shotsense/pkg/audio/wav"
)

// Stats summarises one worker run.
type Stats struct {
	// Frames is the number of frames taken from the queue.
	Frames int

	// Bytes is the number of sample bytes written to the file.
	Bytes int64

	// Err is the first error that stopped persistence, if any.
	Err error
}

// Option is a functional option for [New].
type Option func(*Worker)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithCreate overrides how the output file is created.
func WithCreate(fn func(path string, f audio.Format) (*wav.Writer, error)) Option {
	return func(w *Worker) { w.create = fn }
}

// Worker consumes one queue and appends its frames to a WAV file.
type Worker struct {
	q       *queue.Queue[audio.Frame]
	path    string
	format  audio.Format
	metrics *observe.Metrics
	create  func(path string, f audio.Format) (*wav.Writer, error)
}

// New creates a Worker writing frames in format f to path.
func New(q *queue.Queue[audio.Frame], path string, f audio.Format, opts ...Option) *Worker {
	w := &Worker{
		q:      q,
		path:   path,
		format: f,
		create: wav.Create,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Run drains the queue until it is closed and empty, then finalises the file.
func (w *Worker) Run(ctx context.Context) Stats {
	var st Stats

	out, err := w.create(w.path, w.format)
	if err != nil {
		slog.Warn("persistence disabled, could not create output file", "path", w.path, "err", err)
		st.Err = err
	} else {
		slog.Info("persisting frames", "path", w.path, "format", out.Format().String(), "format_tag", wav.FormatTag(out.Format()))
	}

	for {
		fr, status := w.q.Pop(0)
		if status == queue.Closed {
			break
		}
		st.Frames++
		if out == nil || st.Err != nil {
			continue
		}
		n, err := out.Write(fr.Data)
		if n > 0 {
			w.metrics.BytesPersisted.Add(ctx, int64(n))
		}
		if err != nil {
			slog.Error("persistence stopped after write failure", "path", w.path, "err", err)
			st.Err = err
		}
	}

	if out != nil {
		st.Bytes = out.Written()
		if err := out.Close(); err != nil {
			slog.Error("failed to finalise output file", "path", w.path, "err", err)
			if st.Err == nil {
				st.Err = err
			}
		}
	}
	slog.Info("persistence finished", "path", w.path, "frames", st.Frames, "bytes", st.Bytes)
	return st
}
