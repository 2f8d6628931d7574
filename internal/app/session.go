package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/shotsense/internal/analysis"
	"github.com/MrWong99/shotsense/internal/capture"
	"github.com/MrWong99/shotsense/internal/config"
	"github.com/MrWong99/shotsense/internal/detect"
	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/internal/persist"
	"github.com/MrWong99/shotsense/internal/queue"
	"github.com/MrWong99/shotsense/pkg/audio"
)

// SessionInfo describes a running or finished capture session.
type SessionInfo struct {
	// StartedAt is when Run was called.
	StartedAt time.Time

	// Format is the device format. It is the zero value until the source
	// has been opened.
	Format audio.Format

	// Forwarded is the number of packets that passed the gate.
	Forwarded int64

	// Persisted is the result of the persistence worker. It is the zero
	// value while the session runs or when persistence is disabled.
	Persisted persist.Stats
}

// Session is one capture session: a source, the capture engine, the two
// consumer queues and their workers. The detector thresholds, the format and
// the output path are fixed for the lifetime of a session; a configuration
// change builds a new one.
type Session struct {
	cfg     *config.Config
	src     audio.Source
	sink    analysis.Sink
	metrics *observe.Metrics

	classifier *detect.Classifier
	analysisQ  *queue.Queue[audio.Frame]
	persistQ   *queue.Queue[audio.Frame]
	engine     *capture.Engine

	mu   sync.Mutex
	info SessionInfo
}

// NewSession assembles a session from cfg. It does not touch the source
// until [Session.Run] is called. The session takes ownership of src and
// closes it when Run returns.
func NewSession(cfg *config.Config, src audio.Source, sink analysis.Sink, metrics *observe.Metrics) *Session {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Session{
		cfg:        cfg,
		src:        src,
		sink:       sink,
		metrics:    metrics,
		classifier: detect.NewClassifier(cfg.Detector.Thresholds()),
	}

	s.analysisQ = queue.New[audio.Frame](cfg.Capture.QueueCapacity)
	opts := []capture.Option{
		capture.WithOutput(observe.QueueAnalysis, s.analysisQ),
		capture.WithPollInterval(cfg.Capture.PollInterval),
		capture.WithMetrics(metrics),
	}
	if cfg.Persist.Enabled {
		s.persistQ = queue.New[audio.Frame](cfg.Capture.QueueCapacity)
		opts = append(opts, capture.WithOutput(observe.QueuePersist, s.persistQ))
	}
	s.engine = capture.New(src, s.classifier, opts...)
	return s
}

// LastPacket reports when the source last delivered a packet.
func (s *Session) LastPacket() time.Time { return s.engine.LastPacket() }

// Info returns a snapshot of the session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Forwarded = s.engine.Forwarded()
	return info
}

// Run captures until ctx is cancelled or the source ends, then waits for
// both workers to drain their queues and closes the source. A clean end of
// stream returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.info.StartedAt = time.Now()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	ctx, span := observe.StartSessionSpan(ctx, string(s.cfg.Source.Kind))
	var err error
	defer func() { observe.EndSpan(span, err) }()

	defer func() {
		if err := s.src.Close(); err != nil {
			slog.Warn("failed to close audio source", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.engine.Run(gctx) })

	// Workers only start once the format is known; a failed open closes
	// Ready without a value and the engine's error is returned below.
	f, ok := <-s.engine.Ready()
	if !ok {
		err = g.Wait()
		return err
	}
	span.SetAttributes(observe.FormatAttributes(f)...)

	s.mu.Lock()
	s.info.Format = f
	s.mu.Unlock()

	th := s.classifier.Thresholds()
	slog.Info("capture session started",
		"format", f.String(),
		"high_freq_min", th.HighFreqMin,
		"high_freq_epsilon", th.HighFreqEpsilon,
		"high_freq_ratio", th.HighFreqRatio,
		"queue_capacity", s.analysisQ.Cap(),
		"persist", s.cfg.Persist.Enabled,
	)

	worker := analysis.New(s.analysisQ, s.classifier, f, s.sink, analysis.Config{
		ClearAfter:       s.cfg.Analysis.ClearAfter,
		AttachFrames:     s.cfg.Analysis.AttachFrames,
		EmitDetectedOnly: s.cfg.Analysis.EmitDetectedOnly,
	}, analysis.WithMetrics(s.metrics))
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if s.persistQ != nil {
		pw := persist.New(s.persistQ, s.cfg.Persist.OutputWAVFile, f, persist.WithMetrics(s.metrics))
		g.Go(func() error {
			st := pw.Run(gctx)
			s.mu.Lock()
			s.info.Persisted = st
			s.mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	info := s.Info()
	slog.Info("capture session finished",
		"forwarded", info.Forwarded,
		"analysis_dropped", s.analysisQ.Dropped(),
		"persisted_bytes", info.Persisted.Bytes,
		"err", err,
	)
	if err != nil {
		err = fmt.Errorf("app: session: %w", err)
	}
	return err
}
