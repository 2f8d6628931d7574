package analysis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/shotsense/internal/analysis"
	"github.com/MrWong99/shotsense/internal/detect"
	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/internal/queue"
	"github.com/MrWong99/shotsense/pkg/audio"
	"github.com/MrWong99/shotsense/pkg/audio/mock"
)

const (
	rate   = 44100
	frames = 512
)

var format = audio.NewFormat(2, 16, rate)

// recordingSink collects posted events.
type recordingSink struct {
	mu     sync.Mutex
	events []audio.Event
}

func (s *recordingSink) Post(ev audio.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []audio.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Event, len(s.events))
	copy(out, s.events)
	return out
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// burst is a 15 kHz tone biased hard to the right.
func burst() audio.Frame {
	left := mock.Tone(15000, 0.05, frames, rate)
	right := mock.Tone(15000, 0.8, frames, rate)
	return audio.Frame{Data: mock.Stereo16(left, right), Captured: time.Now()}
}

// hum is a bin-centred low tone that never classifies as high-frequency.
func hum() audio.Frame {
	freq := 13 * float64(rate) / frames
	tone := mock.Tone(freq, 0.9, frames, rate)
	return audio.Frame{Data: mock.Stereo16(tone, tone), Captured: time.Now()}
}

func newWorker(t *testing.T, q *queue.Queue[audio.Frame], sink analysis.Sink, cfg analysis.Config) *analysis.Worker {
	t.Helper()
	return analysis.New(q, detect.NewClassifier(detect.DefaultThresholds()), format, sink, cfg,
		analysis.WithMetrics(testMetrics(t)))
}

func TestWorker_DrainsBeforeFinalClear(t *testing.T) {
	t.Parallel()

	q := queue.New[audio.Frame](16)
	for range 3 {
		q.Push(burst())
	}
	q.Close()

	sink := &recordingSink{}
	w := newWorker(t, q, sink, analysis.Config{ClearAfter: time.Hour})
	if got := w.State(); got != analysis.Idle {
		t.Fatalf("initial state = %v, want IDLE", got)
	}
	w.Run(context.Background())

	events := sink.snapshot()
	if len(events) != 4 {
		t.Fatalf("events = %d, want 3 detections + 1 final clear", len(events))
	}
	for i, ev := range events[:3] {
		if !ev.HighFreq {
			t.Errorf("event %d: HighFreq = false, want true", i)
		}
		if ev.Angle < 80 || ev.Angle > 90 {
			t.Errorf("event %d: angle = %.2f, want near +90", i, ev.Angle)
		}
	}
	if last := events[3]; !last.IsClear() {
		t.Errorf("last event = %+v, want clear", last)
	}
	if got := w.State(); got != analysis.Stopped {
		t.Errorf("final state = %v, want STOPPED", got)
	}
}

// blockingSink holds every Post until release is closed and reports the
// first call on entered.
type blockingSink struct {
	recordingSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Post(ev audio.Event) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.recordingSink.Post(ev)
}

func TestWorker_StateIsDrainingWhileClosedQueueEmpties(t *testing.T) {
	t.Parallel()

	q := queue.New[audio.Frame](16)
	q.Push(burst())
	q.Push(burst())
	q.Close()

	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	w := newWorker(t, q, sink, analysis.Config{ClearAfter: time.Hour})

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never posted an event")
	}
	if got := w.State(); got != analysis.Draining {
		t.Errorf("state while draining = %v, want DRAINING", got)
	}

	close(sink.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the queue drained")
	}
	if got := w.State(); got != analysis.Stopped {
		t.Errorf("state = %v, want STOPPED", got)
	}
	events := sink.snapshot()
	if len(events) != 3 || !events[0].HighFreq || !events[1].HighFreq || !events[2].IsClear() {
		t.Errorf("events = %+v, want two detections then a clear", events)
	}
}

func TestWorker_IdleStopEmitsSingleClear(t *testing.T) {
	t.Parallel()

	q := queue.New[audio.Frame](4)
	q.Close()
	sink := &recordingSink{}
	w := newWorker(t, q, sink, analysis.Config{})
	w.Run(context.Background())

	events := sink.snapshot()
	if len(events) != 1 || !events[0].IsClear() {
		t.Fatalf("events = %+v, want exactly one clear", events)
	}
	if got := w.State(); got != analysis.Stopped {
		t.Errorf("state = %v, want STOPPED", got)
	}
}

func TestWorker_ClearDebounce(t *testing.T) {
	t.Parallel()

	q := queue.New[audio.Frame](4)
	sink := &recordingSink{}
	w := newWorker(t, q, sink, analysis.Config{ClearAfter: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()

	// Many idle windows pass, but only one clear is posted.
	time.Sleep(100 * time.Millisecond)
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("events after idle period = %d, want 1", got)
	}

	q.Push(burst())
	time.Sleep(100 * time.Millisecond)

	q.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	events := sink.snapshot()
	kinds := make([]bool, len(events))
	for i, ev := range events {
		kinds[i] = ev.HighFreq
	}
	// clear, detection, clear after the detection, final clear.
	want := []bool{false, true, false, false}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d HighFreq = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestWorker_NegativeClearAfterDisablesIdleClears(t *testing.T) {
	t.Parallel()

	q := queue.New[audio.Frame](4)
	sink := &recordingSink{}
	w := newWorker(t, q, sink, analysis.Config{ClearAfter: -1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("events while idle = %d, want 0", got)
	}
	q.Close()
	<-done
	if got := len(sink.snapshot()); got != 1 {
		t.Errorf("events after stop = %d, want 1 final clear", got)
	}
}

func TestWorker_AuthoritativeClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		detectedOnly bool
		wantEvents   int
	}{
		{"negative events posted", false, 2},
		{"negative events suppressed", true, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := queue.New[audio.Frame](4)
			q.Push(hum())
			q.Close()

			sink := &recordingSink{}
			w := newWorker(t, q, sink, analysis.Config{ClearAfter: time.Hour, EmitDetectedOnly: tc.detectedOnly})
			w.Run(context.Background())

			events := sink.snapshot()
			if len(events) != tc.wantEvents {
				t.Fatalf("events = %d, want %d", len(events), tc.wantEvents)
			}
			for _, ev := range events {
				if ev.HighFreq {
					t.Errorf("low tone reported as high-frequency: %+v", ev)
				}
			}
		})
	}
}

func TestWorker_AttachFrames(t *testing.T) {
	t.Parallel()

	for _, attach := range []bool{false, true} {
		q := queue.New[audio.Frame](4)
		fr := burst()
		q.Push(fr)
		q.Close()

		sink := &recordingSink{}
		w := newWorker(t, q, sink, analysis.Config{ClearAfter: time.Hour, AttachFrames: attach})
		w.Run(context.Background())

		ev := sink.snapshot()[0]
		if got := len(ev.Frame) > 0; got != attach {
			t.Errorf("attach=%v: frame attached = %v", attach, got)
		}
		if attach && len(ev.Frame) != len(fr.Data) {
			t.Errorf("attached %d bytes, want %d", len(ev.Frame), len(fr.Data))
		}
	}
}

func TestWorker_ClockStampsEvents(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := queue.New[audio.Frame](4)
	q.Push(burst())
	q.Close()

	sink := &recordingSink{}
	w := analysis.New(q, detect.NewClassifier(detect.DefaultThresholds()), format, sink,
		analysis.Config{ClearAfter: time.Hour},
		analysis.WithMetrics(testMetrics(t)),
		analysis.WithClock(func() time.Time { return fixed }),
	)
	w.Run(context.Background())

	for i, ev := range sink.snapshot() {
		if !ev.At.Equal(fixed) {
			t.Errorf("event %d At = %v, want %v", i, ev.At, fixed)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    analysis.State
		want string
	}{
		{analysis.Idle, "IDLE"},
		{analysis.Processing, "PROCESSING"},
		{analysis.Draining, "DRAINING"},
		{analysis.Stopped, "STOPPED"},
		{analysis.State(42), "UNKNOWN"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}

func TestSinkFunc(t *testing.T) {
	t.Parallel()
	var got audio.Event
	analysis.SinkFunc(func(ev audio.Event) { got = ev }).Post(audio.Event{HighFreq: true, Angle: 12})
	if !got.HighFreq || got.Angle != 12 {
		t.Errorf("SinkFunc did not forward event: %+v", got)
	}
}
