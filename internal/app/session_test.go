package app_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/shotsense/internal/app"
	"github.com/MrWong99/shotsense/internal/config"
	"github.com/MrWong99/shotsense/internal/observe"
	"github.com/MrWong99/shotsense/pkg/audio"
	"github.com/MrWong99/shotsense/pkg/audio/mock"
	"github.com/MrWong99/shotsense/pkg/audio/wav"
)

const (
	rate   = 44100
	frames = 512
)

var format = audio.NewFormat(2, 16, rate)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig returns a defaulted config with HTTP, idle clears and session
// retries disabled.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "-"
	cfg.Source = config.SourceConfig{Kind: config.SourceWAV, Path: "in.wav"}
	cfg.Analysis.ClearAfter = -1
	cfg.Capture.RetryBackoff = -1
	return cfg
}

func burst() audio.Packet {
	left := mock.Tone(15000, 0.05, frames, rate)
	right := mock.Tone(15000, 0.9, frames, rate)
	return mock.Packet(format, mock.Stereo16(left, right))
}

func hum() audio.Packet {
	tone := mock.Tone(13*float64(rate)/frames, 0.7, frames, rate)
	return mock.Packet(format, mock.Stereo16(tone, tone))
}

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
	return append([]audio.Event(nil), s.events...)
}

func TestSession_CapturesAnalysesAndPersists(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Persist.Enabled = true
	cfg.Persist.OutputWAVFile = filepath.Join(t.TempDir(), "out.wav")

	src := &mock.Source{
		FormatResult:    format,
		EndAfterPackets: true,
		Packets: []audio.Packet{
			mock.SilentPacket(format, frames),
			hum(),
			burst(),
			burst(),
		},
	}
	sink := &recordingSink{}
	sess := app.NewSession(cfg, src, sink, testMetrics(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 detections and a final clear: %+v", len(events), events)
	}
	for _, ev := range events[:2] {
		if !ev.HighFreq || ev.Angle < 80 {
			t.Errorf("event = %+v, want detection panned right", ev)
		}
	}
	if !events[2].IsClear() {
		t.Errorf("last event = %+v, want clear", events[2])
	}

	info := sess.Info()
	if info.Forwarded != 2 {
		t.Errorf("Forwarded = %d, want 2", info.Forwarded)
	}
	if info.Format != format {
		t.Errorf("Format = %+v, want %+v", info.Format, format)
	}
	wantBytes := int64(2 * frames * format.BlockAlign)
	if info.Persisted.Frames != 2 || info.Persisted.Bytes != wantBytes {
		t.Errorf("Persisted = %+v, want 2 frames / %d bytes", info.Persisted, wantBytes)
	}

	raw, err := os.ReadFile(cfg.Persist.OutputWAVFile)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(raw)) != wav.HeaderSize+wantBytes {
		t.Errorf("file size = %d, want %d", len(raw), wav.HeaderSize+wantBytes)
	}
	if got := binary.LittleEndian.Uint32(raw[40:44]); int64(got) != wantBytes {
		t.Errorf("data size = %d, want %d", got, wantBytes)
	}

	if src.CallCountClose != 1 {
		t.Errorf("source closed %d times, want 1", src.CallCountClose)
	}
	if sess.LastPacket().IsZero() {
		t.Error("LastPacket not recorded")
	}
}

func TestSession_PersistenceDisabled(t *testing.T) {
	t.Parallel()

	src := &mock.Source{FormatResult: format, EndAfterPackets: true, Packets: []audio.Packet{burst()}}
	sess := app.NewSession(testConfig(), src, &recordingSink{}, testMetrics(t))
	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if info := sess.Info(); info.Persisted != (app.SessionInfo{}).Persisted {
		t.Errorf("Persisted = %+v, want zero value", info.Persisted)
	}
}

func TestSession_OpenFailure(t *testing.T) {
	t.Parallel()

	openErr := errors.New("no loopback device")
	src := &mock.Source{OpenError: openErr}
	sink := &recordingSink{}
	sess := app.NewSession(testConfig(), src, sink, testMetrics(t))

	err := sess.Run(context.Background())
	if !errors.Is(err, openErr) {
		t.Fatalf("err = %v, want wrapped open error", err)
	}
	if len(sink.snapshot()) != 0 {
		t.Error("events posted although the source never opened")
	}
	if src.CallCountClose != 1 {
		t.Errorf("source closed %d times, want 1", src.CallCountClose)
	}
}

func TestSession_ReadFailureEndsSession(t *testing.T) {
	t.Parallel()

	readErr := errors.New("device unplugged")
	src := &mock.Source{FormatResult: format, Packets: []audio.Packet{burst()}, NextError: readErr}
	sink := &recordingSink{}
	sess := app.NewSession(testConfig(), src, sink, testMetrics(t))

	err := sess.Run(context.Background())
	if !errors.Is(err, readErr) {
		t.Fatalf("err = %v, want wrapped read error", err)
	}
	events := sink.snapshot()
	if len(events) != 2 || !events[0].HighFreq || !events[1].IsClear() {
		t.Errorf("events = %+v, want the buffered detection then a final clear", events)
	}
}

func TestSession_CancelStops(t *testing.T) {
	t.Parallel()

	src := &mock.Source{FormatResult: format}
	sess := app.NewSession(testConfig(), src, &recordingSink{}, testMetrics(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
