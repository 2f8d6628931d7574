package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/shotsense/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: "127.0.0.1:9310"
  log_level: debug

source:
  kind: wav
  path: testdata/shots.wav
  packet_frames: 1024
  realtime: true

detector:
  high_freq_min: 12000
  high_freq_epsilon: 0.002
  high_freq_ratio: 0.25

capture:
  queue_capacity: 64
  poll_interval: 2ms

analysis:
  clear_after: 500ms
  attach_frames: true
  emit_detected_only: true

persist:
  enabled: true
  output_wav_file: out.wav

telemetry:
  service_name: shotsense-test
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── LoadFromReader ───────────────────────────────────────────────────────────

func TestLoadFromReader_AllFields(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != "127.0.0.1:9310" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	want := config.SourceConfig{Kind: config.SourceWAV, Path: "testdata/shots.wav", PacketFrames: 1024, Realtime: true}
	if cfg.Source != want {
		t.Errorf("source = %+v, want %+v", cfg.Source, want)
	}
	if cfg.Detector.HighFreqMin != 12000 || cfg.Detector.HighFreqEpsilon != 0.002 || cfg.Detector.HighFreqRatio != 0.25 {
		t.Errorf("detector = %+v", cfg.Detector)
	}
	if cfg.Capture.QueueCapacity != 64 || cfg.Capture.PollInterval != 2*time.Millisecond {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Analysis.ClearAfter != 500*time.Millisecond || !cfg.Analysis.AttachFrames || !cfg.Analysis.EmitDetectedOnly {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	if !cfg.Persist.Enabled || cfg.Persist.OutputWAVFile != "out.wav" {
		t.Errorf("persist = %+v", cfg.Persist)
	}
	if cfg.Telemetry.ServiceName != "shotsense-test" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyDocumentUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Detector.HighFreqMin != 10000 || cfg.Detector.HighFreqEpsilon != 0.001 || cfg.Detector.HighFreqRatio != 0.1 {
		t.Errorf("detector defaults = %+v", cfg.Detector)
	}
	if cfg.Capture.QueueCapacity != 256 {
		t.Errorf("queue_capacity = %d, want 256", cfg.Capture.QueueCapacity)
	}
	if cfg.Capture.PollInterval != time.Millisecond {
		t.Errorf("poll_interval = %s, want 1ms", cfg.Capture.PollInterval)
	}
	if cfg.Capture.RetryBackoff != time.Second || cfg.Capture.RetryMaxBackoff != 30*time.Second || cfg.Capture.MaxRetries != 10 {
		t.Errorf("retry defaults = %s/%s/%d", cfg.Capture.RetryBackoff, cfg.Capture.RetryMaxBackoff, cfg.Capture.MaxRetries)
	}
	if cfg.Analysis.ClearAfter != 250*time.Millisecond {
		t.Errorf("clear_after = %s, want 250ms", cfg.Analysis.ClearAfter)
	}
	if cfg.Persist.Enabled {
		t.Error("persistence enabled by default")
	}
	if !cfg.Source.Kind.IsValid() {
		t.Errorf("default source kind %q is invalid", cfg.Source.Kind)
	}
}

func TestLoadFromReader_ExplicitZeroThresholdsSurvive(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "detector:\n  high_freq_ratio: 0\n  high_freq_epsilon: 0\n")

	if cfg.Detector.HighFreqRatio != 0 || cfg.Detector.HighFreqEpsilon != 0 {
		t.Errorf("detector = %+v, want explicit zero ratio and epsilon", cfg.Detector)
	}
	if cfg.Detector.HighFreqMin != 10000 {
		t.Errorf("high_freq_min = %v, want default 10000", cfg.Detector.HighFreqMin)
	}
	if th := cfg.Detector.Thresholds(); th.HighFreqRatio != 0 || th.HighFreqEpsilon != 0 {
		t.Errorf("thresholds = %+v", th)
	}
}

func TestLoadFromReader_OmittedThresholdKeepsDefault(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "detector:\n  high_freq_ratio: 0.4\n")
	if cfg.Detector.HighFreqRatio != 0.4 || cfg.Detector.HighFreqEpsilon != 0.001 {
		t.Errorf("detector = %+v, want ratio 0.4 and default epsilon", cfg.Detector)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("detector:\n  high_freq_cutoff: 1\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("analysis:\n  clear_after: soon\n"))
	if err == nil {
		t.Fatal("expected an error for an unparsable duration")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shotsense.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.Kind != config.SourceWAV {
		t.Errorf("source.kind = %q", cfg.Source.Kind)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

// ── Validate ─────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"bad source kind", "source:\n  kind: alsa\n", "source.kind"},
		{"wav without path", "source:\n  kind: wav\n", "source.path is required"},
		{"negative packet frames", "source:\n  kind: parec\n  packet_frames: -1\n", "source.packet_frames"},
		{"negative cutoff", "detector:\n  high_freq_min: -5\n", "detector.high_freq_min"},
		{"negative epsilon", "detector:\n  high_freq_epsilon: -0.1\n", "detector.high_freq_epsilon"},
		{"ratio above one", "detector:\n  high_freq_ratio: 1.5\n", "detector.high_freq_ratio"},
		{"negative queue", "capture:\n  queue_capacity: -3\n", "capture.queue_capacity"},
		{"negative poll", "capture:\n  poll_interval: -1ms\n", "capture.poll_interval"},
		{"negative max backoff", "capture:\n  retry_max_backoff: -1s\n", "capture.retry_max_backoff"},
		{"negative retries", "capture:\n  max_retries: -1\n", "capture.max_retries"},
		{"persist overwrites source", "source:\n  kind: wav\n  path: a.wav\npersist:\n  enabled: true\n  output_wav_file: a.wav\n", "overwrite"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nsource:\n  kind: alsa\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "source.kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q is missing %q", err, want)
		}
	}
}

func TestValidate_NegativeClearAfterAllowed(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "analysis:\n  clear_after: -1s\n")
	if cfg.Analysis.ClearAfter != -time.Second {
		t.Errorf("clear_after = %s, want -1s", cfg.Analysis.ClearAfter)
	}
}
