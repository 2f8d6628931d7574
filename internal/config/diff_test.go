package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/shotsense/internal/config"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Source.Kind = config.SourceParec
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
	if d.RestartRequired() {
		t.Error("identical configs require a restart")
	}
}

func TestDiff_LogLevelIsLive(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level change not detected: %+v", d)
	}
	if d.RestartRequired() {
		t.Error("log level change should not require a restart")
	}
}

func TestDiff_ListenAddr(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"

	d := config.Diff(old, new)
	if !d.ListenAddrChanged || d.RestartRequired() {
		t.Errorf("diff = %+v, want listen addr change without session restart", d)
	}
}

func TestDiff_SessionSections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"source", func(c *config.Config) { c.Source.Device = "Speakers" }, []string{"source"}},
		{"detector", func(c *config.Config) { c.Detector.HighFreqRatio = 0.5 }, []string{"detector"}},
		{"capture", func(c *config.Config) { c.Capture.QueueCapacity = 1 }, []string{"capture"}},
		{"analysis", func(c *config.Config) { c.Analysis.ClearAfter = time.Second }, []string{"analysis"}},
		{"persist", func(c *config.Config) { c.Persist.Enabled = true }, []string{"persist"}},
		{"telemetry", func(c *config.Config) { c.Telemetry.ServiceName = "x" }, []string{"telemetry"}},
		{"several", func(c *config.Config) {
			c.Detector.HighFreqMin = 9000
			c.Persist.OutputWAVFile = "b.wav"
			c.Server.LogLevel = config.LogError
		}, []string{"detector", "persist"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.Sections, tc.want) {
				t.Errorf("sections = %v, want %v", d.Sections, tc.want)
			}
			if !d.RestartRequired() {
				t.Error("RestartRequired() = false")
			}
		})
	}
}
