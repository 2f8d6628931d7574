package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Keys absent from the document keep their default, so
// an explicit zero is told apart from an omitted key. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Source
	if !cfg.Source.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("source.kind %q is invalid; valid values: loopback, parec, wav", cfg.Source.Kind))
	}
	if cfg.Source.Kind == SourceWAV && cfg.Source.Path == "" {
		errs = append(errs, errors.New("source.path is required when source.kind is wav"))
	}
	if cfg.Source.Kind != SourceWAV && cfg.Source.Path != "" {
		slog.Warn("source.path is ignored unless source.kind is wav", "kind", cfg.Source.Kind)
	}
	if cfg.Source.PacketFrames < 0 {
		errs = append(errs, fmt.Errorf("source.packet_frames %d must not be negative", cfg.Source.PacketFrames))
	}

	// Detector
	if cfg.Detector.HighFreqMin <= 0 {
		errs = append(errs, fmt.Errorf("detector.high_freq_min %.1f must be positive", cfg.Detector.HighFreqMin))
	}
	if cfg.Detector.HighFreqEpsilon < 0 {
		errs = append(errs, fmt.Errorf("detector.high_freq_epsilon %g must not be negative", cfg.Detector.HighFreqEpsilon))
	}
	if cfg.Detector.HighFreqRatio < 0 || cfg.Detector.HighFreqRatio > 1 {
		errs = append(errs, fmt.Errorf("detector.high_freq_ratio %.3f is out of range [0, 1]", cfg.Detector.HighFreqRatio))
	}
	if cfg.Detector.HighFreqMin >= 24000 {
		slog.Warn("detector.high_freq_min is above the Nyquist frequency of common sample rates; nothing will be detected",
			"high_freq_min", cfg.Detector.HighFreqMin)
	}

	// Capture
	if cfg.Capture.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_capacity %d must be positive", cfg.Capture.QueueCapacity))
	}
	if cfg.Capture.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.poll_interval %s must be positive", cfg.Capture.PollInterval))
	}
	if cfg.Capture.RetryMaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("capture.retry_max_backoff %s must be positive", cfg.Capture.RetryMaxBackoff))
	}
	if cfg.Capture.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("capture.max_retries %d must be positive", cfg.Capture.MaxRetries))
	}

	// Persist
	if cfg.Persist.Enabled && cfg.Persist.OutputWAVFile == "" {
		errs = append(errs, errors.New("persist.output_wav_file is required when persist.enabled is true"))
	}
	if cfg.Persist.Enabled && cfg.Source.Kind == SourceWAV && cfg.Persist.OutputWAVFile == cfg.Source.Path {
		errs = append(errs, fmt.Errorf("persist.output_wav_file %q would overwrite the replayed source.path", cfg.Persist.OutputWAVFile))
	}

	return errors.Join(errs...)
}
