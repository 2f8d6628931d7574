// Package config provides the configuration schema, loader, file watcher and
// source backend registry for shotsense.
package config

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/MrWong99/shotsense/internal/analysis"
	"github.com/MrWong99/shotsense/internal/capture"
	"github.com/MrWong99/shotsense/internal/detect"
	"github.com/MrWong99/shotsense/internal/queue"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SourceKind selects the capture backend.
type SourceKind string

const (
	// SourceLoopback captures a render endpoint through miniaudio (WASAPI).
	SourceLoopback SourceKind = "loopback"

	// SourceParec records a PulseAudio/PipeWire monitor source.
	SourceParec SourceKind = "parec"

	// SourceWAV replays a WAV file.
	SourceWAV SourceKind = "wav"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceLoopback, SourceParec, SourceWAV:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultLogLevel      = LogInfo
	DefaultOutputWAVFile = "capture.wav"
	DefaultServiceName   = "shotsense"

	DefaultRetryBackoff    = time.Second
	DefaultRetryMaxBackoff = 30 * time.Second
	DefaultMaxRetries      = 10
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Detector  DetectorConfig  `yaml:"detector"`
	Capture   CaptureConfig   `yaml:"capture"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Persist   PersistConfig   `yaml:"persist"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server serving health,
	// metrics and the overlay feed (e.g., ":8080"). "-" disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied without
	// restarting the capture session.
	LogLevel LogLevel `yaml:"log_level"`
}

// SourceConfig selects and configures the capture backend.
type SourceConfig struct {
	// Kind selects the backend. Defaults to loopback on Windows and parec
	// elsewhere.
	Kind SourceKind `yaml:"kind"`

	// Device names the render endpoint (loopback) or sink/monitor source
	// (parec). Empty selects the system default.
	Device string `yaml:"device"`

	// Path is the WAV file replayed by the wav backend.
	Path string `yaml:"path"`

	// PacketFrames is the packet size for backends that choose their own
	// packetisation (parec, wav). Zero uses the backend default.
	PacketFrames int `yaml:"packet_frames"`

	// Realtime paces WAV replay at the file's sample rate.
	Realtime bool `yaml:"realtime"`
}

// DetectorConfig holds the spectral classifier thresholds. They are fixed
// for the lifetime of a capture session.
type DetectorConfig struct {
	// HighFreqMin is the cutoff in Hz; bins at or above it are candidates.
	HighFreqMin float64 `yaml:"high_freq_min"`

	// HighFreqEpsilon is the magnitude above which a candidate bin is active.
	HighFreqEpsilon float64 `yaml:"high_freq_epsilon"`

	// HighFreqRatio is the minimum active/candidate ratio for a detection.
	HighFreqRatio float64 `yaml:"high_freq_ratio"`
}

// Thresholds converts the config block to classifier thresholds.
func (d DetectorConfig) Thresholds() detect.Thresholds {
	return detect.Thresholds{
		HighFreqMin:     d.HighFreqMin,
		HighFreqEpsilon: d.HighFreqEpsilon,
		HighFreqRatio:   d.HighFreqRatio,
	}
}

// CaptureConfig tunes the capture loop and its queues.
type CaptureConfig struct {
	// QueueCapacity bounds each consumer queue. When full the oldest frame is
	// dropped.
	QueueCapacity int `yaml:"queue_capacity"`

	// PollInterval is the pause when the source has no packet ready.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RetryBackoff is the delay before a failed session is rebuilt. It
	// doubles per attempt up to RetryMaxBackoff. A negative value disables
	// retries so that only a configuration change rebuilds the session.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RetryMaxBackoff caps the retry delay.
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`

	// MaxRetries is the number of consecutive failed sessions after which
	// retrying stops.
	MaxRetries int `yaml:"max_retries"`
}

// AnalysisConfig tunes the analysis worker.
type AnalysisConfig struct {
	// ClearAfter is the idle window before a clear event is posted. A
	// negative value disables idle clears; the final clear is always posted.
	ClearAfter time.Duration `yaml:"clear_after"`

	// AttachFrames includes raw frame bytes in events. In-process sinks
	// receive the bytes; the overlay feed never carries them and the log
	// reports their size.
	AttachFrames bool `yaml:"attach_frames"`

	// EmitDetectedOnly suppresses events for frames that are not classified
	// as high-frequency.
	EmitDetectedOnly bool `yaml:"emit_detected_only"`
}

// PersistConfig controls the optional WAV recording of gated frames.
type PersistConfig struct {
	// Enabled turns persistence on. Default: false.
	Enabled bool `yaml:"enabled"`

	// OutputWAVFile is the file written while enabled.
	OutputWAVFile string `yaml:"output_wav_file"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: "shotsense".
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used for an empty document.
func Default() *Config {
	c := &Config{Detector: DetectorConfig{
		HighFreqEpsilon: detect.DefaultHighFreqEpsilon,
		HighFreqRatio:   detect.DefaultHighFreqRatio,
	}}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field with its default value. Zero is a
// valid high_freq_epsilon and high_freq_ratio, so those two are only
// defaulted by [Default].
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = DefaultLogLevel
	}
	if c.Source.Kind == "" {
		c.Source.Kind = defaultSourceKind()
	}

	if c.Detector.HighFreqMin == 0 {
		c.Detector.HighFreqMin = detect.DefaultHighFreqMin
	}

	if c.Capture.QueueCapacity == 0 {
		c.Capture.QueueCapacity = queue.DefaultCapacity
	}
	if c.Capture.PollInterval == 0 {
		c.Capture.PollInterval = capture.DefaultPollInterval
	}
	if c.Capture.RetryBackoff == 0 {
		c.Capture.RetryBackoff = DefaultRetryBackoff
	}
	if c.Capture.RetryMaxBackoff == 0 {
		c.Capture.RetryMaxBackoff = DefaultRetryMaxBackoff
	}
	if c.Capture.MaxRetries == 0 {
		c.Capture.MaxRetries = DefaultMaxRetries
	}
	if c.Analysis.ClearAfter == 0 {
		c.Analysis.ClearAfter = analysis.DefaultClearAfter
	}
	if c.Persist.OutputWAVFile == "" {
		c.Persist.OutputWAVFile = DefaultOutputWAVFile
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// HTTPEnabled reports whether the HTTP server should run.
func (c *Config) HTTPEnabled() bool {
	return c.Server.ListenAddr != "-"
}

func defaultSourceKind() SourceKind {
	if runtime.GOOS == "windows" {
		return SourceLoopback
	}
	return SourceParec
}
