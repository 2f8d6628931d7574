package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedFormat is returned when a stream uses a sample layout the
// pipeline cannot decode (anything other than 16-bit integer or 32-bit float).
var ErrUnsupportedFormat = errors.New("audio: unsupported sample format")

// Encoding identifies how individual samples are stored.
type Encoding int

const (
	// EncodingPCM is signed little-endian integer PCM.
	EncodingPCM Encoding = iota

	// EncodingFloat is little-endian IEEE-754 float.
	EncodingFloat
)

// String returns the human-readable name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM:
		return "PCM"
	case EncodingFloat:
		return "FLOAT"
	default:
		return "UNKNOWN"
	}
}

// Format describes the negotiated layout of a capture stream. A Format is
// produced once when a [Source] is opened and is treated as immutable for the
// lifetime of that capture session; it is shared read-only by every
// downstream component.
type Format struct {
	// Channels is the number of interleaved channels (2 for stereo).
	Channels int

	// BitsPerSample is 16 for integer PCM or 32 for float samples.
	BitsPerSample int

	// SampleRate in Hz (e.g., 44100, 48000).
	SampleRate int

	// BlockAlign is the number of bytes occupied by one multi-channel sample.
	BlockAlign int

	// Encoding distinguishes integer from float samples.
	Encoding Encoding
}

// NewFormat builds a Format with BlockAlign derived from channels and bit
// depth. 16-bit streams are assumed to be integer PCM and 32-bit streams IEEE
// float, which is what shared-mode mix formats deliver.
func NewFormat(channels, bitsPerSample, sampleRate int) Format {
	enc := EncodingPCM
	if bitsPerSample == 32 {
		enc = EncodingFloat
	}
	return Format{
		Channels:      channels,
		BitsPerSample: bitsPerSample,
		SampleRate:    sampleRate,
		BlockAlign:    channels * bitsPerSample / 8,
		Encoding:      enc,
	}
}

// Validate reports whether f is internally consistent.
func (f Format) Validate() error {
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count %d must be positive", f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", f.SampleRate)
	}
	if f.BitsPerSample != 16 && f.BitsPerSample != 32 {
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	}
	if want := f.Channels * f.BitsPerSample / 8; f.BlockAlign != want {
		return fmt.Errorf("audio: block align %d does not match %d channels x %d bits", f.BlockAlign, f.Channels, f.BitsPerSample)
	}
	return nil
}

// FrameCount returns how many multi-channel samples n bytes hold.
func (f Format) FrameCount(n int) int {
	if f.BlockAlign <= 0 {
		return 0
	}
	return n / f.BlockAlign
}

// PacketDuration returns the playback duration of frames samples.
func (f Format) PacketDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns e.g. "44100Hz stereo 16-bit PCM".
func (f Format) String() string {
	return fmt.Sprintf("%s %d-bit %s", formatString(f.SampleRate, f.Channels), f.BitsPerSample, f.Encoding)
}

// Frame is one packet of interleaved samples copied out of a device buffer.
// A Frame is owned by exactly one queue at a time; producers that fan a
// packet out to several consumers give each its own copy via [Frame.Clone].
type Frame struct {
	// Data holds the interleaved samples for all channels.
	Data []byte

	// Captured marks when the packet was read from the device.
	Captured time.Time
}

// Clone returns a deep copy of fr.
func (fr Frame) Clone() Frame {
	data := make([]byte, len(fr.Data))
	copy(data, fr.Data)
	return Frame{Data: data, Captured: fr.Captured}
}

// Event is the result of analysing one frame. Ownership of an Event passes to
// the sink it is posted to.
type Event struct {
	// HighFreq reports whether the frame was classified as high-frequency.
	HighFreq bool

	// Angle is the estimated direction in degrees, always within [-90, 90].
	// Negative values lean left, positive values lean right.
	Angle float64

	// Frame optionally carries the raw interleaved bytes that produced the event.
	Frame []byte

	// At marks when the event was produced.
	At time.Time
}

// IsClear reports whether e is a reset event carrying no detection.
func (e Event) IsClear() bool {
	return !e.HighFreq && e.Angle == 0 && len(e.Frame) == 0
}

// ClearEvent returns a synthetic reset event stamped with at.
func ClearEvent(at time.Time) Event {
	return Event{At: at}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
