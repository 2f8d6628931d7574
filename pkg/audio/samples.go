package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Samples is a frame's interleaved samples decoded according to its
// [Format]. The concrete type is either [Samples16] or [Samples32]; callers
// normally only need [Samples.Channel].
type Samples interface {
	// Frames returns the number of multi-channel samples.
	Frames() int

	// Channels returns the number of interleaved channels.
	Channels() int

	// Channel returns channel ch normalised to floating range. Integer
	// samples are scaled by 1/32768; float samples are passed through.
	// An out-of-range ch yields nil.
	Channel(ch int) []float64
}

// Samples16 holds signed 16-bit integer samples.
type Samples16 struct {
	raw      []int16
	channels int
}

// Samples32 holds 32-bit IEEE float samples.
type Samples32 struct {
	raw      []float32
	channels int
}

// Decode interprets data under f. Trailing bytes that do not fill a whole
// block are ignored. A format that fails [Format.Validate] yields
// [ErrUnsupportedFormat].
func Decode(data []byte, f Format) (Samples, error) {
	if err := f.Validate(); err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	n := f.FrameCount(len(data)) * f.Channels

	switch f.BitsPerSample {
	case 16:
		raw := make([]int16, n)
		for i := range raw {
			raw[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return Samples16{raw: raw, channels: f.Channels}, nil
	case 32:
		raw := make([]float32, n)
		for i := range raw {
			raw[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return Samples32{raw: raw, channels: f.Channels}, nil
	default:
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	}
}

// Frames implements [Samples].
func (s Samples16) Frames() int { return len(s.raw) / s.channels }

// Channels implements [Samples].
func (s Samples16) Channels() int { return s.channels }

// Channel implements [Samples].
func (s Samples16) Channel(ch int) []float64 {
	if ch < 0 || ch >= s.channels {
		return nil
	}
	out := make([]float64, s.Frames())
	for i := range out {
		out[i] = float64(s.raw[i*s.channels+ch]) / 32768.0
	}
	return out
}

// Frames implements [Samples].
func (s Samples32) Frames() int { return len(s.raw) / s.channels }

// Channels implements [Samples].
func (s Samples32) Channels() int { return s.channels }

// Channel implements [Samples].
func (s Samples32) Channel(ch int) []float64 {
	if ch < 0 || ch >= s.channels {
		return nil
	}
	out := make([]float64, s.Frames())
	for i := range out {
		out[i] = float64(s.raw[i*s.channels+ch])
	}
	return out
}

// IsSilent reports whether every byte in data is zero. Backends that cannot
// flag silent packets themselves use this to emulate the flag.
func IsSilent(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
