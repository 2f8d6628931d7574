// Package audio defines the stream types and the capture abstraction used by
// the shotsense pipeline.
//
// The primary abstraction is [Source], a pull-style loopback capture stream
// that hands out device packets one at a time. Implementations are provided by
// backend packages (audio/loopback, audio/parec, audio/wav) and by audio/mock
// for tests.
//
// Samples are decoded once per frame with [Decode], which returns a tagged
// [Samples16] or [Samples32] value, instead of reinterpreting raw bytes at
// every call site.
package audio

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by [Source.Next] once the source has been closed
// or its underlying stream has ended. It is not a device failure.
var ErrSourceClosed = errors.New("audio: source closed")

// Packet is one device buffer. Data is borrowed from the source and is only
// valid until the packet is handed back via [Source.Release]; callers that
// keep the bytes must copy them first.
type Packet struct {
	// Data holds Frames × BlockAlign bytes of interleaved samples.
	Data []byte

	// Frames is the number of multi-channel samples in Data.
	Frames int

	// Silent is set when the device flagged the buffer as silence. The
	// contents of Data must then be ignored.
	Silent bool
}

// Source is a loopback capture stream.
//
// The expected call sequence is Open once, then any number of Next/Release
// pairs, then Close. Next and Release are called from a single goroutine;
// Close may be called concurrently to unblock a pending capture.
type Source interface {
	// Open acquires the device and negotiates its native format. Any failure
	// is fatal for the capture session. The returned [Format] is immutable.
	Open(ctx context.Context) (Format, error)

	// Next returns the next available packet. ok is false when no packet is
	// ready yet; callers should poll again after a short pause. A non-nil error
	// ends the session ([ErrSourceClosed] signals a clean end of stream).
	Next() (p Packet, ok bool, err error)

	// Release hands a packet obtained from Next back to the source. It must be
	// called for every packet, regardless of whether the data was used.
	Release(p Packet) error

	// Close releases the device. It is safe to call Close more than once.
	Close() error
}
