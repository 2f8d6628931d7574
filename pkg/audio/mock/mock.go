// Package mock provides an in-memory implementation of [audio.Source] and
// signal generators for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	f := audio.NewFormat(2, 16, 44100)
//	src := &mock.Source{
//	    FormatResult: f,
//	    Packets: []audio.Packet{
//	        mock.Packet(f, mock.Stereo16(mock.Tone(15000, 0.8, 512, 44100), nil)),
//	    },
//	}
package mock

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source] that replays Packets in
// order. Once Packets is exhausted Next reports "no data" until Close is
// called, or returns [audio.ErrSourceClosed] when EndAfterPackets is set.
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by Open.
	FormatResult audio.Format

	// OpenError is returned by Open.
	OpenError error

	// NextError, when set, is returned by Next after all Packets were served.
	NextError error

	// Packets is the scripted packet sequence.
	Packets []audio.Packet

	// EndAfterPackets makes Next return [audio.ErrSourceClosed] after the last packet.
	EndAfterPackets bool

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountNext records how many times Next was called.
	CallCountNext int

	// Released records the frame counts of all packets passed to Release, in order.
	Released []int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	pos    int
	closed bool
}

// Open implements [audio.Source]. Returns FormatResult / OpenError.
func (s *Source) Open(_ context.Context) (audio.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	return s.FormatResult, s.OpenError
}

// Next implements [audio.Source].
func (s *Source) Next() (audio.Packet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountNext++
	if s.closed {
		return audio.Packet{}, false, audio.ErrSourceClosed
	}
	if s.pos < len(s.Packets) {
		p := s.Packets[s.pos]
		s.pos++
		return p, true, nil
	}
	if s.NextError != nil {
		return audio.Packet{}, false, s.NextError
	}
	if s.EndAfterPackets {
		return audio.Packet{}, false, audio.ErrSourceClosed
	}
	return audio.Packet{}, false, nil
}

// Release implements [audio.Source]. Records the packet's frame count.
func (s *Source) Release(p audio.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Released = append(s.Released, p.Frames)
	return nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Served returns how many scripted packets have been handed out so far.
func (s *Source) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// ReleasedCount returns how many packets have been released so far.
func (s *Source) ReleasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Released)
}

// ─── Signals ──────────────────────────────────────────────────────────────────

// Tone returns n samples of a sine wave at freq Hz with the given amplitude.
func Tone(freq, amplitude float64, n, sampleRate int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return out
}

// Silence returns n zero samples.
func Silence(n int) []float64 {
	return make([]float64, n)
}

// Stereo16 interleaves left and right into little-endian 16-bit PCM. A nil
// channel is rendered as silence with the length of the other one.
func Stereo16(left, right []float64) []byte {
	left, right = pad(left, right)
	buf := make([]byte, len(left)*4)
	for i := range left {
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(toInt16(left[i])))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(toInt16(right[i])))
	}
	return buf
}

// Stereo32 interleaves left and right into little-endian 32-bit float samples.
func Stereo32(left, right []float64) []byte {
	left, right = pad(left, right)
	buf := make([]byte, len(left)*8)
	for i := range left {
		binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(float32(left[i])))
		binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(float32(right[i])))
	}
	return buf
}

// Mono16 renders samples as little-endian 16-bit PCM.
func Mono16(samples []float64) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(toInt16(s)))
	}
	return buf
}

// SwapStereo16 returns a copy of a 16-bit stereo buffer with left and right
// exchanged.
func SwapStereo16(data []byte) []byte {
	out := make([]byte, len(data))
	for i := 0; i+3 < len(data); i += 4 {
		out[i], out[i+1] = data[i+2], data[i+3]
		out[i+2], out[i+3] = data[i], data[i+1]
	}
	return out
}

// Packet wraps data as a non-silent packet under f.
func Packet(f audio.Format, data []byte) audio.Packet {
	return audio.Packet{Data: data, Frames: f.FrameCount(len(data))}
}

// SilentPacket returns a packet of frames zeroed samples flagged as silent.
func SilentPacket(f audio.Format, frames int) audio.Packet {
	return audio.Packet{Data: make([]byte, frames*f.BlockAlign), Frames: frames, Silent: true}
}

func toInt16(v float64) int16 {
	s := math.Round(v * 32767)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}

func pad(left, right []float64) ([]float64, []float64) {
	if left == nil {
		left = make([]float64, len(right))
	}
	if right == nil {
		right = make([]float64, len(left))
	}
	return left, right
}
