package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// floatsToBytes converts a slice of float32 samples to little-endian byte representation.
func floatsToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func TestDecode16_NormalisesChannels(t *testing.T) {
	f := audio.NewFormat(2, 16, 44100)
	data := samplesToBytes([]int16{16384, -32768, -16384, 32767})

	s, err := audio.Decode(data, f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := s.(audio.Samples16); !ok {
		t.Fatalf("Decode returned %T, want audio.Samples16", s)
	}
	if s.Frames() != 2 {
		t.Fatalf("Frames = %d, want 2", s.Frames())
	}

	left := s.Channel(0)
	right := s.Channel(1)
	wantLeft := []float64{0.5, -0.5}
	wantRight := []float64{-1, 32767.0 / 32768.0}
	for i := range wantLeft {
		if left[i] != wantLeft[i] {
			t.Errorf("left[%d] = %v, want %v", i, left[i], wantLeft[i])
		}
		if right[i] != wantRight[i] {
			t.Errorf("right[%d] = %v, want %v", i, right[i], wantRight[i])
		}
	}
}

func TestDecode32_PassesFloatsThrough(t *testing.T) {
	f := audio.NewFormat(2, 32, 48000)
	data := floatsToBytes([]float32{0.25, -0.75, 1.5, 0})

	s, err := audio.Decode(data, f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := s.(audio.Samples32); !ok {
		t.Fatalf("Decode returned %T, want audio.Samples32", s)
	}
	left := s.Channel(0)
	if left[0] != 0.25 || left[1] != 1.5 {
		t.Errorf("left = %v, want [0.25 1.5]", left)
	}
	if s.Channel(2) != nil {
		t.Error("Channel(2) on stereo samples should be nil")
	}
}

func TestDecode_IgnoresTrailingPartialBlock(t *testing.T) {
	f := audio.NewFormat(2, 16, 44100)
	data := append(samplesToBytes([]int16{1, 2, 3, 4}), 0xff, 0x7f)

	s, err := audio.Decode(data, f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Frames() != 2 {
		t.Errorf("Frames = %d, want 2", s.Frames())
	}
}

func TestDecode_UnsupportedBitDepth(t *testing.T) {
	f := audio.Format{Channels: 2, BitsPerSample: 24, SampleRate: 48000, BlockAlign: 6}
	_, err := audio.Decode(make([]byte, 12), f)
	if !errors.Is(err, audio.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecode_InconsistentFormat(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
	}{
		{name: "block align too small", format: audio.Format{Channels: 2, BitsPerSample: 16, SampleRate: 44100, BlockAlign: 2}},
		{name: "block align too large", format: audio.Format{Channels: 1, BitsPerSample: 32, SampleRate: 44100, BlockAlign: 8}},
		{name: "zero channels", format: audio.Format{BitsPerSample: 16, SampleRate: 44100, BlockAlign: 4}},
		{name: "zero rate", format: audio.Format{Channels: 2, BitsPerSample: 16, BlockAlign: 4}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := audio.Decode(make([]byte, 64), tc.format)
			if !errors.Is(err, audio.ErrUnsupportedFormat) {
				t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
			}
			if s != nil {
				t.Errorf("samples = %v, want nil", s)
			}
		})
	}
}

func TestFormat_Validate(t *testing.T) {
	tests := []struct {
		name    string
		format  audio.Format
		wantErr bool
	}{
		{name: "stereo 16-bit", format: audio.NewFormat(2, 16, 44100)},
		{name: "stereo float", format: audio.NewFormat(2, 32, 48000)},
		{name: "zero channels", format: audio.NewFormat(0, 16, 44100), wantErr: true},
		{name: "zero rate", format: audio.NewFormat(2, 16, 0), wantErr: true},
		{name: "24-bit", format: audio.NewFormat(2, 24, 48000), wantErr: true},
		{
			name:    "block align mismatch",
			format:  audio.Format{Channels: 2, BitsPerSample: 16, SampleRate: 44100, BlockAlign: 2},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.format.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFormat_PacketDuration(t *testing.T) {
	f := audio.NewFormat(2, 32, 48000)
	if got := f.PacketDuration(480); got.Milliseconds() != 10 {
		t.Errorf("PacketDuration(480) = %v, want 10ms", got)
	}
}

func TestFrame_CloneIsIndependent(t *testing.T) {
	orig := audio.Frame{Data: []byte{1, 2, 3}}
	cp := orig.Clone()
	cp.Data[0] = 9
	if orig.Data[0] != 1 {
		t.Error("modifying the clone changed the original")
	}
}

func TestIsSilent(t *testing.T) {
	if !audio.IsSilent(make([]byte, 16)) {
		t.Error("zeroed buffer should be silent")
	}
	if audio.IsSilent([]byte{0, 0, 1, 0}) {
		t.Error("buffer with a non-zero byte should not be silent")
	}
}

func TestClearEvent(t *testing.T) {
	ev := audio.ClearEvent(time.Time{})
	if !ev.IsClear() {
		t.Error("ClearEvent should report IsClear")
	}
	if (audio.Event{HighFreq: true}).IsClear() {
		t.Error("detected event should not report IsClear")
	}
}
