package wav

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// DefaultPacketFrames is the packet size used when none is configured. It is
// close to one 10ms device period at 48kHz.
const DefaultPacketFrames = 480

// ErrNotWAV is returned when a file lacks the RIFF/WAVE signature or a usable
// fmt/data chunk pair.
var ErrNotWAV = errors.New("wav: not a RIFF/WAVE file")

// ReadHeader parses chunks from r up to the start of the sample data and
// returns the stream format together with the declared data size. A zero
// data size (a stream that was never patched) is reported as -1, meaning
// "read until EOF".
//
// WAVE_FORMAT_EXTENSIBLE files are mapped onto their sub-format tag.
func ReadHeader(r io.Reader) (audio.Format, int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return audio.Format{}, 0, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return audio.Format{}, 0, ErrNotWAV
	}

	var (
		f      audio.Format
		haveFm bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return audio.Format{}, 0, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return audio.Format{}, 0, fmt.Errorf("wav: read fmt chunk: %w", err)
			}
			parsed, err := parseFmt(body)
			if err != nil {
				return audio.Format{}, 0, err
			}
			f, haveFm = parsed, true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return audio.Format{}, 0, fmt.Errorf("wav: read fmt chunk: %w", err)
				}
			}
		case "data":
			if !haveFm {
				return audio.Format{}, 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWAV)
			}
			if size == 0 {
				size = -1
			}
			return f, size, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return audio.Format{}, 0, fmt.Errorf("wav: skip %q chunk: %w", id, err)
			}
		}
	}
}

func parseFmt(body []byte) (audio.Format, error) {
	if len(body) < 16 {
		return audio.Format{}, fmt.Errorf("%w: fmt chunk is %d bytes", ErrNotWAV, len(body))
	}
	tag := binary.LittleEndian.Uint16(body[0:2])
	if tag == TagExtensible {
		// cbSize(2) validBits(2) channelMask(4) then the sub-format GUID,
		// whose first two bytes carry the plain format tag.
		if len(body) < 26 {
			return audio.Format{}, fmt.Errorf("%w: truncated extensible fmt chunk", ErrNotWAV)
		}
		tag = binary.LittleEndian.Uint16(body[24:26])
	}

	f := audio.Format{
		Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
		SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
		BlockAlign:    int(binary.LittleEndian.Uint16(body[12:14])),
		BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
	}
	switch {
	case tag == TagPCM && f.BitsPerSample == 16:
		f.Encoding = audio.EncodingPCM
	case tag == TagIEEEFloat && f.BitsPerSample == 32:
		f.Encoding = audio.EncodingFloat
	default:
		return audio.Format{}, fmt.Errorf("%w: tag 0x%04x with %d bits", audio.ErrUnsupportedFormat, tag, f.BitsPerSample)
	}
	if err := f.Validate(); err != nil {
		return audio.Format{}, err
	}
	return f, nil
}

// Source replays a WAV file as an [audio.Source]. Packets are handed out as
// fast as Next is called unless Realtime is set, in which case each packet
// becomes available only after the previous one would have finished playing.
type Source struct {
	// Path is the file to replay.
	Path string

	// PacketFrames is the number of frames per packet. Zero means
	// [DefaultPacketFrames].
	PacketFrames int

	// Realtime paces packets at the file's sample rate.
	Realtime bool

	in io.Reader

	mu        sync.Mutex
	file      *os.File
	r         *bufio.Reader
	readErr   error
	format    audio.Format
	remaining int64
	buf       []byte
	due       time.Time
	closed    bool
}

// NewSource returns a Source for the file at path.
func NewSource(path string, packetFrames int, realtime bool) *Source {
	return &Source{Path: path, PacketFrames: packetFrames, Realtime: realtime}
}

// NewReaderSource returns a Source that replays a WAV stream read from r,
// e.g. a pipe. If r is an [io.Closer] it is closed by Close.
func NewReaderSource(r io.Reader, packetFrames int, realtime bool) *Source {
	return &Source{in: r, PacketFrames: packetFrames, Realtime: realtime}
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		file *os.File
		in   = s.in
	)
	if in == nil {
		var err error
		if file, err = os.Open(s.Path); err != nil {
			return audio.Format{}, fmt.Errorf("wav: open %q: %w", s.Path, err)
		}
		in = file
	}
	r := bufio.NewReader(in)
	f, size, err := ReadHeader(r)
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return audio.Format{}, err
	}

	frames := s.PacketFrames
	if frames <= 0 {
		frames = DefaultPacketFrames
	}
	s.file, s.r, s.format, s.remaining = file, r, f, size
	s.buf = make([]byte, frames*f.BlockAlign)
	s.due = time.Now()
	return f, nil
}

// Next implements [audio.Source]. The end of the data chunk is reported as
// [audio.ErrSourceClosed]. A read error that cut a packet short is returned
// by the call after the one that delivered the partial packet.
func (s *Source) Next() (audio.Packet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.r == nil {
		return audio.Packet{}, false, audio.ErrSourceClosed
	}
	if s.readErr != nil {
		return audio.Packet{}, false, s.readErr
	}
	if s.Realtime && time.Now().Before(s.due) {
		return audio.Packet{}, false, nil
	}

	want := int64(len(s.buf))
	if s.remaining >= 0 && s.remaining < want {
		want = s.remaining
	}
	want -= want % int64(s.format.BlockAlign)
	if want == 0 {
		return audio.Packet{}, false, audio.ErrSourceClosed
	}

	n, err := io.ReadFull(s.r, s.buf[:want])
	n -= n % s.format.BlockAlign
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return audio.Packet{}, false, audio.ErrSourceClosed
		}
		return audio.Packet{}, false, fmt.Errorf("wav: read samples: %w", err)
	}
	if s.remaining >= 0 {
		s.remaining -= int64(n)
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// Short final read; the next call reports end of stream.
		s.remaining = 0
	default:
		s.readErr = fmt.Errorf("wav: read samples: %w", err)
	}

	frames := n / s.format.BlockAlign
	s.due = s.due.Add(s.format.PacketDuration(frames))
	data := s.buf[:n]
	return audio.Packet{Data: data, Frames: frames, Silent: audio.IsSilent(data)}, true, nil
}

// Release implements [audio.Source]. The packet buffer is reused by the next
// call to Next.
func (s *Source) Release(audio.Packet) error { return nil }

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	if c, ok := s.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
