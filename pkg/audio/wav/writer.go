// Package wav reads and writes RIFF/WAVE files carrying the interleaved
// sample layouts used by the capture pipeline.
//
// [Writer] streams frames into a file whose length is unknown up front: it
// writes a provisional header, appends sample bytes as they arrive and
// back-patches the two size fields on [Writer.Close]. [Source] replays a WAV
// file as an [audio.Source].
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// HeaderSize is the length of the canonical RIFF/WAVE header with a 16-byte
// fmt chunk.
const HeaderSize = 44

// Format tags written into the fmt chunk.
const (
	TagPCM        uint16 = 0x0001
	TagIEEEFloat  uint16 = 0x0003
	TagExtensible uint16 = 0xFFFE
)

// Offsets of the size fields patched on Close.
const (
	riffSizeOffset = 4
	dataSizeOffset = 40
)

// ErrClosed is returned by [Writer.Write] after Close.
var ErrClosed = errors.New("wav: writer closed")

// FormatTag returns the fmt chunk tag for f: IEEE float for float samples,
// integer PCM otherwise.
func FormatTag(f audio.Format) uint16 {
	if f.Encoding == audio.EncodingFloat {
		return TagIEEEFloat
	}
	return TagPCM
}

// Header returns a canonical 44-byte header describing dataSize bytes of
// samples in format f.
func Header(f audio.Format, dataSize uint32) []byte {
	buf := make([]byte, HeaderSize)
	byteRate := f.SampleRate * f.BlockAlign

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], FormatTag(f))
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(f.BlockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(f.BitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	return buf
}

// Writer streams sample bytes into a WAV container.
//
// Writer is not safe for concurrent use.
type Writer struct {
	ws      io.WriteSeeker
	closer  io.Closer
	format  audio.Format
	written int64
	closed  bool
}

// NewWriter writes a provisional header to ws and returns a Writer that
// appends samples after it. The caller keeps ownership of ws; Close patches
// the header but does not close ws.
func NewWriter(ws io.WriteSeeker, f audio.Format) (*Writer, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	if _, err := ws.Write(Header(f, 0)); err != nil {
		return nil, fmt.Errorf("wav: write header: %w", err)
	}
	return &Writer{ws: ws, format: f}, nil
}

// Create creates (or truncates) the file at path and returns a Writer that
// owns it. Close patches the header and closes the file.
func Create(path string, f audio.Format) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav: create %q: %w", path, err)
	}
	w, err := NewWriter(file, f)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	w.closer = file
	return w, nil
}

// Write appends raw interleaved sample bytes. Only bytes that reached the
// underlying writer are accounted for in the patched header.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	n, err := w.ws.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("wav: write samples: %w", err)
	}
	return n, nil
}

// Written returns the number of sample bytes written so far.
func (w *Writer) Written() int64 { return w.written }

// Format returns the format the file was created with.
func (w *Writer) Format() audio.Format { return w.format }

// Close patches the RIFF size (36 + data bytes) and the data size, then
// closes the underlying file if the Writer owns one. Close is idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	total := uint32(w.written)
	err := w.patch(riffSizeOffset, 36+total)
	if err == nil {
		err = w.patch(dataSizeOffset, total)
	}
	if err == nil {
		_, err = w.ws.Seek(0, io.SeekEnd)
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("wav: close: %w", cerr)
		}
	}
	return err
}

func (w *Writer) patch(offset int64, v uint32) error {
	if _, err := w.ws.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("wav: seek to %d: %w", offset, err)
	}
	if err := binary.Write(w.ws, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("wav: patch size at %d: %w", offset, err)
	}
	return nil
}
