// Package parec implements [audio.Source] by running the PulseAudio/PipeWire
// "parec" recorder against the monitor source of a sink. It is the Linux
// counterpart of the loopback package.
package parec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// Defaults for the requested stream.
const (
	DefaultSampleRate    = 48000
	DefaultChannels      = 2
	DefaultPacketFrames  = 480
	DefaultBufferPackets = 64
	defaultLatencyMsec   = 20
)

// Option configures a [Source].
type Option func(*Source)

// WithDevice sets the PulseAudio source to record from. A name without a
// ".monitor" suffix is treated as a sink and its monitor is used. An empty
// name resolves the default sink through pactl.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithFormat sets the requested sample layout. Only 16 and 32 bits are
// accepted by Open.
func WithFormat(channels, bitsPerSample, sampleRate int) Option {
	return func(s *Source) { s.format = audio.NewFormat(channels, bitsPerSample, sampleRate) }
}

// WithPacketFrames sets the number of frames read per packet.
func WithPacketFrames(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.packetFrames = n
		}
	}
}

// WithCommand replaces the recorder command line. The process must write
// raw interleaved samples in the configured format to stdout.
func WithCommand(name string, args ...string) Option {
	return func(s *Source) { s.command = append([]string{name}, args...) }
}

// Source records a monitor source through a parec subprocess.
type Source struct {
	device        string
	format        audio.Format
	packetFrames  int
	bufferPackets int
	command       []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	data    chan []byte
	done    chan struct{}
	waitErr error
	closed  atomic.Bool
	dropped atomic.Int64
}

// New returns an unopened Source.
func New(opts ...Option) *Source {
	s := &Source{
		format:        audio.NewFormat(DefaultChannels, 32, DefaultSampleRate),
		packetFrames:  DefaultPacketFrames,
		bufferPackets: DefaultBufferPackets,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts the recorder process.
func (s *Source) Open(ctx context.Context) (audio.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.format.Validate(); err != nil {
		return audio.Format{}, fmt.Errorf("parec: %w", err)
	}
	if s.cmd != nil {
		return s.format, nil
	}

	argv := s.command
	if len(argv) == 0 {
		device, err := monitorSource(ctx, s.device)
		if err != nil {
			return audio.Format{}, err
		}
		argv = s.argv(device)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return audio.Format{}, fmt.Errorf("parec: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return audio.Format{}, fmt.Errorf("parec: start %s: %w", argv[0], err)
	}

	s.cmd = cmd
	s.data = make(chan []byte, s.bufferPackets)
	s.done = make(chan struct{})
	go s.read(stdout)

	slog.Info("parec: capture started", "format", s.format.String(), "command", strings.Join(argv, " "))
	return s.format, nil
}

func (s *Source) argv(device string) []string {
	sampleFormat := "s16le"
	if s.format.Encoding == audio.EncodingFloat {
		sampleFormat = "float32le"
	}
	return []string{
		"parec",
		"--raw",
		"--device=" + device,
		"--format=" + sampleFormat,
		"--channels=" + strconv.Itoa(s.format.Channels),
		"--rate=" + strconv.Itoa(s.format.SampleRate),
		"--latency-msec=" + strconv.Itoa(defaultLatencyMsec),
	}
}

// read pumps fixed-size packets from the recorder into the hand-off channel
// until the stream ends.
func (s *Source) read(r io.Reader) {
	defer close(s.done)
	size := s.packetFrames * s.format.BlockAlign
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		n -= n % s.format.BlockAlign
		if n > 0 {
			select {
			case s.data <- buf[:n]:
			default:
				s.dropped.Add(1)
			}
		}
		if err != nil {
			werr := s.cmd.Wait()
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				werr = errors.Join(err, werr)
			}
			s.waitErr = werr
			return
		}
	}
}

// Next implements [audio.Source]. Buffered packets are delivered before the
// end of the stream is reported.
func (s *Source) Next() (audio.Packet, bool, error) {
	if s.closed.Load() || s.data == nil {
		return audio.Packet{}, false, audio.ErrSourceClosed
	}
	select {
	case b := <-s.data:
		return audio.Packet{Data: b, Frames: s.format.FrameCount(len(b)), Silent: audio.IsSilent(b)}, true, nil
	default:
	}
	select {
	case <-s.done:
		if len(s.data) > 0 {
			return s.Next()
		}
		if s.waitErr != nil && !s.closed.Load() {
			return audio.Packet{}, false, fmt.Errorf("parec: recorder exited: %w", s.waitErr)
		}
		return audio.Packet{}, false, audio.ErrSourceClosed
	default:
		return audio.Packet{}, false, nil
	}
}

// Release implements [audio.Source].
func (s *Source) Release(audio.Packet) error { return nil }

// Dropped returns how many packets were discarded because the hand-off
// buffer was full.
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Close terminates the recorder process and waits for the reader to finish.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	return nil
}

// monitorSource resolves the PulseAudio source name for device.
func monitorSource(ctx context.Context, device string) (string, error) {
	if device != "" {
		if strings.HasSuffix(device, ".monitor") {
			return device, nil
		}
		return device + ".monitor", nil
	}
	out, err := exec.CommandContext(ctx, "pactl", "get-default-sink").Output()
	if err != nil {
		return "", fmt.Errorf("parec: resolve default sink: %w", err)
	}
	sink := strings.TrimSpace(string(out))
	if sink == "" {
		return "", errors.New("parec: pactl reported no default sink")
	}
	return sink + ".monitor", nil
}

var _ audio.Source = (*Source)(nil)
