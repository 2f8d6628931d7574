// Package loopback implements [audio.Source] on top of miniaudio's loopback
// device type, which captures whatever the default (or a named) render
// endpoint is currently playing. Loopback capture is provided by the WASAPI
// backend; on other platforms Open fails and the parec source should be used.
//
// The device callback runs on miniaudio's audio thread. It copies the buffer
// and hands it off with a non-blocking send, so a slow consumer drops
// packets instead of stalling the device.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/shotsense/pkg/audio"
)

// DefaultBufferPackets is the number of device callbacks buffered between the
// audio thread and the capture loop.
const DefaultBufferPackets = 64

// errDeviceStopped is returned by Next when miniaudio stopped the device
// without Close being called (e.g. the endpoint was unplugged).
var errDeviceStopped = errors.New("loopback: device stopped unexpectedly")

// Option configures a [Source].
type Option func(*Source)

// WithDevice selects the render endpoint whose name contains name
// (case-insensitive). An empty name selects the default endpoint.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithBufferPackets sets the hand-off buffer depth in device callbacks.
func WithBufferPackets(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.bufferPackets = n
		}
	}
}

// Source captures the output of a render endpoint.
type Source struct {
	device        string
	bufferPackets int

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	format  audio.Format
	data    chan []byte
	stopped chan struct{}
	stopOne sync.Once
	closed  atomic.Bool
	dropped atomic.Int64
}

// New returns an unopened loopback Source.
func New(opts ...Option) *Source {
	s := &Source{bufferPackets: DefaultBufferPackets}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open initialises miniaudio, opens the render endpoint in loopback mode with
// its native mix format and starts the device. A native format other than
// 16-bit integer or 32-bit float is converted to 32-bit float by miniaudio.
func (s *Source) Open(_ context.Context) (audio.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mctx != nil {
		return s.format, nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return audio.Format{}, fmt.Errorf("loopback: init context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
	if s.device != "" {
		id, err := findPlayback(mctx, s.device)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return audio.Format{}, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	s.data = make(chan []byte, s.bufferPackets)
	s.stopped = make(chan struct{})
	s.stopOne = sync.Once{}

	dev, err := s.initDevice(mctx, cfg)
	if err == nil && !supported(dev.CaptureFormat()) {
		slog.Info("loopback: converting native mix format to float32", "native_format", dev.CaptureFormat())
		dev.Uninit()
		cfg.Capture.Format = malgo.FormatF32
		dev, err = s.initDevice(mctx, cfg)
	}
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return audio.Format{}, fmt.Errorf("loopback: init device: %w", err)
	}

	bits := 16
	if dev.CaptureFormat() == malgo.FormatF32 {
		bits = 32
	}
	f := audio.NewFormat(int(dev.CaptureChannels()), bits, int(dev.SampleRate()))
	if err := f.Validate(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return audio.Format{}, fmt.Errorf("loopback: %w", err)
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return audio.Format{}, fmt.Errorf("loopback: start device: %w", err)
	}

	s.mctx, s.dev, s.format = mctx, dev, f
	slog.Info("loopback: capture started", "format", f.String(), "device", s.device)
	return f, nil
}

func (s *Source) initDevice(mctx *malgo.AllocatedContext, cfg malgo.DeviceConfig) (*malgo.Device, error) {
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			b := make([]byte, len(input))
			copy(b, input)
			select {
			case s.data <- b:
			default:
				s.dropped.Add(1)
			}
		},
		Stop: func() {
			s.stopOne.Do(func() { close(s.stopped) })
		},
	}
	return malgo.InitDevice(mctx.Context, cfg, callbacks)
}

// Next implements [audio.Source].
func (s *Source) Next() (audio.Packet, bool, error) {
	if s.closed.Load() {
		return audio.Packet{}, false, audio.ErrSourceClosed
	}
	select {
	case b := <-s.data:
		return audio.Packet{Data: b, Frames: s.format.FrameCount(len(b)), Silent: audio.IsSilent(b)}, true, nil
	default:
	}
	select {
	case <-s.stopped:
		if s.closed.Load() {
			return audio.Packet{}, false, audio.ErrSourceClosed
		}
		return audio.Packet{}, false, errDeviceStopped
	default:
		return audio.Packet{}, false, nil
	}
}

// Release implements [audio.Source]. Packets are copies owned by the caller,
// so there is nothing to hand back to the device.
func (s *Source) Release(audio.Packet) error { return nil }

// Dropped returns how many device callbacks were discarded because the
// hand-off buffer was full.
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Close stops the device and releases miniaudio. It is safe to call Close more
// than once.
func (s *Source) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.dev != nil {
		if err := s.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("loopback: stop device: %w", err))
		}
		s.dev.Uninit()
		s.dev = nil
	}
	if s.mctx != nil {
		if err := s.mctx.Uninit(); err != nil {
			errs = append(errs, fmt.Errorf("loopback: uninit context: %w", err))
		}
		s.mctx.Free()
		s.mctx = nil
	}
	return errors.Join(errs...)
}

// Devices lists the names of the render endpoints that can be captured.
func Devices() ([]string, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("loopback: init context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("loopback: enumerate devices: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func findPlayback(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("loopback: enumerate devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("loopback: no render device matching %q", name)
}

func supported(f malgo.FormatType) bool {
	return f == malgo.FormatS16 || f == malgo.FormatF32
}

var _ audio.Source = (*Source)(nil)
