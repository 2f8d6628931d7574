// Package overlay delivers analysis events to whatever draws the direction
// indicator.
//
// [Hub] broadcasts events as JSON over websockets to an external renderer,
// [Mailbox] hands them to an in-process consumer through a bounded channel,
// and [LogSink] writes them to the structured log. [Multi] combines sinks.
package overlay

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/shotsense/internal/analysis"
	"github.com/MrWong99/shotsense/pkg/audio"
)

// Message is the wire form of an event sent to overlay clients.
type Message struct {
	HighFreq bool      `json:"high_freq"`
	Angle    float64   `json:"angle"`
	At       time.Time `json:"at"`
}

// NewMessage converts ev to its wire form. Raw frame bytes are not sent.
func NewMessage(ev audio.Event) Message {
	return Message{HighFreq: ev.HighFreq, Angle: ev.Angle, At: ev.At}
}

// DefaultMailboxSize is the mailbox capacity used when none is given.
const DefaultMailboxSize = 64

// Mailbox is a bounded single-producer channel of owned events. When the
// consumer falls behind, the oldest undelivered event is discarded.
type Mailbox struct {
	ch      chan audio.Event
	dropped atomic.Int64
}

// NewMailbox creates a Mailbox holding up to size events.
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox{ch: make(chan audio.Event, size)}
}

// Post implements [analysis.Sink]. It never blocks.
func (m *Mailbox) Post(ev audio.Event) {
	for {
		select {
		case m.ch <- ev:
			return
		default:
		}
		select {
		case <-m.ch:
			m.dropped.Add(1)
		default:
		}
	}
}

// Events returns the receive side of the mailbox.
func (m *Mailbox) Events() <-chan audio.Event { return m.ch }

// Dropped returns how many events were discarded.
func (m *Mailbox) Dropped() int64 { return m.dropped.Load() }

// Forward posts every mailbox event to dst, in order, on the calling
// goroutine. Once done is closed it delivers what is still buffered and
// returns, so events posted before done was closed are not lost.
func (m *Mailbox) Forward(done <-chan struct{}, dst analysis.Sink) {
	for {
		select {
		case ev := <-m.ch:
			dst.Post(ev)
		case <-done:
			for {
				select {
				case ev := <-m.ch:
					dst.Post(ev)
				default:
					return
				}
			}
		}
	}
}

// LogSink writes events to the default logger. Detections log at info level,
// everything else at debug. Attached frames are reported by size.
type LogSink struct{}

// Post implements [analysis.Sink].
func (LogSink) Post(ev audio.Event) {
	switch {
	case ev.HighFreq && ev.Frame != nil:
		slog.Info("high-frequency burst detected", "angle", ev.Angle, "at", ev.At, "frame_bytes", len(ev.Frame))
	case ev.HighFreq:
		slog.Info("high-frequency burst detected", "angle", ev.Angle, "at", ev.At)
	case ev.IsClear():
		slog.Debug("overlay cleared", "at", ev.At)
	default:
		slog.Debug("frame below detection threshold", "angle", ev.Angle)
	}
}

// Multi returns a sink that posts every event to each of sinks in order. Nil
// sinks are skipped.
func Multi(sinks ...analysis.Sink) analysis.Sink {
	var live []analysis.Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return analysis.SinkFunc(func(ev audio.Event) {
		for _, s := range live {
			s.Post(ev)
		}
	})
}
