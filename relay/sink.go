package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// streamSink is the Sink implementation backing both the SSE and the
// websocket transports. Frames are handed off through a buffered channel
// that the connection's writer goroutine drains; the channel is never
// closed, the writer exits when the connection scope is cancelled.
type streamSink struct {
	id     string
	send   chan []byte
	closed atomic.Bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newStreamSink(buffer int, cancel context.CancelFunc) *streamSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &streamSink{
		id:     uuid.NewString(),
		send:   make(chan []byte, buffer),
		cancel: cancel,
	}
}

func (s *streamSink) ID() string {
	return s.id
}

func (s *streamSink) TrySend(frame []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		// Buffer full. The subscriber is not draining; dropping the
		// connection is the only liveness detection we have.
		return false
	}
}

func (s *streamSink) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *streamSink) Closed() bool {
	return s.closed.Load()
}

// frames is drained by the connection's writer goroutine.
func (s *streamSink) frames() <-chan []byte {
	return s.send
}
