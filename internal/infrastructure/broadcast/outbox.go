package broadcast

import (
	"sync"

	"opsdeck/internal/core/domain"
)

// FrameKind classifies queued frames for the backpressure policy.
type FrameKind int

const (
	FrameMetric FrameKind = iota
	FrameAlert
	FrameCommandResult
	FrameControl
)

// droppable reports whether the frame may be discarded under backpressure.
// Alerts, command results and control frames must always reach the client.
func (k FrameKind) droppable() bool {
	return k == FrameMetric
}

// Frame is a serialized message waiting in a session's outbound queue.
type Frame struct {
	Kind    FrameKind
	Channel domain.Channel
	Data    []byte
}

// Transport is the write side of a client connection. Implementations must
// be safe for use from the single writer goroutine that owns them.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// outbox is a bounded outbound queue. When the queue exceeds its limit the
// oldest droppable frame is discarded, so a slow consumer sees stale metric
// frames vanish while alerts and command results survive. The queue may
// exceed the limit transiently when every queued frame is non-droppable.
type outbox struct {
	mu      sync.Mutex
	frames  []Frame
	limit   int
	dropped uint64
	closed  bool

	wake chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

func (o *outbox) push(f Frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.frames = append(o.frames, f)
	if len(o.frames) > o.limit {
		for i := range o.frames {
			if o.frames[i].Kind.droppable() {
				o.frames = append(o.frames[:i], o.frames[i+1:]...)
				o.dropped++
				break
			}
		}
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() (Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return Frame{}, false
	}
	f := o.frames[0]
	o.frames = o.frames[1:]
	return f, true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}
