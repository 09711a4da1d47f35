package api

import (
	"sync"

	"protracker/board"
)

// Event names written to the SSE stream.
const (
	eventChange = "change"
	eventResult = "result"
)

type streamEvent struct {
	Name string
	Data any
}

// resultEvent is the wire form of a board.Result.
type resultEvent struct {
	RequestID   string          `json:"requestId"`
	TaskID      string          `json:"taskId"`
	Status      string          `json:"status"`
	OK          bool            `json:"ok"`
	NoOp        bool            `json:"noop,omitempty"`
	Message     string          `json:"message,omitempty"`
	Views       []board.ViewKey `json:"views,omitempty"`
	Invalidated []board.ViewKey `json:"invalidated,omitempty"`
}

func newResultEvent(res board.Result) resultEvent {
	ev := resultEvent{
		RequestID:   res.Request.ID,
		TaskID:      res.Request.TaskID,
		Status:      string(res.Request.TargetStatus),
		OK:          res.OK(),
		NoOp:        res.NoOp,
		Views:       res.Request.AffectedViewKeys,
		Invalidated: res.Invalidated,
	}
	if res.Err != nil {
		ev.Message = res.Err.Error()
	}
	return ev
}

// broker fans session events out to SSE subscribers. A slow subscriber
// loses events rather than blocking the session.
type broker struct {
	buffer int

	mu     sync.Mutex
	subs   map[chan streamEvent]struct{}
	closed bool
}

func newBroker(buffer int) *broker {
	if buffer <= 0 {
		buffer = 1
	}
	return &broker{buffer: buffer, subs: make(map[chan streamEvent]struct{})}
}

// subscribe returns nil once the broker is closed.
func (b *broker) subscribe() chan streamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	ch := make(chan streamEvent, b.buffer)
	b.subs[ch] = struct{}{}
	return ch
}

func (b *broker) unsubscribe(ch chan streamEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *broker) publish(ev streamEvent) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

// close ends every subscription; readers see a closed channel.
func (b *broker) close() {
	b.mu.Lock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
