// Package progress streams job progress to observers and keeps the latest
// known status for observers that poll.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	KindConnectionAck Kind = "connection_ack"
	KindStatusUpdate  Kind = "status_update"
	KindCompletion    Kind = "completion"
	KindError         Kind = "error"
)

// Event is one message on the progress stream. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind          Kind      `json:"type"`
	Phase         string    `json:"phase,omitempty"`
	Chapter       int       `json:"chapter,omitempty"`
	TotalChapters int       `json:"total_chapters,omitempty"`
	Message       string    `json:"message,omitempty"`
	IsGenerating  bool      `json:"is_generating,omitempty"`
	Result        string    `json:"result,omitempty"`
	Time          time.Time `json:"time"`
}

// Status is the latest state of a job, kept for observers that reconnect.
type Status struct {
	SessionID     string    `json:"session_id"`
	Phase         string    `json:"phase"`
	Chapter       int       `json:"chapter"`
	TotalChapters int       `json:"total_chapters"`
	Message       string    `json:"message"`
	IsGenerating  bool      `json:"is_generating"`
	Finished      bool      `json:"finished"`
	Error         string    `json:"error,omitempty"`
	Result        string    `json:"result,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const subscriberBuffer = 64

// Subscriber receives events published after it subscribed. Events is closed
// when the broadcaster is closed.
type Subscriber struct {
	Events <-chan Event
	ch     chan Event
}

// Broadcaster fans events out to subscribers. Delivery is best effort: a
// subscriber whose buffer is full misses the event. There is no replay; a
// late subscriber reads Status instead.
type Broadcaster struct {
	pubMu  sync.Mutex // serializes Publish so all subscribers see one order
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	status Status
	closed bool
	now    func() time.Time
	logger *slog.Logger
}

func NewBroadcaster(sessionID string) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[*Subscriber]struct{}),
		status: Status{SessionID: sessionID},
		now:    time.Now,
		logger: slog.Default().With("session_id", sessionID),
	}
}

// Subscribe registers a subscriber and queues a connection_ack as its first
// event. The returned func unsubscribes.
func (b *Broadcaster) Subscribe() (*Subscriber, func()) {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscriber{Events: ch, ch: ch}
	ch <- Event{Kind: KindConnectionAck, Message: "connected", Time: b.now().UTC()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return sub, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, func() { b.unsubscribe(sub) }
}

func (b *Broadcaster) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Publish records the event in the status and delivers it to every current
// subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if ev.Time.IsZero() {
		ev.Time = b.now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.applyLocked(ev)
	subList := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subList = append(subList, sub)
	}
	b.mu.Unlock()

	for _, sub := range subList {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("progress subscriber too slow, dropping event", "kind", ev.Kind)
		}
	}
}

func (b *Broadcaster) applyLocked(ev Event) {
	s := &b.status
	s.UpdatedAt = ev.Time
	switch ev.Kind {
	case KindStatusUpdate:
		if ev.Phase != "" {
			s.Phase = ev.Phase
		}
		s.Chapter = ev.Chapter
		s.TotalChapters = ev.TotalChapters
		s.Message = ev.Message
		s.IsGenerating = ev.IsGenerating
	case KindCompletion:
		s.Result = ev.Result
		s.Message = ev.Message
		s.IsGenerating = false
		s.Finished = true
		if ev.Phase != "" {
			s.Phase = ev.Phase
		}
	case KindError:
		s.Error = ev.Message
		s.Message = ev.Message
		s.IsGenerating = false
		s.Finished = true
		if ev.Phase != "" {
			s.Phase = ev.Phase
		}
	}
}

// Status returns the latest known status.
func (b *Broadcaster) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
