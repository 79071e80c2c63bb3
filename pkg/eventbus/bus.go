package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrOverflow is returned by a stream-mode subscriber's Recv when the
// DropStrategy is ErrorOnOverflow and the bounded queue is full.
var ErrOverflow = errors.New("eventbus: subscriber queue overflow")

// DropStrategy controls what a stream-mode subscriber does when its bounded
// queue is full at publish time.
type DropStrategy int

const (
	// DropOldest evicts the queue's oldest unread event to make room.
	DropOldest DropStrategy = iota
	// Block makes the publisher wait until the subscriber drains the queue.
	Block
	// ErrorOnOverflow drops the new event and marks the stream so its next
	// Recv call returns ErrOverflow instead of blocking.
	ErrorOnOverflow
)

// Handler is a callback-mode subscriber.
type Handler func(Event)

// Unsubscribe cancels a subscription; idempotent.
type Unsubscribe func()

type callbackSub struct {
	id      uint64
	handler Handler
}

// Stream is a pull-based stream-mode subscription. The queue channel is
// never closed (publishers may be blocked sending on it under the Block
// strategy); closure is signalled via done instead, and Recv drains any
// still-buffered events before reporting the final sentinel.
type Stream struct {
	bus        *Bus
	id         uint64
	ch         chan Event
	done       chan struct{}
	drop       DropStrategy
	mu         sync.Mutex
	closed     bool
	overflowed bool // sticky; set by deliverStream, cleared by the next Recv
}

// Recv blocks for the next event, or returns ok=false once the stream has
// been closed and its queue drained (the final sentinel). If the stream's
// DropStrategy is ErrorOnOverflow and an event was dropped since the last
// Recv, the first call after that drop returns ErrOverflow instead of
// blocking on the queue; delivery resumes normally on every subsequent call.
func (s *Stream) Recv(ctx context.Context) (Event, bool, error) {
	s.mu.Lock()
	if s.overflowed {
		s.overflowed = false
		s.mu.Unlock()
		return Event{}, false, ErrOverflow
	}
	s.mu.Unlock()

	// Buffered events outlive Close; drain them before the sentinel.
	select {
	case e := <-s.ch:
		return e, true, nil
	default:
	}

	select {
	case e := <-s.ch:
		return e, true, nil
	case <-s.done:
		// One more drain: an event may have landed between the empty
		// check above and done firing.
		select {
		case e := <-s.ch:
			return e, true, nil
		default:
		}
		return Event{}, false, nil
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

// Close unsubscribes the stream; idempotent.
func (s *Stream) Close() {
	s.bus.Unsubscribe(s.id)
}

// Bus is a per-session event publisher with callback and stream
// subscribers. Zero value is not usable; use New.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	callbacks map[uint64]*callbackSub
	streams   map[uint64]*Stream
	log       *slog.Logger
}

// New creates a ready-to-use Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		callbacks: make(map[uint64]*callbackSub),
		streams:   make(map[uint64]*Stream),
		log:       log,
	}
}

// Subscribe registers a callback-mode subscriber and returns an idempotent
// unsubscribe handle.
func (b *Bus) Subscribe(h Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.callbacks[id] = &callbackSub{id: id, handler: h}
	b.mu.Unlock()
	return func() { b.Unsubscribe(id) }
}

// SubscribeStream registers a stream-mode subscriber with a bounded queue
// and the given overflow behavior.
func (b *Bus) SubscribeStream(maxQueue int, drop DropStrategy) *Stream {
	if maxQueue <= 0 {
		maxQueue = 64
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &Stream{bus: b, id: id, ch: make(chan Event, maxQueue), done: make(chan struct{}), drop: drop}
	b.streams[id] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscription by internal id, closing a stream's
// channel if applicable. Idempotent.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.callbacks[id]; ok {
		delete(b.callbacks, id)
	}
	if s, ok := b.streams[id]; ok {
		delete(b.streams, id)
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.done)
		}
		s.mu.Unlock()
	}
}

// Publish delivers ev to every currently-alive subscriber. Events for one
// turn are delivered in publish order (Publish itself does not reorder; it
// is the caller's responsibility to call Publish serially per turn, which
// SessionState/TurnLoop guarantee by construction as a single-writer actor).
//
// Callback subscribers get at-most-one retry on panic; a second failure
// prunes them. Stream subscribers apply their configured DropStrategy on a
// full queue.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	cbs := make([]*callbackSub, 0, len(b.callbacks))
	for _, c := range b.callbacks {
		cbs = append(cbs, c)
	}
	strs := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		strs = append(strs, s)
	}
	b.mu.Unlock()

	for _, c := range cbs {
		if !b.deliverCallback(c, ev) {
			b.Unsubscribe(c.id)
		}
	}
	for _, s := range strs {
		b.deliverStream(s, ev)
	}
}

// deliverCallback invokes c.handler, recovering a panic and retrying once;
// returns false if the subscriber should be pruned.
func (b *Bus) deliverCallback(c *callbackSub, ev Event) (ok bool) {
	attempt := func() (panicked bool) {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				b.log.Error("eventbus: callback panicked", "recover", r)
			}
		}()
		c.handler(ev)
		return false
	}
	if !attempt() {
		return true
	}
	// at-most-one retry
	if !attempt() {
		return true
	}
	return false
}

func (b *Bus) deliverStream(s *Stream, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	switch s.drop {
	case Block:
		s.mu.Unlock()
		select {
		case s.ch <- ev:
		case <-s.done:
		}
		s.mu.Lock()
	case ErrorOnOverflow:
		s.overflowed = true
		b.log.Warn("eventbus: stream overflow, dropping event", "kind", ev.Kind)
	case DropOldest:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Close unsubscribes everyone, closing all stream channels.
func (b *Bus) Close() {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.callbacks)+len(b.streams))
	for id := range b.callbacks {
		ids = append(ids, id)
	}
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Unsubscribe(id)
	}
}
