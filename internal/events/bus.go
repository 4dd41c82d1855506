// Package events carries queue and credential notifications to observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/failure"
)

type Kind string

const (
	Enqueued          Kind = "enqueued"
	Sent              Kind = "sent"
	Failed            Kind = "failed"
	DuplicateRejected Kind = "duplicate_rejected"
	RateLimited       Kind = "rate_limited"
	Refreshed         Kind = "refreshed"
	ReauthRequired    Kind = "reauth_required"
	Archived          Kind = "archived"
	// AuthFailed is published by the queue when a send was refused for
	// credentials; the coordinator answers it with a refresh.
	AuthFailed Kind = "auth_failed"
)

type Event struct {
	Kind        Kind          `json:"kind"`
	OperationID string        `json:"operation_id,omitempty"`
	Class       failure.Class `json:"class,omitempty"`
	Error       string        `json:"error,omitempty"`
	// Permanent marks a failure that will not be retried.
	Permanent bool       `json:"permanent,omitempty"`
	RetryAt   *time.Time `json:"retry_at,omitempty"`
	At        time.Time  `json:"at"`
}

// Subscription delivers events in publish order.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	bus    *Bus
	once   sync.Once
	closed bool
	// backlog is set for reliable subscriptions.
	backlog *backlog
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// backlog is an unbounded FIFO drained into the subscriber's channel by pump.
type backlog struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
	done   chan struct{}
}

func (q *backlog) push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *backlog) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	return e, true
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		e, ok := s.backlog.pop()
		if !ok {
			select {
			case <-s.backlog.notify:
				continue
			case <-s.backlog.done:
				return
			}
		}
		select {
		case s.ch <- e:
		case <-s.backlog.done:
			return
		}
	}
}

// shut stops delivery. Callers hold the bus lock.
func (s *Subscription) shut() {
	s.closed = true
	if s.backlog != nil {
		close(s.backlog.done)
		return
	}
	close(s.ch)
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event rather than blocking the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
	now    func() time.Time
}

func NewBus(buffer int) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: max(buffer, 1),
		now:    time.Now,
	}
}

// Subscribe registers a subscriber that is removed when ctx is done or
// Close is called.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	ch := make(chan Event, b.buffer)
	return b.register(ctx, &Subscription{C: ch, ch: ch, bus: b})
}

// SubscribeReliable is Subscribe for control paths that must see every
// event. Events queue without bound until the subscriber reads them.
func (b *Bus) SubscribeReliable(ctx context.Context) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, backlog: &backlog{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}}
	go sub.pump()
	return b.register(ctx, sub)
}

func (b *Bus) register(ctx context.Context, sub *Subscription) *Subscription {
	b.mu.Lock()
	if b.closed {
		sub.shut()
		b.mu.Unlock()
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub
}

// Publish stamps e with the current time when unset and delivers it.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.backlog != nil {
			sub.backlog.push(e)
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.Warn().Str("kind", string(e.Kind)).Msg("event dropped for slow subscriber")
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.shut()
	}
	clear(b.subs)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	delete(b.subs, sub)
	sub.shut()
}
