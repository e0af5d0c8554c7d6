package auth

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventType enumerates session state transitions.
type EventType int

const (
	EventSignedIn EventType = iota + 1
	EventTokenRefreshed
	EventSignedOut
)

func (t EventType) String() string {
	switch t {
	case EventSignedIn:
		return "signed_in"
	case EventTokenRefreshed:
		return "token_refreshed"
	case EventSignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// Event is one session state transition. Session is nil for sign-out.
type Event struct {
	Type    EventType
	Session *Session
	At      time.Time
}

// dispatcher delivers events to subscribers from a single goroutine, one
// event at a time, in publish order. Publishing never blocks.
type dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Event
	subs   map[uint64]func(Event)
	nextID uint64
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		subs:   make(map[uint64]func(Event)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		ids := make([]uint64, 0, len(d.subs))
		for id := range d.subs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fns := make([]func(Event), len(ids))
		for i, id := range ids {
			fns[i] = d.subs[id]
		}
		d.mu.Unlock()

		for _, fn := range fns {
			d.deliver(fn, e)
		}
	}
}

func (d *dispatcher) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("auth event subscriber panic", slog.String("event", e.Type.String()), slog.Any("panic", r))
		}
	}()
	fn(e)
}

// close drains queued events and stops the dispatcher.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}
