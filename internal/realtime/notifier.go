package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Next once the subscription has ended.
var ErrClosed = errors.New("realtime: subscription closed")

// Feed is one open change stream on a transport.
type Feed interface {
	// Changes is closed when the feed ends.
	Changes() <-chan Change
	// Err reports why the feed ended, nil after a requested Close.
	Err() error
	Close() error
}

// Transport opens change feeds against a backend.
type Transport interface {
	Name() string
	Ping(ctx context.Context) error
	Open(ctx context.Context) (Feed, error)
}

// SubscriptionError reports a channel failure of one handle.
type SubscriptionError struct {
	ID    uuid.UUID
	Table string
	Err   error
}

func (e SubscriptionError) Error() string {
	return fmt.Sprintf("realtime: subscription %s on %s: %v", e.ID, e.Table, e.Err)
}

func (e SubscriptionError) Unwrap() error { return e.Err }

// Config tunes the notifier.
type Config struct {
	// Buffer is the per-handle queue capacity.
	Buffer      int
	PingTimeout time.Duration
	Logger      *slog.Logger
	Metrics     Metrics
}

// Metrics observes subscription activity. Nil disables instrumentation.
type Metrics interface {
	SubscriptionOpened(table string)
	SubscriptionClosed(table string)
	ChangeDelivered(table string)
	SubscriptionFailed(table string)
}

// Notifier manages handle-scoped change subscriptions over one transport.
type Notifier struct {
	transport Transport
	available bool
	buffer    int
	logger    *slog.Logger
	metrics   Metrics
	errs      chan SubscriptionError

	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

// NewNotifier probes the transport once. A nil or unreachable transport
// yields a notifier that reports itself unavailable.
func NewNotifier(ctx context.Context, transport Transport, cfg Config) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Notifier{
		transport: transport,
		buffer:    cfg.Buffer,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		errs:      make(chan SubscriptionError, 16),
		subs:      make(map[uuid.UUID]*Subscription),
	}
	if transport == nil {
		n.logger.Info("realtime disabled")
		return n
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := transport.Ping(pingCtx); err != nil {
		n.logger.Warn("realtime transport unavailable", slog.String("transport", transport.Name()), slog.Any("error", err))
		return n
	}
	n.available = true
	return n
}

// Available reports whether subscriptions can be created.
func (n *Notifier) Available() bool {
	if n == nil {
		return false
	}
	return n.available
}

// Errors delivers channel failures. It is closed by Close.
func (n *Notifier) Errors() <-chan SubscriptionError {
	return n.errs
}

// Subscribe registers a change feed on table. Every call mints a new handle.
// It returns a nil subscription and no error when realtime is unavailable or
// the channel cannot be created; only malformed options are errors.
func (n *Notifier) Subscribe(ctx context.Context, table string, opts Options) (*Subscription, error) {
	if table == "" {
		return nil, errors.New("realtime: table required")
	}
	opts = opts.withDefaults()
	switch opts.Event {
	case EventAll, EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("realtime: unsupported event %q", opts.Event)
	}
	filter, err := ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	if !n.Available() {
		return nil, nil
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, nil
	}

	feed, err := n.transport.Open(ctx)
	if err != nil {
		n.logger.Warn("realtime open channel", slog.String("table", table), slog.Any("error", err))
		return nil, nil
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		ID:       uuid.New(),
		Table:    table,
		Options:  opts,
		notifier: n,
		filter:   filter,
		feed:     feed,
		events:   make(chan Change, n.buffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		cancel()
		_ = feed.Close()
		return nil, nil
	}
	n.subs[sub.ID] = sub
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.SubscriptionOpened(table)
	}
	go sub.pump(pumpCtx)
	return sub, nil
}

// Unsubscribe releases the handle. Unknown and already released handles are ignored.
func (n *Notifier) Unsubscribe(id uuid.UUID) {
	n.mu.Lock()
	sub, ok := n.subs[id]
	delete(n.subs, id)
	n.mu.Unlock()
	if !ok {
		return
	}
	sub.release()
}

// Close releases every outstanding handle once and stops accepting new ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := make([]*Subscription, 0, len(n.subs))
	for id, sub := range n.subs {
		subs = append(subs, sub)
		delete(n.subs, id)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.release()
	}
	n.mu.Lock()
	close(n.errs)
	n.mu.Unlock()
}

// Active returns the number of outstanding handles.
func (n *Notifier) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Notifier) report(sub *Subscription, err error) {
	n.logger.Error("realtime channel error", slog.String("table", sub.Table), slog.String("id", sub.ID.String()), slog.Any("error", err))
	if n.metrics != nil {
		n.metrics.SubscriptionFailed(sub.Table)
	}
	// Close does not wait for handles already released by Unsubscribe.
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.errs <- SubscriptionError{ID: sub.ID, Table: sub.Table, Err: err}:
	default:
		n.logger.Warn("realtime error channel full", slog.String("id", sub.ID.String()))
	}
}

// Subscription is one registered change feed.
type Subscription struct {
	ID      uuid.UUID
	Table   string
	Options Options

	notifier *Notifier
	filter   *Filter
	feed     Feed
	events   chan Change
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// Events yields matching changes in backend order. It is closed when the
// subscription ends. A full queue holds back the feed rather than dropping.
func (s *Subscription) Events() <-chan Change {
	return s.events
}

// Next waits for the next change.
func (s *Subscription) Next(ctx context.Context) (Change, error) {
	select {
	case <-ctx.Done():
		return Change{}, ctx.Err()
	case c, ok := <-s.events:
		if !ok {
			return Change{}, ErrClosed
		}
		return c, nil
	}
}

// Close is shorthand for unsubscribing the handle.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.notifier.Unsubscribe(s.ID)
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	changes := s.feed.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				if err := s.feed.Err(); err != nil && ctx.Err() == nil {
					s.notifier.report(s, err)
				}
				return
			}
			if !matches(c, s.Table, s.Options, s.filter) {
				continue
			}
			select {
			case s.events <- c:
				if s.notifier.metrics != nil {
					s.notifier.metrics.ChangeDelivered(s.Table)
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Subscription) release() {
	s.once.Do(func() {
		s.cancel()
		if err := s.feed.Close(); err != nil {
			s.notifier.logger.Warn("realtime close channel", slog.String("id", s.ID.String()), slog.Any("error", err))
		}
		<-s.done
		if s.notifier.metrics != nil {
			s.notifier.metrics.SubscriptionClosed(s.Table)
		}
	})
}
