package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// RefreshHorizon is how close to expiry a session is refreshed in the background.
	RefreshHorizon = 5 * time.Minute
	// MaxSilentRefreshFailures is how many consecutive background refresh
	// failures are tolerated before the session is forcibly ended.
	MaxSilentRefreshFailures = 3
	// DefaultTimeout bounds every backend call made by the Store.
	DefaultTimeout = 10 * time.Second
)

// StoreConfig tunes a Store.
type StoreConfig struct {
	Timeout           time.Duration
	Horizon           time.Duration
	MaxSilentFailures int
	Logger            *slog.Logger
	Now               func() time.Time
}

// Store holds the current identity of one client and keeps its tokens fresh.
// State changes are ordered by a generation counter; a background refresh
// only lands if nothing else changed the session since it started.
type Store struct {
	backend     Backend
	timeout     time.Duration
	horizon     time.Duration
	maxFailures int
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	gen        uint64
	session    *Session
	loaded     bool
	err        error
	failures   int
	refreshing bool

	flights    singleflight.Group
	events     *dispatcher
	background sync.WaitGroup
}

// NewStore constructs a Store. Close releases it.
func NewStore(backend Backend, cfg StoreConfig) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = RefreshHorizon
	}
	if cfg.MaxSilentFailures <= 0 {
		cfg.MaxSilentFailures = MaxSilentRefreshFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		backend:     backend,
		timeout:     cfg.Timeout,
		horizon:     cfg.Horizon,
		maxFailures: cfg.MaxSilentFailures,
		logger:      cfg.Logger,
		now:         cfg.Now,
		events:      newDispatcher(cfg.Logger),
	}
}

// Current returns the active session or nil. It never fails: backend errors
// leave the store signed out and are reported through Err.
//
// An expired session is refreshed before returning, and a failed refresh
// signs the store out. A session inside the refresh horizon is returned as
// is while a refresh runs in the background.
func (s *Store) Current(ctx context.Context) *Session {
	s.bootstrap(ctx)

	s.mu.Lock()
	sess, gen := s.session, s.gen
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	now := s.now()
	switch {
	case sess.Expired(now):
		return s.refreshNow(ctx, gen, sess)
	case sess.ExpiresIn(now) <= s.horizon:
		s.refreshInBackground(gen, sess)
	}
	return sess
}

// Peek returns the stored session without applying the expiry policy.
func (s *Store) Peek() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Loading reports whether the initial session lookup has not completed.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.loaded
}

// Err returns the last session error, for optional user notification.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe registers fn for state transitions. Each transition is delivered
// once, in the order it happened, from a single dispatch goroutine.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.events.subscribe(fn)
}

// SignIn opens a new session, replacing any current one.
func (s *Store) SignIn(ctx context.Context, email, password string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sess, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.gen++
	s.session = sess
	s.loaded = true
	s.err = nil
	s.failures = 0
	s.emit(EventSignedIn, sess)
	s.mu.Unlock()
	return sess, nil
}

// SignOut clears the local session unconditionally, then revokes it on the
// backend. The revoke error, if any, is returned and kept in Err.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	s.gen++
	gen := s.gen
	s.session = nil
	s.loaded = true
	s.err = nil
	s.failures = 0
	if sess != nil {
		s.emit(EventSignedOut, nil)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.SignOut(ctx, sess); err != nil {
		s.logger.Warn("auth revoke session", slog.Any("error", err))
		s.mu.Lock()
		if s.gen == gen {
			s.err = err
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close waits for background refreshes and stops event delivery after
// draining queued events.
func (s *Store) Close() {
	s.background.Wait()
	s.events.close()
}

func (s *Store) bootstrap(ctx context.Context) {
	s.mu.Lock()
	loaded, gen := s.loaded, s.gen
	s.mu.Unlock()
	if loaded {
		return
	}
	_, _, _ = s.flights.Do("bootstrap", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		sess, err := s.backend.GetSession(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.loaded || s.gen != gen {
			return nil, nil
		}
		s.loaded = true
		if err != nil {
			s.logger.Warn("auth load session", slog.Any("error", err))
			s.err = err
			return nil, nil
		}
		s.session = sess
		return nil, nil
	})
}

// refresh collapses concurrent refreshes of the same token into one call.
func (s *Store) refresh(ctx context.Context, sess *Session) (*Session, error) {
	v, err, _ := s.flights.Do("refresh:"+sess.RefreshToken, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.backend.RefreshSession(ctx, sess.RefreshToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Store) refreshNow(ctx context.Context, gen uint64, sess *Session) *Session {
	next, err := s.refresh(context.WithoutCancel(ctx), sess)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return s.session
	}
	s.gen++
	if err != nil {
		s.logger.Info("auth expired session not refreshed", slog.Any("error", err))
		s.session = nil
		s.err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
		s.failures = 0
		s.emit(EventSignedOut, nil)
		return nil
	}
	s.apply(next)
	return next
}

func (s *Store) refreshInBackground(gen uint64, sess *Session) {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.background.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("auth background refresh panic", slog.Any("panic", r))
				s.mu.Lock()
				s.refreshing = false
				s.mu.Unlock()
			}
		}()

		next, err := s.refresh(context.Background(), sess)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.refreshing = false
		if s.gen != gen {
			return
		}
		if err != nil {
			s.failures++
			s.logger.Warn("auth background refresh", slog.Int("failures", s.failures), slog.Any("error", err))
			if s.failures >= s.maxFailures {
				s.gen++
				s.session = nil
				s.err = fmt.Errorf("%w: %w", ErrSessionExpired, err)
				s.failures = 0
				s.emit(EventSignedOut, nil)
			}
			return
		}
		s.gen++
		s.apply(next)
	}()
}

// apply installs a refreshed session. Callers hold mu and have bumped gen.
func (s *Store) apply(next *Session) {
	s.session = next
	s.err = nil
	s.failures = 0
	s.emit(EventTokenRefreshed, next)
}

// emit must be called with mu held so events are queued in state order.
func (s *Store) emit(t EventType, sess *Session) {
	s.events.publish(Event{Type: t, Session: sess, At: s.now()})
}
