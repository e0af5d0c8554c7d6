package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresChannel is the NOTIFY channel written by frostline_notify_change().
const PostgresChannel = "frostline_changes"

// PGTransport streams row changes through LISTEN/NOTIFY. Every feed holds
// its own pooled connection for as long as it is open.
type PGTransport struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// NewPGTransport constructs a transport on the default channel.
func NewPGTransport(pool *pgxpool.Pool, logger *slog.Logger) *PGTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGTransport{pool: pool, channel: PostgresChannel, logger: logger}
}

// Name implements Transport.
func (t *PGTransport) Name() string { return "postgres" }

// Ping implements Transport.
func (t *PGTransport) Ping(ctx context.Context) error {
	if t == nil || t.pool == nil {
		return errors.New("realtime/postgres: no pool")
	}
	return t.pool.Ping(ctx)
}

// Open acquires a connection and issues LISTEN on it.
func (t *PGTransport) Open(ctx context.Context) (Feed, error) {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime/postgres: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("realtime/postgres: listen: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	feed := &pgFeed{
		conn:    conn,
		logger:  t.logger,
		changes: make(chan Change),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go feed.run(runCtx)
	return feed, nil
}

type pgFeed struct {
	conn    *pgxpool.Conn
	logger  *slog.Logger
	changes chan Change
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (f *pgFeed) Changes() <-chan Change { return f.changes }

func (f *pgFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *pgFeed) Close() error {
	f.cancel()
	<-f.done
	return nil
}

func (f *pgFeed) run(ctx context.Context) {
	defer close(f.done)
	defer f.release()
	defer close(f.changes)
	for {
		n, err := f.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.mu.Lock()
				f.err = fmt.Errorf("realtime/postgres: wait: %w", err)
				f.mu.Unlock()
			}
			return
		}
		change, err := decodeChange([]byte(n.Payload))
		if err != nil {
			f.logger.Warn("realtime/postgres skip payload", slog.Any("error", err))
			continue
		}
		select {
		case f.changes <- change:
		case <-ctx.Done():
			return
		}
	}
}

// release returns the connection without its LISTEN registration, or
// destroys it when it can no longer be reset.
func (f *pgFeed) release() {
	conn := f.conn.Conn()
	if !conn.IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
			_ = conn.Close(ctx)
		}
		cancel()
	}
	f.conn.Release()
}

var _ Transport = (*PGTransport)(nil)
