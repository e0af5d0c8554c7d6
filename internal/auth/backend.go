package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is the auth server as seen by a Store.
type Backend interface {
	// GetSession returns the persisted session of this client, nil if none.
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, sess *Session) error
}

// ClientBackend adapts Service for one client, keeping that client's current
// session in Redis so it survives restarts of the client process.
type ClientBackend struct {
	service  *Service
	client   *redis.Client
	clientID string
	meta     ClientMeta
	ttl      time.Duration
}

// NewClientBackend constructs a backend for clientID.
func NewClientBackend(service *Service, client *redis.Client, clientID string, meta ClientMeta) *ClientBackend {
	return &ClientBackend{
		service:  service,
		client:   client,
		clientID: clientID,
		meta:     meta,
		ttl:      service.refreshTTL,
	}
}

func (b *ClientBackend) redisKey() string {
	return "auth:client:" + b.clientID
}

// GetSession loads the persisted session.
func (b *ClientBackend) GetSession(ctx context.Context) (*Session, error) {
	payload, err := b.client.Get(ctx, b.redisKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: load client session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("auth: decode client session: %w", err)
	}
	return &sess, nil
}

// RefreshSession rotates the tokens and persists the result.
func (b *ClientBackend) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	sess, err := b.service.RefreshSession(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			_ = b.client.Del(ctx, b.redisKey()).Err()
		}
		return nil, err
	}
	b.persist(ctx, sess)
	return sess, nil
}

// SignIn opens a session and persists it.
func (b *ClientBackend) SignIn(ctx context.Context, email, password string) (*Session, error) {
	sess, err := b.service.SignIn(ctx, email, password, b.meta)
	if err != nil {
		return nil, err
	}
	b.persist(ctx, sess)
	return sess, nil
}

// SignOut forgets the persisted session, then revokes it server side.
func (b *ClientBackend) SignOut(ctx context.Context, sess *Session) error {
	delErr := b.client.Del(ctx, b.redisKey()).Err()
	if sess == nil {
		return delErr
	}
	return errors.Join(delErr, b.service.SignOut(ctx, sess.AccessToken, sess.RefreshToken))
}

// persist stores the session. Write failures are logged only.
func (b *ClientBackend) persist(ctx context.Context, sess *Session) {
	if err := b.save(ctx, sess); err != nil {
		b.service.logger.Warn("persist client session", slog.String("client_id", b.clientID), slog.Any("error", err))
	}
}

func (b *ClientBackend) save(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.redisKey(), payload, b.ttl).Err(); err != nil {
		return fmt.Errorf("auth: save client session: %w", err)
	}
	return nil
}

var _ Backend = (*ClientBackend)(nil)
