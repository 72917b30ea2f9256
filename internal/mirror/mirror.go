// Package mirror publishes the armed wake-up times to Redis so external
// monitors can see what the bot plans to do next.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "launchbot/pkg/logx"
)

const (
	KeyNextRefresh      = "next-api-update"
	KeyNextNotification = "next-notification"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a stale value survives if the bot dies.
	TTL time.Duration
}

// Mirror writes unix timestamps under <prefix><key>. A nil *Mirror is a
// valid no-op so callers need not check whether mirroring is enabled.
type Mirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Mirror {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mirror{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		log:    log.With(logx.String("comp", "mirror")),
	}
}

func (m *Mirror) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Publish stores the next refresh and next notification instants. A zero
// notification time clears the key.
func (m *Mirror) Publish(ctx context.Context, refreshAt, notifyAt time.Time) error {
	if m == nil {
		return nil
	}
	pipe := m.client.TxPipeline()
	if !refreshAt.IsZero() {
		pipe.Set(ctx, m.prefix+KeyNextRefresh, refreshAt.Unix(), m.ttl)
	}
	if notifyAt.IsZero() {
		pipe.Del(ctx, m.prefix+KeyNextNotification)
	} else {
		pipe.Set(ctx, m.prefix+KeyNextNotification, notifyAt.Unix(), m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Get reads one mirrored instant. ok is false when the key is absent.
func (m *Mirror) Get(ctx context.Context, key string) (t time.Time, ok bool, err error) {
	if m == nil {
		return time.Time{}, false, nil
	}
	s, err := m.client.Get(ctx, m.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get: %w", err)
	}
	u, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mirror %s: %w", key, err)
	}
	return time.Unix(u, 0), true, nil
}

func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
