package storage

import (
	"context"
	"errors"
	"strings"

	"launchbot/internal/launch"
	logx "launchbot/pkg/logx"
)

// EventStore holds one row per launch id.
type EventStore interface {
	// Upsert writes snap and stamps it with epoch. On first sighting every
	// notification flag starts false; otherwise flags, mutes and receipts are kept.
	Upsert(ctx context.Context, snap launch.Snapshot, epoch int64) (isNew bool, prev launch.Event, err error)
	Get(ctx context.Context, id string) (launch.Event, error)
	// ListUpcoming returns events with net_unix >= minNet ordered by net.
	ListUpcoming(ctx context.Context, minNet int64) ([]launch.Event, error)

	SetNotified(ctx context.Context, id string, class launch.Class) error
	ResetNotified(ctx context.Context, id string, classes []launch.Class) error
	SetMuted(ctx context.Context, id string, chatID int64, muted bool) error
	// RecordSentMessages replaces the receipts stored for id.
	RecordSentMessages(ctx context.Context, id string, receipts []launch.Receipt) error

	// DeleteUnreported removes rows that are not launched and were last
	// reconciled before the given epoch. It returns the removed ids.
	DeleteUnreported(ctx context.Context, reconciledBefore int64) ([]string, error)
	// DeleteExpired removes rows whose net is older than netBefore, or that
	// were last reconciled before reconciledBefore.
	DeleteExpired(ctx context.Context, netBefore, reconciledBefore int64) (int, error)

	Epoch(ctx context.Context) (int64, error)
	SetEpoch(ctx context.Context, epoch int64) error
}

// RecipientStore holds one row per chat.
type RecipientStore interface {
	Recipients(ctx context.Context) ([]launch.Recipient, error)
	GetRecipient(ctx context.Context, chatID int64) (launch.Recipient, error)
	PutRecipient(ctx context.Context, r launch.Recipient) error
	DeleteRecipient(ctx context.Context, chatID int64) error
	MigrateRecipient(ctx context.Context, from, to int64) error
}

// StatsStore keeps monotonically growing counters.
type StatsStore interface {
	IncrStat(ctx context.Context, name string, delta int64) error
	Stats(ctx context.Context) (map[string]int64, error)
}

// Store is everything the bot persists.
type Store interface {
	EventStore
	RecipientStore
	StatsStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
