// Package recipients resolves which chats receive a notice and maintains the
// subscription rows when delivery reports a chat as gone or moved.
package recipients

import (
	"context"
	"errors"
	"fmt"

	"launchbot/internal/launch"
	"launchbot/internal/storage"
	logx "launchbot/pkg/logx"
)

// Store is the persistence the directory needs.
type Store interface {
	storage.RecipientStore
	Get(ctx context.Context, id string) (launch.Event, error)
	SetMuted(ctx context.Context, id string, chatID int64, muted bool) error
}

type Directory struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{store: store, log: log.With(logx.String("comp", "recipients"))}
}

// ResolveRecipients returns every chat following provider that accepts class.
func (d *Directory) ResolveRecipients(ctx context.Context, provider string, class launch.Class) ([]launch.Recipient, error) {
	all, err := d.store.Recipients(ctx)
	if err != nil {
		return nil, err
	}
	var out []launch.Recipient
	for _, r := range all {
		if r.Follows(provider) && r.Wants(class) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ResolvePostponed returns every chat following provider that was told about
// the event before the slip: it accepts at least one class that had already
// gone out.
func (d *Directory) ResolvePostponed(ctx context.Context, provider string, previous launch.Flags) ([]launch.Recipient, error) {
	all, err := d.store.Recipients(ctx)
	if err != nil {
		return nil, err
	}
	sent := previous.Classes()
	var out []launch.Recipient
	for _, r := range all {
		if !r.Follows(provider) {
			continue
		}
		for _, c := range sent {
			if r.Wants(c) {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// IsMuted reports whether chatID muted the event.
func (d *Directory) IsMuted(ctx context.Context, chatID int64, eventID string) (bool, error) {
	ev, err := d.store.Get(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ev.IsMutedBy(chatID), nil
}

func (d *Directory) SetMuted(ctx context.Context, chatID int64, eventID string, muted bool) error {
	if err := d.store.SetMuted(ctx, eventID, chatID, muted); err != nil {
		return fmt.Errorf("set muted %s for %d: %w", eventID, chatID, err)
	}
	d.log.Info("event mute toggled", logx.Int64("chat", chatID), logx.String("event", eventID), logx.Bool("muted", muted))
	return nil
}

// Subscribe creates or replaces a recipient. Zero prefs mean all classes.
func (d *Directory) Subscribe(ctx context.Context, r launch.Recipient) error {
	if r.ChatID == 0 {
		return errors.New("subscribe: chat id is required")
	}
	if !r.LeadTimePrefs.Any() {
		r.LeadTimePrefs = launch.DefaultPrefs()
	}
	return d.store.PutRecipient(ctx, r)
}

// Remove drops a chat that can no longer be reached.
func (d *Directory) Remove(ctx context.Context, chatID int64, cause error) error {
	if err := d.store.DeleteRecipient(ctx, chatID); err != nil {
		return err
	}
	d.log.Warn("recipient removed", logx.Int64("chat", chatID), logx.Err(cause))
	return nil
}

// Migrate moves a recipient to the chat id it was upgraded to.
func (d *Directory) Migrate(ctx context.Context, from, to int64) error {
	if err := d.store.MigrateRecipient(ctx, from, to); err != nil {
		return err
	}
	d.log.Info("recipient migrated", logx.Int64("from", from), logx.Int64("to", to))
	return nil
}
