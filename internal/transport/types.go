package transport

import (
	"context"

	"launchbot/internal/launch"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent delivers without a notification sound.
	Silent bool
	// MuteEventID attaches a "mute this launch" toggle when set.
	MuteEventID string
}

// Sender delivers and retracts messages. Implementations classify their
// failures with Retryable, Permanent and Migrated.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, opt *SendOptions) (launch.Receipt, error)
	// Delete removes a delivered message. A message that is already gone is
	// not an error.
	Delete(ctx context.Context, r launch.Receipt) error
}

// Callback is an inline-button press.
type Callback struct {
	ID        string
	ChatID    int64
	MessageID int
	FromID    int64
	Data      string
}

// Receiver streams inline-button presses.
type Receiver interface {
	Start(ctx context.Context, out chan<- Callback) error
	Stop(ctx context.Context) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Transport is the full adapter surface.
type Transport interface {
	Sender
	Receiver
}
