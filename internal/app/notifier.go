package app

import (
	"context"

	"launchbot/internal/transport"
)

// alertNotifier forwards log alerts to the ops chat.
type alertNotifier struct {
	s transport.Sender
}

func (n alertNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	_, err := n.s.Send(ctx, chatID, text, &transport.SendOptions{DisablePreview: true})
	return err
}
