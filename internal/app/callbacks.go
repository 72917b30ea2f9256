package app

import (
	"context"
	"errors"
	"time"

	"launchbot/internal/storage"
	"launchbot/internal/transport"
	"launchbot/internal/transport/telegram"
	logx "launchbot/pkg/logx"
)

type muter interface {
	SetMuted(ctx context.Context, chatID int64, eventID string, muted bool) error
}

type answerer interface {
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// muteHandler applies presses of the "mute this launch" button.
type muteHandler struct {
	dir muter
	rcv answerer
	log logx.Logger
}

func (h muteHandler) run(ctx context.Context, in <-chan transport.Callback) {
	for {
		select {
		case <-ctx.Done():
			return
		case cb, ok := <-in:
			if !ok {
				return
			}
			h.handle(ctx, cb)
		}
	}
}

func (h muteHandler) handle(ctx context.Context, cb transport.Callback) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	answer := h.apply(cctx, cb)
	if err := h.rcv.AnswerCallback(cctx, cb.ID, answer); err != nil {
		h.log.Debug("answer callback failed", logx.Err(err))
	}
}

func (h muteHandler) apply(ctx context.Context, cb transport.Callback) string {
	eventID, muted, ok := telegram.ParseMuteData(cb.Data)
	if !ok {
		h.log.Debug("unknown callback", logx.String("data", cb.Data), logx.Int64("chat", cb.ChatID))
		return "Unknown action"
	}
	err := h.dir.SetMuted(ctx, cb.ChatID, eventID, muted)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "This launch is no longer tracked"
	case err != nil:
		h.log.Warn("mute failed", logx.String("event", eventID), logx.Int64("chat", cb.ChatID), logx.Err(err))
		return "Something went wrong, try again later"
	case muted:
		return "🔇 Muted, no more notices for this launch"
	default:
		return "🔔 Unmuted"
	}
}
