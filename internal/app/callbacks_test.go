package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchbot/internal/launch"
	"launchbot/internal/recipients"
	"launchbot/internal/storage"
	"launchbot/internal/transport"
	logx "launchbot/pkg/logx"
)

type recordingAnswerer struct{ answers map[string]string }

func (r *recordingAnswerer) AnswerCallback(_ context.Context, id, text string) error {
	r.answers[id] = text
	return nil
}

func TestMuteHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	_, _, err := store.Upsert(ctx, launch.Snapshot{ID: "e1", NetUnix: 1_800_000_000, Status: launch.StatusGo}, 1)
	require.NoError(t, err)

	ans := &recordingAnswerer{answers: map[string]string{}}
	h := muteHandler{dir: recipients.New(store, logx.Nop()), rcv: ans, log: logx.Nop()}

	tests := []struct {
		id, data string
		want     string
		muted    bool
	}{
		{"1", "mute/e1/1", "🔇 Muted, no more notices for this launch", true},
		{"2", "\fmute|e1|0", "🔔 Unmuted", false},
		{"3", "mute/gone/1", "This launch is no longer tracked", false},
		{"4", "settings", "Unknown action", false},
	}
	for _, tt := range tests {
		h.handle(ctx, transport.Callback{ID: tt.id, ChatID: 42, Data: tt.data})
		assert.Equal(t, tt.want, ans.answers[tt.id], fmt.Sprintf("callback %s", tt.id))
		if tt.id == "1" || tt.id == "2" {
			ev, err := store.Get(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, tt.muted, ev.IsMutedBy(42))
		}
	}
}
