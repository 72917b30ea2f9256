package recipients

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchbot/internal/launch"
	"launchbot/internal/storage"
	logx "launchbot/pkg/logx"
)

func seed(t *testing.T) (*Directory, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	d := New(st, logx.Nop())
	ctx := context.Background()

	for _, r := range []launch.Recipient{
		{ChatID: 1, ProviderAllow: []string{launch.AllProviders}},
		{ChatID: 2, ProviderAllow: []string{"SpaceX"}, LeadTimePrefs: launch.Flags{false, false, true, false}},
		{ChatID: 3, ProviderAllow: []string{launch.AllProviders}, ProviderDeny: []string{"SpaceX"}},
		{ChatID: 4, ProviderAllow: []string{"Rocket Lab"}},
	} {
		require.NoError(t, d.Subscribe(ctx, r))
	}
	return d, st
}

func chatIDs(rs []launch.Recipient) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ChatID
	}
	return out
}

func TestResolveRecipients(t *testing.T) {
	t.Parallel()
	d, _ := seed(t)
	ctx := context.Background()

	got, err := d.ResolveRecipients(ctx, "SpaceX", launch.Class24h)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, chatIDs(got))

	got, err = d.ResolveRecipients(ctx, "SpaceX", launch.Class1h)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, chatIDs(got))

	got, err = d.ResolveRecipients(ctx, "Rocket Lab", launch.Class5m)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4}, chatIDs(got))
}

func TestResolvePostponedUsesPreviousState(t *testing.T) {
	t.Parallel()
	d, _ := seed(t)
	ctx := context.Background()

	// Chat 2 only wants 1h notices; the 1h notice had gone out, so it hears
	// about the slip even though 1h is the class being rearmed.
	got, err := d.ResolvePostponed(ctx, "SpaceX", launch.Flags{true, true, true, false})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, chatIDs(got))

	// Nothing relevant to chat 2 went out yet.
	got, err = d.ResolvePostponed(ctx, "SpaceX", launch.Flags{true, false, false, false})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, chatIDs(got))
}

func TestMuteRemoveMigrate(t *testing.T) {
	t.Parallel()
	d, st := seed(t)
	ctx := context.Background()

	_, _, err := st.Upsert(ctx, launch.Snapshot{ID: "ev", NetUnix: 100, Status: launch.StatusGo}, 1)
	require.NoError(t, err)

	require.NoError(t, d.SetMuted(ctx, 1, "ev", true))
	muted, err := d.IsMuted(ctx, 1, "ev")
	require.NoError(t, err)
	assert.True(t, muted)

	muted, err = d.IsMuted(ctx, 1, "unknown")
	require.NoError(t, err)
	assert.False(t, muted)

	require.NoError(t, d.Remove(ctx, 4, errors.New("blocked")))
	require.NoError(t, d.Migrate(ctx, 2, 20))

	all, err := st.Recipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 20}, chatIDs(all))
}
