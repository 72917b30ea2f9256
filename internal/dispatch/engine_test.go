package dispatch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchbot/internal/clock"
	"launchbot/internal/compose"
	"launchbot/internal/launch"
	"launchbot/internal/recipients"
	"launchbot/internal/storage"
	"launchbot/internal/transport"
	logx "launchbot/pkg/logx"
)

type sent struct {
	chatID int64
	at     time.Time
	opt    transport.SendOptions
}

type fakeSender struct {
	clk *clock.Fake

	mu      sync.Mutex
	nextID  int
	sends   []sent
	deletes []launch.Receipt
	// fail returns the error for the n-th attempt (1-based) to chatID.
	fail func(chatID int64, attempt int) error
	tries map[int64]int
}

func newFakeSender(clk *clock.Fake) *fakeSender {
	return &fakeSender{clk: clk, nextID: 100, tries: map[int64]int{}}
}

func (f *fakeSender) Send(_ context.Context, chatID int64, _ string, opt *transport.SendOptions) (launch.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tries[chatID]++
	if f.fail != nil {
		if err := f.fail(chatID, f.tries[chatID]); err != nil {
			return launch.Receipt{}, err
		}
	}
	f.nextID++
	f.sends = append(f.sends, sent{chatID: chatID, at: f.clk.Now(), opt: *opt})
	return launch.Receipt{ChatID: chatID, MessageID: f.nextID}, nil
}

func (f *fakeSender) Delete(_ context.Context, r launch.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, r)
	return nil
}

type fixture struct {
	clk    *clock.Fake
	store  storage.Store
	sender *fakeSender
	engine *Engine
	epoch  int64
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, chats ...int64) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	epoch := t0.Add(-time.Minute).Unix()
	require.NoError(t, st.SetEpoch(ctx, epoch))
	_, _, err := st.Upsert(ctx, launch.Snapshot{
		ID:          "ev-1",
		Name:        "Falcon 9 | Starlink",
		NetUnix:     t0.Add(time.Hour).Unix(),
		Status:      launch.StatusGo,
		ProviderKey: "SpaceX",
	}, epoch)
	require.NoError(t, err)

	dir := recipients.New(st, logx.Nop())
	for _, id := range chats {
		require.NoError(t, dir.Subscribe(ctx, launch.Recipient{ChatID: id, ProviderAllow: []string{launch.AllProviders}}))
	}
	fs := newFakeSender(clk)
	eng := New(st, dir, fs, DefaultConfig(), logx.Nop(),
		WithClock(clk),
		WithRenderer(func(ev launch.Event, n compose.Notice) (string, error) { return ev.Name, nil }),
	)
	return &fixture{clk: clk, store: st, sender: fs, engine: eng, epoch: epoch}
}

func TestDispatchSendsAndMarksNotified(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2, 3)
	ctx := context.Background()

	res, err := f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h, ScheduledAt: t0})
	require.NoError(t, err)
	assert.Equal(t, StateSent, res.State)
	assert.Equal(t, 3, res.Delivered)
	require.Len(t, f.sender.sends, 3)
	for _, s := range f.sender.sends {
		assert.False(t, s.opt.Silent)
		assert.Equal(t, "ev-1", s.opt.MuteEventID)
	}

	ev, err := f.store.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, ev.Notified.Get(launch.Class1h))
	assert.Len(t, ev.SentMessages, 3)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats[storage.StatNotifications])

	// A second run for the same class is a no-op.
	res, err = f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h, ScheduledAt: t0})
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, res.State)
	assert.Len(t, f.sender.sends, 3)
}

func TestDispatchEarlyClassesAreSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	_, err := f.engine.Dispatch(context.Background(), Job{EventID: "ev-1", Class: launch.Class12h})
	require.NoError(t, err)
	require.Len(t, f.sender.sends, 1)
	assert.True(t, f.sender.sends[0].opt.Silent)
}

func TestDispatchMissed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	res, err := f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h, ScheduledAt: t0.Add(-6 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, StateMissed, res.State)
	assert.Empty(t, f.sender.sends)

	ev, err := f.store.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, ev.Notified.Get(launch.Class1h))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[storage.StatMissed])
}

func TestDispatchStaleScheduleAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()
	require.NoError(t, f.store.SetEpoch(ctx, f.epoch+60))

	_, err := f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h, ScheduledAt: t0})
	require.ErrorIs(t, err, ErrStaleSchedule)

	var stale *StaleScheduleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, f.epoch, stale.RowEpoch)
	assert.Empty(t, f.sender.sends)
}

func TestDispatchAbortsWhenRefreshRanAfterPlanning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	job := Job{EventID: "ev-1", Class: launch.Class1h, ScheduledAt: t0, Epoch: f.epoch}

	// A refresh lands between planning and firing and moves the net.
	next := t0.Unix()
	require.NoError(t, f.store.SetEpoch(ctx, next))
	_, _, err := f.store.Upsert(ctx, launch.Snapshot{
		ID:          "ev-1",
		Name:        "Falcon 9 | Starlink",
		NetUnix:     t0.Add(3 * time.Hour).Unix(),
		Status:      launch.StatusGo,
		ProviderKey: "SpaceX",
	}, next)
	require.NoError(t, err)

	res, err := f.engine.Dispatch(ctx, job)
	require.ErrorIs(t, err, ErrStaleSchedule)
	assert.Equal(t, StateFailed, res.State)

	var stale *StaleScheduleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, f.epoch, stale.JobEpoch)
	assert.Equal(t, next, stale.StoreEpoch)
	assert.Equal(t, next, stale.RowEpoch)
	assert.Empty(t, f.sender.sends)

	ev, err := f.store.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, ev.Notified.Get(launch.Class1h))

	// Replanned against the new epoch the job goes through.
	job.Epoch = next
	res, err = f.engine.Dispatch(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, StateSent, res.State)
	assert.Len(t, f.sender.sends, 2)
}

func TestDispatchExcludesMutedChats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	require.NoError(t, f.store.SetMuted(ctx, "ev-1", 2, true))

	res, err := f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class5m})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recipients)
	require.Len(t, f.sender.sends, 1)
	assert.EqualValues(t, 1, f.sender.sends[0].chatID)
}

func TestDispatchPacing(t *testing.T) {
	t.Parallel()
	chats := make([]int64, 120)
	for i := range chats {
		chats[i] = int64(i + 1)
	}
	f := newFixture(t, chats...)

	res, err := f.engine.Dispatch(context.Background(), Job{EventID: "ev-1", Class: launch.Class1h})
	require.NoError(t, err)
	assert.Equal(t, 120, res.Delivered)

	// 120 slots at 4/s plus two burst pauses.
	assert.GreaterOrEqual(t, f.clk.Now().Sub(t0), 36*time.Second)
	for i := 1; i < len(f.sender.sends); i++ {
		gap := f.sender.sends[i].at.Sub(f.sender.sends[i-1].at)
		assert.GreaterOrEqual(t, gap, 250*time.Millisecond, "send %d", i)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2)
	f.sender.fail = func(chatID int64, attempt int) error {
		switch {
		case chatID == 1 && attempt <= 2:
			return transport.Retryable(errors.New("flood"), 4*time.Second)
		case chatID == 2:
			return transport.Retryable(errors.New("bad gateway"), 0)
		}
		return nil
	}

	res, err := f.engine.Dispatch(context.Background(), Job{EventID: "ev-1", Class: launch.Class1h})
	require.NoError(t, err)
	assert.Equal(t, StatePartial, res.State)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 3, f.sender.tries[1])
	// first attempt plus five retries
	assert.Equal(t, 6, f.sender.tries[2])
	require.Len(t, res.Failures, 1)
	assert.EqualValues(t, 2, res.Failures[0].ChatID)
	assert.False(t, res.Failures[0].Removed)
	assert.GreaterOrEqual(t, f.clk.Slept(), 8*time.Second+5*time.Second)
}

func TestDispatchPermanentFailureRemovesRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	f.sender.fail = func(chatID int64, _ int) error {
		if chatID == 2 {
			return transport.Permanent(errors.New("bot was blocked by the user"))
		}
		return nil
	}

	res, err := f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h})
	require.NoError(t, err)
	assert.Equal(t, StatePartial, res.State)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, f.sender.tries[2])

	_, err = f.store.GetRecipient(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDispatchFollowsMigration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()
	f.sender.fail = func(chatID int64, _ int) error {
		if chatID == 1 {
			return transport.Migrated(errors.New("group upgraded"), -1001)
		}
		return nil
	}

	res, err := f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h})
	require.NoError(t, err)
	assert.Equal(t, StateSent, res.State)
	require.Len(t, f.sender.sends, 1)
	assert.EqualValues(t, -1001, f.sender.sends[0].chatID)

	_, err = f.store.GetRecipient(ctx, -1001)
	assert.NoError(t, err)
}

func TestPostponeSupersedesEarlierMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	_, err := f.engine.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h})
	require.NoError(t, err)
	before, err := f.store.Get(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, before.SentMessages, 2)

	res, err := f.engine.Dispatch(ctx, Job{
		EventID: "ev-1",
		Class:   launch.ClassPostpone,
		Postponement: &launch.Postponement{
			EventID:  "ev-1",
			OldNet:   before.NetUnix,
			NewNet:   before.NetUnix + 7200,
			Rearmed:  []launch.Class{launch.Class1h},
			Previous: before.Notified,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateSent, res.State)
	assert.Equal(t, 2, res.Superseded)
	assert.ElementsMatch(t, before.SentMessages, f.sender.deletes)

	after, err := f.store.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, res.Receipts, after.SentMessages)
	for _, r := range after.SentMessages {
		assert.NotContains(t, before.SentMessages, r)
	}
	// postpone notices carry no mute toggle and leave flags alone
	assert.Empty(t, f.sender.sends[2].opt.MuteEventID)
	assert.Equal(t, before.Notified, after.Notified)
}

func TestLaunchCheckHasNoDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	res, err := f.engine.Dispatch(context.Background(), Job{EventID: "ev-1", Class: launch.ClassLaunchCheck})
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, res.State)
	assert.Empty(t, f.sender.sends)
}

func TestRecentKeepsBoundedHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.Apply(Config{HistorySize: 2})

	for i := 0; i < 3; i++ {
		_, err := f.engine.Dispatch(context.Background(), Job{EventID: "missing", Class: launch.Class1h})
		require.NoError(t, err)
	}
	recent := f.engine.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, StateSkipped, recent[1].State)
}

type failingFlags struct {
	storage.Store
}

func (failingFlags) SetNotified(context.Context, string, launch.Class) error {
	return errors.New("disk full")
}

func TestAbortLogsFlagWriteFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	eng := New(failingFlags{f.store}, recipients.New(f.store, logx.Nop()), f.sender, DefaultConfig(), logx.NewJSON(&buf, "debug"),
		WithClock(f.clk),
		WithRenderer(func(ev launch.Event, n compose.Notice) (string, error) { return ev.Name, nil }),
	)
	// The first delivery succeeds and the context ends right after it.
	f.sender.fail = func(int64, int) error {
		cancel()
		return nil
	}

	res, err := eng.Dispatch(ctx, Job{EventID: "ev-1", Class: launch.Class1h, ScheduledAt: t0})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatePartial, res.State)
	assert.Equal(t, 1, res.Delivered)
	assert.Contains(t, buf.String(), "set notified after abort failed")
	assert.Contains(t, buf.String(), "disk full")

	ev, err := f.store.Get(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Len(t, ev.SentMessages, 1)
}
