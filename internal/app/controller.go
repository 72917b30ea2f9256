package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"launchbot/internal/clock"
	"launchbot/internal/dispatch"
	"launchbot/internal/eventbus"
	"launchbot/internal/launch"
	"launchbot/internal/mirror"
	"launchbot/internal/reconcile"
	"launchbot/internal/schedule"
	"launchbot/internal/source/ll2"
	"launchbot/internal/storage"
	"launchbot/internal/task/engine"
	"launchbot/internal/task/scheduler"
	logx "launchbot/pkg/logx"
)

// Timer purposes. Each holds at most one armed job.
const (
	PurposeRefresh = "refresh"
	PurposeNotify  = "notify"
)

const (
	refreshTimeout  = 2 * time.Minute
	dispatchTimeout = 30 * time.Minute
)

type Fetcher interface {
	Fetch(ctx context.Context) (ll2.Batch, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) (dispatch.Result, error)
}

// Timer is the job driver: one armed job per purpose.
type Timer interface {
	Arm(purpose string, at time.Time, timeout time.Duration, job scheduler.Job) error
	Disarm(purpose string) bool
}

type ControllerConfig struct {
	BasePeriod time.Duration
	// RetryDelay re-arms the refresh after a failed fetch.
	RetryDelay time.Duration
}

// Controller closes the loop: a fired timer runs a refresh or a dispatch,
// then the plan is rebuilt from the store and the timers are re-armed.
// Every method runs on the single task engine worker.
type Controller struct {
	cfg    ControllerConfig
	store  storage.Store
	rec    *reconcile.Reconciler
	src    Fetcher
	disp   Dispatcher
	timer  Timer
	mirror *mirror.Mirror
	bus    eventbus.Bus
	clk    clock.Clock
	log    logx.Logger

	mu          sync.Mutex
	lastRefresh time.Time
	plan        schedule.Plan
}

func NewController(cfg ControllerConfig, store storage.Store, rec *reconcile.Reconciler, src Fetcher, disp Dispatcher, timer Timer, mir *mirror.Mirror, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Controller {
	if cfg.BasePeriod <= 0 {
		cfg.BasePeriod = schedule.DefaultBasePeriod
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:    cfg,
		store:  store,
		rec:    rec,
		src:    src,
		disp:   disp,
		timer:  timer,
		mirror: mir,
		bus:    bus,
		clk:    clk,
		log:    log.With(logx.String("comp", "loop")),
	}
}

// Plan returns the last computed plan.
func (c *Controller) Plan() schedule.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan
}

// Kick arms an immediate refresh. It starts the loop.
func (c *Controller) Kick() error {
	return c.timer.Arm(PurposeRefresh, c.clk.Now(), refreshTimeout, c.Refresh)
}

// Refresh fetches, reconciles, sends postponement alerts and re-arms. A
// failed fetch re-arms the refresh after RetryDelay and keeps the current
// notification plan alive.
func (c *Controller) Refresh(ctx context.Context) error {
	batch, err := c.src.Fetch(ctx)
	c.incr(ctx, storage.StatAPIRequests, 1)
	if err != nil {
		retry := c.cfg.RetryDelay
		var se *ll2.StatusError
		if errors.As(err, &se) && se.RetryAfter > retry {
			retry = se.RetryAfter
		}
		c.log.Warn("fetch failed", logx.Err(err), logx.Duration("retry_in", retry))
		c.bus.Publish(eventbus.Event{Type: eventbus.RefreshFailed, Data: err.Error()})
		if rerr := c.recompute(ctx, c.clk.Now().Add(retry)); rerr != nil {
			return engine.NoRetry(errors.Join(err, rerr))
		}
		return engine.NoRetry(err)
	}

	res, err := c.rec.Apply(ctx, batch.Snapshots, batch.FetchedAt)
	if err != nil {
		c.log.Error("reconcile failed", logx.Err(err))
		if rerr := c.recompute(ctx, c.clk.Now().Add(c.cfg.RetryDelay)); rerr != nil {
			return engine.NoRetry(errors.Join(err, rerr))
		}
		return engine.NoRetry(err)
	}
	c.incr(ctx, storage.StatDBUpdates, int64(res.Inserted+res.Updated))

	c.mu.Lock()
	c.lastRefresh = batch.FetchedAt
	c.mu.Unlock()

	c.log.Info("refresh done",
		logx.Int("events", len(batch.Snapshots)),
		logx.Int("inserted", res.Inserted),
		logx.Int("updated", res.Updated),
		logx.Int("slipped", res.Slipped),
		logx.Int("deleted", len(res.Deleted)),
		logx.Int("bytes", batch.Bytes),
	)
	c.bus.Publish(eventbus.Event{Type: eventbus.RefreshDone, Data: res})

	for i := range res.Alerts {
		c.postpone(ctx, res.Alerts[i], res.Epoch)
	}
	return c.recompute(ctx, time.Time{})
}

func (c *Controller) postpone(ctx context.Context, p launch.Postponement, epoch int64) {
	c.bus.Publish(eventbus.Event{Type: eventbus.Postponed, Data: p})
	res, err := c.disp.Dispatch(ctx, dispatch.Job{
		EventID:      p.EventID,
		Class:        launch.ClassPostpone,
		ScheduledAt:  c.clk.Now(),
		Postponement: &p,
		Epoch:        epoch,
	})
	if err != nil {
		c.log.Error("postponement alert failed", logx.String("event", p.EventID), logx.Err(err))
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.DispatchDone, Data: res})
}

// RunBatch dispatches every item of b. A stale row aborts the batch and
// forces a refresh before anything else goes out.
func (c *Controller) RunBatch(ctx context.Context, b schedule.Batch) error {
	if b.LaunchCheckOnly() {
		c.log.Debug("launch check due; refreshing", logx.Int("events", len(b.Items)))
		return c.Refresh(ctx)
	}
	var failed []error
	for _, item := range b.Items {
		if item.Class == launch.ClassLaunchCheck {
			continue
		}
		res, err := c.disp.Dispatch(ctx, dispatch.Job{
			EventID:     item.EventID,
			Class:       item.Class,
			ScheduledAt: item.FireAt,
			Epoch:       b.Epoch,
		})
		if errors.Is(err, dispatch.ErrStaleSchedule) {
			c.log.Info("schedule is stale; refreshing before dispatch", logx.String("event", item.EventID), logx.Err(err))
			return c.Refresh(ctx)
		}
		if err != nil {
			c.log.Error("dispatch failed", logx.String("event", item.EventID), logx.String("class", item.Class.String()), logx.Err(err))
			failed = append(failed, err)
			continue
		}
		c.bus.Publish(eventbus.Event{Type: eventbus.DispatchDone, Data: res})
	}
	if err := c.recompute(ctx, time.Time{}); err != nil {
		failed = append(failed, err)
	}
	return engine.NoRetry(errors.Join(failed...))
}

// Recompute rebuilds the plan from the store and re-arms both timers.
func (c *Controller) Recompute(ctx context.Context) error {
	return c.recompute(ctx, time.Time{})
}

// recompute arms refreshAt instead of the computed refresh when it is set.
func (c *Controller) recompute(ctx context.Context, refreshAt time.Time) error {
	now := c.clk.Now()
	epoch, err := c.store.Epoch(ctx)
	if err != nil {
		c.armFallback(now)
		return fmt.Errorf("read epoch: %w", err)
	}
	events, err := c.store.ListUpcoming(ctx, schedule.MinNet(now))
	if err != nil {
		c.armFallback(now)
		return fmt.Errorf("list upcoming: %w", err)
	}

	c.mu.Lock()
	last := c.lastRefresh
	c.mu.Unlock()

	plan := schedule.Compute(events, schedule.Input{
		Now:         now,
		LastRefresh: last,
		Epoch:       epoch,
		BasePeriod:  c.cfg.BasePeriod,
	})
	if !refreshAt.IsZero() {
		plan.RefreshAt = refreshAt
		plan.WakeAt = refreshAt
		if plan.Notification != nil && plan.Notification.At.Before(refreshAt) {
			plan.WakeAt = plan.Notification.At
		}
	}

	for _, d := range plan.Missed {
		c.markMissed(ctx, d, now)
	}

	if err := c.timer.Arm(PurposeRefresh, plan.RefreshAt, refreshTimeout, c.Refresh); err != nil {
		return fmt.Errorf("arm refresh: %w", err)
	}
	var notifyAt time.Time
	if b := plan.Notification; b != nil {
		batch := *b
		notifyAt = batch.At
		err := c.timer.Arm(PurposeNotify, batch.At, dispatchTimeout, func(ctx context.Context) error {
			return c.RunBatch(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("arm notify: %w", err)
		}
	} else {
		c.timer.Disarm(PurposeNotify)
	}

	c.mu.Lock()
	c.plan = plan
	c.mu.Unlock()

	if err := c.mirror.Publish(ctx, plan.RefreshAt, notifyAt); err != nil {
		c.log.Warn("schedule mirror failed", logx.Err(err))
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.PlanArmed, Data: plan})

	fields := []logx.Field{
		logx.Time("refresh_at", plan.RefreshAt),
		logx.Float64("multiplier", plan.Multiplier),
		logx.String("reason", plan.Reason),
		logx.Int("upcoming", plan.Upcoming),
	}
	if !notifyAt.IsZero() {
		fields = append(fields, logx.Time("notify_at", notifyAt), logx.Int("batch", len(plan.Notification.Items)))
	}
	c.log.Debug("plan armed", fields...)
	return nil
}

// markMissed records a notice that is too late to send.
func (c *Controller) markMissed(ctx context.Context, d schedule.Due, now time.Time) {
	if err := c.store.SetNotified(ctx, d.EventID, d.Class); err != nil {
		c.log.Error("mark missed failed", logx.String("event", d.EventID), logx.Err(err))
		return
	}
	c.incr(ctx, storage.StatMissed, 1)
	c.log.Warn("notification missed",
		logx.String("event", d.EventID),
		logx.String("class", d.Class.String()),
		logx.Time("fire_at", d.FireAt),
		logx.Duration("late", now.Sub(d.FireAt)),
	)
}

// armFallback keeps the loop alive when the store cannot be read.
func (c *Controller) armFallback(now time.Time) {
	if err := c.timer.Arm(PurposeRefresh, now.Add(c.cfg.RetryDelay), refreshTimeout, c.Refresh); err != nil {
		c.log.Error("arm fallback refresh failed", logx.Err(err))
	}
}

func (c *Controller) incr(ctx context.Context, name string, delta int64) {
	if delta == 0 {
		return
	}
	if err := c.store.IncrStat(ctx, name, delta); err != nil {
		c.log.Debug("stat update failed", logx.String("stat", name), logx.Err(err))
	}
}

// Sweep is the retention pass: events whose net is older than maxAge, and
// rows not reconciled within maxAge, are removed.
func (c *Controller) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := c.clk.Now().Add(-maxAge).Unix()
	n, err := c.store.DeleteExpired(ctx, cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Info("retention sweep", logx.Int("deleted", n), logx.Duration("max_age", maxAge))
	}
	return n, nil
}
