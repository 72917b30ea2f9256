// Package app wires the launch notifier together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"launchbot/internal/clock"
	"launchbot/internal/config"
	"launchbot/internal/dispatch"
	"launchbot/internal/eventbus"
	"launchbot/internal/mirror"
	"launchbot/internal/reconcile"
	"launchbot/internal/recipients"
	rtsup "launchbot/internal/runtime/supervisor"
	"launchbot/internal/source/ll2"
	"launchbot/internal/storage"
	"launchbot/internal/task/engine"
	"launchbot/internal/task/scheduler"
	"launchbot/internal/transport"
	"launchbot/internal/transport/telegram"
	logx "launchbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	tg     *telegram.Adapter
	mirror *mirror.Mirror

	engine *engine.Service
	sched  *scheduler.Service
	dir    *recipients.Directory
	disp   *dispatch.Engine
	ctrl   *Controller

	retention retention
	maxAge    atomic.Int64 // retention max age, hot-reloadable
	callbacks chan transport.Callback
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))

	pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log)
	if err != nil {
		return nil, err
	}
	logs.SetNotifier(alertNotifier{s: tg})

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	var mir *mirror.Mirror
	if cfg.Mirror.Enabled {
		mir = mirror.New(mapMirror(cfg), log)
	}

	bus := eventbus.New()
	engCfg, _ := mapTaskEngine(cfg)
	eng := engine.New(engCfg, log, bus)
	sched := scheduler.New(scheduler.Config{}, eng, log)

	dir := recipients.New(store, log)
	dcfg, _ := mapDispatch(cfg)
	disp := dispatch.New(store, dir, tg, dcfg, log)

	srcCfg, _ := mapSource(cfg)
	ctrlCfg, recCfg, _ := mapRefresh(cfg)
	ret, _ := mapRetention(cfg)
	ctrl := NewController(ctrlCfg, store,
		reconcile.New(store, recCfg, log),
		ll2.New(srcCfg, log),
		disp, sched, mir, bus, clock.Real{}, log)

	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logs,
		bus:       bus,
		store:     store,
		tg:        tg,
		mirror:    mir,
		engine:    eng,
		sched:     sched,
		dir:       dir,
		disp:      disp,
		ctrl:      ctrl,
		retention: ret,
		callbacks: make(chan transport.Callback, 64),
	}
	a.maxAge.Store(int64(ret.maxAge))
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.mirror.Ping(ctx); err != nil {
		a.log.Warn("schedule mirror unreachable; continuing without it", logx.Err(err))
	}

	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if cfg := a.cfgm.Get(); cfg.Retention.Enabled {
		if err := a.sched.AddSchedule("retention", a.retention.schedule, time.Minute, a.sweep); err != nil {
			return fmt.Errorf("retention schedule: %w", err)
		}
	}
	if err := a.sched.AddSchedule("stats", statsSchedule, 10*time.Second, a.logStats); err != nil {
		return fmt.Errorf("stats schedule: %w", err)
	}

	if err := a.tg.Start(a.sup.Context(), a.callbacks); err != nil {
		return err
	}
	h := muteHandler{dir: a.dir, rcv: a.tg, log: a.log.With(logx.String("comp", "mute"))}
	a.sup.Go0("callbacks", func(c context.Context) { h.run(c, a.callbacks) })

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.applyConfigUpdates)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log, func() bool {
			s := a.engine.Snapshot()
			return s.QueueCap > 0 && s.QueueLen < s.QueueCap
		})
	})

	if err := a.ctrl.Kick(); err != nil {
		return fmt.Errorf("first refresh: %w", err)
	}
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("launchbot started")
	return nil
}

func (a *App) sweep(ctx context.Context) error {
	_, err := a.ctrl.Sweep(ctx, time.Duration(a.maxAge.Load()))
	return err
}

func (a *App) logStats(ctx context.Context) error {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	fields := make([]logx.Field, 0, len(stats)+1)
	for k, v := range stats {
		fields = append(fields, logx.Int64(k, v))
	}
	fields = append(fields, logx.Uint64("tasks_dropped", a.engine.Snapshot().Dropped))
	a.log.Info("stats", fields...)
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// applyConfigUpdates hot-applies logging and dispatch pacing. Other
// sections are logged as needing a restart.
func (a *App) applyConfigUpdates(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(last, next)
			last = next
			if len(changed) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			a.logs.Apply(mapLogging(next))
			if dcfg, err := mapDispatch(next); err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
			} else {
				a.disp.Apply(dcfg)
			}
			if ret, err := mapRetention(next); err == nil {
				a.maxAge.Store(int64(ret.maxAge))
			}
			if restart := config.RestartRequired(changed); len(restart) > 0 {
				a.log.Warn("config changes need a restart", logx.String("sections", strings.Join(restart, ",")))
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config applied", fields...)
			a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: changed})
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "telegram", 3*time.Second, a.tg.Stop)
	a.step(ctx, "mirror", time.Second, func(context.Context) error { return a.mirror.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max so a stuck component cannot
// stall the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
