package app

import (
	"context"
	"time"

	"launchbot/internal/config"
	"launchbot/internal/recipients"
	"launchbot/internal/schedule"
	"launchbot/internal/storage"
	logx "launchbot/pkg/logx"
)

// Offline gives CLI subcommands the store without starting the bot.
type Offline struct {
	Config *config.Config
	Store  storage.Store
	Log    logx.Logger
}

func OpenOffline(cfgPath, level string) (*Offline, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole(level)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	return &Offline{Config: cfg, Store: store, Log: log}, nil
}

func (o *Offline) Close() error { return o.Store.Close() }

func (o *Offline) Recipients() *recipients.Directory {
	return recipients.New(o.Store, o.Log)
}

// Plan computes the schedule the running bot would arm at now. The store
// epoch doubles as the last successful refresh.
func (o *Offline) Plan(ctx context.Context, now time.Time) (schedule.Plan, error) {
	ctrlCfg, _, err := mapRefresh(o.Config)
	if err != nil {
		return schedule.Plan{}, err
	}
	epoch, err := o.Store.Epoch(ctx)
	if err != nil {
		return schedule.Plan{}, err
	}
	events, err := o.Store.ListUpcoming(ctx, schedule.MinNet(now))
	if err != nil {
		return schedule.Plan{}, err
	}
	var last time.Time
	if epoch > 0 {
		last = time.Unix(epoch, 0)
	}
	return schedule.Compute(events, schedule.Input{
		Now:         now,
		LastRefresh: last,
		Epoch:       epoch,
		BasePeriod:  ctrlCfg.BasePeriod,
	}), nil
}

// Sweep runs one retention pass with the configured max age.
func (o *Offline) Sweep(ctx context.Context, now time.Time) (int, error) {
	ret, err := mapRetention(o.Config)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-ret.maxAge).Unix()
	return o.Store.DeleteExpired(ctx, cutoff, cutoff)
}
