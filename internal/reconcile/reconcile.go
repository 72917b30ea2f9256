// Package reconcile merges freshly fetched launch snapshots into the store,
// detects net slips and rearms notifications whose window reopened.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"launchbot/internal/launch"
	"launchbot/internal/storage"
	logx "launchbot/pkg/logx"
)

const (
	// DefaultSlipThreshold is the smallest net change treated as a slip.
	DefaultSlipThreshold = 5 * time.Minute
	// DefaultRefreshCycle is how long an unreported row survives.
	DefaultRefreshCycle = 15 * time.Minute
)

// SlipAnomaly reports a net change that cannot be a real schedule update.
// It is logged and the change is applied as a minor correction.
type SlipAnomaly struct {
	EventID string
	OldNet  int64
	NewNet  int64
}

func (e *SlipAnomaly) Error() string {
	return fmt.Sprintf("implausible net change for %s: %d -> %d", e.EventID, e.OldNet, e.NewNet)
}

type Config struct {
	SlipThreshold time.Duration
	RefreshCycle  time.Duration
}

// Result summarizes one Apply call.
type Result struct {
	Epoch    int64
	Inserted int
	Updated  int
	Slipped  int
	Deleted  []string
	Alerts   []launch.Postponement
	Errors   int
}

type Reconciler struct {
	store storage.EventStore
	cfg   Config
	log   logx.Logger
}

func New(store storage.EventStore, cfg Config, log logx.Logger) *Reconciler {
	if cfg.SlipThreshold <= 0 {
		cfg.SlipThreshold = DefaultSlipThreshold
	}
	if cfg.RefreshCycle <= 0 {
		cfg.RefreshCycle = DefaultRefreshCycle
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{store: store, cfg: cfg, log: log.With(logx.String("comp", "reconcile"))}
}

// Apply merges batch into the store as the refresh epoch fetchedAt.
//
// A failure on one snapshot is logged and counted; the rest of the batch is
// still applied. The store epoch is advanced before any row is written so
// every row touched by this call carries the new epoch.
func (r *Reconciler) Apply(ctx context.Context, batch []launch.Snapshot, fetchedAt time.Time) (Result, error) {
	epoch := fetchedAt.Unix()
	res := Result{Epoch: epoch}

	if err := r.store.SetEpoch(ctx, epoch); err != nil {
		return res, fmt.Errorf("set epoch: %w", err)
	}

	seen := make(map[string]struct{}, len(batch))
	for _, snap := range batch {
		if snap.ID == "" {
			continue
		}
		if _, dup := seen[snap.ID]; dup {
			// Later duplicates in the same batch would look like slips
			// against our own write.
			r.log.Debug("duplicate id in batch", logx.String("id", snap.ID))
			continue
		}
		seen[snap.ID] = struct{}{}

		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.applyOne(ctx, snap, epoch, &res); err != nil {
			res.Errors++
			r.log.Error("reconcile failed", logx.String("id", snap.ID), logx.Err(err))
		}
	}

	cutoff := epoch - int64(r.cfg.RefreshCycle/time.Second)
	deleted, err := r.store.DeleteUnreported(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("delete unreported: %w", err)
	}
	res.Deleted = deleted
	for _, id := range deleted {
		r.log.Info("event no longer reported, removed", logx.String("id", id))
	}

	r.log.Debug("batch reconciled",
		logx.Int("batch", len(batch)),
		logx.Int("inserted", res.Inserted),
		logx.Int("updated", res.Updated),
		logx.Int("slipped", res.Slipped),
		logx.Int("deleted", len(res.Deleted)),
		logx.Int("alerts", len(res.Alerts)),
	)
	return res, nil
}

func (r *Reconciler) applyOne(ctx context.Context, snap launch.Snapshot, epoch int64, res *Result) error {
	isNew, prev, err := r.store.Upsert(ctx, snap, epoch)
	if err != nil {
		return err
	}
	if isNew {
		res.Inserted++
		r.log.Info("new event", logx.String("id", snap.ID), logx.String("name", snap.Name),
			logx.Time("net", snap.Net()))
		return nil
	}
	res.Updated++

	if prev.NetUnix == snap.NetUnix {
		return nil
	}

	alert, err := r.checkSlip(prev, snap, epoch)
	var anomaly *SlipAnomaly
	if errors.As(err, &anomaly) {
		r.log.Warn("net slip anomaly, applied as minor correction", logx.String("id", snap.ID),
			logx.Int64("old_net", anomaly.OldNet), logx.Int64("new_net", anomaly.NewNet))
		return nil
	}
	if alert == nil {
		r.log.Debug("minor net correction", logx.String("id", snap.ID),
			logx.Int64("delta_s", snap.NetUnix-prev.NetUnix))
		return nil
	}

	res.Slipped++
	if err := r.store.ResetNotified(ctx, snap.ID, alert.Rearmed); err != nil {
		return fmt.Errorf("rearm: %w", err)
	}
	res.Alerts = append(res.Alerts, *alert)
	r.log.Warn("net slip rearmed notifications",
		logx.String("id", snap.ID),
		logx.Duration("slip", alert.Slip()),
		logx.Any("rearmed", classNames(alert.Rearmed)),
	)
	return nil
}

// checkSlip decides whether the net change from prev to snap rearms any
// notification. It returns nil when nothing needs rearming.
func (r *Reconciler) checkSlip(prev launch.Event, snap launch.Snapshot, epoch int64) (*launch.Postponement, error) {
	if snap.NetUnix <= 0 {
		return nil, &SlipAnomaly{EventID: snap.ID, OldNet: prev.NetUnix, NewNet: snap.NetUnix}
	}
	if prev.IsLaunched() || snap.IsLaunched() {
		return nil, nil
	}

	delta := snap.NetUnix - prev.NetUnix
	if abs(delta) < int64(r.cfg.SlipThreshold/time.Second) {
		return nil, nil
	}

	var rearmed []launch.Class
	for _, c := range prev.Notified.Classes() {
		windowEnd := prev.NetUnix - int64(c.LeadTime()/time.Second)
		if epoch < windowEnd+delta {
			rearmed = append(rearmed, c)
		}
	}
	if len(rearmed) == 0 {
		return nil, nil
	}
	return &launch.Postponement{
		EventID:  snap.ID,
		OldNet:   prev.NetUnix,
		NewNet:   snap.NetUnix,
		Rearmed:  rearmed,
		Previous: prev.Notified,
	}, nil
}

func classNames(cs []launch.Class) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
