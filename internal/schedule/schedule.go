// Package schedule derives the next notification batch and the next data
// refresh from the current store contents. It is a pure function of its
// inputs: callers rebuild the whole plan after every refresh or dispatch.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"launchbot/internal/launch"
)

const (
	DefaultBasePeriod = 15 * time.Minute

	// FireMargin lands a notice slightly before its boundary.
	FireMargin = 60 * time.Second
	// MissedAfter is how late a fire time may be before it is dropped.
	MissedAfter = 5 * time.Minute
	// UpcomingWindow keeps events whose net passed recently in scope.
	UpcomingWindow = 5 * time.Minute

	LaunchCheckDelay  = 5 * time.Minute
	LaunchCheckWindow = 60 * time.Second

	ImmediateRefresh = 5 * time.Second
	MinRefreshDelay  = 3 * time.Second
)

// Input is everything Compute needs besides the events.
type Input struct {
	Now time.Time
	// LastRefresh is the last successful fetch; zero when there was none.
	LastRefresh time.Time
	// Epoch is the store epoch. Rows reconciled before it were missing from
	// the last fetch and get no notification candidates.
	Epoch      int64
	BasePeriod time.Duration
}

// Due is one (event, class) pair and the instant it should fire.
type Due struct {
	EventID string
	Class   launch.Class
	FireAt  time.Time
}

// Batch groups every due item sharing the earliest fire instant.
type Batch struct {
	At    time.Time
	Items []Due
	// Epoch is the store epoch the batch was computed against.
	Epoch int64
}

// LaunchCheckOnly reports whether the batch carries no deliverable notice.
func (b *Batch) LaunchCheckOnly() bool {
	if b == nil {
		return false
	}
	for _, d := range b.Items {
		if d.Class != launch.ClassLaunchCheck {
			return false
		}
	}
	return true
}

type Plan struct {
	Now          time.Time
	Notification *Batch
	// Missed lists lead-time notices whose fire time is too far behind to send.
	Missed     []Due
	RefreshAt  time.Time
	WakeAt     time.Time
	Multiplier float64
	Upcoming   int
	Reason     string
}

// MinNet is the lowest net an event may have and still be considered upcoming.
func MinNet(now time.Time) int64 { return now.Add(-UpcomingWindow).Unix() }

// Compute builds the plan for events as seen at in.Now.
func Compute(events []launch.Event, in Input) Plan {
	base := in.BasePeriod
	if base <= 0 {
		base = DefaultBasePeriod
	}
	now := in.Now.Truncate(time.Second)
	nowU := now.Unix()
	plan := Plan{Now: now}

	var cands []Due
	for _, ev := range events {
		if ev.NetUnix < MinNet(now) || ev.Status == launch.StatusTBD {
			continue
		}
		plan.Upcoming++
		if in.Epoch != 0 && ev.LastReconciledAt < in.Epoch {
			continue
		}

		if !ev.IsLaunched() && nowU-ev.NetUnix < int64(LaunchCheckWindow/time.Second) {
			cands = append(cands, Due{
				EventID: ev.ID,
				Class:   launch.ClassLaunchCheck,
				FireAt:  ev.Net().Add(LaunchCheckDelay),
			})
		}
		for _, c := range launch.LeadClasses {
			if ev.Notified.Get(c) {
				continue
			}
			d := Due{EventID: ev.ID, Class: c, FireAt: FireTime(ev.NetUnix, c)}
			if d.FireAt.Before(now.Add(-MissedAfter)) {
				plan.Missed = append(plan.Missed, d)
				continue
			}
			cands = append(cands, d)
		}
	}

	plan.Notification = nextBatch(cands, now)
	if plan.Notification != nil {
		plan.Notification.Epoch = in.Epoch
	}
	plan.RefreshAt, plan.Multiplier, plan.Reason = nextRefresh(cands, now, in.LastRefresh, base, plan.Upcoming)

	plan.WakeAt = plan.RefreshAt
	if plan.Notification != nil && plan.Notification.At.Before(plan.WakeAt) {
		plan.WakeAt = plan.Notification.At
	}
	return plan
}

// FireTime returns when a notice of class c for an event at net should go out.
func FireTime(net int64, c launch.Class) time.Time {
	return time.Unix(net, 0).Add(-c.LeadTime() - FireMargin)
}

// nextBatch picks the earliest instant and keeps, per event, the highest
// priority class due then. Launch checks survive only when no lead-time notice
// is due at that instant. Late fire times count as due now.
func nextBatch(cands []Due, now time.Time) *Batch {
	if len(cands) == 0 {
		return nil
	}
	effective := func(d Due) time.Time {
		if d.FireAt.Before(now) {
			return now
		}
		return d.FireAt
	}

	at := effective(cands[0])
	for _, d := range cands[1:] {
		if t := effective(d); t.Before(at) {
			at = t
		}
	}

	best := map[string]Due{}
	hasLead := false
	for _, d := range cands {
		if !effective(d).Equal(at) {
			continue
		}
		if d.Class.IsLead() {
			hasLead = true
		}
		if cur, ok := best[d.EventID]; !ok || d.Class.Priority() > cur.Class.Priority() {
			best[d.EventID] = d
		}
	}

	items := make([]Due, 0, len(best))
	for _, d := range best {
		if hasLead && !d.Class.IsLead() {
			continue
		}
		items = append(items, d)
	}
	sort.Slice(items, func(i, j int) bool {
		if pi, pj := items[i].Class.Priority(), items[j].Class.Priority(); pi != pj {
			return pi > pj
		}
		return items[i].EventID < items[j].EventID
	})
	return &Batch{At: at, Items: items}
}

func nextRefresh(cands []Due, now, last time.Time, base time.Duration, upcoming int) (time.Time, float64, string) {
	if last.IsZero() || now.After(last.Add(2*base)) {
		return now.Add(ImmediateRefresh), 0, "refresh overdue"
	}
	if upcoming == 0 {
		return now.Add(ImmediateRefresh), 0, "no upcoming events"
	}

	var next *Due
	for i := range cands {
		d := &cands[i]
		if d.FireAt.Before(now) {
			continue
		}
		if next == nil || d.FireAt.Before(next.FireAt) ||
			(d.FireAt.Equal(next.FireAt) && d.Class.Priority() > next.Class.Priority()) {
			next = d
		}
	}

	mult := 4.0
	reason := "no pending notices"
	if next != nil {
		mult = Multiplier(next.Class, next.FireAt.Sub(now))
		reason = fmt.Sprintf("next %s notice for %s", next.Class, next.EventID)
	}

	at := now.Add(time.Duration(float64(base)*mult) - now.Sub(last))
	if !at.After(now) {
		at = now.Add(MinRefreshDelay)
	}
	return at, mult, reason
}

// Multiplier scales the base refresh period by how soon a notice of class c is due.
func Multiplier(c launch.Class, until time.Duration) float64 {
	switch c {
	case launch.Class24h:
		if until >= 6*time.Hour {
			return 16
		}
		return 12
	case launch.Class12h:
		return 12
	case launch.Class1h:
		if until >= 4*time.Hour {
			return 8
		}
		return 4
	case launch.Class5m, launch.ClassLaunchCheck:
		return 1.35
	default:
		return 4
	}
}
