package scheduler

import (
	"errors"
	"sort"
	"strings"
	"time"

	"launchbot/internal/task/engine"
	logx "launchbot/pkg/logx"
)

// Arm sets the single timer for purpose to fire at at, replacing whatever
// was armed for it. A time in the past fires immediately.
func (s *Service) Arm(purpose string, at time.Time, timeout time.Duration, job Job) error {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return errors.New("purpose required")
	}
	if at.IsZero() {
		return errors.New("time required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.timers[purpose]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.seq++
	a := &armed{at: at, timeout: timeout, job: job, ver: s.seq}
	s.timers[purpose] = a
	if s.running {
		s.startTimerLocked(purpose, a)
	}
	s.log.Debug("armed", logx.String("purpose", purpose), logx.Time("at", at), logx.Duration("in", time.Until(at)))
	return nil
}

// startTimerLocked requires s.tmu.
func (s *Service) startTimerLocked(purpose string, a *armed) {
	ver := a.ver
	a.timer = time.AfterFunc(max(time.Until(a.at), 0), func() {
		s.tmu.Lock()
		cur, ok := s.timers[purpose]
		if !ok || cur.ver != ver {
			// Replaced or disarmed after the timer fired.
			s.tmu.Unlock()
			return
		}
		delete(s.timers, purpose)
		s.tmu.Unlock()
		// A job may re-arm its own purpose while it runs. Arm keeps at most
		// one pending timer per purpose, so nothing piles up.
		s.enqueue(purpose, cur.timeout, cur.job, engine.OverlapAllow)
	})
}

// Disarm cancels the timer for purpose. It reports whether one was armed.
func (s *Service) Disarm(purpose string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	a, ok := s.timers[purpose]
	if !ok {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(s.timers, purpose)
	return true
}

// Pending reports when purpose fires next.
func (s *Service) Pending(purpose string) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	a, ok := s.timers[purpose]
	if !ok {
		return time.Time{}, false
	}
	return a.at, true
}

// Armed lists the armed purposes in firing order.
func (s *Service) Armed() []string {
	s.tmu.Lock()
	out := make([]string, 0, len(s.timers))
	at := make(map[string]time.Time, len(s.timers))
	for p, a := range s.timers {
		out = append(out, p)
		at[p] = a.at
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return at[out[i]].Before(at[out[j]]) })
	return out
}
