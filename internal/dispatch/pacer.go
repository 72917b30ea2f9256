package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"launchbot/internal/clock"
)

// pacer spaces outgoing calls 1/rate apart and adds a longer pause after
// every burstEvery calls. Every call waits for its own slot, including the
// first one, so back-to-back batches never exceed the rate either.
type pacer struct {
	lim        *rate.Limiter
	clk        clock.Clock
	burstEvery int
	burstPause time.Duration
	n          int
}

func newPacer(clk clock.Clock, perSec float64, burstEvery int, burstPause time.Duration) *pacer {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	p := &pacer{lim: rate.NewLimiter(limit, 1), clk: clk, burstEvery: burstEvery, burstPause: burstPause}
	p.lim.AllowN(clk.Now(), 1)
	return p
}

// wait blocks until the next call may go out.
func (p *pacer) wait(ctx context.Context) error {
	now := p.clk.Now()
	r := p.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("pacer: cannot reserve a slot")
	}
	return p.clk.Sleep(ctx, r.DelayFrom(now))
}

// done records a completed call and applies the burst pause when due.
func (p *pacer) done(ctx context.Context) error {
	p.n++
	if p.burstEvery <= 0 || p.n%p.burstEvery != 0 {
		return nil
	}
	if err := p.clk.Sleep(ctx, p.burstPause); err != nil {
		return err
	}
	// The pause stands in for the next slot.
	p.lim.AllowN(p.clk.Now(), 1)
	return nil
}
