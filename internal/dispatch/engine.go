// Package dispatch delivers one due notification to every interested chat.
//
// A dispatch resolves recipients, renders the notice once, and sends it
// under a rate limit with per-recipient retry. Old messages for the same
// event are deleted once the new one is out, so each chat ends up holding
// at most one current notice per launch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"launchbot/internal/clock"
	"launchbot/internal/compose"
	"launchbot/internal/launch"
	"launchbot/internal/storage"
	"launchbot/internal/transport"
	logx "launchbot/pkg/logx"
)

// Store is the persistence a dispatch touches.
type Store interface {
	Get(ctx context.Context, id string) (launch.Event, error)
	Epoch(ctx context.Context) (int64, error)
	SetNotified(ctx context.Context, id string, class launch.Class) error
	RecordSentMessages(ctx context.Context, id string, receipts []launch.Receipt) error
	IncrStat(ctx context.Context, name string, delta int64) error
}

// Directory resolves and maintains recipients.
type Directory interface {
	ResolveRecipients(ctx context.Context, provider string, class launch.Class) ([]launch.Recipient, error)
	ResolvePostponed(ctx context.Context, provider string, previous launch.Flags) ([]launch.Recipient, error)
	Remove(ctx context.Context, chatID int64, cause error) error
	Migrate(ctx context.Context, from, to int64) error
}

// Renderer turns an event into message text.
type Renderer func(ev launch.Event, n compose.Notice) (string, error)

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clk = c } }

func WithRenderer(r Renderer) Option { return func(e *Engine) { e.render = r } }

type Engine struct {
	store  Store
	dir    Directory
	sender transport.Sender
	clk    clock.Clock
	render Renderer
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	history []Result
}

func New(store Store, dir Directory, sender transport.Sender, cfg Config, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:  store,
		dir:    dir,
		sender: sender,
		clk:    clock.Real{},
		render: compose.Render,
		log:    log.With(logx.String("comp", "dispatch")),
		cfg:    cfg.withDefaults(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply swaps the pacing and retry settings. Dispatches already running
// keep the settings they started with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Recent returns the latest results, newest last.
func (e *Engine) Recent() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) remember(res Result, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, res)
	if n := len(e.history) - limit; n > 0 {
		e.history = append([]Result(nil), e.history[n:]...)
	}
}

// Dispatch runs job to completion. A *StaleScheduleError means nothing was
// sent and the caller must refresh first.
func (e *Engine) Dispatch(ctx context.Context, job Job) (res Result, err error) {
	cfg := e.config()
	res = Result{ID: uuid.NewString(), Job: job, State: StatePending, StartedAt: e.clk.Now()}
	defer func() {
		res.DoneAt = e.clk.Now()
		e.remember(res, cfg.HistorySize)
	}()

	log := e.log.With(
		logx.String("job", res.ID),
		logx.String("event", job.EventID),
		logx.String("class", job.Class.String()),
	)

	ev, err := e.store.Get(ctx, job.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		res.State, res.Reason = StateSkipped, "event gone"
		log.Info("dispatch skipped: event no longer tracked")
		return res, nil
	}
	if err != nil {
		res.State, res.Reason = StateFailed, err.Error()
		return res, fmt.Errorf("load event: %w", err)
	}
	epoch, err := e.store.Epoch(ctx)
	if err != nil {
		res.State, res.Reason = StateFailed, err.Error()
		return res, fmt.Errorf("load epoch: %w", err)
	}
	if (job.Epoch != 0 && job.Epoch != epoch) || ev.LastReconciledAt != epoch {
		res.State, res.Reason = StateFailed, "stale schedule"
		return res, &StaleScheduleError{EventID: ev.ID, JobEpoch: job.Epoch, RowEpoch: ev.LastReconciledAt, StoreEpoch: epoch}
	}

	switch {
	case job.Class == launch.ClassLaunchCheck:
		res.State, res.Reason = StateSkipped, "launch check has no delivery"
		return res, nil
	case job.Class.IsLead():
		if ev.Notified.Get(job.Class) {
			res.State, res.Reason = StateSkipped, "already notified"
			log.Debug("dispatch skipped: already notified")
			return res, nil
		}
		if late := res.StartedAt.Sub(job.ScheduledAt); !job.ScheduledAt.IsZero() && late > cfg.MissedAfter {
			res.State, res.Reason = StateMissed, "fired too late"
			if err := e.store.SetNotified(ctx, ev.ID, job.Class); err != nil {
				return res, fmt.Errorf("mark missed: %w", err)
			}
			_ = e.store.IncrStat(ctx, storage.StatMissed, 1)
			log.Warn("notification missed",
				logx.Time("scheduled_at", job.ScheduledAt),
				logx.Duration("late", late),
			)
			return res, nil
		}
	case job.Class == launch.ClassPostpone:
		if job.Postponement == nil {
			res.State, res.Reason = StateFailed, "missing postponement"
			return res, errors.New("postpone job without postponement")
		}
	default:
		res.State, res.Reason = StateFailed, "unknown class"
		return res, fmt.Errorf("unknown class %d", job.Class)
	}

	recipients, err := e.resolve(ctx, ev, job)
	if err != nil {
		res.State, res.Reason = StateFailed, err.Error()
		return res, fmt.Errorf("resolve recipients: %w", err)
	}
	res.Recipients = len(recipients)

	text, err := e.render(ev, compose.Notice{Class: job.Class, Postponement: job.Postponement})
	if err != nil {
		res.State, res.Reason = StateFailed, err.Error()
		return res, fmt.Errorf("render: %w", err)
	}
	opt := &transport.SendOptions{
		ParseMode:      compose.ParseMode,
		DisablePreview: true,
		Silent:         compose.Silent(job.Class),
	}
	if job.Class.IsLead() {
		opt.MuteEventID = ev.ID
	}

	res.State = StateSending
	log.Info("dispatch started", logx.Int("recipients", len(recipients)))

	p := newPacer(e.clk, cfg.RatePerSec, cfg.BurstEvery, cfg.BurstPause)
	reached := make(map[int64]struct{}, len(recipients))
	for _, r := range recipients {
		if err := p.wait(ctx); err != nil {
			return e.abort(ctx, res, ev, job, log, err)
		}
		rec, attempts, chatID, err := e.deliver(ctx, cfg, r.ChatID, text, opt, log)
		switch {
		case err == nil:
			res.Delivered++
			res.Receipts = append(res.Receipts, rec)
			reached[chatID] = struct{}{}
			reached[r.ChatID] = struct{}{}
		case ctx.Err() == nil:
			res.Failures = append(res.Failures, e.fail(ctx, &res, chatID, attempts, err, log))
		}
		if err := p.done(ctx); err != nil {
			return e.abort(ctx, res, ev, job, log, err)
		}
		if ctx.Err() != nil {
			return e.abort(ctx, res, ev, job, log, ctx.Err())
		}
	}

	return e.finish(ctx, res, ev, job, p, reached, log)
}

func (e *Engine) fail(ctx context.Context, res *Result, chatID int64, attempts int, err error, log logx.Logger) Failure {
	f := Failure{ChatID: chatID, Attempts: attempts, Err: err.Error()}
	if transport.IsPermanent(err) {
		if rerr := e.dir.Remove(ctx, chatID, err); rerr != nil {
			log.Warn("remove recipient failed", logx.Int64("chat", chatID), logx.Err(rerr))
		} else {
			f.Removed = true
			res.Removed++
		}
	}
	log.Warn("delivery failed",
		logx.Int64("chat", chatID),
		logx.Int("attempts", attempts),
		logx.Bool("removed", f.Removed),
		logx.Err(err),
	)
	return f
}

func (e *Engine) resolve(ctx context.Context, ev launch.Event, job Job) ([]launch.Recipient, error) {
	var (
		all []launch.Recipient
		err error
	)
	if job.Class == launch.ClassPostpone {
		all, err = e.dir.ResolvePostponed(ctx, ev.ProviderKey, job.Postponement.Previous)
	} else {
		all, err = e.dir.ResolveRecipients(ctx, ev.ProviderKey, job.Class)
	}
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if ev.IsMutedBy(r.ChatID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// deliver sends to one chat, retrying transient failures and following a
// single chat migration. It returns the chat id the last attempt went to.
func (e *Engine) deliver(ctx context.Context, cfg Config, chatID int64, text string, opt *transport.SendOptions, log logx.Logger) (launch.Receipt, int, int64, error) {
	rec, attempts, err := e.sendOne(ctx, cfg, chatID, text, opt)
	to, ok := transport.MigratedTo(err)
	if !ok {
		return rec, attempts, chatID, err
	}
	if merr := e.dir.Migrate(ctx, chatID, to); merr != nil {
		log.Warn("migrate recipient failed", logx.Int64("from", chatID), logx.Int64("to", to), logx.Err(merr))
	} else {
		log.Info("recipient migrated", logx.Int64("from", chatID), logx.Int64("to", to))
	}
	rec, n, err := e.sendOne(ctx, cfg, to, text, opt)
	if _, again := transport.MigratedTo(err); again {
		err = fmt.Errorf("chat %d migrated twice: %w", chatID, err)
	}
	return rec, attempts + n, to, err
}

func (e *Engine) sendOne(ctx context.Context, cfg Config, chatID int64, text string, opt *transport.SendOptions) (launch.Receipt, int, error) {
	attempts := 0
	for {
		attempts++
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		rec, err := e.sender.Send(sctx, chatID, text, opt)
		cancel()
		if err == nil {
			return rec, attempts, nil
		}
		after, retryable := transport.IsRetryable(err)
		if !retryable || attempts > cfg.RetryMax {
			return launch.Receipt{}, attempts, err
		}
		delay := cfg.RetryDelay
		if after > delay {
			delay = after
		}
		if serr := e.clk.Sleep(ctx, delay); serr != nil {
			return launch.Receipt{}, attempts, serr
		}
	}
}

// finish retracts superseded messages, persists receipts and flags, and
// settles the final state.
func (e *Engine) finish(ctx context.Context, res Result, ev launch.Event, job Job, p *pacer, reached map[int64]struct{}, log logx.Logger) (Result, error) {
	keep := make([]launch.Receipt, 0, len(ev.SentMessages)+len(res.Receipts))
	for _, old := range ev.SentMessages {
		if _, ok := reached[old.ChatID]; !ok {
			keep = append(keep, old)
			continue
		}
		if err := p.wait(ctx); err != nil {
			return e.abort(ctx, res, ev, job, log, err)
		}
		if err := e.sender.Delete(ctx, old); err != nil {
			log.Warn("delete superseded message failed", logx.String("receipt", old.String()), logx.Err(err))
		} else {
			res.Superseded++
		}
		_ = p.done(ctx)
	}
	keep = append(keep, res.Receipts...)

	if err := e.store.RecordSentMessages(ctx, ev.ID, keep); err != nil {
		res.State, res.Reason = StateFailed, err.Error()
		return res, fmt.Errorf("record receipts: %w", err)
	}
	if job.Class.IsLead() {
		if err := e.store.SetNotified(ctx, ev.ID, job.Class); err != nil {
			res.State, res.Reason = StateFailed, err.Error()
			return res, fmt.Errorf("set notified: %w", err)
		}
	}
	stat := storage.StatNotifications
	if job.Class == launch.ClassPostpone {
		stat = storage.StatPostponements
	}
	if res.Delivered > 0 {
		_ = e.store.IncrStat(ctx, stat, int64(res.Delivered))
	}

	switch {
	case len(res.Failures) == 0:
		res.State = StateSent
	case res.Delivered > 0:
		res.State = StatePartial
	default:
		res.State = StateFailed
	}

	fields := []logx.Field{
		logx.String("state", string(res.State)),
		logx.Int("recipients", res.Recipients),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", len(res.Failures)),
		logx.Int("removed", res.Removed),
		logx.Int("superseded", res.Superseded),
		logx.Duration("took", e.clk.Now().Sub(res.StartedAt)),
	}
	if len(res.Failures) > 0 {
		log.Warn("dispatch done", fields...)
	} else {
		log.Info("dispatch done", fields...)
	}
	return res, nil
}

// abort persists whatever was delivered before ctx ended so those chats are
// not messaged again, then reports the interruption.
func (e *Engine) abort(ctx context.Context, res Result, ev launch.Event, job Job, log logx.Logger, cause error) (Result, error) {
	res.State, res.Reason = StateFailed, "interrupted"
	if len(res.Receipts) > 0 {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		keep := append(append([]launch.Receipt(nil), ev.SentMessages...), res.Receipts...)
		if err := e.store.RecordSentMessages(wctx, ev.ID, keep); err != nil {
			log.Error("record receipts after abort failed", logx.Err(err))
		}
		if job.Class.IsLead() {
			if err := e.store.SetNotified(wctx, ev.ID, job.Class); err != nil {
				log.Error("set notified after abort failed", logx.Err(err))
			}
		}
		res.State = StatePartial
	}
	log.Warn("dispatch interrupted", logx.Int("delivered", res.Delivered), logx.Err(cause))
	return res, cause
}
