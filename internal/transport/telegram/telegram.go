// Package telegram implements the transport over the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"launchbot/internal/launch"
	rtsup "launchbot/internal/runtime/supervisor"
	"launchbot/internal/transport"
	logx "launchbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// MuteCallbackPrefix starts the data of the inline "mute" button.
const MuteCallbackPrefix = "mute/"

const textLimit = 4000

// api is the part of *tele.Bot the adapter uses.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
	Respond(c *tele.Callback, resp ...*tele.CallbackResponse) error
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	api api

	out     atomic.Value // chan<- transport.Callback
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
}

var _ transport.Transport = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"callback_query"}},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b, api: b}
	var nilOut chan<- transport.Callback
	a.out.Store(nilOut)

	b.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.forward(transport.Callback{
			ID:        cb.ID,
			ChatID:    m.Chat.ID,
			MessageID: m.ID,
			FromID:    cb.Sender.ID,
			Data:      strings.TrimSpace(cb.Data),
		})
		return nil
	})
	return a, nil
}

func (a *Adapter) forward(cb transport.Callback) {
	out, _ := a.out.Load().(chan<- transport.Callback)
	if out == nil {
		return
	}
	select {
	case out <- cb:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling for button presses.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Callback) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.Go0("callbacks.drop_report", func(c context.Context) {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("callbacks dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})
	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	was := a.running
	a.running = false
	var nilOut chan<- transport.Callback
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !was || sup == nil {
		return nil
	}
	sup.Cancel()

	// Never hold shutdown hostage to a pending getUpdates call.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (launch.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return launch.Receipt{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
	}
	if opt.MuteEventID != "" {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.Data("🔇 Mute this launch", "mute", opt.MuteEventID, "1")))
		sendOpt.ReplyMarkup = rm
	}

	msg, err := a.api.Send(&tele.Chat{ID: chatID}, truncate(text, textLimit), sendOpt)
	if err != nil {
		return launch.Receipt{}, classify(err)
	}
	return launch.Receipt{ChatID: chatID, MessageID: msg.ID}, nil
}

func (a *Adapter) Delete(ctx context.Context, r launch.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := a.api.Delete(tele.StoredMessage{MessageID: strconv.Itoa(r.MessageID), ChatID: r.ChatID})
	if err == nil || isGone(err) {
		return nil
	}
	return classify(err)
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.api.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

var permanentErrs = []error{
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrNoRightsToSend,
	tele.ErrUnauthorized,
}

// classify maps telebot failures onto the transport error kinds.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.Retryable(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var group tele.GroupError
	if errors.As(err, &group) && group.MigratedTo != 0 {
		return transport.Migrated(err, group.MigratedTo)
	}
	for _, p := range permanentErrs {
		if errors.Is(err, p) {
			return transport.Permanent(err)
		}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return transport.Retryable(err, 0)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "(429)"), strings.Contains(msg, "(500)"),
		strings.Contains(msg, "(502)"), strings.Contains(msg, "(503)"), strings.Contains(msg, "(504)"):
		return transport.Retryable(err, 0)
	case strings.Contains(msg, "(403)"):
		return transport.Permanent(err)
	}
	return err
}

func isGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to delete not found") ||
		strings.Contains(msg, "message can't be deleted")
}

// ParseMuteData decodes "mute/<event id>/<0|1>".
func ParseMuteData(data string) (eventID string, muted bool, ok bool) {
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	rest, found := strings.CutPrefix(data, MuteCallbackPrefix)
	if !found {
		// telebot joins unique and data with "|".
		if u, d, cut := strings.Cut(data, "|"); cut && u == "mute" {
			rest, found = strings.ReplaceAll(d, "|", "/"), true
		}
	}
	if !found {
		return "", false, false
	}
	id, flag, cut := strings.Cut(rest, "/")
	if !cut || id == "" {
		return "", false, false
	}
	switch flag {
	case "1":
		return id, true, true
	case "0":
		return id, false, true
	}
	return "", false, false
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
