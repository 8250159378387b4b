package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "tutorbot/internal/runtime/supervisor"
	kit "tutorbot/internal/transport"
	logx "tutorbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // default 10s
	// InitAttempts bounds getMe attempts while creating the client (default 3).
	InitAttempts int
	// InitBackoff is the first delay between init attempts; it doubles (default 1s).
	InitBackoff time.Duration
	// URL overrides the Bot API endpoint (tests, local Bot API server).
	URL string
	// Offline skips getMe entirely; only useful in tests.
	Offline bool
}

// Adapter is the Telegram channel: outbound sends plus long-poll inbound
// updates.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates uint64
}

var (
	_ kit.Channel            = (*Adapter)(nil)
	_ kit.Inbound            = (*Adapter)(nil)
	_ kit.CommandMenuUpdater = (*Adapter)(nil)
)

// New creates the bot client. getMe is retried with doubling delay because
// the process usually starts together with the network.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.InitAttempts <= 0 {
		cfg.InitAttempts = 3
	}
	if cfg.InitBackoff <= 0 {
		cfg.InitBackoff = time.Second
	}

	settings := tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		// Bounds sends abandoned by a canceled attempt context.
		Client: &http.Client{Timeout: 2*time.Minute + cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	}

	var (
		b     *tele.Bot
		err   error
		delay = cfg.InitBackoff
	)
	for attempt := 1; attempt <= cfg.InitAttempts; attempt++ {
		b, err = tele.NewBot(settings)
		if err == nil {
			break
		}
		log.Warn("telegram init failed", logx.Int("attempt", attempt), logx.Int("max_attempts", cfg.InitAttempts), logx.Err(err))
		if attempt == cfg.InitAttempts {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return kit.ChannelTelegram }

// Username is the bot's @username, used to build deep links.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := &kit.Message{
			ID:      m.ID,
			ChatID:  m.Chat.ID,
			Text:    m.Text,
			IsGroup: m.Chat.Type != tele.ChatPrivate,
		}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
		}
		a.sendUpdate(kit.Update{Message: msg})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns while we are
	// still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown on a pending getUpdates long poll for more than
// a short grace window.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, recipientID, text string) (string, error) {
	const op = "sendMessage"
	chat, err := parseChatID(op, recipientID)
	if err != nil {
		return "", err
	}
	chunks := splitText(text, textLimit)
	var first string
	for i, chunk := range chunks {
		msg, err := a.call(ctx, op, func() (*tele.Message, error) {
			return a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		})
		if err != nil {
			// A partially delivered long message is reported as delivered
			// up to the failure; resending would duplicate the head.
			if i > 0 {
				a.log.Warn("long message partially delivered", logx.Int("chunks_sent", i), logx.Int("chunks_total", len(chunks)), logx.Err(err))
				return first, nil
			}
			return "", err
		}
		if i == 0 {
			first = strconv.Itoa(msg.ID)
		}
	}
	return first, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, recipientID, path, caption string) (string, error) {
	const op = "sendPhoto"
	chat, err := parseChatID(op, recipientID)
	if err != nil {
		return "", err
	}
	msg, err := a.call(ctx, op, func() (*tele.Message, error) {
		return a.bot.Send(chat, &tele.Photo{File: tele.FromDisk(path), Caption: caption})
	})
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}

func (a *Adapter) SendVideo(ctx context.Context, recipientID, path, caption string) (string, error) {
	const op = "sendVideo"
	chat, err := parseChatID(op, recipientID)
	if err != nil {
		return "", err
	}
	msg, err := a.call(ctx, op, func() (*tele.Message, error) {
		return a.bot.Send(chat, &tele.Video{File: tele.FromDisk(path), Caption: caption})
	})
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}

// SendPlain sends operator text; it satisfies logx.Sender.
func (a *Adapter) SendPlain(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendMessage(ctx, strconv.FormatInt(chatID, 10), text)
	return err
}

// UpdateMenuCommands replaces the bot's command menu.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	tc := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		tc = append(tc, tele.Command{Text: c.Command, Description: c.Description})
	}
	_, err := a.call(ctx, "setMyCommands", func() (*tele.Message, error) {
		return &tele.Message{}, a.bot.SetCommands(tc)
	})
	return err
}

// call runs a telebot request under ctx. telebot has no context support, so
// the request keeps running in the background when ctx ends first; the HTTP
// client timeout bounds it. A retry after a timed-out attempt can therefore
// deliver the same message twice.
func (a *Adapter) call(ctx context.Context, op string, fn func() (*tele.Message, error)) (*tele.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(op, err)
	}
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := fn()
		done <- result{msg, err}
	}()
	select {
	case <-ctx.Done():
		return nil, classify(op, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classify(op, r.err)
		}
		if r.msg == nil {
			return nil, kit.NewError(kit.KindApplication, kit.ChannelTelegram, op, "empty response", nil)
		}
		return r.msg, nil
	}
}

func parseChatID(op, recipientID string) (tele.ChatID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil || id == 0 {
		return 0, kit.NewError(kit.KindApplication, kit.ChannelTelegram, op, "invalid chat id "+strconv.Quote(recipientID), err)
	}
	return tele.ChatID(id), nil
}
