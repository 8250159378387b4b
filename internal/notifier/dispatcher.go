package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"tutorbot/internal/eventbus"
	kit "tutorbot/internal/transport"
	logx "tutorbot/pkg/logx"
)

// Status is the cached connectivity view (see connectivity.Monitor).
type Status interface {
	Online() bool
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

// WithSleep replaces the backoff sleep, mainly so tests can record delays.
func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// WithMetrics counts attempts by {channel,outcome} and results by
// {channel,reason}. Either vector may be nil.
func WithMetrics(attempts, results *prometheus.CounterVec) Option {
	return func(d *Dispatcher) {
		d.attempts = attempts
		d.results = results
	}
}

// Dispatcher sends through one channel. It is safe for concurrent use;
// concurrent sends are independent.
type Dispatcher struct {
	ch     kit.Channel
	status Status
	log    logx.Logger
	bus    eventbus.Bus
	sleep  SleepFunc

	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(ch kit.Channel, status Status, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{ch: ch, status: status, sleep: sleepCtx}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("channel", ch.Name()))
	d.Apply(cfg)
	return d
}

// Apply swaps retry settings; sends already running keep their snapshot.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = lim
	d.mu.Unlock()
}

func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Dispatcher) Channel() string { return d.ch.Name() }

func (d *Dispatcher) Send(ctx context.Context, recipientID, body string) Result {
	return d.run(ctx, "sendMessage", recipientID, "message sent successfully",
		func(cfg Config) time.Duration { return cfg.TextTimeout },
		func(ctx context.Context) (string, error) { return d.ch.SendMessage(ctx, recipientID, body) })
}

func (d *Dispatcher) SendPhoto(ctx context.Context, recipientID, path, caption string) Result {
	return d.run(ctx, "sendPhoto", recipientID, "photo sent successfully",
		func(cfg Config) time.Duration { return cfg.PhotoTimeout },
		func(ctx context.Context) (string, error) { return d.ch.SendPhoto(ctx, recipientID, path, caption) })
}

func (d *Dispatcher) SendVideo(ctx context.Context, recipientID, path, caption string) Result {
	return d.run(ctx, "sendVideo", recipientID, "video sent successfully",
		func(cfg Config) time.Duration { return cfg.VideoTimeout },
		func(ctx context.Context) (string, error) { return d.ch.SendVideo(ctx, recipientID, path, caption) })
}

func (d *Dispatcher) run(ctx context.Context, op, recipientID, okDetail string, timeoutOf func(Config) time.Duration, call func(ctx context.Context) (string, error)) Result {
	d.mu.RLock()
	cfg, lim := d.cfg, d.limiter
	d.mu.RUnlock()

	// Connectivity is checked once per send; the probe is too slow to be
	// worth consulting between retries.
	if d.status != nil && !d.status.Online() {
		return d.finish(op, recipientID, Result{Detail: DetailOffline, Reason: ReasonOffline})
	}

	delay := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return d.finish(op, recipientID, Result{Detail: DetailExhausted, Reason: ReasonExhausted, Attempts: attempt - 1, Err: errors.Join(lastErr, err)})
			}
		}

		actx, cancel := context.WithTimeout(ctx, timeoutOf(cfg))
		ref, err := call(actx)
		cancel()
		if err == nil {
			d.countAttempt("ok")
			detail := okDetail
			if ref != "" {
				detail += " (id " + ref + ")"
			}
			return d.finish(op, recipientID, Result{Delivered: true, Detail: detail, Attempts: attempt, Reason: ReasonDelivered})
		}
		lastErr = err

		var de *kit.DeliveryError
		if !errors.As(err, &de) || !de.Retryable() {
			d.countAttempt("rejected")
			detail := err.Error()
			if de != nil {
				detail = de.Reason()
			}
			return d.finish(op, recipientID, Result{Detail: detail, Attempts: attempt, Reason: ReasonRejected, Err: err})
		}
		d.countAttempt(de.Kind.String())

		if attempt >= cfg.MaxAttempts {
			break
		}
		d.log.Debug("send attempt failed; retrying",
			logx.String("op", op),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", cfg.MaxAttempts),
			logx.Duration("backoff", delay),
			logx.Err(err),
		)
		if serr := d.sleep(ctx, delay); serr != nil {
			return d.finish(op, recipientID, Result{Detail: DetailExhausted, Reason: ReasonExhausted, Attempts: attempt, Err: errors.Join(err, serr)})
		}
		delay *= 2
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}
	return d.finish(op, recipientID, Result{Detail: DetailExhausted, Reason: ReasonExhausted, Attempts: cfg.MaxAttempts, Err: lastErr})
}

func (d *Dispatcher) countAttempt(outcome string) {
	if d.attempts != nil {
		d.attempts.WithLabelValues(d.ch.Name(), outcome).Inc()
	}
}

func (d *Dispatcher) finish(op, recipientID string, res Result) Result {
	if d.results != nil {
		d.results.WithLabelValues(d.ch.Name(), res.Reason.String()).Inc()
	}

	fields := []logx.Field{
		logx.String("op", op),
		logx.Recipient(recipientID),
		logx.String("reason", res.Reason.String()),
		logx.Int("attempts", res.Attempts),
	}
	switch res.Reason {
	case ReasonDelivered:
		d.log.Debug("notification delivered", fields...)
	case ReasonOffline:
		d.log.Info("notification not sent: offline", fields...)
	default:
		d.log.Warn("notification failed", append(fields, logx.String("detail", res.Detail), logx.Err(res.Err))...)
	}

	d.record(HistoryItem{At: time.Now(), Op: op, RecipientID: recipientID, Reason: res.Reason, Attempts: res.Attempts, Detail: res.Detail})

	if d.bus != nil {
		typ := eventbus.TypeNotifyFailed
		if res.Delivered {
			typ = eventbus.TypeNotifySent
		}
		d.bus.Publish(eventbus.Event{Type: typ, Data: Event{
			Channel:     d.ch.Name(),
			Op:          op,
			RecipientID: recipientID,
			Reason:      res.Reason.String(),
			Attempts:    res.Attempts,
			Detail:      res.Detail,
		}})
	}
	return res
}

func (d *Dispatcher) record(h HistoryItem) {
	d.mu.RLock()
	limit := d.cfg.HistorySize
	d.mu.RUnlock()

	d.hmu.Lock()
	defer d.hmu.Unlock()
	d.history = append(d.history, h)
	if over := len(d.history) - limit; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
}

// History returns recent results, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
