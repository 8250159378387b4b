package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tutorbot/internal/bot"
	"tutorbot/internal/config"
	"tutorbot/internal/connectivity"
	"tutorbot/internal/eventbus"
	"tutorbot/internal/housekeeping"
	"tutorbot/internal/notifier"
	"tutorbot/internal/notifier/broadcast"
	"tutorbot/internal/observability"
	"tutorbot/internal/pending"
	rtsup "tutorbot/internal/runtime/supervisor"
	"tutorbot/internal/storage"
	kit "tutorbot/internal/transport"
	"tutorbot/internal/transport/telegram"
	"tutorbot/internal/transport/whatsapp"
	logx "tutorbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	// sends runs deliveries started by operator commands; it outlives the
	// dispatch loop so Stop can wait for them.
	sends *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *observability.Metrics

	monitor     *connectivity.Monitor
	adapter     *telegram.Adapter
	dispatchers []*notifier.Dispatcher
	queues      []*pending.Store

	router *bot.Router
	bcast  *broadcast.Service
	house  *housekeeping.Service
	obs    *observability.Server

	flushOnce sync.Once
	flushTO   time.Duration

	updates chan kit.Update
}

// New builds every component from the config file. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Telegram sink gets its sender once the adapter exists.
	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: observability.NewMetrics(),
		updates: make(chan kit.Update, 256),
	}
	a.sends = rtsup.New(ctx, rtsup.WithLogger(root.With(logx.String("comp", "sends"))), rtsup.WithCancelOnError(false))
	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	cs, err := cfg.Connectivity.Resolve()
	if err != nil {
		return nil, err
	}
	a.monitor = connectivity.New(
		connectivity.NewHTTPProber(cs.PrimaryURL, cs.AlternateURL, cs.ProbeTimeout),
		connectivity.WithInterval(cs.Interval),
		connectivity.WithStopTimeout(cs.StopTimeout),
		connectivity.WithGauge(a.metrics.Online),
		connectivity.WithBus(a.bus),
		connectivity.WithLogger(root.With(logx.String("comp", "connectivity"))),
	)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	a.adapter, err = telegram.New(ctx, telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  pollTimeout,
		InitAttempts: cfg.Telegram.InitAttempts,
	}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(a.adapter)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	tgQueue := a.addChannel(a.adapter, ncfg, root)
	var waQueue bot.Queue
	if wc := cfg.WhatsApp; wc != nil && wc.Enabled {
		wa, err := whatsapp.New(whatsapp.Config{
			Token:         wc.Token,
			PhoneNumberID: wc.PhoneNumberID,
			APIBase:       wc.APIBase,
		}, root.With(logx.String("comp", "whatsapp")))
		if err != nil {
			return nil, err
		}
		waQueue = a.addChannel(wa, ncfg, root)
	}

	if a.flushTO, err = config.ParseDurationField("pending.flush_timeout", cfg.Pending.FlushTimeout); err != nil {
		return nil, err
	}

	a.bcast = broadcast.New(mapBroadcastConfig(cfg), root)
	a.router = bot.NewRouter(a.adapter, cfg.Telegram.OwnerUserIDs, root)
	a.router.Register(bot.NewService(bot.Deps{
		Students:    a.store,
		Telegram:    tgQueue,
		WhatsApp:    waQueue,
		Status:      a.monitor,
		BotUsername: a.adapter.Username,
		Sup:         a.sends,
		Broadcast:   a.bcast,
		TeacherName: cfg.Reports.TeacherName,
		Log:         root.With(logx.String("comp", "bot")),
	}).Commands()...)

	hk, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.house = housekeeping.New(a.store, hk,
		housekeeping.WithLogger(root),
		housekeeping.WithSender(a.adapter),
		housekeeping.WithOwners(a.owners),
	)

	oc, err := mapObservabilityConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.obs = observability.NewServer(oc, a.metrics.Registry, a.health, root)

	ok = true
	return a, nil
}

// addChannel wires a dispatcher and its pending store for ch.
func (a *App) addChannel(ch kit.Channel, cfg notifier.Config, root logx.Logger) *pending.Store {
	log := root.With(logx.String("channel", ch.Name()))
	d := notifier.New(ch, a.monitor, cfg,
		notifier.WithLogger(log.With(logx.String("comp", "notifier"))),
		notifier.WithBus(a.bus),
		notifier.WithMetrics(a.metrics.Attempts, a.metrics.Results),
	)
	q := pending.New(a.store, d,
		pending.WithLogger(log.With(logx.String("comp", "pending"))),
		pending.WithBus(a.bus),
	)
	a.dispatchers = append(a.dispatchers, d)
	a.queues = append(a.queues, q)
	return q
}

func (a *App) closeEarly() {
	a.sends.Cancel()
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) owners() []int64 {
	if cfg := a.cfgm.Get(); cfg != nil {
		return cfg.Telegram.OwnerUserIDs
	}
	return nil
}

func (a *App) health(ctx context.Context) observability.Health {
	h := observability.Health{
		Online:      a.monitor.Online(),
		LastChecked: a.monitor.LastChecked(),
		Pending:     map[string]int{},
	}
	for _, q := range a.queues {
		if st, err := q.Stats(ctx); err == nil {
			h.Pending[q.Channel()] = st.Count
		}
	}
	return h
}

func (a *App) countPending(ctx context.Context, channel string) (int, error) {
	st, err := a.store.PendingStats(ctx, channel)
	return st.Count, err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the startup sequence: connectivity monitor, the one-time
// pending flush, then command dispatch and polling.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateReload(cfg) })
	run := a.sup.Context()

	a.sup.Go0("metrics.observe", a.metrics.Follow(a.bus, a.countPending))

	a.monitor.Start()
	a.FlushPending(run)
	for _, q := range a.queues {
		if n, err := a.countPending(run, q.Channel()); err == nil {
			a.metrics.Pending.WithLabelValues(q.Channel()).Set(float64(n))
		}
	}

	menuCtx, cancel := context.WithTimeout(run, 10*time.Second)
	if err := a.router.SyncMenu(menuCtx); err != nil {
		a.log.Warn("command menu not updated", logx.Err(err))
	}
	cancel()

	a.bcast.Start(run)
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	if err := a.house.Start(run); err != nil {
		return err
	}
	a.obs.Start(run)

	a.sup.Go0("eventbus.log", a.logEvents)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()
	a.log.Info("app started")
	return nil
}

// FlushPending resends queued notifications of every channel. Only the
// first call per process does anything.
func (a *App) FlushPending(ctx context.Context) {
	a.flushOnce.Do(func() {
		if a.flushTO > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.flushTO)
			defer cancel()
		}
		for _, q := range a.queues {
			n, err := q.FlushAll(ctx)
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				a.log.Warn("pending flush timed out", logx.String("channel", q.Channel()), logx.Int("delivered", n))
			case err != nil:
				a.log.Error("pending flush failed", logx.String("channel", q.Channel()), logx.Int("delivered", n), logx.Err(err))
			case n > 0:
				a.log.Info("pending notifications delivered", logx.String("channel", q.Channel()), logx.Int("count", n))
			}
		}
	})
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
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	a.sup.Cancel()

	a.step(ctx, "housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	a.step(ctx, "observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	a.step(ctx, "broadcast", 2*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "connectivity", 2*time.Second, func(context.Context) error {
		if !a.monitor.Stop() {
			return errors.New("probe loop did not stop in time")
		}
		return nil
	})
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "sends", 3*time.Second, a.sends.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
