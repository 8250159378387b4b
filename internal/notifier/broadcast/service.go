package broadcast

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	rtsup "tutorbot/internal/runtime/supervisor"
	logx "tutorbot/pkg/logx"
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "broadcast")),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:     make(chan job, cfg.QueueSize),
		status:    map[string]*JobStatus{},
		statusMax: 100,
		statusTTL: 24 * time.Hour,
	}
}

// Apply updates the send rate. Worker count and queue size apply on the
// next start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Start launches the worker pool. Queued jobs survive a Stop/Start cycle.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart("broadcast.worker."+strconv.Itoa(i), s.worker,
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop cancels running jobs and waits for workers until ctx ends. A job cut
// short keeps its partial counts.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("broadcast stop timed out", logx.Err(err))
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}
