// Package housekeeping runs the scheduled pending-queue report and the
// optional age-based purge.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Spec is a cron expression; seconds are optional. Descriptors such as
	// "@daily" and "@every 1h" work too.
	Spec         string
	NotifyOwners bool
	// MaxAge purges records older than this; 0 keeps everything.
	MaxAge   time.Duration
	Location *time.Location
	// Timeout bounds one run (default 1m).
	Timeout time.Duration
}

// OwnerSender reaches operators directly, outside the retry pipeline.
type OwnerSender interface {
	SendPlain(ctx context.Context, chatID int64, text string) error
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// WithOwners supplies the current owner chat ids; it is read on every run
// so hot-reloaded owner lists apply.
func WithOwners(fn func() []int64) Option { return func(s *Service) { s.owners = fn } }

func WithSender(out OwnerSender) Option { return func(s *Service) { s.out = out } }

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Report is the result of one run.
type Report struct {
	Stats  storage.PendingStats
	Purged int
	At     time.Time
}

type Service struct {
	db     storage.PendingStore
	parser cron.Parser
	log    logx.Logger
	owners func() []int64
	out    OwnerSender
	now    func() time.Time

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	base context.Context
	last Report
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a schedule the service accepts.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

func New(db storage.PendingStore, cfg Config, opts ...Option) *Service {
	s := &Service{db: db, parser: parser, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "housekeeping"))
	return s
}

// Start schedules the job. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Debug("housekeeping disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := strings.TrimSpace(s.cfg.Spec)
	if _, err := c.AddFunc(spec, s.scheduled); err != nil {
		return fmt.Errorf("schedule pending report %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping scheduled",
		logx.String("spec", spec),
		logx.String("tz", loc.String()),
		logx.Duration("max_age", s.cfg.MaxAge),
	)
	return nil
}

// Stop waits for a running job until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config, rescheduling when the service is running.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if err := ValidateSpec(cfg.Spec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	started := s.base != nil
	old := s.c
	s.c = nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	// A running job takes s.mu, so wait for it unlocked.
	if old != nil {
		<-old.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("housekeeping disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Last returns the most recent report (zero before the first run).
func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) scheduled() {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if _, err := s.RunOnce(base); err != nil {
		s.log.Warn("housekeeping run failed", logx.Err(err))
	}
}

// RunOnce purges (when MaxAge is set), reports the queue and notifies
// owners when configured.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	cfg := s.config()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := s.now()
	rep := Report{At: now}
	if cfg.MaxAge > 0 {
		n, err := s.db.PurgePendingBefore(ctx, now.Add(-cfg.MaxAge))
		if err != nil {
			return rep, fmt.Errorf("purge pending: %w", err)
		}
		rep.Purged = n
		if n > 0 {
			s.log.Warn("purged old pending notifications", logx.Int("count", n), logx.Duration("max_age", cfg.MaxAge))
		}
	}

	st, err := s.db.PendingStats(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("pending stats: %w", err)
	}
	rep.Stats = st

	fields := []logx.Field{logx.Int("count", st.Count)}
	if st.Count > 0 {
		fields = append(fields, logx.Time("oldest", st.Oldest), logx.Duration("oldest_age", now.Sub(st.Oldest)))
	}
	s.log.Info("pending queue report", fields...)

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	if cfg.NotifyOwners && (st.Count > 0 || rep.Purged > 0) {
		s.notifyOwners(ctx, FormatReport(rep))
	}
	return rep, nil
}

func (s *Service) notifyOwners(ctx context.Context, text string) {
	if s.out == nil || s.owners == nil {
		return
	}
	for _, id := range s.owners() {
		if err := s.out.SendPlain(ctx, id, text); err != nil {
			s.log.Warn("owner report not delivered", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

// FormatReport renders rep for operators.
func FormatReport(rep Report) string {
	var b strings.Builder
	if rep.Stats.Count == 0 {
		b.WriteString("📭 No pending notifications.")
	} else {
		fmt.Fprintf(&b, "📬 Pending notifications: %d (oldest queued %s).",
			rep.Stats.Count, humanize.RelTime(rep.Stats.Oldest, rep.At, "ago", "from now"))
	}
	if rep.Purged > 0 {
		fmt.Fprintf(&b, "\n🗑 Purged %d expired.", rep.Purged)
	}
	return b.String()
}

// cronLogger routes cron's own messages to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
