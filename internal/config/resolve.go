package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durations collects the first parse error so callers can resolve a whole
// section before checking.
type durations struct{ err error }

func (d *durations) get(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

const (
	DefaultPrimaryURL   = "https://www.google.com"
	DefaultAlternateURL = "https://www.cloudflare.com"
	DefaultReportCron   = "0 8 * * *"
)

type ConnectivitySettings struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	StopTimeout  time.Duration
	PrimaryURL   string
	AlternateURL string
}

func (c ConnectivityConfig) Resolve() (ConnectivitySettings, error) {
	var d durations
	out := ConnectivitySettings{
		Interval:     d.get("connectivity.interval", c.Interval, 5*time.Second),
		ProbeTimeout: d.get("connectivity.probe_timeout", c.ProbeTimeout, 1500*time.Millisecond),
		StopTimeout:  d.get("connectivity.stop_timeout", c.StopTimeout, time.Second),
		PrimaryURL:   orDefault(c.PrimaryURL, DefaultPrimaryURL),
		AlternateURL: orDefault(c.AlternateURL, DefaultAlternateURL),
	}
	return out, d.err
}

type NotifierSettings struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RatePerSec     int
	TextTimeout    time.Duration
	PhotoTimeout   time.Duration
	VideoTimeout   time.Duration
}

func (n NotifierConfig) Resolve() (NotifierSettings, error) {
	var d durations
	out := NotifierSettings{
		MaxAttempts:    n.MaxAttempts,
		InitialBackoff: d.get("notifier.initial_backoff", n.InitialBackoff, time.Second),
		MaxBackoff:     d.get("notifier.max_backoff", n.MaxBackoff, 30*time.Second),
		RatePerSec:     n.RatePerSec,
		TextTimeout:    d.get("notifier.text_timeout", n.TextTimeout, 10*time.Second),
		PhotoTimeout:   d.get("notifier.photo_timeout", n.PhotoTimeout, 20*time.Second),
		VideoTimeout:   d.get("notifier.video_timeout", n.VideoTimeout, 60*time.Second),
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RatePerSec < 0 {
		out.RatePerSec = 0
	}
	if d.err == nil && out.MaxBackoff < out.InitialBackoff {
		d.err = fmt.Errorf("notifier.max_backoff must be >= notifier.initial_backoff")
	}
	return out, d.err
}

type SchedulerSettings struct {
	Enabled       bool
	PendingReport string
	NotifyOwners  bool
	PendingMaxAge time.Duration // 0 keeps records forever
	Location      *time.Location
}

func (s SchedulerConfig) Resolve() (SchedulerSettings, error) {
	out := SchedulerSettings{
		Enabled:       s.Enabled,
		PendingReport: orDefault(s.PendingReport, DefaultReportCron),
		NotifyOwners:  s.NotifyOwners,
		Location:      time.Local,
	}
	age, err := ParseDurationField("scheduler.pending_max_age", s.PendingMaxAge)
	if err != nil {
		return out, err
	}
	out.PendingMaxAge = age
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("scheduler.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

// Validate checks everything that can be checked without I/O.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if wa := cfg.WhatsApp; wa != nil && wa.Enabled {
		if strings.TrimSpace(wa.Token) == "" || strings.TrimSpace(wa.PhoneNumberID) == "" {
			return fmt.Errorf("whatsapp: token and phone_number_id are required when enabled")
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("pending.flush_timeout", cfg.Pending.FlushTimeout); err != nil {
		return err
	}
	if _, err := cfg.Connectivity.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Notifier.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Scheduler.Resolve(); err != nil {
		return err
	}
	if b := cfg.Broadcast; b.Workers < 0 || b.RatePerSec < 0 || b.QueueSize < 0 {
		return fmt.Errorf("broadcast: workers, rate_per_sec and queue_size must be >= 0")
	}
	if _, err := ParseDurationField("observability.read_timeout", cfg.Observability.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("observability.idle_timeout", cfg.Observability.IdleTimeout); err != nil {
		return err
	}
	return nil
}

func orDefault(s, def string) string {
	if v := strings.TrimSpace(s); v != "" {
		return v
	}
	return def
}
