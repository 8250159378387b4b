package config

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	WhatsApp      *WhatsAppConfig     `json:"whatsapp,omitempty"`
	Logging       LoggingConfig       `json:"logging"`
	Connectivity  ConnectivityConfig  `json:"connectivity"`
	Notifier      NotifierConfig      `json:"notifier"`
	Pending       PendingConfig       `json:"pending"`
	Storage       StorageConfig       `json:"storage"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Reports       ReportsConfig       `json:"reports,omitempty"`
	Broadcast     BroadcastConfig     `json:"broadcast,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// InitAttempts bounds getMe retries while creating the bot client (default 3).
	InitAttempts int `json:"init_attempts,omitempty"`
}

// WhatsAppConfig enables the WhatsApp Cloud API channel. Omit the section to
// run Telegram only.
type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"`
	PhoneNumberID string `json:"phone_number_id"`
	// APIBase defaults to "https://graph.facebook.com/v21.0".
	APIBase string `json:"api_base,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ConnectivityConfig controls the reachability monitor.
//
// Defaults: interval "5s", probe_timeout "1.5s", stop_timeout "1s",
// primary_url "https://www.google.com", alternate_url "https://www.cloudflare.com".
type ConnectivityConfig struct {
	Interval     string `json:"interval,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
	StopTimeout  string `json:"stop_timeout,omitempty"`
	PrimaryURL   string `json:"primary_url,omitempty"`
	AlternateURL string `json:"alternate_url,omitempty"`
}

// NotifierConfig controls retry and per-attempt timeouts of the dispatcher.
//
// Defaults: max_attempts 3, initial_backoff "1s", max_backoff "30s",
// text_timeout "10s", photo_timeout "20s", video_timeout "60s".
// rate_per_sec 0 disables rate limiting.
type NotifierConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	InitialBackoff string `json:"initial_backoff,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	TextTimeout    string `json:"text_timeout,omitempty"`
	PhotoTimeout   string `json:"photo_timeout,omitempty"`
	VideoTimeout   string `json:"video_timeout,omitempty"`
}

type PendingConfig struct {
	// FlushTimeout bounds the startup flush ("0s" or empty means no bound).
	FlushTimeout string `json:"flush_timeout,omitempty"`
}

// StorageConfig selects the durable backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tutorbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ObservabilityConfig controls the HTTP server exposing /healthz, /metrics
// and optionally pprof.
//
// Prefer a loopback address. A non-loopback bind needs a token or an
// explicit allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// SchedulerConfig controls the pending-queue housekeeping job.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// PendingReport is a cron expression (seconds optional). Default "0 8 * * *".
	PendingReport string `json:"pending_report,omitempty"`
	NotifyOwners  bool   `json:"notify_owners,omitempty"`
	// PendingMaxAge purges older records when set; empty keeps them forever.
	PendingMaxAge string `json:"pending_max_age,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// ReportsConfig holds defaults for generated reports.
type ReportsConfig struct {
	// TeacherName fills {teacher_name} unless a command overrides it.
	TeacherName string `json:"teacher_name,omitempty"`
}

// BroadcastConfig controls /broadcast jobs. Defaults: workers 2,
// rate_per_sec 10, queue_size 16.
type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
}
