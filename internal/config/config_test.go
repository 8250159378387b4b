package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
logging:
  level: debug
  console: true
connectivity:
  interval: 2s
notifier:
  max_attempts: 4
storage:
  driver: sqlite
  path: ./tutorbot.db
scheduler:
  enabled: true
`

func TestDecodeYAMLAndResolveDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}

	conn, err := cfg.Connectivity.Resolve()
	if err != nil {
		t.Fatalf("connectivity: %v", err)
	}
	if conn.Interval != 2*time.Second || conn.ProbeTimeout != 1500*time.Millisecond || conn.StopTimeout != time.Second {
		t.Fatalf("unexpected connectivity settings: %+v", conn)
	}
	if conn.PrimaryURL != DefaultPrimaryURL || conn.AlternateURL != DefaultAlternateURL {
		t.Fatalf("unexpected endpoints: %+v", conn)
	}

	n, err := cfg.Notifier.Resolve()
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	if n.MaxAttempts != 4 || n.InitialBackoff != time.Second || n.MaxBackoff != 30*time.Second {
		t.Fatalf("unexpected notifier settings: %+v", n)
	}
	if n.TextTimeout != 10*time.Second || n.PhotoTimeout != 20*time.Second || n.VideoTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts: %+v", n)
	}

	s, err := cfg.Scheduler.Resolve()
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if s.PendingReport != DefaultReportCron || s.PendingMaxAge != 0 {
		t.Fatalf("unexpected scheduler settings: %+v", s)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		path string
		data string
	}{
		{"unknown json key", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing json", "c.json", `{"telegram":{"token":"x"}} {}`},
		{"unknown yaml key", "c.yml", "telegram:\n  token: x\n  group_log: y\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.data)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config { return &Config{Telegram: TelegramConfig{Token: "t"}} }
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"bad duration", func(c *Config) { c.Connectivity.Interval = "soon" }, "connectivity.interval"},
		{"backoff order", func(c *Config) { c.Notifier.InitialBackoff = "1m"; c.Notifier.MaxBackoff = "1s" }, "max_backoff"},
		{"whatsapp incomplete", func(c *Config) { c.WhatsApp = &WhatsAppConfig{Enabled: true} }, "whatsapp"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"negative broadcast", func(c *Config) { c.Broadcast.Workers = -1 }, "broadcast"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", OwnerUserIDs: []int64{1}}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b", OwnerUserIDs: []int64{1, 2}},
		Notifier: NotifierConfig{MaxAttempts: 5},
	}
	ch := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"notifier", "owners", "telegram"}
	if strings.Join(ch.Sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", ch.Sections, want)
	}
	if len(ch.RestartRequired) != 1 || ch.RestartRequired[0] != "telegram" {
		t.Fatalf("restart required = %v", ch.RestartRequired)
	}
	if !ch.Has("owners") || ch.Has("storage") {
		t.Fatal("Has mismatch")
	}
}

func TestBroadcastRateIsHot(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Broadcast: BroadcastConfig{RatePerSec: 10}}

	ch := SummarizeConfigChange(oldCfg, &Config{Broadcast: BroadcastConfig{RatePerSec: 3}})
	if !ch.Has("broadcast") || len(ch.RestartRequired) != 0 {
		t.Fatalf("rate change: %+v", ch)
	}
	ch = SummarizeConfigChange(oldCfg, &Config{Broadcast: BroadcastConfig{RatePerSec: 10, Workers: 4}})
	if len(ch.RestartRequired) != 1 || ch.RestartRequired[0] != "broadcast" {
		t.Fatalf("workers change: %+v", ch)
	}
}

func TestManagerReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"telegram":{"token":"x"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	write(`{"telegram":{"token":"x"},"notifier":{"max_attempts":5}}`)
	changed, err := m.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("changed reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Notifier.MaxAttempts != 5 {
			t.Fatalf("published cfg = %+v", cfg.Notifier)
		}
	default:
		t.Fatal("expected a published config")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return context.Canceled })
	write(`{"telegram":{"token":"y"}}`)
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("validator rejection should surface")
	}
	if m.Get().Telegram.Token != "x" {
		t.Fatal("rejected config must not be committed")
	}
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	d := &debouncer{delay: 30 * time.Millisecond, fn: func() { runs.Add(1) }}
	for i := 0; i < 5; i++ {
		d.trigger()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	d.trigger()
	d.stop()
	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("stopped debouncer ran: runs = %d", got)
	}
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 100; i++ {
		if got := jitter(time.Second); got < time.Second || got > 1500*time.Millisecond {
			t.Fatalf("jitter(1s) = %v", got)
		}
	}
}
