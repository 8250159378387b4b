package app

import (
	"strings"
	"time"

	"tutorbot/internal/config"
	"tutorbot/internal/housekeeping"
	"tutorbot/internal/notifier"
	"tutorbot/internal/notifier/broadcast"
	"tutorbot/internal/observability"
	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

const defaultDBPath = "./tutorbot.db"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultDBPath
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	ns, err := cfg.Notifier.Resolve()
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		MaxAttempts:    ns.MaxAttempts,
		InitialBackoff: ns.InitialBackoff,
		MaxBackoff:     ns.MaxBackoff,
		RatePerSec:     ns.RatePerSec,
		TextTimeout:    ns.TextTimeout,
		PhotoTimeout:   ns.PhotoTimeout,
		VideoTimeout:   ns.VideoTimeout,
	}, nil
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	ss, err := cfg.Scheduler.Resolve()
	if err != nil {
		return housekeeping.Config{}, err
	}
	return housekeeping.Config{
		Enabled:      ss.Enabled,
		Spec:         ss.PendingReport,
		NotifyOwners: ss.NotifyOwners,
		MaxAge:       ss.PendingMaxAge,
		Location:     ss.Location,
	}, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	read, err := config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, time.Minute)
	if err != nil {
		return observability.Config{}, err
	}
	return observability.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
		QueueSize:  cfg.Broadcast.QueueSize,
	}
}

// validateReload rejects a config the running services could not apply.
func validateReload(cfg *config.Config) error {
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	hk, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return err
	}
	if hk.Enabled {
		if err := housekeeping.ValidateSpec(hk.Spec); err != nil {
			return err
		}
	}
	_, err = mapObservabilityConfig(cfg)
	return err
}
