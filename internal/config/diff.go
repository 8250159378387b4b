package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tutorbot/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	// Sections lists changed top-level keys, sorted.
	Sections []string
	// RestartRequired lists changed sections that only take effect after a
	// process restart.
	RestartRequired []string
	// Fields are safe to log; secrets are reduced to *_set booleans.
	Fields []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) || ot.InitAttempts != nt.InitAttempts {
		mark("telegram", true,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
	}
	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("owners", false, logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}

	ow, nw := derefWhatsApp(oldCfg.WhatsApp), derefWhatsApp(newCfg.WhatsApp)
	if ow != nw {
		mark("whatsapp", true,
			logx.Bool("whatsapp.enabled", nw.Enabled),
			logx.Bool("whatsapp.token_set", strings.TrimSpace(nw.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Connectivity != newCfg.Connectivity {
		mark("connectivity", true,
			logx.String("connectivity.interval", newCfg.Connectivity.Interval),
			logx.String("connectivity.primary_url", newCfg.Connectivity.PrimaryURL),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		mark("notifier", false,
			logx.Int("notifier.max_attempts", newCfg.Notifier.MaxAttempts),
			logx.String("notifier.initial_backoff", newCfg.Notifier.InitialBackoff),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	if oldCfg.Pending != newCfg.Pending {
		mark("pending", false, logx.String("pending.flush_timeout", newCfg.Pending.FlushTimeout))
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) {
		mark("storage", true,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	if oo != no {
		mark("observability", false,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("observability.pprof", no.Pprof),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", false,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.pending_report", newCfg.Scheduler.PendingReport),
			logx.String("scheduler.pending_max_age", newCfg.Scheduler.PendingMaxAge),
		)
	}

	if oldCfg.Reports != newCfg.Reports {
		mark("reports", true, logx.String("reports.teacher_name", newCfg.Reports.TeacherName))
	}

	ob, nb := oldCfg.Broadcast, newCfg.Broadcast
	if ob != nb {
		// only the rate applies live
		restart := ob.Workers != nb.Workers || ob.QueueSize != nb.QueueSize
		mark("broadcast", restart,
			logx.Int("broadcast.workers", nb.Workers),
			logx.Int("broadcast.rate_per_sec", nb.RatePerSec),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}

func derefWhatsApp(w *WhatsAppConfig) WhatsAppConfig {
	if w == nil {
		return WhatsAppConfig{}
	}
	return *w
}
