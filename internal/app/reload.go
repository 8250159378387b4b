package app

import (
	"context"
	"strings"

	"tutorbot/internal/config"
	"tutorbot/internal/eventbus"
	logx "tutorbot/pkg/logx"
)

// reloadLoop applies hot-reloaded configs. Sections that need a restart
// are only reported.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("owners") {
		a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}
	if ch.Has("notifier") {
		if ncfg, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			for _, d := range a.dispatchers {
				d.Apply(ncfg)
			}
		}
	}
	if ch.Has("scheduler") {
		hk, err := mapHousekeepingConfig(newCfg)
		if err == nil {
			err = a.house.Apply(hk)
		}
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		}
	}
	if ch.Has("broadcast") {
		a.bcast.Apply(mapBroadcastConfig(newCfg))
	}
	if ch.Has("pending") {
		a.log.Info("pending.flush_timeout applies to the next start only")
	}
	if ch.Has("observability") {
		if oc, err := mapObservabilityConfig(newCfg); err != nil {
			a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
		} else {
			a.obs.Reconfigure(c, oc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: ch.Sections})
}
