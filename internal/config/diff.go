package config

import (
	"reflect"
	"slices"
	"strings"

	logx "medwatch/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured fields for logging. Secrets (bot token, admin token, DSN) are
// reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field
	section := func(name string, diff bool, fields ...logx.Field) {
		if diff {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
			!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
			ot.Token != nt.Token,
		logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.token_changed", ot.Token != nt.Token),
	)

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
	)

	nm := newCfg.Monitor
	section("monitor", oldCfg.Monitor != nm,
		logx.String("monitor.scan_interval", nm.ScanInterval),
		logx.String("monitor.digest_at", nm.DigestAt),
		logx.String("monitor.timezone", nm.Timezone),
		logx.Bool("monitor.test_on_start", nm.TestOnStart),
	)

	so, sn := oldCfg.Source, newCfg.Source
	section("source",
		so.Driver != sn.Driver || so.Path != sn.Path || so.Table != sn.Table || so.DSN != sn.DSN ||
			!reflect.DeepEqual(so.Watch, sn.Watch) || so.WaitInterval != sn.WaitInterval || so.WaitAttempts != sn.WaitAttempts,
		logx.String("source.driver", sn.Driver),
		logx.String("source.path", sn.Path),
		logx.Bool("source.dsn_set", sn.DSN != ""),
	)

	section("notify", !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify),
		logx.String("notify.sink", newCfg.Notify.Sink),
		logx.Bool("notify.chat_set", newCfg.Notify.ChatID != 0),
		logx.String("notify.permission", newCfg.Notify.Permission),
	)

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	section("notifier", (oldCfg.Notifier != nil) != (newCfg.Notifier != nil) || !reflect.DeepEqual(on, nn),
		logx.Bool("notifier.enabled", newCfg.Notifier == nil || nn.Enabled),
		logx.Int("notifier.workers", nn.Workers),
		logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		logx.Int("notifier.retry_max", nn.RetryMax),
	)

	section("ledger", oldCfg.Ledger != newCfg.Ledger,
		logx.Bool("ledger.persist", newCfg.Ledger.Persist),
		logx.Int("ledger.retain_days", newCfg.Ledger.RetainDays),
	)

	var oDriver, nDriver, oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	section("storage", oDriver != nDriver || oPath != nPath,
		logx.String("storage.driver", nDriver),
		logx.Bool("storage.path_set", nPath != ""),
	)

	oa, na := oldCfg.Admin, newCfg.Admin
	section("admin", oa != na,
		logx.Bool("admin.enabled", na.Enabled),
		logx.String("admin.addr", na.Addr),
		logx.Bool("admin.token_set", na.Token != ""),
		logx.Bool("admin.pprof", na.Pprof),
	)

	oe, ne := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	section("task_engine", (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oe, ne),
		logx.Int("task_engine.workers", ne.Workers),
		logx.Int("task_engine.queue_size", ne.QueueSize),
		logx.Int("task_engine.retry_max", ne.RetryMax),
	)

	slices.Sort(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
