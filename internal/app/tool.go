package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"medwatch/internal/config"
	"medwatch/internal/medicine"
	"medwatch/internal/monitor"
	"medwatch/internal/notify"
	"medwatch/internal/source"
	"medwatch/internal/transport/telegram"
	"medwatch/pkg/clock"
	logx "medwatch/pkg/logx"
)

type ToolOptions struct {
	// Date pins the clock to 09:00 of YYYY-MM-DD in the monitor timezone.
	Date string
	// DryRun delivers into an in-memory recorder instead of the sink.
	DryRun bool
	Log    logx.Logger
}

// Tool wires a config for one-shot commands: no scheduler, no admin, no
// storage and a fresh in-memory ledger. The sink is used directly, without
// the notifier pipeline.
type Tool struct {
	Monitor *monitor.Monitor
	Now     time.Time

	rec      *notify.Recorder
	closeSrc func() error
}

func OpenTool(ctx context.Context, cfgPath string, opt ToolOptions) (*Tool, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if err := validate(ctx, cfg); err != nil {
		return nil, err
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	monCfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	monCfg.TestOnStart = false
	monCfg.RetainDays = 0
	loc := time.Local
	if monCfg.Timezone != "" {
		if loc, err = time.LoadLocation(monCfg.Timezone); err != nil {
			return nil, err
		}
	}

	var clk clock.Clock = clock.Real{}
	now := time.Now().In(loc)
	if d := strings.TrimSpace(opt.Date); d != "" {
		day, err := medicine.ParseDate(d)
		if err != nil {
			return nil, fmt.Errorf("--date: %w", err)
		}
		now = time.Date(day.Year, day.Month, day.Day, 9, 0, 0, 0, loc)
		clk = clock.NewManual(now)
	}

	t := &Tool{Now: now}
	var sink notify.Sink
	if opt.DryRun {
		t.rec = notify.NewRecorder()
		sink = t.rec
	} else if sink, err = toolSink(cfg, log); err != nil {
		return nil, err
	}

	srcCfg, _, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	src, closeSrc, err := source.Open(ctx, srcCfg, log.With(logx.Component("source")))
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	t.closeSrc = closeSrc

	t.Monitor, err = monitor.New(monCfg, monitor.Deps{Source: src, Sink: sink, Clock: clk, Log: log})
	if err != nil {
		_ = closeSrc()
		return nil, err
	}
	return t, nil
}

// toolSink returns nil for notify.sink=none so the monitor reports
// ErrUnsupported.
func toolSink(cfg *config.Config, log logx.Logger) (notify.Sink, error) {
	kind, err := sinkKind(cfg)
	if err != nil {
		return nil, err
	}
	switch kind {
	case sinkTelegram:
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		// Sending works without starting the poller.
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		return notify.NewTelegramSink(ad, mapTelegramSinkConfig(cfg), log)
	case sinkLog:
		return notify.LogSink{Log: log.With(logx.Component("notify.log"))}, nil
	default:
		return nil, nil
	}
}

// Recorded returns what a dry run would have delivered.
func (t *Tool) Recorded() []notify.Notification {
	if t.rec == nil {
		return nil
	}
	return t.rec.Delivered()
}

func (t *Tool) Close() error {
	if t.closeSrc == nil {
		return nil
	}
	return t.closeSrc()
}
