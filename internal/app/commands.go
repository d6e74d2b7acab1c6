package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"medwatch/internal/admin"
	"medwatch/internal/monitor"
	"medwatch/internal/notify"
	"medwatch/internal/transport"
	logx "medwatch/pkg/logx"
	"medwatch/pkg/tgui"
)

const commandTimeout = 2 * time.Minute

// menu is published to the adapter's command menu on start.
var menu = []transport.BotCommand{
	{Command: "status", Description: "monitor status"},
	{Command: "scan", Description: "run an expiry scan now"},
	{Command: "digest", Description: "send today's digest now"},
	{Command: "test", Description: "send a test notification"},
}

// Commands routes owner commands from the chat transport to the monitor
// and replies in Telegram HTML. Messages from anyone else are ignored.
type Commands struct {
	log     logx.Logger
	adapter transport.Adapter
	backend admin.Backend

	mu     sync.RWMutex
	owners []int64

	jobs chan func()
}

func NewCommands(log logx.Logger, adapter transport.Adapter, backend admin.Backend, owners []int64) *Commands {
	return &Commands{
		log:     log,
		adapter: adapter,
		backend: backend,
		owners:  slices.Clone(owners),
		jobs:    make(chan func(), 16),
	}
}

// SetOwners is safe to call during hot reload.
func (c *Commands) SetOwners(owners []int64) {
	c.mu.Lock()
	c.owners = slices.Clone(owners)
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.owners, id)
}

// DispatchLoop reads messages until ctx ends or in is closed. Commands run
// on a single worker so a slow /scan never overlaps another command.
func (c *Commands) DispatchLoop(ctx context.Context, in <-chan transport.Message) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-c.jobs:
				c.run(job)
			}
		}
	}()
	defer wg.Wait()

	c.log.Info("command dispatcher started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("command dispatcher stopped")
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			c.route(ctx, msg)
		}
	}
}

func (c *Commands) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in command", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (c *Commands) route(ctx context.Context, msg transport.Message) {
	word, ok := commandWord(msg.Text)
	if !ok {
		return
	}
	if !c.isOwner(msg.FromID) {
		c.log.Debug("command from non-owner ignored", logx.Int64("from_id", msg.FromID), logx.String("cmd", word))
		return
	}
	var handle func(ctx context.Context) string
	switch word {
	case "status":
		handle = c.status
	case "scan":
		handle = c.scan
	case "digest":
		handle = c.digest
	case "test":
		handle = c.test
	default:
		return
	}

	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	log := c.log.With(logx.String("cmd", word), logx.Int64("from_id", msg.FromID))
	job := func() {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		reply := handle(cctx)
		if _, err := c.adapter.SendText(cctx, to, reply, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			log.Warn("command reply failed", logx.Err(err))
		}
		log.Info("command handled", logx.Duration("took", time.Since(start)))
	}
	select {
	case c.jobs <- job:
	default:
		_, _ = c.adapter.SendText(ctx, to, "busy, try again", nil)
	}
}

// commandWord extracts "scan" from "/scan@medwatch_bot extra".
func commandWord(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(text[1:], " ")
	word, _, _ = strings.Cut(word, "@")
	word = strings.ToLower(word)
	return word, word != ""
}

func (c *Commands) status(ctx context.Context) string {
	return formatStatus(c.backend.Snapshot(ctx))
}

func (c *Commands) scan(ctx context.Context) string {
	return tgui.Esc(formatReport(c.backend.ScanNow(ctx))).String()
}

func (c *Commands) digest(ctx context.Context) string {
	r := c.backend.DigestNow(ctx)
	switch {
	case r.Skipped != "":
		return "digest skipped: " + tgui.Esc(r.Skipped).String()
	case r.Error != "":
		return "digest failed: " + tgui.Esc(r.Error).String()
	default:
		return fmt.Sprintf("digest sent (%d medicines)", r.Eligible)
	}
}

func (c *Commands) test(ctx context.Context) string {
	err := c.backend.SendTest(ctx)
	switch {
	case err == nil:
		return "test notification sent"
	case errors.Is(err, notify.ErrPermission):
		return "notification permission not granted"
	default:
		return "test notification failed: " + tgui.Esc(err.Error()).String()
	}
}

func formatStatus(st monitor.Status) string {
	state := "stopped"
	if st.Running {
		state = "running since " + st.StartedAt.Format(time.DateTime)
	}
	b := tgui.New().Title("💊", "medwatch").
		KV("state", state).
		KV("permission", st.Permission).
		KV("scan every", st.ScanInterval).
		KV("digest at", st.DigestAt+" "+st.Timezone).
		KV("next digest", st.NextDigest.Format(time.DateTime)).
		KV("ledger keys", strconv.Itoa(st.LedgerKeys))
	if st.LastScan != nil {
		b.KV("last scan", formatReport(*st.LastScan))
	}
	if st.LastDigest != nil {
		b.KV("last digest", st.LastDigest.At.Format(time.DateTime))
	}
	return b.String()
}

// formatReport returns plain text; callers escape it.
func formatReport(r monitor.Report) string {
	if r.Skipped != "" {
		return fmt.Sprintf("%s skipped (%s)", r.Day, r.Skipped)
	}
	return fmt.Sprintf("%s: %d eligible, %d fired, %d duplicate, %d failed", r.Day, r.Eligible, r.Fired, r.Duplicates, r.Failed)
}
