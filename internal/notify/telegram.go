package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"medwatch/internal/transport"
	logx "medwatch/pkg/logx"
	"medwatch/pkg/tgui"
)

type TelegramConfig struct {
	Target transport.ChatTarget
	// Permission is "auto" (granted iff a chat is configured), "granted",
	// "denied" or "default".
	Permission string
	// ReplaceByTag edits the previous message with the same tag instead of
	// posting a new one. The daily digest is always posted fresh.
	ReplaceByTag bool
	TagCacheSize int
	OpenLabel    string
}

// TelegramSink renders notifications as HTML chat messages.
type TelegramSink struct {
	adapter transport.Adapter
	log     logx.Logger

	mu   sync.RWMutex
	cfg  TelegramConfig
	tags *lru.Cache[string, transport.MessageRef]
}

func NewTelegramSink(adapter transport.Adapter, cfg TelegramConfig, log logx.Logger) (*TelegramSink, error) {
	size := cfg.TagCacheSize
	if size <= 0 {
		size = 256
	}
	tags, err := lru.New[string, transport.MessageRef](size)
	if err != nil {
		return nil, err
	}
	return &TelegramSink{adapter: adapter, cfg: cfg, tags: tags, log: log.With(logx.Component("notify.telegram"))}, nil
}

// Apply swaps target and permission at runtime. The tag cache survives.
func (s *TelegramSink) Apply(cfg TelegramConfig) {
	s.mu.Lock()
	if cfg.Target != s.cfg.Target {
		s.tags.Purge()
	}
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *TelegramSink) Permission(ctx context.Context) Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch strings.ToLower(strings.TrimSpace(s.cfg.Permission)) {
	case "", "auto":
		if s.cfg.Target.ChatID == 0 {
			return PermissionDefault
		}
		return PermissionGranted
	default:
		if s.cfg.Target.ChatID == 0 {
			return PermissionDefault
		}
		return ParsePermission(strings.ToLower(s.cfg.Permission))
	}
}

func (s *TelegramSink) Deliver(ctx context.Context, n Notification) error {
	if s.Permission(ctx) != PermissionGranted {
		return ErrPermission
	}
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	text := RenderHTML(n)
	opt := &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Silent:         len(n.Vibrate) == 0,
	}
	if n.Data.URL != "" && wantsOpenButton(n) {
		label := cfg.OpenLabel
		if label == "" {
			label = "🖖 Otevřít protokol"
		}
		opt.Buttons = []transport.Button{{Text: label, URL: n.Data.URL}}
	}

	if cfg.ReplaceByTag && replaceable(n.Tag) {
		if ref, ok := s.tags.Get(n.Tag); ok {
			err := s.adapter.EditText(ctx, ref, text, opt)
			if err == nil {
				return nil
			}
			s.log.Debug("edit by tag failed, sending new message", logx.String("tag", n.Tag), logx.Err(err))
			s.tags.Remove(n.Tag)
		}
	}

	ref, err := s.adapter.SendText(ctx, cfg.Target, text, opt)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if n.Tag != "" {
		s.tags.Add(n.Tag, ref)
	}
	return nil
}

// SendLog implements logx.ChatSender over the same target.
func (s *TelegramSink) SendLog(ctx context.Context, text string) error {
	s.mu.RLock()
	to := s.cfg.Target
	s.mu.RUnlock()
	if to.ChatID == 0 {
		return nil
	}
	_, err := s.adapter.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true, Silent: true})
	return err
}

// replaceable reports whether a message with tag may be edited in place.
// Each morning's digest is a new message so the chat alerts again.
func replaceable(tag string) bool {
	return tag != "" && tag != TagDailyReminder
}

func wantsOpenButton(n Notification) bool {
	if len(n.Actions) == 0 {
		return n.RequireInteraction || n.Data.Type == TypeDailyReminder
	}
	for _, a := range n.Actions {
		if a.Action == "open" {
			return true
		}
	}
	return false
}

// maxBodyRunes leaves room for the title and the attention marker.
const maxBodyRunes = tgui.MaxMessageRunes - 300

// RenderHTML formats a notification as Telegram HTML: bold title, body,
// and a marker line when the notification demands attention.
func RenderHTML(n Notification) string {
	b := tgui.New().Title("", n.Title)
	if body := strings.TrimSpace(n.Body); body != "" {
		b.Line("").Lines(tgui.TruncRunes(body, maxBodyRunes))
	}
	if n.RequireInteraction {
		b.Line("").RawLine(tgui.I("Vyžaduje pozornost"))
	}
	return b.String()
}
