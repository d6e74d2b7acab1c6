package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"medwatch/internal/transport"
	logx "medwatch/pkg/logx"
)

type fakeAdapter struct {
	mu     sync.Mutex
	sent   []string
	opts   []*transport.SendOptions
	edits  []transport.MessageRef
	nextID int

	editErr error
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Message) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, text)
	f.opts = append(f.opts, opt)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, ref)
	return nil
}

func TestRelayDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	fg := Relay(PushMessage{}, now, "https://app.example/")
	if fg.Title != "Lékařský Protokol" || fg.Body != "Nová zpráva" || fg.Tag != TagPush {
		t.Fatalf("foreground defaults wrong: %+v", fg)
	}
	if len(fg.Actions) != 0 || fg.Data.URL != "https://app.example/" || fg.Data.ID == "" {
		t.Fatalf("foreground payload wrong: %+v", fg)
	}

	bg := Relay(PushMessage{Background: true, Data: map[string]string{"url": "https://other/"}}, now, "https://app.example/")
	if bg.Title != "🚀 Lékařský Protokol" || bg.Tag != TagPushBG {
		t.Fatalf("background defaults wrong: %+v", bg)
	}
	if len(bg.Actions) != 2 || bg.Actions[0].Action != "open" || bg.Data.URL != "https://other/" {
		t.Fatalf("background actions/url wrong: %+v", bg)
	}

	var msg PushMessage
	msg.Notification.Title = "Ahoj"
	msg.Notification.Tag = "custom"
	got := Relay(msg, now, "")
	if got.Title != "Ahoj" || got.Tag != "custom" {
		t.Fatalf("explicit fields not kept: %+v", got)
	}
}

func TestTestNotification(t *testing.T) {
	t.Parallel()

	n := Test(time.Now(), "u")
	if n.Tag != TagTest || n.RequireInteraction || len(n.Vibrate) != 3 {
		t.Fatalf("test notification wrong: %+v", n)
	}
	if n.Body != "Notifikace fungují perfektně, admirále Jiříku! 🖖" {
		t.Fatalf("Body=%q", n.Body)
	}
}

func TestRenderHTMLEscapes(t *testing.T) {
	t.Parallel()

	got := RenderHTML(Notification{Title: "A<B", Body: "x & y", RequireInteraction: true})
	if !strings.HasPrefix(got, "<b>A&lt;B</b>\n\nx &amp; y") {
		t.Fatalf("RenderHTML=%q", got)
	}
	if !strings.Contains(got, "Vyžaduje pozornost") {
		t.Fatalf("missing attention marker: %q", got)
	}
}

func TestTelegramSinkPermission(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		chat int64
		perm string
		want Permission
	}{
		{"no chat", 0, "auto", PermissionDefault},
		{"auto with chat", 42, "", PermissionGranted},
		{"denied", 42, "denied", PermissionDenied},
		{"explicit default", 42, "default", PermissionDefault},
		{"granted without chat", 0, "granted", PermissionDefault},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewTelegramSink(&fakeAdapter{}, TelegramConfig{Target: transport.ChatTarget{ChatID: tc.chat}, Permission: tc.perm}, logx.Nop())
			if err != nil {
				t.Fatalf("NewTelegramSink: %v", err)
			}
			if got := s.Permission(context.Background()); got != tc.want {
				t.Fatalf("Permission=%v want %v", got, tc.want)
			}
		})
	}
}

func TestTelegramSinkDeliver(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s, err := NewTelegramSink(ad, TelegramConfig{Target: transport.ChatTarget{ChatID: 7}, ReplaceByTag: true}, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}
	ctx := context.Background()

	n := Notification{Title: "t", Body: "b", Tag: "medicine-urgent-m1", Vibrate: VibrateDefault, RequireInteraction: true, Data: Data{Type: "urgent", URL: "https://app/"}}
	if err := s.Deliver(ctx, n); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(ad.sent) != 1 || ad.opts[0].Silent || len(ad.opts[0].Buttons) != 1 {
		t.Fatalf("first delivery wrong: sent=%d opts=%+v", len(ad.sent), ad.opts)
	}

	// Same tag replaces the previous message.
	if err := s.Deliver(ctx, n); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(ad.sent) != 1 || len(ad.edits) != 1 || ad.edits[0].MessageID != 1 {
		t.Fatalf("expected edit of message 1, sent=%d edits=%+v", len(ad.sent), ad.edits)
	}

	// A failed edit falls back to a fresh send.
	ad.editErr = errors.New("message to edit not found")
	if err := s.Deliver(ctx, n); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(ad.sent) != 2 {
		t.Fatalf("expected fallback send, sent=%d", len(ad.sent))
	}

	silent := Notification{Title: "quiet", Tag: "x"}
	if err := s.Deliver(ctx, silent); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !ad.opts[len(ad.opts)-1].Silent {
		t.Fatalf("notification without vibration should be silent")
	}
}

func TestTelegramSinkPostsEachDigestFresh(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s, err := NewTelegramSink(ad, TelegramConfig{Target: transport.ChatTarget{ChatID: 7}, ReplaceByTag: true}, logx.Nop())
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}
	ctx := context.Background()

	digest := Notification{Title: "📋 Denní přehled léků", Body: "b", Tag: TagDailyReminder, Vibrate: VibrateDefault, Data: Data{Type: TypeDailyReminder, URL: "https://app/"}}
	for day := 0; day < 2; day++ {
		if err := s.Deliver(ctx, digest); err != nil {
			t.Fatalf("Deliver day %d: %v", day, err)
		}
	}
	if len(ad.sent) != 2 || len(ad.edits) != 0 {
		t.Fatalf("digest should never be edited: sent=%d edits=%d", len(ad.sent), len(ad.edits))
	}
}

func TestTelegramSinkRefusesWithoutPermission(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s, _ := NewTelegramSink(ad, TelegramConfig{Target: transport.ChatTarget{ChatID: 7}, Permission: "denied"}, logx.Nop())
	if err := s.Deliver(context.Background(), Notification{Title: "x"}); !errors.Is(err, ErrPermission) {
		t.Fatalf("err=%v want ErrPermission", err)
	}
	if len(ad.sent) != 0 {
		t.Fatalf("nothing should be sent")
	}
}
