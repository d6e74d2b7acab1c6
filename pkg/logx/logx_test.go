package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(Component("monitor"))

	log.Debug("hidden")
	log.Info("scan done", Int("fired", 2), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%d want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["message"] != "scan done" || m["comp"] != "monitor" || m["err"] != "boom" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["fired"] != float64(2) {
		t.Fatalf("fired=%v", m["fired"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero value should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().DebugEnabled() {
		t.Fatalf("nop logger should be disabled")
	}
}

func TestLevelOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"fatal", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := levelOf(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("levelOf(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "json",
			in:   `{"level":"error","message":"delivery failed","time":"x","tag":"medicine-urgent-m1","attempt":3}`,
			want: "[ERROR] delivery failed\n- attempt=3\n- tag=medicine-urgent-m1",
		},
		{name: "plain", in: "  not json \n", want: "not json"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := formatChatLine([]byte(tc.in)); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("got %q", got)
	}
}

type chanSender struct{ ch chan string }

func (s chanSender) SendLog(_ context.Context, text string) error {
	s.ch <- text
	return nil
}

func TestServiceChatSink(t *testing.T) {
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 5}})
	defer svc.Close()

	sender := chanSender{ch: make(chan string, 4)}
	svc.SetChatSender(sender)

	log.Info("below threshold")
	log.Warn("source unreadable", String("driver", "file"))

	select {
	case got := <-sender.ch:
		if !strings.HasPrefix(got, "[WARN] source unreadable") || !strings.Contains(got, "- driver=file") {
			t.Fatalf("unexpected chat line %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("chat line not delivered")
	}

	select {
	case extra := <-sender.ch:
		t.Fatalf("unexpected extra chat line %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
