package notify

import (
	"strings"
	"time"
)

const (
	relayDefaultTitle   = "Lékařský Protokol"
	relayDefaultTitleBG = "🚀 Lékařský Protokol"
	relayDefaultBody    = "Nová zpráva"
)

// PushMessage is an inbound push payload relayed to the sink. Background
// messages arrive while no UI is open and carry open/close actions.
type PushMessage struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Tag   string `json:"tag"`
	} `json:"notification"`
	Data       map[string]string `json:"data,omitempty"`
	Background bool              `json:"background"`
}

// Relay renders a push message with the product defaults filled in.
func Relay(msg PushMessage, now time.Time, url string) Notification {
	title := strings.TrimSpace(msg.Notification.Title)
	if title == "" {
		title = relayDefaultTitle
		if msg.Background {
			title = relayDefaultTitleBG
		}
	}
	body := strings.TrimSpace(msg.Notification.Body)
	if body == "" {
		body = relayDefaultBody
	}
	tag := strings.TrimSpace(msg.Notification.Tag)
	if tag == "" {
		tag = TagPush
		if msg.Background {
			tag = TagPushBG
		}
	}
	if u := strings.TrimSpace(msg.Data["url"]); u != "" {
		url = u
	}

	n := Notification{
		Title:   title,
		Body:    body,
		Tag:     tag,
		Vibrate: VibrateDefault,
		Data: Data{
			Type:      TypePush,
			Timestamp: now,
			URL:       url,
			ID:        NewID(),
		},
	}
	if msg.Background {
		n.Actions = []Action{{Action: "open", Title: "🖖 Otevřít protokol"}, {Action: "close", Title: "❌ Zavřít"}}
	}
	if t := strings.TrimSpace(msg.Data["type"]); t != "" {
		n.Data.Type = t
	}
	return n
}
