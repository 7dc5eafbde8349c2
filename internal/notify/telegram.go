package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram posts events to a chat through the bot API. Empty credentials
// leave the channel disabled: Send becomes a no-op, so the bot runs fine
// without a Telegram setup.
type Telegram struct {
	httpClient *resty.Client
	token      string
	chatID     string
}

// NewTelegram creates the channel. token and chatID come from config
// (env-only in production).
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		httpClient: resty.New().
			SetBaseURL(telegramAPIBase).
			SetTimeout(5 * time.Second),
		token:  token,
		chatID: chatID,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Enabled reports whether credentials are configured.
func (t *Telegram) Enabled() bool { return t.token != "" && t.chatID != "" }

// Send posts the event as a Markdown message.
func (t *Telegram) Send(ctx context.Context, ev Event) error {
	if !t.Enabled() {
		return nil
	}

	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       formatMarkdown(ev),
		"parse_mode": "Markdown",
	}

	resp, err := t.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("telegram send: status %d", resp.StatusCode())
	}
	return nil
}

// formatMarkdown renders the event for Telegram's Markdown parse mode.
// Fields are sorted so messages are stable.
func formatMarkdown(ev Event) string {
	icon := "ℹ️"
	switch ev.Level {
	case LevelWarning:
		icon = "⚠️"
	case LevelCritical:
		icon = "🚨"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, ev.Level, ev.Title, ev.Message)
	if len(ev.Fields) > 0 {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		text += "\n"
		for _, k := range keys {
			text += fmt.Sprintf("\n- *%s*: %s", k, ev.Fields[k])
		}
	}
	return text
}
