package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ledgerhttp "position_ledger/pkg/http"
)

const telegramAPI = "https://api.telegram.org"

type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *ledgerhttp.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   ledgerhttp.NewClient("", ledgerhttp.DefaultOptions()),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*[%s] %s*\n\n%s", alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		keys := make([]string, 0, len(alert.Fields))
		for k := range alert.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	_, err := t.client.PostJSON(ctx, url, map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
