package alert

import (
	"context"
	"fmt"

	ledgerhttp "position_ledger/pkg/http"
)

type SlackChannel struct {
	webhookURL string
	client     *ledgerhttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     ledgerhttp.NewClient("", ledgerhttp.DefaultOptions()),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func levelColor(level AlertLevel) string {
	switch level {
	case Warning:
		return "#ffcc00"
	case Error:
		return "#ff0000"
	case Critical:
		return "#8b0000"
	}
	return "#36a64f"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	fields := make([]map[string]interface{}, 0, len(alert.Fields))
	for k, v := range alert.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   levelColor(alert.Level),
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "Position Ledger",
			},
		},
	}

	if _, err := s.client.PostJSON(ctx, s.webhookURL, payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
