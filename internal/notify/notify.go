// Package notify sends the end-of-run summary to the Telegram channel.
// Delivery is best effort: one outbound GET with a short timeout.
package notify

import (
	"fmt"
	"strings"
	"time"

	"tapedeck/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	maxItemsPerBucket = 20
	maxMessageLength  = 4000
)

// Notifier posts run summaries.
type Notifier struct {
	http   *resty.Client
	logger *logrus.Logger
}

// New builds a notifier with the 10 s delivery timeout.
func New(logger *logrus.Logger) *Notifier {
	return &Notifier{
		http:   resty.New().SetTimeout(10 * time.Second),
		logger: logger,
	}
}

// Send delivers one message if the channel is configured. Errors are logged,
// never returned; notification must not affect the run outcome.
func (n *Notifier) Send(tg config.TelegramConfig, message string) {
	if tg.BotToken == "" || tg.ChatID == "" {
		return
	}
	resp, err := n.http.R().
		SetQueryParams(map[string]string{
			"chat_id": tg.ChatID,
			"text":    message,
		}).
		Get("https://api.telegram.org/bot" + tg.BotToken + "/sendMessage")
	if err != nil {
		n.logger.WithError(err).Error("telegram notify failed")
		return
	}
	if resp.IsError() {
		n.logger.WithField("status", resp.StatusCode()).Error("telegram notify rejected")
	}
}

// SendSummary formats and delivers the run summary, tightening the item
// lists until the message fits the channel's length limit.
func (n *Notifier) SendSummary(tg config.TelegramConfig, successes, failures []string, duration time.Duration) {
	if len(successes) == 0 && len(failures) == 0 {
		return
	}

	statusLabel := "completed"
	if len(failures) > 0 {
		statusLabel = "completed with errors"
	}

	limit := maxItemsPerBucket
	msg := buildSummary(statusLabel, successes, failures, duration, limit)
	truncated := len(successes) > limit || len(failures) > limit
	for len(msg) > maxMessageLength && limit > 0 {
		limit--
		truncated = true
		msg = buildSummary(statusLabel, successes, failures, duration, limit)
	}
	if truncated {
		n.logger.Warn("summary truncated to fit message limits")
	}
	n.Send(tg, msg)
}

func buildSummary(statusLabel string, successes, failures []string, duration time.Duration, limit int) string {
	parts := []string{
		"Tapedeck Summary",
		"Status: " + statusLabel,
		fmt.Sprintf("✔ Success: %d", len(successes)),
		fmt.Sprintf("✖ Failed: %d", len(failures)),
		"Duration: " + formatDuration(duration),
		"",
	}
	appendBucket := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		parts = append(parts, header)
		capped := items
		if len(capped) > limit {
			capped = capped[:limit]
		}
		for _, item := range capped {
			parts = append(parts, "• "+item)
		}
		if remaining := len(items) - limit; remaining > 0 {
			parts = append(parts, fmt.Sprintf("• (+%d more)", remaining))
		}
	}
	appendBucket("Downloaded:", successes)
	if len(successes) > 0 && len(failures) > 0 {
		parts = append(parts, "")
	}
	appendBucket("Failed:", failures)
	return strings.Join(parts, "\n")
}

func formatDuration(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
