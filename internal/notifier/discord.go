package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/monitor"
)

// ErrNoWebhook is returned by DiscordNotifier without a webhook URL.
var ErrNoWebhook = errors.New("webhook URL is not set")

// Notifier delivers a short text message to the operator.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// DiscordNotifier posts messages to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

type discordMessage struct {
	Content string `json:"content"`
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return ErrNoWebhook
	}

	body, err := json.Marshal(discordMessage{Content: content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("discord webhook answered %s", resp.Status)
	}

	return nil
}

// FormatOutcome renders the message sent for a finished transfer.
func FormatOutcome(r monitor.Record) string {
	name := filepath.Base(r.Destination)
	took := r.FinishedAt.Sub(r.Start).Round(time.Second)

	if r.Outcome.Successful() {
		return fmt.Sprintf("Transfer %d finished: %s (%s in %s)", r.ID, name, humanize.IBytes(r.Expected), took)
	}

	return fmt.Sprintf("Transfer %d of %s ended with %s after %s", r.ID, name, r.Outcome, took)
}

// OutcomeHook returns a monitor outcome hook posting every finished transfer.
// Suspended transfers are skipped, they report once they really end.
// Notifications are sent in the background so the monitor is never blocked.
func OutcomeHook(ctx context.Context, n Notifier, timeout time.Duration) func(monitor.Record) {
	logger := logctx.LoggerFromContext(ctx)

	return func(r monitor.Record) {
		if r.Suspended {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()

			if err := n.Notify(ctx, FormatOutcome(r)); err != nil {
				logger.Error("failed to send notification", "transfer_id", r.ID, "err", err)
			}
		}()
	}
}
