package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sightline/sightline/pkg/types"
	"github.com/sightline/sightline/server/internal/config"
)

// DiscordAPIBase is the Discord REST root used by the bot sender.
const DiscordAPIBase = "https://discord.com/api/v10"

const embedColor = 0x00D4FF

// newSender builds the sender for t, or nil when its credentials are unset.
func newSender(t config.TargetConfig, client *http.Client) Sender {
	switch t.Type {
	case "discord":
		if u := t.URL(); u != "" {
			return &DiscordWebhook{URL: u, Client: client}
		}
	case "discord_bot":
		if tok, ch := t.Token(), t.Channel(); tok != "" && ch != "" {
			return &DiscordBot{Token: tok, ChannelID: ch, Client: client}
		}
	case "slack":
		if u := t.URL(); u != "" {
			return &Slack{URL: u, Client: client}
		}
	case "teams":
		if u := t.URL(); u != "" {
			return &Teams{URL: u, Client: client}
		}
	case "http":
		if u := t.URL(); u != "" {
			return &HTTP{URL: u, Client: client}
		}
	}
	return nil
}

// DiscordWebhook posts an embed to a Discord incoming webhook.
type DiscordWebhook struct {
	URL    string
	Client *http.Client
}

func (d *DiscordWebhook) Name() string { return "discord" }

func (d *DiscordWebhook) Send(ctx context.Context, n Notification) error {
	rec := n.Record
	fields := []map[string]any{
		{"name": "Name", "value": orDash(rec.Label), "inline": true},
		{"name": "Metric", "value": types.FormatMetric(rec.Metric), "inline": true},
		{"name": "Occupancy", "value": orDash(rec.Occupancy), "inline": true},
		{"name": "Key", "value": "`" + rec.Key + "`"},
	}
	body, err := json.Marshal(map[string]any{
		"embeds": []map[string]any{{
			"title":     title(n),
			"color":     embedColor,
			"fields":    fields,
			"timestamp": n.At.UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("encode embed: %w", err)
	}
	return post(ctx, d.Client, d.URL, body, nil)
}

// DiscordBot posts a plain message to a channel through the bot API.
type DiscordBot struct {
	Token     string
	ChannelID string
	// APIBase overrides DiscordAPIBase.
	APIBase string
	Client  *http.Client
}

func (d *DiscordBot) Name() string { return "discord_bot" }

func (d *DiscordBot) Send(ctx context.Context, n Notification) error {
	base := d.APIBase
	if base == "" {
		base = DiscordAPIBase
	}
	url := fmt.Sprintf("%s/channels/%s/messages", strings.TrimRight(base, "/"), d.ChannelID)
	body, err := json.Marshal(map[string]string{"content": message(n)})
	if err != nil {
		return err
	}
	return post(ctx, d.Client, url, body, map[string]string{
		"Authorization": "Bot " + d.Token,
	})
}

// Slack posts to a Slack incoming webhook.
type Slack struct {
	URL    string
	Client *http.Client
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]string{"text": message(n)})
	if err != nil {
		return err
	}
	return post(ctx, s.Client, s.URL, body, nil)
}

// Teams posts a MessageCard to a Teams connector.
type Teams struct {
	URL    string
	Client *http.Client
}

func (t *Teams) Name() string { return "teams" }

func (t *Teams) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": fmt.Sprintf("%06X", embedColor),
		"summary":    n.Record.Label,
		"title":      title(n),
		"text":       message(n),
	})
	if err != nil {
		return err
	}
	return post(ctx, t.Client, t.URL, body, nil)
}

// HTTP posts the notification and record as JSON to an arbitrary endpoint.
type HTTP struct {
	URL    string
	Client *http.Client
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(map[string]any{
		"notification": n,
		"record": map[string]any{
			"key":          n.Record.Key,
			"label":        n.Record.Label,
			"metric":       n.Record.Metric,
			"occupancy":    n.Record.Occupancy,
			"payload":      n.Record.Payload,
			"first_seen":   n.Record.FirstSeen,
			"last_seen":    n.Record.LastSeen,
			"accept_count": n.Record.AcceptCount,
		},
	})
	if err != nil {
		return err
	}
	return post(ctx, h.Client, h.URL, body, nil)
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return fmt.Errorf("target returned HTTP %d (retry after %ss)", resp.StatusCode, ra)
		}
		return fmt.Errorf("target returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func title(n Notification) string {
	if n.Reason == "improved" {
		return "Object improved"
	}
	return "Object found"
}

// message renders the plain-text form used by chat targets.
func message(n Notification) string {
	rec := n.Record
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", title(n))
	fmt.Fprintf(&b, "**Name:** %s\n", orDash(rec.Label))
	fmt.Fprintf(&b, "**Metric:** %s\n", types.FormatMetric(rec.Metric))
	if rec.Occupancy != "" {
		fmt.Fprintf(&b, "**Occupancy:** %s\n", rec.Occupancy)
	}
	fmt.Fprintf(&b, "**Key:** `%s`", rec.Key)
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
