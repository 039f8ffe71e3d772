// Package alerts posts operator notifications to a Discord webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	colorOrange = 0xFFA500
	colorRed    = 0xFF4444
	colorGreen  = 0x2ECC71
)

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp"`
	Footer      *footer `json:"footer,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type footer struct {
	Text string `json:"text"`
}

type payload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds"`
}

type Config struct {
	WebhookURL string
	PingUserID string
	Version    string
}

// Notifier sends alerts with a per-category cooldown. A Notifier without a
// webhook URL drops everything.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
	wg        sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Notifier {
	return &Notifier{
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With().Str("component", "alerts").Logger(),
		cooldowns: make(map[string]time.Time),
	}
}

func (n *Notifier) Enabled() bool { return n != nil && n.cfg.WebhookURL != "" }

func (n *Notifier) send(category string, cooldown time.Duration, ping bool, color int, title, description string, fields map[string]string) {
	if !n.Enabled() {
		return
	}

	n.mu.Lock()
	now := time.Now()
	if cooldown > 0 {
		if last, ok := n.cooldowns[category]; ok && now.Sub(last) < cooldown {
			n.mu.Unlock()
			return
		}
	}
	n.cooldowns[category] = now
	n.mu.Unlock()

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var embedFields []field
	for _, k := range names {
		v := fields[k]
		if v == "" {
			continue
		}
		embedFields = append(embedFields, field{Name: k, Value: truncate(v, 1024), Inline: true})
	}

	p := payload{
		Embeds: []embed{{
			Title:       title,
			Description: truncate(description, 2048),
			Color:       color,
			Fields:      embedFields,
			Timestamp:   now.UTC().Format(time.RFC3339),
			Footer:      &footer{Text: "bili2mp4 " + n.cfg.Version},
		}},
	}
	if ping && n.cfg.PingUserID != "" {
		p.Content = fmt.Sprintf("<@%s>", n.cfg.PingUserID)
	}

	body, _ := json.Marshal(p)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		resp, err := n.client.Post(n.cfg.WebhookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			n.logger.Warn().Err(err).Str("category", category).Msg("send failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.logger.Warn().Int("status", resp.StatusCode).Str("category", category).Msg("webhook rejected alert")
		}
	}()
}

// Flush waits for pending sends or until ctx is done.
func (n *Notifier) Flush(ctx context.Context) {
	if n == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (n *Notifier) BotStarted(backend string, groups int) {
	n.send("bot-start", 0, false, colorGreen, "Bot Started",
		fmt.Sprintf("bili2mp4 %s connected via %s", n.cfg.Version, backend),
		map[string]string{"Enabled groups": fmt.Sprint(groups)})
}

func (n *Notifier) BotStopping() {
	n.send("bot-stop", 0, false, colorOrange, "Bot Stopping", "bili2mp4 is shutting down", nil)
}

// ConversionFailed satisfies the bot's failure hook.
func (n *Notifier) ConversionFailed(groupID int64, url, reason string) {
	n.send("conversion", 5*time.Second, true, colorRed, "Conversion Failed", reason, map[string]string{
		"Group":  fmt.Sprint(groupID),
		"URL":    truncate(url, 200),
		"Reason": truncate(reason, 500),
	})
}

func (n *Notifier) DependencyMissing(details string) {
	n.send("dependency", 60*time.Second, true, colorOrange, "Dependency Missing", details, nil)
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
