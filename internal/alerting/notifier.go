package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"polysybil/internal/model"
)

// Kind distinguishes wallet and cluster alerts.
type Kind string

const (
	KindWallet  Kind = "wallet"
	KindCluster Kind = "cluster"
)

// Notification carries the alert context. Exactly one of Wallet or Cluster is set.
type Notification struct {
	Kind        Kind
	GeneratedAt time.Time
	Wallet      *model.WalletScore
	Cluster     *model.Cluster
	// Members holds the scores of cluster members that were scored, best first.
	Members       []model.WalletScore
	Channels      []string
	AdditionalMsg string
}

// Subject is the wallet address or cluster ID the alert is about.
func (n Notification) Subject() string {
	switch {
	case n.Wallet != nil:
		return n.Wallet.WalletAddress
	case n.Cluster != nil:
		return n.Cluster.ID
	default:
		return ""
	}
}

// Score is the insider score for wallets and confidence×100 for clusters.
func (n Notification) Score() decimal.Decimal {
	switch {
	case n.Wallet != nil:
		return decimal.NewFromFloat(n.Wallet.InsiderScore).Round(2)
	case n.Cluster != nil:
		return decimal.NewFromFloat(n.Cluster.Confidence * 100).Round(2)
	default:
		return decimal.Zero
	}
}

// PnL is the realized profit behind the alert, in USDC.
func (n Notification) PnL() decimal.Decimal {
	switch {
	case n.Wallet != nil:
		return decimal.NewFromFloat(n.Wallet.TotalPnL)
	case n.Cluster != nil:
		return decimal.NewFromFloat(n.Cluster.CombinedPnL)
	default:
		return decimal.Zero
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	resp, err := postJSON(ctx, n.client, url, payload)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram: ok=false %s", result.Description)
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("subject", note.Subject()).
		Msg("alert sent")
	return nil
}

// DiscordNotifier posts alerts to a Discord webhook as an embed.
type DiscordNotifier struct {
	webhookURL string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

// NewDiscordNotifier constructs a Discord webhook notifier.
func NewDiscordNotifier(webhookURL, username string, timeout time.Duration, logger zerolog.Logger) *DiscordNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if username == "" {
		username = "polysybil"
	}
	return &DiscordNotifier{
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_discord").Logger(),
	}
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

const (
	colorHigh   = 0xE74C3C
	colorMedium = 0xF39C12
)

// Notify posts one embed. Discord answers 204 on success.
func (n *DiscordNotifier) Notify(ctx context.Context, note Notification) error {
	resp, err := postJSON(ctx, n.client, n.webhookURL, discordPayload{
		Username: n.username,
		Embeds:   []discordEmbed{buildEmbed(note)},
	})
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord: unexpected status %d", resp.StatusCode)
	}
	n.logger.Info().Str("kind", string(note.Kind)).
		Str("subject", note.Subject()).
		Msg("alert sent")
	return nil
}

func buildEmbed(note Notification) discordEmbed {
	embed := discordEmbed{
		Title:       title(note),
		Description: renderMessage(note),
		Color:       colorMedium,
	}
	if note.Score().GreaterThanOrEqual(decimal.NewFromInt(75)) {
		embed.Color = colorHigh
	}
	if !note.GeneratedAt.IsZero() {
		embed.Timestamp = note.GeneratedAt.UTC().Format(time.RFC3339)
	}
	embed.Fields = []discordField{
		{Name: "Score", Value: note.Score().StringFixed(2), Inline: true},
		{Name: "PnL (USDC)", Value: note.PnL().StringFixed(2), Inline: true},
	}
	return embed
}

// MultiNotifier fans a notification out to every notifier. Delivery
// continues past failures and the errors are joined.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

func title(note Notification) string {
	if note.Kind == KindCluster {
		return "[Sybil Cluster Alert]"
	}
	return "[Insider Wallet Alert]"
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(title(note) + "\n")
	if !note.GeneratedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.GeneratedAt.UTC().Format(time.RFC3339)))
	}

	switch {
	case note.Wallet != nil:
		w := note.Wallet
		builder.WriteString(fmt.Sprintf("Wallet: %s\n", w.WalletAddress))
		builder.WriteString(fmt.Sprintf("Insider score: %s\n", note.Score().StringFixed(2)))
		builder.WriteString(fmt.Sprintf("Record: %d/%d wins (%.1f%% vs %.1f%% expected)\n",
			w.Wins, w.TotalTrades, w.WinRate*100, w.ExpectedWinRate*100))
		builder.WriteString(fmt.Sprintf("p-value: 10^%.2f (%s)\n", w.Log10PValue, w.PValueMethod))
		builder.WriteString(fmt.Sprintf("Avg lead time: %s\n", (time.Duration(w.AvgLeadTimeSeconds) * time.Second).String()))
		builder.WriteString(fmt.Sprintf("PnL: %s USDC\n", note.PnL().StringFixed(2)))
		if w.ClusterID != nil {
			builder.WriteString(fmt.Sprintf("Cluster: %s\n", *w.ClusterID))
		}
	case note.Cluster != nil:
		c := note.Cluster
		builder.WriteString(fmt.Sprintf("Cluster: %s\n", c.ID))
		builder.WriteString(fmt.Sprintf("Confidence: %s%%\n", note.Score().StringFixed(2)))
		builder.WriteString(fmt.Sprintf("Members: %d (density %.2f, same-side %.0f%%)\n",
			len(c.Members), c.Density, c.SameSideRatio*100))
		builder.WriteString(fmt.Sprintf("Combined PnL: %s USDC\n", note.PnL().StringFixed(2)))
		if c.SharedFundingSource != nil {
			builder.WriteString(fmt.Sprintf("Shared funder: %s\n", *c.SharedFundingSource))
		}
		for i, m := range note.Members {
			if i == 5 {
				builder.WriteString(fmt.Sprintf("  ... and %d more\n", len(note.Members)-i))
				break
			}
			builder.WriteString(fmt.Sprintf("  %s score %.1f\n", model.ShortAddress(m.WalletAddress), m.InsiderScore))
		}
	}

	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*DiscordNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
)
