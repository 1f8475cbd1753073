package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"polysybil/internal/model"
)

func walletNote() Notification {
	clusterID := "c-1"
	return Notification{
		Kind:        KindWallet,
		GeneratedAt: time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC),
		Wallet: &model.WalletScore{
			WalletAddress:      "0xinsider",
			TotalTrades:        20,
			Wins:               18,
			WinRate:            0.9,
			ExpectedWinRate:    0.1,
			AvgLeadTimeSeconds: 1800,
			Log10PValue:        -13.9,
			PValueMethod:       model.MethodExact,
			TotalPnL:           16000,
			InsiderScore:       77.777,
			ClusterID:          &clusterID,
		},
		Channels: []string{"telegram"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), walletNote()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"0xinsider", "77.78", "18/20", "16000.00", "c-1", "30m0s"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), walletNote()); err == nil {
		t.Fatal("expected error for ok=false")
	}
}

func TestDiscordNotifierCluster(t *testing.T) {
	var payload discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	funder := "0xfunder"
	note := Notification{
		Kind: KindCluster,
		Cluster: &model.Cluster{
			ID:                  "c-9",
			Members:             []string{"0xa", "0xb", "0xc"},
			CombinedPnL:         -42.5,
			SharedFundingSource: &funder,
			Confidence:          0.8,
			Density:             1,
			SameSideRatio:       0.5,
		},
		Members: []model.WalletScore{{WalletAddress: "0xa", InsiderScore: 60}},
	}

	notifier := NewDiscordNotifier(srv.URL, "", time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if payload.Username != "polysybil" || len(payload.Embeds) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	embed := payload.Embeds[0]
	if embed.Color != colorHigh {
		t.Fatalf("expected high severity colour, got %x", embed.Color)
	}
	if embed.Fields[1].Value != "-42.50" {
		t.Fatalf("unexpected pnl field %q", embed.Fields[1].Value)
	}
	if !strings.Contains(embed.Description, "Shared funder: 0xfunder") {
		t.Fatalf("description missing funder:\n%s", embed.Description)
	}
}

func TestDiscordNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewDiscordNotifier(srv.URL, "bot", time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), walletNote()); err == nil {
		t.Fatal("expected error for 429")
	}
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Notify(context.Context, Notification) error {
	r.calls++
	return r.err
}

func TestMultiNotifierContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	first := &recordingNotifier{err: boom}
	second := &recordingNotifier{}

	err := MultiNotifier{first, second}.Notify(context.Background(), walletNote())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected both notifiers called, got %d and %d", first.calls, second.calls)
	}
}
