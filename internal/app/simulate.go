package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polysybil/internal/alerting"
	"polysybil/internal/model"
)

// SimulateAlert sends a synthetic wallet or cluster alert through the
// configured channels.
func (a *App) SimulateAlert(ctx context.Context, kind string, score float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	note, err := syntheticNotification(alerting.Kind(kind), score)
	if err != nil {
		return err
	}
	note.GeneratedAt = time.Now().UTC()
	note.Channels = a.Config.Alerting.Channels
	note.AdditionalMsg = "(simulated)"
	return notifier.Notify(ctx, note)
}

func syntheticNotification(kind alerting.Kind, score float64) (alerting.Notification, error) {
	if score < 0 || score > 100 {
		return alerting.Notification{}, fmt.Errorf("score must be within [0,100], got %v", score)
	}
	wallet := model.WalletScore{
		WalletAddress:      "0x0000000000000000000000000000000000005173",
		TotalTrades:        20,
		Wins:               18,
		WinRate:            0.9,
		ExpectedWinRate:    0.1,
		AvgLeadTimeSeconds: 1800,
		PValue:             1.2e-14,
		Log10PValue:        -13.92,
		PValueMethod:       model.MethodExact,
		TotalPnL:           16000,
		InsiderScore:       score,
	}

	switch kind {
	case alerting.KindWallet:
		return alerting.Notification{Kind: kind, Wallet: &wallet}, nil
	case alerting.KindCluster:
		peer := wallet
		peer.WalletAddress = "0x0000000000000000000000000000000000005174"
		return alerting.Notification{
			Kind: kind,
			Cluster: &model.Cluster{
				ID:             "00000000-0000-5000-8000-000000000000",
				Members:        []string{wallet.WalletAddress, peer.WalletAddress},
				CombinedPnL:    wallet.TotalPnL + peer.TotalPnL,
				Confidence:     score / 100,
				InternalWeight: 25,
				Density:        1,
				SameSideRatio:  1,
			},
			Members: []model.WalletScore{wallet, peer},
		}, nil
	default:
		return alerting.Notification{}, fmt.Errorf("unknown alert kind %q (want wallet or cluster)", kind)
	}
}
