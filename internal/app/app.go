package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"polysybil/internal/alerting"
	"polysybil/internal/cluster"
	"polysybil/internal/config"
	"polysybil/internal/funding"
	"polysybil/internal/scheduler"
	"polysybil/internal/service"
	"polysybil/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives tables and reports.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newNotifier() alerting.Notifier {
	var notifiers alerting.MultiNotifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.Discord.Enabled {
		cfg := a.Config.Alerting.Discord
		notifiers = append(notifiers, alerting.NewDiscordNotifier(cfg.WebhookURL, cfg.Username, 10*time.Second, a.Logger))
	}
	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notifiers
	}
}

// newFunding returns the on-chain funding lookup, or nil when disabled.
func (a *App) newFunding() (cluster.FundingLookup, func()) {
	if !a.Config.Ethereum.Enabled {
		return nil, func() {}
	}
	lookup := funding.NewChainLookup(a.Config.FundingOptions(), a.Logger)
	return lookup, lookup.Close
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; cannot " + action)
	}
	return store, closeStore, nil
}

// newService wires the service against store. sched may be nil for one-shot commands.
func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler) (*service.Service, func(), error) {
	lookup, closeLookup := a.newFunding()
	svc, err := service.New(a.Config, service.Deps{
		Trades:    store,
		Scores:    store,
		Clusters:  store,
		Runs:      store,
		Alerts:    store,
		Locker:    store,
		Notifier:  a.newNotifier(),
		Funding:   lookup,
		Scheduler: sched,
	}, a.Logger)
	if err != nil {
		closeLookup()
		return nil, nil, err
	}
	return svc, closeLookup, nil
}

// Run executes the long-running score and detect pipeline.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx, "run the pipeline")
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
		RunTimeout:     a.Config.Scheduler.RunTimeout,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc, closeService, err := a.newService(store, sched)
	if err != nil {
		return err
	}
	defer closeService()

	if a.Config.Alerting.Enabled && a.newNotifier() == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel configured; alerts disabled")
	}

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting pipeline service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline service stopped")
	return nil
}

// ScoreOptions configure the score command.
type ScoreOptions struct {
	Wallets   []string
	MinTrades int
	Workers   int
	Top       int
	DryRun    bool
}

// DetectOptions configure the detect command. Nil fields keep the
// configured value.
type DetectOptions struct {
	MinScore       *float64
	MinEdgeWeight  *float64
	MinClusterSize *int
	Window         *time.Duration
	Seed           *int64
	DryRun         bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Clusters bool
	Alerts   bool
}

// ExportOptions configure the export command.
type ExportOptions struct {
	CSVPath  string
	PNGPath  string
	MinScore float64
	MaxRows  int
}

// ImportOptions configure the import command.
type ImportOptions struct {
	MarketsPath string
	TradesPath  string
	DryRun      bool
	BatchSize   int
}
