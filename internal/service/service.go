package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"polysybil/internal/alerting"
	"polysybil/internal/cluster"
	"polysybil/internal/config"
	"polysybil/internal/graph"
	"polysybil/internal/model"
	"polysybil/internal/scheduler"
	"polysybil/internal/scoring"
	"polysybil/internal/storage"
)

// Deps are the collaborators of a Service. Runs, Alerts, Locker, Notifier,
// Funding and Scheduler are optional.
type Deps struct {
	Trades    storage.TradeReader
	Scores    storage.ScoreStore
	Clusters  storage.ClusterStore
	Runs      storage.RunStore
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Funding   cluster.FundingLookup
	Scheduler *scheduler.Scheduler
}

// AlertPolicy decides which results are worth a notification.
type AlertPolicy struct {
	Enabled              bool
	MinInsiderScore      float64
	MinClusterConfidence float64
	Cooldown             time.Duration
	// Retention is how long alert records are kept; zero keeps them forever.
	Retention            time.Duration
	MaxPerRun            int
	Channels             []string
}

// Service orchestrates scoring, cluster detection, persistence and alerting.
type Service struct {
	deps     Deps
	scorer   *scoring.Scorer
	builder  *graph.Builder
	detector *cluster.Detector
	workers  int
	batch    int
	policy   AlertPolicy
	lockKey  int64
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the service from validated config.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Trades == nil {
		return nil, errors.New("service: trade reader is required")
	}
	scorer, err := scoring.New(cfg.ScoringOptions())
	if err != nil {
		return nil, fmt.Errorf("scoring options: %w", err)
	}
	builder, err := graph.NewBuilder(cfg.GraphOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("graph options: %w", err)
	}
	detector, err := cluster.NewDetector(cfg.ClusterOptions(), deps.Funding, logger)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	return &Service{
		deps:     deps,
		scorer:   scorer,
		builder:  builder,
		detector: detector,
		workers:  cfg.Scoring.Workers,
		batch:    cfg.Scoring.BatchSize,
		policy: AlertPolicy{
			Enabled:              cfg.Alerting.Enabled,
			MinInsiderScore:      cfg.Alerting.MinInsiderScore,
			MinClusterConfidence: cfg.Alerting.MinClusterConfidence,
			Cooldown:             cfg.Alerting.Cooldown,
			Retention:            cfg.Alerting.Retention,
			MaxPerRun:            cfg.Alerting.MaxPerRun,
			Channels:             cfg.Alerting.Channels,
		},
		lockKey: cfg.Scheduler.AdvisoryLockKey,
		logger:  logger.With().Str("component", "service").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run begins the scheduled pipeline loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessTick)
}

// ScoreOptions selects the wallets of a scoring run.
type ScoreOptions struct {
	Wallets []string
	DryRun  bool
}

// Score runs batch scoring. A dry run computes without persisting.
func (s *Service) Score(ctx context.Context, opts ScoreOptions) (scoring.Summary, error) {
	// A typed nil would defeat the runner's nil-sink check.
	var sink scoring.ScoreSink
	if !opts.DryRun {
		if s.deps.Scores == nil {
			return scoring.Summary{}, errors.New("service: score store is required")
		}
		sink = s.deps.Scores
	}
	runner := scoring.NewRunner(s.scorer, s.deps.Trades, sink, s.logger)
	return runner.Run(ctx, scoring.RunOptions{
		Workers:   s.workers,
		BatchSize: s.batch,
		Wallets:   opts.Wallets,
	})
}

// DetectOptions controls a detection run.
type DetectOptions struct {
	// Scores overrides the stored scores, e.g. with a dry-run summary.
	Scores []model.WalletScore
	// Generation labels the written clusters; empty generates one.
	Generation string
	DryRun     bool
}

// DetectResult is the outcome of a detection run.
type DetectResult struct {
	Generation string
	Graph      *graph.Graph
	Clusters   []model.Cluster
	// Scores are the wallet scores the graph was built from.
	Scores []model.WalletScore
}

// Detect builds the correlation graph from scored wallets and partitions it.
// Unless DryRun is set, the clusters replace the stored generation.
func (s *Service) Detect(ctx context.Context, opts DetectOptions) (DetectResult, error) {
	scores := opts.Scores
	if scores == nil {
		if s.deps.Scores == nil {
			return DetectResult{}, errors.New("service: score store is required")
		}
		var err error
		scores, err = s.deps.Scores.ListTopScores(ctx, s.builder.Options().MinInsiderScore, 0)
		if err != nil {
			return DetectResult{}, fmt.Errorf("list scores: %w", err)
		}
	}

	wallets := make([]string, 0, len(scores))
	for _, sc := range scores {
		if sc.InsiderScore >= s.builder.Options().MinInsiderScore {
			wallets = append(wallets, sc.WalletAddress)
		}
	}

	result := DetectResult{Generation: opts.Generation, Scores: scores}
	if result.Generation == "" {
		result.Generation = uuid.NewString()
	}

	var trades []model.Trade
	if len(wallets) > 0 {
		var err error
		trades, err = s.deps.Trades.ReadTradesForWallets(ctx, wallets)
		if err != nil {
			return DetectResult{}, fmt.Errorf("read trades: %w", err)
		}
	}

	g, err := s.builder.Build(ctx, scores, graph.NewTradeIndex(trades))
	if err != nil {
		return DetectResult{}, fmt.Errorf("build graph: %w", err)
	}
	result.Graph = g

	clusters, err := s.detector.Detect(ctx, g)
	if err != nil {
		return DetectResult{}, fmt.Errorf("detect clusters: %w", err)
	}
	result.Clusters = clusters

	if opts.DryRun {
		return result, nil
	}
	if s.deps.Clusters == nil {
		return DetectResult{}, errors.New("service: cluster store is required")
	}
	if err := s.deps.Clusters.WriteClusters(ctx, result.Generation, clusters); err != nil {
		return DetectResult{}, fmt.Errorf("write clusters: %w", err)
	}
	s.logger.Info().
		Str("generation", result.Generation).
		Int("clusters", len(clusters)).
		Msg("cluster generation written")
	return result, nil
}

// ProcessTick runs one full score, detect and alert pipeline.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip run because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	run := storage.RunRecord{ID: uuid.NewString(), StartedAt: s.now(), Status: storage.RunStatusRunning}
	if s.deps.Runs != nil {
		if err := s.deps.Runs.StartRun(ctx, run.ID, run.StartedAt); err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	}

	runErr := s.executeTick(ctx, &run)
	s.finishRun(ctx, run, runErr)
	return runErr
}

func (s *Service) executeTick(ctx context.Context, run *storage.RunRecord) error {
	summary, err := s.Score(ctx, ScoreOptions{})
	run.WalletsScored = summary.Scored
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}

	result, err := s.Detect(ctx, DetectOptions{Generation: run.ID})
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	run.ClustersFound = len(result.Clusters)

	s.dispatchAlerts(ctx, result.Scores, result.Clusters)
	s.pruneAlerts(ctx)
	return nil
}

// pruneAlerts drops alert records older than the retention period.
func (s *Service) pruneAlerts(ctx context.Context) {
	if s.deps.Alerts == nil || s.policy.Retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.policy.Retention)
	if err := s.deps.Alerts.DeleteAlertsBefore(ctx, cutoff); err != nil {
		s.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("failed to prune alert history")
	}
}

func (s *Service) finishRun(ctx context.Context, run storage.RunRecord, runErr error) {
	finished := s.now()
	run.FinishedAt = &finished
	run.Status = storage.RunStatusComplete
	if runErr != nil {
		run.Status = storage.RunStatusErrored
		msg := runErr.Error()
		run.Error = &msg
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("status", run.Status).
		Int("wallets_scored", run.WalletsScored).
		Int("clusters_found", run.ClustersFound).
		Dur("took", finished.Sub(run.StartedAt)).
		Msg("pipeline run recorded")

	if s.deps.Runs == nil {
		return
	}
	// The run context may already be cancelled; the record still needs closing.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deps.Runs.FinishRun(finishCtx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to record run outcome")
	}
}

// dispatchAlerts notifies on high-scoring wallets and confident clusters not
// alerted within the cooldown. Delivery failures are logged, not returned.
func (s *Service) dispatchAlerts(ctx context.Context, scores []model.WalletScore, clusters []model.Cluster) int {
	if !s.policy.Enabled || s.deps.Notifier == nil {
		return 0
	}

	byWallet := make(map[string]model.WalletScore, len(scores))
	var notes []alerting.Notification
	for _, sc := range scores {
		byWallet[sc.WalletAddress] = sc
		if sc.InsiderScore >= s.policy.MinInsiderScore {
			notes = append(notes, alerting.Notification{Kind: alerting.KindWallet, Wallet: &sc})
		}
	}
	for _, cl := range clusters {
		if cl.Confidence < s.policy.MinClusterConfidence {
			continue
		}
		note := alerting.Notification{Kind: alerting.KindCluster, Cluster: &cl}
		for _, m := range cl.Members {
			if sc, ok := byWallet[m]; ok {
				note.Members = append(note.Members, sc)
			}
		}
		slices.SortFunc(note.Members, scoring.CompareScores)
		notes = append(notes, note)
	}

	// Strongest first so the per-run cap keeps the most important alerts.
	slices.SortStableFunc(notes, func(a, b alerting.Notification) int {
		return cmp.Or(b.Score().Cmp(a.Score()), cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Subject(), b.Subject()))
	})

	sent := 0
	for _, note := range notes {
		if s.policy.MaxPerRun > 0 && sent >= s.policy.MaxPerRun {
			s.logger.Warn().Int("suppressed", len(notes)-sent).Msg("alert cap reached")
			break
		}
		if s.inCooldown(ctx, note) {
			continue
		}
		note.GeneratedAt = s.now()
		note.Channels = s.policy.Channels
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("subject", note.Subject()).Msg("failed to dispatch alert")
			continue
		}
		sent++
		if s.deps.Alerts != nil {
			record := storage.AlertRecord{
				Kind:     string(note.Kind),
				Subject:  note.Subject(),
				Score:    note.Score(),
				Channels: note.Channels,
			}
			if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
				s.logger.Error().Err(err).Str("subject", note.Subject()).Msg("failed to persist alert record")
			}
		}
	}
	return sent
}

func (s *Service) inCooldown(ctx context.Context, note alerting.Notification) bool {
	if s.deps.Alerts == nil || s.policy.Cooldown <= 0 {
		return false
	}
	last, ok, err := s.deps.Alerts.LastAlerted(ctx, string(note.Kind), note.Subject())
	if err != nil {
		// Better a duplicate alert than a silent miss.
		s.logger.Warn().Err(err).Str("subject", note.Subject()).Msg("alert history unavailable")
		return false
	}
	return ok && s.now().Sub(last) < s.policy.Cooldown
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
