package scoring

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"polysybil/internal/model"
)

// TradeSource reads settled trades and market outcomes.
type TradeSource interface {
	ListScorableWallets(ctx context.Context, minTrades int) ([]string, error)
	ReadResolvedTrades(ctx context.Context, wallet string) ([]model.Trade, error)
	ReadMarketOutcomes(ctx context.Context, marketIDs []string) (map[string]model.MarketOutcome, error)
}

// RunOptions controls a batch scoring run.
type RunOptions struct {
	Workers   int
	BatchSize int
	// Wallets restricts the run; empty means every wallet with enough trades.
	Wallets []string
	// FlushTimeout bounds the final flush after cancellation.
	FlushTimeout time.Duration
}

// Summary describes a finished (or interrupted) scoring run.
type Summary struct {
	Wallets        int
	Scored         int
	Skipped        int
	Deferred       int
	ExcludedTrades int
	Persisted      int
	// Scores holds every computed score ordered by InsiderScore descending.
	Scores []model.WalletScore
}

// Top returns at most n of the highest scores.
func (s Summary) Top(n int) []model.WalletScore {
	if n <= 0 || n >= len(s.Scores) {
		return s.Scores
	}
	return s.Scores[:n]
}

// Runner scores many wallets in parallel.
type Runner struct {
	scorer *Scorer
	source TradeSource
	sink   ScoreSink
	logger zerolog.Logger
}

// NewRunner wires a runner. sink may be nil for a dry run.
func NewRunner(scorer *Scorer, source TradeSource, sink ScoreSink, logger zerolog.Logger) *Runner {
	return &Runner{
		scorer: scorer,
		source: source,
		sink:   sink,
		logger: logger.With().Str("component", "scoring").Logger(),
	}
}

type tally struct {
	mu       sync.Mutex
	summary  Summary
	progress int
}

// Run scores every selected wallet. Scores are only written once every
// worker has returned: a failing source or scorer aborts the run with nothing
// written, so stored scores are never a mix of two runs. On cancellation the
// scores already computed are flushed before returning ctx.Err().
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}

	wallets := opts.Wallets
	if len(wallets) == 0 {
		var err error
		wallets, err = r.source.ListScorableWallets(ctx, r.scorer.Options().MinTrades)
		if err != nil {
			return Summary{}, fmt.Errorf("list wallets: %w", err)
		}
	}

	batch := NewBatchSink(r.sink, opts.BatchSize, r.logger)
	t := &tally{summary: Summary{Wallets: len(wallets)}}
	started := time.Now()

	r.logger.Info().
		Int("wallets", len(wallets)).
		Int("workers", opts.Workers).
		Bool("dry_run", r.sink == nil).
		Msg("scoring run started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, wallet := range wallets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return r.scoreWallet(gctx, wallet, t)
		})
	}
	runErr := g.Wait()

	if ctx.Err() != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.FlushTimeout)
		defer cancel()
		if err := r.persist(flushCtx, batch, t); err != nil {
			r.logger.Error().Err(err).Int("unflushed", batch.Pending()).Msg("flush after cancellation failed")
		}
		summary := r.finish(t, batch)
		r.logger.Warn().Int("persisted", summary.Persisted).Msg("scoring run interrupted")
		return summary, ctx.Err()
	}
	if runErr != nil {
		r.logger.Error().Err(runErr).Msg("scoring run aborted, nothing written")
		return r.finish(t, batch), runErr
	}
	if err := r.persist(ctx, batch, t); err != nil {
		r.logger.Error().Err(err).Int("unflushed", batch.Pending()).Msg("score flush failed")
		return r.finish(t, batch), fmt.Errorf("flush scores: %w", err)
	}

	summary := r.finish(t, batch)
	r.logger.Info().
		Int("scored", summary.Scored).
		Int("skipped", summary.Skipped).
		Int("deferred", summary.Deferred).
		Int("excluded_trades", summary.ExcludedTrades).
		Int("persisted", summary.Persisted).
		Dur("took", time.Since(started)).
		Msg("scoring run finished")
	return summary, nil
}

func (r *Runner) scoreWallet(ctx context.Context, wallet string, t *tally) error {
	trades, err := r.source.ReadResolvedTrades(ctx, wallet)
	if err != nil {
		return fmt.Errorf("read trades for %s: %w", wallet, err)
	}

	ids := make([]string, 0, len(trades))
	for _, tr := range trades {
		ids = append(ids, tr.MarketID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	markets, err := r.source.ReadMarketOutcomes(ctx, ids)
	if err != nil {
		return fmt.Errorf("read markets for %s: %w", wallet, err)
	}

	res, err := r.scorer.Score(wallet, trades, markets)
	if err != nil {
		var incomplete *model.IncompleteMarketError
		if errors.As(err, &incomplete) {
			r.logger.Debug().
				Str("wallet", model.ShortAddress(wallet)).
				Str("market_id", incomplete.MarketID).
				Msg("wallet deferred until market resolves")
			t.record(func(s *Summary) { s.Deferred++ })
			return nil
		}
		return err
	}

	for _, ex := range res.Excluded {
		r.logger.Debug().
			Str("wallet", model.ShortAddress(wallet)).
			Str("trade_id", ex.TradeID).
			Err(ex.Err).
			Msg("trade excluded")
	}

	if res.Skipped {
		t.record(func(s *Summary) {
			s.Skipped++
			s.ExcludedTrades += len(res.Excluded)
		})
		return nil
	}

	done := t.record(func(s *Summary) {
		s.Scored++
		s.ExcludedTrades += len(res.Excluded)
		s.Scores = append(s.Scores, res.Score)
	})
	if done%1000 == 0 {
		r.logger.Info().Int("processed", done).Msg("scoring progress")
	}
	return nil
}

// persist writes every computed score in batches.
func (r *Runner) persist(ctx context.Context, batch *BatchSink, t *tally) error {
	t.mu.Lock()
	scores := slices.Clone(t.summary.Scores)
	t.mu.Unlock()
	slices.SortFunc(scores, CompareScores)

	for _, score := range scores {
		if err := batch.Add(ctx, score); err != nil {
			return err
		}
	}
	return batch.Flush(ctx)
}

func (t *tally) record(fn func(*Summary)) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.summary)
	t.progress++
	return t.progress
}

func (r *Runner) finish(t *tally, batch *BatchSink) Summary {
	t.mu.Lock()
	summary := t.summary
	t.mu.Unlock()

	summary.Persisted = batch.Flushed()
	slices.SortFunc(summary.Scores, CompareScores)
	return summary
}

// CompareScores orders scores by InsiderScore descending, then address.
func CompareScores(a, b model.WalletScore) int {
	return cmp.Or(
		cmp.Compare(b.InsiderScore, a.InsiderScore),
		cmp.Compare(a.WalletAddress, b.WalletAddress),
	)
}
