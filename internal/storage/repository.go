package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"polysybil/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned by single-row reads with no match.
	ErrNotFound = errors.New("storage: not found")
)

const (
	tradeColumns = `t.trade_id, t.wallet_address, t.market_id, t.side, t.entry_price, t.size, t.ts, t.is_winner`

	walletScoreColumns = `wallet_address,
        total_trades,
        wins,
        win_rate,
        expected_win_rate,
        avg_lead_time_seconds,
        p_value,
        log10_p_value,
        p_value_method,
        size_win_correlation,
        total_pnl,
        insider_score,
        flags,
        cluster_id`

	clusterColumns = `cluster_id,
        generation_id,
        members,
        combined_pnl,
        shared_funding_source,
        confidence,
        internal_weight,
        density,
        same_side_ratio`

	listScorableWalletsSQL = `SELECT t.wallet_address
    FROM trades t
    JOIN markets m ON m.market_id = t.market_id
    WHERE m.outcome IS NOT NULL
    GROUP BY t.wallet_address
    HAVING COUNT(*) >= $1
    ORDER BY t.wallet_address;`

	readResolvedTradesSQL = `SELECT ` + tradeColumns + `
    FROM trades t
    JOIN markets m ON m.market_id = t.market_id
    WHERE m.outcome IS NOT NULL
      AND ($1 = '' OR t.wallet_address = $1)
    ORDER BY t.ts, t.trade_id;`

	readTradesForWalletsSQL = `SELECT ` + tradeColumns + `
    FROM trades t
    JOIN markets m ON m.market_id = t.market_id
    WHERE m.outcome IS NOT NULL
      AND t.wallet_address = ANY($1)
    ORDER BY t.market_id, t.ts, t.trade_id;`

	readMarketOutcomesSQL = `SELECT market_id, resolution_time, outcome
    FROM markets
    WHERE market_id = ANY($1);`

	upsertMarketSQL = `INSERT INTO markets (market_id, question, resolution_time, outcome)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (market_id) DO UPDATE
    SET question        = EXCLUDED.question,
        resolution_time = EXCLUDED.resolution_time,
        outcome         = EXCLUDED.outcome;`

	upsertTradeSQL = `INSERT INTO trades (
        trade_id, wallet_address, market_id, side, entry_price, size, ts, is_winner
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (trade_id) DO UPDATE
    SET wallet_address = EXCLUDED.wallet_address,
        market_id      = EXCLUDED.market_id,
        side           = EXCLUDED.side,
        entry_price    = EXCLUDED.entry_price,
        size           = EXCLUDED.size,
        ts             = EXCLUDED.ts,
        is_winner      = EXCLUDED.is_winner;`

	// cluster_id is owned by the cluster writer and left untouched here.
	upsertWalletScoreSQL = `INSERT INTO wallet_scores (
        wallet_address,
        total_trades,
        wins,
        win_rate,
        expected_win_rate,
        avg_lead_time_seconds,
        p_value,
        log10_p_value,
        p_value_method,
        size_win_correlation,
        total_pnl,
        insider_score,
        flags
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (wallet_address) DO UPDATE
    SET
        total_trades          = EXCLUDED.total_trades,
        wins                  = EXCLUDED.wins,
        win_rate              = EXCLUDED.win_rate,
        expected_win_rate     = EXCLUDED.expected_win_rate,
        avg_lead_time_seconds = EXCLUDED.avg_lead_time_seconds,
        p_value               = EXCLUDED.p_value,
        log10_p_value         = EXCLUDED.log10_p_value,
        p_value_method        = EXCLUDED.p_value_method,
        size_win_correlation  = EXCLUDED.size_win_correlation,
        total_pnl             = EXCLUDED.total_pnl,
        insider_score         = EXCLUDED.insider_score,
        flags                 = EXCLUDED.flags,
        updated_at            = now();`

	readWalletScoreSQL = `SELECT ` + walletScoreColumns + `
    FROM wallet_scores
    WHERE wallet_address = $1;`

	listTopScoresSQL = `SELECT ` + walletScoreColumns + `
    FROM wallet_scores
    WHERE insider_score >= $1
    ORDER BY insider_score DESC, wallet_address
    LIMIT $2;`

	clearClusterAssignmentsSQL = `UPDATE wallet_scores SET cluster_id = NULL WHERE cluster_id IS NOT NULL;`
	deleteClustersSQL          = `DELETE FROM clusters;`

	insertClusterSQL = `INSERT INTO clusters (` + clusterColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	assignClusterSQL = `UPDATE wallet_scores SET cluster_id = $1 WHERE wallet_address = ANY($2);`

	listClustersSQL = `SELECT ` + clusterColumns + `
    FROM clusters
    ORDER BY confidence DESC, cluster_id
    LIMIT $1;`

	insertRunSQL = `INSERT INTO pipeline_runs (run_id, started_at, status)
    VALUES ($1,$2,$3);`

	finishRunSQL = `UPDATE pipeline_runs
    SET finished_at    = $2,
        status         = $3,
        wallets_scored = $4,
        clusters_found = $5,
        error          = $6
    WHERE run_id = $1;`

	listRecentRunsSQL = `SELECT run_id, started_at, finished_at, status, wallets_scored, clusters_found, error
    FROM pipeline_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	upsertAlertSQL = `INSERT INTO alerts (kind, subject, score, channels)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (kind, subject) DO UPDATE
    SET score      = EXCLUDED.score,
        channels   = EXCLUDED.channels,
        created_at = now()
    RETURNING id, kind, subject, score, channels, created_at;`

	lastAlertSQL = `SELECT created_at FROM alerts WHERE kind = $1 AND subject = $2;`

	listRecentAlertsSQL = `SELECT id, kind, subject, score, channels, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TradeReader reads the settled trade history.
type TradeReader interface {
	ListScorableWallets(ctx context.Context, minTrades int) ([]string, error)
	ReadResolvedTrades(ctx context.Context, wallet string) ([]model.Trade, error)
	ReadTradesForWallets(ctx context.Context, wallets []string) ([]model.Trade, error)
	ReadMarketOutcome(ctx context.Context, marketID string) (model.MarketOutcome, error)
	ReadMarketOutcomes(ctx context.Context, marketIDs []string) (map[string]model.MarketOutcome, error)
}

// TradeWriter loads markets and trades produced by ingestion.
type TradeWriter interface {
	UpsertMarkets(ctx context.Context, markets []MarketRecord) error
	UpsertTrades(ctx context.Context, trades []model.Trade) error
}

// ScoreStore persists wallet scores.
type ScoreStore interface {
	WriteWalletScores(ctx context.Context, scores []model.WalletScore) error
	ReadWalletScore(ctx context.Context, wallet string) (model.WalletScore, error)
	ListTopScores(ctx context.Context, minScore float64, limit int) ([]model.WalletScore, error)
}

// ClusterStore persists cluster generations.
type ClusterStore interface {
	WriteClusters(ctx context.Context, generation string, clusters []model.Cluster) error
	ListClusters(ctx context.Context, limit int) ([]model.Cluster, error)
}

// RunStore records pipeline executions.
type RunStore interface {
	StartRun(ctx context.Context, id string, startedAt time.Time) error
	FinishRun(ctx context.Context, run RunRecord) error
	ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	LastAlerted(ctx context.Context, kind, subject string) (time.Time, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to trades, scores, clusters, runs and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Closing the session releases the lock even if the unlock fails.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListScorableWallets lists wallets with at least minTrades settled trades.
func (s *Store) ListScorableWallets(ctx context.Context, minTrades int) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listScorableWalletsSQL, minTrades)
	if err != nil {
		return nil, fmt.Errorf("list scorable wallets: %w", err)
	}
	wallets, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list scorable wallets: %w", err)
	}
	return wallets, nil
}

// ReadResolvedTrades reads trades on resolved markets; an empty wallet reads all.
func (s *Store) ReadResolvedTrades(ctx context.Context, wallet string) ([]model.Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, readResolvedTradesSQL, wallet)
	if err != nil {
		return nil, fmt.Errorf("read resolved trades: %w", err)
	}
	return collectTrades(rows)
}

// ReadTradesForWallets reads settled trades of the given wallets.
func (s *Store) ReadTradesForWallets(ctx context.Context, wallets []string) ([]model.Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, readTradesForWalletsSQL, wallets)
	if err != nil {
		return nil, fmt.Errorf("read trades for wallets: %w", err)
	}
	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]model.Trade, error) {
	defer rows.Close()
	trades := make([]model.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// ReadMarketOutcome reads one market.
func (s *Store) ReadMarketOutcome(ctx context.Context, marketID string) (model.MarketOutcome, error) {
	outcomes, err := s.ReadMarketOutcomes(ctx, []string{marketID})
	if err != nil {
		return model.MarketOutcome{}, err
	}
	m, ok := outcomes[marketID]
	if !ok {
		return model.MarketOutcome{}, ErrNotFound
	}
	return m, nil
}

// ReadMarketOutcomes reads markets keyed by ID; unknown IDs are absent.
func (s *Store) ReadMarketOutcomes(ctx context.Context, marketIDs []string) (map[string]model.MarketOutcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.MarketOutcome, len(marketIDs))
	if len(marketIDs) == 0 {
		return out, nil
	}
	rows, err := pool.Query(ctx, readMarketOutcomesSQL, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("read market outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMarketOutcome(rows)
		if err != nil {
			return nil, err
		}
		out[m.MarketID] = m
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertMarkets inserts or updates markets in one transaction.
func (s *Store) UpsertMarkets(ctx context.Context, markets []MarketRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(upsertMarketSQL, m.MarketID, m.Question, m.ResolutionTime, m.Outcome)
	}
	return s.sendBatch(ctx, pool, batch, "upsert markets")
}

// UpsertTrades inserts or updates trades in one transaction.
func (s *Store) UpsertTrades(ctx context.Context, trades []model.Trade) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		args, err := tradeArgs(t)
		if err != nil {
			return fmt.Errorf("trade %s: %w", t.ID, err)
		}
		batch.Queue(upsertTradeSQL, args...)
	}
	return s.sendBatch(ctx, pool, batch, "upsert trades")
}

// WriteWalletScores upserts a batch of scores atomically.
func (s *Store) WriteWalletScores(ctx context.Context, scores []model.WalletScore) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, score := range scores {
		args, err := walletScoreArgs(score)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", score.WalletAddress, err)
		}
		batch.Queue(upsertWalletScoreSQL, args...)
	}
	return s.sendBatch(ctx, pool, batch, "write wallet scores")
}

func (s *Store) sendBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ReadWalletScore reads one wallet's score.
func (s *Store) ReadWalletScore(ctx context.Context, wallet string) (model.WalletScore, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.WalletScore{}, err
	}
	score, err := scanWalletScore(pool.QueryRow(ctx, readWalletScoreSQL, wallet))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WalletScore{}, ErrNotFound
	}
	if err != nil {
		return model.WalletScore{}, fmt.Errorf("read wallet score: %w", err)
	}
	return score, nil
}

// ListTopScores lists scores at or above minScore, best first. A
// non-positive limit returns every match.
func (s *Store) ListTopScores(ctx context.Context, minScore float64, limit int) ([]model.WalletScore, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := pool.Query(ctx, listTopScoresSQL, minScore, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list top scores: %w", err)
	}
	defer rows.Close()

	scores := make([]model.WalletScore, 0)
	for rows.Next() {
		score, err := scanWalletScore(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return scores, nil
}

// WriteClusters replaces the current cluster generation. Prior clusters and
// wallet assignments are cleared in the same transaction, so readers see
// either the old generation or the new one.
func (s *Store) WriteClusters(ctx context.Context, generation string, clusters []model.Cluster) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(clearClusterAssignmentsSQL)
	batch.Queue(deleteClustersSQL)
	for _, c := range clusters {
		args, err := clusterArgs(generation, c)
		if err != nil {
			return fmt.Errorf("cluster %s: %w", c.ID, err)
		}
		batch.Queue(insertClusterSQL, args...)
		batch.Queue(assignClusterSQL, c.ID, c.Members)
	}
	return s.sendBatch(ctx, pool, batch, "write clusters")
}

// ListClusters lists the current generation, most confident first.
func (s *Store) ListClusters(ctx context.Context, limit int) ([]model.Cluster, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := pool.Query(ctx, listClustersSQL, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	clusters := make([]model.Cluster, 0)
	for rows.Next() {
		c, _, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return clusters, nil
}

// StartRun records the start of a pipeline run.
func (s *Store) StartRun(ctx context.Context, id string, startedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertRunSQL, id, startedAt, RunStatusRunning); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a pipeline run.
func (s *Store) FinishRun(ctx context.Context, run RunRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, finishRunSQL,
		run.ID,
		run.FinishedAt,
		run.Status,
		run.WalletsScored,
		run.ClustersFound,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentRuns lists the latest pipeline runs.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.WalletsScored, &r.ClustersFound, &r.Error); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// InsertAlert persists an alert emission, replacing any earlier one for the
// same subject.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, upsertAlertSQL,
		alert.Kind,
		alert.Subject,
		alert.Score.String(),
		alert.Channels,
	))
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// LastAlerted returns when subject was last alerted.
func (s *Store) LastAlerted(ctx context.Context, kind, subject string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	err = pool.QueryRow(ctx, lastAlertSQL, kind, subject).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last alerted: %w", err)
	}
	return at, true, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete alerts before: %w", err)
	}
	return nil
}

func scanAlert(row rowScanner) (AlertRecord, error) {
	var rec AlertRecord
	var score string
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Subject, &score, &rec.Channels, &rec.CreatedAt); err != nil {
		return AlertRecord{}, err
	}
	d, err := decimal.NewFromString(score)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse alert score: %w", err)
	}
	rec.Score = d
	return rec, nil
}

var (
	_ TradeReader    = (*Store)(nil)
	_ TradeWriter    = (*Store)(nil)
	_ ScoreStore     = (*Store)(nil)
	_ ClusterStore   = (*Store)(nil)
	_ RunStore       = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
