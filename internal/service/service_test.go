package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"polysybil/internal/alerting"
	"polysybil/internal/config"
	"polysybil/internal/model"
	"polysybil/internal/scoring"
	"polysybil/internal/storage"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu       sync.Mutex
	trades   []model.Trade
	markets  map[string]model.MarketOutcome
	scores   map[string]model.WalletScore
	clusters []model.Cluster
	gen      string
	runs     []storage.RunRecord
	alerts   map[string]storage.AlertRecord
	locked   bool
	readErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		markets: map[string]model.MarketOutcome{},
		scores:  map[string]model.WalletScore{},
		alerts:  map[string]storage.AlertRecord{},
	}
}

func (m *memoryStore) ListScorableWallets(_ context.Context, minTrades int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	counts := map[string]int{}
	for _, t := range m.trades {
		counts[t.WalletAddress]++
	}
	var wallets []string
	for w, n := range counts {
		if n >= minTrades {
			wallets = append(wallets, w)
		}
	}
	slices.Sort(wallets)
	return wallets, nil
}

func (m *memoryStore) ReadResolvedTrades(_ context.Context, wallet string) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Trade
	for _, t := range m.trades {
		if wallet == "" || t.WalletAddress == wallet {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryStore) ReadTradesForWallets(_ context.Context, wallets []string) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Trade
	for _, t := range m.trades {
		if slices.Contains(wallets, t.WalletAddress) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryStore) ReadMarketOutcome(_ context.Context, id string) (model.MarketOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.markets[id]
	if !ok {
		return model.MarketOutcome{}, storage.ErrNotFound
	}
	return mo, nil
}

func (m *memoryStore) ReadMarketOutcomes(_ context.Context, ids []string) (map[string]model.MarketOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]model.MarketOutcome{}
	for _, id := range ids {
		if mo, ok := m.markets[id]; ok {
			out[id] = mo
		}
	}
	return out, nil
}

func (m *memoryStore) WriteWalletScores(_ context.Context, scores []model.WalletScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range scores {
		s.ClusterID = m.scores[s.WalletAddress].ClusterID
		m.scores[s.WalletAddress] = s
	}
	return nil
}

func (m *memoryStore) ReadWalletScore(_ context.Context, wallet string) (model.WalletScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[wallet]
	if !ok {
		return model.WalletScore{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) ListTopScores(_ context.Context, minScore float64, limit int) ([]model.WalletScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WalletScore
	for _, s := range m.scores {
		if s.InsiderScore >= minScore {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, scoring.CompareScores)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) WriteClusters(_ context.Context, generation string, clusters []model.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for w, s := range m.scores {
		s.ClusterID = nil
		m.scores[w] = s
	}
	for _, c := range clusters {
		for _, w := range c.Members {
			if s, ok := m.scores[w]; ok {
				id := c.ID
				s.ClusterID = &id
				m.scores[w] = s
			}
		}
	}
	m.clusters = clusters
	m.gen = generation
	return nil
}

func (m *memoryStore) ListClusters(_ context.Context, _ int) ([]model.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clusters, nil
}

func (m *memoryStore) StartRun(_ context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, storage.RunRecord{ID: id, StartedAt: startedAt, Status: storage.RunStatusRunning})
	return nil
}

func (m *memoryStore) FinishRun(_ context.Context, run storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memoryStore) ListRecentRuns(_ context.Context, _ int) ([]storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.runs), nil
}

func (m *memoryStore) InsertAlert(_ context.Context, a storage.AlertRecord) (storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.alerts) + 1)
	a.CreatedAt = time.Now().UTC()
	m.alerts[a.Kind+"/"+a.Subject] = a
	return a, nil
}

func (m *memoryStore) LastAlerted(_ context.Context, kind, subject string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[kind+"/"+subject]
	return a.CreatedAt, ok, nil
}

func (m *memoryStore) ListRecentAlerts(_ context.Context, _ int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (m *memoryStore) DeleteAlertsBefore(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, a := range m.alerts {
		if a.CreatedAt.Before(cutoff) {
			delete(m.alerts, key)
		}
	}
	return nil
}

func (m *memoryStore) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	if m.locked {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type captureNotifier struct {
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n alerting.Notification) error {
	c.notes = append(c.notes, n)
	return nil
}

// seedRing gives each wallet the same 20 long-odds bets, 18 of them winning,
// placed seconds apart.
func seedRing(m *memoryStore, wallets ...string) {
	for i := 0; i < 20; i++ {
		marketID := fmt.Sprintf("m%02d", i)
		ts := baseTime.Add(time.Duration(i) * time.Hour)
		outcome := model.ResolutionNo
		if i < 18 {
			outcome = model.ResolutionYes
		}
		m.markets[marketID] = model.MarketOutcome{MarketID: marketID, ResolutionTime: ts.Add(30 * time.Minute), Outcome: outcome}
		for k, w := range wallets {
			win := i < 18
			m.trades = append(m.trades, model.Trade{
				ID:            fmt.Sprintf("%s-%02d", w, i),
				WalletAddress: w,
				MarketID:      marketID,
				Side:          model.SideYes,
				EntryPrice:    0.10,
				Size:          100,
				Timestamp:     ts.Add(time.Duration(k) * 10 * time.Second),
				IsWinner:      &win,
			})
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
alerting:
  enabled: true
  min_insider_score: 50
  min_cluster_confidence: 0.7
  cooldown: 24h
  max_per_run: 10
scoring:
  workers: 2
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, store *memoryStore, notifier alerting.Notifier) *Service {
	t.Helper()
	svc, err := New(testConfig(t), Deps{
		Trades:   store,
		Scores:   store,
		Clusters: store,
		Runs:     store,
		Alerts:   store,
		Locker:   store,
		Notifier: notifier,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestProcessTickScoresDetectsAndAlerts(t *testing.T) {
	store := newMemoryStore()
	seedRing(store, "0xa", "0xb", "0xc")
	notifier := &captureNotifier{}
	svc := newTestService(t, store, notifier)

	if err := svc.ProcessTick(context.Background(), baseTime); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}

	if len(store.scores) != 3 {
		t.Fatalf("expected 3 scores, got %d", len(store.scores))
	}
	if len(store.clusters) != 1 || len(store.clusters[0].Members) != 3 {
		t.Fatalf("expected one 3-member cluster, got %+v", store.clusters)
	}
	for w, s := range store.scores {
		if s.ClusterID == nil || *s.ClusterID != store.clusters[0].ID {
			t.Fatalf("wallet %s not assigned to cluster", w)
		}
	}

	if len(store.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(store.runs))
	}
	run := store.runs[0]
	if run.Status != storage.RunStatusComplete || run.WalletsScored != 3 || run.ClustersFound != 1 || run.FinishedAt == nil {
		t.Fatalf("unexpected run record %+v", run)
	}
	if store.gen != run.ID {
		t.Fatalf("expected generation %s, got %s", run.ID, store.gen)
	}

	if len(notifier.notes) != 4 {
		t.Fatalf("expected 3 wallet alerts and 1 cluster alert, got %d", len(notifier.notes))
	}
	first := notifier.notes[0]
	if first.Kind != alerting.KindCluster || len(first.Members) != 3 {
		t.Fatalf("expected the cluster alert first, got %+v", first)
	}
	if len(store.alerts) != 4 {
		t.Fatalf("expected 4 alert records, got %d", len(store.alerts))
	}

	// Within the cooldown nothing is re-sent.
	if err := svc.ProcessTick(context.Background(), baseTime.Add(time.Hour)); err != nil {
		t.Fatalf("second ProcessTick: %v", err)
	}
	if len(notifier.notes) != 4 {
		t.Fatalf("expected no new alerts, got %d total", len(notifier.notes))
	}
	if len(store.runs) != 2 {
		t.Fatalf("expected two runs, got %d", len(store.runs))
	}
}

func TestProcessTickSkipsWhenLocked(t *testing.T) {
	store := newMemoryStore()
	seedRing(store, "0xa", "0xb")
	store.locked = true
	svc := newTestService(t, store, &captureNotifier{})

	if err := svc.ProcessTick(context.Background(), baseTime); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if len(store.runs) != 0 || len(store.scores) != 0 {
		t.Fatalf("expected no work while locked, got %d runs %d scores", len(store.runs), len(store.scores))
	}
}

func TestProcessTickRecordsFailure(t *testing.T) {
	store := newMemoryStore()
	store.readErr = errors.New("connection reset")
	svc := newTestService(t, store, &captureNotifier{})

	if err := svc.ProcessTick(context.Background(), baseTime); err == nil {
		t.Fatal("expected error")
	}
	if len(store.runs) != 1 || store.runs[0].Status != storage.RunStatusErrored || store.runs[0].Error == nil {
		t.Fatalf("expected errored run record, got %+v", store.runs)
	}
}

func TestDetectDryRunDoesNotWrite(t *testing.T) {
	store := newMemoryStore()
	seedRing(store, "0xa", "0xb")
	svc := newTestService(t, store, nil)

	summary, err := svc.Score(context.Background(), ScoreOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if summary.Scored != 2 || len(store.scores) != 0 {
		t.Fatalf("dry run persisted or missed scores: scored=%d stored=%d", summary.Scored, len(store.scores))
	}

	result, err := svc.Detect(context.Background(), DetectOptions{Scores: summary.Scores, DryRun: true})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(result.Clusters) != 1 || result.Clusters[0].Confidence != 1 {
		t.Fatalf("expected one confident pair cluster, got %+v", result.Clusters)
	}
	if len(result.Graph.Edges) != 1 || result.Graph.Edges[0].CoTrades != 20 {
		t.Fatalf("unexpected graph %+v", result.Graph.Edges)
	}
	if store.clusters != nil || store.gen != "" {
		t.Fatal("dry run wrote clusters")
	}
}

func TestDispatchAlertsRespectsCap(t *testing.T) {
	store := newMemoryStore()
	notifier := &captureNotifier{}
	svc := newTestService(t, store, notifier)
	svc.policy.MaxPerRun = 2

	scores := []model.WalletScore{
		{WalletAddress: "0x1", InsiderScore: 90},
		{WalletAddress: "0x2", InsiderScore: 60},
		{WalletAddress: "0x3", InsiderScore: 80},
		{WalletAddress: "0x4", InsiderScore: 10},
	}
	if sent := svc.dispatchAlerts(context.Background(), scores, nil); sent != 2 {
		t.Fatalf("expected 2 alerts, got %d", sent)
	}
	if notifier.notes[0].Subject() != "0x1" || notifier.notes[1].Subject() != "0x3" {
		t.Fatalf("expected strongest wallets first, got %s %s", notifier.notes[0].Subject(), notifier.notes[1].Subject())
	}
}

func TestProcessTickPrunesExpiredAlerts(t *testing.T) {
	store := newMemoryStore()
	seedRing(store, "0xa", "0xb")
	store.alerts["wallet/0xstale"] = storage.AlertRecord{
		Kind:      storage.AlertKindWallet,
		Subject:   "0xstale",
		CreatedAt: time.Now().UTC().Add(-40 * 24 * time.Hour),
	}
	svc := newTestService(t, store, &captureNotifier{})
	if svc.policy.Retention != 30*24*time.Hour {
		t.Fatalf("unexpected default retention %v", svc.policy.Retention)
	}

	if err := svc.ProcessTick(context.Background(), baseTime); err != nil {
		t.Fatalf("ProcessTick: %v", err)
	}
	if _, ok := store.alerts["wallet/0xstale"]; ok {
		t.Fatal("alert older than the retention period should be pruned")
	}
	if _, ok := store.alerts["wallet/0xa"]; !ok {
		t.Fatal("alerts from this run should be kept")
	}
}
