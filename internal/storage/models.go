package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Run statuses.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusErrored  = "errored"
)

// Alert kinds.
const (
	AlertKindWallet  = "wallet"
	AlertKindCluster = "cluster"
)

// RunRecord is one score and detect pipeline execution. ID doubles as the
// cluster generation written by the run.
type RunRecord struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        string
	WalletsScored int
	ClustersFound int
	Error         *string
}

// AlertRecord captures an emitted alert for de-duplication and auditing.
// Subject is a wallet address or a cluster ID depending on Kind.
type AlertRecord struct {
	ID        int64
	Kind      string
	Subject   string
	Score     decimal.Decimal
	Channels  []string
	CreatedAt time.Time
}

// MarketRecord is a market as loaded by the importer.
type MarketRecord struct {
	MarketID       string
	Question       string
	ResolutionTime *time.Time
	Outcome        *string
}
