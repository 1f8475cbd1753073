package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"polysybil/internal/model"
)

// ScoreSink persists computed wallet scores. Writes of one batch are atomic.
type ScoreSink interface {
	WriteWalletScores(ctx context.Context, scores []model.WalletScore) error
}

// BatchSink buffers scores and flushes them in fixed-size batches. A failed
// batch stays buffered for the next flush.
type BatchSink struct {
	sink   ScoreSink
	size   int
	logger zerolog.Logger

	mu      sync.Mutex
	items   []model.WalletScore
	flushed int
}

// NewBatchSink wraps sink. A nil sink discards every score (dry run).
func NewBatchSink(sink ScoreSink, size int, logger zerolog.Logger) *BatchSink {
	if size <= 0 {
		size = 500
	}
	return &BatchSink{
		sink:   sink,
		size:   size,
		logger: logger.With().Str("component", "score_sink").Logger(),
	}
}

// Add enqueues a score, flushing when the buffer is full.
func (b *BatchSink) Add(ctx context.Context, score model.WalletScore) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, score)
	if len(b.items) < b.size {
		return nil
	}
	return b.flushLocked(ctx)
}

// Flush writes whatever is buffered.
func (b *BatchSink) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Flushed returns how many scores reached the sink.
func (b *BatchSink) Flushed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}

// Pending returns how many scores are buffered.
func (b *BatchSink) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// flushLocked keeps the buffer on failure so a later flush can retry it.
func (b *BatchSink) flushLocked(ctx context.Context) error {
	if len(b.items) == 0 {
		return nil
	}
	if b.sink == nil {
		b.items = b.items[:0]
		return nil
	}
	start := time.Now()
	batch := make([]model.WalletScore, len(b.items))
	copy(batch, b.items)
	if err := b.sink.WriteWalletScores(ctx, batch); err != nil {
		return err
	}
	b.items = b.items[:0]
	b.flushed += len(batch)
	b.logger.Debug().
		Int("size", len(batch)).
		Int64("took_ms", time.Since(start).Milliseconds()).
		Msg("flushed score batch")
	return nil
}
