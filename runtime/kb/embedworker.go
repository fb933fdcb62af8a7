package kb

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wooster-ai/wooster/runtime/kb/vector"
	"github.com/wooster-ai/wooster/runtime/model"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// embedWorker drains the pending-embed queue in batches. Blocks marked
// embedded=0 in the metadata store are embedded through the configured
// embedder and written to the vector index; only then is the flag flipped, so
// a crash between the two re-embeds rather than losing vectors.
type embedWorker struct {
	store     *metaStore
	index     vector.Index
	embedder  model.Embedder
	batchSize int
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

const (
	defaultEmbedBatch = 64
	embedSweepEvery   = 30 * time.Second
	embedMaxElapsed   = 2 * time.Minute
)

func newEmbedWorker(store *metaStore, index vector.Index, embedder model.Embedder, batchSize int, logger telemetry.Logger, metrics telemetry.Metrics) *embedWorker {
	if batchSize <= 0 {
		batchSize = defaultEmbedBatch
	}
	return &embedWorker{
		store:     store,
		index:     index,
		embedder:  embedder,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (w *embedWorker) start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *embedWorker) stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// notify nudges the worker without blocking; a pending nudge is enough.
func (w *embedWorker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *embedWorker) loop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(embedSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}
		w.drain(ctx)
	}
}

// drain embeds pending blocks batch by batch until the queue is empty or an
// embedding failure suggests backing off until the next sweep.
func (w *embedWorker) drain(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		blocks, err := w.store.pendingEmbeds(ctx, w.batchSize)
		if err != nil {
			w.logger.Error(ctx, err, "load pending embeds")
			return
		}
		if len(blocks) == 0 {
			return
		}
		if err := w.embedBatch(ctx, blocks); err != nil {
			w.logger.Warn(ctx, "embedding batch failed, deferring to next sweep", "error", err, "blocks", len(blocks))
			w.metrics.IncCounter("kb.embed_batch_failures", 1)
			return
		}
		w.metrics.IncCounter("kb.blocks_embedded", float64(len(blocks)))
	}
}

// embedBatch embeds one batch with exponential backoff on transient provider
// failures, then upserts vectors and marks the blocks embedded.
func (w *embedWorker) embedBatch(ctx context.Context, blocks []*Block) error {
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		texts[i] = embeddingText(b)
	}

	var vectors [][]float32
	op := func() error {
		var err error
		vectors, err = w.embedder.Embed(ctx, texts)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = embedMaxElapsed
	start := time.Now()
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}
	w.metrics.RecordTimer("kb.embed_latency", time.Since(start))

	entries := make([]vector.Entry, 0, len(blocks))
	ids := make([]string, 0, len(blocks))
	for i, b := range blocks {
		if i >= len(vectors) {
			break
		}
		entries = append(entries, vector.Entry{ID: b.ID, Vector: vectors[i]})
		ids = append(ids, b.ID)
	}
	if err := w.index.Upsert(ctx, entries); err != nil {
		return err
	}
	return w.store.markEmbedded(ctx, ids)
}

// embeddingText prefixes the heading breadcrumb so a block embeds with its
// document context.
func embeddingText(b *Block) string {
	if b.HeadingPath == "" {
		return b.Text
	}
	return b.HeadingPath + "\n" + b.Text
}
