package kb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/kb/vector"
	"github.com/wooster-ai/wooster/runtime/model"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// Service is the knowledge base facade: ingestion, watching, hybrid
// retrieval and link-graph queries.
type Service struct {
	store    *metaStore
	index    vector.Index
	embedder model.Embedder
	worker   *embedWorker
	watch    *watcher
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	watchDirs      []string
	namespaces     []string
	privacyExclude map[string]bool

	// ingestMu serializes writes; parsing may happen concurrently but the
	// store sees one writer at a time.
	ingestMu sync.Mutex
}

// Retrieval pipeline bounds.
const (
	ftsCandidates    = 50
	vectorCandidates = 50
	defaultTopK      = 10
	expansionCap     = 4
	expansionMinRefs = 2

	ftsWeight    = 0.4
	vectorWeight = 0.6
)

// New opens the knowledge base stores. A nil embedder is allowed; retrieval
// then runs FTS-only and marks results degraded. If the configured embedder
// identity differs from the one the index was built with, the vector index
// is discarded and rebuilt from scratch.
func New(cfg config.KnowledgeBase, embedder model.Embedder, logger telemetry.Logger, metrics telemetry.Metrics) (*Service, error) {
	store, err := openMetaStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	dims := cfg.Vector.Dims
	ctx := context.Background()
	if embedder != nil {
		embModel, embDims := embedder.Identity()
		if embDims > 0 {
			dims = embDims
		}
		err := store.checkEmbeddingMeta(ctx, embModel, dims)
		if errors.Is(err, ErrEmbedderMismatch) {
			logger.Warn(ctx, "embedder identity changed, rebuilding vector index", "model", embModel, "dims", dims)
			if err := store.resetEmbeddingMeta(ctx); err != nil {
				store.close()
				return nil, err
			}
			os.Remove(filepath.Join(cfg.Vector.Path, "vectors.db"))
			if err := store.checkEmbeddingMeta(ctx, embModel, dims); err != nil {
				store.close()
				return nil, err
			}
		} else if err != nil {
			store.close()
			return nil, err
		}
	}

	index, err := vector.OpenBolt(cfg.Vector.Path, "vectors", dims)
	if err != nil {
		store.close()
		return nil, err
	}

	excluded := make(map[string]bool, len(cfg.PrivacyExcludeTags))
	for _, t := range cfg.PrivacyExcludeTags {
		excluded[t] = true
	}
	s := &Service{
		store:          store,
		index:          index,
		embedder:       embedder,
		logger:         logger,
		metrics:        metrics,
		watchDirs:      cfg.WatchDirs,
		namespaces:     cfg.Namespaces,
		privacyExclude: excluded,
	}
	if embedder != nil {
		s.worker = newEmbedWorker(store, index, embedder, cfg.EmbedBatchSize, logger, metrics)
	}
	if len(cfg.WatchDirs) > 0 {
		s.watch, err = newWatcher(s, cfg.DebounceWindow)
		if err != nil {
			index.Close()
			store.close()
			return nil, fmt.Errorf("create file watcher: %w", err)
		}
	}
	return s, nil
}

// Start launches the embed worker and file watcher, then reconciles the
// store against the filesystem in the background.
func (s *Service) Start(ctx context.Context) error {
	if s.worker != nil {
		s.worker.start(ctx)
	}
	if s.watch != nil {
		if err := s.watch.start(ctx); err != nil {
			return err
		}
	}
	go func() {
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Error(ctx, err, "startup reconciliation")
		}
	}()
	return nil
}

// Close shuts the watcher, worker and stores down in reverse start order.
func (s *Service) Close() error {
	if s.watch != nil {
		s.watch.stop()
	}
	if s.worker != nil {
		s.worker.stop()
	}
	s.index.Close()
	return s.store.close()
}

// Query runs the hybrid retrieval pipeline: gate, lexical and vector
// candidate retrieval, weighted rerank, top-k selection, one-hop link
// expansion, and trace persistence.
func (s *Service) Query(ctx context.Context, query string, opts QueryOptions) (*QueryResult, error) {
	if !opts.ForceRetrieval && !needsRetrieval(query) {
		s.metrics.IncCounter("kb.queries_gated", 1)
		return &QueryResult{Skipped: true}, nil
	}
	start := time.Now()
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	ftsHits, err := s.store.searchFTS(ctx, query, opts.Namespace, ftsCandidates)
	if err != nil {
		return nil, fmt.Errorf("fts retrieval: %w", err)
	}

	var (
		vecHits  []ScoredBlock
		degraded bool
	)
	if s.embedder != nil {
		vecHits, err = s.vectorSearch(ctx, query)
		if err != nil {
			s.logger.Warn(ctx, "vector retrieval unavailable, degrading to fts only", "error", err)
			degraded = true
		}
	} else {
		degraded = true
	}

	reranked := mergeAndRerank(ftsHits, vecHits)
	if opts.Namespace != "" || len(s.privacyExclude) > 0 {
		reranked, err = s.filterHits(ctx, reranked, opts.Namespace)
		if err != nil {
			return nil, err
		}
	}
	selected := reranked
	if len(selected) > topK {
		selected = selected[:topK]
	}

	contexts, err := s.buildContexts(ctx, selected)
	if err != nil {
		return nil, err
	}
	expanded, err := s.expand(ctx, contexts)
	if err != nil {
		s.logger.Warn(ctx, "link expansion failed", "error", err)
	} else {
		contexts = append(contexts, expanded...)
	}

	trace := &Trace{
		ID:         uuid.NewString(),
		Timestamp:  start,
		Query:      query,
		FTSHits:    ftsHits,
		VectorHits: vecHits,
		Reranked:   reranked,
		Selected:   selectedIDs(contexts),
		Latency:    time.Since(start),
		Degraded:   degraded,
	}
	if err := s.store.insertTrace(ctx, trace); err != nil {
		s.logger.Error(ctx, err, "persist retrieval trace")
	}
	s.metrics.IncCounter("kb.queries", 1)
	s.metrics.RecordTimer("kb.query_latency", trace.Latency)

	return &QueryResult{
		Contexts: contexts,
		TraceID:  trace.ID,
		Degraded: degraded,
	}, nil
}

// Trace returns the persisted diagnostic record of a past query.
func (s *Service) Trace(ctx context.Context, id string) (*Trace, error) {
	return s.store.trace(ctx, id)
}

// Backlinks returns the links resolving to the given document.
func (s *Service) Backlinks(ctx context.Context, docID string) ([]*Link, error) {
	return s.store.backlinks(ctx, docID)
}

// UnlinkedMentions finds blocks in other documents that mention the
// document's title without linking to it.
func (s *Service) UnlinkedMentions(ctx context.Context, docID string) ([]*MentionCandidate, error) {
	return s.store.unlinkedMentions(ctx, docID)
}

// Document looks a document up by id.
func (s *Service) Document(ctx context.Context, id string) (*Document, error) {
	return s.store.documentByID(ctx, id)
}

// ExportNamespace concatenates every non-excluded document of a namespace
// into one Markdown bundle, suitable for seeding a model context.
func (s *Service) ExportNamespace(ctx context.Context, namespace string) (string, error) {
	docs, err := s.store.documentsInNamespace(ctx, namespace)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, doc := range docs {
		if s.excluded(doc) {
			continue
		}
		blocks, err := s.store.blocksForDoc(ctx, doc.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "<!-- %s -->\n# %s\n\n", doc.Path, doc.Title)
		for _, b := range blocks {
			if b.Kind == BlockHeading {
				continue
			}
			sb.WriteString(b.Text)
			sb.WriteString("\n\n")
		}
	}
	return sb.String(), nil
}

func (s *Service) vectorSearch(ctx context.Context, query string) ([]ScoredBlock, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}
	hits, err := s.index.Search(ctx, vecs[0], vectorCandidates)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredBlock, len(hits))
	for i, h := range hits {
		out[i] = ScoredBlock{BlockID: h.ID, Score: h.Score}
	}
	return out, nil
}

// filterHits drops blocks outside the requested namespace and blocks from
// documents tagged privacy-excluded. Vector hits have no namespace filter at
// search time, so it is applied here.
func (s *Service) filterHits(ctx context.Context, hits []ScoredBlock, namespace string) ([]ScoredBlock, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.BlockID
	}
	blocks, err := s.store.blocksByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	docCache := map[string]*Document{}
	out := hits[:0]
	for _, h := range hits {
		b, ok := blocks[h.BlockID]
		if !ok {
			continue
		}
		doc, ok := docCache[b.DocID]
		if !ok {
			doc, err = s.store.documentByID(ctx, b.DocID)
			if err != nil {
				return nil, err
			}
			docCache[b.DocID] = doc
		}
		if doc == nil || s.excluded(doc) {
			continue
		}
		if namespace != "" && doc.Namespace != namespace {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Service) excluded(doc *Document) bool {
	for _, t := range doc.Tags {
		if s.privacyExclude[t] {
			return true
		}
	}
	return false
}

func (s *Service) buildContexts(ctx context.Context, hits []ScoredBlock) ([]Context, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.BlockID
	}
	blocks, err := s.store.blocksByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	docCache := map[string]*Document{}
	var contexts []Context
	for _, h := range hits {
		b, ok := blocks[h.BlockID]
		if !ok {
			continue
		}
		doc, ok := docCache[b.DocID]
		if !ok {
			doc, err = s.store.documentByID(ctx, b.DocID)
			if err != nil {
				return nil, err
			}
			docCache[b.DocID] = doc
		}
		if doc == nil {
			continue
		}
		contexts = append(contexts, Context{
			Block: b,
			Citation: Citation{
				DocID: doc.ID,
				Path:  doc.Path,
				Start: b.Start,
				End:   b.End,
			},
			Score: h.Score,
		})
	}
	return contexts, nil
}

// expand adds up to expansionCap neighbor blocks per selected block whose
// document is well linked (in-degree at or above expansionMinRefs). The
// neighbors are the source blocks of backlinks, which usually carry the
// sentence that made the connection.
func (s *Service) expand(ctx context.Context, selected []Context) ([]Context, error) {
	have := map[string]bool{}
	for _, c := range selected {
		have[c.Block.ID] = true
	}
	var out []Context
	for _, c := range selected {
		deg, err := s.store.inDegree(ctx, c.Block.DocID)
		if err != nil {
			return nil, err
		}
		if deg < expansionMinRefs {
			continue
		}
		links, err := s.store.backlinks(ctx, c.Block.DocID)
		if err != nil {
			return nil, err
		}
		added := 0
		for _, l := range links {
			if added >= expansionCap {
				break
			}
			if have[l.SrcBlockID] {
				continue
			}
			ctxs, err := s.buildContexts(ctx, []ScoredBlock{{BlockID: l.SrcBlockID, Score: c.Score * 0.5}})
			if err != nil {
				return nil, err
			}
			for i := range ctxs {
				ctxs[i].Expanded = true
				have[ctxs[i].Block.ID] = true
				out = append(out, ctxs[i])
				added++
			}
		}
	}
	return out, nil
}

// mergeAndRerank min-max normalizes each candidate list to [0, 1] and
// combines them with fixed weights. Blocks found by both retrievers sum
// both contributions, which favors agreement.
func mergeAndRerank(fts, vec []ScoredBlock) []ScoredBlock {
	combined := map[string]float64{}
	for _, h := range normalizeScores(fts) {
		combined[h.BlockID] += ftsWeight * h.Score
	}
	for _, h := range normalizeScores(vec) {
		combined[h.BlockID] += vectorWeight * h.Score
	}
	out := make([]ScoredBlock, 0, len(combined))
	for id, score := range combined {
		out = append(out, ScoredBlock{BlockID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].BlockID < out[j].BlockID
	})
	return out
}

func normalizeScores(hits []ScoredBlock) []ScoredBlock {
	if len(hits) == 0 {
		return nil
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	out := make([]ScoredBlock, len(hits))
	for i, h := range hits {
		score := 1.0
		if max > min {
			score = (h.Score - min) / (max - min)
		}
		out[i] = ScoredBlock{BlockID: h.BlockID, Score: score}
	}
	return out
}

func selectedIDs(contexts []Context) []string {
	ids := make([]string, len(contexts))
	for i, c := range contexts {
		ids[i] = c.Block.ID
	}
	return ids
}

// needsRetrieval is the gate classifier: pure acknowledgments and greetings
// skip retrieval entirely. Anything with substance retrieves.
func needsRetrieval(query string) bool {
	q := strings.ToLower(strings.TrimSpace(strings.Trim(query, "!.?,")))
	switch q {
	case "", "hi", "hey", "hello", "thanks", "thank you", "ok", "okay", "yes", "no", "cool", "nice", "got it", "good morning", "good night", "bye", "goodbye":
		return false
	}
	return len(strings.Fields(q)) >= 2 || len(q) >= 12
}
