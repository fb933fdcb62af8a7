// Package kb implements the knowledge base: incremental Markdown ingestion
// with file watching, content-hashed blocks, and hybrid retrieval combining
// lexical full-text search with dense vector search. Queries are trace-logged
// for diagnostics.
package kb

import (
	"errors"
	"time"
)

type (
	// BlockKind classifies a parsed Markdown block.
	BlockKind string

	// RefKind classifies a link reference.
	RefKind string

	// Document is one ingested Markdown file. Namespace segregates general
	// notes from user-profile facts.
	Document struct {
		ID          string
		Path        string
		Title       string
		Aliases     []string
		Tags        []string
		CreatedAt   time.Time
		UpdatedAt   time.Time
		ContentHash string
		Namespace   string
	}

	// Block is one content-hashed unit of a document. Start and End are byte
	// offsets into the normalized document text and double as stable
	// citation coordinates.
	Block struct {
		ID          string
		DocID       string
		Kind        BlockKind
		HeadingPath string
		Start       int
		End         int
		Text        string
		Hash        string
	}

	// Link is a wikilink or transclusion reference found in a block.
	// ResolvedDocID is empty while the target document is unknown.
	Link struct {
		SrcBlockID    string
		DstRef        string
		ResolvedDocID string
		RefKind       RefKind

		// SrcBlock is set during parsing, before block IDs are assigned.
		SrcBlock *Block `json:"-"`
	}

	// Citation locates a context in its source document.
	Citation struct {
		DocID string
		Path  string
		Start int
		End   int
	}

	// Context is one retrieved block plus its citation and relevance score.
	Context struct {
		Block    *Block
		Citation Citation
		Score    float64
		// Expanded marks contexts added by link-graph expansion rather than
		// direct retrieval.
		Expanded bool
	}

	// QueryResult is the outcome of a hybrid query.
	QueryResult struct {
		Contexts []Context
		TraceID  string
		// Degraded reports FTS-only operation because the embedder was
		// unavailable.
		Degraded bool
		// Skipped reports that the gate classifier decided the query needs
		// no retrieval.
		Skipped bool
	}

	// QueryOptions tune one query.
	QueryOptions struct {
		// Namespace restricts retrieval; empty searches all namespaces.
		Namespace string
		// TopK caps the returned contexts. Zero means the default (10).
		TopK int
		// ForceRetrieval skips the gate classifier.
		ForceRetrieval bool
		// WantCitations is advisory; citations are always computed.
		WantCitations bool
	}

	// Trace is the persisted diagnostic record of one hybrid query.
	Trace struct {
		ID         string
		Timestamp  time.Time
		Query      string
		FTSHits    []ScoredBlock
		VectorHits []ScoredBlock
		Reranked   []ScoredBlock
		Selected   []string
		Latency    time.Duration
		Degraded   bool
	}

	// ScoredBlock pairs a block id with a relevance score.
	ScoredBlock struct {
		BlockID string  `json:"block_id"`
		Score   float64 `json:"score"`
	}

	// MentionCandidate is an unlinked mention of a document.
	MentionCandidate struct {
		BlockID string
		DocID   string
		Excerpt string
	}
)

// Block kinds.
const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockCode      BlockKind = "code"
	BlockListItem  BlockKind = "list_item"
)

// Reference kinds.
const (
	RefWikilink     RefKind = "wikilink"
	RefTransclusion RefKind = "transclusion"
	RefAlias        RefKind = "alias"
)

// ErrIngestion wraps per-document parsing or embedding failures. A failing
// document is skipped with a retry record; it never poisons other documents.
var ErrIngestion = errors.New("ingestion error")

// ErrEmbedderMismatch reports that the vector index was built with a
// different embedding model or dimension than the one configured. Vectors are
// never silently reinterpreted; an explicit rebuild is required.
var ErrEmbedderMismatch = errors.New("embedding model mismatch: rebuild required")
