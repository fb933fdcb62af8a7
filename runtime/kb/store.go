package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// metaStore persists documents, blocks, links, FTS rows, retrieval traces
// and the embedding sidecar record in a single WAL-mode sqlite database.
// FTS uses an FTS5 table with porter stemming, maintained in the same
// transaction as the block rows so the two can never diverge.
type metaStore struct {
	db *sql.DB
}

const kbSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	path         TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL DEFAULT '',
	tags         TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	content_hash TEXT NOT NULL,
	namespace    TEXT NOT NULL DEFAULT 'notes'
);

CREATE TABLE IF NOT EXISTS doc_aliases (
	doc_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	alias  TEXT NOT NULL,
	PRIMARY KEY (doc_id, alias)
);

CREATE TABLE IF NOT EXISTS blocks (
	id           TEXT PRIMARY KEY,
	doc_id       TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	kind         TEXT NOT NULL,
	heading_path TEXT NOT NULL DEFAULT '',
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	text         TEXT NOT NULL,
	block_hash   TEXT NOT NULL,
	embedded     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_blocks_doc ON blocks(doc_id);
CREATE INDEX IF NOT EXISTS idx_blocks_pending ON blocks(embedded) WHERE embedded = 0;

CREATE VIRTUAL TABLE IF NOT EXISTS blocks_fts USING fts5(
	block_id UNINDEXED,
	text,
	tokenize = 'porter unicode61'
);

CREATE TABLE IF NOT EXISTS links (
	src_block_id    TEXT NOT NULL REFERENCES blocks(id) ON DELETE CASCADE,
	dst_reference   TEXT NOT NULL,
	resolved_doc_id TEXT,
	ref_kind        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_links_resolved ON links(resolved_doc_id);

CREATE TABLE IF NOT EXISTS retrieval_traces (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMP NOT NULL,
	query       TEXT NOT NULL,
	fts_hits    TEXT NOT NULL DEFAULT '[]',
	vector_hits TEXT NOT NULL DEFAULT '[]',
	reranked    TEXT NOT NULL DEFAULT '[]',
	selected    TEXT NOT NULL DEFAULT '[]',
	latency_ms  INTEGER NOT NULL,
	degraded    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS embedding_meta (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	model TEXT NOT NULL,
	dims  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_retries (
	path     TEXT PRIMARY KEY,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_at  TIMESTAMP NOT NULL,
	reason   TEXT NOT NULL DEFAULT ''
);
`

func openMetaStore(path string) (*metaStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open kb db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(kbSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply kb schema: %w", err)
	}
	return &metaStore{db: db}, nil
}

func (s *metaStore) close() error { return s.db.Close() }

// checkEmbeddingMeta enforces the sidecar contract: the first writer records
// the embedder identity; later openers must match it exactly or receive
// ErrEmbedderMismatch.
func (s *metaStore) checkEmbeddingMeta(ctx context.Context, model string, dims int) error {
	var storedModel string
	var storedDims int
	err := s.db.QueryRowContext(ctx, `SELECT model, dims FROM embedding_meta WHERE id = 1`).Scan(&storedModel, &storedDims)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, `INSERT INTO embedding_meta (id, model, dims) VALUES (1, ?, ?)`, model, dims)
		if err != nil {
			return fmt.Errorf("record embedding meta: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read embedding meta: %w", err)
	}
	if storedModel != model || storedDims != dims {
		return fmt.Errorf("%w: index built with %s/%d, configured %s/%d",
			ErrEmbedderMismatch, storedModel, storedDims, model, dims)
	}
	return nil
}

// resetEmbeddingMeta clears the sidecar record and all embedded flags as
// part of an explicit rebuild.
func (s *metaStore) resetEmbeddingMeta(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embedding_meta`); err != nil {
		return fmt.Errorf("reset embedding meta: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE blocks SET embedded = 0`); err != nil {
		return fmt.Errorf("reset embedded flags: %w", err)
	}
	return nil
}

func (s *metaStore) documentByPath(ctx context.Context, path string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, title, tags, created_at, updated_at, content_hash, namespace FROM documents WHERE path = ?`, path)
	return scanDocument(ctx, s.db, row)
}

func (s *metaStore) documentByID(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, title, tags, created_at, updated_at, content_hash, namespace FROM documents WHERE id = ?`, id)
	return scanDocument(ctx, s.db, row)
}

func (s *metaStore) documentsInNamespace(ctx context.Context, ns string) ([]*Document, error) {
	query := `SELECT id, path, title, tags, created_at, updated_at, content_hash, namespace FROM documents`
	var args []any
	if ns != "" {
		query += ` WHERE namespace = ?`
		args = append(args, ns)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY path`, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(ctx, s.db, rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// applyParsed upserts one parsed document in a single transaction: document
// row, block diff by hash, FTS rows and links. It returns the blocks that
// need (re-)embedding and the ids of removed blocks so the caller can prune
// the vector index. Unchanged blocks (same hash) keep their ids and vectors.
func (s *metaStore) applyParsed(ctx context.Context, doc *Document, parsed *parsedDoc) (changed []*Block, removed []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	existing, err := s.documentByPathTx(ctx, tx, doc.Path)
	if err != nil {
		return nil, nil, err
	}
	if existing == nil {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		doc.CreatedAt = now
	} else {
		doc.ID = existing.ID
		doc.CreatedAt = existing.CreatedAt
	}
	doc.UpdatedAt = now
	tags, _ := json.Marshal(doc.Tags)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, path, title, tags, created_at, updated_at, content_hash, namespace)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET title=excluded.title, tags=excluded.tags,
			updated_at=excluded.updated_at, content_hash=excluded.content_hash, namespace=excluded.namespace`,
		doc.ID, doc.Path, doc.Title, string(tags), doc.CreatedAt, doc.UpdatedAt, doc.ContentHash, doc.Namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("upsert document: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM doc_aliases WHERE doc_id = ?`, doc.ID); err != nil {
		return nil, nil, fmt.Errorf("clear aliases: %w", err)
	}
	for _, alias := range doc.Aliases {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO doc_aliases (doc_id, alias) VALUES (?, ?)`, doc.ID, alias); err != nil {
			return nil, nil, fmt.Errorf("insert alias: %w", err)
		}
	}

	// Diff blocks by hash: unchanged blocks keep their ids (and vectors),
	// everything else is replaced.
	oldByHash := map[string]string{}
	rows, err := tx.QueryContext(ctx, `SELECT id, block_hash FROM blocks WHERE doc_id = ?`, doc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load existing blocks: %w", err)
	}
	for rows.Next() {
		var id, hash string
		if err = rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan existing block: %w", err)
		}
		oldByHash[hash] = id
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, nil, err
	}

	kept := map[string]bool{}
	for _, b := range parsed.Blocks {
		b.DocID = doc.ID
		if id, ok := oldByHash[b.Hash]; ok && !kept[id] {
			b.ID = id
			kept[id] = true
			// Offsets may have shifted even when content did not.
			if _, err = tx.ExecContext(ctx,
				`UPDATE blocks SET start_offset = ?, end_offset = ? WHERE id = ?`, b.Start, b.End, b.ID); err != nil {
				return nil, nil, fmt.Errorf("update block offsets: %w", err)
			}
			continue
		}
		b.ID = uuid.NewString()
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO blocks (id, doc_id, kind, heading_path, start_offset, end_offset, text, block_hash, embedded)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			b.ID, b.DocID, string(b.Kind), b.HeadingPath, b.Start, b.End, b.Text, b.Hash); err != nil {
			return nil, nil, fmt.Errorf("insert block: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO blocks_fts (block_id, text) VALUES (?, ?)`, b.ID, b.Text); err != nil {
			return nil, nil, fmt.Errorf("insert fts row: %w", err)
		}
		changed = append(changed, b)
	}

	for hash, id := range oldByHash {
		_ = hash
		if kept[id] {
			continue
		}
		if err = deleteBlockTx(ctx, tx, id); err != nil {
			return nil, nil, err
		}
		removed = append(removed, id)
	}

	// Replace links for every surviving block; link rows are cheap to
	// rebuild and resolution can change as documents appear.
	for _, b := range parsed.Blocks {
		if _, err = tx.ExecContext(ctx, `DELETE FROM links WHERE src_block_id = ?`, b.ID); err != nil {
			return nil, nil, fmt.Errorf("clear links: %w", err)
		}
	}
	for _, l := range parsed.Links {
		resolved, rkErr := resolveRefTx(ctx, tx, l.DstRef)
		if rkErr != nil {
			return nil, nil, rkErr
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO links (src_block_id, dst_reference, resolved_doc_id, ref_kind) VALUES (?, ?, ?, ?)`,
			l.SrcBlock.ID, l.DstRef, nullString(resolved), string(l.RefKind)); err != nil {
			return nil, nil, fmt.Errorf("insert link: %w", err)
		}
	}

	// Newly ingested documents may resolve previously dangling references,
	// by id, title or any of the document's aliases.
	if _, err = tx.ExecContext(ctx,
		`UPDATE links SET resolved_doc_id = ?
		 WHERE resolved_doc_id IS NULL
		   AND (dst_reference IN (SELECT ? UNION SELECT ?)
		        OR dst_reference IN (SELECT alias FROM doc_aliases WHERE doc_id = ?))`,
		doc.ID, doc.ID, doc.Title, doc.ID); err != nil {
		return nil, nil, fmt.Errorf("re-resolve links: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit ingest tx: %w", err)
	}
	return changed, removed, nil
}

// deleteDocumentByPath removes a document and cascades to its blocks, FTS
// rows and links. It returns the removed block ids for vector pruning.
func (s *metaStore) deleteDocumentByPath(ctx context.Context, path string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	doc, err := s.documentByPathTx(ctx, tx, path)
	if err != nil || doc == nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM blocks WHERE doc_id = ?`, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list blocks for delete: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if err := deleteBlockTx(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, doc.ID); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete tx: %w", err)
	}
	return ids, nil
}

func deleteBlockTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks_fts WHERE block_id = ?`, id); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

// resolveRefTx resolves a wikilink reference deterministically: exact
// document id first, then alias, then title. First match wins.
func resolveRefTx(ctx context.Context, tx *sql.Tx, ref string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE id = ?`, ref).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve ref by id: %w", err)
	}
	err = tx.QueryRowContext(ctx, `SELECT doc_id FROM doc_aliases WHERE alias = ? ORDER BY doc_id LIMIT 1`, ref).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve ref by alias: %w", err)
	}
	err = tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE title = ? ORDER BY id LIMIT 1`, ref).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve ref by title: %w", err)
	}
	return "", nil
}

// searchFTS runs a full-text query and returns up to limit scored blocks.
// Scores are negated bm25 ranks so that higher is better.
func (s *metaStore) searchFTS(ctx context.Context, query, namespace string, limit int) ([]ScoredBlock, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	q := `SELECT f.block_id, bm25(blocks_fts) FROM blocks_fts f`
	args := []any{}
	if namespace != "" {
		q += ` JOIN blocks b ON b.id = f.block_id JOIN documents d ON d.id = b.doc_id`
	}
	q += ` WHERE blocks_fts MATCH ?`
	args = append(args, match)
	if namespace != "" {
		q += ` AND d.namespace = ?`
		args = append(args, namespace)
	}
	q += ` ORDER BY bm25(blocks_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()
	var hits []ScoredBlock
	for rows.Next() {
		var hit ScoredBlock
		var rank float64
		if err := rows.Scan(&hit.BlockID, &rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		hit.Score = -rank
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// ftsQuery turns free text into an FTS5 query of quoted OR-ed terms so user
// punctuation cannot break the match syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'?!.,:;()[]{}`)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(terms, " OR ")
}

func (s *metaStore) blocksByID(ctx context.Context, ids []string) (map[string]*Block, error) {
	out := make(map[string]*Block, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, doc_id, kind, heading_path, start_offset, end_offset, text, block_hash FROM blocks WHERE id = ?`, id)
		var b Block
		var kind string
		err := row.Scan(&b.ID, &b.DocID, &kind, &b.HeadingPath, &b.Start, &b.End, &b.Text, &b.Hash)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", id, err)
		}
		b.Kind = BlockKind(kind)
		out[b.ID] = &b
	}
	return out, nil
}

func (s *metaStore) blocksForDoc(ctx context.Context, docID string) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, kind, heading_path, start_offset, end_offset, text, block_hash FROM blocks WHERE doc_id = ? ORDER BY start_offset`, docID)
	if err != nil {
		return nil, fmt.Errorf("load doc blocks: %w", err)
	}
	defer rows.Close()
	var blocks []*Block
	for rows.Next() {
		var b Block
		var kind string
		if err := rows.Scan(&b.ID, &b.DocID, &kind, &b.HeadingPath, &b.Start, &b.End, &b.Text, &b.Hash); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Kind = BlockKind(kind)
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

// backlinks returns links whose resolved target is docID.
func (s *metaStore) backlinks(ctx context.Context, docID string) ([]*Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src_block_id, dst_reference, resolved_doc_id, ref_kind FROM links WHERE resolved_doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("load backlinks: %w", err)
	}
	defer rows.Close()
	var links []*Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// inDegree returns the number of links resolving to docID.
func (s *metaStore) inDegree(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM links WHERE resolved_doc_id = ?`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("in-degree: %w", err)
	}
	return n, nil
}

// unlinkedMentions finds blocks in other documents whose text mentions the
// document title but carry no link resolving to it.
func (s *metaStore) unlinkedMentions(ctx context.Context, docID string) ([]*MentionCandidate, error) {
	doc, err := s.documentByID(ctx, docID)
	if err != nil || doc == nil || doc.Title == "" {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.doc_id, b.text FROM blocks b
		WHERE b.doc_id != ?
		  AND instr(lower(b.text), lower(?)) > 0
		  AND NOT EXISTS (SELECT 1 FROM links l WHERE l.src_block_id = b.id AND l.resolved_doc_id = ?)`,
		docID, doc.Title, docID)
	if err != nil {
		return nil, fmt.Errorf("unlinked mentions: %w", err)
	}
	defer rows.Close()
	var out []*MentionCandidate
	for rows.Next() {
		var c MentionCandidate
		var text string
		if err := rows.Scan(&c.BlockID, &c.DocID, &text); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		c.Excerpt = excerpt(text, doc.Title, 120)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *metaStore) insertTrace(ctx context.Context, tr *Trace) error {
	fts, _ := json.Marshal(tr.FTSHits)
	vec, _ := json.Marshal(tr.VectorHits)
	rer, _ := json.Marshal(tr.Reranked)
	sel, _ := json.Marshal(tr.Selected)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retrieval_traces (id, ts, query, fts_hits, vector_hits, reranked, selected, latency_ms, degraded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Timestamp, tr.Query, string(fts), string(vec), string(rer), string(sel),
		tr.Latency.Milliseconds(), boolToInt(tr.Degraded))
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *metaStore) trace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ts, query, fts_hits, vector_hits, reranked, selected, latency_ms, degraded FROM retrieval_traces WHERE id = ?`, id)
	var tr Trace
	var fts, vec, rer, sel string
	var latencyMS int64
	var degraded int
	err := row.Scan(&tr.ID, &tr.Timestamp, &tr.Query, &fts, &vec, &rer, &sel, &latencyMS, &degraded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trace: %w", err)
	}
	json.Unmarshal([]byte(fts), &tr.FTSHits)
	json.Unmarshal([]byte(vec), &tr.VectorHits)
	json.Unmarshal([]byte(rer), &tr.Reranked)
	json.Unmarshal([]byte(sel), &tr.Selected)
	tr.Latency = time.Duration(latencyMS) * time.Millisecond
	tr.Degraded = degraded != 0
	return &tr, nil
}

// markEmbedded flips the embedded flag for the given blocks.
func (s *metaStore) markEmbedded(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE blocks SET embedded = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark embedded: %w", err)
		}
	}
	return nil
}

// pendingEmbeds returns up to limit blocks awaiting embedding.
func (s *metaStore) pendingEmbeds(ctx context.Context, limit int) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc_id, kind, heading_path, start_offset, end_offset, text, block_hash FROM blocks WHERE embedded = 0 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending embeds: %w", err)
	}
	defer rows.Close()
	var blocks []*Block
	for rows.Next() {
		var b Block
		var kind string
		if err := rows.Scan(&b.ID, &b.DocID, &kind, &b.HeadingPath, &b.Start, &b.End, &b.Text, &b.Hash); err != nil {
			return nil, fmt.Errorf("scan pending block: %w", err)
		}
		b.Kind = BlockKind(kind)
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

func (s *metaStore) recordRetry(ctx context.Context, path string, attempts int, nextAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_retries (path, attempts, next_at, reason) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET attempts=excluded.attempts, next_at=excluded.next_at, reason=excluded.reason`,
		path, attempts, nextAt, reason)
	if err != nil {
		return fmt.Errorf("record ingest retry: %w", err)
	}
	return nil
}

func (s *metaStore) clearRetry(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ingest_retries WHERE path = ?`, path); err != nil {
		return fmt.Errorf("clear ingest retry: %w", err)
	}
	return nil
}

func (s *metaStore) documentByPathTx(ctx context.Context, tx *sql.Tx, path string) (*Document, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, path, title, tags, created_at, updated_at, content_hash, namespace FROM documents WHERE path = ?`, path)
	var doc Document
	var tags string
	err := row.Scan(&doc.ID, &doc.Path, &doc.Title, &tags, &doc.CreatedAt, &doc.UpdatedAt, &doc.ContentHash, &doc.Namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	json.Unmarshal([]byte(tags), &doc.Tags)
	return &doc, nil
}

type docScanner interface {
	Scan(dest ...any) error
}

func scanDocument(ctx context.Context, db *sql.DB, row docScanner) (*Document, error) {
	var doc Document
	var tags string
	err := row.Scan(&doc.ID, &doc.Path, &doc.Title, &tags, &doc.CreatedAt, &doc.UpdatedAt, &doc.ContentHash, &doc.Namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	json.Unmarshal([]byte(tags), &doc.Tags)
	rows, err := db.QueryContext(ctx, `SELECT alias FROM doc_aliases WHERE doc_id = ? ORDER BY alias`, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, err
		}
		doc.Aliases = append(doc.Aliases, alias)
	}
	return &doc, rows.Err()
}

func scanLink(row docScanner) (*Link, error) {
	var l Link
	var resolved sql.NullString
	var kind string
	if err := row.Scan(&l.SrcBlockID, &l.DstRef, &resolved, &kind); err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}
	l.ResolvedDocID = resolved.String
	l.RefKind = RefKind(kind)
	return &l, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func excerpt(text, around string, width int) string {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(around))
	if idx < 0 {
		idx = 0
	}
	start := idx - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}
