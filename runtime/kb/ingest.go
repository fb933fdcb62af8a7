package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// IngestFile parses and stores one Markdown file. Unchanged content (by
// normalized hash) is a no-op. Parse failures are recorded in the retry
// table and reported wrapped in ErrIngestion so one bad file never blocks
// the rest of a batch.
func (s *Service) IngestFile(ctx context.Context, path string) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	return s.ingestLocked(ctx, path)
}

func (s *Service) ingestLocked(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return s.ingestFailed(ctx, path, fmt.Errorf("read %s: %w", path, err))
	}
	content := normalizeContent(data)
	hash := contentDigest(content)

	existing, err := s.store.documentByPath(ctx, path)
	if err != nil {
		return err
	}
	if existing != nil && existing.ContentHash == hash {
		s.store.clearRetry(ctx, path)
		return nil
	}

	parsed, err := parseMarkdown(content)
	if err != nil {
		return s.ingestFailed(ctx, path, fmt.Errorf("parse %s: %w", path, err))
	}

	doc := &Document{
		ID:          parsed.Meta.ID,
		Path:        path,
		Title:       parsed.Meta.Title,
		Aliases:     parsed.Meta.Aliases,
		Tags:        parsed.Meta.Tags,
		ContentHash: hash,
		Namespace:   s.namespaceFor(path, parsed.Meta.Type),
	}
	if doc.Title == "" {
		doc.Title = titleFromPath(path)
	}

	changed, removed, err := s.store.applyParsed(ctx, doc, parsed)
	if err != nil {
		return s.ingestFailed(ctx, path, fmt.Errorf("store %s: %w", path, err))
	}
	if len(removed) > 0 {
		if err := s.index.Delete(ctx, removed); err != nil {
			s.logger.Warn(ctx, "prune stale vectors", "error", err, "count", len(removed))
		}
	}
	s.store.clearRetry(ctx, path)
	s.metrics.IncCounter("kb.documents_ingested", 1)
	s.logger.Debug(ctx, "ingested document", "path", path, "blocks_changed", len(changed), "blocks_removed", len(removed))
	if len(changed) > 0 {
		s.worker.notify()
	}
	return nil
}

// RemoveFile drops a deleted file's document, blocks and vectors.
func (s *Service) RemoveFile(ctx context.Context, path string) error {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	removed, err := s.store.deleteDocumentByPath(ctx, path)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		if err := s.index.Delete(ctx, removed); err != nil {
			s.logger.Warn(ctx, "prune deleted vectors", "error", err, "count", len(removed))
		}
		s.logger.Info(ctx, "removed document", "path", path, "blocks", len(removed))
	}
	return nil
}

// Reconcile walks the watched directories and brings the store in line with
// the filesystem: new and changed files are ingested, documents whose files
// vanished are removed. Files are read and hashed concurrently; writes stay
// serialized behind the ingest lock.
func (s *Service) Reconcile(ctx context.Context) error {
	seen := map[string]bool{}
	var paths []string
	for _, dir := range s.watchDirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isMarkdown(path) {
				return nil
			}
			seen[path] = true
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			s.logger.Warn(ctx, "walk watch dir", "dir", dir, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, path := range paths {
		g.Go(func() error {
			if err := s.IngestFile(gctx, path); err != nil {
				s.logger.Warn(gctx, "reconcile ingest", "path", path, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	docs, err := s.store.documentsInNamespace(ctx, "")
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if seen[doc.Path] || !s.watched(doc.Path) {
			continue
		}
		if err := s.RemoveFile(ctx, doc.Path); err != nil {
			s.logger.Warn(ctx, "reconcile remove", "path", doc.Path, "error", err)
		}
	}
	return nil
}

// ingestFailed records a retry entry and wraps the cause in ErrIngestion.
func (s *Service) ingestFailed(ctx context.Context, path string, cause error) error {
	if err := s.store.recordRetry(ctx, path, 1, time.Now().Add(time.Minute), cause.Error()); err != nil {
		s.logger.Error(ctx, err, "record ingest retry", "path", path)
	}
	s.metrics.IncCounter("kb.ingest_failures", 1)
	return fmt.Errorf("%w: %v", ErrIngestion, cause)
}

// namespaceFor assigns a namespace from frontmatter type or path segments,
// defaulting to notes.
func (s *Service) namespaceFor(path, metaType string) string {
	for _, ns := range s.namespaces {
		if metaType == ns {
			return ns
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		for _, ns := range s.namespaces {
			if ns != "notes" && seg == ns {
				return ns
			}
		}
	}
	return "notes"
}

func (s *Service) watched(path string) bool {
	for _, dir := range s.watchDirs {
		if strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isMarkdown(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".markdown"
}

func titleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
