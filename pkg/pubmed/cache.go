package pubmed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"consilium/pkg/logx"
	"consilium/pkg/proto"
)

// Searcher is the literature search contract consumed by the evidence
// retriever.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]proto.EvidenceItem, error)
}

// CachedClient wraps a Searcher with a sqlite-backed query cache. Repeated
// consultations on similar topics skip the NCBI round trip while the entry
// is within TTL.
type CachedClient struct {
	inner  Searcher
	db     *sql.DB
	ttl    time.Duration
	logger *logx.Logger
}

// NewCachedClient creates a caching decorator around a literature searcher.
func NewCachedClient(inner Searcher, db *sql.DB, ttl time.Duration) *CachedClient {
	return &CachedClient{
		inner:  inner,
		db:     db,
		ttl:    ttl,
		logger: logx.NewLogger("pubmed-cache"),
	}
}

// Search implements Searcher with read-through caching keyed by query text.
func (c *CachedClient) Search(ctx context.Context, query string, maxResults int) ([]proto.EvidenceItem, error) {
	if items, ok := c.lookup(ctx, query); ok {
		logx.Debug(ctx, "pubmed", "cache hit for query %q", query)
		if maxResults > 0 && len(items) > maxResults {
			items = items[:maxResults]
		}
		return items, nil
	}

	items, err := c.inner.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	c.store(ctx, query, items)
	return items, nil
}

func (c *CachedClient) lookup(ctx context.Context, query string) ([]proto.EvidenceItem, bool) {
	var (
		raw      string
		cachedAt time.Time
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT results, cached_at FROM literature_cache WHERE query = ?`, query).
		Scan(&raw, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache lookup failed: %v", err)
		return nil, false
	}
	if time.Since(cachedAt) > c.ttl {
		return nil, false
	}

	var items []proto.EvidenceItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		c.logger.Warn("discarding corrupt cache entry for %q: %v", query, err)
		return nil, false
	}
	return items, true
}

func (c *CachedClient) store(ctx context.Context, query string, items []proto.EvidenceItem) {
	data, err := json.Marshal(items)
	if err != nil {
		return
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO literature_cache (query, results, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(query) DO UPDATE SET
			results = excluded.results,
			cached_at = excluded.cached_at
	`, query, string(data), time.Now().UTC())
	if err != nil {
		c.logger.Warn("cache store failed: %v", err)
	}
}
