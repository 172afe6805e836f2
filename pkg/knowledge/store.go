package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"consilium/pkg/logx"
	"consilium/pkg/proto"
)

// searchCacheSize bounds the query result cache. At capacity the whole cache
// is flushed; repeated identical queries within one consultation are the hot
// case, not long-lived reuse.
const searchCacheSize = 128

// Store is the local document store. Documents live in named collections
// (one per specialty) and are searched by embedding similarity. The store
// tolerates concurrent reads; writes happen only during indexing.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   *logx.Logger

	mu    sync.Mutex
	cache map[string][]proto.EvidenceItem
}

// NewStore creates a document store on an opened database.
func NewStore(db *sql.DB, embedder Embedder) *Store {
	return &Store{
		db:       db,
		embedder: embedder,
		logger:   logx.NewLogger("knowledge"),
		cache:    make(map[string][]proto.EvidenceItem),
	}
}

// Index adds or replaces one document in a collection. The label doubles as
// the evidence source label surfaced in response notes.
func (s *Store) Index(ctx context.Context, collection, label, snippet string, publishedAt time.Time) error {
	vector, err := s.embedder.Embed(ctx, snippet)
	if err != nil {
		return fmt.Errorf("failed to embed document %q: %w", label, err)
	}

	var published any
	if !publishedAt.IsZero() {
		published = publishedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, collection, label, snippet, embedding, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, label) DO UPDATE SET
			snippet = excluded.snippet,
			embedding = excluded.embedding,
			published_at = excluded.published_at
	`, uuid.New().String(), collection, label, snippet, vectorToBlob(vector), published, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to index document %q: %w", label, err)
	}

	// Indexing invalidates cached results wholesale; it only happens during
	// ingestion, never mid-consultation.
	s.mu.Lock()
	s.cache = make(map[string][]proto.EvidenceItem)
	s.mu.Unlock()

	logx.Debug(ctx, "knowledge", "indexed %q into collection %s", label, collection)
	return nil
}

// Search embeds the query and returns the topK most similar documents in the
// collection as evidence items. Scores are cosine similarity clamped to
// [0,1]. An unknown collection returns an empty result, not an error.
func (s *Store) Search(ctx context.Context, collection, query string, topK int) ([]proto.EvidenceItem, error) {
	cacheKey := fmt.Sprintf("%s\x00%s\x00%d", collection, query, topK)
	s.mu.Lock()
	if cached, ok := s.cache[cacheKey]; ok {
		s.mu.Unlock()
		return append([]proto.EvidenceItem{}, cached...), nil
	}
	s.mu.Unlock()

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT label, snippet, embedding, published_at
		FROM documents
		WHERE collection = ?
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var items []proto.EvidenceItem
	for rows.Next() {
		var (
			label, snippet string
			blob           []byte
			published      sql.NullTime
		)
		if err := rows.Scan(&label, &snippet, &blob, &published); err != nil {
			return nil, err
		}

		item := proto.EvidenceItem{
			Source:  label,
			Score:   clamp01(cosineSimilarity(queryVector, blobToVector(blob))),
			Snippet: snippet,
		}
		if published.Valid {
			item.PublishedAt = published.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	if topK > 0 && len(items) > topK {
		items = items[:topK]
	}

	s.mu.Lock()
	if len(s.cache) >= searchCacheSize {
		s.cache = make(map[string][]proto.EvidenceItem)
	}
	s.cache[cacheKey] = append([]proto.EvidenceItem{}, items...)
	s.mu.Unlock()

	return items, nil
}

// vectorToBlob converts a float64 slice to a little-endian binary blob.
func vectorToBlob(vector []float64) []byte {
	blob := make([]byte, len(vector)*8)
	for i, v := range vector {
		binary.LittleEndian.PutUint64(blob[i*8:], math.Float64bits(v))
	}
	return blob
}

// blobToVector converts a binary blob back to a float64 slice.
func blobToVector(blob []byte) []float64 {
	count := len(blob) / 8
	vector := make([]float64, count)
	for i := 0; i < count; i++ {
		vector[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
	}
	return vector
}

// cosineSimilarity calculates cosine similarity between two vectors.
// Mismatched dimensions score zero.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
