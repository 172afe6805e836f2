// Package evidence merges the local document store and the external
// literature search into one ranked evidence bundle per specialist
// invocation.
package evidence

import (
	"context"
	"sort"
	"strings"

	"consilium/pkg/config"
	"consilium/pkg/logx"
	"consilium/pkg/metrics"
	"consilium/pkg/proto"
	"consilium/pkg/pubmed"
)

// LocalSearcher is the local document store contract.
type LocalSearcher interface {
	Search(ctx context.Context, collection, query string, topK int) ([]proto.EvidenceItem, error)
}

// Retriever issues both lookups and fuses the results. Either sub-lookup may
// fail or come back empty; retrieval proceeds with whatever succeeded. Both
// failing yields an empty bundle, never an error.
type Retriever struct {
	local        LocalSearcher
	literature   pubmed.Searcher
	topK         int
	minRelevance float64
	logger       *logx.Logger
}

// NewRetriever creates a retriever with the configured bundle knobs.
func NewRetriever(local LocalSearcher, literature pubmed.Searcher, cfg *config.RetrievalConfig) *Retriever {
	return &Retriever{
		local:        local,
		literature:   literature,
		topK:         cfg.TopK,
		minRelevance: cfg.MinRelevance,
		logger:       logx.NewLogger("evidence"),
	}
}

// Retrieve gathers evidence for one specialist invocation. The collection
// scopes the local lookup; terms feed the local similarity query and
// searchQuery feeds the literature search.
func (r *Retriever) Retrieve(ctx context.Context, collection string, terms []string, searchQuery string) proto.EvidenceBundle {
	var items []proto.EvidenceItem

	localQuery := strings.Join(terms, " ")
	if localQuery == "" {
		localQuery = searchQuery
	}
	if r.local != nil && localQuery != "" {
		local, err := r.local.Search(ctx, collection, localQuery, r.topK)
		if err != nil {
			r.logger.Warn("local search failed for %s: %v", collection, err)
		} else {
			items = append(items, local...)
		}
	}

	if r.literature != nil && searchQuery != "" {
		external, err := r.literature.Search(ctx, searchQuery, r.topK)
		if err != nil {
			r.logger.Warn("literature search failed for %q: %v", searchQuery, err)
		} else {
			items = append(items, external...)
		}
	}

	bundle := Merge(items, r.topK, r.minRelevance)
	metrics.RecordEvidenceBundle(collection, len(bundle.Items))
	logx.Debug(ctx, "evidence", "bundle for %s: %d items", collection, len(bundle.Items))
	return bundle
}

// Merge deduplicates items by source label (first occurrence wins), drops
// items below minRelevance, sorts by score descending with recency breaking
// ties (missing timestamps keep arrival order), and truncates to topK.
func Merge(items []proto.EvidenceItem, topK int, minRelevance float64) proto.EvidenceBundle {
	seen := make(map[string]bool, len(items))
	merged := make([]proto.EvidenceItem, 0, len(items))
	for i := range items {
		item := items[i]
		if item.Score < minRelevance {
			continue
		}
		if seen[item.Source] {
			continue
		}
		seen[item.Source] = true
		merged = append(merged, item)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		// Recency tiebreak when both timestamps are known.
		if !merged[i].PublishedAt.IsZero() && !merged[j].PublishedAt.IsZero() {
			return merged[i].PublishedAt.After(merged[j].PublishedAt)
		}
		return false // stable sort keeps arrival order
	})

	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	return proto.EvidenceBundle{Items: merged}
}
