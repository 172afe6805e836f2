package pubmed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consilium/pkg/config"
	"consilium/pkg/persistence"
	"consilium/pkg/proto"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pubmed", r.URL.Query().Get("db"))
		assert.Equal(t, "relevance", r.URL.Query().Get("sort"))
		fmt.Fprint(w, `{"esearchresult":{"idlist":["111","222"]}}`)
	})
	mux.HandleFunc("/esummary.fcgi", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "111,222", r.URL.Query().Get("id"))
		fmt.Fprint(w, `{"result":{
			"111":{"title":"Anticoagulation in AF","source":"N Engl J Med","pubdate":"2024 Mar 15"},
			"222":{"title":"Stroke prevention","source":"Lancet","pubdate":"2023"}
		}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(baseURL string) *Client {
	return NewClient(&config.LiteratureConfig{
		BaseURL:    baseURL,
		Email:      "dev@example.org",
		Tool:       "consilium-test",
		MaxResults: 5,
	})
}

func TestSearchReturnsRankedItems(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(server.URL)

	items, err := client.Search(context.Background(), "atrial fibrillation AND anticoagulation", 5)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "PMID:111", items[0].Source)
	assert.Equal(t, "PMID:222", items[1].Source)
	assert.Greater(t, items[0].Score, items[1].Score)
	assert.Contains(t, items[0].Snippet, "Anticoagulation in AF")
	assert.Contains(t, items[0].Snippet, "N Engl J Med")
	assert.Equal(t, 2024, items[0].PublishedAt.Year())
	assert.Equal(t, 2023, items[1].PublishedAt.Year())
}

func TestSearchEmptyResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"esearchresult":{"idlist":[]}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	items, err := newTestClient(server.URL).Search(context.Background(), "nonexistent topic", 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSearchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	_, err := newTestClient(server.URL).Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSearchSendsIdentification(t *testing.T) {
	var sawEmail, sawTool atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		sawEmail.Store(r.URL.Query().Get("email") == "dev@example.org")
		sawTool.Store(r.URL.Query().Get("tool") == "consilium-test")
		fmt.Fprint(w, `{"esearchresult":{"idlist":[]}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	_, err := newTestClient(server.URL).Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.True(t, sawEmail.Load())
	assert.True(t, sawTool.Load())
}

func TestParsePubDate(t *testing.T) {
	assert.Equal(t, 2024, parsePubDate("2024 Mar 15").Year())
	assert.Equal(t, 2024, parsePubDate("2024 Mar").Year())
	assert.Equal(t, 2024, parsePubDate("2024").Year())
	assert.True(t, parsePubDate("Winter 2024").IsZero())
	assert.True(t, parsePubDate("").IsZero())
}

func TestRankScore(t *testing.T) {
	assert.Equal(t, 1.0, rankScore(0, 1))
	assert.Equal(t, 1.0, rankScore(0, 4))
	assert.Equal(t, 0.25, rankScore(3, 4))
}

// countingSearcher counts upstream calls to verify cache behavior.
type countingSearcher struct {
	calls atomic.Int64
	items []proto.EvidenceItem
}

func (c *countingSearcher) Search(_ context.Context, _ string, _ int) ([]proto.EvidenceItem, error) {
	c.calls.Add(1)
	return c.items, nil
}

func TestCachedClientHitWithinTTL(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	upstream := &countingSearcher{items: []proto.EvidenceItem{
		{Source: "PMID:111", Score: 1.0, Snippet: "cached article"},
	}}
	cached := NewCachedClient(upstream, db, time.Hour)

	first, err := cached.Search(context.Background(), "afib", 5)
	require.NoError(t, err)
	second, err := cached.Search(context.Background(), "afib", 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), upstream.calls.Load())
}

func TestCachedClientExpires(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	upstream := &countingSearcher{items: []proto.EvidenceItem{{Source: "PMID:111", Score: 1.0}}}
	cached := NewCachedClient(upstream, db, -time.Second) // everything already expired

	_, err = cached.Search(context.Background(), "afib", 5)
	require.NoError(t, err)
	_, err = cached.Search(context.Background(), "afib", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), upstream.calls.Load())
}

func TestCachedClientDistinctQueries(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	upstream := &countingSearcher{items: nil}
	cached := NewCachedClient(upstream, db, time.Hour)

	_, err = cached.Search(context.Background(), strings.Repeat("a", 10), 5)
	require.NoError(t, err)
	_, err = cached.Search(context.Background(), strings.Repeat("b", 10), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), upstream.calls.Load())
}
