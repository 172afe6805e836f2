// Package pubmed implements the external literature search against the NCBI
// E-utilities (esearch + esummary over JSON). Queries must be in English,
// the corpus's dominant language, regardless of the consultation's language.
package pubmed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"consilium/pkg/config"
	"consilium/pkg/logx"
	"consilium/pkg/proto"
)

// DefaultBaseURL is the NCBI E-utilities endpoint.
const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// Client searches PubMed. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	email      string
	tool       string
	apiKey     string
	maxResults int
	logger     *logx.Logger
}

// NewClient creates a PubMed client from the literature config.
func NewClient(cfg *config.LiteratureConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      cfg.Email,
		tool:       cfg.Tool,
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
		logger:     logx.NewLogger("pubmed"),
	}
}

// Search runs esearch then esummary and returns evidence items labeled by
// PMID. Relevance scores decay linearly with rank since PubMed returns
// relevance-sorted ids without scores.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]proto.EvidenceItem, error) {
	if maxResults <= 0 {
		maxResults = c.maxResults
	}

	pmids, err := c.esearch(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	if len(pmids) == 0 {
		return nil, nil
	}

	summaries, err := c.esummary(ctx, pmids)
	if err != nil {
		return nil, err
	}

	items := make([]proto.EvidenceItem, 0, len(pmids))
	for rank, pmid := range pmids {
		summary, ok := summaries[pmid]
		if !ok {
			continue
		}
		items = append(items, proto.EvidenceItem{
			Source:      "PMID:" + pmid,
			Score:       rankScore(rank, len(pmids)),
			Snippet:     formatSummary(&summary),
			PublishedAt: parsePubDate(summary.PubDate),
		})
	}
	return items, nil
}

// rankScore maps rank 0..n-1 onto (0,1], best rank first.
func rankScore(rank, total int) float64 {
	if total <= 1 {
		return 1.0
	}
	return 1.0 - float64(rank)/float64(total)
}

type esearchResponse struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

func (c *Client) esearch(ctx context.Context, query string, maxResults int) ([]string, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", query)
	params.Set("retmax", fmt.Sprintf("%d", maxResults))
	params.Set("sort", "relevance")
	params.Set("retmode", "json")

	var result esearchResponse
	if err := c.get(ctx, "/esearch.fcgi", params, &result); err != nil {
		return nil, fmt.Errorf("esearch failed: %w", err)
	}
	return result.ESearchResult.IDList, nil
}

// articleSummary is the subset of esummary fields the evidence pipeline uses.
type articleSummary struct {
	Title    string `json:"title"`
	Source   string `json:"source"`
	PubDate  string `json:"pubdate"`
	LastAuth string `json:"lastauthor"`
}

type esummaryResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

func (c *Client) esummary(ctx context.Context, pmids []string) (map[string]articleSummary, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(pmids, ","))
	params.Set("retmode", "json")

	var result esummaryResponse
	if err := c.get(ctx, "/esummary.fcgi", params, &result); err != nil {
		return nil, fmt.Errorf("esummary failed: %w", err)
	}

	summaries := make(map[string]articleSummary, len(pmids))
	for _, pmid := range pmids {
		raw, ok := result.Result[pmid]
		if !ok {
			continue
		}
		var summary articleSummary
		if err := json.Unmarshal(raw, &summary); err != nil {
			c.logger.Warn("skipping unparseable summary for PMID %s: %v", pmid, err)
			continue
		}
		summaries[pmid] = summary
	}
	return summaries, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if c.email != "" {
		params.Set("email", c.email)
	}
	if c.tool != "" {
		params.Set("tool", c.tool)
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("NCBI returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func formatSummary(s *articleSummary) string {
	parts := make([]string, 0, 3)
	if s.Title != "" {
		parts = append(parts, s.Title)
	}
	if s.Source != "" {
		parts = append(parts, s.Source)
	}
	if s.PubDate != "" {
		parts = append(parts, s.PubDate)
	}
	return strings.Join(parts, ". ")
}

// parsePubDate handles the loose NCBI date formats ("2024", "2024 Mar",
// "2024 Mar 15"). Unparseable dates return the zero time.
func parsePubDate(s string) time.Time {
	for _, layout := range []string{"2006 Jan 2", "2006 Jan", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
