// Package translate turns a natural-language question (possibly not in the
// literature corpus's language) into normalized search terms, controlled
// vocabulary tags, and an English literature-search query.
package translate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"consilium/pkg/llm"
	"consilium/pkg/logx"
)

// MaxTerms bounds the number of extracted search terms.
const MaxTerms = 5

// Result is the normalized search vocabulary for one question.
type Result struct {
	// Terms are short search phrases, at most MaxTerms, ordered by relevance.
	Terms []string `json:"keywords"`
	// VocabularyTags are controlled-vocabulary tags (MeSH-style headings).
	VocabularyTags []string `json:"mesh_terms"`
	// SearchQuery is the optimized English query for the literature search.
	SearchQuery string `json:"suggested_query"`
}

// Translator extracts search vocabulary via the generation capability, with
// a naive tokenization fallback so retrieval degrades but never blocks.
type Translator struct {
	client llm.LLMClient
	logger *logx.Logger
}

// New creates a Translator backed by the given client.
func New(client llm.LLMClient) *Translator {
	return &Translator{
		client: client,
		logger: logx.NewLogger("translate"),
	}
}

const systemPrompt = `You are a biomedical search librarian. Given a question and a target
specialty, extract search vocabulary for an English-language literature
database. Always respond in English regardless of the question's language.

Respond with ONLY a JSON object:
{
  "keywords": ["term1", "term2"],        // at most 5 short phrases, most relevant first
  "mesh_terms": ["Heading1", "Heading2"], // controlled vocabulary headings
  "suggested_query": "term1 AND term2"    // one optimized boolean search query
}`

// Translate extracts search terms for a question scoped to a specialty.
// The result is deterministic for a deterministic client: one generation
// call, no sampling-dependent post-processing.
func (t *Translator) Translate(ctx context.Context, question, specialty string) (Result, error) {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(systemPrompt),
			llm.NewUserMessage(fmt.Sprintf("Specialty: %s\n\nQuestion: %s", specialty, question)),
		},
		MaxTokens:   512,
		Temperature: llm.TemperatureCoordinator,
	}

	var result Result
	if err := llm.CompleteObject(ctx, t.client, req, &result); err != nil {
		t.logger.Warn("generation failed for %s, falling back to tokenization: %v", specialty, err)
		return Fallback(question), nil
	}

	result.normalize()
	if len(result.Terms) == 0 {
		t.logger.Warn("generation returned no terms for %s, falling back to tokenization", specialty)
		return Fallback(question), nil
	}
	return result, nil
}

func (r *Result) normalize() {
	terms := make([]string, 0, MaxTerms)
	for _, term := range r.Terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		terms = append(terms, term)
		if len(terms) == MaxTerms {
			break
		}
	}
	r.Terms = terms

	tags := make([]string, 0, len(r.VocabularyTags))
	for _, tag := range r.VocabularyTags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	r.VocabularyTags = tags

	r.SearchQuery = strings.TrimSpace(r.SearchQuery)
	if r.SearchQuery == "" {
		r.SearchQuery = strings.Join(r.Terms, " ")
	}
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_-]+`)

// stopWords covers common English and Spanish function words so bilingual
// questions degrade to usable tokens.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"as": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "may": true, "might": true, "must": true,
	"can": true, "this": true, "that": true, "these": true, "those": true,
	"what": true, "which": true, "who": true, "when": true, "where": true,
	"why": true, "how": true, "patient": true,
	"el": true, "la": true, "los": true, "las": true, "un": true,
	"una": true, "unos": true, "unas": true, "de": true, "del": true,
	"en": true, "con": true, "por": true, "para": true, "que": true,
	"cual": true, "como": true, "es": true, "son": true, "tiene": true,
	"hay": true, "paciente": true,
}

// Fallback tokenizes the question directly: lowercase, strip stopwords and
// short tokens, take the first MaxTerms tokens in question order.
func Fallback(question string) Result {
	tokens := tokenPattern.FindAllString(question, -1)

	terms := make([]string, 0, MaxTerms)
	seen := make(map[string]bool)
	for _, token := range tokens {
		lower := strings.ToLower(token)
		if len(lower) < 3 || stopWords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		terms = append(terms, lower)
		if len(terms) == MaxTerms {
			break
		}
	}

	return Result{
		Terms:       terms,
		SearchQuery: strings.Join(terms, " "),
	}
}
