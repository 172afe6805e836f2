// Package specialist implements the domain-expert evaluator: one instance
// per registered specialty, each running the translate-retrieve-generate
// pipeline over a request note.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"consilium/pkg/llm"
	"consilium/pkg/logx"
	"consilium/pkg/proto"
	"consilium/pkg/tokens"
	"consilium/pkg/translate"
)

// EvidenceTokenBudget caps the evidence section of the specialist prompt.
const EvidenceTokenBudget = 2000

// Retriever is the evidence-gathering contract consumed per invocation.
type Retriever interface {
	Retrieve(ctx context.Context, collection string, terms []string, searchQuery string) proto.EvidenceBundle
}

// Evaluator wraps one domain expert. It holds no per-consultation state, so
// one instance is safe to run concurrently across consultations; it mutates
// nothing outside its return value.
type Evaluator struct {
	Specialty    string
	Collection   string
	Description  string
	Instructions string

	client     llm.LLMClient
	translator *translate.Translator
	retriever  Retriever
	counter    *tokens.Counter
	logger     *logx.Logger
}

// New creates an evaluator for one specialty.
func New(specialty, collection, description, instructions string, client llm.LLMClient, translator *translate.Translator, retriever Retriever) *Evaluator {
	counter, err := tokens.NewCounter(client.GetModelName())
	if err != nil {
		counter = &tokens.Counter{} // falls back to character estimation
	}
	return &Evaluator{
		Specialty:    specialty,
		Collection:   collection,
		Description:  description,
		Instructions: instructions,
		client:       client,
		translator:   translator,
		retriever:    retriever,
		counter:      counter,
		logger:       logx.NewLogger("specialist-" + specialty),
	}
}

// noteShape mirrors the structured object the model must return.
type noteShape struct {
	Evaluation        string   `json:"evaluation"`
	Reasoning         string   `json:"reasoning"`
	Answer            string   `json:"answer"`
	Recommendations   []string `json:"recommendations"`
	EvidenceLevel     string   `json:"evidence_level"`
	NeedsMoreInfo     bool     `json:"needs_more_info"`
	FollowUpQuestions []string `json:"follow_up_questions"`
}

// Evaluate runs the full pipeline for one request note: translate the
// question, retrieve evidence, generate a structured response, validate.
// Malformed output gets one stricter retry (inside CompleteObject); a second
// failure degrades to a minimal needs-more-info note instead of failing the
// fan-out.
func (e *Evaluator) Evaluate(ctx context.Context, request proto.RequestNote) proto.ResponseNote {
	vocabulary, err := e.translator.Translate(ctx, request.Question, e.Specialty)
	if err != nil {
		// Translate itself degrades internally; an error here means the
		// fallback path failed too, so proceed with no retrieval terms.
		e.logger.Warn("translation failed: %v", err)
	}

	bundle := e.retriever.Retrieve(ctx, e.Collection, vocabulary.Terms, vocabulary.SearchQuery)

	var shape noteShape
	if err := llm.CompleteObject(ctx, e.client, e.buildRequest(&request, bundle), &shape); err != nil {
		e.logger.Warn("structured generation failed, degrading: %v", err)
		return e.minimalNote(request.ID)
	}
	if strings.TrimSpace(shape.Answer) == "" || strings.TrimSpace(shape.Evaluation) == "" {
		e.logger.Warn("generation missing required fields, degrading")
		return e.minimalNote(request.ID)
	}
	if shape.NeedsMoreInfo && len(shape.FollowUpQuestions) == 0 {
		shape.FollowUpQuestions = []string{genericFollowUp(e.Specialty)}
	}
	if !shape.NeedsMoreInfo {
		shape.FollowUpQuestions = nil
	}

	return proto.ResponseNote{
		RequestID:         request.ID,
		Specialty:         e.Specialty,
		Evaluation:        shape.Evaluation,
		Reasoning:         shape.Reasoning,
		Answer:            shape.Answer,
		Recommendations:   shape.Recommendations,
		EvidenceUsed:      bundle.Sources(),
		EvidenceLevel:     shape.EvidenceLevel,
		NeedsMoreInfo:     shape.NeedsMoreInfo,
		FollowUpQuestions: shape.FollowUpQuestions,
		CreatedAt:         time.Now().UTC(),
	}
}

func (e *Evaluator) buildRequest(request *proto.RequestNote, bundle proto.EvidenceBundle) llm.CompletionRequest {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", request.Question)

	if len(request.Context) > 0 {
		contextJSON, err := json.MarshalIndent(request.Context, "", "  ")
		if err == nil {
			fmt.Fprintf(&sb, "\nCase context:\n%s\n", contextJSON)
		}
	}

	if !bundle.Empty() {
		sb.WriteString("\nEvidence:\n")
		evidence := formatEvidence(bundle)
		sb.WriteString(e.counter.Truncate(evidence, EvidenceTokenBudget))
	} else {
		sb.WriteString("\nNo supporting evidence was retrieved. Answer from domain expertise and say so.\n")
	}

	return llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(e.systemPrompt()),
			llm.NewUserMessage(sb.String()),
		},
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.TemperatureSpecialist,
	}
}

func (e *Evaluator) systemPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a consultant in %s", e.Specialty)
	if e.Description != "" {
		fmt.Fprintf(&sb, " (%s)", e.Description)
	}
	sb.WriteString(`. Answer the interconsultation request below using the supplied
evidence where it applies. Cite evidence by its source label.

Respond with ONLY a JSON object:
{
  "evaluation": "one-paragraph assessment of the case",
  "reasoning": "how the evidence supports your assessment",
  "answer": "direct answer to the question asked",
  "recommendations": ["actionable recommendation"],
  "evidence_level": "high | moderate | low | expert-opinion",
  "needs_more_info": false,
  "follow_up_questions": []
}

Set needs_more_info to true and list concrete follow_up_questions only when
the case data is insufficient to answer responsibly.`)
	if e.Instructions != "" {
		sb.WriteString("\n\nAdditional instructions: ")
		sb.WriteString(e.Instructions)
	}
	return sb.String()
}

func formatEvidence(bundle proto.EvidenceBundle) string {
	var sb strings.Builder
	for i := range bundle.Items {
		item := &bundle.Items[i]
		fmt.Fprintf(&sb, "[%s] (relevance %.2f) %s\n", item.Source, item.Score, item.Snippet)
	}
	return sb.String()
}

// minimalNote is the degraded response when generation cannot produce a
// valid structured note.
func (e *Evaluator) minimalNote(requestID string) proto.ResponseNote {
	return proto.ResponseNote{
		RequestID:         requestID,
		Specialty:         e.Specialty,
		Evaluation:        "unable to produce a structured evaluation",
		Answer:            "no answer available",
		NeedsMoreInfo:     true,
		FollowUpQuestions: []string{genericFollowUp(e.Specialty)},
		Degraded:          true,
		CreatedAt:         time.Now().UTC(),
	}
}

func genericFollowUp(specialty string) string {
	return fmt.Sprintf("Please provide additional clinical details relevant to %s.", specialty)
}
