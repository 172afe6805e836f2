// Package coordinator implements the single privileged role in a
// consultation: evaluating the incoming request, drafting per-specialty
// request notes, and synthesizing all specialist responses into the final
// record.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"consilium/pkg/llm"
	"consilium/pkg/logx"
	"consilium/pkg/notes"
	"consilium/pkg/proto"
)

// Coordinator drives the evaluation, drafting, and integration calls. It is
// stateless between calls; all inputs arrive as arguments and all outputs
// are returned values merged by the engine.
type Coordinator struct {
	client      llm.LLMClient
	specialties []string
	logger      *logx.Logger
}

// New creates a coordinator. specialties is the full set of configured
// specialty identifiers, used to constrain routing and as the conservative
// fallback.
func New(client llm.LLMClient, specialties []string) *Coordinator {
	sorted := append([]string{}, specialties...)
	sort.Strings(sorted)
	return &Coordinator{
		client:      client,
		specialties: sorted,
		logger:      logx.NewLogger("coordinator"),
	}
}

const evaluateSystemPrompt = `You are the coordinating physician for an interconsultation service.
Assess whether the question can be answered directly from general knowledge
and the supplied case context, or whether it needs specialist opinions.

Available specialties: %s

Respond with ONLY a JSON object:
{
  "can_answer_directly": false,
  "required_specialties": ["name"],  // subset of the available specialties, non-empty iff can_answer_directly is false
  "rationale": "why this routing",
  "complexity": 0.5,                 // 0 trivial .. 1 maximally complex
  "direct_answer": ""                // the answer itself, only when can_answer_directly is true
}`

// Evaluate produces the routing decision for a consultation. On malformed
// output it defaults to consulting every configured specialty: over-
// consulting is preferred to silently failing to consult.
func (c *Coordinator) Evaluate(ctx context.Context, question string, caseContext proto.CaseContext) proto.CoordinatorEvaluation {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(fmt.Sprintf(evaluateSystemPrompt, strings.Join(c.specialties, ", "))),
			llm.NewUserMessage(formatCase(question, caseContext)),
		},
		MaxTokens:   1024,
		Temperature: llm.TemperatureCoordinator,
	}

	var evaluation proto.CoordinatorEvaluation
	if err := llm.CompleteObject(ctx, c.client, req, &evaluation); err != nil {
		c.logger.Warn("evaluation failed, falling back to full consultation: %v", err)
		return c.conservativeEvaluation()
	}

	evaluation.RequiredSpecialties = c.filterKnown(evaluation.RequiredSpecialties)
	if !evaluation.CanAnswerDirectly && len(evaluation.RequiredSpecialties) == 0 {
		c.logger.Warn("evaluation named no usable specialties, falling back to full consultation")
		return c.conservativeEvaluation()
	}
	if evaluation.CanAnswerDirectly && strings.TrimSpace(evaluation.DirectAnswer) == "" {
		c.logger.Warn("direct answer missing, falling back to full consultation")
		return c.conservativeEvaluation()
	}
	evaluation.Complexity = clamp01(evaluation.Complexity)
	return evaluation
}

func (c *Coordinator) conservativeEvaluation() proto.CoordinatorEvaluation {
	return proto.CoordinatorEvaluation{
		CanAnswerDirectly:   false,
		RequiredSpecialties: append([]string{}, c.specialties...),
		Rationale:           "routing decision unavailable; consulting all specialties",
		Complexity:          1.0,
	}
}

func (c *Coordinator) filterKnown(requested []string) []string {
	known := make(map[string]bool, len(c.specialties))
	for _, s := range c.specialties {
		known[s] = true
	}
	var filtered []string
	for _, s := range requested {
		s = strings.TrimSpace(s)
		if known[s] {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

const draftSystemPrompt = `You are the coordinating physician drafting an interconsultation request
for the %s service. Write the specific question that specialty should
answer and select ONLY the case context keys that specialty needs.

Available context keys: %s

Respond with ONLY a JSON object:
{
  "question": "the question for this specialty",
  "context_keys": ["key1", "key2"]
}`

type draftShape struct {
	Question    string   `json:"question"`
	ContextKeys []string `json:"context_keys"`
}

// DraftRequests creates one request note per required specialty, in the
// evaluation's specialty order. Each note carries a context snapshot limited
// to the keys that specialty needs (data minimization); on malformed output
// the note falls back to the original question with the full context copy.
func (c *Coordinator) DraftRequests(ctx context.Context, evaluation *proto.CoordinatorEvaluation, question string, caseContext proto.CaseContext) []proto.RequestNote {
	contextKeys := sortedKeys(caseContext)
	requests := make([]proto.RequestNote, 0, len(evaluation.RequiredSpecialties))

	for _, specialty := range evaluation.RequiredSpecialties {
		req := llm.CompletionRequest{
			Messages: []llm.CompletionMessage{
				llm.NewSystemMessage(fmt.Sprintf(draftSystemPrompt, specialty, strings.Join(contextKeys, ", "))),
				llm.NewUserMessage(formatCase(question, caseContext)),
			},
			MaxTokens:   1024,
			Temperature: llm.TemperatureCoordinator,
		}

		note := proto.RequestNote{
			ID:        uuid.New().String(),
			Specialty: specialty,
			CreatedAt: time.Now().UTC(),
		}

		var draft draftShape
		if err := llm.CompleteObject(ctx, c.client, req, &draft); err != nil || strings.TrimSpace(draft.Question) == "" {
			c.logger.Warn("drafting for %s degraded to the original question: %v", specialty, err)
			note.Question = question
			note.Context = caseContext.Clone()
		} else {
			note.Question = draft.Question
			if len(draft.ContextKeys) > 0 {
				note.Context = caseContext.Subset(draft.ContextKeys)
			} else {
				note.Context = caseContext.Clone()
			}
		}
		requests = append(requests, note)
	}
	return requests
}

const integrateSystemPrompt = `You are the coordinating physician synthesizing specialist responses into
one final answer. When specialists disagree, surface BOTH positions and the
evidence behind each; never silently pick one. Reference each specialty's
evidence in the summary.

Respond with ONLY a JSON object:
{
  "summary": "overall synthesis referencing each specialty consulted",
  "answer": "the final synthesized answer to the original question",
  "follow_up_actions": ["ordered next step"],
  "recommended_followup": "when and with whom to follow up"
}`

type integrationShape struct {
	Summary             string   `json:"summary"`
	Answer              string   `json:"answer"`
	FollowUpActions     []string `json:"follow_up_actions"`
	RecommendedFollowUp string   `json:"recommended_followup"`
}

// Integrate synthesizes all specialist responses into the final record. The
// transcript is assembled deterministically (notes.Transcript), not by the
// model. Degraded specialties (synthetic notes) and unresolved follow-up
// questions are listed explicitly on the record.
func (c *Coordinator) Integrate(ctx context.Context, state *proto.ConsultationState) (*proto.FinalRecord, error) {
	var sb strings.Builder
	sb.WriteString(formatCase(state.Question, state.Context))
	sb.WriteString("\n\nSpecialist responses:\n")
	for i := range state.Responses {
		resp := &state.Responses[i]
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			continue
		}
		sb.Write(data)
		sb.WriteString("\n")
	}

	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(integrateSystemPrompt),
			llm.NewUserMessage(sb.String()),
		},
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.TemperatureCoordinator,
	}

	var shape integrationShape
	if err := llm.CompleteObject(ctx, c.client, req, &shape); err != nil {
		return nil, fmt.Errorf("integration failed: %w", err)
	}
	if strings.TrimSpace(shape.Answer) == "" {
		return nil, fmt.Errorf("integration produced no answer")
	}

	record := &proto.FinalRecord{
		Summary:             shape.Summary,
		Answer:              shape.Answer,
		FollowUpActions:     shape.FollowUpActions,
		RecommendedFollowUp: shape.RecommendedFollowUp,
		CreatedAt:           time.Now().UTC(),
	}
	annotateDegradation(record, state)
	record.Transcript = renderTranscript(state, record)
	return record, nil
}

// renderTranscript formats the transcript with the final answer in place,
// without mutating the engine-owned state.
func renderTranscript(state *proto.ConsultationState, record *proto.FinalRecord) string {
	snapshot := *state
	snapshot.Final = record
	return notes.Transcript(&snapshot)
}

// DirectRecord builds the final record for a consultation answered without
// fan-out.
func (c *Coordinator) DirectRecord(state *proto.ConsultationState) *proto.FinalRecord {
	record := &proto.FinalRecord{
		Summary:   state.Evaluation.Rationale,
		Answer:    state.Evaluation.DirectAnswer,
		CreatedAt: time.Now().UTC(),
	}
	record.Transcript = renderTranscript(state, record)
	return record
}

// DegradedRecord builds a final record when synthesis cannot run or the
// information loop bound is exhausted: it concatenates whatever answers
// exist and marks the record degraded.
func (c *Coordinator) DegradedRecord(state *proto.ConsultationState, reason string) *proto.FinalRecord {
	var answers []string
	for i := range state.Responses {
		resp := &state.Responses[i]
		if strings.TrimSpace(resp.Answer) != "" && resp.Answer != "no answer available" {
			answers = append(answers, fmt.Sprintf("%s: %s", resp.Specialty, resp.Answer))
		}
	}

	record := &proto.FinalRecord{
		Summary:   reason,
		Answer:    strings.Join(answers, "\n"),
		Degraded:  true,
		CreatedAt: time.Now().UTC(),
	}
	annotateDegradation(record, state)
	record.Transcript = renderTranscript(state, record)
	return record
}

// annotateDegradation lists specialties whose note is synthetic (timed out or
// failed to dispatch) or degraded (minimal fallback note), plus the follow-up
// questions that remain unanswered.
func annotateDegradation(record *proto.FinalRecord, state *proto.ConsultationState) {
	for i := range state.Responses {
		resp := &state.Responses[i]
		if resp.Synthetic || resp.Degraded {
			record.Degraded = true
			record.DegradedSpecialties = append(record.DegradedSpecialties, resp.Specialty)
		}
		if resp.NeedsMoreInfo {
			record.UnresolvedQuestions = append(record.UnresolvedQuestions, resp.FollowUpQuestions...)
		}
	}
}

func formatCase(question string, caseContext proto.CaseContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s", question)
	if len(caseContext) > 0 {
		if data, err := json.MarshalIndent(caseContext, "", "  "); err == nil {
			fmt.Fprintf(&sb, "\n\nCase context:\n%s", data)
		}
	}
	return sb.String()
}

func sortedKeys(m proto.CaseContext) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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
