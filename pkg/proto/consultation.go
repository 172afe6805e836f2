// Package proto defines the consultation data model shared across the
// orchestration pipeline: notes, evidence, phases, and the consultation
// state record threaded through every phase.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// CaseContext is the free-form structured case data supplied with a
// consultation (demographics, diagnoses, medications, lab values, ...).
type CaseContext map[string]any

// Clone returns a deep copy so concurrent specialist invocations can never
// observe each other's mutations.
func (c CaseContext) Clone() CaseContext {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		// Context values come from JSON input, so marshal cannot fail in
		// practice; fall back to a shallow copy.
		out := make(CaseContext, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	}
	var out CaseContext
	_ = json.Unmarshal(data, &out)
	return out
}

// Subset returns a copy holding only the named keys (data minimization for
// per-specialty request notes).
func (c CaseContext) Subset(keys []string) CaseContext {
	out := make(CaseContext, len(keys))
	clone := c.Clone()
	for _, k := range keys {
		if v, ok := clone[k]; ok {
			out[k] = v
		}
	}
	return out
}

// CoordinatorEvaluation is the coordinator's routing decision for a
// consultation. Created once, never mutated.
type CoordinatorEvaluation struct {
	CanAnswerDirectly   bool     `json:"can_answer_directly"`
	RequiredSpecialties []string `json:"required_specialties,omitempty"`
	Rationale           string   `json:"rationale"`
	Complexity          float64  `json:"complexity"` // [0,1]
	DirectAnswer        string   `json:"direct_answer,omitempty"`
}

// RequestNote is one specialty-directed request drafted by the coordinator.
// The context is a snapshot copy, not a reference into the shared state.
type RequestNote struct {
	ID        string      `json:"id"`
	Specialty string      `json:"specialty"`
	Question  string      `json:"question"`
	Context   CaseContext `json:"context"`
	CreatedAt time.Time   `json:"created_at"`
}

// EvidenceItem is one ranked supporting snippet.
type EvidenceItem struct {
	Source      string    `json:"source"`
	Score       float64   `json:"score"` // [0,1]
	Snippet     string    `json:"snippet"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// EvidenceBundle is the ranked, deduplicated evidence gathered for one
// specialist invocation. Never persisted beyond the invocation; only source
// labels survive into the response note.
type EvidenceBundle struct {
	Items []EvidenceItem `json:"items"`
}

// Sources returns the ordered source labels of the bundle.
func (b EvidenceBundle) Sources() []string {
	labels := make([]string, 0, len(b.Items))
	for i := range b.Items {
		labels = append(labels, b.Items[i].Source)
	}
	return labels
}

// Empty reports whether the bundle holds no evidence. An empty bundle is a
// valid state, not a failure.
func (b EvidenceBundle) Empty() bool {
	return len(b.Items) == 0
}

// ResponseNote is one specialist's structured answer, one-to-one with the
// request note that spawned it.
type ResponseNote struct {
	RequestID         string    `json:"request_id"`
	Specialty         string    `json:"specialty"`
	Evaluation        string    `json:"evaluation"`
	Reasoning         string    `json:"reasoning,omitempty"`
	Answer            string    `json:"answer"`
	Recommendations   []string  `json:"recommendations,omitempty"`
	EvidenceUsed      []string  `json:"evidence_used,omitempty"` // source labels only
	EvidenceLevel     string    `json:"evidence_level,omitempty"`
	NeedsMoreInfo     bool      `json:"needs_more_info"`
	FollowUpQuestions []string  `json:"follow_up_questions,omitempty"`
	Synthetic         bool      `json:"synthetic,omitempty"` // engine-substituted (timeout/error)
	Degraded          bool      `json:"degraded,omitempty"`  // specialist fell back to a minimal note
	CreatedAt         time.Time `json:"created_at"`
}

// FinalRecord is the synthesized outcome of a completed consultation.
type FinalRecord struct {
	Summary             string    `json:"summary"`
	Transcript          string    `json:"transcript"`
	Answer              string    `json:"answer"`
	FollowUpActions     []string  `json:"follow_up_actions,omitempty"`
	RecommendedFollowUp string    `json:"recommended_followup,omitempty"`
	Degraded            bool      `json:"degraded,omitempty"`
	DegradedSpecialties []string  `json:"degraded_specialties,omitempty"`
	UnresolvedQuestions []string  `json:"unresolved_questions,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// TraceEntry records one phase transition in the execution trace.
type TraceEntry struct {
	From      Phase          `json:"from"`
	To        Phase          `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ConsultationState is the single record threaded through the pipeline.
// Only the orchestration engine mutates it; every other component returns
// values that the engine merges.
type ConsultationState struct {
	ID         string                 `json:"id"`
	Question   string                 `json:"question"`
	Context    CaseContext            `json:"context"`
	Phase      Phase                  `json:"phase"`
	Evaluation *CoordinatorEvaluation `json:"evaluation,omitempty"`
	Requests   []RequestNote          `json:"requests,omitempty"`
	Responses  []ResponseNote         `json:"responses,omitempty"`
	Final      *FinalRecord           `json:"final,omitempty"`
	Trace      []TraceEntry           `json:"trace"`

	// InfoLoops counts entries into AWAITING_INFORMATION for loop bounding.
	InfoLoops int `json:"info_loops"`

	// FailureReason is set when Phase is FAILED.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConsultationState creates the initial state for an incoming request.
func NewConsultationState(id, question string, context CaseContext) *ConsultationState {
	now := time.Now().UTC()
	return &ConsultationState{
		ID:        id,
		Question:  question,
		Context:   context.Clone(),
		Phase:     PhaseEvaluating,
		Trace:     make([]TraceEntry, 0, 8),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ToJSON serializes the state for persistence and the event log.
func (s *ConsultationState) ToJSON() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal consultation %s: %w", s.ID, err)
	}
	return data, nil
}

// FromJSON deserializes a consultation state snapshot.
func FromJSON(data []byte) (*ConsultationState, error) {
	var s ConsultationState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consultation state: %w", err)
	}
	return &s, nil
}

// Clone returns a deep copy of the state. The engine hands copies to
// read-only consumers so in-flight invocations never see later mutations.
func (s *ConsultationState) Clone() *ConsultationState {
	data, err := s.ToJSON()
	if err != nil {
		return nil
	}
	clone, err := FromJSON(data)
	if err != nil {
		return nil
	}
	return clone
}

// ResponseFor returns the response note matching a request note id, if any.
func (s *ConsultationState) ResponseFor(requestID string) (*ResponseNote, bool) {
	for i := range s.Responses {
		if s.Responses[i].RequestID == requestID {
			return &s.Responses[i], true
		}
	}
	return nil, false
}
