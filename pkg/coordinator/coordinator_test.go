package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consilium/pkg/llm"
	"consilium/pkg/llm/llmerrors"
	"consilium/pkg/proto"
)

var testSpecialties = []string{"cardiology", "nephrology"}

func TestEvaluateRouting(t *testing.T) {
	client := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": false,
		"required_specialties": ["cardiology"],
		"rationale": "needs cardiology input",
		"complexity": 0.6
	}`})

	evaluation := New(client, testSpecialties).Evaluate(context.Background(), "q", nil)
	assert.False(t, evaluation.CanAnswerDirectly)
	assert.Equal(t, []string{"cardiology"}, evaluation.RequiredSpecialties)
	assert.InDelta(t, 0.6, evaluation.Complexity, 1e-9)
}

func TestEvaluateDirectAnswer(t *testing.T) {
	client := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": true,
		"rationale": "general knowledge",
		"complexity": 0.1,
		"direct_answer": "4 g per day"
	}`})

	evaluation := New(client, testSpecialties).Evaluate(context.Background(), "q", nil)
	assert.True(t, evaluation.CanAnswerDirectly)
	assert.Equal(t, "4 g per day", evaluation.DirectAnswer)
}

func TestEvaluateConservativeFallbackOnMalformedOutput(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResult{Content: "not json"},
		llm.MockResult{Content: "still not json"},
	)

	evaluation := New(client, testSpecialties).Evaluate(context.Background(), "q", nil)
	assert.False(t, evaluation.CanAnswerDirectly)
	assert.ElementsMatch(t, testSpecialties, evaluation.RequiredSpecialties)
}

func TestEvaluateConservativeFallbackOnClientError(t *testing.T) {
	client := llm.NewMockClient(llm.MockResult{Err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")})

	evaluation := New(client, testSpecialties).Evaluate(context.Background(), "q", nil)
	assert.False(t, evaluation.CanAnswerDirectly)
	assert.ElementsMatch(t, testSpecialties, evaluation.RequiredSpecialties)
}

func TestEvaluateFiltersUnknownSpecialties(t *testing.T) {
	client := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": false,
		"required_specialties": ["cardiology", "astrology"],
		"rationale": "r",
		"complexity": 0.4
	}`})

	evaluation := New(client, testSpecialties).Evaluate(context.Background(), "q", nil)
	assert.Equal(t, []string{"cardiology"}, evaluation.RequiredSpecialties)
}

func TestEvaluateDirectWithoutAnswerFallsBack(t *testing.T) {
	client := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": true,
		"rationale": "r",
		"complexity": 0.2,
		"direct_answer": ""
	}`})

	evaluation := New(client, testSpecialties).Evaluate(context.Background(), "q", nil)
	assert.False(t, evaluation.CanAnswerDirectly)
}

func TestDraftRequestsDataMinimization(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResult{Content: `{"question": "Assess stroke risk", "context_keys": ["age"]}`},
		llm.MockResult{Content: `{"question": "Assess renal dosing", "context_keys": ["creatinine"]}`},
	)
	caseContext := proto.CaseContext{"age": 74, "creatinine": 1.4, "allergies": "none"}
	evaluation := &proto.CoordinatorEvaluation{RequiredSpecialties: []string{"cardiology", "nephrology"}}

	requests := New(client, testSpecialties).DraftRequests(context.Background(), evaluation, "q", caseContext)
	require.Len(t, requests, 2)

	assert.Equal(t, "cardiology", requests[0].Specialty)
	assert.Equal(t, "Assess stroke risk", requests[0].Question)
	assert.Contains(t, requests[0].Context, "age")
	assert.NotContains(t, requests[0].Context, "creatinine")
	assert.NotContains(t, requests[0].Context, "allergies")

	assert.Equal(t, "nephrology", requests[1].Specialty)
	assert.Contains(t, requests[1].Context, "creatinine")
	assert.NotEmpty(t, requests[0].ID)
	assert.NotEqual(t, requests[0].ID, requests[1].ID)
}

func TestDraftRequestsContextIsACopy(t *testing.T) {
	client := llm.NewMockClient(llm.MockResult{Content: `{"question": "Assess", "context_keys": ["age"]}`})
	caseContext := proto.CaseContext{"age": 74}
	evaluation := &proto.CoordinatorEvaluation{RequiredSpecialties: []string{"cardiology"}}

	requests := New(client, testSpecialties).DraftRequests(context.Background(), evaluation, "q", caseContext)
	require.Len(t, requests, 1)

	caseContext["age"] = 99
	assert.EqualValues(t, 74, requests[0].Context["age"])
}

func TestDraftRequestsFallbackOnMalformedOutput(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResult{Content: "not json"},
		llm.MockResult{Content: "still not json"},
	)
	caseContext := proto.CaseContext{"age": 74}
	evaluation := &proto.CoordinatorEvaluation{RequiredSpecialties: []string{"cardiology"}}

	requests := New(client, testSpecialties).DraftRequests(context.Background(), evaluation, "original question", caseContext)
	require.Len(t, requests, 1)
	assert.Equal(t, "original question", requests[0].Question)
	assert.Contains(t, requests[0].Context, "age")
}

func integratedState() *proto.ConsultationState {
	state := proto.NewConsultationState("c-1", "anticoagulate?", proto.CaseContext{"age": 74})
	state.Evaluation = &proto.CoordinatorEvaluation{RequiredSpecialties: []string{"cardiology", "nephrology"}, Rationale: "r"}
	state.Requests = []proto.RequestNote{
		{ID: "r-1", Specialty: "cardiology", Question: "stroke risk?"},
		{ID: "r-2", Specialty: "nephrology", Question: "renal dosing?"},
	}
	state.Responses = []proto.ResponseNote{
		{RequestID: "r-1", Specialty: "cardiology", Evaluation: "high risk", Answer: "anticoagulate"},
		{RequestID: "r-2", Specialty: "nephrology", Evaluation: "timed out", Answer: "no answer available", Synthetic: true, NeedsMoreInfo: true, FollowUpQuestions: []string{"creatinine level?"}},
	}
	return state
}

func TestIntegrateBuildsFinalRecord(t *testing.T) {
	client := llm.NewMockClient(llm.MockResult{Content: `{
		"summary": "cardiology recommends anticoagulation; nephrology did not respond",
		"answer": "anticoagulate, confirm renal function",
		"follow_up_actions": ["check creatinine"],
		"recommended_followup": "nephrology in 1 week"
	}`})

	record, err := New(client, testSpecialties).Integrate(context.Background(), integratedState())
	require.NoError(t, err)
	assert.Equal(t, "anticoagulate, confirm renal function", record.Answer)
	assert.True(t, record.Degraded)
	assert.Equal(t, []string{"nephrology"}, record.DegradedSpecialties)
	assert.Equal(t, []string{"creatinine level?"}, record.UnresolvedQuestions)
	assert.Contains(t, record.Transcript, "REQUEST TO CARDIOLOGY")
}

func TestIntegrateErrorsOnPersistentMalformedOutput(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResult{Content: "not json"},
		llm.MockResult{Content: "still not json"},
	)

	_, err := New(client, testSpecialties).Integrate(context.Background(), integratedState())
	require.Error(t, err)
}

func TestDegradedRecordConcatenatesAnswers(t *testing.T) {
	client := llm.NewMockClient()
	record := New(client, testSpecialties).DegradedRecord(integratedState(), "information loop bound exhausted")

	assert.True(t, record.Degraded)
	assert.Contains(t, record.Answer, "cardiology: anticoagulate")
	assert.NotContains(t, record.Answer, "no answer available")
	assert.Equal(t, "information loop bound exhausted", record.Summary)
}

func TestDirectRecord(t *testing.T) {
	state := proto.NewConsultationState("c-2", "q", nil)
	state.Evaluation = &proto.CoordinatorEvaluation{CanAnswerDirectly: true, Rationale: "general knowledge", DirectAnswer: "4 g per day"}

	record := New(llm.NewMockClient(), testSpecialties).DirectRecord(state)
	assert.Equal(t, "4 g per day", record.Answer)
	assert.False(t, record.Degraded)
}
