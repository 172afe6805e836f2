package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consilium/pkg/config"
	"consilium/pkg/coordinator"
	"consilium/pkg/eventlog"
	"consilium/pkg/llm"
	"consilium/pkg/persistence"
	"consilium/pkg/proto"
	"consilium/pkg/specialist"
	"consilium/pkg/translate"
)

const translateJSON = `{"keywords": ["atrial fibrillation"], "mesh_terms": [], "suggested_query": "atrial fibrillation"}`

func noteJSON(answer string, needsInfo bool) string {
	return fmt.Sprintf(`{
		"evaluation": "assessed",
		"reasoning": "evidence reviewed",
		"answer": %q,
		"recommendations": [],
		"evidence_level": "moderate",
		"needs_more_info": %t,
		"follow_up_questions": ["what is the creatinine?"]
	}`, answer, needsInfo)
}

const evaluateBothJSON = `{
	"can_answer_directly": false,
	"required_specialties": ["cardiology", "nephrology"],
	"rationale": "needs both",
	"complexity": 0.7
}`

const evaluateCardiologyJSON = `{
	"can_answer_directly": false,
	"required_specialties": ["cardiology"],
	"rationale": "needs cardiology",
	"complexity": 0.5
}`

const draftJSON = `{"question": "please assess", "context_keys": ["age"]}`

const integrateJSON = `{
	"summary": "specialists agree",
	"answer": "anticoagulate",
	"follow_up_actions": [],
	"recommended_followup": ""
}`

// promptRouter scripts per-specialty responses for concurrent fan-out tests:
// the shared mock replays by call order, which is not deterministic across
// goroutines, so this one routes on a needle in the system prompt instead.
type promptRouter struct {
	mu      sync.Mutex
	queues  map[string][]string // needle -> responses, last repeats
	counts  map[string]int
	prompts map[string][]string // needle -> full prompt text per call
}

func newPromptRouter() *promptRouter {
	return &promptRouter{
		queues:  make(map[string][]string),
		counts:  make(map[string]int),
		prompts: make(map[string][]string),
	}
}

func (r *promptRouter) respond(needle string, responses ...string) {
	r.queues[needle] = responses
}

func (r *promptRouter) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prompt strings.Builder
	for _, msg := range req.Messages {
		prompt.WriteString(msg.Content)
	}
	for needle, queue := range r.queues {
		if !strings.Contains(prompt.String(), needle) {
			continue
		}
		idx := r.counts[needle]
		r.counts[needle]++
		r.prompts[needle] = append(r.prompts[needle], prompt.String())
		if idx >= len(queue) {
			idx = len(queue) - 1
		}
		return llm.CompletionResponse{Content: queue[idx], StopReason: "end_turn"}, nil
	}
	return llm.CompletionResponse{}, fmt.Errorf("no scripted response for prompt")
}

func (r *promptRouter) GetModelName() string { return "mock-model" }

func (r *promptRouter) callsFor(needle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[needle]
}

func (r *promptRouter) promptsFor(needle string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.prompts[needle]...)
}

// stubRetriever returns an empty bundle, optionally after a per-collection
// delay, optionally blocking until released for timeout tests.
type stubRetriever struct {
	delays  map[string]time.Duration
	blocked map[string]chan struct{}
}

func (r *stubRetriever) Retrieve(ctx context.Context, collection string, _ []string, _ string) proto.EvidenceBundle {
	if ch, ok := r.blocked[collection]; ok {
		select {
		case <-ch:
		case <-time.After(10 * time.Second):
		}
		return proto.EvidenceBundle{}
	}
	if d, ok := r.delays[collection]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
	return proto.EvidenceBundle{}
}

type fixture struct {
	engine      *Engine
	store       *persistence.Store
	coordClient *llm.MockClient
	specClient  llm.LLMClient
	events      *eventlog.Writer
}

func newFixture(t *testing.T, coordClient *llm.MockClient, specClient llm.LLMClient, retriever specialist.Retriever, opts Options) *fixture {
	t.Helper()

	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events, err := eventlog.NewWriter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	specialists := map[string]config.Specialist{
		"cardiology": {Collection: "cardio-docs", Description: "heart"},
		"nephrology": {Collection: "nephro-docs", Description: "kidneys"},
	}
	translator := translate.New(llm.NewMockClient(llm.MockResult{Content: translateJSON}))
	registry := specialist.NewRegistry(specialists, specClient, translator, retriever)
	coord := coordinator.New(coordClient, []string{"cardiology", "nephrology"})

	store := persistence.NewStore(db)
	return &fixture{
		engine:      New(coord, registry, store, events, opts),
		store:       store,
		coordClient: coordClient,
		specClient:  specClient,
		events:      events,
	}
}

func TestDirectAnswerNeverDispatchesSpecialists(t *testing.T) {
	coordClient := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": true,
		"rationale": "general knowledge",
		"complexity": 0.1,
		"direct_answer": "4 g per day"
	}`})
	specClient := llm.NewMockClient(llm.MockResult{Content: noteJSON("unused", false)})
	f := newFixture(t, coordClient, specClient, &stubRetriever{}, Options{})

	state, err := f.engine.StartConsultation(context.Background(), "c-direct", "max daily acetaminophen?", nil)
	require.NoError(t, err)

	assert.Equal(t, proto.PhaseCompleted, state.Phase)
	require.NotNil(t, state.Final)
	assert.Equal(t, "4 g per day", state.Final.Answer)
	assert.Empty(t, state.Requests)
	assert.Empty(t, state.Responses)
	assert.Zero(t, specClient.CallCount())

	phases := tracePhases(state)
	assert.Equal(t, []proto.Phase{proto.PhaseAnsweredDirectly, proto.PhaseCompleted}, phases)
}

func TestFanOutProducesOneResponsePerRequestInOrder(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateBothJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	)
	specClient := llm.NewMockClient(llm.MockResult{Content: noteJSON("do the thing", false)})
	// Cardiology settles last even though it was dispatched first.
	retriever := &stubRetriever{delays: map[string]time.Duration{"cardio-docs": 30 * time.Millisecond}}
	f := newFixture(t, coordClient, specClient, retriever, Options{})

	state, err := f.engine.StartConsultation(context.Background(), "c-fanout", "anticoagulate?", proto.CaseContext{"age": 74})
	require.NoError(t, err)

	assert.Equal(t, proto.PhaseCompleted, state.Phase)
	require.Len(t, state.Requests, 2)
	require.Len(t, state.Responses, 2)
	for i := range state.Requests {
		assert.Equal(t, state.Requests[i].ID, state.Responses[i].RequestID)
		assert.Equal(t, state.Requests[i].Specialty, state.Responses[i].Specialty)
	}
	require.NotNil(t, state.Final)
	assert.Equal(t, "anticoagulate", state.Final.Answer)
	assert.False(t, state.Final.Degraded)

	phases := tracePhases(state)
	assert.Equal(t, []proto.Phase{
		proto.PhaseInterconsulting,
		proto.PhaseExecutingSpecialists,
		proto.PhaseIntegrating,
		proto.PhaseCompleted,
	}, phases)
}

func TestTimedOutSpecialistDoesNotBlockSiblings(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateBothJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	)
	specClient := llm.NewMockClient(llm.MockResult{Content: noteJSON("cardiology answer", false)})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	retriever := &stubRetriever{blocked: map[string]chan struct{}{"nephro-docs": release}}

	f := newFixture(t, coordClient, specClient, retriever, Options{SpecialistTimeout: 50 * time.Millisecond})

	start := time.Now()
	state, err := f.engine.StartConsultation(context.Background(), "c-timeout", "anticoagulate?", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, proto.PhaseCompleted, state.Phase)
	require.Len(t, state.Responses, 2)

	cardio, nephro := state.Responses[0], state.Responses[1]
	assert.Equal(t, "cardiology", cardio.Specialty)
	assert.False(t, cardio.Synthetic)
	assert.Equal(t, "cardiology answer", cardio.Answer)

	assert.Equal(t, "nephrology", nephro.Specialty)
	assert.True(t, nephro.Synthetic)
	assert.True(t, nephro.NeedsMoreInfo)
	assert.Contains(t, nephro.Evaluation, "timed out")

	// Synthetic notes degrade the record but never park the consultation.
	require.NotNil(t, state.Final)
	assert.True(t, state.Final.Degraded)
	assert.Contains(t, state.Final.DegradedSpecialties, "nephrology")
	for _, entry := range state.Trace {
		assert.NotEqual(t, proto.PhaseAwaitingInformation, entry.To)
	}
}

func TestUnregisteredSpecialtyGetsSyntheticNote(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateCardiologyJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	)
	specClient := llm.NewMockClient(llm.MockResult{Content: noteJSON("answer", false)})
	f := newFixture(t, coordClient, specClient, &stubRetriever{}, Options{})

	// The registry only knows cardiology and nephrology; rebuild the
	// coordinator with a phantom specialty it may route to.
	f.engine.coordinator = coordinator.New(llm.NewMockClient(
		llm.MockResult{Content: `{
			"can_answer_directly": false,
			"required_specialties": ["cardiology", "genetics"],
			"rationale": "r",
			"complexity": 0.5
		}`},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	), []string{"cardiology", "genetics"})

	state, err := f.engine.StartConsultation(context.Background(), "c-ghost", "q", nil)
	require.NoError(t, err)

	assert.Equal(t, proto.PhaseCompleted, state.Phase)
	require.Len(t, state.Responses, 2)
	assert.False(t, state.Responses[0].Synthetic)
	assert.True(t, state.Responses[1].Synthetic)
	assert.Contains(t, state.Responses[1].Evaluation, "specialist unavailable")
}

func TestAwaitingInformationParksAndResumes(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateCardiologyJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	)
	specClient := llm.NewMockClient(
		llm.MockResult{Content: noteJSON("need labs first", true)},
		llm.MockResult{Content: noteJSON("resolved with labs", false)},
	)
	f := newFixture(t, coordClient, specClient, &stubRetriever{}, Options{})
	ctx := context.Background()

	state, err := f.engine.StartConsultation(ctx, "c-park", "anticoagulate?", proto.CaseContext{"age": 74})
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseAwaitingInformation, state.Phase)
	assert.Equal(t, 1, state.InfoLoops)
	assert.Nil(t, state.Final)
	require.Len(t, state.Responses, 1)
	assert.True(t, state.Responses[0].NeedsMoreInfo)

	// Parked state survives a process restart via the snapshot store.
	reloaded, err := f.store.Load(ctx, "c-park")
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseAwaitingInformation, reloaded.Phase)

	resumed, err := f.engine.SupplyInformation(ctx, "c-park", map[string]any{"creatinine": 1.2})
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseCompleted, resumed.Phase)
	assert.EqualValues(t, 1.2, resumed.Context["creatinine"])
	require.Len(t, resumed.Responses, 1)
	assert.False(t, resumed.Responses[0].NeedsMoreInfo)
	assert.Equal(t, "resolved with labs", resumed.Responses[0].Answer)
}

func TestResumeRedispatchesOnlyPendingSpecialties(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateBothJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	)
	router := newPromptRouter()
	router.respond("consultant in cardiology", noteJSON("cardiology answer", false))
	router.respond("consultant in nephrology",
		noteJSON("need creatinine", true),
		noteJSON("renal dosing fine", false))

	f := newFixture(t, coordClient, router, &stubRetriever{}, Options{})
	ctx := context.Background()

	state, err := f.engine.StartConsultation(ctx, "c-partial", "anticoagulate?", nil)
	require.NoError(t, err)
	require.Equal(t, proto.PhaseAwaitingInformation, state.Phase)
	cardioBefore := state.Responses[0]

	resumed, err := f.engine.SupplyInformation(ctx, "c-partial", map[string]any{"creatinine": 1.2})
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseCompleted, resumed.Phase)

	// Cardiology was settled and must not run again.
	assert.Equal(t, 1, router.callsFor("consultant in cardiology"))
	assert.Equal(t, 2, router.callsFor("consultant in nephrology"))
	assert.True(t, cardioBefore.CreatedAt.Equal(resumed.Responses[0].CreatedAt))
	assert.Equal(t, "renal dosing fine", resumed.Responses[1].Answer)
}

func TestSuppliedInformationReachesRedispatchedSpecialist(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateCardiologyJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	)
	router := newPromptRouter()
	router.respond("consultant in cardiology",
		noteJSON("need creatinine", true),
		noteJSON("dosing adjusted", false))

	f := newFixture(t, coordClient, router, &stubRetriever{}, Options{})
	ctx := context.Background()

	state, err := f.engine.StartConsultation(ctx, "c-refresh", "anticoagulate?", proto.CaseContext{"age": 74})
	require.NoError(t, err)
	require.Equal(t, proto.PhaseAwaitingInformation, state.Phase)

	resumed, err := f.engine.SupplyInformation(ctx, "c-refresh", map[string]any{"creatinine": "1.2 mg/dL"})
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseCompleted, resumed.Phase)

	// The first prompt predates the answer; the re-dispatched one must carry
	// it even though the draft-time context snapshot did not.
	prompts := router.promptsFor("consultant in cardiology")
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "creatinine")
	assert.Contains(t, prompts[1], "creatinine")
	assert.Contains(t, prompts[1], "1.2 mg/dL")
	assert.EqualValues(t, "1.2 mg/dL", resumed.Requests[0].Context["creatinine"])
}

func TestInformationLoopBoundForcesDegradedCompletion(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateCardiologyJSON},
		llm.MockResult{Content: draftJSON},
	)
	// The specialist never stops asking for more information.
	specClient := llm.NewMockClient(llm.MockResult{Content: noteJSON("still unsure", true)})
	f := newFixture(t, coordClient, specClient, &stubRetriever{}, Options{MaxInformationLoops: 3})
	ctx := context.Background()

	state, err := f.engine.StartConsultation(ctx, "c-loop", "q", nil)
	require.NoError(t, err)
	require.Equal(t, proto.PhaseAwaitingInformation, state.Phase)

	for loop := 2; loop <= 3; loop++ {
		state, err = f.engine.SupplyInformation(ctx, "c-loop", map[string]any{"extra": loop})
		require.NoError(t, err)
		require.Equal(t, proto.PhaseAwaitingInformation, state.Phase)
		assert.Equal(t, loop, state.InfoLoops)
	}

	state, err = f.engine.SupplyInformation(ctx, "c-loop", map[string]any{"extra": "final"})
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseCompleted, state.Phase)
	require.NotNil(t, state.Final)
	assert.True(t, state.Final.Degraded)
	assert.Equal(t, 3, state.InfoLoops)
}

func TestMalformedSpecialistOutputDegradesRecord(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateCardiologyJSON},
		llm.MockResult{Content: draftJSON},
	)
	// The specialist never produces a valid structured note, so every
	// invocation falls back to the minimal degraded note.
	specClient := llm.NewMockClient(llm.MockResult{Content: "not json"})
	f := newFixture(t, coordClient, specClient, &stubRetriever{}, Options{MaxInformationLoops: 1})
	ctx := context.Background()

	state, err := f.engine.StartConsultation(ctx, "c-minimal", "q", nil)
	require.NoError(t, err)
	require.Equal(t, proto.PhaseAwaitingInformation, state.Phase)
	require.Len(t, state.Responses, 1)
	assert.True(t, state.Responses[0].Degraded)
	assert.False(t, state.Responses[0].Synthetic)

	state, err = f.engine.SupplyInformation(ctx, "c-minimal", map[string]any{"labs": "attached"})
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseCompleted, state.Phase)
	require.NotNil(t, state.Final)
	assert.True(t, state.Final.Degraded)
	assert.Contains(t, state.Final.DegradedSpecialties, "cardiology")
}

func TestSupplyInformationUnknownConsultation(t *testing.T) {
	coordClient := llm.NewMockClient()
	f := newFixture(t, coordClient, llm.NewMockClient(), &stubRetriever{}, Options{})

	_, err := f.engine.SupplyInformation(context.Background(), "no-such-id", nil)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestSupplyInformationRejectsNonParkedConsultation(t *testing.T) {
	coordClient := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": true,
		"rationale": "r",
		"complexity": 0.1,
		"direct_answer": "yes"
	}`})
	f := newFixture(t, coordClient, llm.NewMockClient(), &stubRetriever{}, Options{})
	ctx := context.Background()

	_, err := f.engine.StartConsultation(ctx, "c-done", "q", nil)
	require.NoError(t, err)

	_, err = f.engine.SupplyInformation(ctx, "c-done", map[string]any{"x": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(proto.PhaseCompleted))
}

func TestIntegrationFailureDegradesInsteadOfFailing(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateCardiologyJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: "not json"}, // integrate, first try
		llm.MockResult{Content: "still not json"}, // integrate, stricter retry
	)
	specClient := llm.NewMockClient(llm.MockResult{Content: noteJSON("cardiology answer", false)})
	f := newFixture(t, coordClient, specClient, &stubRetriever{}, Options{})

	state, err := f.engine.StartConsultation(context.Background(), "c-badsynth", "q", nil)
	require.NoError(t, err)

	assert.Equal(t, proto.PhaseCompleted, state.Phase)
	require.NotNil(t, state.Final)
	assert.True(t, state.Final.Degraded)
	assert.Contains(t, state.Final.Answer, "cardiology answer")
}

func TestStateRoundTripsThroughSnapshotStore(t *testing.T) {
	coordClient := llm.NewMockClient(
		llm.MockResult{Content: evaluateBothJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: draftJSON},
		llm.MockResult{Content: integrateJSON},
	)
	specClient := llm.NewMockClient(llm.MockResult{Content: noteJSON("answer", false)})
	f := newFixture(t, coordClient, specClient, &stubRetriever{}, Options{})
	ctx := context.Background()

	state, err := f.engine.StartConsultation(ctx, "c-roundtrip", "q", proto.CaseContext{"age": 74})
	require.NoError(t, err)
	require.Equal(t, proto.PhaseCompleted, state.Phase)

	loaded, err := f.store.Load(ctx, "c-roundtrip")
	require.NoError(t, err)

	want, err := state.ToJSON()
	require.NoError(t, err)
	got, err := loaded.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestTransitionsAreLoggedAsEvents(t *testing.T) {
	coordClient := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": true,
		"rationale": "r",
		"complexity": 0.1,
		"direct_answer": "yes"
	}`})
	f := newFixture(t, coordClient, llm.NewMockClient(), &stubRetriever{}, Options{})

	state, err := f.engine.StartConsultation(context.Background(), "c-events", "q", nil)
	require.NoError(t, err)

	file, err := os.Open(f.events.CurrentLogFile())
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, len(state.Trace), lines)
}

func TestNotifyChannelReceivesPhaseEvents(t *testing.T) {
	coordClient := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": true,
		"rationale": "r",
		"complexity": 0.1,
		"direct_answer": "yes"
	}`})
	notify := make(chan proto.PhaseEvent, 16)
	f := newFixture(t, coordClient, llm.NewMockClient(), &stubRetriever{}, Options{Notify: notify})

	state, err := f.engine.StartConsultation(context.Background(), "c-notify", "q", nil)
	require.NoError(t, err)

	close(notify)
	var received []proto.PhaseEvent
	for event := range notify {
		received = append(received, event)
	}
	require.Len(t, received, len(state.Trace))
	assert.Equal(t, proto.PhaseEvaluating, received[0].From)
	assert.Equal(t, proto.PhaseCompleted, received[len(received)-1].To)
	for _, event := range received {
		assert.Equal(t, "c-notify", event.ConsultationID)
	}
}

func TestFullNotifyChannelNeverBlocksTransitions(t *testing.T) {
	coordClient := llm.NewMockClient(llm.MockResult{Content: `{
		"can_answer_directly": true,
		"rationale": "r",
		"complexity": 0.1,
		"direct_answer": "yes"
	}`})
	notify := make(chan proto.PhaseEvent) // unbuffered, nobody reading
	f := newFixture(t, coordClient, llm.NewMockClient(), &stubRetriever{}, Options{Notify: notify})

	state, err := f.engine.StartConsultation(context.Background(), "c-drop", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, proto.PhaseCompleted, state.Phase)
}

func tracePhases(state *proto.ConsultationState) []proto.Phase {
	phases := make([]proto.Phase, 0, len(state.Trace))
	for _, entry := range state.Trace {
		phases = append(phases, entry.To)
	}
	return phases
}
