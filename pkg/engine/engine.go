// Package engine implements the orchestration state machine: it holds the
// consultation state, sequences the coordinator and specialist invocations,
// runs the parallel fan-out/fan-in with per-invocation timeouts, and decides
// terminal versus continuation states.
package engine

import (
	"context"
	"fmt"
	"time"

	"consilium/pkg/coordinator"
	"consilium/pkg/eventlog"
	"consilium/pkg/logx"
	"consilium/pkg/metrics"
	"consilium/pkg/persistence"
	"consilium/pkg/proto"
	"consilium/pkg/specialist"
)

// Engine drives consultations through the phase machine. It is the single
// writer of ConsultationState; every other component returns values the
// engine merges.
type Engine struct {
	coordinator       *coordinator.Coordinator
	registry          *specialist.Registry
	store             *persistence.Store
	events            *eventlog.Writer
	notify            chan<- proto.PhaseEvent
	specialistTimeout time.Duration
	maxInfoLoops      int
	logger            *logx.Logger
}

// Options holds engine policy knobs.
type Options struct {
	SpecialistTimeout   time.Duration
	MaxInformationLoops int

	// Notify receives a copy of every phase event. Sends are non-blocking;
	// a full channel drops the event rather than stalling a transition.
	Notify chan<- proto.PhaseEvent
}

// New creates an engine. The event writer may be nil (events are then only
// recorded in the state's trace).
func New(coord *coordinator.Coordinator, registry *specialist.Registry, store *persistence.Store, events *eventlog.Writer, opts Options) *Engine {
	if opts.SpecialistTimeout <= 0 {
		opts.SpecialistTimeout = 120 * time.Second
	}
	if opts.MaxInformationLoops <= 0 {
		opts.MaxInformationLoops = 3
	}
	return &Engine{
		coordinator:       coord,
		registry:          registry,
		store:             store,
		events:            events,
		notify:            opts.Notify,
		specialistTimeout: opts.SpecialistTimeout,
		maxInfoLoops:      opts.MaxInformationLoops,
		logger:            logx.NewLogger("engine"),
	}
}

// StartConsultation runs a new consultation until it reaches a terminal
// phase or parks in AWAITING_INFORMATION. The returned state is the caller's
// copy; the durable snapshot is persisted per transition.
func (e *Engine) StartConsultation(ctx context.Context, id, question string, caseContext proto.CaseContext) (*proto.ConsultationState, error) {
	state := proto.NewConsultationState(id, question, caseContext)
	e.logger.Info("consultation %s started", id)

	if err := e.store.SaveSnapshot(ctx, state); err != nil {
		return nil, fmt.Errorf("persistence unavailable: %w", err)
	}
	return e.run(ctx, state)
}

// SupplyInformation resumes a parked consultation: the supplied fields are
// merged into the case context and only the specialties that asked for more
// information are re-dispatched.
func (e *Engine) SupplyInformation(ctx context.Context, id string, fields map[string]any) (*proto.ConsultationState, error) {
	state, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Phase != proto.PhaseAwaitingInformation {
		return nil, fmt.Errorf("consultation %s is in phase %s, not %s", id, state.Phase, proto.PhaseAwaitingInformation)
	}

	if state.Context == nil {
		state.Context = proto.CaseContext{}
	}
	for k, v := range fields {
		state.Context[k] = v
	}

	// The pending notes' context snapshots were minimized at draft time,
	// before these fields existed; refresh them so the re-dispatched
	// specialists actually see the supplied information.
	for i := range state.Requests {
		if !needsRedispatch(state, state.Requests[i].ID) {
			continue
		}
		if state.Requests[i].Context == nil {
			state.Requests[i].Context = proto.CaseContext{}
		}
		for k, v := range fields {
			state.Requests[i].Context[k] = v
		}
	}

	pending := pendingSpecialties(state)
	if err := e.transition(ctx, state, proto.PhaseExecutingSpecialists, map[string]any{
		"resumed":     true,
		"redispatch":  pending,
		"info_fields": keysOf(fields),
	}); err != nil {
		return nil, err
	}
	return e.run(ctx, state)
}

// run advances the state machine until it parks or terminates.
func (e *Engine) run(ctx context.Context, state *proto.ConsultationState) (*proto.ConsultationState, error) {
	for {
		switch state.Phase {
		case proto.PhaseEvaluating:
			if err := e.stepEvaluate(ctx, state); err != nil {
				return e.fail(ctx, state, err)
			}
		case proto.PhaseAnsweredDirectly:
			state.Final = e.coordinator.DirectRecord(state)
			if err := e.transition(ctx, state, proto.PhaseCompleted, nil); err != nil {
				return e.fail(ctx, state, err)
			}
		case proto.PhaseInterconsulting:
			if err := e.stepDraft(ctx, state); err != nil {
				return e.fail(ctx, state, err)
			}
		case proto.PhaseExecutingSpecialists:
			if err := e.stepExecute(ctx, state); err != nil {
				return e.fail(ctx, state, err)
			}
		case proto.PhaseIntegrating:
			if err := e.stepIntegrate(ctx, state); err != nil {
				return e.fail(ctx, state, err)
			}
		case proto.PhaseAwaitingInformation:
			// Parked: the caller resumes via SupplyInformation.
			return state, nil
		case proto.PhaseCompleted, proto.PhaseFailed:
			metrics.RecordTerminal(string(state.Phase))
			e.logger.Info("consultation %s reached %s", state.ID, state.Phase)
			return state, nil
		default:
			return e.fail(ctx, state, fmt.Errorf("unknown phase %s", state.Phase))
		}
	}
}

func (e *Engine) stepEvaluate(ctx context.Context, state *proto.ConsultationState) error {
	evaluation := e.coordinator.Evaluate(ctx, state.Question, state.Context)
	state.Evaluation = &evaluation

	next := proto.PhaseInterconsulting
	if evaluation.CanAnswerDirectly {
		next = proto.PhaseAnsweredDirectly
	}
	return e.transition(ctx, state, next, map[string]any{
		"can_answer_directly":  evaluation.CanAnswerDirectly,
		"required_specialties": evaluation.RequiredSpecialties,
		"complexity":           evaluation.Complexity,
	})
}

func (e *Engine) stepDraft(ctx context.Context, state *proto.ConsultationState) error {
	state.Requests = e.coordinator.DraftRequests(ctx, state.Evaluation, state.Question, state.Context)
	if len(state.Requests) == 0 {
		return fmt.Errorf("no request notes drafted for %v", state.Evaluation.RequiredSpecialties)
	}
	return e.transition(ctx, state, proto.PhaseExecutingSpecialists, map[string]any{
		"requests": len(state.Requests),
	})
}

func (e *Engine) stepExecute(ctx context.Context, state *proto.ConsultationState) error {
	pending := e.pendingRequests(state)
	results := e.fanOut(ctx, state, pending)
	e.mergeResponses(state, pending, results)

	// Synthetic notes never park the consultation: a timed-out specialist
	// degrades its own answer rather than stalling the whole case.
	if e.anyNeedsInfo(state) {
		if state.InfoLoops >= e.maxInfoLoops {
			state.Final = e.coordinator.DegradedRecord(state,
				fmt.Sprintf("information requested %d times without resolution", state.InfoLoops))
			return e.transition(ctx, state, proto.PhaseCompleted, map[string]any{"degraded": true})
		}
		state.InfoLoops++
		return e.transition(ctx, state, proto.PhaseAwaitingInformation, map[string]any{
			"info_loops": state.InfoLoops,
			"pending":    pendingSpecialties(state),
		})
	}

	return e.transition(ctx, state, proto.PhaseIntegrating, map[string]any{
		"responses": len(state.Responses),
	})
}

func (e *Engine) stepIntegrate(ctx context.Context, state *proto.ConsultationState) error {
	record, err := e.coordinator.Integrate(ctx, state)
	if err != nil {
		// Synthesis failure degrades the record; the specialist answers are
		// too valuable to discard for a malformed synthesis.
		e.logger.Warn("consultation %s: integration degraded: %v", state.ID, err)
		record = e.coordinator.DegradedRecord(state, "synthesis unavailable; individual specialist answers follow")
	}
	state.Final = record
	return e.transition(ctx, state, proto.PhaseCompleted, map[string]any{
		"degraded": record.Degraded,
	})
}

// transition validates and applies a phase change, appends the trace entry,
// persists the snapshot, and emits the phase event. A persistence failure is
// unrecoverable by contract.
func (e *Engine) transition(ctx context.Context, state *proto.ConsultationState, to proto.Phase, metadata map[string]any) error {
	from := state.Phase
	if !proto.IsValidTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	now := time.Now().UTC()
	state.Phase = to
	state.UpdatedAt = now
	state.Trace = append(state.Trace, proto.TraceEntry{
		From:      from,
		To:        to,
		Timestamp: now,
		Metadata:  metadata,
	})

	if err := e.store.SaveSnapshot(ctx, state); err != nil {
		return fmt.Errorf("persistence unavailable: %w", err)
	}

	metrics.RecordTransition(string(from), string(to))
	e.emit(state, from, to, metadata)
	logx.Debug(ctx, "engine", "consultation %s: %s -> %s", state.ID, from, to)
	return nil
}

func (e *Engine) emit(state *proto.ConsultationState, from, to proto.Phase, metadata map[string]any) {
	event := proto.PhaseEvent{
		ConsultationID: state.ID,
		From:           from,
		To:             to,
		Timestamp:      state.UpdatedAt,
		Metadata:       metadata,
	}

	if e.notify != nil {
		select {
		case e.notify <- event:
		default:
			e.logger.Warn("phase event dropped for %s: subscriber not keeping up", state.ID)
		}
	}

	if e.events == nil {
		return
	}
	if err := e.events.WriteEvent(&event); err != nil {
		e.logger.Warn("event emission failed for %s: %v", state.ID, err)
	}
}

// fail marks the consultation FAILED with a machine-readable reason. The
// last durable snapshot remains retrievable even when this final save fails.
func (e *Engine) fail(ctx context.Context, state *proto.ConsultationState, cause error) (*proto.ConsultationState, error) {
	e.logger.Error("consultation %s failed: %v", state.ID, cause)
	from := state.Phase
	state.Phase = proto.PhaseFailed
	state.FailureReason = cause.Error()
	state.UpdatedAt = time.Now().UTC()
	state.Trace = append(state.Trace, proto.TraceEntry{
		From:      from,
		To:        proto.PhaseFailed,
		Timestamp: state.UpdatedAt,
		Metadata:  map[string]any{"reason": cause.Error()},
	})

	if err := e.store.SaveSnapshot(ctx, state); err != nil {
		e.logger.Error("could not persist failure for %s: %v", state.ID, err)
	}
	metrics.RecordTerminal(string(proto.PhaseFailed))
	e.emit(state, from, proto.PhaseFailed, nil)
	return state, cause
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
