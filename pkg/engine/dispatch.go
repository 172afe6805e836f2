package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"consilium/pkg/metrics"
	"consilium/pkg/proto"
)

// fanOut dispatches one goroutine per pending request note and blocks until
// every invocation settles. Results come back indexed by the pending slice,
// so completion order never leaks into the merged state.
func (e *Engine) fanOut(ctx context.Context, state *proto.ConsultationState, pending []proto.RequestNote) []proto.ResponseNote {
	results := make([]proto.ResponseNote, len(pending))

	var wg sync.WaitGroup
	for i := range pending {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = e.invoke(ctx, pending[idx])
		}(i)
	}
	wg.Wait()

	e.logger.Info("consultation %s: %d specialist invocations settled", state.ID, len(pending))
	return results
}

// invoke runs one specialist under its own timeout. A timeout or a missing
// evaluator substitutes a synthetic note so the batch always settles with
// exactly one response per request.
func (e *Engine) invoke(ctx context.Context, request proto.RequestNote) proto.ResponseNote {
	start := time.Now()

	evaluator, err := e.registry.Lookup(request.Specialty)
	if err != nil {
		e.logger.Error("dispatch failed for %s: %v", request.Specialty, err)
		metrics.RecordSpecialist(request.Specialty, metrics.OutcomeError, time.Since(start))
		return syntheticNote(request, fmt.Sprintf("specialist unavailable: %v", err))
	}

	ictx, cancel := context.WithTimeout(ctx, e.specialistTimeout)
	defer cancel()

	done := make(chan proto.ResponseNote, 1)
	go func() {
		done <- evaluator.Evaluate(ictx, request)
	}()

	select {
	case note := <-done:
		outcome := metrics.OutcomeSuccess
		if note.Degraded {
			outcome = metrics.OutcomeDegraded
		}
		metrics.RecordSpecialist(request.Specialty, outcome, time.Since(start))
		return note
	case <-ictx.Done():
		e.logger.Warn("specialist %s timed out after %s", request.Specialty, e.specialistTimeout)
		metrics.RecordSpecialist(request.Specialty, metrics.OutcomeTimeout, time.Since(start))
		return syntheticNote(request, fmt.Sprintf("timed out after %s", e.specialistTimeout))
	}
}

// syntheticNote is the engine-substituted response for an invocation that
// produced nothing. It carries needs-more-info so the synthesis surfaces the
// gap, but its synthetic flag keeps it from parking the consultation.
func syntheticNote(request proto.RequestNote, reason string) proto.ResponseNote {
	return proto.ResponseNote{
		RequestID:     request.ID,
		Specialty:     request.Specialty,
		Evaluation:    reason,
		Answer:        "no answer available",
		NeedsMoreInfo: true,
		Synthetic:     true,
		CreatedAt:     time.Now().UTC(),
	}
}

// needsRedispatch reports whether a request note still needs a usable
// response: never answered, or answered with a genuine information request.
// Synthetic substitutes are settled and are not retried.
func needsRedispatch(state *proto.ConsultationState, requestID string) bool {
	response, ok := state.ResponseFor(requestID)
	return !ok || (response.NeedsMoreInfo && !response.Synthetic)
}

// pendingRequests returns the request notes that still need a usable response.
func (e *Engine) pendingRequests(state *proto.ConsultationState) []proto.RequestNote {
	pending := make([]proto.RequestNote, 0, len(state.Requests))
	for i := range state.Requests {
		if needsRedispatch(state, state.Requests[i].ID) {
			pending = append(pending, state.Requests[i])
		}
	}
	return pending
}

// mergeResponses folds freshly settled notes into the state, replacing any
// earlier note for the same request, then restores request-note order.
func (e *Engine) mergeResponses(state *proto.ConsultationState, pending []proto.RequestNote, results []proto.ResponseNote) {
	byRequest := make(map[string]proto.ResponseNote, len(state.Responses)+len(results))
	for i := range state.Responses {
		byRequest[state.Responses[i].RequestID] = state.Responses[i]
	}
	for i := range results {
		byRequest[results[i].RequestID] = results[i]
	}

	merged := make([]proto.ResponseNote, 0, len(state.Requests))
	for i := range state.Requests {
		if note, ok := byRequest[state.Requests[i].ID]; ok {
			merged = append(merged, note)
		}
	}
	state.Responses = merged
}

// anyNeedsInfo reports whether any specialist genuinely asked for more
// information. Synthetic notes never count.
func (e *Engine) anyNeedsInfo(state *proto.ConsultationState) bool {
	for i := range state.Responses {
		if state.Responses[i].NeedsMoreInfo && !state.Responses[i].Synthetic {
			return true
		}
	}
	return false
}

// pendingSpecialties lists the specialties still waiting on information, in
// request-note order.
func pendingSpecialties(state *proto.ConsultationState) []string {
	var names []string
	for i := range state.Responses {
		note := &state.Responses[i]
		if note.NeedsMoreInfo && !note.Synthetic {
			names = append(names, note.Specialty)
		}
	}
	return names
}
