package proto

import "fmt"

// Phase represents the lifecycle phase of a consultation.
type Phase string

// Consultation phase constants.
const (
	// Entry phase: coordinator is assessing the request.
	PhaseEvaluating Phase = "EVALUATING"

	// Success without fan-out; proceeds straight to COMPLETED.
	PhaseAnsweredDirectly Phase = "ANSWERED_DIRECTLY"

	// Coordinator is drafting one request note per required specialty.
	PhaseInterconsulting Phase = "INTERCONSULTING"

	// Specialist invocations are in flight.
	PhaseExecutingSpecialists Phase = "EXECUTING_SPECIALISTS"

	// All specialists settled; coordinator is synthesizing.
	PhaseIntegrating Phase = "INTEGRATING"

	// Parked until the caller supplies missing information.
	PhaseAwaitingInformation Phase = "AWAITING_INFORMATION"

	// Terminal phases.
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true if no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// phaseTransitions is the canonical transition map for consultations.
// Any code or tests touching phase sequencing must match this map exactly.
var phaseTransitions = map[Phase][]Phase{
	// EVALUATING resolves to a direct answer or to specialist routing.
	PhaseEvaluating: {PhaseAnsweredDirectly, PhaseInterconsulting, PhaseFailed},

	// INTERCONSULTING moves on once every request note exists.
	PhaseInterconsulting: {PhaseExecutingSpecialists, PhaseFailed},

	// EXECUTING_SPECIALISTS always settles the whole batch first. COMPLETED
	// is the forced degraded completion when the information loop bound is
	// exhausted instead of parking again.
	PhaseExecutingSpecialists: {PhaseIntegrating, PhaseAwaitingInformation, PhaseCompleted, PhaseFailed},

	// INTEGRATING produces the final record, or parks on open questions.
	PhaseIntegrating: {PhaseCompleted, PhaseAwaitingInformation, PhaseFailed},

	// AWAITING_INFORMATION resumes on a supply-information event.
	PhaseAwaitingInformation: {PhaseExecutingSpecialists, PhaseFailed},

	// ANSWERED_DIRECTLY completes with the coordinator's own answer.
	PhaseAnsweredDirectly: {PhaseCompleted},

	PhaseCompleted: {},
	PhaseFailed:    {},
}

// ValidNextPhases returns the allowed next phases for a given phase.
func ValidNextPhases(from Phase) []Phase {
	return phaseTransitions[from]
}

// IsValidTransition checks whether a phase transition is allowed.
func IsValidTransition(from, to Phase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllPhases returns every valid phase in deterministic order.
func AllPhases() []Phase {
	return []Phase{
		PhaseEvaluating,
		PhaseAnsweredDirectly,
		PhaseInterconsulting,
		PhaseExecutingSpecialists,
		PhaseIntegrating,
		PhaseAwaitingInformation,
		PhaseCompleted,
		PhaseFailed,
	}
}

// ValidatePhase checks that a phase is one of the known constants.
func ValidatePhase(p Phase) error {
	for _, known := range AllPhases() {
		if p == known {
			return nil
		}
	}
	return fmt.Errorf("invalid consultation phase: %s", p)
}
