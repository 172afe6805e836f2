// Package notes renders the fixed-layout consultation transcript: the
// coordinator's evaluation, then every request/response pair in dispatch
// order, then the final answer.
package notes

import (
	"fmt"
	"strings"

	"consilium/pkg/proto"
)

const divider = "----------------------------------------"

// Transcript formats the full consultation in its fixed textual layout.
// The layout is deterministic so serialized consultations render
// identically on every call.
func Transcript(state *proto.ConsultationState) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "CONSULTATION %s\n", state.ID)
	fmt.Fprintf(&sb, "Question: %s\n", state.Question)

	if state.Evaluation != nil {
		sb.WriteString(divider + "\n")
		sb.WriteString("COORDINATOR EVALUATION\n")
		fmt.Fprintf(&sb, "Rationale: %s\n", state.Evaluation.Rationale)
		fmt.Fprintf(&sb, "Complexity: %.2f\n", state.Evaluation.Complexity)
		if state.Evaluation.CanAnswerDirectly {
			sb.WriteString("Routing: answered directly\n")
		} else {
			fmt.Fprintf(&sb, "Routing: interconsultation with %s\n",
				strings.Join(state.Evaluation.RequiredSpecialties, ", "))
		}
	}

	// Request/response pairs in dispatch order. Responses are matched by
	// request id; a missing response renders as pending.
	for i := range state.Requests {
		request := &state.Requests[i]
		sb.WriteString(divider + "\n")
		fmt.Fprintf(&sb, "REQUEST TO %s\n", strings.ToUpper(request.Specialty))
		fmt.Fprintf(&sb, "Question: %s\n", request.Question)

		response, ok := state.ResponseFor(request.ID)
		if !ok {
			sb.WriteString("Response: pending\n")
			continue
		}

		fmt.Fprintf(&sb, "RESPONSE FROM %s", strings.ToUpper(response.Specialty))
		if response.Synthetic {
			sb.WriteString(" (synthetic)")
		}
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "Evaluation: %s\n", response.Evaluation)
		fmt.Fprintf(&sb, "Answer: %s\n", response.Answer)
		if len(response.Recommendations) > 0 {
			fmt.Fprintf(&sb, "Recommendations: %s\n", strings.Join(response.Recommendations, "; "))
		}
		if len(response.EvidenceUsed) > 0 {
			fmt.Fprintf(&sb, "Evidence: %s\n", strings.Join(response.EvidenceUsed, ", "))
		}
		if response.NeedsMoreInfo {
			fmt.Fprintf(&sb, "Needs more information: %s\n", strings.Join(response.FollowUpQuestions, "; "))
		}
	}

	if state.Final != nil {
		sb.WriteString(divider + "\n")
		sb.WriteString("FINAL ANSWER\n")
		fmt.Fprintf(&sb, "%s\n", state.Final.Answer)
	} else if state.Evaluation != nil && state.Evaluation.CanAnswerDirectly {
		sb.WriteString(divider + "\n")
		sb.WriteString("FINAL ANSWER\n")
		fmt.Fprintf(&sb, "%s\n", state.Evaluation.DirectAnswer)
	}

	return sb.String()
}
