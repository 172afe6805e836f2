package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// PhaseEvent is emitted on every phase transition for progress reporting.
type PhaseEvent struct {
	ConsultationID string         `json:"consultation_id"`
	From           Phase          `json:"from"`
	To             Phase          `json:"to"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ToJSON serializes the event for the JSONL event log.
func (e *PhaseEvent) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phase event: %w", err)
	}
	return data, nil
}
