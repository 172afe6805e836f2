package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"consilium/pkg/proto"
)

// ErrNotFound is returned when no snapshot exists for a consultation id.
var ErrNotFound = errors.New("consultation not found")

// Store persists consultation state snapshots indexed by consultation id.
// The engine writes one snapshot after every phase transition; the latest
// snapshot always wins.
type Store struct {
	db *sql.DB
}

// NewStore creates a snapshot store on an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveSnapshot upserts the latest state for a consultation.
func (s *Store) SaveSnapshot(ctx context.Context, state *proto.ConsultationState) error {
	data, err := state.ToJSON()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consultations (id, phase, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, state.ID, string(state.Phase), string(data), state.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", state.ID, err)
	}
	return nil
}

// Load retrieves the last known state for a consultation id.
func (s *Store) Load(ctx context.Context, id string) (*proto.ConsultationState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM consultations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load consultation %s: %w", id, err)
	}
	return proto.FromJSON([]byte(raw))
}

// ListByPhase returns consultation ids currently in the given phase, oldest
// first. Used to find parked consultations awaiting information.
func (s *Store) ListByPhase(ctx context.Context, phase proto.Phase) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM consultations WHERE phase = ? ORDER BY updated_at ASC`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("failed to list consultations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
