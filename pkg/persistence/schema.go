package persistence

import (
	"database/sql"
	"fmt"
)

// Schema for consultation snapshots, the local document store, and the
// literature query cache. All statements are idempotent so Open can run
// against an existing database.
const schema = `
CREATE TABLE IF NOT EXISTS consultations (
	id         TEXT PRIMARY KEY,
	phase      TEXT NOT NULL,
	state      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consultations_phase ON consultations(phase);

CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	collection   TEXT NOT NULL,
	label        TEXT NOT NULL,
	snippet      TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	published_at TIMESTAMP,
	created_at   TIMESTAMP NOT NULL,
	UNIQUE(collection, label)
);

CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

CREATE TABLE IF NOT EXISTS literature_cache (
	query      TEXT PRIMARY KEY,
	results    TEXT NOT NULL,
	cached_at  TIMESTAMP NOT NULL
);
`

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
