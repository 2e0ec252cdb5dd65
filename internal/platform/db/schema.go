package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the index DDL. The index is a derived projection of the
// archive and is rebuilt in place, so a single idempotent bootstrap replaces
// versioned migrations: dropping the tables and re-running reconciliation
// restores the full index.
const schema = `
CREATE TABLE IF NOT EXISTS study (
    id UUID PRIMARY KEY,
    study_instance_uid TEXT NOT NULL UNIQUE,
    patient_id TEXT,
    patient_name TEXT,
    study_date TEXT,
    study_description TEXT,
    modality TEXT,
    number_of_series INTEGER NOT NULL DEFAULT 0,
    number_of_instances INTEGER NOT NULL DEFAULT 0,
    archive_study_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS series (
    id UUID PRIMARY KEY,
    study_instance_uid TEXT NOT NULL REFERENCES study(study_instance_uid) ON DELETE CASCADE,
    series_instance_uid TEXT NOT NULL,
    modality TEXT,
    series_number INTEGER,
    description TEXT,
    archive_series_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (study_instance_uid, series_instance_uid)
);

CREATE TABLE IF NOT EXISTS frame_record (
    id UUID PRIMARY KEY,
    study_instance_uid TEXT NOT NULL,
    series_instance_uid TEXT NOT NULL,
    sop_instance_uid TEXT NOT NULL,
    frame_index INTEGER NOT NULL,
    instance_number INTEGER,
    rows INTEGER,
    columns INTEGER,
    bits_allocated INTEGER,
    samples_per_pixel INTEGER,
    photometric_interpretation TEXT,
    archive_instance_id TEXT NOT NULL,
    archive_frame_index INTEGER NOT NULL,
    cached_at TIMESTAMPTZ,
    orphaned_at TIMESTAMPTZ,
    orphan_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (study_instance_uid, series_instance_uid, sop_instance_uid, frame_index)
);

CREATE INDEX IF NOT EXISTS frame_record_archive_idx ON frame_record (archive_instance_id);
CREATE INDEX IF NOT EXISTS frame_record_lookup_idx ON frame_record (study_instance_uid, frame_index);
`

// EnsureSchema applies the index DDL. Safe to run on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
