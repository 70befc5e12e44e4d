// Package repository persists transcriptions, audit reports, the user road
// (which triple produced which audit), and the lookup dimensions, backed by
// PostgreSQL via pgx.
//
// All writes go through a [UnitOfWork]: each public operation either joins an
// ambient unit of work or opens its own, so a report's transcription link,
// audit row, and user road commit atomically. Dimension lookups are
// get-or-create and idempotent under concurrent insertion — the unique
// constraints resolve races, not application locks.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAudits = `
CREATE TABLE IF NOT EXISTS transcription (
    id           BIGSERIAL    PRIMARY KEY,
    text         TEXT         NOT NULL,
    source_name  TEXT         NOT NULL UNIQUE,
    sequence_no  BIGINT       NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS employee (
    id    BIGSERIAL  PRIMARY KEY,
    name  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS client (
    id    BIGSERIAL  PRIMARY KEY,
    name  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS place (
    id             BIGSERIAL  PRIMARY KEY,
    name           TEXT       NOT NULL,
    building_type  TEXT       NOT NULL,
    UNIQUE (name, building_type)
);

CREATE TABLE IF NOT EXISTS city (
    id    BIGSERIAL  PRIMARY KEY,
    name  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS zone (
    id    BIGSERIAL  PRIMARY KEY,
    name  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS audit (
    id                BIGSERIAL    PRIMARY KEY,
    text              TEXT         NOT NULL,
    transcription_id  BIGINT       NOT NULL REFERENCES transcription (id),
    employee_id       BIGINT       NOT NULL REFERENCES employee (id),
    client_id         BIGINT       REFERENCES client (id),
    place_id          BIGINT       NOT NULL REFERENCES place (id),
    audit_date        DATE         NOT NULL,
    city_id           BIGINT       REFERENCES city (id),
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_transcription
    ON audit (transcription_id);

CREATE TABLE IF NOT EXISTS user_road (
    audit_id        BIGINT  NOT NULL PRIMARY KEY REFERENCES audit (id),
    scenario_id     BIGINT  NOT NULL REFERENCES scenario (id),
    report_type_id  BIGINT  NOT NULL REFERENCES report_type (id),
    building_id     BIGINT  NOT NULL REFERENCES building_type (id)
);

CREATE INDEX IF NOT EXISTS idx_user_road_scenario
    ON user_road (scenario_id, report_type_id);
`

// Migrate ensures the audit tables exist. The prompt tables (scenario,
// report_type, building_type) must already exist; run the prompt store
// migration first.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlAudits); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}
