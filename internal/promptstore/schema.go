package promptstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlPrompts creates the prompt-selection tables. The runtime only reads
// them; the seeding tool that walks the prompt directory tree writes them.
const ddlPrompts = `
CREATE TABLE IF NOT EXISTS scenario (
    id    BIGSERIAL  PRIMARY KEY,
    name  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS report_type (
    id           BIGSERIAL  PRIMARY KEY,
    description  TEXT       NOT NULL,
    scenario_id  BIGINT     NOT NULL REFERENCES scenario (id),
    UNIQUE (description, scenario_id)
);

CREATE TABLE IF NOT EXISTS building_type (
    id    BIGSERIAL  PRIMARY KEY,
    name  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS prompt (
    id        BIGSERIAL  PRIMARY KEY,
    text      TEXT       NOT NULL,
    run_part  INT        NOT NULL DEFAULT 1,
    is_json   BOOLEAN    NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS prompt_building_report (
    prompt_id       BIGINT  NOT NULL REFERENCES prompt (id),
    building_id     BIGINT  NOT NULL REFERENCES building_type (id),
    report_type_id  BIGINT  NOT NULL REFERENCES report_type (id),
    PRIMARY KEY (prompt_id, building_id, report_type_id)
);

CREATE INDEX IF NOT EXISTS idx_pbr_building_report
    ON prompt_building_report (building_id, report_type_id);

CREATE TABLE IF NOT EXISTS named_prompt (
    name  TEXT  PRIMARY KEY,
    text  TEXT  NOT NULL
);
`

// Migrate ensures the prompt tables exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlPrompts); err != nil {
		return fmt.Errorf("promptstore: migrate: %w", err)
	}
	return nil
}
