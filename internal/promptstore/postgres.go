package promptstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time assertion that Postgres satisfies Store.
var _ Store = (*Postgres)(nil)

// Postgres is the pgx-backed prompt store. All methods are read-only and safe
// for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store on an existing pool and ensures the
// schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// ResolvePrompts implements Store. The ORDER BY clause is the stable-ordering
// contract: run_part ascending, prompt id ascending.
func (p *Postgres) ResolvePrompts(ctx context.Context, scenario, reportType, buildingType string) ([]Stage, error) {
	const q = `
		SELECT p.id, p.text, p.run_part, p.is_json
		FROM   prompt p
		JOIN   prompt_building_report pbr ON pbr.prompt_id = p.id
		JOIN   report_type rt             ON rt.id = pbr.report_type_id
		JOIN   scenario s                 ON s.id = rt.scenario_id
		JOIN   building_type bt           ON bt.id = pbr.building_id
		WHERE  s.name = $1 AND rt.description = $2 AND bt.name = $3
		ORDER  BY p.run_part, p.id`

	rows, err := p.pool.Query(ctx, q, scenario, reportType, buildingType)
	if err != nil {
		return nil, fmt.Errorf("promptstore: resolve prompts: %w", err)
	}

	stages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Stage, error) {
		var st Stage
		err := row.Scan(&st.PromptID, &st.Text, &st.RunPart, &st.JSON)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("promptstore: scan prompts: %w", err)
	}
	if len(stages) == 0 {
		return nil, errNoPrompts(scenario, reportType, buildingType)
	}
	return stages, nil
}

// ResolveTriple implements Store.
func (p *Postgres) ResolveTriple(ctx context.Context, scenario, reportType, buildingType string) (Triple, error) {
	const q = `
		SELECT s.id, rt.id, bt.id
		FROM   scenario s
		JOIN   report_type rt ON rt.scenario_id = s.id AND rt.description = $2
		CROSS  JOIN building_type bt
		WHERE  s.name = $1 AND bt.name = $3`

	var t Triple
	err := p.pool.QueryRow(ctx, q, scenario, reportType, buildingType).
		Scan(&t.ScenarioID, &t.ReportTypeID, &t.BuildingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Triple{}, errNoPrompts(scenario, reportType, buildingType)
	}
	if err != nil {
		return Triple{}, fmt.Errorf("promptstore: resolve triple: %w", err)
	}
	return t, nil
}

// ResolveNamed implements Store.
func (p *Postgres) ResolveNamed(ctx context.Context, name string) (Stage, error) {
	const q = `SELECT text FROM named_prompt WHERE name = $1`

	var text string
	err := p.pool.QueryRow(ctx, q, name).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stage{}, errNoNamed(name)
	}
	if err != nil {
		return Stage{}, fmt.Errorf("promptstore: resolve named %q: %w", name, err)
	}
	return Stage{Text: text, RunPart: 1}, nil
}
