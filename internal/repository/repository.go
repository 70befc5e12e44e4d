package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpersona/voxpersona/internal/fault"
)

// pgFKViolation is the PostgreSQL error code for foreign-key violations.
const pgFKViolation = "23503"

// Repository is the pgx-backed audit store. Safe for concurrent use.
type Repository struct {
	pool *pgxpool.Pool
	queries
}

// New creates a Repository on an existing pool and ensures the schema
// exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Repository, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Repository{pool: pool, queries: queries{db: pool}}, nil
}

// AuditContext carries the dimension names collected from the user for one
// analysis. Optional dimensions are empty strings.
type AuditContext struct {
	Date         time.Time
	Employee     string
	Client       string // empty for design mode
	Place        string
	BuildingType string
	City         string // optional
	Zone         string // optional, recorded as a dimension only
}

// TripleIDs names the prompt-selection rows an audit was produced under.
type TripleIDs struct {
	ScenarioID   int64
	ReportTypeID int64
	BuildingID   int64
}

// ReportGroup is one RAG ingestion group: all audit texts that share a scope.
type ReportGroup struct {
	// ScopeKey identifies the group, e.g. "interview" or "design/structured".
	ScopeKey string

	// Texts are the audit report texts in insertion order.
	Texts []string
}

// queries holds every SQL operation, bound either to the pool or to a
// transaction.
type queries struct {
	db dbtx
}

// UpsertTranscription stores text under sourceName, reusing the existing row
// when the source was seen before — re-uploads never overwrite the original
// transcript. Returns the row id either way.
func (q *queries) UpsertTranscription(ctx context.Context, sourceName, text string) (int64, error) {
	if text == "" {
		return 0, fault.New(fault.KindInvalidInput, "repository: empty transcription")
	}

	const ins = `
		INSERT INTO transcription (text, source_name, sequence_no)
		VALUES ($1, $2, COALESCE((SELECT MAX(sequence_no) FROM transcription), 0) + 1)
		ON CONFLICT (source_name) DO NOTHING
		RETURNING id`

	var id int64
	err := q.db.QueryRow(ctx, ins, text, sourceName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("repository: insert transcription: %w", err)
	}

	// Conflict: another upload owns this source name; reuse its row.
	const sel = `SELECT id FROM transcription WHERE source_name = $1`
	if err := q.db.QueryRow(ctx, sel, sourceName).Scan(&id); err != nil {
		return 0, fmt.Errorf("repository: select transcription: %w", err)
	}
	return id, nil
}

// LookupTranscription returns the stored transcript for sourceName, or
// ok=false when the source has not been transcribed yet.
func (q *queries) LookupTranscription(ctx context.Context, sourceName string) (id int64, text string, ok bool, err error) {
	const sel = `SELECT id, text FROM transcription WHERE source_name = $1`
	err = q.db.QueryRow(ctx, sel, sourceName).Scan(&id, &text)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("repository: lookup transcription: %w", err)
	}
	return id, text, true, nil
}

// SaveAudit inserts one produced report. Audits are append-only.
func (q *queries) SaveAudit(ctx context.Context, auditText string, transcriptionID int64, c AuditContext) (int64, error) {
	employeeID, err := q.ensureDimension(ctx, "employee", c.Employee)
	if err != nil {
		return 0, err
	}
	var clientID *int64
	if c.Client != "" {
		id, err := q.ensureDimension(ctx, "client", c.Client)
		if err != nil {
			return 0, err
		}
		clientID = &id
	}
	placeID, err := q.ensurePlace(ctx, c.Place, c.BuildingType)
	if err != nil {
		return 0, err
	}
	var cityID *int64
	if c.City != "" {
		id, err := q.ensureDimension(ctx, "city", c.City)
		if err != nil {
			return 0, err
		}
		cityID = &id
	}
	if c.Zone != "" {
		if _, err := q.ensureDimension(ctx, "zone", c.Zone); err != nil {
			return 0, err
		}
	}

	const ins = `
		INSERT INTO audit (text, transcription_id, employee_id, client_id, place_id, audit_date, city_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err = q.db.QueryRow(ctx, ins, auditText, transcriptionID, employeeID, clientID, placeID, c.Date, cityID).Scan(&id)
	if err != nil {
		return 0, wrapReference("repository: insert audit", err)
	}
	return id, nil
}

// SaveUserRoad records which triple produced the audit.
func (q *queries) SaveUserRoad(ctx context.Context, auditID int64, t TripleIDs) error {
	const ins = `
		INSERT INTO user_road (audit_id, scenario_id, report_type_id, building_id)
		VALUES ($1, $2, $3, $4)`

	if _, err := q.db.Exec(ctx, ins, auditID, t.ScenarioID, t.ReportTypeID, t.BuildingID); err != nil {
		return wrapReference("repository: insert user road", err)
	}
	return nil
}

// GroupedReports returns all prior audits joined with their dimensions,
// grouped by scope for RAG ingestion. A nil scenario returns every scenario;
// a nil reportType groups at scenario granularity, otherwise at
// scenario/report granularity.
func (q *queries) GroupedReports(ctx context.Context, scenario, reportType *string) ([]ReportGroup, error) {
	const sel = `
		SELECT s.name, rt.description, a.text
		FROM   audit a
		JOIN   user_road ur ON ur.audit_id = a.id
		JOIN   scenario s   ON s.id = ur.scenario_id
		JOIN   report_type rt ON rt.id = ur.report_type_id
		WHERE  ($1::text IS NULL OR s.name = $1)
		  AND  ($2::text IS NULL OR rt.description = $2)
		ORDER  BY a.id`

	rows, err := q.db.Query(ctx, sel, scenario, reportType)
	if err != nil {
		return nil, fmt.Errorf("repository: grouped reports: %w", err)
	}
	defer rows.Close()

	byScope := make(map[string][]string)
	for rows.Next() {
		var scen, report, text string
		if err := rows.Scan(&scen, &report, &text); err != nil {
			return nil, fmt.Errorf("repository: scan report: %w", err)
		}
		key := scen
		if reportType != nil {
			key = scen + "/" + report
		}
		byScope[key] = append(byScope[key], text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate reports: %w", err)
	}

	keys := make([]string, 0, len(byScope))
	for k := range byScope {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]ReportGroup, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, ReportGroup{ScopeKey: k, Texts: byScope[k]})
	}
	return groups, nil
}

// dimensionTables whitelists the get-or-create targets; table names are
// interpolated into SQL and must never come from user input.
var dimensionTables = map[string]bool{
	"employee": true,
	"client":   true,
	"city":     true,
	"zone":     true,
}

// ensureDimension returns the id for name in table, inserting it when
// missing. Concurrent callers race through the unique constraint: the insert
// is DO NOTHING, and the follow-up select sees whichever row won.
func (q *queries) ensureDimension(ctx context.Context, table, name string) (int64, error) {
	if !dimensionTables[table] {
		return 0, fault.Newf(fault.KindInternal, "repository: unknown dimension table %q", table)
	}
	if name == "" {
		return 0, fault.Newf(fault.KindInvalidInput, "repository: empty %s name", table)
	}

	ins := `INSERT INTO ` + table + ` (name) VALUES ($1) ON CONFLICT (name) DO NOTHING RETURNING id`
	var id int64
	err := q.db.QueryRow(ctx, ins, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("repository: insert %s: %w", table, err)
	}

	sel := `SELECT id FROM ` + table + ` WHERE name = $1`
	if err := q.db.QueryRow(ctx, sel, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("repository: select %s: %w", table, err)
	}
	return id, nil
}

// ensurePlace is the two-column variant of ensureDimension; places are
// unique per (name, building_type).
func (q *queries) ensurePlace(ctx context.Context, name, buildingType string) (int64, error) {
	if name == "" {
		return 0, fault.New(fault.KindInvalidInput, "repository: empty place name")
	}

	const ins = `
		INSERT INTO place (name, building_type) VALUES ($1, $2)
		ON CONFLICT (name, building_type) DO NOTHING
		RETURNING id`
	var id int64
	err := q.db.QueryRow(ctx, ins, name, buildingType).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("repository: insert place: %w", err)
	}

	const sel = `SELECT id FROM place WHERE name = $1 AND building_type = $2`
	if err := q.db.QueryRow(ctx, sel, name, buildingType).Scan(&id); err != nil {
		return 0, fmt.Errorf("repository: select place: %w", err)
	}
	return id, nil
}

// PersistAnalysis writes one finished analysis — transcription link, audit
// row, and user road — in a single unit of work. On any failure nothing is
// persisted.
func (r *Repository) PersistAnalysis(ctx context.Context, sourceName, transcript, auditText string, c AuditContext, t TripleIDs) (int64, error) {
	var auditID int64
	err := r.WithinUnitOfWork(ctx, func(uow *UnitOfWork) error {
		tid, err := uow.UpsertTranscription(ctx, sourceName, transcript)
		if err != nil {
			return err
		}
		auditID, err = uow.SaveAudit(ctx, auditText, tid, c)
		if err != nil {
			return err
		}
		return uow.SaveUserRoad(ctx, auditID, t)
	})
	if err != nil {
		return 0, err
	}
	return auditID, nil
}

// wrapReference converts FK violations to fault.InvalidReference and wraps
// everything else as-is.
func wrapReference(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgFKViolation {
		return fault.Wrap(fault.KindInvalidReference, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
