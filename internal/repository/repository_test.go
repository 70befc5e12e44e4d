package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/internal/promptstore"
)

// dsnEnv names the environment variable carrying the test database DSN.
// Tests in this file need a real PostgreSQL instance and are skipped when it
// is unset.
const dsnEnv = "VOXPERSONA_TEST_DSN"

// newTestRepo connects to the test database, migrates, and wipes the audit
// tables so every test starts clean.
func newTestRepo(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("set %s to run repository integration tests", dsnEnv)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := promptstore.Migrate(ctx, pool); err != nil {
		t.Fatalf("promptstore.Migrate: %v", err)
	}
	repo, err := New(ctx, pool)
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE user_road, audit, transcription,
		         employee, client, place, city, zone,
		         prompt_building_report, prompt, report_type, building_type, scenario
		CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return repo, pool
}

// seedTriple inserts one scenario/report/building row set and returns its ids.
func seedTriple(t *testing.T, pool *pgxpool.Pool, scenario, report, building string) TripleIDs {
	t.Helper()
	ctx := context.Background()

	var ids TripleIDs
	if err := pool.QueryRow(ctx,
		`INSERT INTO scenario (name) VALUES ($1) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`,
		scenario).Scan(&ids.ScenarioID); err != nil {
		t.Fatalf("seed scenario: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO report_type (description, scenario_id) VALUES ($1, $2)
		 ON CONFLICT (description, scenario_id) DO UPDATE SET description = EXCLUDED.description RETURNING id`,
		report, ids.ScenarioID).Scan(&ids.ReportTypeID); err != nil {
		t.Fatalf("seed report type: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO building_type (name) VALUES ($1) ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id`,
		building).Scan(&ids.BuildingID); err != nil {
		t.Fatalf("seed building type: %v", err)
	}
	return ids
}

func testContext() AuditContext {
	return AuditContext{
		Date:         time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		Employee:     "Ivanova",
		Client:       "Petrov",
		Place:        "Grand Plaza",
		BuildingType: "hotel",
		City:         "Moscow",
	}
}

func TestUpsertTranscriptionReusesRow(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.UpsertTranscription(ctx, "visit.ogg", "original transcript")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := repo.UpsertTranscription(ctx, "visit.ogg", "a different transcript")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %d then %d", first, second)
	}

	// Re-uploads never overwrite the original text.
	_, text, ok, err := repo.LookupTranscription(ctx, "visit.ogg")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if text != "original transcript" {
		t.Errorf("text = %q", text)
	}
}

func TestUpsertTranscriptionRejectsEmptyText(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.UpsertTranscription(context.Background(), "x.ogg", "")
	if !errors.Is(err, fault.InvalidInput) {
		t.Errorf("expected fault.InvalidInput, got %v", err)
	}
}

func TestLookupTranscriptionMissing(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, _, ok, err := repo.LookupTranscription(context.Background(), "never-uploaded.ogg")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Error("missing source reported as present")
	}
}

func TestSaveAuditConcurrentDimensionCreation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	tid, err := repo.UpsertTranscription(ctx, "race.ogg", "text")
	if err != nil {
		t.Fatal(err)
	}

	// All goroutines name the same dimensions; the unique constraints must
	// resolve the insert race without surfacing errors.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.SaveAudit(ctx, "report text", tid, testContext()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent SaveAudit: %v", err)
	}
}

func TestSaveUserRoadInvalidReference(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	tid, err := repo.UpsertTranscription(ctx, "fk.ogg", "text")
	if err != nil {
		t.Fatal(err)
	}
	c := testContext()
	c.Client = ""
	c.City = ""
	auditID, err := repo.SaveAudit(ctx, "report", tid, c)
	if err != nil {
		t.Fatalf("SaveAudit: %v", err)
	}

	err = repo.SaveUserRoad(ctx, auditID, TripleIDs{ScenarioID: 999999, ReportTypeID: 999999, BuildingID: 999999})
	if !errors.Is(err, fault.InvalidReference) {
		t.Errorf("expected fault.InvalidReference, got %v", err)
	}
}

func TestPersistAnalysisCommitsAllRows(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	triple := seedTriple(t, pool, "interview", "quality", "hotel")

	auditID, err := repo.PersistAnalysis(ctx, "full.ogg", "the transcript", "the report", testContext(), triple)
	if err != nil {
		t.Fatalf("PersistAnalysis: %v", err)
	}
	if auditID == 0 {
		t.Fatal("audit id is zero")
	}

	var roads int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM user_road WHERE audit_id = $1`, auditID).Scan(&roads); err != nil {
		t.Fatal(err)
	}
	if roads != 1 {
		t.Errorf("user_road rows = %d, want 1", roads)
	}
	if _, _, ok, err := repo.LookupTranscription(ctx, "full.ogg"); err != nil || !ok {
		t.Errorf("transcription missing after persist: ok=%v err=%v", ok, err)
	}
}

func TestPersistAnalysisRollsBackOnBadTriple(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	bogus := TripleIDs{ScenarioID: 999999, ReportTypeID: 999999, BuildingID: 999999}
	_, err := repo.PersistAnalysis(ctx, "atomic.ogg", "transcript", "report", testContext(), bogus)
	if !errors.Is(err, fault.InvalidReference) {
		t.Fatalf("expected fault.InvalidReference, got %v", err)
	}

	// The failed road must take the transcription and audit down with it.
	if _, _, ok, lookupErr := repo.LookupTranscription(ctx, "atomic.ogg"); lookupErr != nil || ok {
		t.Errorf("transcription survived the rollback: ok=%v err=%v", ok, lookupErr)
	}
	var audits int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM audit`).Scan(&audits); err != nil {
		t.Fatal(err)
	}
	if audits != 0 {
		t.Errorf("audit rows = %d after rollback", audits)
	}
}

func TestGroupedReports(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	interview := seedTriple(t, pool, "interview", "quality", "hotel")
	design := seedTriple(t, pool, "design", "structured", "hotel")

	for i, run := range []struct {
		source string
		text   string
		triple TripleIDs
	}{
		{"g1.ogg", "interview report one", interview},
		{"g2.ogg", "interview report two", interview},
		{"g3.ogg", "design report one", design},
	} {
		c := testContext()
		c.Place = fmt.Sprintf("Place %d", i)
		if _, err := repo.PersistAnalysis(ctx, run.source, "t", run.text, c, run.triple); err != nil {
			t.Fatalf("persist %s: %v", run.source, err)
		}
	}

	// Scenario granularity: nil report type groups by scenario name alone.
	groups, err := repo.GroupedReports(ctx, nil, nil)
	if err != nil {
		t.Fatalf("GroupedReports: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[0].ScopeKey != "design" || groups[1].ScopeKey != "interview" {
		t.Errorf("scope keys = %q, %q", groups[0].ScopeKey, groups[1].ScopeKey)
	}
	if len(groups[1].Texts) != 2 || groups[1].Texts[0] != "interview report one" {
		t.Errorf("interview texts = %q", groups[1].Texts)
	}

	// Report granularity: scenario and report filters narrow to one group
	// keyed scenario/report.
	scen, report := "design", "structured"
	groups, err = repo.GroupedReports(ctx, &scen, &report)
	if err != nil {
		t.Fatalf("GroupedReports filtered: %v", err)
	}
	if len(groups) != 1 || groups[0].ScopeKey != "design/structured" {
		t.Fatalf("filtered groups = %+v", groups)
	}
}
