package session

import (
	"errors"
	"testing"
	"time"

	"github.com/voxpersona/voxpersona/internal/fault"
)

func walkToReady(t *testing.T, s *Store, userID int64) {
	t.Helper()
	s.Begin(userID)
	if err := s.SetAudioMeta(userID, AnalysisContext{
		SourceName: "visit.ogg",
		Date:       time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		Employee:   "Ivanova",
		Place:      "Grand Plaza",
	}); err != nil {
		t.Fatalf("SetAudioMeta: %v", err)
	}
	if err := s.Confirm(userID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := s.ChooseReport(userID, "interview", "quality"); err != nil {
		t.Fatalf("ChooseReport: %v", err)
	}
	if err := s.ChooseBuilding(userID, "hotel"); err != nil {
		t.Fatalf("ChooseBuilding: %v", err)
	}
}

func TestHappyPathToReady(t *testing.T) {
	t.Parallel()

	s := NewStore()
	walkToReady(t, s, 1)

	if got := s.Step(1); got != StepReady {
		t.Fatalf("step = %q, want ready", got)
	}
	snap, err := s.Snapshot(1)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Scenario != "interview" || snap.ReportType != "quality" || snap.BuildingType != "hotel" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.SourceName != "visit.ogg" {
		t.Errorf("source = %q", snap.SourceName)
	}

	if err := s.Finish(1); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if got := s.Step(1); got != StepIdle {
		t.Errorf("step after finish = %q, want idle", got)
	}
}

func TestIllegalTransitions(t *testing.T) {
	t.Parallel()

	s := NewStore()

	if err := s.Confirm(1); !errors.Is(err, fault.InvalidInput) {
		t.Errorf("Confirm from idle: got %v", err)
	}
	if err := s.ChooseBuilding(1, "hotel"); !errors.Is(err, fault.InvalidInput) {
		t.Errorf("ChooseBuilding from idle: got %v", err)
	}
	if _, err := s.Snapshot(1); !errors.Is(err, fault.InvalidInput) {
		t.Errorf("Snapshot from idle: got %v", err)
	}

	s.Begin(1)
	if err := s.ChooseReport(1, "interview", "quality"); !errors.Is(err, fault.InvalidInput) {
		t.Errorf("ChooseReport before confirmation: got %v", err)
	}
	// Failed transition must not move the machine.
	if got := s.Step(1); got != StepCollectingAudioMeta {
		t.Errorf("step after illegal move = %q", got)
	}
}

func TestRejectReturnsToCollection(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Begin(1)
	if err := s.SetAudioMeta(1, AnalysisContext{SourceName: "a.ogg", Employee: "E", Place: "P"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reject(1); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := s.Step(1); got != StepCollectingAudioMeta {
		t.Errorf("step = %q", got)
	}
	// The partial context survives a rejection.
	if err := s.SetAudioMeta(1, AnalysisContext{SourceName: "b.ogg", Employee: "E", Place: "P"}); err != nil {
		t.Fatalf("re-entry: %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	s := NewStore()
	walkToReady(t, s, 1)

	snap, err := s.Snapshot(1)
	if err != nil {
		t.Fatal(err)
	}
	snap.Scenario = "mutated"

	again, err := s.Snapshot(1)
	if err != nil {
		t.Fatal(err)
	}
	if again.Scenario != "interview" {
		t.Errorf("stored context mutated through a snapshot: %+v", again)
	}
}

func TestDialogMode(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if err := s.EnterDialog(7); err != nil {
		t.Fatalf("EnterDialog: %v", err)
	}
	if got := s.Step(7); got != StepDialog {
		t.Errorf("step = %q", got)
	}
	if err := s.LeaveDialog(7); err != nil {
		t.Fatalf("LeaveDialog: %v", err)
	}
}

func TestDeepSearchFlag(t *testing.T) {
	t.Parallel()

	s := NewStore(WithDefaultDeepSearch(true))
	if !s.DeepSearch(1) {
		t.Error("default deep-search flag not applied")
	}
	s.SetDeepSearch(1, false)
	if s.DeepSearch(1) {
		t.Error("flag not cleared")
	}
	// Per-session: another user keeps the default.
	if !s.DeepSearch(2) {
		t.Error("flag leaked across sessions")
	}
}

func TestUsersAreIsolated(t *testing.T) {
	t.Parallel()

	s := NewStore()
	walkToReady(t, s, 1)
	if got := s.Step(2); got != StepIdle {
		t.Errorf("user 2 step = %q, want idle", got)
	}
}
