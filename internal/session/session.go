// Package session tracks per-user conversation state while the front end
// collects everything a report run needs.
//
// Each user walks a fixed step sequence: collect audio metadata, confirm it,
// choose a report type, choose a building type, and finally reach the ready
// step, where [Store.Snapshot] hands an immutable copy of the collected
// context to the planner. Dialog mode is a parallel step users enter and
// leave freely. State is process-lifetime only; a restart resets every user
// to idle.
package session

import (
	"sync"
	"time"

	"github.com/voxpersona/voxpersona/internal/fault"
)

// Step is one state of the per-user machine.
type Step string

const (
	// StepIdle is the neutral state before and after an analysis.
	StepIdle Step = "idle"

	StepCollectingAudioMeta    Step = "collecting_audio_meta"
	StepConfirming             Step = "confirming"
	StepAwaitingReportChoice   Step = "awaiting_report_choice"
	StepAwaitingBuildingChoice Step = "awaiting_building_choice"
	StepReady                  Step = "ready"
	StepDialog                 Step = "dialog"
)

// AnalysisContext is everything collected from the user for one report run.
type AnalysisContext struct {
	// SourceName identifies the uploaded audio blob.
	SourceName string

	// Scenario, ReportType, and BuildingType form the prompt-selection
	// triple.
	Scenario     string
	ReportType   string
	BuildingType string

	// Audit dimensions.
	Date     time.Time
	Employee string
	Client   string
	Place    string
	City     string
	Zone     string
}

// state is one user's machine.
type state struct {
	step       Step
	previous   Step
	partial    AnalysisContext
	deepSearch bool
}

// Store owns every user's session state. All methods are safe for
// concurrent use.
type Store struct {
	mu          sync.Mutex
	sessions    map[int64]*state
	defaultDeep bool
}

// Option configures a Store during construction.
type Option func(*Store)

// WithDefaultDeepSearch sets the deep-search flag new sessions start with.
func WithDefaultDeepSearch(v bool) Option {
	return func(s *Store) { s.defaultDeep = v }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{sessions: make(map[int64]*state)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// get returns the user's state, creating an idle one on first contact.
// Caller must hold s.mu.
func (s *Store) get(userID int64) *state {
	st, ok := s.sessions[userID]
	if !ok {
		st = &state{step: StepIdle, deepSearch: s.defaultDeep}
		s.sessions[userID] = st
	}
	return st
}

// Step returns the user's current step.
func (s *Store) Step(userID int64) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(userID).step
}

// Begin starts a new analysis for the user, discarding any partial context.
func (s *Store) Begin(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(userID)
	st.previous = st.step
	st.step = StepCollectingAudioMeta
	st.partial = AnalysisContext{}
}

// SetAudioMeta records the uploaded audio and its dimensions, moving the
// user to the confirmation step.
func (s *Store) SetAudioMeta(userID int64, meta AnalysisContext) error {
	return s.advance(userID, StepConfirming, StepCollectingAudioMeta, func(st *state) {
		st.partial = meta
	})
}

// Confirm accepts the collected metadata.
func (s *Store) Confirm(userID int64) error {
	return s.advance(userID, StepAwaitingReportChoice, StepConfirming, nil)
}

// Reject sends the user back to metadata collection, keeping the partial
// context so only the wrong fields need re-entry.
func (s *Store) Reject(userID int64) error {
	return s.advance(userID, StepCollectingAudioMeta, StepConfirming, nil)
}

// ChooseReport records the scenario and report type.
func (s *Store) ChooseReport(userID int64, scenario, reportType string) error {
	return s.advance(userID, StepAwaitingBuildingChoice, StepAwaitingReportChoice, func(st *state) {
		st.partial.Scenario = scenario
		st.partial.ReportType = reportType
	})
}

// ChooseBuilding records the building type, completing the context.
func (s *Store) ChooseBuilding(userID int64, buildingType string) error {
	return s.advance(userID, StepReady, StepAwaitingBuildingChoice, func(st *state) {
		st.partial.BuildingType = buildingType
	})
}

// Snapshot returns a copy of the completed context. Only legal in the ready
// step; the session itself is not advanced, so a failed run can retry.
func (s *Store) Snapshot(userID int64) (AnalysisContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(userID)
	if st.step != StepReady {
		return AnalysisContext{}, fault.Newf(fault.KindInvalidInput,
			"session: snapshot requested in step %q", st.step)
	}
	return st.partial, nil
}

// Finish returns the user to the neutral state after a successful run.
func (s *Store) Finish(userID int64) error {
	return s.advance(userID, StepIdle, StepReady, func(st *state) {
		st.partial = AnalysisContext{}
	})
}

// EnterDialog moves an idle user into dialog mode.
func (s *Store) EnterDialog(userID int64) error {
	return s.advance(userID, StepDialog, StepIdle, nil)
}

// LeaveDialog returns a dialog-mode user to idle.
func (s *Store) LeaveDialog(userID int64) error {
	return s.advance(userID, StepIdle, StepDialog, nil)
}

// Back returns the user to the step they came from. Useful for front-end
// "back" buttons; only one level is remembered.
func (s *Store) Back(userID int64) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(userID)
	st.step, st.previous = st.previous, st.step
	return st.step
}

// SetDeepSearch toggles the user's deep-search preference.
func (s *Store) SetDeepSearch(userID int64, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(userID).deepSearch = v
}

// DeepSearch returns the user's deep-search preference.
func (s *Store) DeepSearch(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(userID).deepSearch
}

// advance validates that the user is in from, applies mutate, and moves to
// to. Illegal moves surface fault.InvalidInput and leave the state
// untouched.
func (s *Store) advance(userID int64, to, from Step, mutate func(*state)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(userID)
	if st.step != from {
		return fault.Newf(fault.KindInvalidInput,
			"session: cannot move to %q from %q", to, st.step)
	}
	if mutate != nil {
		mutate(st)
	}
	st.previous = st.step
	st.step = to
	return nil
}
