// Package promptstore persists and retrieves the prompt texts that drive
// report generation.
//
// Prompts are keyed by the (scenario, report type, building type) triple and
// returned in a stable order: run_part ascending, then prompt id ascending.
// Two well-known system prompts — role assignment and dialog classification —
// live outside the triples and are resolved by name.
//
// The runtime treats the store as read-only; seeding the prompt tree is
// external tooling.
package promptstore

import (
	"context"

	"github.com/voxpersona/voxpersona/internal/fault"
)

// Well-known named prompts used outside the planned chains.
const (
	// NameAssignRoles is the role-assignment prompt applied to interview
	// transcripts.
	NameAssignRoles = "assign_roles"

	// NameClassify is the dialog-mode classification prompt.
	NameClassify = "classify"
)

// Stage is one prompt of a chain, in resolution order.
type Stage struct {
	// PromptID is the stable identifier used as the ordering tie-break.
	PromptID int64

	// Text is the full prompt text.
	Text string

	// RunPart partitions the triple's prompts into groups; the planner uses
	// the partitioning to detect two-phase plans.
	RunPart int

	// JSON marks the final JSON-formatting stage of a chain. At most one per
	// triple; the planner always places it last regardless of its RunPart.
	JSON bool
}

// Triple identifies the database rows behind a (scenario, report type,
// building type) selection. The planner threads it through to the user_road
// write.
type Triple struct {
	ScenarioID   int64
	ReportTypeID int64
	BuildingID   int64
}

// Store resolves prompts for the planner and the named system prompts.
// Implementations must be safe for concurrent use.
type Store interface {
	// ResolvePrompts returns the stages for the triple in stable order.
	// An unknown or empty triple yields a fault.InvalidReference error;
	// the result is never partial.
	ResolvePrompts(ctx context.Context, scenario, reportType, buildingType string) ([]Stage, error)

	// ResolveTriple returns the row ids behind the triple, validating all
	// three names. Unknown names yield fault.InvalidReference.
	ResolveTriple(ctx context.Context, scenario, reportType, buildingType string) (Triple, error)

	// ResolveNamed returns the single-stage system prompt registered under
	// name. A missing named prompt is a seeding defect and yields
	// fault.Internal.
	ResolveNamed(ctx context.Context, name string) (Stage, error)
}

// errNoPrompts builds the InvalidReference error for an unresolvable triple.
func errNoPrompts(scenario, reportType, buildingType string) error {
	return fault.Newf(fault.KindInvalidReference,
		"promptstore: no prompts for triple (%s, %s, %s)", scenario, reportType, buildingType)
}

// errNoNamed builds the Internal error for a missing system prompt.
func errNoNamed(name string) error {
	return fault.Newf(fault.KindInternal, "promptstore: named prompt %q not seeded", name)
}
