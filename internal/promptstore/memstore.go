package promptstore

import (
	"context"
	"sort"
	"sync"
)

// Compile-time assertion that Mem satisfies Store.
var _ Store = (*Mem)(nil)

// tripleKey is the map key for a (scenario, report type, building type)
// selection.
type tripleKey struct {
	scenario, reportType, buildingType string
}

// Mem is an in-memory prompt store. It backs unit tests and seed-free
// deployments that register their prompts programmatically.
// All methods are safe for concurrent use.
type Mem struct {
	mu      sync.RWMutex
	triples map[tripleKey][]Stage
	ids     map[tripleKey]Triple
	named   map[string]Stage
	nextID  int64
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		triples: make(map[tripleKey][]Stage),
		ids:     make(map[tripleKey]Triple),
		named:   make(map[string]Stage),
		nextID:  1,
	}
}

// Register adds stages under the triple, assigning prompt ids in insertion
// order when a stage's PromptID is zero. Repeated calls append.
func (m *Mem) Register(scenario, reportType, buildingType string, stages ...Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tripleKey{scenario, reportType, buildingType}
	for _, st := range stages {
		if st.PromptID == 0 {
			st.PromptID = m.nextID
			m.nextID++
		}
		if st.RunPart == 0 {
			st.RunPart = 1
		}
		m.triples[key] = append(m.triples[key], st)
	}
	if _, ok := m.ids[key]; !ok {
		n := int64(len(m.ids) + 1)
		m.ids[key] = Triple{ScenarioID: n, ReportTypeID: n, BuildingID: n}
	}
}

// RegisterNamed adds a named system prompt.
func (m *Mem) RegisterNamed(name, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.named[name] = Stage{Text: text, RunPart: 1}
}

// ResolvePrompts implements Store with the same stable ordering as the
// Postgres implementation.
func (m *Mem) ResolvePrompts(_ context.Context, scenario, reportType, buildingType string) ([]Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stages := m.triples[tripleKey{scenario, reportType, buildingType}]
	if len(stages) == 0 {
		return nil, errNoPrompts(scenario, reportType, buildingType)
	}

	out := make([]Stage, len(stages))
	copy(out, stages)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RunPart != out[j].RunPart {
			return out[i].RunPart < out[j].RunPart
		}
		return out[i].PromptID < out[j].PromptID
	})
	return out, nil
}

// ResolveTriple implements Store.
func (m *Mem) ResolveTriple(_ context.Context, scenario, reportType, buildingType string) (Triple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.ids[tripleKey{scenario, reportType, buildingType}]
	if !ok {
		return Triple{}, errNoPrompts(scenario, reportType, buildingType)
	}
	return t, nil
}

// ResolveNamed implements Store.
func (m *Mem) ResolveNamed(_ context.Context, name string) (Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.named[name]
	if !ok {
		return Stage{}, errNoNamed(name)
	}
	return st, nil
}
