package promptstore

import (
	"context"
	"errors"
	"testing"

	"github.com/voxpersona/voxpersona/internal/fault"
)

func TestResolvePromptsStableOrder(t *testing.T) {
	t.Parallel()

	m := NewMem()
	// Registered out of order on purpose.
	m.Register("interview", "quality", "hotel",
		Stage{PromptID: 30, RunPart: 2, Text: "part two"},
		Stage{PromptID: 10, RunPart: 1, Text: "first"},
		Stage{PromptID: 20, RunPart: 1, Text: "second"},
	)

	for i := 0; i < 5; i++ {
		stages, err := m.ResolvePrompts(context.Background(), "interview", "quality", "hotel")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := []string{stages[0].Text, stages[1].Text, stages[2].Text}
		want := []string{"first", "second", "part two"}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("iteration %d: order %v, want %v", i, got, want)
			}
		}
	}
}

func TestResolvePromptsUnknownTriple(t *testing.T) {
	t.Parallel()

	m := NewMem()
	m.Register("interview", "quality", "hotel", Stage{Text: "p"})

	_, err := m.ResolvePrompts(context.Background(), "interview", "quality", "spa")
	if !errors.Is(err, fault.InvalidReference) {
		t.Errorf("expected InvalidReference, got %v", err)
	}

	_, err = m.ResolveTriple(context.Background(), "design", "quality", "hotel")
	if !errors.Is(err, fault.InvalidReference) {
		t.Errorf("ResolveTriple: expected InvalidReference, got %v", err)
	}
}

func TestResolveNamed(t *testing.T) {
	t.Parallel()

	m := NewMem()
	m.RegisterNamed(NameAssignRoles, "assign the roles")

	st, err := m.ResolveNamed(context.Background(), NameAssignRoles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Text != "assign the roles" {
		t.Errorf("text = %q", st.Text)
	}

	_, err = m.ResolveNamed(context.Background(), NameClassify)
	if !errors.Is(err, fault.Internal) {
		t.Errorf("missing named prompt: expected Internal, got %v", err)
	}
}
