package object_test

import (
	"errors"
	"testing"

	"tiercore/internal/object"
)

func TestHeaderFields(t *testing.T) {
	h := object.MakeHeader(object.KindArray, 12)
	if h.Kind() != object.KindArray || h.Words() != 12 {
		t.Fatalf("decode: %s", h)
	}
	if h.Marked() || h.Generation() != 0 {
		t.Fatalf("fresh header must be unmarked gen0: %s", h)
	}
	h = h.WithMark(true).WithFlags(0xBEEF)
	if !h.Marked() || h.Flags() != 0xBEEF || h.Words() != 12 {
		t.Fatalf("mark/flags clobbered fields: %s", h)
	}
	for i := 0; i < 6; i++ {
		h = h.Aged()
	}
	if h.Generation() != object.MaxGeneration {
		t.Fatalf("generation must saturate at %d, got %d", object.MaxGeneration, h.Generation())
	}
	if h.WithMark(false).Marked() {
		t.Fatal("mark not cleared")
	}
}

func TestBuiltinClasses(t *testing.T) {
	tab := object.NewTable(nil)
	tests := []struct {
		id   object.ClassID
		name string
		kind object.Kind
	}{
		{object.ClassInt, "Int", object.KindInt},
		{object.ClassBool, "Bool", object.KindBool},
		{object.ClassNil, "Nil", object.KindNil},
		{object.ClassFloat, "Float", object.KindFloat},
		{object.ClassString, "String", object.KindString},
		{object.ClassArray, "Array", object.KindArray},
		{object.ClassClosure, "Closure", object.KindClosure},
	}
	for _, tt := range tests {
		c := tab.Get(tt.id)
		if c == nil || c.Name != tt.name || c.Kind != tt.kind {
			t.Fatalf("class %d: got %v", tt.id, c)
		}
	}
	if tab.Get(object.ClassInvalid) != nil {
		t.Fatal("id 0 must stay unassigned")
	}
}

func TestDefineOffsets(t *testing.T) {
	tab := object.NewTable(nil)
	point, err := tab.Define(object.Spec{Name: "Point", Fields: []string{"x", "y"}})
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	if off, _ := point.FieldOffset("x"); off != object.PayloadOffset {
		t.Fatalf("x offset = %d", off)
	}
	if off, _ := point.FieldOffset("y"); off != object.PayloadOffset+object.WordSize {
		t.Fatalf("y offset = %d", off)
	}
	if point.InstanceWords() != 4 {
		t.Fatalf("instance words = %d", point.InstanceWords())
	}
	if got := tab.Get(point.ID); got != point {
		t.Fatal("Get does not return the published class")
	}
	if _, err := tab.Define(object.Spec{Name: "Point"}); !errors.Is(err, object.ErrDuplicateClass) {
		t.Fatalf("expected ErrDuplicateClass, got %v", err)
	}
	if _, err := tab.Define(object.Spec{Name: "Bad", Fields: []string{"a", "a"}}); !errors.Is(err, object.ErrDuplicateField) {
		t.Fatalf("expected ErrDuplicateField, got %v", err)
	}
}

func TestExtendCopies(t *testing.T) {
	tab := object.NewTable(nil)
	base, _ := tab.Define(object.Spec{
		Name:    "Base",
		Fields:  []string{"a"},
		Methods: []object.Method{{Name: "get", Unit: 3}},
	})
	derived, err := tab.Extend(base, object.Spec{Name: "Derived", Fields: []string{"b"}})
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if base.NumFields() != 1 {
		t.Fatalf("parent mutated: %v", base.Fields())
	}
	if derived.NumFields() != 2 || derived.ID == base.ID {
		t.Fatalf("derived shape wrong: %v id=%d", derived.Fields(), derived.ID)
	}
	if m, ok := derived.Method("get"); !ok || m.Unit != 3 {
		t.Fatal("method table not inherited")
	}
	if _, ok := base.FieldOffset("b"); ok {
		t.Fatal("parent gained a field")
	}
}
