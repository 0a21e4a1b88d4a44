package object

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// ClassID indexes the class table. Zero is never assigned so a zeroed header
// word fails validation.
type ClassID uint32

// Built-in class ids.
const (
	ClassInvalid ClassID = iota
	ClassInt
	ClassBool
	ClassNil
	ClassFloat
	ClassString
	ClassArray
	ClassClosure

	firstUserClass
)

// Heap is the allocation surface native methods run against.
type Heap interface {
	AllocString(s string) (value.Value, error)
	AllocFloat(f float64) (value.Value, error)
	StringOf(v value.Value) (string, bool)
	ArrayLen(v value.Value) (int, bool)
	ArrayGet(v value.Value, i int) (value.Value, bool)
}

// NativeFunc implements a method in Go.
type NativeFunc func(h Heap, self value.Value, args []value.Value) (value.Value, error)

// Method is one entry of a class method table. Exactly one of Unit and Native
// is meaningful: Native wins when set.
type Method struct {
	Name   string
	Arity  int // excluding the receiver
	Unit   uint32
	Native NativeFunc
}

// IsNative reports whether the method is implemented in Go.
func (m *Method) IsNative() bool { return m.Native != nil }

// Class describes the shape of a family of objects. A published Class is
// never mutated.
type Class struct {
	ID      ClassID
	Name    string
	Kind    Kind
	Parent  *Class
	fields  []string
	offsets map[string]int
	methods map[string]*Method
}

// NumFields returns the record field count.
func (c *Class) NumFields() int { return len(c.fields) }

// Fields returns a copy of the field names in layout order.
func (c *Class) Fields() []string {
	out := make([]string, len(c.fields))
	copy(out, c.fields)
	return out
}

// FieldOffset returns the byte offset of name from the object base.
func (c *Class) FieldOffset(name string) (int, bool) {
	off, ok := c.offsets[name]
	return off, ok
}

// Method looks up a method by name.
func (c *Class) Method(name string) (*Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// Methods returns the method names in no particular order.
func (c *Class) Methods() []string {
	out := make([]string, 0, len(c.methods))
	for name := range c.methods {
		out = append(out, name)
	}
	return out
}

// InstanceWords returns the record size in words, header included. Variable
// sized kinds report zero.
func (c *Class) InstanceWords() int {
	if c.Kind != KindRecord {
		return 0
	}
	return HeaderWords + len(c.fields)
}

func (c *Class) String() string {
	if c == nil {
		return "<nil class>"
	}
	return c.Name
}

// Spec declares a class before publication.
type Spec struct {
	Name    string
	Fields  []string
	Methods []Method
}

var (
	// ErrDuplicateClass reports a second definition under the same name.
	ErrDuplicateClass = errors.New("duplicate class")
	// ErrDuplicateField reports a field declared twice in one shape.
	ErrDuplicateField = errors.New("duplicate field")
)

// Table is the append-only class table of one instance. Readers never lock:
// the slice is republished on every Define.
type Table struct {
	mu      sync.Mutex
	classes atomic.Pointer[[]*Class]
	byName  map[string]*Class
}

// BuiltinMethods supplies native method tables for the built-in classes.
type BuiltinMethods map[ClassID][]Method

// NewTable creates a table preloaded with the built-in classes.
func NewTable(natives BuiltinMethods) *Table {
	t := &Table{byName: make(map[string]*Class)}
	empty := make([]*Class, firstUserClass)
	t.classes.Store(&empty)
	builtins := []struct {
		id   ClassID
		name string
		kind Kind
	}{
		{ClassInt, "Int", KindInt},
		{ClassBool, "Bool", KindBool},
		{ClassNil, "Nil", KindNil},
		{ClassFloat, "Float", KindFloat},
		{ClassString, "String", KindString},
		{ClassArray, "Array", KindArray},
		{ClassClosure, "Closure", KindClosure},
	}
	for _, b := range builtins {
		c := &Class{ID: b.id, Name: b.name, Kind: b.kind, offsets: map[string]int{}, methods: map[string]*Method{}}
		for _, m := range natives[b.id] {
			c.methods[m.Name] = &m
		}
		empty[b.id] = c
		t.byName[b.name] = c
	}
	return t
}

// Get returns the class for id, or nil when id is not assigned.
func (t *Table) Get(id ClassID) *Class {
	classes := *t.classes.Load()
	if int(id) >= len(classes) {
		return nil
	}
	return classes[id]
}

// MustGet is Get for ids the runtime produced itself; a miss is an internal
// violation.
func (t *Table) MustGet(id ClassID) *Class {
	c := t.Get(id)
	if c == nil {
		haltCorrupt(id)
	}
	return c
}

// Lookup finds a class by name.
func (t *Table) Lookup(name string) (*Class, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byName[name]
	return c, ok
}

// Len returns the number of assigned ids, the invalid slot included.
func (t *Table) Len() int { return len(*t.classes.Load()) }

// Define publishes a new record class.
func (t *Table) Define(spec Spec) (*Class, error) {
	return t.publish(spec, nil)
}

// Extend publishes a copy of parent with extra fields and methods appended.
// parent itself is left untouched.
func (t *Table) Extend(parent *Class, spec Spec) (*Class, error) {
	if parent == nil || parent.Kind != KindRecord {
		return nil, fmt.Errorf("extend %q: parent must be a record class", spec.Name)
	}
	return t.publish(spec, parent)
}

func (t *Table) publish(spec Spec, parent *Class) (*Class, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, spec.Name)
	}

	c := &Class{
		Name:    spec.Name,
		Kind:    KindRecord,
		Parent:  parent,
		offsets: make(map[string]int),
		methods: make(map[string]*Method),
	}
	if parent != nil {
		c.fields = append(c.fields, parent.fields...)
		for name, m := range parent.methods {
			c.methods[name] = m
		}
	}
	c.fields = append(c.fields, spec.Fields...)
	for i, name := range c.fields {
		if _, dup := c.offsets[name]; dup {
			return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateField, spec.Name, name)
		}
		c.offsets[name] = (HeaderWords + i) * WordSize
	}
	for _, m := range spec.Methods {
		c.methods[m.Name] = &m
	}

	old := *t.classes.Load()
	next := make([]*Class, len(old), len(old)+1)
	copy(next, old)
	c.ID = ClassID(len(next))
	next = append(next, c)
	t.classes.Store(&next)
	t.byName[c.Name] = c
	return c, nil
}

func haltCorrupt(id ClassID) {
	vmerr.Halt(vmerr.CodeCorruptHeader, "class id %d not in table", id)
}
