package bytecode

import (
	"errors"
	"fmt"
	"strconv"
)

// ConstKind tags a constant pool entry.
type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstString
)

// Const is one constant pool entry.
type Const struct {
	Kind  ConstKind `msgpack:"k"`
	Int   int64     `msgpack:"i,omitempty"`
	Float float64   `msgpack:"f,omitempty"`
	Str   string    `msgpack:"s,omitempty"`
}

func (c Const) String() string {
	switch c.Kind {
	case ConstInt:
		return strconv.FormatInt(c.Int, 10)
	case ConstFloat:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	default:
		return strconv.Quote(c.Str)
	}
}

// MethodRef binds a method name to the unit implementing it. The unit
// receives the receiver in local 0.
type MethodRef struct {
	Name string `msgpack:"n"`
	Unit uint32 `msgpack:"u"`
}

// Shape declares a record class.
type Shape struct {
	Name    string      `msgpack:"n"`
	Parent  string      `msgpack:"p,omitempty"`
	Fields  []string    `msgpack:"f"`
	Methods []MethodRef `msgpack:"m,omitempty"`
}

// Site describes an invoke site.
type Site struct {
	Method string `msgpack:"m"`
	Argc   int    `msgpack:"a"`
}

// Unit is the compilation unit: one function body.
type Unit struct {
	ID       uint32  `msgpack:"id"`
	Name     string  `msgpack:"name"`
	Arity    int     `msgpack:"arity"`
	Locals   int     `msgpack:"locals"`
	Captures int     `msgpack:"captures"`
	Code     []Instr `msgpack:"code"`
	Consts   []Const `msgpack:"consts"`
	Sites    []Site  `msgpack:"sites"`
}

// Program is everything the engine loads.
type Program struct {
	Units   []*Unit  `msgpack:"units"`
	Shapes  []Shape  `msgpack:"shapes"`
	Globals []string `msgpack:"globals"`
	Entry   uint32   `msgpack:"entry"`
}

// UnitByName finds a unit.
func (p *Program) UnitByName(name string) (*Unit, bool) {
	for _, u := range p.Units {
		if u.Name == name {
			return u, true
		}
	}
	return nil, false
}

// ErrInvalidProgram wraps every structural defect Validate reports.
var ErrInvalidProgram = errors.New("invalid program")

// Validate checks operands against the pools they index, so the execution
// tiers can trust them.
func (p *Program) Validate() error {
	if len(p.Units) == 0 {
		return fmt.Errorf("%w: no units", ErrInvalidProgram)
	}
	if int(p.Entry) >= len(p.Units) {
		return fmt.Errorf("%w: entry %d out of range", ErrInvalidProgram, p.Entry)
	}
	for i, u := range p.Units {
		if u.ID != uint32(i) {
			return fmt.Errorf("%w: unit %s has id %d at index %d", ErrInvalidProgram, u.Name, u.ID, i)
		}
		if err := p.validateUnit(u); err != nil {
			return err
		}
	}
	for _, s := range p.Shapes {
		for _, m := range s.Methods {
			if int(m.Unit) >= len(p.Units) {
				return fmt.Errorf("%w: method %s.%s names unit %d", ErrInvalidProgram, s.Name, m.Name, m.Unit)
			}
			if p.Units[m.Unit].Arity < 1 {
				return fmt.Errorf("%w: method %s.%s must take a receiver", ErrInvalidProgram, s.Name, m.Name)
			}
		}
	}
	return nil
}

func (p *Program) validateUnit(u *Unit) error {
	bad := func(pc int, format string, args ...any) error {
		return fmt.Errorf("%w: %s pc=%d: %s", ErrInvalidProgram, u.Name, pc, fmt.Sprintf(format, args...))
	}
	if u.Arity < 0 || u.Locals < u.Arity {
		return fmt.Errorf("%w: %s: locals %d below arity %d", ErrInvalidProgram, u.Name, u.Locals, u.Arity)
	}
	if len(u.Code) == 0 {
		return fmt.Errorf("%w: %s: empty body", ErrInvalidProgram, u.Name)
	}
	for pc, in := range u.Code {
		n := int(in.Operand)
		var limit int
		switch in.Op.Operand() {
		case OperandNone, OperandCount:
			if !in.Op.Valid() {
				return bad(pc, "unknown opcode %d", in.Op)
			}
			continue
		case OperandConst:
			limit = len(u.Consts)
		case OperandName:
			limit = len(u.Consts)
			if n < limit && u.Consts[n].Kind != ConstString {
				return bad(pc, "%s needs a string constant", in.Op)
			}
		case OperandLocal:
			limit = u.Locals
		case OperandGlobal:
			limit = len(p.Globals)
		case OperandCapture:
			limit = u.Captures
		case OperandTarget:
			limit = len(u.Code)
		case OperandUnit:
			limit = len(p.Units)
		case OperandShape:
			limit = len(p.Shapes)
		case OperandSite:
			limit = len(u.Sites)
		}
		if n >= limit {
			return bad(pc, "%s operand %d out of range %d", in.Op, n, limit)
		}
	}
	last := u.Code[len(u.Code)-1].Op
	if last != OpRet && last != OpJmp {
		return fmt.Errorf("%w: %s: body falls off the end", ErrInvalidProgram, u.Name)
	}
	return nil
}
