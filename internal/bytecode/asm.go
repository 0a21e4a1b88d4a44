package bytecode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fortio.org/safecast"
)

// ErrSyntax wraps every assembler diagnostic.
var ErrSyntax = errors.New("syntax error")

// AsmError is an assembler diagnostic with its source line.
type AsmError struct {
	Line int
	Msg  string
}

func (e *AsmError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Msg) }

func (e *AsmError) Unwrap() error { return ErrSyntax }

type line struct {
	no     int
	fields []string
}

// Assemble parses the text form of a program and validates the result.
//
//	; comment
//	global counter
//	shape Point x y
//	shape Point3 : Point z
//	method Point norm2 point_norm2
//	unit add arity=2 locals=2
//	    load 0
//	    load 1
//	    add
//	    ret
//	end
//	entry main
func Assemble(r io.Reader) (*Program, error) {
	lines, err := scan(r)
	if err != nil {
		return nil, err
	}
	a := &assembler{
		units:   make(map[string]uint32),
		shapes:  make(map[string]uint32),
		globals: make(map[string]uint32),
		prog:    &Program{},
	}
	if err := a.declare(lines); err != nil {
		return nil, err
	}
	if err := a.define(lines); err != nil {
		return nil, err
	}
	if err := a.prog.Validate(); err != nil {
		return nil, err
	}
	return a.prog, nil
}

// AssembleString is Assemble over a string.
func AssembleString(src string) (*Program, error) {
	return Assemble(strings.NewReader(src))
}

func scan(r io.Reader) ([]line, error) {
	var out []line
	sc := bufio.NewScanner(r)
	no := 0
	for sc.Scan() {
		no++
		fields, err := tokenize(sc.Text())
		if err != nil {
			return nil, &AsmError{Line: no, Msg: err.Error()}
		}
		if len(fields) > 0 {
			out = append(out, line{no: no, fields: fields})
		}
	}
	return out, sc.Err()
}

// tokenize splits on whitespace, keeps quoted strings whole and drops
// comments.
func tokenize(s string) ([]string, error) {
	var out []string
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == ';':
			return out, nil
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return nil, errors.New("unterminated string")
			}
			out = append(out, s[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(s) && s[j] != ' ' && s[j] != '\t' && s[j] != ';' && s[j] != '\r' {
				j++
			}
			out = append(out, s[i:j])
			i = j
		}
	}
	return out, nil
}

type assembler struct {
	units   map[string]uint32
	shapes  map[string]uint32
	globals map[string]uint32
	prog    *Program
}

func errf(l line, format string, args ...any) error {
	return &AsmError{Line: l.no, Msg: fmt.Sprintf(format, args...)}
}

// declare assigns ids to every unit, shape and global so bodies may refer
// forward.
func (a *assembler) declare(lines []line) error {
	for _, l := range lines {
		switch l.fields[0] {
		case "unit":
			if len(l.fields) < 2 {
				return errf(l, "unit needs a name")
			}
			name := l.fields[1]
			if _, dup := a.units[name]; dup {
				return errf(l, "unit %s redeclared", name)
			}
			id, err := safecast.Conv[uint32](len(a.prog.Units))
			if err != nil {
				return errf(l, "too many units")
			}
			a.units[name] = id
			a.prog.Units = append(a.prog.Units, &Unit{ID: id, Name: name})
		case "shape":
			if len(l.fields) < 2 {
				return errf(l, "shape needs a name")
			}
			name := l.fields[1]
			if _, dup := a.shapes[name]; dup {
				return errf(l, "shape %s redeclared", name)
			}
			id, err := safecast.Conv[uint32](len(a.prog.Shapes))
			if err != nil {
				return errf(l, "too many shapes")
			}
			a.shapes[name] = id
			sh := Shape{Name: name}
			rest := l.fields[2:]
			if len(rest) >= 2 && rest[0] == ":" {
				sh.Parent = rest[1]
				rest = rest[2:]
			}
			sh.Fields = append([]string(nil), rest...)
			a.prog.Shapes = append(a.prog.Shapes, sh)
		case "global":
			for _, name := range l.fields[1:] {
				if _, dup := a.globals[name]; dup {
					return errf(l, "global %s redeclared", name)
				}
				id, err := safecast.Conv[uint32](len(a.prog.Globals))
				if err != nil {
					return errf(l, "too many globals")
				}
				a.globals[name] = id
				a.prog.Globals = append(a.prog.Globals, name)
			}
		}
	}
	return nil
}

func (a *assembler) define(lines []line) error {
	entry := ""
	for i := 0; i < len(lines); i++ {
		l := lines[i]
		switch l.fields[0] {
		case "unit":
			end, err := a.unit(lines, i)
			if err != nil {
				return err
			}
			i = end
		case "shape", "global":
		case "method":
			if len(l.fields) != 4 {
				return errf(l, "usage: method <shape> <name> <unit>")
			}
			si, ok := a.shapes[l.fields[1]]
			if !ok {
				return errf(l, "unknown shape %s", l.fields[1])
			}
			ui, ok := a.units[l.fields[3]]
			if !ok {
				return errf(l, "unknown unit %s", l.fields[3])
			}
			sh := &a.prog.Shapes[si]
			sh.Methods = append(sh.Methods, MethodRef{Name: l.fields[2], Unit: ui})
		case "entry":
			if len(l.fields) != 2 {
				return errf(l, "usage: entry <unit>")
			}
			entry = l.fields[1]
		default:
			return errf(l, "unexpected %q outside a unit", l.fields[0])
		}
	}
	for _, sh := range a.prog.Shapes {
		if sh.Parent != "" {
			if _, ok := a.shapes[sh.Parent]; !ok {
				return fmt.Errorf("%w: shape %s extends unknown %s", ErrSyntax, sh.Name, sh.Parent)
			}
		}
	}
	if entry == "" {
		if _, ok := a.units["main"]; ok {
			entry = "main"
		} else if len(a.prog.Units) > 0 {
			entry = a.prog.Units[0].Name
		}
	}
	id, ok := a.units[entry]
	if !ok && entry != "" {
		return fmt.Errorf("%w: entry unit %s not defined", ErrSyntax, entry)
	}
	a.prog.Entry = id
	return nil
}

type fixup struct {
	pc    int
	label string
	line  line
}

// unitBuilder accumulates one unit body.
type unitBuilder struct {
	u       *Unit
	labels  map[string]int
	fixups  []fixup
	interns map[Const]uint32
}

func (b *unitBuilder) emit(l line, op Op, operand int) error {
	n, err := safecast.Conv[uint32](operand)
	if err != nil {
		return errf(l, "%s operand %d: %v", op, operand, err)
	}
	b.u.Code = append(b.u.Code, Instr{Op: op, Operand: n})
	return nil
}

func (b *unitBuilder) constant(c Const) int {
	if idx, ok := b.interns[c]; ok {
		return int(idx)
	}
	idx := len(b.u.Consts)
	b.u.Consts = append(b.u.Consts, c)
	b.interns[c] = uint32(idx)
	return idx
}

func (a *assembler) unit(lines []line, start int) (int, error) {
	head := lines[start]
	u := a.prog.Units[a.units[head.fields[1]]]
	locals := -1
	for _, attr := range head.fields[2:] {
		key, val, ok := strings.Cut(attr, "=")
		if !ok {
			return 0, errf(head, "malformed attribute %q", attr)
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return 0, errf(head, "attribute %s: %q is not a count", key, val)
		}
		switch key {
		case "arity":
			u.Arity = n
		case "locals":
			locals = n
		case "captures":
			u.Captures = n
		default:
			return 0, errf(head, "unknown attribute %s", key)
		}
	}
	u.Locals = max(locals, u.Arity)

	b := &unitBuilder{u: u, labels: make(map[string]int), interns: make(map[Const]uint32)}
	for i := start + 1; i < len(lines); i++ {
		l := lines[i]
		if l.fields[0] == "end" {
			for _, f := range b.fixups {
				target, ok := b.labels[f.label]
				if !ok {
					return 0, errf(f.line, "undefined label %s", f.label)
				}
				b.u.Code[f.pc].Operand = uint32(target)
			}
			return i, nil
		}
		if label, ok := strings.CutSuffix(l.fields[0], ":"); ok && len(l.fields) == 1 {
			if _, dup := b.labels[label]; dup {
				return 0, errf(l, "label %s redefined", label)
			}
			b.labels[label] = len(u.Code)
			continue
		}
		if err := a.instr(b, l); err != nil {
			return 0, err
		}
	}
	return 0, errf(head, "unit %s missing end", u.Name)
}

func (a *assembler) instr(b *unitBuilder, l line) error {
	op, ok := Lookup(l.fields[0])
	if !ok {
		return errf(l, "unknown instruction %s", l.fields[0])
	}
	args := l.fields[1:]
	want := 1
	switch op.Operand() {
	case OperandNone:
		want = 0
	case OperandSite:
		want = 2
	}
	if len(args) != want {
		return errf(l, "%s takes %d operand(s), got %d", op, want, len(args))
	}

	switch op.Operand() {
	case OperandNone:
		return b.emit(l, op, 0)
	case OperandConst:
		c, err := parseConst(args[0])
		if err != nil {
			return errf(l, "%v", err)
		}
		return b.emit(l, op, b.constant(c))
	case OperandLocal, OperandCapture, OperandCount:
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errf(l, "%s expects a number, got %q", op, args[0])
		}
		return b.emit(l, op, n)
	case OperandGlobal:
		id, ok := a.globals[args[0]]
		if !ok {
			return errf(l, "unknown global %s", args[0])
		}
		return b.emit(l, op, int(id))
	case OperandTarget:
		b.fixups = append(b.fixups, fixup{pc: len(b.u.Code), label: args[0], line: l})
		return b.emit(l, op, 0)
	case OperandUnit:
		id, ok := a.units[args[0]]
		if !ok {
			return errf(l, "unknown unit %s", args[0])
		}
		return b.emit(l, op, int(id))
	case OperandShape:
		id, ok := a.shapes[args[0]]
		if !ok {
			return errf(l, "unknown shape %s", args[0])
		}
		return b.emit(l, op, int(id))
	case OperandName:
		return b.emit(l, op, b.constant(Const{Kind: ConstString, Str: args[0]}))
	case OperandSite:
		argc, err := strconv.Atoi(args[1])
		if err != nil || argc < 0 {
			return errf(l, "invoke argc %q", args[1])
		}
		b.u.Sites = append(b.u.Sites, Site{Method: args[0], Argc: argc})
		return b.emit(l, op, len(b.u.Sites)-1)
	}
	return errf(l, "unhandled operand kind for %s", op)
}

func parseConst(tok string) (Const, error) {
	if strings.HasPrefix(tok, `"`) {
		s, err := strconv.Unquote(tok)
		if err != nil {
			return Const{}, fmt.Errorf("bad string literal %s", tok)
		}
		return Const{Kind: ConstString, Str: s}, nil
	}
	if i, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return Const{Kind: ConstInt, Int: i}, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return Const{Kind: ConstFloat, Float: f}, nil
	}
	return Const{}, fmt.Errorf("bad literal %s", tok)
}
