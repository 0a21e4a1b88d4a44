package bytecode

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

const commentWidth = 40

// Disassemble writes a listing of p. Operands are annotated with the names
// and constants they index.
func Disassemble(w io.Writer, p *Program) error {
	var sb strings.Builder
	for _, name := range p.Globals {
		fmt.Fprintf(&sb, "global %s\n", name)
	}
	for _, sh := range p.Shapes {
		fmt.Fprintf(&sb, "shape %s", sh.Name)
		if sh.Parent != "" {
			fmt.Fprintf(&sb, " : %s", sh.Parent)
		}
		for _, f := range sh.Fields {
			fmt.Fprintf(&sb, " %s", f)
		}
		sb.WriteByte('\n')
		for _, m := range sh.Methods {
			fmt.Fprintf(&sb, "method %s %s %s\n", sh.Name, m.Name, p.unitName(m.Unit))
		}
	}
	for _, u := range p.Units {
		sb.WriteByte('\n')
		DisassembleUnit(&sb, p, u)
	}
	fmt.Fprintf(&sb, "\nentry %s\n", p.unitName(p.Entry))
	_, err := io.WriteString(w, sb.String())
	return err
}

// DisassembleUnit writes the listing of a single unit.
func DisassembleUnit(sb *strings.Builder, p *Program, u *Unit) {
	targets := make(map[int]bool)
	for _, in := range u.Code {
		if in.Op.IsJump() {
			targets[int(in.Operand)] = true
		}
	}
	fmt.Fprintf(sb, "unit %s arity=%d locals=%d captures=%d\n", u.Name, u.Arity, u.Locals, u.Captures)
	for pc, in := range u.Code {
		if targets[pc] {
			fmt.Fprintf(sb, "L%d:\n", pc)
		}
		text := p.operandText(u, in)
		line := fmt.Sprintf("    %-9s %s", in.Op, text)
		if note := p.annotate(in); note != "" {
			line = runewidth.FillRight(line, 28) + "; " + runewidth.Truncate(note, commentWidth, "...")
		}
		fmt.Fprintf(sb, "%4d %s\n", pc, strings.TrimRight(line, " "))
	}
	sb.WriteString("end\n")
}

func (p *Program) unitName(id uint32) string {
	if int(id) < len(p.Units) {
		return p.Units[id].Name
	}
	return fmt.Sprintf("#%d", id)
}

func (p *Program) operandText(u *Unit, in Instr) string {
	n := int(in.Operand)
	switch in.Op.Operand() {
	case OperandNone:
		return ""
	case OperandConst:
		if n < len(u.Consts) {
			return u.Consts[n].String()
		}
	case OperandName:
		if n < len(u.Consts) {
			return u.Consts[n].Str
		}
	case OperandGlobal:
		if n < len(p.Globals) {
			return p.Globals[n]
		}
	case OperandTarget:
		return fmt.Sprintf("L%d", n)
	case OperandUnit:
		return p.unitName(in.Operand)
	case OperandShape:
		if n < len(p.Shapes) {
			return p.Shapes[n].Name
		}
	case OperandSite:
		if n < len(u.Sites) {
			return fmt.Sprintf("%s %d", u.Sites[n].Method, u.Sites[n].Argc)
		}
	}
	return fmt.Sprintf("%d", n)
}

func (p *Program) annotate(in Instr) string {
	switch in.Op.Operand() {
	case OperandConst, OperandName:
		return fmt.Sprintf("k%d", in.Operand)
	case OperandSite:
		return fmt.Sprintf("site %d", in.Operand)
	case OperandShape:
		if int(in.Operand) < len(p.Shapes) {
			return strings.Join(p.Shapes[in.Operand].Fields, ",")
		}
	}
	return ""
}
