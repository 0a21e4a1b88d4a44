// Package bytecode defines the flattened instruction stream the execution
// tiers consume, plus its text assembler, disassembler and binary image.
package bytecode

import "fmt"

// Op is an instruction opcode.
type Op uint8

const (
	OpNop Op = iota
	OpConst
	OpNil
	OpTrue
	OpFalse
	OpLoad
	OpStore
	OpGLoad
	OpGStore
	OpCapture
	OpPop
	OpDup

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpNeg
	OpNot

	OpJmp
	OpJmpFalse
	OpJmpTrue

	OpCall
	OpCallV
	OpRet

	OpNew
	OpGetField
	OpSetField
	OpInvoke

	OpArray
	OpIndex
	OpSetIndex
	OpLen
	OpClosure

	numOps
)

// OperandKind describes how an instruction's operand is interpreted.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandConst
	OperandLocal
	OperandGlobal
	OperandCapture
	OperandTarget
	OperandUnit
	OperandCount
	OperandShape
	OperandName
	OperandSite
)

type opInfo struct {
	name    string
	operand OperandKind
}

var ops = [numOps]opInfo{
	OpNop:      {"nop", OperandNone},
	OpConst:    {"const", OperandConst},
	OpNil:      {"nil", OperandNone},
	OpTrue:     {"true", OperandNone},
	OpFalse:    {"false", OperandNone},
	OpLoad:     {"load", OperandLocal},
	OpStore:    {"store", OperandLocal},
	OpGLoad:    {"gload", OperandGlobal},
	OpGStore:   {"gstore", OperandGlobal},
	OpCapture:  {"capture", OperandCapture},
	OpPop:      {"pop", OperandNone},
	OpDup:      {"dup", OperandNone},
	OpAdd:      {"add", OperandNone},
	OpSub:      {"sub", OperandNone},
	OpMul:      {"mul", OperandNone},
	OpDiv:      {"div", OperandNone},
	OpMod:      {"mod", OperandNone},
	OpEq:       {"eq", OperandNone},
	OpNe:       {"ne", OperandNone},
	OpLt:       {"lt", OperandNone},
	OpLe:       {"le", OperandNone},
	OpGt:       {"gt", OperandNone},
	OpGe:       {"ge", OperandNone},
	OpNeg:      {"neg", OperandNone},
	OpNot:      {"not", OperandNone},
	OpJmp:      {"jmp", OperandTarget},
	OpJmpFalse: {"jf", OperandTarget},
	OpJmpTrue:  {"jt", OperandTarget},
	OpCall:     {"call", OperandUnit},
	OpCallV:    {"callv", OperandCount},
	OpRet:      {"ret", OperandNone},
	OpNew:      {"new", OperandShape},
	OpGetField: {"getfield", OperandName},
	OpSetField: {"setfield", OperandName},
	OpInvoke:   {"invoke", OperandSite},
	OpArray:    {"array", OperandCount},
	OpIndex:    {"index", OperandNone},
	OpSetIndex: {"setindex", OperandNone},
	OpLen:      {"len", OperandNone},
	OpClosure:  {"closure", OperandUnit},
}

var opByName = func() map[string]Op {
	m := make(map[string]Op, numOps)
	for op, info := range ops {
		m[info.name] = Op(op)
	}
	return m
}()

func (op Op) String() string {
	if op < numOps {
		return ops[op].name
	}
	return fmt.Sprintf("Op(%d)", op)
}

// Valid reports whether op is a defined opcode.
func (op Op) Valid() bool { return op < numOps }

// Operand returns the operand kind of op.
func (op Op) Operand() OperandKind {
	if op < numOps {
		return ops[op].operand
	}
	return OperandNone
}

// IsBinary reports whether op is an inline-cached binary operator.
func (op Op) IsBinary() bool { return op >= OpAdd && op <= OpGe }

// IsJump reports whether op transfers control to its operand.
func (op Op) IsJump() bool { return op >= OpJmp && op <= OpJmpTrue }

// HasCache reports whether op owns an inline cache.
func (op Op) HasCache() bool {
	return op.IsBinary() || op == OpGetField || op == OpSetField || op == OpInvoke
}

// Lookup resolves a mnemonic.
func Lookup(name string) (Op, bool) {
	op, ok := opByName[name]
	return op, ok
}

// Instr is one instruction.
type Instr struct {
	Op      Op
	Operand uint32
}

func (in Instr) String() string {
	if in.Op.Operand() == OperandNone {
		return in.Op.String()
	}
	return fmt.Sprintf("%s %d", in.Op, in.Operand)
}
