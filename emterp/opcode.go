package emterp

/*
	The emterpreter bytecode is a fixed-width instruction encoding: every
	instruction begins with a single 32-bit word laid out as

		[opcode, lx, ly, lz]

	in increasing address order, where opcode selects one of the
	mnemonics below by its position in the table (byte identity = table
	index) and lx/ly/lz each select one of 256 registers in the current
	frame or carry an 8-bit immediate, depending on the opcode's family.
	Some opcodes consume additional 32-bit words following the primary
	word: trailing immediates, absolute branch targets, call parameter
	lists, or switch jump tables.

	A frame is a contiguous span of 256 8-byte registers living in the
	dedicated EMT stack region (disjoint from the native stack); each
	register's low 4 bytes are its int32 view, all 8 bytes its float64
	(double) view.

	See the OperandKind/Descriptor table below for how many extra words
	each opcode consumes and how its operands are interpreted; see
	interp.go for the semantics executed per opcode and codegen.go for
	both the human-readable disassembly listing and the generated
	emterpret/emterpret_z interpreter source text, both rendered off
	this same descriptor table.
*/

// Opcode is an identifier with a stable numeric code in [0, 256). Its
// position in OpcodeTable defines that code; there must be no
// duplicates and fewer than 256 entries.
type Opcode byte

// OperandKind describes how a Descriptor's ly/lz positions (and any
// extra words) are shaped, for codegen.go's listing templates;
// interp.go decodes operands per opcode in its own switch.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandRegisters        // lx, ly, lz name registers
	OperandImmediate8       // lz (or ly, opcode-dependent) carries an 8-bit immediate
	OperandImmediate16      // ly/lz together carry a 16-bit signed immediate
	OperandBranchRel        // displacement in the upper half of the word, in instruction words
	OperandBranchAbs        // absolute byte address in a following word
	OperandCall             // call-shaped: target + packed parameter registers
	OperandSwitch           // switch-shaped: base/limit + trailing jump table
	OperandGlobal           // global variable id
	OperandSpecial          // opcode-specific fixed-shape operands (FUNC, RET, GETTDP, ...)
)

// Descriptor records, for one opcode, the extra 32-bit words it
// consumes beyond its primary word and how its operands are shaped.
// FixedExtraWords is -1 when the word count is variable (EXTCALL,
// SWITCH) and depends on decoded operands rather than the opcode alone.
type Descriptor struct {
	Op              Opcode
	Kind            OperandKind
	FixedExtraWords int
	IsBranch        bool // overwrites pc; suppresses the normal post-instruction advance
	IsDouble        bool // operates on the float64 view of its registers
}

const (
	SET Opcode = iota
	SETVI
	SETVIB

	ADD
	SUB
	MUL
	SDIV
	UDIV
	SMOD
	UMOD
	NEG
	BNOT

	LNOT
	EQ
	NE
	SLT
	ULT
	SLE
	ULE

	AND
	OR
	XOR
	SHL
	ASHR
	LSHR

	ADDV
	SUBV
	MULV
	SDIVV
	UDIVV
	SMODV
	UMODV
	EQV
	NEV
	SLTV
	ULTV
	SLEV
	ULEV
	ANDV
	ORV
	XORV
	SHLV
	ASHRV
	LSHRV

	LNOTBRF
	EQBRF
	NEBRF
	SLTBRF
	ULTBRF
	SLEBRF
	ULEBRF
	LNOTBRT
	EQBRT
	NEBRT
	SLTBRT
	ULTBRT
	SLEBRT
	ULEBRT

	SETD
	SETVD
	SETVDI
	SETVDF
	SETVDD
	ADDD
	SUBD
	MULD
	DIVD
	MODD
	NEGD
	EQD
	NED
	LTD
	LED
	GTD
	GED
	D2I
	SI2D
	UI2D

	LOAD8
	LOADU8
	LOAD16
	LOADU16
	LOAD32
	STORE8
	STORE16
	STORE32
	LOADF64
	STOREF64
	LOADF32
	STOREF32

	LOAD8A
	LOADU8A
	LOAD16A
	LOADU16A
	LOAD32A
	STORE8A
	STORE16A
	STORE32A
	LOADF64A
	STOREF64A
	LOADF32A
	STOREF32A

	LOAD8AV
	LOADU8AV
	LOAD16AV
	LOADU16AV
	LOAD32AV
	STORE8AV
	STORE16AV
	STORE32AV
	LOADF64AV
	STOREF64AV
	LOADF32AV
	STOREF32AV

	STORE8C
	STORE16C
	STORE32C
	STOREF64C
	STOREF32C

	BR
	BRT
	BRF
	BRA
	BRTA
	BRFA

	COND
	CONDD

	GETTDP
	GETTR0
	SETTR0
	GETGLBI
	GETGLBD // disabled: interp.go faults on it; link.Finalise rejects it if it reaches the image (see DESIGN.md)
	SETGLBI

	INTCALL
	EXTCALL

	GETST
	SETST

	SWITCH
	RET
	FUNC

	numOpcodes
)

// OpcodeTable is the frozen, ordered mnemonic list; an opcode's index
// in this slice is its numeric code. Ported from emterpretify.py's
// OPCODES list verbatim, including the disabled GETGLBD entry.
var OpcodeTable = [numOpcodes]string{
	SET: "SET", SETVI: "SETVI", SETVIB: "SETVIB",

	ADD: "ADD", SUB: "SUB", MUL: "MUL", SDIV: "SDIV", UDIV: "UDIV",
	SMOD: "SMOD", UMOD: "UMOD", NEG: "NEG", BNOT: "BNOT",

	LNOT: "LNOT", EQ: "EQ", NE: "NE", SLT: "SLT", ULT: "ULT", SLE: "SLE", ULE: "ULE",

	AND: "AND", OR: "OR", XOR: "XOR", SHL: "SHL", ASHR: "ASHR", LSHR: "LSHR",

	ADDV: "ADDV", SUBV: "SUBV", MULV: "MULV", SDIVV: "SDIVV", UDIVV: "UDIVV",
	SMODV: "SMODV", UMODV: "UMODV", EQV: "EQV", NEV: "NEV", SLTV: "SLTV", ULTV: "ULTV",
	SLEV: "SLEV", ULEV: "ULEV", ANDV: "ANDV", ORV: "ORV", XORV: "XORV",
	SHLV: "SHLV", ASHRV: "ASHRV", LSHRV: "LSHRV",

	LNOTBRF: "LNOTBRF", EQBRF: "EQBRF", NEBRF: "NEBRF", SLTBRF: "SLTBRF",
	ULTBRF: "ULTBRF", SLEBRF: "SLEBRF", ULEBRF: "ULEBRF",
	LNOTBRT: "LNOTBRT", EQBRT: "EQBRT", NEBRT: "NEBRT", SLTBRT: "SLTBRT",
	ULTBRT: "ULTBRT", SLEBRT: "SLEBRT", ULEBRT: "ULEBRT",

	SETD: "SETD", SETVD: "SETVD", SETVDI: "SETVDI", SETVDF: "SETVDF", SETVDD: "SETVDD",
	ADDD: "ADDD", SUBD: "SUBD", MULD: "MULD", DIVD: "DIVD", MODD: "MODD", NEGD: "NEGD",
	EQD: "EQD", NED: "NED", LTD: "LTD", LED: "LED", GTD: "GTD", GED: "GED",
	D2I: "D2I", SI2D: "SI2D", UI2D: "UI2D",

	LOAD8: "LOAD8", LOADU8: "LOADU8", LOAD16: "LOAD16", LOADU16: "LOADU16", LOAD32: "LOAD32",
	STORE8: "STORE8", STORE16: "STORE16", STORE32: "STORE32",
	LOADF64: "LOADF64", STOREF64: "STOREF64", LOADF32: "LOADF32", STOREF32: "STOREF32",

	LOAD8A: "LOAD8A", LOADU8A: "LOADU8A", LOAD16A: "LOAD16A", LOADU16A: "LOADU16A", LOAD32A: "LOAD32A",
	STORE8A: "STORE8A", STORE16A: "STORE16A", STORE32A: "STORE32A",
	LOADF64A: "LOADF64A", STOREF64A: "STOREF64A", LOADF32A: "LOADF32A", STOREF32A: "STOREF32A",

	LOAD8AV: "LOAD8AV", LOADU8AV: "LOADU8AV", LOAD16AV: "LOAD16AV", LOADU16AV: "LOADU16AV", LOAD32AV: "LOAD32AV",
	STORE8AV: "STORE8AV", STORE16AV: "STORE16AV", STORE32AV: "STORE32AV",
	LOADF64AV: "LOADF64AV", STOREF64AV: "STOREF64AV", LOADF32AV: "LOADF32AV", STOREF32AV: "STOREF32AV",

	STORE8C: "STORE8C", STORE16C: "STORE16C", STORE32C: "STORE32C",
	STOREF64C: "STOREF64C", STOREF32C: "STOREF32C",

	BR: "BR", BRT: "BRT", BRF: "BRF", BRA: "BRA", BRTA: "BRTA", BRFA: "BRFA",

	COND: "COND", CONDD: "CONDD",

	GETTDP: "GETTDP", GETTR0: "GETTR0", SETTR0: "SETTR0",
	GETGLBI: "GETGLBI", GETGLBD: "GETGLBD", SETGLBI: "SETGLBI",

	INTCALL: "INTCALL", EXTCALL: "EXTCALL",

	GETST: "GETST", SETST: "SETST",

	SWITCH: "SWITCH", RET: "RET", FUNC: "FUNC",
}

var (
	mnemonicToOpcode map[string]Opcode
	descriptorTable  map[Opcode]Descriptor
)

func init() {
	if int(numOpcodes) >= 256 {
		panic("emterp: opcode table has 256 or more entries")
	}

	mnemonicToOpcode = make(map[string]Opcode, numOpcodes)
	for code, name := range OpcodeTable {
		if _, dup := mnemonicToOpcode[name]; dup {
			panic("emterp: duplicate opcode mnemonic " + name)
		}
		mnemonicToOpcode[name] = Opcode(code)
	}

	descriptorTable = buildDescriptorTable()
}

// String renders the opcode's mnemonic, or "?unknown?" if it falls
// outside the frozen table (mirrors the teacher's Bytecode.String()).
func (op Opcode) String() string {
	if int(op) < len(OpcodeTable) {
		if s := OpcodeTable[op]; s != "" {
			return s
		}
	}
	return "?unknown?"
}

// LookupOpcode resolves a mnemonic to its Opcode; the link pass uses
// it to resolve Module.InnerterpreterLastOpcode.
func LookupOpcode(mnemonic string) (Opcode, bool) {
	op, ok := mnemonicToOpcode[mnemonic]
	return op, ok
}

// DescriptorFor returns the operand shape for an opcode.
func DescriptorFor(op Opcode) Descriptor {
	d, ok := descriptorTable[op]
	if !ok {
		return Descriptor{Op: op, Kind: OperandNone}
	}
	return d
}

// IsDisabled reports whether op is present in the table only as a
// placeholder with no interpreter implementation: interp.go faults on
// it and codegen.go renders no case for it (currently only GETGLBD; see
// spec.md's Open Question and DESIGN.md).
func (op Opcode) IsDisabled() bool {
	return op == GETGLBD
}

func regGroup(kind OperandKind, ops ...Opcode) map[Opcode]Descriptor {
	m := make(map[Opcode]Descriptor, len(ops))
	for _, op := range ops {
		m[op] = Descriptor{Op: op, Kind: kind}
	}
	return m
}

func buildDescriptorTable() map[Opcode]Descriptor {
	table := map[Opcode]Descriptor{}
	merge := func(src map[Opcode]Descriptor) {
		for k, v := range src {
			table[k] = v
		}
	}

	merge(regGroup(OperandRegisters,
		SET, ADD, SUB, MUL, SDIV, UDIV, SMOD, UMOD, NEG, BNOT, LNOT,
		EQ, NE, SLT, ULT, SLE, ULE, AND, OR, XOR, SHL, ASHR, LSHR,
		SETD, ADDD, SUBD, MULD, DIVD, MODD, NEGD, EQD, NED, LTD, LED, GTD, GED, D2I, SI2D, UI2D,
		LOAD8, LOADU8, LOAD16, LOADU16, LOAD32, STORE8, STORE16, STORE32,
		LOADF64, STOREF64, LOADF32, STOREF32,
		LOAD8A, LOADU8A, LOAD16A, LOADU16A, LOAD32A,
		STORE8A, STORE16A, STORE32A, LOADF64A, STOREF64A, LOADF32A, STOREF32A,
		STORE8C, STORE16C, STORE32C, STOREF64C, STOREF32C,
		GETTDP, GETTR0, SETTR0, GETST, SETST,
	))

	merge(regGroup(OperandImmediate8,
		ADDV, SUBV, MULV, SDIVV, UDIVV, SMODV, UMODV, EQV, NEV, SLTV, ULTV, SLEV, ULEV,
		ANDV, ORV, XORV, SHLV, ASHRV, LSHRV,
		LOAD8AV, LOADU8AV, LOAD16AV, LOADU16AV, LOAD32AV,
		STORE8AV, STORE16AV, STORE32AV, LOADF64AV, STOREF64AV, LOADF32AV, STOREF32AV,
	))

	merge(regGroup(OperandImmediate16, SETVI, SETVD))

	for _, op := range []Opcode{
		LNOTBRF, EQBRF, NEBRF, SLTBRF, ULTBRF, SLEBRF, ULEBRF,
		LNOTBRT, EQBRT, NEBRT, SLTBRT, ULTBRT, SLEBRT, ULEBRT,
	} {
		table[op] = Descriptor{Op: op, Kind: OperandBranchAbs, FixedExtraWords: 1, IsBranch: true}
	}

	table[SETVIB] = Descriptor{Op: SETVIB, Kind: OperandSpecial, FixedExtraWords: 1}
	table[SETVDI] = Descriptor{Op: SETVDI, Kind: OperandSpecial, FixedExtraWords: 1, IsDouble: true}
	table[SETVDF] = Descriptor{Op: SETVDF, Kind: OperandSpecial, FixedExtraWords: 1, IsDouble: true}
	table[SETVDD] = Descriptor{Op: SETVDD, Kind: OperandSpecial, FixedExtraWords: 2, IsDouble: true}

	table[BR] = Descriptor{Op: BR, Kind: OperandBranchRel, IsBranch: true}
	table[BRT] = Descriptor{Op: BRT, Kind: OperandBranchRel, IsBranch: true}
	table[BRF] = Descriptor{Op: BRF, Kind: OperandBranchRel, IsBranch: true}
	table[BRA] = Descriptor{Op: BRA, Kind: OperandBranchAbs, FixedExtraWords: 1, IsBranch: true}
	table[BRTA] = Descriptor{Op: BRTA, Kind: OperandBranchAbs, FixedExtraWords: 1, IsBranch: true}
	table[BRFA] = Descriptor{Op: BRFA, Kind: OperandBranchAbs, FixedExtraWords: 1, IsBranch: true}

	table[COND] = Descriptor{Op: COND, Kind: OperandSpecial, FixedExtraWords: 1}
	table[CONDD] = Descriptor{Op: CONDD, Kind: OperandSpecial, FixedExtraWords: 1, IsDouble: true}

	table[GETGLBI] = Descriptor{Op: GETGLBI, Kind: OperandGlobal}
	table[GETGLBD] = Descriptor{Op: GETGLBD, Kind: OperandGlobal, IsDouble: true}
	table[SETGLBI] = Descriptor{Op: SETGLBI, Kind: OperandGlobal}

	table[INTCALL] = Descriptor{Op: INTCALL, Kind: OperandCall, FixedExtraWords: -1}
	table[EXTCALL] = Descriptor{Op: EXTCALL, Kind: OperandCall, FixedExtraWords: -1}

	table[SWITCH] = Descriptor{Op: SWITCH, Kind: OperandSwitch, FixedExtraWords: -1, IsBranch: true}
	table[RET] = Descriptor{Op: RET, Kind: OperandSpecial, IsBranch: true}
	table[FUNC] = Descriptor{Op: FUNC, Kind: OperandSpecial, FixedExtraWords: 1}

	return table
}

// Permute returns a copy of OpcodeTable reordered by the given
// permutation of indices (len(seed) must equal len(OpcodeTable)). It
// exists solely to exercise the round-trip law from spec.md §8:
// "permuting the opcode order globally and re-linking produces an
// image equivalent under execution (given a matching interpreter)" —
// mirroring emterpretify.py's disabled randomize_opcodes helper.
func Permute(seed []int) [numOpcodes]string {
	if len(seed) != len(OpcodeTable) {
		panic("emterp: permutation length mismatch")
	}
	var out [numOpcodes]string
	for i, j := range seed {
		out[i] = OpcodeTable[j]
	}
	return out
}
