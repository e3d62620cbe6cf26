package emterp

import (
	"fmt"
	"strings"
	"text/template"
)

// Disassemble renders a SourceFunction's instruction stream as
// human-readable listing text, one line per instruction, with one
// listing template per OperandKind taken from the Descriptor table
// (opcode.go). interp.go does not read that table; it decodes each
// opcode's operands in its own switch. This replaces emterpretify.py's
// approach of building interpreter source by hand-assembled string
// concatenation (make_emterpreter) with text/template, per the
// earlier design note to render off one shared descriptor table
// instead of a second, independently-maintained case list.
func Disassemble(fn *SourceFunction) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "FUNC %s(locals=%d, params=%d, variant=%d, zeroBound=%d)\n",
		fn.Name, fn.Locals, fn.Params, fn.Variant, fn.ZeroInitBound)

	for i, in := range fn.Code {
		line, err := renderInstr(in)
		if err != nil {
			return "", fmt.Errorf("instruction %d: %w", i, err)
		}
		fmt.Fprintf(&b, "  %4d: %s\n", i, line)
	}
	return b.String(), nil
}

var lineTemplates = map[OperandKind]*template.Template{
	OperandNone:       tmpl("none", "{{.Op}}"),
	OperandRegisters:  tmpl("registers", "{{.Op}} r{{.Lx}}, r{{.Ly}}, r{{.Lz}}"),
	OperandImmediate8: tmpl("imm8", "{{.Op}} r{{.Lx}}, r{{.Ly}}, #{{.Lz}}"),
	OperandImmediate16: tmpl("imm16",
		"{{.Op}} r{{.Lx}}, #{{.Imm16}}"),
	OperandBranchRel: tmpl("branchrel", "{{.Op}} r{{.Ly}}, r{{.Lz}} -> rel"),
	OperandBranchAbs: tmpl("branchabs", "{{.Op}} r{{.Ly}}, r{{.Lz}} -> {{.Target}}"),
	OperandCall:      tmpl("call", "{{.Op}} -> {{.CallTarget}}"),
	OperandSwitch:    tmpl("switch", "{{.Op}} r{{.Lx}} [base={{.Ly}}, span={{.Lz}}]"),
	OperandGlobal:    tmpl("global", "{{.Op}} r{{.Ly}}, global[{{.Global}}]"),
	OperandSpecial:   tmpl("special", "{{.Op}} lx={{.Lx}} ly={{.Ly}} lz={{.Lz}}"),
}

func tmpl(name, body string) *template.Template {
	return template.Must(template.New(name).Parse(body))
}

// instrView adapts an Instr's raw bytes into named fields the
// templates above reference; it exists only so the templates can stay
// declarative instead of embedding Go expressions.
type instrView struct {
	Op         Opcode
	Lx, Ly, Lz byte
	Imm16      int32
	Target     string
	CallTarget string
	Global     string
}

func renderInstr(in Instr) (string, error) {
	d := DescriptorFor(in.Op)
	tpl, ok := lineTemplates[d.Kind]
	if !ok {
		return "", fmt.Errorf("%w: no listing template for operand kind of %s", ErrUnknownOpcode, in.Op)
	}

	view := instrView{Op: in.Op, Lx: in.Lx, Ly: in.Ly, Lz: in.Lz}
	view.Imm16 = int32(int16(uint16(in.Ly) | uint16(in.Lz)<<8))

	switch {
	case in.ExtCall != nil:
		view.CallTarget = in.ExtCall.Target
	case in.Global != "":
		view.Global = in.Global
	case len(in.Extra) > 0:
		switch {
		case in.Extra[0].AbsLabel != "":
			view.Target = "label:" + in.Extra[0].AbsLabel
		case in.Extra[0].AbsFunc != "":
			view.Target = "func:" + in.Extra[0].AbsFunc
		case in.Extra[0].Value != nil:
			view.Target = fmt.Sprintf("0x%x", *in.Extra[0].Value)
		}
	}

	var b strings.Builder
	if err := tpl.Execute(&b, view); err != nil {
		return "", err
	}
	return b.String(), nil
}

// DisassembleModule renders every interpreted function in mod, in
// declaration order, concatenated with blank-line separators.
func DisassembleModule(mod *Module) (string, error) {
	var b strings.Builder
	for i := range mod.Functions {
		text, err := Disassemble(&mod.Functions[i])
		if err != nil {
			return "", fmt.Errorf("function %s: %w", mod.Functions[i].Name, err)
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// The maps below group opcodes into operator families (a finer split
// than buildDescriptorTable's OperandKind groups in opcode.go), each
// keyed to the operator
// text its fragment renders; GenerateInterpreter walks OpcodeTable
// once and asks this set of small maps how to render every opcode
// instead of hand-writing one fragment string per mnemonic.
var (
	binOps = map[Opcode]string{
		ADD: "+", SUB: "-", MUL: "*", AND: "&", OR: "|", XOR: "^",
		SHL: "<<", ASHR: ">>", LSHR: ">>>",
	}
	cmpOps = map[Opcode]string{
		EQ: "==", NE: "!=", SLT: "<", ULT: "<", SLE: "<=", ULE: "<=",
	}
	unsignedCmp = map[Opcode]bool{ULT: true, ULE: true}
	unaryOps    = map[Opcode]string{NEG: "-", BNOT: "~"}

	dblBinOps = map[Opcode]string{
		ADDD: "+", SUBD: "-", MULD: "*", DIVD: "/", MODD: "%",
	}
	dblCmpOps = map[Opcode]string{
		EQD: "==", NED: "!=", LTD: "<", LED: "<=", GTD: ">", GED: ">=",
	}

	// divOps need a divide-by-zero fault check the generic binOps
	// rendering doesn't emit (spec.md §7's ErrDivideByZero).
	divOps = map[Opcode]string{SDIV: "/", UDIV: "/", SMOD: "%", UMOD: "%"}
	unsignedDiv = map[Opcode]bool{UDIV: true, UMOD: true}

	// vSuffixed maps each immediate-operand ("V") opcode back to the
	// register-register opcode whose operator text it reuses; lz
	// becomes a literal immediate instead of a register index.
	vSuffixed = map[Opcode]Opcode{
		ADDV: ADD, SUBV: SUB, MULV: MUL, SDIVV: SDIV, UDIVV: UDIV,
		SMODV: SMOD, UMODV: UMOD, EQV: EQ, NEV: NE, SLTV: SLT, ULTV: ULT,
		SLEV: SLE, ULEV: ULE, ANDV: AND, ORV: OR, XORV: XOR,
		SHLV: SHL, ASHRV: ASHR, LSHRV: LSHR,
	}

	// brSuffixed maps a fused compare-and-branch opcode back to the
	// plain comparison it fuses (emterpretify.py's *BRF/*BRT families);
	// LNOTBRF/LNOTBRT map to LNOT itself, handled specially since LNOT
	// has no entry in cmpOps.
	brSuffixed = map[Opcode]Opcode{
		LNOTBRF: LNOT, EQBRF: EQ, NEBRF: NE, SLTBRF: SLT, ULTBRF: ULT, SLEBRF: SLE, ULEBRF: ULE,
		LNOTBRT: LNOT, EQBRT: EQ, NEBRT: NE, SLTBRT: SLT, ULTBRT: ULT, SLEBRT: SLE, ULEBRT: ULE,
	}
	brtFamily = map[Opcode]bool{
		LNOTBRT: true, EQBRT: true, NEBRT: true, SLTBRT: true, ULTBRT: true, SLEBRT: true, ULEBRT: true,
	}

	loadStoreOps = map[Opcode]string{
		LOAD8: "loadS8", LOADU8: "loadU8", LOAD16: "loadS16", LOADU16: "loadU16", LOAD32: "load32",
		STORE8: "store8", STORE16: "store16", STORE32: "store32",
		LOADF64: "loadF64", STOREF64: "storeF64", LOADF32: "loadF32", STOREF32: "storeF32",
		LOAD8A: "loadS8", LOADU8A: "loadU8", LOAD16A: "loadS16", LOADU16A: "loadU16", LOAD32A: "load32",
		STORE8A: "store8", STORE16A: "store16", STORE32A: "store32",
		LOADF64A: "loadF64", STOREF64A: "storeF64", LOADF32A: "loadF32", STOREF32A: "storeF32",
		LOAD8AV: "loadS8", LOADU8AV: "loadU8", LOAD16AV: "loadS16", LOADU16AV: "loadU16", LOAD32AV: "load32",
		STORE8AV: "store8", STORE16AV: "store16", STORE32AV: "store32",
		LOADF64AV: "loadF64", STOREF64AV: "storeF64", LOADF32AV: "loadF32", STOREF32AV: "storeF32",
		STORE8C: "store8", STORE16C: "store16", STORE32C: "store32",
		STOREF64C: "storeF64", STOREF32C: "storeF32",
	}
)

// fragmentFor renders the case body for one opcode as interpreter
// source text (spec.md §4.2), from the maps above plus a few
// per-opcode cases. interp.go does not read these maps: its step
// switch implements the same opcodes separately, using the same
// operand roles as the fragments below.
func fragmentFor(d Descriptor) (string, error) {
	op := d.Op

	switch op {
	case SET:
		return "r[lx].i32 = r[ly].i32;", nil
	case SETD:
		return "r[lx].f64 = r[ly].f64;", nil
	case SETVI:
		return "r[lx].i32 = imm16;", nil
	case SETVD:
		return "r[lx].f64 = imm16;", nil
	case SETVIB:
		return "r[lx].i32 = imm32;", nil
	case SETVDI:
		return "r[lx].f64 = (double)(int32_t)imm32;", nil
	case SETVDF:
		return "r[lx].f64 = (double)bitcast_f32(imm32);", nil
	case SETVDD:
		return "r[lx].f64 = bitcast_f64(imm32_lo, imm32_hi);", nil
	case LNOT:
		return "r[lx].i32 = (r[ly].i32 == 0) ? 1 : 0;", nil
	case NEGD:
		return "r[lx].f64 = -r[ly].f64;", nil
	case D2I:
		return "r[lx].i32 = (int32_t)r[ly].f64;", nil
	case SI2D:
		return "r[lx].f64 = (double)(int32_t)r[ly].i32;", nil
	case UI2D:
		return "r[lx].f64 = (double)(uint32_t)r[ly].i32;", nil
	case BR:
		return "pc = pc + (rel << 2); PROCEED_WITHOUT_PC_BUMP;", nil
	case BRT, BRF:
		want := op == BRT
		return fmt.Sprintf("if (r[lx].i32 != 0 == %v) { pc = pc + (rel << 2); PROCEED_WITHOUT_PC_BUMP; } else { PROCEED_WITH_PC_BUMP; }", want), nil
	case BRA:
		return "pc = target; PROCEED_WITHOUT_PC_BUMP;", nil
	case BRTA, BRFA:
		want := op == BRTA
		return fmt.Sprintf("if (r[lx].i32 != 0 == %v) { pc = target; PROCEED_WITHOUT_PC_BUMP; } else { PROCEED_WITH_PC_BUMP; }", want), nil
	case COND:
		return "r[lx].i32 = r[ly].i32 != 0 ? r[lz].i32 : extra;", nil
	case CONDD:
		return "r[lx].f64 = r[ly].i32 != 0 ? r[lz].f64 : extra_d;", nil
	case GETTDP:
		return "r[lx].i32 = threadPtr;", nil
	case GETTR0:
		return "r[lx].i32 = tempRet0;", nil
	case SETTR0:
		return "tempRet0 = r[lx].i32;", nil
	case GETGLBI:
		return "r[lx].i32 = GETGLBI_DISPATCH(global_id);", nil
	case GETGLBD:
		return "", fmt.Errorf("%w: %s has no interpreter fragment (disabled)", ErrDisabledOpcode, op)
	case SETGLBI:
		return "SETGLBI_DISPATCH(global_id, r[lz].i32);", nil
	case GETST:
		return "r[lx].i32 = STACKTOP;", nil
	case SETST:
		return "STACKTOP = r[lx].i32;", nil
	case INTCALL:
		return "INTCALL_DISPATCH(target, params);", nil
	case EXTCALL:
		return "EXTCALL_DISPATCH(global_func_id, params);", nil
	case SWITCH:
		return "pc = switch_table[r[lx].i32 - base]; PROCEED_WITHOUT_PC_BUMP;", nil
	case RET:
		return "EMTSTACKTOP = zero ? EMTSTACKTOP : base; write_return(r[lx]); return;", nil
	case FUNC:
		return "// function header, not itself dispatched", nil
	}

	if sym, ok := divOps[op]; ok {
		view := "i32"
		if unsignedDiv[op] {
			view = "u32"
		}
		return fmt.Sprintf("if (r[lz].%s == 0) FAULT(ErrDivideByZero);\nr[lx].%s = r[ly].%s %s r[lz].%s;",
			view, view, view, sym, view), nil
	}
	if sym, ok := binOps[op]; ok {
		return fmt.Sprintf("r[lx].i32 = r[ly].i32 %s r[lz].i32;", sym), nil
	}
	if sym, ok := cmpOps[op]; ok {
		view := "i32"
		if unsignedCmp[op] {
			view = "u32"
		}
		return fmt.Sprintf("r[lx].i32 = (r[ly].%s %s r[lz].%s) ? 1 : 0;", view, sym, view), nil
	}
	if sym, ok := unaryOps[op]; ok {
		return fmt.Sprintf("r[lx].i32 = %sr[ly].i32;", sym), nil
	}
	if sym, ok := dblBinOps[op]; ok {
		return fmt.Sprintf("r[lx].f64 = r[ly].f64 %s r[lz].f64;", sym), nil
	}
	if sym, ok := dblCmpOps[op]; ok {
		return fmt.Sprintf("r[lx].i32 = (r[ly].f64 %s r[lz].f64) ? 1 : 0;", sym), nil
	}
	if base, ok := vSuffixed[op]; ok {
		frag, err := fragmentFor(Descriptor{Op: base})
		if err != nil {
			return "", err
		}
		return strings.ReplaceAll(frag, "r[lz]", "imm8"), nil
	}
	if base, ok := brSuffixed[op]; ok {
		var cond string
		if base == LNOT {
			cond = "r[ly].i32 == 0"
		} else {
			view := "i32"
			if unsignedCmp[base] {
				view = "u32"
			}
			cond = fmt.Sprintf("r[ly].%s %s r[lz].%s", view, cmpOps[base], view)
		}
		want := "false"
		if brtFamily[op] {
			want = "true"
		}
		return fmt.Sprintf("if ((%s) == %s) { pc = target; PROCEED_WITHOUT_PC_BUMP; } else { PROCEED_WITH_PC_BUMP; }",
			cond, want), nil
	}
	if sym, ok := loadStoreOps[op]; ok {
		return fmt.Sprintf("%s(mem, addr);", sym), nil
	}

	return "", fmt.Errorf("%w: no interpreter fragment for %s", ErrUnknownOpcode, op)
}

// generatorHeader documents the two procedures GenerateInterpreter
// emits, echoing emterpretify.py's make_emterpreter comment.
const generatorHeader = `// Code generated by emterp's interpreter generator. DO NOT EDIT.
// emterpret is the normal decode loop; emterpret_z is identical except
// that it allocates no frame and keeps its registers at base 0. Both
// zero registers [params, ZeroInitBound) on entry.
`

// GenerateInterpreter renders the opcode case table as two decode-loop
// procedures ("emterpret" and "emterpret_z", spec.md §4.2), an
// EXTCALL-id dispatch switch, and GETGLBI/SETGLBI id switches, built
// from OpcodeTable and fragmentFor. The emitted text is not derived
// from interp.go's step switch, which implements the same opcodes
// separately. The result is plain Go-string source text meant for
// splicing into a host's function section (rewrite.go's job); it is
// not itself compiled as part of this module.
func GenerateInterpreter(mod *Module, img *LinkedImage) (string, error) {
	var b strings.Builder
	b.WriteString(generatorHeader)

	for _, proc := range []struct {
		name string
		zero bool
	}{{"emterpret", false}, {"emterpret_z", true}} {
		text, err := renderProcedure(proc.name, proc.zero, img)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}

	extcall, err := renderExtCallSwitch(mod, img)
	if err != nil {
		return "", err
	}
	b.WriteString(extcall)

	b.WriteString(renderGetGlobalSwitch(img.GlobalVarList))
	b.WriteString(renderSetGlobalSwitch(img.GlobalVarList))

	return b.String(), nil
}

func renderProcedure(name string, zero bool, img *LinkedImage) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "\nfunction %s(pc) {\n", name)
	if zero {
		b.WriteString("  base = 0;\n")
	} else {
		b.WriteString("  base = EMTSTACKTOP; EMTSTACKTOP = EMTSTACKTOP + (locals << 3);\n")
	}
	b.WriteString("  zero_fill_locals();\n")
	b.WriteString("  for (;;) {\n")

	emitSwitch := func(indent string, upperBound Opcode, hasBound bool) error {
		fmt.Fprintf(&b, "%sswitch (OPCODE(pc)) {\n", indent)
		for code, mnemonic := range OpcodeTable {
			if mnemonic == "" {
				continue
			}
			op := Opcode(code)
			if op.IsDisabled() {
				continue
			}
			if hasBound && op > upperBound {
				continue
			}
			d := DescriptorFor(op)
			frag, err := fragmentFor(d)
			if err != nil {
				return err
			}
			fmt.Fprintf(&b, "%s  case %s: %s break;\n", indent, mnemonic, frag)
		}
		fmt.Fprintf(&b, "%s  default: FAULT(ErrUnknownOpcode);\n", indent)
		fmt.Fprintf(&b, "%s}\n", indent)
		return nil
	}

	if img.TieredDecode {
		fmt.Fprintf(&b, "    // INNERTERPRETER_LAST_OPCODE tier: opcodes <= %s loop here\n", img.InnerterpreterLastOpcode)
		fmt.Fprintf(&b, "    inner: for (OPCODE(pc) <= %d) {\n", byte(img.InnerterpreterLastOpcode))
		if err := emitSwitch("      ", img.InnerterpreterLastOpcode, true); err != nil {
			return "", err
		}
		b.WriteString("      pc = next_pc(pc);\n")
		b.WriteString("    }\n")
	}

	if err := emitSwitch("    ", 0, false); err != nil {
		return "", err
	}
	b.WriteString("    pc = next_pc(pc);\n")
	b.WriteString("  }\n}\n")
	return b.String(), nil
}

// renderExtCallSwitch builds the global_func id dispatch switch
// (spec.md §4.2): each case names the literal native call expression
// in signature order. A void call site whose callee's actual return
// type (mod.ActualReturnTypes) is non-void still emits the coercion
// expression and discards it, matching emterpretify.py's
// make_target_call; this is ActualReturnTypes's only reader.
func renderExtCallSwitch(mod *Module, img *LinkedImage) (string, error) {
	var b strings.Builder
	b.WriteString("\nfunction EXTCALL_DISPATCH(id, params) {\n  switch (id) {\n")
	for id, key := range img.GlobalFuncList {
		declared := ReturnKind(0)
		if len(key.Sig) > 0 {
			declared = ReturnKind(key.Sig[0])
		}
		actual, hasActual := mod.ActualReturnTypes[key.Target]

		call := fmt.Sprintf("%s(%s)", key.Target, paramList(key.Sig))
		switch {
		case declared != ReturnVoid:
			fmt.Fprintf(&b, "    case %d: return coerce_%c(%s);\n", id, declared, call)
		case hasActual && actual != ReturnVoid:
			// Void call site, non-void native callee: still run the
			// coercion so side effects in the coercion path (e.g. an
			// asm.js `|0`) execute, then discard the value.
			fmt.Fprintf(&b, "    case %d: coerce_%c(%s); return;\n", id, actual, call)
		default:
			fmt.Fprintf(&b, "    case %d: %s; return;\n", id, call)
		}
	}
	b.WriteString("    default: FAULT(ErrUnknownExtCallID);\n  }\n}\n")
	return b.String(), nil
}

func paramList(sig string) string {
	if len(sig) <= 1 {
		return ""
	}
	params := make([]string, len(sig)-1)
	for i, tok := range sig[1:] {
		params[i] = fmt.Sprintf("arg_%d_%c", i, tok)
	}
	return strings.Join(params, ", ")
}

// renderGetGlobalSwitch and renderSetGlobalSwitch build the GETGLBI/
// SETGLBI id switches keyed by a global variable's dense id, matching
// emterpretify.py's generated global accessor tables.
func renderGetGlobalSwitch(globals []string) string {
	var b strings.Builder
	b.WriteString("\nfunction GETGLBI_DISPATCH(id) {\n  switch (id) {\n")
	for id, g := range globals {
		fmt.Fprintf(&b, "    case %d: return %s;\n", id, g)
	}
	b.WriteString("    default: FAULT(ErrUnknownGlobalID);\n  }\n}\n")
	return b.String()
}

func renderSetGlobalSwitch(globals []string) string {
	var b strings.Builder
	b.WriteString("\nfunction SETGLBI_DISPATCH(id, value) {\n  switch (id) {\n")
	for id, g := range globals {
		fmt.Fprintf(&b, "    case %d: %s = value; return;\n", id, g)
	}
	b.WriteString("    default: FAULT(ErrUnknownGlobalID);\n  }\n}\n")
	return b.String()
}
