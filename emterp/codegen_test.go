package emterp

import (
	"strings"
	"testing"
)

func TestRenderInstrRegisters(t *testing.T) {
	line, err := renderInstr(in(ADD, 1, 2, 3))
	assert(t, err == nil, "renderInstr failed: %v", err)
	assert(t, line == "ADD r1, r2, r3", "got %q", line)
}

func TestRenderInstrImmediate8(t *testing.T) {
	line, err := renderInstr(in(ADDV, 0, 1, 5))
	assert(t, err == nil, "renderInstr failed: %v", err)
	assert(t, line == "ADDV r0, r1, #5", "got %q", line)
}

func TestRenderInstrBranchRel(t *testing.T) {
	line, err := renderInstr(branchInstr(BRF, 1, -2))
	assert(t, err == nil, "renderInstr failed: %v", err)
	assert(t, strings.HasPrefix(line, "BRF "), "got %q", line)
	assert(t, strings.Contains(line, "-> rel"), "got %q", line)
}

func TestRenderInstrSwitch(t *testing.T) {
	line, err := renderInstr(inExtra(SWITCH, 0, 1, 2, LitWord(0), LitWord(0), LitWord(0)))
	assert(t, err == nil, "renderInstr failed: %v", err)
	assert(t, line == "SWITCH r0 [base=1, span=2]", "got %q", line)
}

func TestRenderInstrCallTarget(t *testing.T) {
	extCall := &ExtCallRef{Target: "FUNCTION_TABLE_ii", Sig: "i"}
	line, err := renderInstr(Instr{Op: EXTCALL, Lx: 0, ExtCall: extCall})
	assert(t, err == nil, "renderInstr failed: %v", err)
	assert(t, line == "EXTCALL -> FUNCTION_TABLE_ii", "got %q", line)
}

func TestRenderInstrGlobal(t *testing.T) {
	instr := Instr{Op: GETGLBI, Lx: 0, Ly: 1, Global: "myGlobal"}
	line, err := renderInstr(instr)
	assert(t, err == nil, "renderInstr failed: %v", err)
	assert(t, line == "GETGLBI r1, global[myGlobal]", "got %q", line)
}

func TestRenderInstrSpecial(t *testing.T) {
	line, err := renderInstr(in(RET, 7, 0, 0))
	assert(t, err == nil, "renderInstr failed: %v", err)
	assert(t, line == "RET lx=7 ly=0 lz=0", "got %q", line)
}

func TestDisassembleFunction(t *testing.T) {
	fn := &SourceFunction{
		Name: "id", Params: 1, Locals: 1, ZeroInitBound: 1, Variant: 0,
		Code:       []Instr{in(RET, 0, 0, 0)},
		ReturnKind: ReturnInt,
	}
	text, err := Disassemble(fn)
	assert(t, err == nil, "Disassemble failed: %v", err)
	assert(t, strings.Contains(text, "FUNC id(locals=1, params=1, variant=0, zeroBound=1)"),
		"missing header line in %q", text)
	assert(t, strings.Contains(text, "RET lx=0 ly=0 lz=0"), "missing RET line in %q", text)
}

func TestFragmentForLNOTNotInverted(t *testing.T) {
	// Regression for the LNOTBRF/LNOTBRT fused-branch inversion: the
	// generated condition must read "== 0" (branch when ly is falsy
	// negated, i.e. when ly itself is truthy for LNOTBRF) exactly the
	// way evalFusedCompare (interp.go) evaluates it.
	frag, err := fragmentFor(DescriptorFor(LNOTBRF))
	assert(t, err == nil, "fragmentFor failed: %v", err)
	assert(t, strings.Contains(frag, "r[ly].i32 == 0"), "got %q", frag)
}

func TestFragmentForDivOpsCheckZero(t *testing.T) {
	frag, err := fragmentFor(DescriptorFor(SDIV))
	assert(t, err == nil, "fragmentFor failed: %v", err)
	assert(t, strings.Contains(frag, "ErrDivideByZero"), "missing zero check in %q", frag)
}

func TestFragmentForImmediateVariantReusesBase(t *testing.T) {
	frag, err := fragmentFor(DescriptorFor(ADDV))
	assert(t, err == nil, "fragmentFor failed: %v", err)
	assert(t, strings.Contains(frag, "imm8"), "got %q", frag)
	assert(t, !strings.Contains(frag, "r[lz]"), "ADDV fragment still names a register operand: %q", frag)
}

func TestFragmentForGETGLBDDisabled(t *testing.T) {
	_, err := fragmentFor(DescriptorFor(GETGLBD))
	assert(t, err != nil, "expected GETGLBD to have no fragment")
}

func TestGenerateInterpreterEmitsBothProcedures(t *testing.T) {
	mod := &Module{}
	img := &LinkedImage{}
	src, err := GenerateInterpreter(mod, img)
	assert(t, err == nil, "GenerateInterpreter failed: %v", err)
	assert(t, strings.Contains(src, "function emterpret("), "missing emterpret in %q", src)
	assert(t, strings.Contains(src, "function emterpret_z("), "missing emterpret_z in %q", src)
	assert(t, strings.Contains(src, "case ADD:"), "missing ADD case in %q", src)
}

func TestGenerateInterpreterTieredLoop(t *testing.T) {
	mod := &Module{}
	img := &LinkedImage{TieredDecode: true, InnerterpreterLastOpcode: SLE}
	src, err := GenerateInterpreter(mod, img)
	assert(t, err == nil, "GenerateInterpreter failed: %v", err)
	assert(t, strings.Contains(src, "INNERTERPRETER_LAST_OPCODE"), "missing tiered loop marker in %q", src)
}

func TestGenerateInterpreterEXTCALLCoercesEvenWhenVoidDiscarded(t *testing.T) {
	mod := &Module{
		ActualReturnTypes: map[string]ReturnKind{"helper": ReturnInt},
	}
	img := &LinkedImage{
		GlobalFuncList: []extCallKey{{Target: "helper", Sig: "v"}},
	}
	src, err := GenerateInterpreter(mod, img)
	assert(t, err == nil, "GenerateInterpreter failed: %v", err)
	assert(t, strings.Contains(src, "coerce_i(helper())"), "void call site did not coerce actual int return: %q", src)
}

func TestGenerateInterpreterGlobalSwitches(t *testing.T) {
	mod := &Module{}
	img := &LinkedImage{GlobalVarList: []string{"counter"}}
	src, err := GenerateInterpreter(mod, img)
	assert(t, err == nil, "GenerateInterpreter failed: %v", err)
	assert(t, strings.Contains(src, "function GETGLBI_DISPATCH(id)"), "missing GETGLBI switch in %q", src)
	assert(t, strings.Contains(src, "function SETGLBI_DISPATCH(id, value)"), "missing SETGLBI switch in %q", src)
	assert(t, strings.Contains(src, "counter"), "missing global name in %q", src)
}

func TestDisassembleModuleSeparatesFunctions(t *testing.T) {
	mod := &Module{
		Functions: []SourceFunction{
			{Name: "a", Params: 0, Locals: 1, ZeroInitBound: 1, Variant: 0,
				Code: []Instr{in(RET, 0, 0, 0)}, ReturnKind: ReturnVoid},
			{Name: "b", Params: 0, Locals: 1, ZeroInitBound: 1, Variant: 0,
				Code: []Instr{in(RET, 0, 0, 0)}, ReturnKind: ReturnVoid},
		},
	}
	text, err := DisassembleModule(mod)
	assert(t, err == nil, "DisassembleModule failed: %v", err)
	assert(t, strings.Contains(text, "FUNC a("), "missing function a in %q", text)
	assert(t, strings.Contains(text, "FUNC b("), "missing function b in %q", text)
}
