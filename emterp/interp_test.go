package emterp

import "testing"

func linkAndInterp(t *testing.T, mod *Module, imports []NativeFunc) *Interp {
	img, err := Finalise(mod)
	assert(t, err == nil, "Finalise failed: %v", err)
	returnKinds := map[string]ReturnKind{}
	for _, fn := range mod.Functions {
		returnKinds[fn.Name] = fn.ReturnKind
	}
	return NewInterp(img, imports, returnKinds)
}

// Scenario 1: identity int function.
func TestIdentityIntFunction(t *testing.T) {
	mod := &Module{Functions: []SourceFunction{
		{Name: "id", Params: 1, Locals: 1, ZeroInitBound: 1, Variant: 0,
			Code:       []Instr{in(RET, 0, 0, 0)},
			ReturnKind: ReturnInt},
	}}
	ip := linkAndInterp(t, mod, nil)

	result, f := ip.Call("id", []Value{Int32Value(0x2A)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 0x2A, "id(0x2A) = %#x, want 0x2A", result.I)
}

// Scenario 2: add-constant.
func TestAddConstant(t *testing.T) {
	mod := &Module{Functions: []SourceFunction{
		{Name: "f", Params: 1, Locals: 2, ZeroInitBound: 2, Variant: 0,
			Code: []Instr{
				in(ADDV, 1, 0, 3),
				in(RET, 1, 0, 0),
			},
			ReturnKind: ReturnInt},
	}}
	ip := linkAndInterp(t, mod, nil)

	result, f := ip.Call("f", []Value{Int32Value(-2)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 1, "f(-2) = %d, want 1", result.I)
}

// branchInstr builds a fused-compare-free BR/BRT/BRF instruction whose
// displacement (in instruction words, relative to its own address) is
// packed into ly/lz the way BR/BRT/BRF read it back out of the upper
// 16 bits of the primary word.
func branchInstr(op Opcode, cond byte, disp int16) Instr {
	return Instr{Op: op, Lx: cond, Ly: byte(uint16(disp)), Lz: byte(uint16(disp) >> 8)}
}

// Scenario 3: branch backward (countdown loop terminates correctly).
func TestBranchBackwardCountdown(t *testing.T) {
	mod := &Module{Functions: []SourceFunction{
		{Name: "countdown", Params: 1, Locals: 2, ZeroInitBound: 2, Variant: 0,
			Code: []Instr{
				in(SUBV, 0, 0, 1),       // 0: r0 -= 1
				in(EQV, 1, 0, 0),        // 1: r1 = (r0 == 0)
				branchInstr(BRF, 1, -2), // 2: loop back to 0 while r1 == 0
				in(RET, 0, 0, 0),        // 3: pc lands here exactly when the branch is not taken
			},
			ReturnKind: ReturnInt},
	}}
	ip := linkAndInterp(t, mod, nil)

	result, f := ip.Call("countdown", []Value{Int32Value(3)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 0, "countdown(3) = %d, want 0", result.I)
}

// Scenario 3b: the same countdown program runs identically with the
// tiered inner decode loop enabled (spec.md §4.2's
// INNERTERPRETER_LAST_OPCODE): SUBV/EQV fall inside the inner tier,
// BRF falls outside it, so this exercises the hand-off between tiers
// on every loop iteration while Interp.step supplies identical
// semantics either way.
func TestBranchBackwardCountdownTieredDecode(t *testing.T) {
	mod := &Module{
		Functions: []SourceFunction{
			{Name: "countdown", Params: 1, Locals: 2, ZeroInitBound: 2, Variant: 0,
				Code: []Instr{
					in(SUBV, 0, 0, 1),
					in(EQV, 1, 0, 0),
					branchInstr(BRF, 1, -2),
					in(RET, 0, 0, 0),
				},
				ReturnKind: ReturnInt},
		},
		InnerterpreterLastOpcode: "EQV",
	}
	ip := linkAndInterp(t, mod, nil)
	assert(t, ip.Image.TieredDecode, "expected TieredDecode to be enabled")

	result, f := ip.Call("countdown", []Value{Int32Value(3)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 0, "countdown(3) = %d, want 0", result.I)
}

// Scenario 4: switch default (selector out of table bounds).
func TestSwitchDefault(t *testing.T) {
	mod := &Module{Functions: []SourceFunction{
		{Name: "sw", Params: 3, Locals: 4, ZeroInitBound: 4, Variant: 0,
			Code: []Instr{
				inExtra(SWITCH, 0, 1, 2, LitWord(0), LitWord(0), LitWord(0)),
				in(ADDV, 3, 1, 99), // default: r3 = r1 + 99
				in(RET, 3, 0, 0),
			},
			ReturnKind: ReturnInt},
	}}
	ip := linkAndInterp(t, mod, nil)

	result, f := ip.Call("sw", []Value{Int32Value(100), Int32Value(0), Int32Value(3)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 99, "switch default result = %d, want 99", result.I)
}

// Scenario 5: EXTCALL with a function-table target masks the dynamic
// index by the next power of two minus one of the table's length
// (5 entries -> mask 7) before the NativeFunc sees it.
func TestExtCallFunctionTableMasking(t *testing.T) {
	var gotIndex int32 = -1

	extCall := &ExtCallRef{Target: "FUNCTION_TABLE_ii", Sig: "i"}
	extraWords := append([]ExtraWord{}, PackParamBytes([]byte{0})...) // one extra operand byte: the index register

	mod := &Module{
		Functions: []SourceFunction{
			{Name: "dispatch", Params: 1, Locals: 1, ZeroInitBound: 1, Variant: 0,
				Code: []Instr{
					{Op: EXTCALL, Lx: 0, ExtCall: extCall, Extra: extraWords},
					in(RET, 0, 0, 0),
				},
				ReturnKind: ReturnInt},
		},
		FunctionTableSizes: map[string]int{"FUNCTION_TABLE_ii": 5},
	}

	imports := []NativeFunc{
		func(ip *Interp, args []Value) (Value, *Fault) {
			gotIndex = args[0].I
			return Int32Value(1), nil
		},
	}
	ip := linkAndInterp(t, mod, imports)

	_, f := ip.Call("dispatch", []Value{Int32Value(13)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, gotIndex == 13&7, "masked index = %d, want %d", gotIndex, 13&7)
}

// Scenario 5b: LNOTBRF branches to its target exactly when the tested
// register is truthy (emterpretify.py's "if (ly) { pc = target; ... }"
// for LNOTBRF, the opposite polarity of every other *BRF form).
func TestLNOTBRFBranchesWhenTruthy(t *testing.T) {
	mod := &Module{Functions: []SourceFunction{
		{Name: "f", Params: 1, Locals: 2, ZeroInitBound: 2, Variant: 0,
			Code: []Instr{
				inExtra(LNOTBRF, 0, 0, 0, LabelWord("base")), // 0-1: branch to base when r0 != 0
				in(ADDV, 1, 0, 100),                          // 2: fallthrough: r1 = r0 + 100
				in(RET, 1, 0, 0),                             // 3
				in(RET, 0, 0, 0),                             // 4 ("base")
			},
			AbsoluteTargets: map[string]int{"base": 24},
			ReturnKind:      ReturnInt},
	}}
	ip := linkAndInterp(t, mod, nil)

	result, f := ip.Call("f", []Value{Int32Value(0)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 100, "f(0) = %d, want 100 (no branch)", result.I)

	result, f = ip.Call("f", []Value{Int32Value(5)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 5, "f(5) = %d, want 5 (branch taken)", result.I)
}

// Scenario 6: nested INTCALL recursion to depth 16 must not overflow
// the default 1 MiB EMT stack, and must thread return values correctly
// through each nested call.
func TestNestedIntCallRecursion(t *testing.T) {
	// countdown(n): if n == 0 return 0; else return countdown(n-1) + 1.
	callExtra := append([]ExtraWord{FuncAddrWord("countdown")}, PackParamBytes([]byte{2})...)

	mod := &Module{
		Functions: []SourceFunction{
			{
				Name: "countdown", Params: 1, Locals: 3, ZeroInitBound: 3, Variant: 0,
				Code: []Instr{
					in(EQV, 1, 0, 0),           // 0: r1 = (r0 == 0)
					branchInstr(BRT, 1, 7),     // 1: skip to the base case (instr 8) when r0 == 0
					in(SUBV, 2, 0, 1),          // 2: r2 = r0 - 1
					{Op: INTCALL, Lx: 2, Extra: callExtra}, // 3-5: r2 = countdown(r2)
					in(ADDV, 2, 2, 1),          // 6: r2 += 1
					in(RET, 2, 0, 0),           // 7: return r2
					in(RET, 0, 0, 0),           // 8: base case, return 0
				},
				ReturnKind: ReturnInt,
			},
		},
	}
	ip := linkAndInterp(t, mod, nil)

	result, f := ip.Call("countdown", []Value{Int32Value(16)})
	assert(t, f == nil, "unexpected fault: %v", f)
	assert(t, result.I == 16, "countdown(16) = %d, want 16", result.I)
}
