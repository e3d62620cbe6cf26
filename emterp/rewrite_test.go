package emterp

import "testing"

func rewriteTestModule() *Module {
	return &Module{
		Functions: []SourceFunction{
			{Name: "interpretedFn", Params: 0, Locals: 1, ZeroInitBound: 1, Variant: 0,
				Code: []Instr{in(RET, 0, 0, 0)}, ReturnKind: ReturnInt},
			{Name: "dynCall_vi", Params: 1, Locals: 1, ZeroInitBound: 1, Variant: 0,
				Code: []Instr{in(RET, 0, 0, 0)}, ReturnKind: ReturnVoid},
		},
		NativeSources: map[string]string{
			"caller": "function caller() { return (EMTERPRETER_interpretedFn)(); }",
		},
		TableFuncs: []string{"interpretedFn"},
	}
}

func TestResolveBlacklistMergesDefaultAndExtra(t *testing.T) {
	mod := rewriteTestModule()
	mod.NativeSources["_malloc"] = "native"
	mod.Blacklist = []string{}

	list, err := ResolveBlacklist(mod, nil)
	assert(t, err == nil, "ResolveBlacklist failed: %v", err)

	found := false
	for _, name := range list {
		if name == "_malloc" {
			found = true
		}
	}
	assert(t, found, "expected default blacklist entry _malloc to survive merge")
}

func TestResolveBlacklistRejectsUnknownExtra(t *testing.T) {
	mod := rewriteTestModule()
	_, err := ResolveBlacklist(mod, []string{"nope"})
	assert(t, err != nil, "expected an error for an unknown extra blacklist entry")
}

func TestSelectForInterpretationExcludesDynCall(t *testing.T) {
	mod := rewriteTestModule()
	blacklist, err := ResolveBlacklist(mod, nil)
	assert(t, err == nil, "ResolveBlacklist failed: %v", err)

	dropped := SelectForInterpretation(mod, blacklist)
	assert(t, len(mod.Functions) == 1, "expected 1 interpreted function left, got %d", len(mod.Functions))
	assert(t, mod.Functions[0].Name == "interpretedFn", "wrong function kept: %s", mod.Functions[0].Name)

	foundDyn := false
	for _, name := range dropped {
		if name == "dynCall_vi" {
			foundDyn = true
		}
	}
	assert(t, foundDyn, "expected dynCall_vi to be excluded from interpretation")
}

func TestExternallyReachable(t *testing.T) {
	mod := rewriteTestModule()
	reachable := ExternallyReachable(mod)
	assert(t, reachable["interpretedFn"], "interpretedFn should be externally reachable (table func)")
	assert(t, !reachable["dynCall_vi"], "dynCall_vi should not register as reachable")
}

func TestSubstituteCallSites(t *testing.T) {
	mod := rewriteTestModule()
	img, err := Finalise(mod)
	assert(t, err == nil, "Finalise failed: %v", err)

	rewritten, err := SubstituteCallSites(img, mod.NativeSources)
	assert(t, err == nil, "SubstituteCallSites failed: %v", err)

	addr := img.FuncOffsets["interpretedFn"]
	want := "function caller() { return (" + itoa(addr) + ")(); }"
	assert(t, rewritten["caller"] == want, "rewritten call site = %q, want %q", rewritten["caller"], want)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func TestStackConstants(t *testing.T) {
	mod := rewriteTestModule()
	img, err := Finalise(mod)
	assert(t, err == nil, "Finalise failed: %v", err)

	text := StackConstants(img)
	assert(t, len(text) > 0, "expected non-empty stack constants declaration")
}
