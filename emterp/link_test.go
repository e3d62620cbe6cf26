package emterp

import "testing"

func identityModule() *Module {
	return &Module{
		Functions: []SourceFunction{
			{
				Name: "id", Params: 1, Locals: 1, ZeroInitBound: 1, Variant: 0,
				Code:       []Instr{in(RET, 0, 0, 0)},
				ReturnKind: ReturnInt,
			},
		},
	}
}

func TestFinaliseDeterministic(t *testing.T) {
	img1, err := Finalise(identityModule())
	assert(t, err == nil, "first Finalise failed: %v", err)
	img2, err := Finalise(identityModule())
	assert(t, err == nil, "second Finalise failed: %v", err)

	assert(t, len(img1.Mem) == len(img2.Mem), "image lengths differ: %d vs %d", len(img1.Mem), len(img2.Mem))
	for i := range img1.Mem {
		assert(t, img1.Mem[i] == img2.Mem[i], "image byte %d differs: %d vs %d", i, img1.Mem[i], img2.Mem[i])
	}
	assert(t, img1.CodeStart == img2.CodeStart, "code_start differs between identical links")
}

func TestFuncHeaderRoundTrip(t *testing.T) {
	mod := identityModule()
	mod.Functions[0].Locals = 2
	mod.Functions[0].Params = 1
	mod.Functions[0].Variant = 1
	mod.Functions[0].ZeroInitBound = 2

	img, err := Finalise(mod)
	assert(t, err == nil, "Finalise failed: %v", err)

	off := img.FuncOffsets["id"]
	header := readWord32(img.Mem, off)
	op, locals, params, variant := instrWord(header)
	assert(t, op == FUNC, "expected FUNC header, got %s", op)
	assert(t, locals == 2, "locals = %d, want 2", locals)
	assert(t, params == 1, "params = %d, want 1", params)
	assert(t, variant == 1, "variant = %d, want 1", variant)
}

func TestStaticBumpPadding(t *testing.T) {
	mod := identityModule()
	mod.MemInit = []byte{1, 2, 3}
	mod.StaticBump = 16

	img, err := Finalise(mod)
	assert(t, err == nil, "Finalise failed: %v", err)
	assert(t, img.CodeStart >= GlobalBase+16, "code_start %d did not account for static bump padding", img.CodeStart)
	assert(t, img.Mem[0] == 1 && img.Mem[1] == 2 && img.Mem[2] == 3, "mem-init prefix not preserved")
}

func TestFinaliseRejectsUnknownBlacklistEntry(t *testing.T) {
	mod := identityModule()
	mod.Blacklist = []string{"nonexistent"}
	_, err := Finalise(mod)
	assert(t, err != nil, "expected an error for an unknown blacklist entry")
}

func TestFinaliseResolvesInnerterpreterLastOpcode(t *testing.T) {
	mod := identityModule()
	mod.InnerterpreterLastOpcode = "EQV"
	img, err := Finalise(mod)
	assert(t, err == nil, "Finalise failed: %v", err)
	assert(t, img.TieredDecode, "expected TieredDecode to be enabled")
	assert(t, img.InnerterpreterLastOpcode == EQV, "got cutoff %s, want EQV", img.InnerterpreterLastOpcode)
}

func TestFinaliseRejectsUnknownInnerterpreterLastOpcode(t *testing.T) {
	mod := identityModule()
	mod.InnerterpreterLastOpcode = "NOT_AN_OPCODE"
	_, err := Finalise(mod)
	assert(t, err != nil, "expected an error for an unknown InnerterpreterLastOpcode mnemonic")
}

func TestFinaliseDefaultsToNoTieredDecode(t *testing.T) {
	img, err := Finalise(identityModule())
	assert(t, err == nil, "Finalise failed: %v", err)
	assert(t, !img.TieredDecode, "expected TieredDecode disabled when Module.InnerterpreterLastOpcode is empty")
}
