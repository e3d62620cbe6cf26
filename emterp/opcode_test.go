package emterp

import "testing"

func TestOpcodeTableUnique(t *testing.T) {
	assert(t, int(numOpcodes) < 256, "opcode table has %d entries, must be < 256", numOpcodes)

	seen := map[string]bool{}
	for _, name := range OpcodeTable {
		assert(t, !seen[name], "duplicate mnemonic %q", name)
		seen[name] = true
	}
}

func TestLookupOpcodeRoundTrip(t *testing.T) {
	for code, name := range OpcodeTable {
		op, ok := LookupOpcode(name)
		assert(t, ok, "LookupOpcode(%q) not found", name)
		assert(t, int(op) == code, "LookupOpcode(%q) = %d, want %d", name, op, code)
		assert(t, op.String() == name, "Opcode(%d).String() = %q, want %q", code, op.String(), name)
	}
}

func TestGETGLBDDisabled(t *testing.T) {
	assert(t, GETGLBD.IsDisabled(), "GETGLBD must be flagged disabled")
	assert(t, !ADD.IsDisabled(), "ADD must not be flagged disabled")
}

func TestPermuteRoundTrip(t *testing.T) {
	seed := make([]int, numOpcodes)
	for i := range seed {
		seed[i] = int(numOpcodes) - 1 - i
	}
	permuted := Permute(seed)
	assert(t, permuted[0] == OpcodeTable[numOpcodes-1], "permute did not reorder first entry")
	assert(t, permuted[numOpcodes-1] == OpcodeTable[0], "permute did not reorder last entry")

	seen := map[string]bool{}
	for _, name := range permuted {
		assert(t, !seen[name], "permute produced duplicate mnemonic %q", name)
		seen[name] = true
	}
}
