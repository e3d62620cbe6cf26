package emterp

import (
	"fmt"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	if !cond {
		t.Fatalf(fmt.Sprintf("%v %s", cond, format), args...)
	}
}

func in(op Opcode, lx, ly, lz byte) Instr {
	return Instr{Op: op, Lx: lx, Ly: ly, Lz: lz}
}

func inExtra(op Opcode, lx, ly, lz byte, extra ...ExtraWord) Instr {
	i := in(op, lx, ly, lz)
	i.Extra = extra
	return i
}
