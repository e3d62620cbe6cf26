package emterp

import "testing"

func TestRegisterRoundTrip(t *testing.T) {
	mem := make([]byte, RegisterBytes*4)

	WriteInt32(mem, 0, 2, -7)
	assert(t, ReadInt32(mem, 0, 2) == -7, "int32 round trip failed, got %d", ReadInt32(mem, 0, 2))

	WriteFloat64(mem, 0, 1, 3.5)
	assert(t, ReadFloat64(mem, 0, 1) == 3.5, "float64 round trip failed, got %v", ReadFloat64(mem, 0, 1))

	bits := Float32Bits(1.25)
	assert(t, ReadFloat32Bits(bits) == 1.25, "float32 bit round trip failed")
}

func TestInstrWordRoundTrip(t *testing.T) {
	word := encodeWord(ADD, 1, 2, 3)
	op, lx, ly, lz := instrWord(word)
	assert(t, op == ADD, "decoded opcode %s, want ADD", op)
	assert(t, lx == 1 && ly == 2 && lz == 3, "decoded operands %d,%d,%d, want 1,2,3", lx, ly, lz)
}

func TestWord32RoundTrip(t *testing.T) {
	mem := make([]byte, 8)
	writeWord32(mem, 4, 0xDEADBEEF)
	assert(t, readWord32(mem, 4) == 0xDEADBEEF, "word32 round trip failed, got %#x", readWord32(mem, 4))
}
