package emterp

import (
	"fmt"
	"math"
)

// Fault is a fatal runtime error raised during Call: an unknown
// opcode, an unknown EXTCALL/global id, interpreter-stack overflow, or
// division by zero (spec.md §5, §7). Unlike the teacher's outermost
// recover() (vm.go's run loop), Fault is a typed return value rather
// than a panic: EXTCALL can call back into the interpreter through a
// NativeFunc, and unwinding a panic through that native frame would
// lose which nested call actually failed.
type Fault struct {
	Err  error
	PC   uint32
	Func string
	Op   Opcode
}

func (f *Fault) Error() string {
	if f.Func != "" {
		return fmt.Sprintf("emterp: %v (func %s, pc %#x, op %s)", f.Err, f.Func, f.PC, f.Op)
	}
	return fmt.Sprintf("emterp: %v (pc %#x, op %s)", f.Err, f.PC, f.Op)
}

func (f *Fault) Unwrap() error { return f.Err }

func fault(err error, pc uint32, op Opcode) *Fault {
	return &Fault{Err: err, PC: pc, Op: op}
}

// Value is a register-width result passed across an EXTCALL/Call
// boundary: exactly one of I or D is meaningful, selected by Kind.
type Value struct {
	Kind ReturnKind
	I    int32
	D    float64
}

func Int32Value(v int32) Value     { return Value{Kind: ReturnInt, I: v} }
func Float64Value(v float64) Value { return Value{Kind: ReturnDouble, D: v} }

// NativeFunc is a host import an EXTCALL dispatches to. args has one
// entry per parameter in the call's signature, in order; for a
// FUNCTION_TABLE_ target, args[0] is the dynamic table index, already
// masked by the table's size (see EXTCALL below), and the callee owns
// resolving that index against the table's actual contents (this port
// does not model what a function table holds, only the calling
// convention and index-masking that reach it).
type NativeFunc func(ip *Interp, args []Value) (Value, *Fault)

// Interp executes a LinkedImage. It holds everything that is not part
// of the addressable memory image: the EXTCALL import table, the
// global-variable backing store, and the handful of host-glue scalars
// (tempRet0, tempDoublePtr, the native stack-top alias) the original
// runtime exposed as ambient globals.
type Interp struct {
	Mem   []byte
	Image *LinkedImage

	// Imports is indexed the same way as Image.GlobalFuncList: one
	// handler per interned (target, sig) pair.
	Imports []NativeFunc

	// ReturnKinds records each interpreted function's declared return
	// kind, consulted by Call's top-level entry point to decode the
	// 8-byte return payload (an INTCALL needs no kind: it copies the
	// whole payload into its destination register).
	ReturnKinds map[string]ReturnKind

	Globals []byte // RegisterBytes per interned global id

	EMTStackTop    uint32
	TempRet0       int32
	TempDoublePtr  uint32
	NativeStackTop uint32

	depth    int
	MaxDepth int // default 512; guards both frame variants against runaway recursion
}

// NewInterp builds an Interp ready to run img. imports must align with
// img.GlobalFuncList: imports[i] handles the i-th interned EXTCALL target.
func NewInterp(img *LinkedImage, imports []NativeFunc, returnKinds map[string]ReturnKind) *Interp {
	return &Interp{
		Mem:           img.Mem,
		Image:         img,
		Imports:       imports,
		ReturnKinds:   returnKinds,
		Globals:       make([]byte, len(img.GlobalVarList)*RegisterBytes),
		EMTStackTop:   img.StackTop,
		TempDoublePtr: uint32(len(img.Mem)) - RegisterBytes,
		MaxDepth:      512,
	}
}

// Call invokes an interpreted function by name from outside any
// existing frame, mirroring INTCALL's dual param-copy-then-dispatch
// pattern (writing arguments to both possible frame bases) so the
// callee runs correctly whichever variant it turns out to be.
func (ip *Interp) Call(name string, args []Value) (Value, *Fault) {
	off, ok := ip.Image.FuncOffsets[name]
	if !ok {
		return Value{}, &Fault{Err: ErrNotAFunction, Func: name}
	}
	header := readWord32(ip.Mem, off)
	_, locals, params, variant := instrWord(header)

	if int(params) != len(args) {
		return Value{}, &Fault{Err: fmt.Errorf("emterp: %s expects %d params, got %d", name, params, len(args)), Func: name}
	}
	if ip.EMTStackTop+RegisterBytes > ip.Image.StackTop+EMTStackMax {
		return Value{}, &Fault{Err: ErrStackOverflow, Func: name}
	}

	for i, arg := range args {
		writeArg(ip.Mem, ip.EMTStackTop, uint32(i), arg)
		writeArg(ip.Mem, 0, uint32(i), arg)
	}

	lo, hi, f := ip.invoke(off, int(locals), variant != 0)
	if f != nil {
		f.Func = name
		return Value{}, f
	}
	return decodeReturn(ip.ReturnKinds[name], lo, hi), nil
}

func writeArg(mem []byte, base, reg uint32, v Value) {
	if v.Kind == ReturnDouble || v.Kind == ReturnFloat {
		WriteFloat64(mem, base, reg, v.D)
	} else {
		WriteInt32(mem, base, reg, v.I)
	}
}

func decodeReturn(kind ReturnKind, lo, hi uint32) Value {
	if kind == ReturnDouble || kind == ReturnFloat {
		return Float64Value(math.Float64frombits(uint64(lo) | uint64(hi)<<32))
	}
	return Int32Value(int32(lo))
}

// invoke runs one frame starting at a FUNC header and returns the raw
// 8-byte return molecule (HEAP32[EMTSTACKTOP], HEAP32[EMTSTACKTOP+4])
// RET leaves behind. It implements both interpreter variants
// (emterpret/emterpret_z) as a single function distinguished by the
// zero flag, rather than emterpretify.py's two generated near-duplicates.
func (ip *Interp) invoke(headerAddr uint32, locals int, zero bool) (lo, hi uint32, f *Fault) {
	ip.depth++
	defer func() { ip.depth-- }()
	if ip.depth > ip.MaxDepth {
		return 0, 0, fault(ErrStackOverflow, headerAddr, FUNC)
	}

	var base uint32
	if zero {
		base = 0
	} else {
		base = ip.EMTStackTop
		ip.EMTStackTop += uint32(locals) * RegisterBytes
		if ip.EMTStackTop > ip.Image.StackTop+EMTStackMax {
			return 0, 0, fault(ErrStackOverflow, headerAddr, FUNC)
		}
	}

	header := readWord32(ip.Mem, headerAddr)
	headerOp, _, paramsStart, _ := instrWord(header)
	if headerAddr%4 != 0 || headerOp != FUNC {
		return 0, 0, fault(ErrNotAFunction, headerAddr, headerOp)
	}
	zeroBound := byte(readWord32(ip.Mem, headerAddr+4))
	for r := uint32(paramsStart); r < uint32(zeroBound); r++ {
		WriteFloat64(ip.Mem, base, r, 0)
	}

	pc := headerAddr + 8
	for {
		// Tiered decode (spec.md §4.2's INNERTERPRETER_LAST_OPCODE): while
		// the opcode at pc stays at or below the configured cutoff, loop
		// here instead of falling through to the full dispatch below. Both
		// tiers call the same step, so opcode semantics never drift
		// between them (see step's doc comment for why this collapses the
		// generator's two independent switches into one).
		if ip.Image.TieredDecode {
			for Opcode(ip.Mem[pc]) <= ip.Image.InnerterpreterLastOpcode {
				nextPC, lo, hi, done, sf := ip.step(pc, base, zero)
				if sf != nil {
					return 0, 0, sf
				}
				if done {
					return lo, hi, nil
				}
				pc = nextPC
			}
		}

		nextPC, lo, hi, done, sf := ip.step(pc, base, zero)
		if sf != nil {
			return 0, 0, sf
		}
		if done {
			return lo, hi, nil
		}
		pc = nextPC
	}
}

// step decodes and executes the single instruction at pc, reporting
// either the next pc, the 8-byte return molecule with done=true (RET),
// or a fault. invoke's tiered inner loop and its outer loop both call
// step so that tiering only changes which loop re-checks pc between
// instructions, never the semantics executed for a given opcode. The
// generated interpreter's rationale for two separately emitted
// switches is V8 register pressure on the hot path, a concern that
// doesn't transfer to a Go switch (it lowers to a jump table
// regardless of which source-level switch statement contains it), so
// this port keeps one dispatch instead of two copies that could drift.
func (ip *Interp) step(pc, base uint32, zero bool) (nextPC, lo, hi uint32, done bool, f *Fault) {
	word := readWord32(ip.Mem, pc)
	op, lx, ly, lz := instrWord(word)
	nextPC = pc + 4

	switch op {
	case RET:
		if !zero {
			ip.EMTStackTop = base
		}
		copy(ip.Mem[ip.EMTStackTop:ip.EMTStackTop+RegisterBytes], regSlice(ip.Mem, base, uint32(lx)))
		return 0, readWord32(ip.Mem, ip.EMTStackTop), readWord32(ip.Mem, ip.EMTStackTop+4), true, nil

	case SET:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly)))
		case SETVI:
			WriteInt32(ip.Mem, base, uint32(lx), int32(int16(word>>16)))
		case SETVIB:
			WriteInt32(ip.Mem, base, uint32(lx), int32(readWord32(ip.Mem, pc+4)))
			nextPC = pc + 8

		case GETST:
			WriteUint32(ip.Mem, base, uint32(lx), ip.NativeStackTop)
		case SETST:
			ip.NativeStackTop = ReadUint32(ip.Mem, base, uint32(lx))

		case ADD:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))+ReadInt32(ip.Mem, base, uint32(lz)))
		case SUB:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))-ReadInt32(ip.Mem, base, uint32(lz)))
		case MUL:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))*ReadInt32(ip.Mem, base, uint32(lz)))
		case SDIV:
			d := ReadInt32(ip.Mem, base, uint32(lz))
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))/d)
		case UDIV:
			d := ReadUint32(ip.Mem, base, uint32(lz))
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteUint32(ip.Mem, base, uint32(lx), ReadUint32(ip.Mem, base, uint32(ly))/d)
		case SMOD:
			d := ReadInt32(ip.Mem, base, uint32(lz))
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))%d)
		case UMOD:
			d := ReadUint32(ip.Mem, base, uint32(lz))
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteUint32(ip.Mem, base, uint32(lx), ReadUint32(ip.Mem, base, uint32(ly))%d)
		case NEG:
			WriteInt32(ip.Mem, base, uint32(lx), -ReadInt32(ip.Mem, base, uint32(ly)))
		case BNOT:
			WriteInt32(ip.Mem, base, uint32(lx), ^ReadInt32(ip.Mem, base, uint32(ly)))

		case LNOT:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) == 0))
		case EQ:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) == ReadInt32(ip.Mem, base, uint32(lz))))
		case NE:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) != ReadInt32(ip.Mem, base, uint32(lz))))
		case SLT:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) < ReadInt32(ip.Mem, base, uint32(lz))))
		case ULT:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadUint32(ip.Mem, base, uint32(ly)) < ReadUint32(ip.Mem, base, uint32(lz))))
		case SLE:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) <= ReadInt32(ip.Mem, base, uint32(lz))))
		case ULE:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadUint32(ip.Mem, base, uint32(ly)) <= ReadUint32(ip.Mem, base, uint32(lz))))

		case AND:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))&ReadInt32(ip.Mem, base, uint32(lz)))
		case OR:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))|ReadInt32(ip.Mem, base, uint32(lz)))
		case XOR:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))^ReadInt32(ip.Mem, base, uint32(lz)))
		case SHL:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))<<(uint32(ReadInt32(ip.Mem, base, uint32(lz)))&31))
		case ASHR:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))>>(uint32(ReadInt32(ip.Mem, base, uint32(lz)))&31))
		case LSHR:
			WriteUint32(ip.Mem, base, uint32(lx), ReadUint32(ip.Mem, base, uint32(ly))>>(uint32(ReadInt32(ip.Mem, base, uint32(lz)))&31))

		// *V: lz carries an immediate instead of naming a register. The
		// signed families sign-extend lz as a byte; the unsigned
		// families (UDIVV/UMODV/ULTV/ULEV) zero-extend it instead.
		case ADDV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))+int32(int8(lz)))
		case SUBV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))-int32(int8(lz)))
		case MULV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))*int32(int8(lz)))
		case SDIVV:
			d := int32(int8(lz))
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))/d)
		case UDIVV:
			d := uint32(lz)
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteUint32(ip.Mem, base, uint32(lx), ReadUint32(ip.Mem, base, uint32(ly))/d)
		case SMODV:
			d := int32(int8(lz))
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))%d)
		case UMODV:
			d := uint32(lz)
			if d == 0 {
				return 0, 0, 0, false, fault(ErrDivideByZero, pc, op)
			}
			WriteUint32(ip.Mem, base, uint32(lx), ReadUint32(ip.Mem, base, uint32(ly))%d)
		case EQV:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) == int32(int8(lz))))
		case NEV:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) != int32(int8(lz))))
		case SLTV:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) < int32(int8(lz))))
		case ULTV:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadUint32(ip.Mem, base, uint32(ly)) < uint32(lz)))
		case SLEV:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadInt32(ip.Mem, base, uint32(ly)) <= int32(int8(lz))))
		case ULEV:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadUint32(ip.Mem, base, uint32(ly)) <= uint32(lz)))
		case ANDV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))&int32(int8(lz)))
		case ORV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))|int32(int8(lz)))
		case XORV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))^int32(int8(lz)))
		case SHLV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))<<(uint32(lz)&31))
		case ASHRV:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(ly))>>(uint32(lz)&31))
		case LSHRV:
			WriteUint32(ip.Mem, base, uint32(lx), ReadUint32(ip.Mem, base, uint32(ly))>>(uint32(lz)&31))

		// Fused compare+absolute-branch opcodes: ly/lz are the compared
		// registers (the LNOT* forms only use ly); lx is unused. "BRF"
		// branches when the named condition is false, "BRT" when true;
		// the other outcome skips past the trailing target word.
		case LNOTBRF, LNOTBRT, EQBRF, EQBRT, NEBRF, NEBRT, SLTBRF, SLTBRT,
			ULTBRF, ULTBRT, SLEBRF, SLEBRT, ULEBRF, ULEBRT:
			cond := evalFusedCompare(ip.Mem, base, op, ly, lz)
			wantBranch := op == LNOTBRT || op == EQBRT || op == NEBRT || op == SLTBRT ||
				op == ULTBRT || op == SLEBRT || op == ULEBRT
			if cond == wantBranch {
				nextPC = readWord32(ip.Mem, pc+4)
			} else {
				nextPC = pc + 8
			}

		case SETD:
			WriteFloat64(ip.Mem, base, uint32(lx), ReadFloat64(ip.Mem, base, uint32(ly)))
		case SETVD:
			WriteFloat64(ip.Mem, base, uint32(lx), float64(int16(word>>16)))
		case SETVDI:
			WriteFloat64(ip.Mem, base, uint32(lx), float64(int32(readWord32(ip.Mem, pc+4))))
			nextPC = pc + 8
		case SETVDF:
			WriteFloat64(ip.Mem, base, uint32(lx), float64(ReadFloat32Bits(readWord32(ip.Mem, pc+4))))
			nextPC = pc + 8
		case SETVDD:
			bits := uint64(readWord32(ip.Mem, pc+4)) | uint64(readWord32(ip.Mem, pc+8))<<32
			WriteFloat64(ip.Mem, base, uint32(lx), math.Float64frombits(bits))
			nextPC = pc + 12
		case ADDD:
			WriteFloat64(ip.Mem, base, uint32(lx), ReadFloat64(ip.Mem, base, uint32(ly))+ReadFloat64(ip.Mem, base, uint32(lz)))
		case SUBD:
			WriteFloat64(ip.Mem, base, uint32(lx), ReadFloat64(ip.Mem, base, uint32(ly))-ReadFloat64(ip.Mem, base, uint32(lz)))
		case MULD:
			WriteFloat64(ip.Mem, base, uint32(lx), ReadFloat64(ip.Mem, base, uint32(ly))*ReadFloat64(ip.Mem, base, uint32(lz)))
		case DIVD:
			WriteFloat64(ip.Mem, base, uint32(lx), ReadFloat64(ip.Mem, base, uint32(ly))/ReadFloat64(ip.Mem, base, uint32(lz)))
		case MODD:
			WriteFloat64(ip.Mem, base, uint32(lx), math.Mod(ReadFloat64(ip.Mem, base, uint32(ly)), ReadFloat64(ip.Mem, base, uint32(lz))))
		case NEGD:
			WriteFloat64(ip.Mem, base, uint32(lx), -ReadFloat64(ip.Mem, base, uint32(ly)))
		case EQD:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadFloat64(ip.Mem, base, uint32(ly)) == ReadFloat64(ip.Mem, base, uint32(lz))))
		case NED:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadFloat64(ip.Mem, base, uint32(ly)) != ReadFloat64(ip.Mem, base, uint32(lz))))
		case LTD:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadFloat64(ip.Mem, base, uint32(ly)) < ReadFloat64(ip.Mem, base, uint32(lz))))
		case LED:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadFloat64(ip.Mem, base, uint32(ly)) <= ReadFloat64(ip.Mem, base, uint32(lz))))
		case GTD:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadFloat64(ip.Mem, base, uint32(ly)) > ReadFloat64(ip.Mem, base, uint32(lz))))
		case GED:
			WriteInt32(ip.Mem, base, uint32(lx), boolInt(ReadFloat64(ip.Mem, base, uint32(ly)) >= ReadFloat64(ip.Mem, base, uint32(lz))))
		case D2I:
			WriteInt32(ip.Mem, base, uint32(lx), int32(ReadFloat64(ip.Mem, base, uint32(ly))))
		case SI2D:
			WriteFloat64(ip.Mem, base, uint32(lx), float64(ReadInt32(ip.Mem, base, uint32(ly))))
		case UI2D:
			WriteFloat64(ip.Mem, base, uint32(lx), float64(ReadUint32(ip.Mem, base, uint32(ly))))

		case LOAD8:
			WriteInt32(ip.Mem, base, uint32(lx), int32(int8(ip.Mem[ReadUint32(ip.Mem, base, uint32(ly))])))
		case LOADU8:
			WriteInt32(ip.Mem, base, uint32(lx), int32(ip.Mem[ReadUint32(ip.Mem, base, uint32(ly))]))
		case LOAD16:
			WriteInt32(ip.Mem, base, uint32(lx), int32(int16(readWord16(ip.Mem, ReadUint32(ip.Mem, base, uint32(ly))))))
		case LOADU16:
			WriteInt32(ip.Mem, base, uint32(lx), int32(readWord16(ip.Mem, ReadUint32(ip.Mem, base, uint32(ly)))))
		case LOAD32:
			WriteInt32(ip.Mem, base, uint32(lx), int32(readWord32(ip.Mem, ReadUint32(ip.Mem, base, uint32(ly)))))
		case STORE8:
			ip.Mem[ReadUint32(ip.Mem, base, uint32(lx))] = byte(ReadInt32(ip.Mem, base, uint32(ly)))
		case STORE16:
			writeWord16(ip.Mem, ReadUint32(ip.Mem, base, uint32(lx)), uint16(ReadInt32(ip.Mem, base, uint32(ly))))
		case STORE32:
			writeWord32(ip.Mem, ReadUint32(ip.Mem, base, uint32(lx)), ReadUint32(ip.Mem, base, uint32(ly)))
		case LOADF64:
			WriteFloat64(ip.Mem, base, uint32(lx), math.Float64frombits(readWord64(ip.Mem, ReadUint32(ip.Mem, base, uint32(ly)))))
		case STOREF64:
			writeWord64(ip.Mem, ReadUint32(ip.Mem, base, uint32(lx)), math.Float64bits(ReadFloat64(ip.Mem, base, uint32(ly))))
		case LOADF32:
			WriteFloat64(ip.Mem, base, uint32(lx), float64(ReadFloat32Bits(readWord32(ip.Mem, ReadUint32(ip.Mem, base, uint32(ly))))))
		case STOREF32:
			writeWord32(ip.Mem, ReadUint32(ip.Mem, base, uint32(lx)), Float32Bits(float32(ReadFloat64(ip.Mem, base, uint32(ly)))))

		case LOAD8A:
			addr := ReadUint32(ip.Mem, base, uint32(ly)) + ReadUint32(ip.Mem, base, uint32(lz))
			WriteInt32(ip.Mem, base, uint32(lx), int32(int8(ip.Mem[addr])))
		case LOADU8A:
			addr := ReadUint32(ip.Mem, base, uint32(ly)) + ReadUint32(ip.Mem, base, uint32(lz))
			WriteInt32(ip.Mem, base, uint32(lx), int32(ip.Mem[addr]))
		case LOAD16A:
			addr := ReadUint32(ip.Mem, base, uint32(ly)) + ReadUint32(ip.Mem, base, uint32(lz))
			WriteInt32(ip.Mem, base, uint32(lx), int32(int16(readWord16(ip.Mem, addr))))
		case LOADU16A:
			addr := ReadUint32(ip.Mem, base, uint32(ly)) + ReadUint32(ip.Mem, base, uint32(lz))
			WriteInt32(ip.Mem, base, uint32(lx), int32(readWord16(ip.Mem, addr)))
		case LOAD32A:
			addr := ReadUint32(ip.Mem, base, uint32(ly)) + ReadUint32(ip.Mem, base, uint32(lz))
			WriteInt32(ip.Mem, base, uint32(lx), int32(readWord32(ip.Mem, addr)))
		case STORE8A:
			addr := ReadUint32(ip.Mem, base, uint32(lx)) + ReadUint32(ip.Mem, base, uint32(ly))
			ip.Mem[addr] = byte(ReadInt32(ip.Mem, base, uint32(lz)))
		case STORE16A:
			addr := ReadUint32(ip.Mem, base, uint32(lx)) + ReadUint32(ip.Mem, base, uint32(ly))
			writeWord16(ip.Mem, addr, uint16(ReadInt32(ip.Mem, base, uint32(lz))))
		case STORE32A:
			addr := ReadUint32(ip.Mem, base, uint32(lx)) + ReadUint32(ip.Mem, base, uint32(ly))
			writeWord32(ip.Mem, addr, ReadUint32(ip.Mem, base, uint32(lz)))
		case LOADF64A:
			addr := ReadUint32(ip.Mem, base, uint32(ly)) + ReadUint32(ip.Mem, base, uint32(lz))
			WriteFloat64(ip.Mem, base, uint32(lx), math.Float64frombits(readWord64(ip.Mem, addr)))
		case STOREF64A:
			addr := ReadUint32(ip.Mem, base, uint32(lx)) + ReadUint32(ip.Mem, base, uint32(ly))
			writeWord64(ip.Mem, addr, math.Float64bits(ReadFloat64(ip.Mem, base, uint32(lz))))
		case LOADF32A:
			addr := ReadUint32(ip.Mem, base, uint32(ly)) + ReadUint32(ip.Mem, base, uint32(lz))
			WriteFloat64(ip.Mem, base, uint32(lx), float64(ReadFloat32Bits(readWord32(ip.Mem, addr))))
		case STOREF32A:
			addr := ReadUint32(ip.Mem, base, uint32(lx)) + ReadUint32(ip.Mem, base, uint32(ly))
			writeWord32(ip.Mem, addr, Float32Bits(float32(ReadFloat64(ip.Mem, base, uint32(lz)))))

		// *AV: immediate-offset addressing. The asymmetry is
		// deliberate (see DESIGN.md): loads take their base register
		// from ly and their offset from lz's raw instruction byte;
		// stores take their base register from lx and their offset
		// from ly's raw instruction byte, with lz as the value register.
		case LOAD8AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(ly))) + int32(int8(lz)))
			WriteInt32(ip.Mem, base, uint32(lx), int32(int8(ip.Mem[addr])))
		case LOADU8AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(ly))) + int32(int8(lz)))
			WriteInt32(ip.Mem, base, uint32(lx), int32(ip.Mem[addr]))
		case LOAD16AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(ly))) + int32(int8(lz)))
			WriteInt32(ip.Mem, base, uint32(lx), int32(int16(readWord16(ip.Mem, addr))))
		case LOADU16AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(ly))) + int32(int8(lz)))
			WriteInt32(ip.Mem, base, uint32(lx), int32(readWord16(ip.Mem, addr)))
		case LOAD32AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(ly))) + int32(int8(lz)))
			WriteInt32(ip.Mem, base, uint32(lx), int32(readWord32(ip.Mem, addr)))
		case STORE8AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(lx))) + int32(int8(ly)))
			ip.Mem[addr] = byte(ReadInt32(ip.Mem, base, uint32(lz)))
		case STORE16AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(lx))) + int32(int8(ly)))
			writeWord16(ip.Mem, addr, uint16(ReadInt32(ip.Mem, base, uint32(lz))))
		case STORE32AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(lx))) + int32(int8(ly)))
			writeWord32(ip.Mem, addr, ReadUint32(ip.Mem, base, uint32(lz)))
		case LOADF64AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(ly))) + int32(int8(lz)))
			WriteFloat64(ip.Mem, base, uint32(lx), math.Float64frombits(readWord64(ip.Mem, addr)))
		case STOREF64AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(lx))) + int32(int8(ly)))
			writeWord64(ip.Mem, addr, math.Float64bits(ReadFloat64(ip.Mem, base, uint32(lz))))
		case LOADF32AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(ly))) + int32(int8(lz)))
			WriteFloat64(ip.Mem, base, uint32(lx), float64(ReadFloat32Bits(readWord32(ip.Mem, addr))))
		case STOREF32AV:
			addr := uint32(int32(ReadUint32(ip.Mem, base, uint32(lx))) + int32(int8(ly)))
			writeWord32(ip.Mem, addr, Float32Bits(float32(ReadFloat64(ip.Mem, base, uint32(lz)))))

		case STORE8C:
			dst, src := ReadUint32(ip.Mem, base, uint32(lx)), ReadUint32(ip.Mem, base, uint32(ly))
			ip.Mem[dst] = ip.Mem[src]
		case STORE16C:
			dst, src := ReadUint32(ip.Mem, base, uint32(lx)), ReadUint32(ip.Mem, base, uint32(ly))
			writeWord16(ip.Mem, dst, readWord16(ip.Mem, src))
		case STORE32C:
			dst, src := ReadUint32(ip.Mem, base, uint32(lx)), ReadUint32(ip.Mem, base, uint32(ly))
			writeWord32(ip.Mem, dst, readWord32(ip.Mem, src))
		case STOREF32C:
			dst, src := ReadUint32(ip.Mem, base, uint32(lx)), ReadUint32(ip.Mem, base, uint32(ly))
			writeWord32(ip.Mem, dst, readWord32(ip.Mem, src))
		case STOREF64C:
			dst, src := ReadUint32(ip.Mem, base, uint32(lx)), ReadUint32(ip.Mem, base, uint32(ly))
			writeWord64(ip.Mem, dst, readWord64(ip.Mem, src))

		case BR:
			nextPC = uint32(int32(pc) + (int32(word)>>16)*4)
		case BRT:
			if ReadInt32(ip.Mem, base, uint32(lx)) != 0 {
				nextPC = uint32(int32(pc) + (int32(word)>>16)*4)
			}
		case BRF:
			if ReadInt32(ip.Mem, base, uint32(lx)) == 0 {
				nextPC = uint32(int32(pc) + (int32(word)>>16)*4)
			}
		case BRA:
			nextPC = readWord32(ip.Mem, pc+4)
		case BRTA:
			if ReadInt32(ip.Mem, base, uint32(lx)) != 0 {
				nextPC = readWord32(ip.Mem, pc+4)
			} else {
				nextPC = pc + 8
			}
		case BRFA:
			if ReadInt32(ip.Mem, base, uint32(lx)) == 0 {
				nextPC = readWord32(ip.Mem, pc+4)
			} else {
				nextPC = pc + 8
			}

		// COND/CONDD: a four-operand select. lx is the destination, ly
		// the condition, lz the true value, and the false value's
		// register index is packed into the trailing word's low byte.
		case COND:
			elseReg := uint32(ip.Mem[pc+4])
			if ReadInt32(ip.Mem, base, uint32(ly)) != 0 {
				WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, uint32(lz)))
			} else {
				WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Mem, base, elseReg))
			}
			nextPC = pc + 8
		case CONDD:
			elseReg := uint32(ip.Mem[pc+4])
			if ReadInt32(ip.Mem, base, uint32(ly)) != 0 {
				WriteFloat64(ip.Mem, base, uint32(lx), ReadFloat64(ip.Mem, base, uint32(lz)))
			} else {
				WriteFloat64(ip.Mem, base, uint32(lx), ReadFloat64(ip.Mem, base, elseReg))
			}
			nextPC = pc + 8

		case GETTDP:
			WriteUint32(ip.Mem, base, uint32(lx), ip.TempDoublePtr)
		case GETTR0:
			WriteInt32(ip.Mem, base, uint32(lx), ip.TempRet0)
		case SETTR0:
			ip.TempRet0 = ReadInt32(ip.Mem, base, uint32(lx))

		case GETGLBI:
			WriteInt32(ip.Mem, base, uint32(lx), ReadInt32(ip.Globals, 0, uint32(ly)))
		case SETGLBI:
			WriteInt32(ip.Globals, 0, uint32(lx), ReadInt32(ip.Mem, base, uint32(lz)))
		case GETGLBD:
			return 0, 0, 0, false, fault(ErrDisabledOpcode, pc, op)

		// INTCALL: lx names the destination register, the absolute
		// target address is the trailing word, and the callee's
		// parameter count/variant come from its own FUNC header.
		// Arguments are copied to both possible frame bases (the
		// growing EMTSTACKTOP region and absolute 0) because the
		// caller cannot know in advance which one the callee's variant
		// will use.
		case INTCALL:
			target := readWord32(ip.Mem, pc+4)
			callHeader := readWord32(ip.Mem, target)
			_, callLocals, callParams, callVariant := instrWord(callHeader)
			n := uint32(callParams)
			for i := uint32(0); i < n; i++ {
				reg := uint32(ip.Mem[pc+8+i])
				copy(regSlice(ip.Mem, ip.EMTStackTop, i), regSlice(ip.Mem, base, reg))
				copy(regSlice(ip.Mem, 0, i), regSlice(ip.Mem, base, reg))
			}
			if ip.EMTStackTop+RegisterBytes > ip.Image.StackTop+EMTStackMax {
				return 0, 0, 0, false, fault(ErrStackOverflow, pc, op)
			}
			rlo, rhi, cf := ip.invoke(target, int(callLocals), callVariant != 0)
			if cf != nil {
				return 0, 0, 0, false, cf
			}
			WriteUint32(ip.Mem, base, uint32(lx), rlo)
			writeWord32(regSlice(ip.Mem, base, uint32(lx)), 4, rhi)
			nextPC = pc + 8 + uint32((n+3)/4*4)

		case EXTCALL:
			id := uint16(ly) | uint16(lz)<<8
			if int(id) >= len(ip.Image.GlobalFuncList) || int(id) >= len(ip.Imports) {
				return 0, 0, 0, false, fault(ErrUnknownExtCallID, pc, op)
			}
			key := ip.Image.GlobalFuncList[id]
			fn := ip.Imports[id]
			if fn == nil {
				return 0, 0, 0, false, fault(ErrUnknownExtCallID, pc, op)
			}
			functionTable := len(key.Target) >= len(FunctionTablePrefix) && key.Target[:len(FunctionTablePrefix)] == FunctionTablePrefix
			paramCount := len(key.Sig) - 1
			extra := paramCount
			if functionTable {
				extra++
			}
			args := make([]Value, 0, paramCount+1)
			byteOff := pc + 4
			if functionTable {
				idxReg := uint32(ip.Mem[byteOff])
				idx := ReadInt32(ip.Mem, base, idxReg)
				if size, ok := ip.Image.FunctionTableSizes[key.Target]; ok && size > 0 {
					idx &= int32(nextPow2(size) - 1)
				}
				args = append(args, Int32Value(idx))
				byteOff++
			}
			for i := 0; i < paramCount; i++ {
				reg := uint32(ip.Mem[byteOff+uint32(i)])
				switch key.Sig[i+1] {
				case 'd', 'f':
					args = append(args, Float64Value(ReadFloat64(ip.Mem, base, reg)))
				default:
					args = append(args, Int32Value(ReadInt32(ip.Mem, base, reg)))
				}
			}
			res, cf := fn(ip, args)
			if cf != nil {
				return 0, 0, 0, false, cf
			}
			retKind := ReturnKind(key.Sig[0])
			if retKind != ReturnVoid {
				if retKind == ReturnDouble || retKind == ReturnFloat {
					WriteFloat64(ip.Mem, base, uint32(lx), res.D)
				} else {
					WriteInt32(ip.Mem, base, uint32(lx), res.I)
				}
			}
			nextPC = pc + 4 + uint32((extra+3)/4*4)

		case SWITCH:
			bound := ReadUint32(ip.Mem, base, uint32(lz))
			selector := ReadUint32(ip.Mem, base, uint32(lx)) - ReadUint32(ip.Mem, base, uint32(ly))
			if selector >= bound {
				nextPC = pc + 4 + bound*4
			} else {
				nextPC = readWord32(ip.Mem, pc+4+selector*4)
			}

		default:
			return 0, 0, 0, false, fault(ErrUnknownOpcode, pc, op)
		}

	return nextPC, 0, 0, false, nil
}

// nextPow2 returns the smallest power of two >= n (n > 0), used to mask
// a FUNCTION_TABLE_ call's dynamic index to its table's padded size.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func evalFusedCompare(mem []byte, base uint32, op Opcode, ly, lz byte) bool {
	switch op {
	case LNOTBRF, LNOTBRT:
		return ReadInt32(mem, base, uint32(ly)) == 0
	case EQBRF, EQBRT:
		return ReadInt32(mem, base, uint32(ly)) == ReadInt32(mem, base, uint32(lz))
	case NEBRF, NEBRT:
		return ReadInt32(mem, base, uint32(ly)) != ReadInt32(mem, base, uint32(lz))
	case SLTBRF, SLTBRT:
		return ReadInt32(mem, base, uint32(ly)) < ReadInt32(mem, base, uint32(lz))
	case ULTBRF, ULTBRT:
		return ReadUint32(mem, base, uint32(ly)) < ReadUint32(mem, base, uint32(lz))
	case SLEBRF, SLEBRT:
		return ReadInt32(mem, base, uint32(ly)) <= ReadInt32(mem, base, uint32(lz))
	case ULEBRF, ULEBRT:
		return ReadUint32(mem, base, uint32(ly)) <= ReadUint32(mem, base, uint32(lz))
	}
	return false
}

func readWord16(mem []byte, addr uint32) uint16 {
	return uint16(mem[addr]) | uint16(mem[addr+1])<<8
}

func writeWord16(mem []byte, addr uint32, v uint16) {
	mem[addr] = byte(v)
	mem[addr+1] = byte(v >> 8)
}

func readWord64(mem []byte, addr uint32) uint64 {
	return uint64(readWord32(mem, addr)) | uint64(readWord32(mem, addr+4))<<32
}

func writeWord64(mem []byte, addr uint32, v uint64) {
	writeWord32(mem, addr, uint32(v))
	writeWord32(mem, addr+4, uint32(v>>32))
}
