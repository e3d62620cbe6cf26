package emterp

import "errors"

// Structural errors surfaced by the link/finalise pass (spec.md §7):
// all are reported as plain assertion failures naming the missing or
// malformed item, mirroring the teacher's flat sentinel-error style
// (vm.go's errProgramFinished et al.) rather than a wrapped-error
// hierarchy.
var (
	ErrUnknownBlacklistEntry = errors.New("emterp: blacklist entry does not name a function in the module")
	ErrMissingMemInit        = errors.New("emterp: missing memory-initialiser file")
	ErrMissingPreCodeMarker  = errors.New("emterp: expected marker not found in module pre-code")
	ErrGlobalIDOutOfRange    = errors.New("emterp: global id out of range")
	ErrTooManyGlobalFuncs    = errors.New("emterp: global_funcs table exceeds 65536 entries")
	ErrTooManyGlobalVars     = errors.New("emterp: global_vars table exceeds 256 entries")
	ErrUnalignedTarget       = errors.New("emterp: absolute target is not 4-byte aligned")
	ErrTargetOutOfRange      = errors.New("emterp: absolute target is not below 2^31")
	ErrNonByteValue          = errors.New("emterp: final image contains a non-byte-sized value")
	ErrUnknownReturnType     = errors.New("emterp: unknown return-type token")
	ErrUnresolvedLabel       = errors.New("emterp: absolute-value placeholder names an unknown label")
	ErrUnresolvedFuncAddr    = errors.New("emterp: absolute-funcaddr placeholder names an unknown function")
	ErrDisabledOpcode        = errors.New("emterp: opcode has no interpreter case and cannot appear in a linked image")
	ErrTooManyRegisters      = errors.New("emterp: function declares more than 256 registers")
	ErrParamsExceedLocals    = errors.New("emterp: function declares more parameters than locals")

	// Runtime faults (spec.md §5, §7): dispatch of an unknown opcode,
	// an unknown EXTCALL id, an unknown global id, interpreter-stack
	// overflow, and call targets that are unaligned or not a FUNC
	// header are all fatal. See Fault in
	// interp.go for how these carry the failing pc.
	ErrUnknownOpcode    = errors.New("emterp: unknown opcode")
	ErrUnknownExtCallID = errors.New("emterp: unknown EXTCALL id")
	ErrUnknownGlobalID  = errors.New("emterp: unknown global id")
	ErrStackOverflow    = errors.New("emterp: EMT stack overflow")
	ErrNotAFunction     = errors.New("emterp: target address is not a FUNC header")
	ErrDivideByZero     = errors.New("emterp: division by zero")
)
