package emterp

// GlobalBase is the register file's size in bytes: 256 registers of 8
// bytes each. The code image for every interpreted function begins at
// GlobalBase plus the length of the StaticBump-padded memory
// initialiser, rounded up to a multiple of 8 (spec.md §3, §4.3).
const GlobalBase = 256 * RegisterBytes

// EMTStackMax is the size in bytes reserved for the interpreter's own
// call stack, appended after the code image by Finalise.
const EMTStackMax = 1024 * 1024

// Module is the narrowest possible description of an already-lowered
// program that link.Finalise and rewrite.go's SubstituteCallSites
// operate on. Parsing a
// real host module (asm.js/wasm) into this shape is out of scope
// (spec.md §1); this is the concrete contract cmd/emterpc reads from
// disk as JSON.
type Module struct {
	GlobalBase uint32
	StaticBump uint32
	MemInit    []byte // pre-existing memory initialiser

	Functions []SourceFunction // already-lowered symbolic bytecode, one per interpretable function

	// NativeSources holds the non-interpreted functions' source text,
	// keyed by name, with call-sites to interpreted functions written
	// as the literal substring "(EMTERPRETER_<name>)" awaiting
	// SubstituteCallSites's trampoline substitution.
	NativeSources map[string]string

	TableFuncs     []string // functions present in an indirect-call table
	ExportedFuncs  []string // functions exported from the module
	ReachableFuncs []string // functions reachable from non-interpreted code (upstream dataflow)
	Blacklist      []string // additional names excluded from interpretation

	// FunctionTableSizes records, for each FUNCTION_TABLE_ import name,
	// the real (unpadded) entry count of its indirect-call table. EXTCALL
	// masks the dynamic index register by the next power of two minus
	// one of this size before dispatch (spec.md §4.1/§4.4).
	FunctionTableSizes map[string]int

	// ActualReturnTypes records each native (non-interpreted) function's
	// true return kind, read from the host toolchain's own type info,
	// so a void-ignoring EXTCALL caller still runs the correct
	// coercion even when the result is discarded. Consulted by
	// GenerateInterpreter when rendering the EXTCALL dispatch switch.
	ActualReturnTypes map[string]ReturnKind

	// InnerterpreterLastOpcode names the opcode at which the tiered
	// inner decode loop cuts off (spec.md §4.2's
	// INNERTERPRETER_LAST_OPCODE): opcodes at or below it run in the
	// inner loop, everything else falls through to the outer one.
	// Empty disables tiering.
	InnerterpreterLastOpcode string
}

// LinkedImage is the output of Finalise: a flat byte image ready to be
// embedded by a host, plus the lookup tables needed to drive it.
type LinkedImage struct {
	Mem []byte // MemInit, padded, followed by the code image and the reserved stack region

	CodeStart uint32 // byte offset where the code image begins (GlobalBase-aligned start of function bytes)
	StackTop  uint32 // EMTSTACKTOP initial value: CodeStart + len(code image), 8-byte aligned

	FuncOffsets map[string]uint32 // function name -> absolute byte offset of its FUNC header

	GlobalFuncs    map[extCallKey]uint16 // (target, sig) -> dense EXTCALL id, insertion order
	GlobalFuncList []extCallKey          // GlobalFuncs inverted, for a host's import table

	GlobalVars    map[string]uint8 // global name -> dense id, insertion order
	GlobalVarList []string         // GlobalVars inverted, for a host's import table

	// FunctionTableSizes is copied through from Module so Interp can mask
	// indirect-call indices without holding a reference to the Module.
	FunctionTableSizes map[string]int

	// TieredDecode and InnerterpreterLastOpcode drive Interp's two-tier
	// decode loop (spec.md §4.2); TieredDecode is false when
	// Module.InnerterpreterLastOpcode was empty.
	TieredDecode             bool
	InnerterpreterLastOpcode Opcode
}

// extCallKey is the interning key for an EXTCALL target: a module can
// legally import the same name under two different call signatures
// (e.g. coerced vs. uncoerced), and those must intern to distinct ids.
type extCallKey struct {
	Target string
	Sig    string
}
