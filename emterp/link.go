package emterp

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Finalise runs the Link/Finalise pass (spec.md §4.3): it lays out
// every interpreted function's bytecode into one flat image, interns
// EXTCALL targets and global-variable names into dense id tables, and
// resolves every absolute-value/absolute-funcaddr placeholder to a
// concrete byte address. It mirrors emterpretify.py's post_process_code
// plus the id-interning done earlier in process_code, merged into one
// pass since the Go port's typed Instr already distinguishes resolved
// bytes from placeholders (no mnemonic-string rewriting needed).
func Finalise(mod *Module) (*LinkedImage, error) {
	if err := validateBlacklist(mod); err != nil {
		return nil, err
	}
	for i := range mod.Functions {
		if err := mod.Functions[i].Validate(); err != nil {
			return nil, err
		}
	}

	memInit := mod.MemInit
	if mod.StaticBump > uint32(len(memInit)) {
		padded := make([]byte, mod.StaticBump)
		copy(padded, memInit)
		memInit = padded
	}

	codeStart := align8(GlobalBase + uint32(len(memInit)))

	funcOffsets, funcLens, err := layoutFunctions(mod.Functions, codeStart)
	if err != nil {
		return nil, err
	}

	globalFuncs, globalFuncList, globalVars, globalVarList, err := internGlobals(mod.Functions)
	if err != nil {
		return nil, err
	}

	var tieredDecode bool
	var innerLastOpcode Opcode
	if mod.InnerterpreterLastOpcode != "" {
		op, ok := LookupOpcode(mod.InnerterpreterLastOpcode)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOpcode, mod.InnerterpreterLastOpcode)
		}
		tieredDecode = true
		innerLastOpcode = op
	}

	codeLen := uint32(0)
	for _, l := range funcLens {
		codeLen += l
	}
	stackTop := align8(codeStart + codeLen)

	mem := make([]byte, int(stackTop)+EMTStackMax)
	copy(mem, memInit)

	for i := range mod.Functions {
		fn := &mod.Functions[i]
		off := funcOffsets[fn.Name]
		if err := writeFunction(mem, off, fn, funcOffsets, globalFuncs, globalVars); err != nil {
			return nil, fmt.Errorf("function %s: %w", fn.Name, err)
		}
		mnemonics := make([]string, len(fn.Code))
		for j, in := range fn.Code {
			mnemonics[j] = in.Op.String()
		}
		Logger().Debug("linked function",
			zap.String("name", fn.Name),
			zap.Uint32("offset", off),
			zap.Int("instructions", len(fn.Code)),
			zap.Strings("code", mnemonics))
	}

	Logger().Info("finalise complete",
		zap.Int("functions", len(mod.Functions)),
		zap.Int("global_funcs", len(globalFuncList)),
		zap.Int("global_vars", len(globalVarList)),
		zap.Uint32("code_start", codeStart),
		zap.Uint32("stack_top", stackTop))

	return &LinkedImage{
		Mem:                mem,
		CodeStart:          codeStart,
		StackTop:           stackTop,
		FuncOffsets:        funcOffsets,
		GlobalFuncs:        globalFuncs,
		GlobalFuncList:     globalFuncList,
		GlobalVars:         globalVars,
		GlobalVarList:      globalVarList,
		FunctionTableSizes: mod.FunctionTableSizes,

		TieredDecode:             tieredDecode,
		InnerterpreterLastOpcode: innerLastOpcode,
	}, nil
}

func align8(v uint32) uint32 {
	if r := v % 8; r != 0 {
		v += 8 - r
	}
	return v
}

func validateBlacklist(mod *Module) error {
	known := make(map[string]bool, len(mod.Functions)+len(mod.NativeSources))
	for _, fn := range mod.Functions {
		known[fn.Name] = true
	}
	for name := range mod.NativeSources {
		known[name] = true
	}
	for _, name := range mod.Blacklist {
		if !known[name] {
			return fmt.Errorf("%w: %q", ErrUnknownBlacklistEntry, name)
		}
	}
	return nil
}

// instrWords returns the number of 32-bit words (primary plus extra)
// one instruction occupies in the final image. Resolving a placeholder
// never changes this count, so layout can run before interning.
func instrWords(in Instr) uint32 {
	return 1 + uint32(len(in.Extra))
}

// funcWords returns a function's total word count: its synthesized
// FUNC header (primary word plus the zero-init-bound extra word) plus
// its body instructions.
func funcWords(fn *SourceFunction) uint32 {
	total := uint32(2) // FUNC header + zero-init bound word
	for _, in := range fn.Code {
		total += instrWords(in)
	}
	return total
}

func layoutFunctions(funcs []SourceFunction, codeStart uint32) (map[string]uint32, []uint32, error) {
	offsets := make(map[string]uint32, len(funcs))
	lens := make([]uint32, len(funcs))
	off := codeStart
	for i := range funcs {
		fn := &funcs[i]
		if _, dup := offsets[fn.Name]; dup {
			return nil, nil, fmt.Errorf("emterp: duplicate function name %q", fn.Name)
		}
		offsets[fn.Name] = off
		n := funcWords(fn) * 4
		lens[i] = n
		off += n
	}
	return offsets, lens, nil
}

// internGlobals walks every function's instruction stream in order and
// assigns dense, append-only ids to EXTCALL targets and global-variable
// names, exactly as emterpretify.py's process_code does by first-sight
// order (not sorted, not hashed) so two builds of the same input always
// produce the same table.
func internGlobals(funcs []SourceFunction) (
	map[extCallKey]uint16, []extCallKey,
	map[string]uint8, []string,
	error,
) {
	globalFuncs := map[extCallKey]uint16{}
	var globalFuncList []extCallKey
	globalVars := map[string]uint8{}
	var globalVarList []string

	for i := range funcs {
		for _, in := range funcs[i].Code {
			if in.Op.IsDisabled() {
				return nil, nil, nil, nil, fmt.Errorf("%w: %s in function %s", ErrDisabledOpcode, in.Op, funcs[i].Name)
			}
			if in.ExtCall != nil {
				key := extCallKey{Target: in.ExtCall.Target, Sig: in.ExtCall.Sig}
				if _, ok := globalFuncs[key]; !ok {
					if len(globalFuncList) >= 1<<16 {
						return nil, nil, nil, nil, ErrTooManyGlobalFuncs
					}
					globalFuncs[key] = uint16(len(globalFuncList))
					globalFuncList = append(globalFuncList, key)
				}
			}
			if in.Global != "" {
				if _, ok := globalVars[in.Global]; !ok {
					if len(globalVarList) >= 1<<8 {
						return nil, nil, nil, nil, ErrTooManyGlobalVars
					}
					globalVars[in.Global] = uint8(len(globalVarList))
					globalVarList = append(globalVarList, in.Global)
				}
			}
		}
	}
	return globalFuncs, globalFuncList, globalVars, globalVarList, nil
}

func writeFunction(
	mem []byte, off uint32, fn *SourceFunction,
	funcOffsets map[string]uint32,
	globalFuncs map[extCallKey]uint16,
	globalVars map[string]uint8,
) error {
	if fn.Locals > 255 || fn.Params > 255 || fn.Variant > 255 {
		return ErrNonByteValue
	}
	writeWord32(mem, off, encodeWord(FUNC, byte(fn.Locals), byte(fn.Params), byte(fn.Variant)))
	writeWord32(mem, off+4, uint32(fn.ZeroInitBound))

	pc := off + 8
	for idx, in := range fn.Code {
		resolved, err := resolveOperands(in, funcOffsets, globalFuncs, globalVars)
		if err != nil {
			return fmt.Errorf("instruction %d (%s): %w", idx, in.Op, err)
		}
		writeWord32(mem, pc, encodeWord(resolved.Op, resolved.Lx, resolved.Ly, resolved.Lz))
		pc += 4
		for _, w := range resolved.Extra {
			v, err := resolveExtraWord(w, off, fn, funcOffsets)
			if err != nil {
				return err
			}
			writeWord32(mem, pc, v)
			pc += 4
		}
	}
	return nil
}

func resolveOperands(
	in Instr,
	funcOffsets map[string]uint32,
	globalFuncs map[extCallKey]uint16,
	globalVars map[string]uint8,
) (Instr, error) {
	out := in
	if in.ExtCall != nil {
		key := extCallKey{Target: in.ExtCall.Target, Sig: in.ExtCall.Sig}
		id, ok := globalFuncs[key]
		if !ok {
			return Instr{}, fmt.Errorf("%w: %s|%s", ErrUnknownExtCallID, key.Target, key.Sig)
		}
		out.Ly = byte(id)
		out.Lz = byte(id >> 8)
		out.ExtCall = nil
	}
	if in.Global != "" {
		id, ok := globalVars[in.Global]
		if !ok {
			return Instr{}, fmt.Errorf("%w: %s", ErrUnknownGlobalID, in.Global)
		}
		switch in.Op {
		case SETGLBI:
			out.Lx = id
		case GETGLBI, GETGLBD:
			out.Ly = id
		default:
			return Instr{}, fmt.Errorf("%w: global name set on non-global opcode %s", ErrGlobalIDOutOfRange, in.Op)
		}
		out.Global = ""
	}
	_ = funcOffsets
	return out, nil
}

func resolveExtraWord(w ExtraWord, funcOff uint32, fn *SourceFunction, funcOffsets map[string]uint32) (uint32, error) {
	switch {
	case w.Value != nil:
		return *w.Value, nil
	case w.AbsLabel != "":
		rel, ok := fn.AbsoluteTargets[w.AbsLabel]
		if !ok {
			return 0, fmt.Errorf("%w: %s in function %s", ErrUnresolvedLabel, w.AbsLabel, fn.Name)
		}
		addr := funcOff + uint32(rel)
		if err := checkTarget(addr); err != nil {
			return 0, err
		}
		return addr, nil
	case w.AbsFunc != "":
		addr, ok := funcOffsets[w.AbsFunc]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnresolvedFuncAddr, w.AbsFunc)
		}
		if err := checkTarget(addr); err != nil {
			return 0, err
		}
		return addr, nil
	default:
		return 0, nil
	}
}

func checkTarget(addr uint32) error {
	if addr%4 != 0 {
		return ErrUnalignedTarget
	}
	if addr >= 1<<31 {
		return ErrTargetOutOfRange
	}
	return nil
}

// SortedGlobalFuncNames returns the EXTCALL import table in assigned-id
// order, for a host building its own import array from LinkedImage.
func (img *LinkedImage) SortedGlobalFuncNames() []string {
	names := make([]string, len(img.GlobalFuncList))
	for i, k := range img.GlobalFuncList {
		names[i] = k.Target
	}
	return names
}

// SortedFunctionNames returns every linked function's name in ascending
// offset order, convenient for deterministic diagnostics.
func (img *LinkedImage) SortedFunctionNames() []string {
	names := make([]string, 0, len(img.FuncOffsets))
	for name := range img.FuncOffsets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return img.FuncOffsets[names[i]] < img.FuncOffsets[names[j]] })
	return names
}
