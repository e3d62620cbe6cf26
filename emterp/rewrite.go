package emterp

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DefaultBlacklist names the runtime-support functions emterpretify.py
// never interprets (ported verbatim from its module-level BLACKLIST
// set): memory/string primitives the host itself must keep native, plus
// the setjmp/longjmp and 64-bit-shift helpers that assume a native call
// stack.
var DefaultBlacklist = []string{
	"_malloc", "_free", "_memcpy", "_memmove", "_memset",
	"copyTempDouble", "copyTempFloat", "_strlen",
	"stackAlloc", "setThrew", "stackRestore", "setTempRet0", "getTempRet0", "stackSave",
	"runPostSets",
	"_emscripten_autodebug_double", "_emscripten_autodebug_float",
	"_emscripten_autodebug_i8", "_emscripten_autodebug_i16", "_emscripten_autodebug_i32",
	"_strncpy", "_strcpy", "_strcat",
	"_saveSetjmp", "_testSetjmp", "_emscripten_replace_memory",
	"_bitshift64Shl", "_bitshift64Ashr", "_bitshift64Lshr",
}

// ResolveBlacklist merges DefaultBlacklist, mod.Blacklist, and extra
// (the CLI's own additions, read from its -blacklist file) into one
// deduplicated set, validating that every mod.Blacklist and extra
// entry names a real function or native source the way the original's
// "requested blacklist of %s but it does not exist" assertion does.
// DefaultBlacklist names that the module lacks are skipped.
func ResolveBlacklist(mod *Module, extra []string) ([]string, error) {
	known := make(map[string]bool, len(mod.Functions)+len(mod.NativeSources))
	for _, fn := range mod.Functions {
		known[fn.Name] = true
	}
	for name := range mod.NativeSources {
		known[name] = true
	}
	seen := map[string]bool{}
	var out []string
	add := func(name string) error {
		if !known[name] {
			return fmt.Errorf("%w: %q", ErrUnknownBlacklistEntry, name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
		return nil
	}
	for _, name := range DefaultBlacklist {
		if known[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range mod.Blacklist {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	for _, name := range extra {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SelectForInterpretation partitions mod.Functions into the ones that
// will actually be interpreted and the ones pulled back out because
// they are blacklisted or start with "dynCall_" (the original's
// emterpreted_funcs filter: "func not in BLACKLIST and not
// func.startswith('dynCall_')"). It mutates mod.Functions in place and
// returns the excluded names for diagnostics.
func SelectForInterpretation(mod *Module, blacklist []string) []string {
	excluded := map[string]bool{}
	for _, name := range blacklist {
		excluded[name] = true
	}

	kept := mod.Functions[:0]
	var droppedNames []string
	for _, fn := range mod.Functions {
		if excluded[fn.Name] || strings.HasPrefix(fn.Name, "dynCall_") {
			droppedNames = append(droppedNames, fn.Name)
			continue
		}
		kept = append(kept, fn)
	}
	mod.Functions = kept

	if len(droppedNames) > 0 {
		Logger().Debug("excluded from interpretation", zap.Strings("functions", droppedNames))
	}
	return droppedNames
}

// ExternallyReachable computes the set of interpreted functions needing
// a call-site trampoline: those reachable from outside interpreted code
// by any of three routes (spec.md §4.4, detailed in SPEC_FULL.md §3) —
// present in an indirect-call table, a module export, or found by the
// upstream "// REACHABLE" dataflow pass. Collapsing these into one flag
// upstream would lose which route applied; the Module description
// keeps all three lists distinct so this union is reproducible.
func ExternallyReachable(mod *Module) map[string]bool {
	reachable := make(map[string]bool)
	for _, name := range mod.TableFuncs {
		reachable[name] = true
	}
	for _, name := range mod.ExportedFuncs {
		reachable[name] = true
	}
	for _, name := range mod.ReachableFuncs {
		reachable[name] = true
	}

	interpreted := make(map[string]bool, len(mod.Functions))
	for _, fn := range mod.Functions {
		interpreted[fn.Name] = true
	}
	for name := range reachable {
		if !interpreted[name] {
			delete(reachable, name)
		}
	}
	return reachable
}

// SubstituteCallSites finalizes trampolines: every "(EMTERPRETER_<name>)"
// marker left in a native source's text by the upstream lowerer is
// replaced with the interpreted function's linked absolute address,
// mirroring the original's second pass over funcs_js.
func SubstituteCallSites(img *LinkedImage, sources map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(sources))
	for name, src := range sources {
		rewritten, err := substituteOne(img, src)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", name, err)
		}
		out[name] = rewritten
	}
	return out, nil
}

func substituteOne(img *LinkedImage, src string) (string, error) {
	var b strings.Builder
	rest := src
	for {
		idx := strings.Index(rest, "(EMTERPRETER_")
		if idx < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:idx])
		rest = rest[idx+len("(EMTERPRETER_"):]
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated EMTERPRETER_ marker", ErrMissingPreCodeMarker)
		}
		name := rest[:end]
		addr, ok := img.FuncOffsets[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnresolvedFuncAddr, name)
		}
		fmt.Fprintf(&b, "(%d)", addr)
		rest = rest[end+1:]
	}
}

// StackConstants renders the EMTSTACKTOP/EMT_STACK_MAX declaration the
// original injects into asm.pre_js after linking, for a host's native
// source to splice in verbatim.
func StackConstants(img *LinkedImage) string {
	return fmt.Sprintf("var EMTSTACKTOP = %d, EMT_STACK_MAX = %d;", img.StackTop, img.StackTop+EMTStackMax)
}

// SortedReachableNames returns ExternallyReachable's keys in sorted
// order, for deterministic diagnostics and tests.
func SortedReachableNames(reachable map[string]bool) []string {
	names := make([]string, 0, len(reachable))
	for name := range reachable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
