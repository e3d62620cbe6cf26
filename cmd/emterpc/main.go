// Command emterpc links a module description into a flat emterpreter
// byte image and, optionally, disassembles it or rewrites a set of
// native sources' trampoline call sites against the resulting layout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"emterp/emterp"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("emterpc", flag.ContinueOnError)
	dump := fs.Bool("dump", false, "write a disassembly listing of the linked module to stderr")
	blacklistJSON := fs.String("blacklist", "", "path to a JSON array of additional blacklist entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: emterpc [-dump] [-blacklist file] <infile> <outfile>")
	}
	infile, outfile := rest[0], rest[1]

	if os.Getenv("EMTERP_LOG_BYTECODE") != "" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		emterp.SetLogger(logger)
		defer logger.Sync()
	}

	if err := preserveOriginal(infile); err != nil {
		return err
	}

	mod, err := loadModule(infile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", infile, err)
	}

	var extraBlacklist []string
	if *blacklistJSON != "" {
		extraBlacklist, err = loadBlacklist(*blacklistJSON)
		if err != nil {
			return fmt.Errorf("loading %s: %w", *blacklistJSON, err)
		}
	}

	blacklist, err := emterp.ResolveBlacklist(mod, extraBlacklist)
	if err != nil {
		return err
	}
	emterp.SelectForInterpretation(mod, blacklist)

	img, err := emterp.Finalise(mod)
	if err != nil {
		return fmt.Errorf("linking: %w", err)
	}

	reachable := emterp.ExternallyReachable(mod)
	emterp.Logger().Info("link complete",
		zap.Int("functions", len(mod.Functions)),
		zap.Int("externally_reachable", len(reachable)))

	rewritten, err := emterp.SubstituteCallSites(img, mod.NativeSources)
	if err != nil {
		return fmt.Errorf("rewriting call sites: %w", err)
	}

	interpSrc, err := emterp.GenerateInterpreter(mod, img)
	if err != nil {
		return fmt.Errorf("generating interpreter source: %w", err)
	}

	if *dump {
		text, derr := emterp.DisassembleModule(mod)
		if derr != nil {
			return fmt.Errorf("disassembling: %w", derr)
		}
		fmt.Fprintln(os.Stderr, text)
	}

	if err := writeOutputs(outfile, img, rewritten, interpSrc); err != nil {
		return fmt.Errorf("writing %s: %w", outfile, err)
	}
	return nil
}

// preserveOriginal copies infile to infile+".orig" before any
// processing runs, the way emterpretify.py preserves the unprocessed
// source as "<infile>.orig.js" before it starts mutating lines in place.
func preserveOriginal(infile string) error {
	data, err := os.ReadFile(infile)
	if err != nil {
		return fmt.Errorf("reading %s: %w", infile, err)
	}
	if err := os.WriteFile(infile+".orig", data, 0o644); err != nil {
		return fmt.Errorf("preserving %s: %w", infile, err)
	}
	return nil
}

func loadModule(infile string) (*emterp.Module, error) {
	data, err := os.ReadFile(infile)
	if err != nil {
		return nil, err
	}
	var mod emterp.Module
	if err := json.Unmarshal(data, &mod); err != nil {
		return nil, err
	}
	return &mod, nil
}

func loadBlacklist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// outputBundle is the disk shape of a linked image: the raw byte
// memory plus the lookup tables, rewritten native sources, and
// generated interpreter source text a host needs to actually run it
// (spec.md §4.4(b)/§6: the rewriter "splices the generator's two
// interpreter procedures into the function section").
type outputBundle struct {
	CodeStart         uint32            `json:"codeStart"`
	StackTop          uint32            `json:"stackTop"`
	FuncOffsets       map[string]uint32 `json:"funcOffsets"`
	GlobalFuncs       []string          `json:"globalFuncs"`
	GlobalVars        []string          `json:"globalVars"`
	StackConstants    string            `json:"stackConstants"`
	NativeSources     map[string]string `json:"nativeSources"`
	InterpreterSource string            `json:"interpreterSource"`
}

func writeOutputs(outfile string, img *emterp.LinkedImage, rewritten map[string]string, interpSrc string) error {
	bundle := outputBundle{
		CodeStart:         img.CodeStart,
		StackTop:          img.StackTop,
		FuncOffsets:       img.FuncOffsets,
		GlobalFuncs:       img.SortedGlobalFuncNames(),
		GlobalVars:        img.GlobalVarList,
		StackConstants:    emterp.StackConstants(img),
		NativeSources:     rewritten,
		InterpreterSource: interpSrc,
	}
	out, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(outfile, out, 0o644); err != nil {
		return err
	}
	// The interpreter-stack region past StackTop is reserved in the
	// static bump but never materialised on disk (spec.md §6
	// "Persisted layout"): a host zero-initialises it at load.
	return os.WriteFile(outfile+".mem", img.Mem[:img.StackTop], 0o644)
}
