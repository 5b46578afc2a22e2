// Vulpes - a bytecode interpreter for a small class-based scripting
// language. Named after the genus for foxes, sly by design.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"github.com/chazu/vulpes/pkg/bytecode"
	"github.com/chazu/vulpes/pkg/settings"

	_ "github.com/tliron/commonlog/simple"
)

// Exit codes follow the sysexits convention: 65 for data (compile)
// errors, 70 for internal software (runtime) errors.
const (
	exitOK           = 0
	exitCompileError = 65
	exitRuntimeError = 70
)

var (
	std            = flag.Bool("std", false, "suppress all non-standard extensions")
	stressGC       = flag.Bool("stress-gc", false, "collect between every instruction and allocation")
	logGC          = flag.Bool("log-gc", false, "log garbage collector events")
	traceExecution = flag.Bool("trace-execution", false, "disassemble each instruction and dump the stack before executing it")
	printCode      = flag.Bool("print-code", false, "disassemble each function after compiling it")
	version        = flag.Bool("version", false, "print version and exit")
)

const versionStr = "0.3.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Vulpes - bytecode interpreter\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  vulpes [options]          start a REPL\n")
		fmt.Fprintf(os.Stderr, "  vulpes [options] <path>   run a script\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("vulpes version %s\n", versionStr)
		os.Exit(exitOK)
	}

	cfg, err := settings.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCompileError)
	}

	bytecode.StdMode.Store(*std || cfg.Runtime.Std)
	bytecode.StressGC.Store(*stressGC || cfg.Debug.StressGC)
	bytecode.LogGC.Store(*logGC || cfg.Debug.LogGC)
	bytecode.TraceExecution.Store(*traceExecution || cfg.Debug.TraceExecution)
	bytecode.PrintCode.Store(*printCode || cfg.Debug.PrintCode)

	verbosity := 0
	if bytecode.TraceExecution.Load() || bytecode.PrintCode.Load() || bytecode.LogGC.Load() {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	sink := bytecode.NewStdSink(os.Stdout, os.Stderr)
	vm := bytecode.NewVM(sink)

	switch flag.NArg() {
	case 0:
		repl(vm)
	case 1:
		runFile(vm, flag.Arg(0))
	default:
		flag.Usage()
		os.Exit(exitCompileError)
	}
}

// runFile compiles and runs a script, then exits with the matching code.
func runFile(vm *bytecode.VM, path string) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
		os.Exit(exitRuntimeError)
	}

	switch vm.InterpretSource(source) {
	case bytecode.InterpretCompileError:
		os.Exit(exitCompileError)
	case bytecode.InterpretRuntimeError:
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// repl reads one line at a time, preserving globals across lines. The
// prompt is only shown on interactive terminals.
func repl(vm *bytecode.VM) {
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	in := bufio.NewScanner(os.Stdin)

	for {
		if interactive {
			fmt.Print("> ")
		}
		if !in.Scan() {
			if interactive {
				fmt.Println()
			}
			return
		}
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		vm.InterpretSource(line)
	}
}
