package bytecode

import (
	"strings"
	"testing"
)

// testSink records everything the interpreter emits, per channel.
type testSink struct {
	infos    []string
	debugs   []string
	warnings []string
	errors   []string
}

func (s *testSink) Info(msg string) { s.infos = append(s.infos, msg) }

func (s *testSink) Debug(msg string) { s.debugs = append(s.debugs, msg) }

func (s *testSink) Warning(msg string) { s.warnings = append(s.warnings, msg) }

func (s *testSink) Error(msg string) { s.errors = append(s.errors, msg) }

func (s *testSink) output() string {
	return strings.Join(s.infos, "\n")
}

func (s *testSink) errorOutput() string {
	return strings.Join(s.errors, "\n")
}

// resetFlags restores every process-wide flag when the test finishes.
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		StdMode.Store(false)
		TraceExecution.Store(false)
		PrintCode.Store(false)
		StressGC.Store(false)
		LogGC.Store(false)
	})
}

// runSource compiles and runs a source unit on a fresh VM.
func runSource(t *testing.T, src string) (*testSink, InterpretResult) {
	t.Helper()
	sink := &testSink{}
	vm := NewVM(sink)
	result := vm.InterpretSource([]byte(src))
	return sink, result
}

// expectOutput runs src and requires a clean run with exactly the given
// print output lines.
func expectOutput(t *testing.T, src string, want ...string) {
	t.Helper()
	sink, result := runSource(t, src)
	if result != InterpretOk {
		t.Fatalf("result = %v, want ok; errors: %s", result, sink.errorOutput())
	}
	if len(sink.infos) != len(want) {
		t.Fatalf("got %d output lines %q, want %d %q", len(sink.infos), sink.infos, len(want), want)
	}
	for i := range want {
		if sink.infos[i] != want[i] {
			t.Errorf("output line %d = %q, want %q", i, sink.infos[i], want[i])
		}
	}
}

// expectRuntimeError runs src and requires a runtime error whose report
// contains msg.
func expectRuntimeError(t *testing.T, src string, msg string) {
	t.Helper()
	sink, result := runSource(t, src)
	if result != InterpretRuntimeError {
		t.Fatalf("result = %v, want runtime error", result)
	}
	if !strings.Contains(sink.errorOutput(), msg) {
		t.Errorf("error output %q does not contain %q", sink.errorOutput(), msg)
	}
}

// expectCompileError runs src and requires a compile error whose report
// contains msg.
func expectCompileError(t *testing.T, src string, msg string) {
	t.Helper()
	sink, result := runSource(t, src)
	if result != InterpretCompileError {
		t.Fatalf("result = %v, want compile error; errors: %s", result, sink.errorOutput())
	}
	if !strings.Contains(sink.errorOutput(), msg) {
		t.Errorf("error output %q does not contain %q", sink.errorOutput(), msg)
	}
}
