package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Runtime.Std || s.Debug.TraceExecution || s.Debug.PrintCode || s.Debug.StressGC || s.Debug.LogGC {
		t.Errorf("defaults not zero: %+v", s)
	}
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[runtime]
std = true

[debug]
trace-execution = true
log-gc = true
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !s.Runtime.Std {
		t.Error("runtime.std not parsed")
	}
	if !s.Debug.TraceExecution {
		t.Error("debug.trace-execution not parsed")
	}
	if !s.Debug.LogGC {
		t.Error("debug.log-gc not parsed")
	}
	if s.Debug.StressGC {
		t.Error("debug.stress-gc should default to false")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[runtime\nstd ="), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("malformed file did not error")
	}
}
