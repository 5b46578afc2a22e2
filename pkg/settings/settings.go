// Package settings handles vulpes.toml interpreter configuration.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file the interpreter looks for in the
// working directory.
const FileName = "vulpes.toml"

// Settings mirrors the interpreter's command-line flags so a project can
// pin them in a file. CLI flags OR into these values.
type Settings struct {
	Runtime Runtime `toml:"runtime"`
	Debug   Debug   `toml:"debug"`
}

// Runtime selects language-level behavior.
type Runtime struct {
	// Std suppresses all non-standard extensions.
	Std bool `toml:"std"`
}

// Debug selects diagnostic output.
type Debug struct {
	TraceExecution bool `toml:"trace-execution"`
	PrintCode      bool `toml:"print-code"`
	StressGC       bool `toml:"stress-gc"`
	LogGC          bool `toml:"log-gc"`
}

// Load parses a vulpes.toml from the given directory. A missing file is
// not an error and yields zero-valued settings.
func Load(dir string) (*Settings, error) {
	path := filepath.Join(dir, FileName)

	var s Settings
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &s, nil
	}

	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &s, nil
}
