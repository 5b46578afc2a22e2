package bytecode

import (
	"fmt"
	"io"

	"github.com/tliron/commonlog"
)

// LogSink receives all interpreter output. Info carries program output
// (the `print` statement), Debug carries execution traces, disassembly
// dumps and collector diagnostics, Warning and Error carry compiler and
// runtime diagnostics.
type LogSink interface {
	Info(msg string)
	Debug(msg string)
	Warning(msg string)
	Error(msg string)
}

// StdSink is the sink used by the CLI driver: program output goes to Out,
// compile and runtime errors go to Err verbatim (keeping the reference
// error format intact), and debug/warning diagnostics route through
// commonlog.
type StdSink struct {
	Out io.Writer
	Err io.Writer
	Log commonlog.Logger
}

// NewStdSink builds a sink writing program output to out and errors to errw.
func NewStdSink(out, errw io.Writer) *StdSink {
	return &StdSink{
		Out: out,
		Err: errw,
		Log: commonlog.GetLogger("vulpes.vm"),
	}
}

func (s *StdSink) Info(msg string) {
	fmt.Fprintln(s.Out, msg)
}

func (s *StdSink) Debug(msg string) {
	s.Log.Debug(msg)
}

func (s *StdSink) Warning(msg string) {
	s.Log.Warning(msg)
}

func (s *StdSink) Error(msg string) {
	fmt.Fprintln(s.Err, msg)
}
