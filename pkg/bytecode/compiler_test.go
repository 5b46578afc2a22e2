package bytecode

import (
	"testing"
)

// compile compiles source on a fresh heap and returns the script function
// together with the heap and sink.
func compile(t *testing.T, src string) (FunctionHandle, *Heap, *testSink, error) {
	t.Helper()
	sink := &testSink{}
	h := NewHeap(sink)
	fn, err := Compile([]byte(src), h, sink)
	return fn, h, sink, err
}

func mustCompile(t *testing.T, src string) (FunctionHandle, *Heap) {
	t.Helper()
	fn, h, sink, err := compile(t, src)
	if err != nil {
		t.Fatalf("compile failed: %s", sink.errorOutput())
	}
	return fn, h
}

func TestCompilePrintStatement(t *testing.T) {
	fn, h := mustCompile(t, "print 1;")
	code := h.Function(fn).Chunk.Code

	want := []byte{byte(OpConstant), 0, byte(OpPrint), byte(OpNil), byte(OpReturn)}
	if len(code) != len(want) {
		t.Fatalf("code = %v, want %v", code, want)
	}
	for i := range want {
		if code[i] != want[i] {
			t.Errorf("code[%d] = %d, want %d", i, code[i], want[i])
		}
	}
}

func TestCompilePrecedence(t *testing.T) {
	// 1 + 2 * 3 must multiply before adding.
	fn, h := mustCompile(t, "print 1 + 2 * 3;")
	code := h.Function(fn).Chunk.Code

	want := []OpCode{OpConstant, OpConstant, OpConstant, OpMultiply, OpAdd, OpPrint, OpNil, OpReturn}
	var got []OpCode
	for i := 0; i < len(code); {
		op := OpCode(code[i])
		got = append(got, op)
		i += 1 + op.OperandLen()
	}
	if len(got) != len(want) {
		t.Fatalf("opcodes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("opcode %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCompileGlobalDeclaration(t *testing.T) {
	fn, h := mustCompile(t, "var a = 1;")
	chunk := &h.Function(fn).Chunk

	// Constant 0 is the name, constant 1 the initializer.
	if h.String(chunk.Constants[0].AsString()) != "a" {
		t.Errorf("constant 0 = %s, want 'a'", chunk.Constants[0].Format(h))
	}
	if chunk.Constants[1].AsNumber() != 1 {
		t.Errorf("constant 1 = %s, want 1", chunk.Constants[1].Format(h))
	}
	if OpCode(chunk.Code[2]) != OpDefineGlobal {
		t.Errorf("code[2] = %s, want OP_DEFINE_GLOBAL", OpCode(chunk.Code[2]))
	}
}

func TestCompileGlobalNameConstantIsDeduplicated(t *testing.T) {
	fn, h := mustCompile(t, "var a = 1; a = 2; print a;")
	chunk := &h.Function(fn).Chunk

	count := 0
	for _, constant := range chunk.Constants {
		if constant.Type == ValString && h.String(constant.AsString()) == "a" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("name 'a' appears %d times in the pool, want 1", count)
	}
}

func TestCompileLocalUsesSlots(t *testing.T) {
	fn, h := mustCompile(t, "{ var a = 1; print a; }")
	code := h.Function(fn).Chunk.Code

	// Constant, (definition leaves the value in place), GetLocal 1,
	// Print, Pop at scope end.
	want := []byte{
		byte(OpConstant), 0,
		byte(OpGetLocal), 1,
		byte(OpPrint),
		byte(OpPop),
		byte(OpNil), byte(OpReturn),
	}
	if len(code) != len(want) {
		t.Fatalf("code = %v, want %v", code, want)
	}
	for i := range want {
		if code[i] != want[i] {
			t.Errorf("code[%d] = %d, want %d", i, code[i], want[i])
		}
	}
}

// findFunction returns the first function constant in the chunk.
func findFunction(h *Heap, fn FunctionHandle) (FunctionHandle, bool) {
	for _, constant := range h.Function(fn).Chunk.Constants {
		if constant.Type == ValFunction {
			return constant.AsFunction(), true
		}
	}
	return FunctionHandle{}, false
}

func TestCompileFunctionMetadata(t *testing.T) {
	script, h := mustCompile(t, "fun add(a, b) { return a + b; }")
	fn, ok := findFunction(h, script)
	if !ok {
		t.Fatal("no function constant in script chunk")
	}
	if got := h.Function(fn).Arity; got != 2 {
		t.Errorf("arity = %d, want 2", got)
	}
	if got := h.String(h.Function(fn).Name); got != "add" {
		t.Errorf("name = %q, want add", got)
	}
	if got := h.Function(fn).UpvalueCount; got != 0 {
		t.Errorf("upvalue count = %d, want 0", got)
	}
}

func TestCompileUpvalueResolution(t *testing.T) {
	script, h := mustCompile(t, `
fun outer() {
  var x = 1;
  fun inner() { return x; }
  return inner;
}`)
	outer, ok := findFunction(h, script)
	if !ok {
		t.Fatal("outer not found")
	}
	inner, ok := findFunction(h, outer)
	if !ok {
		t.Fatal("inner not found")
	}
	if got := h.Function(inner).UpvalueCount; got != 1 {
		t.Errorf("inner upvalue count = %d, want 1", got)
	}
	if got := h.Function(outer).UpvalueCount; got != 0 {
		t.Errorf("outer upvalue count = %d, want 0", got)
	}
}

func TestCompileTransitiveUpvalue(t *testing.T) {
	// x is captured through two function boundaries; the middle function
	// carries it as a local capture, the innermost as an upvalue capture.
	script, h := mustCompile(t, `
fun a() {
  var x = 1;
  fun b() {
    fun c() { return x; }
    return c;
  }
  return b;
}`)
	fa, _ := findFunction(h, script)
	fb, _ := findFunction(h, fa)
	fc, ok := findFunction(h, fb)
	if !ok {
		t.Fatal("innermost function not found")
	}
	if got := h.Function(fb).UpvalueCount; got != 1 {
		t.Errorf("middle upvalue count = %d, want 1", got)
	}
	if got := h.Function(fc).UpvalueCount; got != 1 {
		t.Errorf("inner upvalue count = %d, want 1", got)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"missing semicolon", "print 1", "Expect ';' after value."},
		{"invalid assignment", "1 = 2;", "Invalid assignment target."},
		{"chained assignment target", "var a; var b; a + b = 1;", "Invalid assignment target."},
		{"own initializer", "{ var a = a; }", "Can't read local variable in its own initializer."},
		{"duplicate local", "{ var a = 1; var a = 2; }", "Already a variable with this name in this scope."},
		{"top-level return", "return 1;", "Can't return from top-level code."},
		{"const local reassign", "{ const a = 1; a = 2; }", "Reassignment to local 'const'."},
		{"const global reassign", "const a = 1; a = 2;", "Reassignment to global 'const'."},
		{"this outside class", "print this;", "Can't use 'this' outside of a class."},
		{"super outside class", "print super.x;", "Can't use 'super' outside of a class."},
		{"super without superclass", "class A { f() { super.f(); } }", "Can't use 'super' in a class with no superclass."},
		{"self inheritance", "class A < A {}", "A class can't inherit from itself."},
		{"initializer returns value", "class A { init() { return 1; } }", "Can't return a value from an initializer."},
		{"break outside loop", "break;", "'break' outside a loop."},
		{"continue outside loop", "continue;", "'continue' outside a loop."},
		{"default not last", "switch (1) { default: case 1: }", "No 'case' or 'default' allowed after 'default' branch."},
		{"expect expression", "print +;", "Expect expression."},
		{"unterminated string", `print "abc`, "Unterminated string."},
		{"unexpected character", "print @;", "Unexpected character."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectCompileError(t, tt.src, tt.msg)
		})
	}
}

func TestCompileErrorReportsLine(t *testing.T) {
	_, _, sink, err := compile(t, "var a = 1;\nprint b =;")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if len(sink.errors) == 0 {
		t.Fatal("no error reported")
	}
	if got := sink.errors[0]; len(got) < 8 || got[:8] != "[line 2]" {
		t.Errorf("error = %q, want it to start with [line 2]", got)
	}
}

func TestPanicModeSuppressesCascades(t *testing.T) {
	// Both statements are broken, but panic mode must keep the count at
	// one error per synchronization point.
	_, _, sink, err := compile(t, "print ; print ;")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if len(sink.errors) != 2 {
		t.Errorf("got %d errors %q, want 2 (one per statement)", len(sink.errors), sink.errors)
	}
}

func TestCompileConstInForInitializer(t *testing.T) {
	_, _, sink, err := compile(t, "for (const i = 0; false;) { print i; }")
	if err != nil {
		t.Fatalf("compile failed: %s", sink.errorOutput())
	}
}

func TestCompileUpvalueCountMatchesSpecList(t *testing.T) {
	script, h := mustCompile(t, `
fun outer() {
  var a = 1;
  var b = 2;
  fun inner() { return a + b + a; }
  return inner;
}`)
	outer, _ := findFunction(h, script)
	inner, ok := findFunction(h, outer)
	if !ok {
		t.Fatal("inner not found")
	}
	// a and b once each; the repeated reference to a must be deduplicated.
	if got := h.Function(inner).UpvalueCount; got != 2 {
		t.Errorf("upvalue count = %d, want 2", got)
	}
}

func TestCompileConstantIndexesInRange(t *testing.T) {
	script, h := mustCompile(t, `var a = 1; var b = "two"; print a; print b;`)
	chunk := &h.Function(script).Chunk

	for offset := 0; offset < len(chunk.Code); {
		op := OpCode(chunk.Code[offset])
		switch op {
		case OpConstant, OpGetGlobal, OpDefineGlobal, OpSetGlobal:
			if index := int(chunk.Code[offset+1]); index >= len(chunk.Constants) {
				t.Errorf("offset %d: constant index %d out of range (%d)",
					offset, index, len(chunk.Constants))
			}
		}
		operands := op.OperandLen()
		if operands < 0 {
			t.Fatalf("unexpected variable-length opcode in this program")
		}
		offset += 1 + operands
	}
}

func TestCompileLineMapCoversAllCode(t *testing.T) {
	script, h := mustCompile(t, "var a = 1;\nvar b = 2;\nprint a + b;")
	chunk := &h.Function(script).Chunk
	for offset := range chunk.Code {
		if chunk.LineAt(offset) == 0 {
			t.Errorf("offset %d has no line", offset)
		}
	}
}
