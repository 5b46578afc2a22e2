package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleSimpleChunk(t *testing.T) {
	h := NewHeap(&testSink{})
	c := NewChunk()
	c.WriteConstant(NumberValue(1.2), 123)
	c.WriteOp(OpReturn, 123)

	got := c.Disassemble(h, "test chunk")
	want := "== test chunk ==\n" +
		"0000  123 OP_CONSTANT         0 '1.2'\n" +
		"0002    | OP_RETURN\n"
	if got != want {
		t.Errorf("disassembly =\n%q\nwant\n%q", got, want)
	}
}

func TestDisassembleShowsLineChanges(t *testing.T) {
	h := NewHeap(&testSink{})
	c := NewChunk()
	c.WriteOp(OpNil, 1)
	c.WriteOp(OpPop, 2)

	got := c.Disassemble(h, "lines")
	if !strings.Contains(got, "0000    1 OP_NIL") {
		t.Errorf("missing line 1 marker:\n%s", got)
	}
	if !strings.Contains(got, "0001    2 OP_POP") {
		t.Errorf("missing line 2 marker:\n%s", got)
	}
}

func TestDisassembleJumpTargets(t *testing.T) {
	h := NewHeap(&testSink{})
	c := NewChunk()
	c.WriteOp(OpJumpIfFalse, 1)
	c.WriteU16(3, 1)
	c.WriteOp(OpNil, 1)
	c.WriteOp(OpPop, 1)
	c.WriteOp(OpPop, 1)

	line, next := c.DisassembleInstruction(h, 0)
	if next != 3 {
		t.Errorf("next = %d, want 3", next)
	}
	if !strings.Contains(line, "OP_JUMP_IF_FALSE") || !strings.Contains(line, "-> 6") {
		t.Errorf("jump line = %q, want target 6", line)
	}
}

func TestDisassembleLoopTarget(t *testing.T) {
	h := NewHeap(&testSink{})
	c := NewChunk()
	c.WriteOp(OpNil, 1)
	c.WriteOp(OpLoop, 1)
	c.WriteU16(4, 1)

	line, _ := c.DisassembleInstruction(h, 1)
	if !strings.Contains(line, "OP_LOOP") || !strings.Contains(line, "-> 0") {
		t.Errorf("loop line = %q, want backward target 0", line)
	}
}

func TestDisassembleGlobalOps(t *testing.T) {
	h := NewHeap(&testSink{})
	c := NewChunk()
	index := c.AddConstant(StringValue(h.Intern("answer")))
	c.WriteOp(OpDefineGlobal, 1)
	c.Write(byte(index), 1)

	line, _ := c.DisassembleInstruction(h, 0)
	if !strings.Contains(line, "OP_DEFINE_GLOBAL") || !strings.Contains(line, "'answer'") {
		t.Errorf("line = %q, want name operand rendered", line)
	}
}

func TestDisassembleInvoke(t *testing.T) {
	h := NewHeap(&testSink{})
	c := NewChunk()
	index := c.AddConstant(StringValue(h.Intern("method")))
	c.WriteOp(OpInvoke, 1)
	c.WriteU16(uint16(index), 1)
	c.Write(2, 1)

	line, next := c.DisassembleInstruction(h, 0)
	if next != 4 {
		t.Errorf("next = %d, want 4", next)
	}
	if !strings.Contains(line, "OP_INVOKE") || !strings.Contains(line, "(2 args)") ||
		!strings.Contains(line, "'method'") {
		t.Errorf("invoke line = %q", line)
	}
}

func TestDisassembleClosureListsUpvalues(t *testing.T) {
	h := NewHeap(&testSink{})

	inner := h.AddFunction(Function{Name: h.Intern("inner"), UpvalueCount: 2})
	c := NewChunk()
	index := c.AddConstant(FunctionValue(inner))
	c.WriteOp(OpClosure, 1)
	c.WriteU16(uint16(index), 1)
	c.Write(1, 1) // local
	c.Write(3, 1)
	c.Write(0, 1) // upvalue
	c.Write(0, 1)

	line, next := c.DisassembleInstruction(h, 0)
	if next != 7 {
		t.Errorf("next = %d, want 7", next)
	}
	if !strings.Contains(line, "OP_CLOSURE") || !strings.Contains(line, "<fn inner>") {
		t.Errorf("closure line = %q", line)
	}
	if !strings.Contains(line, "local 3") || !strings.Contains(line, "upvalue 0") {
		t.Errorf("upvalue specs not rendered: %q", line)
	}
}

func TestDisassembleWholeCompiledProgram(t *testing.T) {
	script, h := mustCompile(t, `
fun f(a) { return a; }
print f(1);`)
	text := h.Function(script).Chunk.Disassemble(h, "<script>")

	for _, fragment := range []string{"== <script> ==", "OP_CLOSURE", "OP_DEFINE_GLOBAL", "OP_CALL", "OP_PRINT", "OP_RETURN"} {
		if !strings.Contains(text, fragment) {
			t.Errorf("disassembly missing %q:\n%s", fragment, text)
		}
	}
}
