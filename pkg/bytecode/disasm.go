package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders the whole chunk in the canonical textual form:
//
//	== name ==
//	0000    1 OP_CONSTANT         0 '1.2'
//	0002    | OP_RETURN
//
// The heap is needed to render constant pool entries.
func (c *Chunk) Disassemble(h *Heap, name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)

	offset := 0
	for offset < len(c.Code) {
		line, next := c.DisassembleInstruction(h, offset)
		sb.WriteString(line)
		sb.WriteByte('\n')
		offset = next
	}
	return sb.String()
}

// DisassembleInstruction renders the instruction at offset and returns the
// offset of the next instruction.
func (c *Chunk) DisassembleInstruction(h *Heap, offset int) (string, int) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d ", offset)
	if offset > 0 && c.LineAt(offset) == c.LineAt(offset-1) {
		sb.WriteString("   | ")
	} else {
		fmt.Fprintf(&sb, "%4d ", c.LineAt(offset))
	}

	op := OpCode(c.Code[offset])
	name := op.String()

	switch op {
	case OpConstant:
		index := int(c.Code[offset+1])
		fmt.Fprintf(&sb, "%-16s %4d '%s'", name, index, c.constantText(h, index))
		return sb.String(), offset + 2

	case OpConstantLong:
		index := c.ReadU24(offset + 1)
		fmt.Fprintf(&sb, "%-16s %4d '%s'", name, index, c.constantText(h, index))
		return sb.String(), offset + 4

	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		fmt.Fprintf(&sb, "%-16s %4d", name, c.Code[offset+1])
		return sb.String(), offset + 2

	case OpGetLocalLong, OpSetLocalLong:
		fmt.Fprintf(&sb, "%-16s %4d", name, c.ReadU24(offset+1))
		return sb.String(), offset + 4

	case OpGetGlobal, OpDefineGlobal, OpSetGlobal:
		index := int(c.Code[offset+1])
		fmt.Fprintf(&sb, "%-16s %4d '%s'", name, index, c.constantText(h, index))
		return sb.String(), offset + 2

	case OpGetGlobalLong, OpDefineGlobalLong, OpSetGlobalLong:
		index := c.ReadU24(offset + 1)
		fmt.Fprintf(&sb, "%-16s %4d '%s'", name, index, c.constantText(h, index))
		return sb.String(), offset + 4

	case OpGetProperty, OpSetProperty, OpGetSuper, OpClass, OpMethod:
		index := int(c.ReadU16(offset + 1))
		fmt.Fprintf(&sb, "%-16s %4d '%s'", name, index, c.constantText(h, index))
		return sb.String(), offset + 3

	case OpJump, OpJumpIfFalse:
		delta := int(int16(c.ReadU16(offset + 1)))
		fmt.Fprintf(&sb, "%-16s %4d -> %d", name, offset, offset+3+delta)
		return sb.String(), offset + 3

	case OpLoop:
		delta := int(c.ReadU16(offset + 1))
		fmt.Fprintf(&sb, "%-16s %4d -> %d", name, offset, offset+3-delta)
		return sb.String(), offset + 3

	case OpInvoke, OpSuperInvoke:
		index := int(c.ReadU16(offset + 1))
		argc := c.Code[offset+3]
		fmt.Fprintf(&sb, "%-16s (%d args) %4d '%s'", name, argc, index, c.constantText(h, index))
		return sb.String(), offset + 4

	case OpClosure:
		index := int(c.ReadU16(offset + 1))
		fmt.Fprintf(&sb, "%-16s %4d '%s'", name, index, c.constantText(h, index))
		next := offset + 3

		fn := h.Function(c.Constants[index].AsFunction())
		for i := 0; i < fn.UpvalueCount; i++ {
			isLocal := c.Code[next]
			captured := c.Code[next+1]
			kind := "upvalue"
			if isLocal != 0 {
				kind = "local"
			}
			fmt.Fprintf(&sb, "\n%04d      |                     %s %d", next, kind, captured)
			next += 2
		}
		return sb.String(), next

	default:
		sb.WriteString(name)
		return sb.String(), offset + 1
	}
}

func (c *Chunk) constantText(h *Heap, index int) string {
	if index < 0 || index >= len(c.Constants) {
		return fmt.Sprintf("<bad constant %d>", index)
	}
	return c.Constants[index].Format(h)
}
