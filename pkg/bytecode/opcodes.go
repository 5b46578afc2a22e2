package bytecode

import "fmt"

// OpCode represents a bytecode instruction. Operands follow inline;
// multi-byte operands are big-endian.
type OpCode byte

const (
	// Constants.
	OpConstant     OpCode = iota // OpConstant <index:u8>
	OpConstantLong               // OpConstantLong <index:u24>
	OpNil
	OpTrue
	OpFalse

	// Stack manipulation.
	OpPop
	OpDup

	// Local variables. Slots are frame-relative.
	OpGetLocal     // OpGetLocal <slot:u8>
	OpGetLocalLong // OpGetLocalLong <slot:u24>
	OpSetLocal
	OpSetLocalLong

	// Globals. Operand indexes the constant pool entry holding the name.
	OpGetGlobal
	OpGetGlobalLong
	OpDefineGlobal
	OpDefineGlobalLong
	OpSetGlobal
	OpSetGlobalLong

	// Upvalues.
	OpGetUpvalue // OpGetUpvalue <index:u8>
	OpSetUpvalue

	// Properties. Operand is a u16 name constant index.
	OpGetProperty
	OpSetProperty
	OpGetSuper

	// Comparison.
	OpEqual
	OpGreater
	OpLess

	// Arithmetic.
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpNot
	OpNegate

	OpPrint

	// Control flow. Jump deltas are measured from the byte after the operand.
	OpJump        // OpJump <offset:i16>
	OpJumpIfFalse // OpJumpIfFalse <offset:i16>
	OpLoop        // OpLoop <offset:u16>, jumps backward

	// Calls and closures.
	OpCall        // OpCall <argc:u8>
	OpInvoke      // OpInvoke <name:u16> <argc:u8>
	OpSuperInvoke // OpSuperInvoke <name:u16> <argc:u8>
	OpClosure     // OpClosure <fn:u16> then per upvalue <isLocal:u8> <index:u8>
	OpCloseUpvalue
	OpReturn

	// Classes.
	OpClass   // OpClass <name:u16>
	OpInherit // copies superclass methods into the subclass
	OpMethod  // OpMethod <name:u16>
)

// OpCodeInfo provides metadata about each opcode for disassembly and
// validation. OperandLen is -1 for OpClosure, whose length depends on the
// closed-over function's upvalue count.
type OpCodeInfo struct {
	Name       string
	OperandLen int
}

var opCodeInfoTable = map[OpCode]OpCodeInfo{
	OpConstant:         {"OP_CONSTANT", 1},
	OpConstantLong:     {"OP_CONSTANT_LONG", 3},
	OpNil:              {"OP_NIL", 0},
	OpTrue:             {"OP_TRUE", 0},
	OpFalse:            {"OP_FALSE", 0},
	OpPop:              {"OP_POP", 0},
	OpDup:              {"OP_DUP", 0},
	OpGetLocal:         {"OP_GET_LOCAL", 1},
	OpGetLocalLong:     {"OP_GET_LOCAL_LONG", 3},
	OpSetLocal:         {"OP_SET_LOCAL", 1},
	OpSetLocalLong:     {"OP_SET_LOCAL_LONG", 3},
	OpGetGlobal:        {"OP_GET_GLOBAL", 1},
	OpGetGlobalLong:    {"OP_GET_GLOBAL_LONG", 3},
	OpDefineGlobal:     {"OP_DEFINE_GLOBAL", 1},
	OpDefineGlobalLong: {"OP_DEFINE_GLOBAL_LONG", 3},
	OpSetGlobal:        {"OP_SET_GLOBAL", 1},
	OpSetGlobalLong:    {"OP_SET_GLOBAL_LONG", 3},
	OpGetUpvalue:       {"OP_GET_UPVALUE", 1},
	OpSetUpvalue:       {"OP_SET_UPVALUE", 1},
	OpGetProperty:      {"OP_GET_PROPERTY", 2},
	OpSetProperty:      {"OP_SET_PROPERTY", 2},
	OpGetSuper:         {"OP_GET_SUPER", 2},
	OpEqual:            {"OP_EQUAL", 0},
	OpGreater:          {"OP_GREATER", 0},
	OpLess:             {"OP_LESS", 0},
	OpAdd:              {"OP_ADD", 0},
	OpSubtract:         {"OP_SUBTRACT", 0},
	OpMultiply:         {"OP_MULTIPLY", 0},
	OpDivide:           {"OP_DIVIDE", 0},
	OpNot:              {"OP_NOT", 0},
	OpNegate:           {"OP_NEGATE", 0},
	OpPrint:            {"OP_PRINT", 0},
	OpJump:             {"OP_JUMP", 2},
	OpJumpIfFalse:      {"OP_JUMP_IF_FALSE", 2},
	OpLoop:             {"OP_LOOP", 2},
	OpCall:             {"OP_CALL", 1},
	OpInvoke:           {"OP_INVOKE", 3},
	OpSuperInvoke:      {"OP_SUPER_INVOKE", 3},
	OpClosure:          {"OP_CLOSURE", -1},
	OpCloseUpvalue:     {"OP_CLOSE_UPVALUE", 0},
	OpReturn:           {"OP_RETURN", 0},
	OpClass:            {"OP_CLASS", 2},
	OpInherit:          {"OP_INHERIT", 0},
	OpMethod:           {"OP_METHOD", 2},
}

// GetOpCodeInfo returns metadata for an opcode. Returns a placeholder with
// name "OP_UNKNOWN(...)" if the opcode is not recognized.
func GetOpCodeInfo(op OpCode) OpCodeInfo {
	if info, ok := opCodeInfoTable[op]; ok {
		return info
	}
	return OpCodeInfo{Name: fmt.Sprintf("OP_UNKNOWN(0x%02X)", byte(op))}
}

// String returns the canonical mnemonic of an opcode.
func (op OpCode) String() string {
	return GetOpCodeInfo(op).Name
}

// OperandLen returns the number of operand bytes for this opcode, or -1
// when the length is not fixed (OpClosure).
func (op OpCode) OperandLen() int {
	return GetOpCodeInfo(op).OperandLen
}

// IsJump reports whether the opcode transfers control.
func (op OpCode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse || op == OpLoop
}

// AllOpCodes returns all defined opcodes; useful for checking that every
// opcode has metadata.
func AllOpCodes() []OpCode {
	ops := make([]OpCode, 0, len(opCodeInfoTable))
	for op := range opCodeInfoTable {
		ops = append(ops, op)
	}
	return ops
}
