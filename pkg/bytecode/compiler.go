package bytecode

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/chazu/vulpes/pkg/scanner"
)

// ErrCompile is returned when compilation fails; details have already been
// reported through the log sink.
var ErrCompile = errors.New("compile error")

// Precedence levels of the expression grammar, lowest first.
type precedence uint8

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precEquality
	precComparison
	precTerm
	precFactor
	precUnary
	precCall
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

// parseRule pairs the prefix and infix parse functions of a token kind
// with its infix precedence.
type parseRule struct {
	prefix     parseFn
	infix      parseFn
	precedence precedence
}

var rules [scanner.NumTokenKinds]parseRule

func init() {
	rules[scanner.TokenLeftParen] = parseRule{(*Compiler).grouping, (*Compiler).call, precCall}
	rules[scanner.TokenDot] = parseRule{nil, (*Compiler).dot, precCall}
	rules[scanner.TokenMinus] = parseRule{(*Compiler).unary, (*Compiler).binary, precTerm}
	rules[scanner.TokenPlus] = parseRule{nil, (*Compiler).binary, precTerm}
	rules[scanner.TokenSlash] = parseRule{nil, (*Compiler).binary, precFactor}
	rules[scanner.TokenStar] = parseRule{nil, (*Compiler).binary, precFactor}
	rules[scanner.TokenBang] = parseRule{(*Compiler).unary, nil, precNone}
	rules[scanner.TokenBangEqual] = parseRule{nil, (*Compiler).binary, precEquality}
	rules[scanner.TokenEqualEqual] = parseRule{nil, (*Compiler).binary, precEquality}
	rules[scanner.TokenGreater] = parseRule{nil, (*Compiler).binary, precComparison}
	rules[scanner.TokenGreaterEqual] = parseRule{nil, (*Compiler).binary, precComparison}
	rules[scanner.TokenLess] = parseRule{nil, (*Compiler).binary, precComparison}
	rules[scanner.TokenLessEqual] = parseRule{nil, (*Compiler).binary, precComparison}
	rules[scanner.TokenIdentifier] = parseRule{(*Compiler).variable, nil, precNone}
	rules[scanner.TokenString] = parseRule{(*Compiler).stringLiteral, nil, precNone}
	rules[scanner.TokenNumber] = parseRule{(*Compiler).number, nil, precNone}
	rules[scanner.TokenAnd] = parseRule{nil, (*Compiler).and, precAnd}
	rules[scanner.TokenOr] = parseRule{nil, (*Compiler).or, precOr}
	rules[scanner.TokenFalse] = parseRule{(*Compiler).literal, nil, precNone}
	rules[scanner.TokenTrue] = parseRule{(*Compiler).literal, nil, precNone}
	rules[scanner.TokenNil] = parseRule{(*Compiler).literal, nil, precNone}
	rules[scanner.TokenThis] = parseRule{(*Compiler).this, nil, precNone}
	rules[scanner.TokenSuper] = parseRule{(*Compiler).super, nil, precNone}
}

// functionType distinguishes the kinds of function bodies under compilation.
type functionType uint8

const (
	typeScript functionType = iota
	typeFunction
	typeMethod
	typeInitializer
)

// Local is a declared local variable in the current function. Depth -1
// marks a declared-but-uninitialized local (its own initializer is still
// being compiled).
type Local struct {
	Name       string
	Depth      int
	IsCaptured bool
	IsConst    bool
}

// upvalueSpec records one captured variable of the function being
// compiled: a slot in the enclosing function's locals (isLocal) or an
// index into the enclosing function's own upvalues.
type upvalueSpec struct {
	index   uint8
	isLocal bool
}

// loopState tracks the innermost enclosing loop of the current function,
// for break and continue.
type loopState struct {
	start      int
	scopeDepth int
	breaks     []int
	enclosing  *loopState
}

// funcState is the per-function compiler state. The compiler keeps an
// explicit stack of these so upvalue resolution can walk enclosing
// functions without inter-compiler pointers.
type funcState struct {
	function      Function
	ftype         functionType
	locals        []Local
	upvalues      []upvalueSpec
	scopeDepth    int
	loop          *loopState
	nameConstants map[string]int
}

// classState tracks the innermost class declaration, for this/super.
type classState struct {
	hasSuperclass bool
}

type globalInfo struct {
	mutable bool
}

// Compiler is a single-pass Pratt parser that scans, resolves lexical
// scope and emits bytecode in one traversal. It registers itself as a GC
// root source for the duration of a compile so functions under
// construction survive collections.
type Compiler struct {
	heap *Heap
	sink LogSink
	sc   *scanner.Scanner

	previous scanner.Token
	current  scanner.Token

	hadError  bool
	panicMode bool

	states  []*funcState
	classes []classState
	globals map[string]globalInfo
}

// Compile compiles a source unit into a top-level script function. All
// diagnostics go through the sink; the returned error is ErrCompile iff
// any were reported.
func Compile(source []byte, heap *Heap, sink LogSink) (FunctionHandle, error) {
	c := &Compiler{
		heap:    heap,
		sink:    sink,
		sc:      scanner.New(source),
		globals: make(map[string]globalInfo),
	}
	heap.AddRootSource(c)
	defer heap.RemoveRootSource(c)

	c.pushState("", typeScript)

	c.advance()
	for !c.match(scanner.TokenEOF) {
		c.declaration()
	}

	fn := c.endState()
	if c.hadError {
		return FunctionHandle{}, ErrCompile
	}
	return fn, nil
}

// MarkRoots marks everything a mid-compile collection must keep: the names
// and accumulated constants of every function under construction.
func (c *Compiler) MarkRoots(h *Heap) {
	for _, st := range c.states {
		h.MarkString(st.function.Name)
		for _, constant := range st.function.Chunk.Constants {
			h.MarkValue(constant)
		}
	}
}

// ----------------------------------------------------------------------
// Function state stack
// ----------------------------------------------------------------------

func (c *Compiler) pushState(name string, ftype functionType) {
	nameHandle := c.heap.Intern(name)
	st := &funcState{
		function:      Function{Name: nameHandle},
		ftype:         ftype,
		nameConstants: make(map[string]int),
	}
	// Slot zero belongs to the callee, or to `this` inside methods.
	slotZero := Local{Depth: 0}
	if ftype == typeMethod || ftype == typeInitializer {
		slotZero.Name = "this"
	}
	st.locals = append(st.locals, slotZero)
	c.states = append(c.states, st)
}

func (c *Compiler) state() *funcState {
	return c.states[len(c.states)-1]
}

func (c *Compiler) chunk() *Chunk {
	return &c.state().function.Chunk
}

// endState finishes the current function, moves it into the heap, and pops
// the state. The state is popped only after the heap allocation so a
// collection triggered by it still sees the function's constants as roots.
func (c *Compiler) endState() FunctionHandle {
	c.emitReturn()

	st := c.state()
	st.function.UpvalueCount = len(st.upvalues)

	if PrintCode.Load() && !c.hadError {
		name := c.heap.String(st.function.Name)
		if name == "" {
			name = "<script>"
		}
		c.sink.Debug(st.function.Chunk.Disassemble(c.heap, name))
	}

	fn := c.heap.AddFunction(st.function)
	c.states = c.states[:len(c.states)-1]
	return fn
}

// ----------------------------------------------------------------------
// Token plumbing
// ----------------------------------------------------------------------

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.sc.ScanToken()
		if c.current.Kind != scanner.TokenError {
			break
		}
		c.errorAtCurrent(string(c.current.Lexeme))
	}
}

func (c *Compiler) consume(kind scanner.TokenKind, msg string) {
	if c.check(kind) {
		c.advance()
		return
	}
	c.errorAtCurrent(msg)
}

func (c *Compiler) check(kind scanner.TokenKind) bool {
	return c.current.Kind == kind
}

func (c *Compiler) match(kind scanner.TokenKind) bool {
	if !c.check(kind) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) line() int {
	return c.previous.Line
}

// ----------------------------------------------------------------------
// Error reporting
// ----------------------------------------------------------------------

func (c *Compiler) errorAt(tok scanner.Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	c.hadError = true

	where := ""
	switch tok.Kind {
	case scanner.TokenEOF:
		where = " at end"
	case scanner.TokenError:
		// The message already carries the context.
	default:
		where = fmt.Sprintf(" at '%s'", tok.Lexeme)
	}
	c.sink.Error(fmt.Sprintf("[line %d] Error%s: %s", tok.Line, where, msg))
}

func (c *Compiler) error(msg string) {
	c.errorAt(c.previous, msg)
}

func (c *Compiler) errorAtCurrent(msg string) {
	c.errorAt(c.current, msg)
}

// synchronize skips tokens until a statement boundary so one syntax error
// does not cascade.
func (c *Compiler) synchronize() {
	c.panicMode = false
	for !c.check(scanner.TokenEOF) {
		if c.previous.Kind == scanner.TokenSemicolon {
			return
		}
		switch c.current.Kind {
		case scanner.TokenClass, scanner.TokenFun, scanner.TokenVar, scanner.TokenConst,
			scanner.TokenFor, scanner.TokenIf, scanner.TokenWhile, scanner.TokenSwitch,
			scanner.TokenPrint, scanner.TokenReturn:
			return
		}
		c.advance()
	}
}

// ----------------------------------------------------------------------
// Emitters
// ----------------------------------------------------------------------

func (c *Compiler) emitByte(b byte) {
	c.chunk().Write(b, c.line())
}

func (c *Compiler) emitOp(op OpCode) {
	c.chunk().WriteOp(op, c.line())
}

func (c *Compiler) emitOps(a, b OpCode) {
	c.emitOp(a)
	c.emitOp(b)
}

func (c *Compiler) emitU16(v uint16) {
	c.chunk().WriteU16(v, c.line())
}

func (c *Compiler) emitReturn() {
	if c.state().ftype == typeInitializer {
		c.emitOp(OpGetLocal)
		c.emitByte(0)
	} else {
		c.emitOp(OpNil)
	}
	c.emitOp(OpReturn)
}

func (c *Compiler) emitConstant(v Value) {
	if !c.chunk().WriteConstant(v, c.line()) {
		c.error("Too many constants in one chunk.")
	}
}

// emitJump writes a jump with a placeholder operand and returns the offset
// of the jump opcode for later patching.
func (c *Compiler) emitJump(op OpCode) int {
	c.emitOp(op)
	offset := len(c.chunk().Code) - 1
	c.emitByte(0xff)
	c.emitByte(0xff)
	return offset
}

// patchJump back-fills a forward jump to land on the next instruction.
func (c *Compiler) patchJump(opOffset int) {
	jump := len(c.chunk().Code) - opOffset - 3
	if jump > int(^uint16(0)>>1) {
		c.error("Too much code to jump over.")
	}
	c.chunk().Patch(opOffset+1, byte(jump>>8))
	c.chunk().Patch(opOffset+2, byte(jump))
}

func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(OpLoop)
	offset := len(c.chunk().Code) - loopStart + 2
	if offset > int(^uint16(0)) {
		c.error("Loop body too large.")
	}
	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset))
}

// ----------------------------------------------------------------------
// Constants and identifiers
// ----------------------------------------------------------------------

// identifierConstant interns the name and returns its constant pool index
// in the current chunk, reusing a previous entry for the same name.
func (c *Compiler) identifierConstant(name string) int {
	st := c.state()
	if index, ok := st.nameConstants[name]; ok {
		return index
	}
	nameHandle := c.heap.Intern(name)
	index := c.chunk().AddConstant(StringValue(nameHandle))
	if index < 0 {
		c.error("Too many constants in one chunk.")
		return 0
	}
	st.nameConstants[name] = index
	return index
}

// emitIndexedOp emits the short or long form of an indexed opcode
// depending on the operand width.
func (c *Compiler) emitIndexedOp(short, long OpCode, index int) {
	if index < 256 {
		c.emitOp(short)
		c.emitByte(byte(index))
	} else {
		c.emitOp(long)
		c.chunk().WriteU24(index, c.line())
	}
}

// ----------------------------------------------------------------------
// Scope handling
// ----------------------------------------------------------------------

func (c *Compiler) beginScope() {
	c.state().scopeDepth++
}

func (c *Compiler) endScope() {
	st := c.state()
	st.scopeDepth--
	for len(st.locals) > 0 && st.locals[len(st.locals)-1].Depth > st.scopeDepth {
		if st.locals[len(st.locals)-1].IsCaptured {
			c.emitOp(OpCloseUpvalue)
		} else {
			c.emitOp(OpPop)
		}
		st.locals = st.locals[:len(st.locals)-1]
	}
}

// discardLocals emits pops for locals deeper than depth without removing
// them from the compile-time list; break and continue leave the lexical
// scope intact while unwinding the runtime stack.
func (c *Compiler) discardLocals(depth int) {
	st := c.state()
	for i := len(st.locals) - 1; i >= 0 && st.locals[i].Depth > depth; i-- {
		if st.locals[i].IsCaptured {
			c.emitOp(OpCloseUpvalue)
		} else {
			c.emitOp(OpPop)
		}
	}
}

func (c *Compiler) addLocal(name string, isConst bool) {
	st := c.state()
	if len(st.locals) >= MaxConstants {
		c.error("Too many local variables in function.")
		return
	}
	st.locals = append(st.locals, Local{Name: name, Depth: -1, IsConst: isConst})
}

// declareVariable registers a new local in the current scope; globals are
// late-bound and need no declaration.
func (c *Compiler) declareVariable(isConst bool) {
	st := c.state()
	if st.scopeDepth == 0 {
		return
	}
	name := string(c.previous.Lexeme)
	for i := len(st.locals) - 1; i >= 0; i-- {
		local := &st.locals[i]
		if local.Depth != -1 && local.Depth < st.scopeDepth {
			break
		}
		if local.Name == name {
			c.error("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name, isConst)
}

// parseVariable consumes an identifier and returns its global name
// constant index, or -1 for locals.
func (c *Compiler) parseVariable(msg string, isConst bool) int {
	c.consume(scanner.TokenIdentifier, msg)
	c.declareVariable(isConst)
	if c.state().scopeDepth > 0 {
		return -1
	}
	return c.identifierConstant(string(c.previous.Lexeme))
}

func (c *Compiler) markInitialized() {
	st := c.state()
	if st.scopeDepth == 0 {
		return
	}
	st.locals[len(st.locals)-1].Depth = st.scopeDepth
}

func (c *Compiler) defineVariable(global int, isConst bool) {
	if global < 0 {
		c.markInitialized()
		return
	}
	name := c.chunk().Constants[global].AsString()
	c.globals[c.heap.String(name)] = globalInfo{mutable: !isConst}
	c.emitIndexedOp(OpDefineGlobal, OpDefineGlobalLong, global)
}

// ----------------------------------------------------------------------
// Identifier resolution
// ----------------------------------------------------------------------

// resolveLocal searches a function state's locals from innermost out.
func (c *Compiler) resolveLocal(st *funcState, name string) (int, bool) {
	for i := len(st.locals) - 1; i >= 0; i-- {
		if st.locals[i].Name == name {
			if st.locals[i].Depth == -1 {
				c.error("Can't read local variable in its own initializer.")
			}
			return i, true
		}
	}
	return 0, false
}

func (c *Compiler) addUpvalue(si int, index uint8, isLocal bool) int {
	st := c.states[si]
	for i, uv := range st.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return i
		}
	}
	if len(st.upvalues) >= 256 {
		c.error("Too many closure variables in function.")
		return 0
	}
	st.upvalues = append(st.upvalues, upvalueSpec{index: index, isLocal: isLocal})
	return len(st.upvalues) - 1
}

// resolveUpvalue resolves a name against the enclosing functions of state
// si, creating the chain of upvalues that threads the captured variable
// down to the current function.
func (c *Compiler) resolveUpvalue(si int, name string) (int, bool) {
	if si == 0 {
		return 0, false
	}
	enclosing := c.states[si-1]
	if slot, ok := c.resolveLocal(enclosing, name); ok {
		if slot > 255 {
			c.error("Closures can only capture the first 256 locals of a function.")
			return 0, false
		}
		enclosing.locals[slot].IsCaptured = true
		return c.addUpvalue(si, uint8(slot), true), true
	}
	if index, ok := c.resolveUpvalue(si-1, name); ok {
		return c.addUpvalue(si, uint8(index), false), true
	}
	return 0, false
}

// namedVariable compiles a read of, or assignment to, the given name,
// resolving locals first, then upvalues, then falling back to a global.
func (c *Compiler) namedVariable(name string, canAssign bool) {
	st := c.state()
	si := len(c.states) - 1

	assigning := canAssign && c.match(scanner.TokenEqual)

	if slot, ok := c.resolveLocal(st, name); ok {
		if assigning {
			if st.locals[slot].IsConst {
				c.error("Reassignment to local 'const'.")
			}
			c.expression()
			c.emitIndexedOp(OpSetLocal, OpSetLocalLong, slot)
		} else {
			c.emitIndexedOp(OpGetLocal, OpGetLocalLong, slot)
		}
		return
	}

	if index, ok := c.resolveUpvalue(si, name); ok {
		if assigning {
			c.expression()
			c.emitOp(OpSetUpvalue)
			c.emitByte(byte(index))
		} else {
			c.emitOp(OpGetUpvalue)
			c.emitByte(byte(index))
		}
		return
	}

	global := c.identifierConstant(name)
	if assigning {
		if info, known := c.globals[name]; known && !info.mutable {
			c.error("Reassignment to global 'const'.")
		}
		c.expression()
		c.emitIndexedOp(OpSetGlobal, OpSetGlobalLong, global)
	} else {
		c.emitIndexedOp(OpGetGlobal, OpGetGlobalLong, global)
	}
}

// ----------------------------------------------------------------------
// Expressions
// ----------------------------------------------------------------------

func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefix := rules[c.previous.Kind].prefix
	if prefix == nil {
		c.error("Expect expression.")
		return
	}

	canAssign := prec <= precAssignment
	prefix(c, canAssign)

	for prec <= rules[c.current.Kind].precedence {
		c.advance()
		rules[c.previous.Kind].infix(c, canAssign)
	}

	if canAssign && c.match(scanner.TokenEqual) {
		c.error("Invalid assignment target.")
	}
}

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

func (c *Compiler) grouping(_ bool) {
	c.expression()
	c.consume(scanner.TokenRightParen, "Expect ')' after expression.")
}

func (c *Compiler) number(_ bool) {
	value, err := strconv.ParseFloat(string(c.previous.Lexeme), 64)
	if err != nil {
		c.error("Invalid number literal.")
		return
	}
	c.emitConstant(NumberValue(value))
}

func (c *Compiler) stringLiteral(_ bool) {
	lexeme := c.previous.Lexeme
	content := string(lexeme[1 : len(lexeme)-1])
	c.emitConstant(StringValue(c.heap.Intern(content)))
}

func (c *Compiler) literal(_ bool) {
	switch c.previous.Kind {
	case scanner.TokenFalse:
		c.emitOp(OpFalse)
	case scanner.TokenTrue:
		c.emitOp(OpTrue)
	case scanner.TokenNil:
		c.emitOp(OpNil)
	}
}

func (c *Compiler) variable(canAssign bool) {
	c.namedVariable(string(c.previous.Lexeme), canAssign)
}

func (c *Compiler) unary(_ bool) {
	operator := c.previous.Kind
	c.parsePrecedence(precUnary)
	switch operator {
	case scanner.TokenMinus:
		c.emitOp(OpNegate)
	case scanner.TokenBang:
		c.emitOp(OpNot)
	}
}

func (c *Compiler) binary(_ bool) {
	operator := c.previous.Kind
	c.parsePrecedence(rules[operator].precedence + 1)

	switch operator {
	case scanner.TokenPlus:
		c.emitOp(OpAdd)
	case scanner.TokenMinus:
		c.emitOp(OpSubtract)
	case scanner.TokenStar:
		c.emitOp(OpMultiply)
	case scanner.TokenSlash:
		c.emitOp(OpDivide)
	case scanner.TokenBangEqual:
		c.emitOps(OpEqual, OpNot)
	case scanner.TokenEqualEqual:
		c.emitOp(OpEqual)
	case scanner.TokenGreater:
		c.emitOp(OpGreater)
	case scanner.TokenGreaterEqual:
		c.emitOps(OpLess, OpNot)
	case scanner.TokenLess:
		c.emitOp(OpLess)
	case scanner.TokenLessEqual:
		c.emitOps(OpGreater, OpNot)
	}
}

func (c *Compiler) and(_ bool) {
	endJump := c.emitJump(OpJumpIfFalse)
	c.emitOp(OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

func (c *Compiler) or(_ bool) {
	elseJump := c.emitJump(OpJumpIfFalse)
	endJump := c.emitJump(OpJump)
	c.patchJump(elseJump)
	c.emitOp(OpPop)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

func (c *Compiler) call(_ bool) {
	argc := c.argumentList()
	c.emitOp(OpCall)
	c.emitByte(argc)
}

func (c *Compiler) dot(canAssign bool) {
	c.consume(scanner.TokenIdentifier, "Expect property name after '.'.")
	name := c.identifierConstant(string(c.previous.Lexeme))

	switch {
	case canAssign && c.match(scanner.TokenEqual):
		c.expression()
		c.emitOp(OpSetProperty)
		c.emitU16(uint16(name))
	case c.match(scanner.TokenLeftParen):
		argc := c.argumentList()
		c.emitOp(OpInvoke)
		c.emitU16(uint16(name))
		c.emitByte(argc)
	default:
		c.emitOp(OpGetProperty)
		c.emitU16(uint16(name))
	}
}

func (c *Compiler) this(_ bool) {
	if len(c.classes) == 0 {
		c.error("Can't use 'this' outside of a class.")
		return
	}
	c.namedVariable("this", false)
}

func (c *Compiler) super(_ bool) {
	if len(c.classes) == 0 {
		c.error("Can't use 'super' outside of a class.")
	} else if !c.classes[len(c.classes)-1].hasSuperclass {
		c.error("Can't use 'super' in a class with no superclass.")
	}

	c.consume(scanner.TokenDot, "Expect '.' after 'super'.")
	c.consume(scanner.TokenIdentifier, "Expect superclass method name.")
	name := c.identifierConstant(string(c.previous.Lexeme))

	c.namedVariable("this", false)
	if c.match(scanner.TokenLeftParen) {
		argc := c.argumentList()
		c.namedVariable("super", false)
		c.emitOp(OpSuperInvoke)
		c.emitU16(uint16(name))
		c.emitByte(argc)
	} else {
		c.namedVariable("super", false)
		c.emitOp(OpGetSuper)
		c.emitU16(uint16(name))
	}
}

func (c *Compiler) argumentList() byte {
	argc := 0
	if !c.check(scanner.TokenRightParen) {
		for {
			c.expression()
			if argc == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			argc++
			if !c.match(scanner.TokenComma) {
				break
			}
		}
	}
	c.consume(scanner.TokenRightParen, "Expect ')' after arguments.")
	return byte(argc)
}

// ----------------------------------------------------------------------
// Declarations and statements
// ----------------------------------------------------------------------

func (c *Compiler) declaration() {
	switch {
	case c.match(scanner.TokenClass):
		c.classDeclaration()
	case c.match(scanner.TokenFun):
		c.funDeclaration()
	case c.match(scanner.TokenVar):
		c.varDeclaration(false)
	case c.match(scanner.TokenConst):
		c.varDeclaration(true)
	default:
		c.statement()
	}

	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) statement() {
	switch {
	case c.match(scanner.TokenPrint):
		c.printStatement()
	case c.match(scanner.TokenIf):
		c.ifStatement()
	case c.match(scanner.TokenReturn):
		c.returnStatement()
	case c.match(scanner.TokenWhile):
		c.whileStatement()
	case c.match(scanner.TokenFor):
		c.forStatement()
	case c.match(scanner.TokenSwitch):
		c.switchStatement()
	case c.match(scanner.TokenBreak):
		c.breakStatement()
	case c.match(scanner.TokenContinue):
		c.continueStatement()
	case c.match(scanner.TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) block() {
	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		c.declaration()
	}
	c.consume(scanner.TokenRightBrace, "Expect '}' after block.")
}

func (c *Compiler) varDeclaration(isConst bool) {
	global := c.parseVariable("Expect variable name.", isConst)

	if c.match(scanner.TokenEqual) {
		c.expression()
	} else {
		c.emitOp(OpNil)
	}
	c.consume(scanner.TokenSemicolon, "Expect ';' after variable declaration.")

	c.defineVariable(global, isConst)
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.", false)
	c.markInitialized()
	c.function(typeFunction)
	c.defineVariable(global, false)
}

// function compiles a function body in a fresh nested state, then emits
// the closure in the enclosing function.
func (c *Compiler) function(ftype functionType) {
	name := string(c.previous.Lexeme)
	c.pushState(name, ftype)
	c.beginScope()

	c.consume(scanner.TokenLeftParen, "Expect '(' after function name.")
	if !c.check(scanner.TokenRightParen) {
		for {
			c.state().function.Arity++
			if c.state().function.Arity > 255 {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			param := c.parseVariable("Expect parameter name.", false)
			c.defineVariable(param, false)
			if !c.match(scanner.TokenComma) {
				break
			}
		}
	}
	c.consume(scanner.TokenRightParen, "Expect ')' after parameters.")
	c.consume(scanner.TokenLeftBrace, "Expect '{' before function body.")
	c.block()

	upvalues := append([]upvalueSpec(nil), c.state().upvalues...)
	fn := c.endState()

	index := c.chunk().AddConstant(FunctionValue(fn))
	if index < 0 {
		c.error("Too many constants in one chunk.")
		return
	}
	c.emitOp(OpClosure)
	c.emitU16(uint16(index))
	for _, uv := range upvalues {
		if uv.isLocal {
			c.emitByte(1)
		} else {
			c.emitByte(0)
		}
		c.emitByte(uv.index)
	}
}

func (c *Compiler) classDeclaration() {
	c.consume(scanner.TokenIdentifier, "Expect class name.")
	className := string(c.previous.Lexeme)
	nameConstant := c.identifierConstant(className)
	c.declareVariable(false)

	c.emitOp(OpClass)
	c.emitU16(uint16(nameConstant))
	c.defineVariable(c.globalIndexFor(className), false)

	c.classes = append(c.classes, classState{})

	if c.match(scanner.TokenLess) {
		c.consume(scanner.TokenIdentifier, "Expect superclass name.")
		superName := string(c.previous.Lexeme)
		c.variable(false)
		if superName == className {
			c.error("A class can't inherit from itself.")
		}

		c.beginScope()
		c.addLocal("super", false)
		c.markInitialized()

		c.namedVariable(className, false)
		c.emitOp(OpInherit)
		c.classes[len(c.classes)-1].hasSuperclass = true
	}

	c.namedVariable(className, false)
	c.consume(scanner.TokenLeftBrace, "Expect '{' before class body.")
	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		c.method()
	}
	c.consume(scanner.TokenRightBrace, "Expect '}' after class body.")
	c.emitOp(OpPop)

	if c.classes[len(c.classes)-1].hasSuperclass {
		c.endScope()
	}
	c.classes = c.classes[:len(c.classes)-1]
}

// globalIndexFor returns the name constant index when declaring at global
// scope, -1 inside a scope (matching parseVariable's convention).
func (c *Compiler) globalIndexFor(name string) int {
	if c.state().scopeDepth > 0 {
		return -1
	}
	return c.identifierConstant(name)
}

func (c *Compiler) method() {
	c.consume(scanner.TokenIdentifier, "Expect method name.")
	name := string(c.previous.Lexeme)
	nameConstant := c.identifierConstant(name)

	ftype := typeMethod
	if name == "init" {
		ftype = typeInitializer
	}
	c.function(ftype)

	c.emitOp(OpMethod)
	c.emitU16(uint16(nameConstant))
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after value.")
	c.emitOp(OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after expression.")
	c.emitOp(OpPop)
}

func (c *Compiler) ifStatement() {
	c.consume(scanner.TokenLeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(scanner.TokenRightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(OpJumpIfFalse)
	c.emitOp(OpPop)
	c.statement()

	elseJump := c.emitJump(OpJump)
	c.patchJump(thenJump)
	c.emitOp(OpPop)
	if c.match(scanner.TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) returnStatement() {
	if c.state().ftype == typeScript {
		c.error("Can't return from top-level code.")
	}
	if c.match(scanner.TokenSemicolon) {
		c.emitReturn()
		return
	}
	if c.state().ftype == typeInitializer {
		c.error("Can't return a value from an initializer.")
	}
	c.expression()
	c.consume(scanner.TokenSemicolon, "Expect ';' after return value.")
	c.emitOp(OpReturn)
}

func (c *Compiler) whileStatement() {
	st := c.state()
	loop := &loopState{
		start:      len(c.chunk().Code),
		scopeDepth: st.scopeDepth,
		enclosing:  st.loop,
	}
	st.loop = loop

	c.consume(scanner.TokenLeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(scanner.TokenRightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(OpJumpIfFalse)
	c.emitOp(OpPop)
	c.statement()
	c.emitLoop(loop.start)

	c.patchJump(exitJump)
	c.emitOp(OpPop)

	for _, breakJump := range loop.breaks {
		c.patchJump(breakJump)
	}
	st.loop = loop.enclosing
}

func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(scanner.TokenLeftParen, "Expect '(' after 'for'.")

	switch {
	case c.match(scanner.TokenSemicolon):
		// No initializer.
	case c.match(scanner.TokenVar):
		c.varDeclaration(false)
	case c.match(scanner.TokenConst):
		c.varDeclaration(true)
	default:
		c.expressionStatement()
	}

	st := c.state()
	loop := &loopState{
		start:      len(c.chunk().Code),
		scopeDepth: st.scopeDepth,
		enclosing:  st.loop,
	}
	st.loop = loop

	exitJump := -1
	if !c.match(scanner.TokenSemicolon) {
		c.expression()
		c.consume(scanner.TokenSemicolon, "Expect ';' after loop condition.")
		exitJump = c.emitJump(OpJumpIfFalse)
		c.emitOp(OpPop)
	}

	if !c.match(scanner.TokenRightParen) {
		bodyJump := c.emitJump(OpJump)
		incrementStart := len(c.chunk().Code)
		c.expression()
		c.emitOp(OpPop)
		c.consume(scanner.TokenRightParen, "Expect ')' after for clauses.")

		c.emitLoop(loop.start)
		loop.start = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loop.start)

	if exitJump >= 0 {
		c.patchJump(exitJump)
		c.emitOp(OpPop)
	}

	for _, breakJump := range loop.breaks {
		c.patchJump(breakJump)
	}
	st.loop = loop.enclosing
	c.endScope()
}

func (c *Compiler) switchStatement() {
	c.consume(scanner.TokenLeftParen, "Expect '(' after 'switch'.")
	c.expression()
	c.consume(scanner.TokenRightParen, "Expect ')' after 'switch' value.")
	c.consume(scanner.TokenLeftBrace, "Expect '{' before 'switch' body.")

	var endJumps []int
	hadDefault := false

	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		if hadDefault {
			c.errorAtCurrent("No 'case' or 'default' allowed after 'default' branch.")
		}

		missJump := -1
		if c.match(scanner.TokenCase) {
			c.emitOp(OpDup)
			c.expression()
			c.consume(scanner.TokenColon, "Expect ':' after 'case' value.")
			c.emitOp(OpEqual)
			missJump = c.emitJump(OpJumpIfFalse)
			c.emitOp(OpPop)
		} else {
			c.consume(scanner.TokenDefault, "Expect 'case' or 'default'.")
			c.consume(scanner.TokenColon, "Expect ':' after 'default'.")
			hadDefault = true
		}

		for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenCase) &&
			!c.check(scanner.TokenDefault) && !c.check(scanner.TokenEOF) {
			c.statement()
		}

		endJumps = append(endJumps, c.emitJump(OpJump))

		if missJump >= 0 {
			c.patchJump(missJump)
			c.emitOp(OpPop)
		}
	}

	for _, endJump := range endJumps {
		c.patchJump(endJump)
	}
	c.emitOp(OpPop) // the switch value

	c.consume(scanner.TokenRightBrace, "Expect '}' after 'switch' body.")
}

func (c *Compiler) breakStatement() {
	st := c.state()
	if st.loop == nil {
		c.error("'break' outside a loop.")
		return
	}
	c.consume(scanner.TokenSemicolon, "Expect ';' after 'break'.")
	c.discardLocals(st.loop.scopeDepth)
	st.loop.breaks = append(st.loop.breaks, c.emitJump(OpJump))
}

func (c *Compiler) continueStatement() {
	st := c.state()
	if st.loop == nil {
		c.error("'continue' outside a loop.")
		return
	}
	c.consume(scanner.TokenSemicolon, "Expect ';' after 'continue'.")
	c.discardLocals(st.loop.scopeDepth)
	c.emitLoop(st.loop.start)
}
