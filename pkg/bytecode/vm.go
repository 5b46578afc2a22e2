package bytecode

import (
	"fmt"
	"strings"
)

// InterpretResult is the outcome of running a source unit.
type InterpretResult int

const (
	InterpretOk InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
)

func (r InterpretResult) String() string {
	switch r {
	case InterpretOk:
		return "ok"
	case InterpretCompileError:
		return "compile error"
	case InterpretRuntimeError:
		return "runtime error"
	}
	return fmt.Sprintf("InterpretResult(%d)", int(r))
}

// CallFrame is one active function invocation: the closure being run, the
// instruction pointer into its chunk, and the stack index of its slot zero
// (the receiver for methods, the callee otherwise).
type CallFrame struct {
	closure  ClosureHandle
	ip       int
	slotBase int
}

// VM executes compiled functions. It owns the value stack, the call frame
// stack, the globals table, the open-upvalue list, and the heap.
type VM struct {
	heap *Heap
	sink LogSink

	stack      []Value
	sp         int
	frames     [FramesMax]CallFrame
	frameCount int

	globals      map[StringHandle]Value
	openUpvalues []UpvalueHandle

	initString StringHandle
	overflow   bool
}

// NewVM builds a VM with a fresh heap and the native functions installed
// in the globals.
func NewVM(sink LogSink) *VM {
	vm := &VM{
		heap:    NewHeap(sink),
		sink:    sink,
		stack:   make([]Value, StackMax),
		globals: make(map[StringHandle]Value),
	}
	vm.heap.AddRootSource(vm)
	vm.initString = vm.heap.Intern("init")
	defineNatives(vm)
	return vm
}

// Heap exposes the VM's heap; the compiler and natives allocate through it.
func (vm *VM) Heap() *Heap {
	return vm.heap
}

// MarkRoots enumerates the VM's GC roots: every live stack slot, every
// frame's closure, the globals (keys and values), the open upvalues, and
// the cached "init" name.
func (vm *VM) MarkRoots(h *Heap) {
	for i := 0; i < vm.sp; i++ {
		h.MarkValue(vm.stack[i])
	}
	for i := 0; i < vm.frameCount; i++ {
		h.MarkClosure(vm.frames[i].closure)
	}
	for name, value := range vm.globals {
		h.MarkString(name)
		h.MarkValue(value)
	}
	for _, uv := range vm.openUpvalues {
		h.MarkUpvalue(uv)
	}
	h.MarkString(vm.initString)
}

// InterpretSource compiles and runs a source unit. Globals persist across
// calls, which is what keeps REPL sessions stateful.
func (vm *VM) InterpretSource(source []byte) InterpretResult {
	fn, err := Compile(source, vm.heap, vm.sink)
	if err != nil {
		return InterpretCompileError
	}
	return vm.Interpret(fn)
}

// Interpret wraps a compiled top-level function in a zero-upvalue closure
// and runs it to completion.
func (vm *VM) Interpret(fn FunctionHandle) InterpretResult {
	vm.push(FunctionValue(fn))
	closure := vm.heap.AddClosure(Closure{Function: fn})
	vm.pop()
	vm.push(ClosureValue(closure))
	if !vm.callClosure(closure, 0) {
		return InterpretRuntimeError
	}
	return vm.run()
}

// ----------------------------------------------------------------------
// Stack primitives
// ----------------------------------------------------------------------

func (vm *VM) push(v Value) {
	if vm.sp >= len(vm.stack) {
		vm.overflow = true
		return
	}
	vm.stack[vm.sp] = v
	vm.sp++
}

func (vm *VM) pop() Value {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek(distance int) Value {
	return vm.stack[vm.sp-1-distance]
}

func (vm *VM) resetStack() {
	vm.sp = 0
	vm.frameCount = 0
	vm.openUpvalues = nil
	vm.overflow = false
}

// ----------------------------------------------------------------------
// Error reporting
// ----------------------------------------------------------------------

// runtimeError reports the message and a stack trace, newest frame first,
// then resets the stacks.
func (vm *VM) runtimeError(format string, args ...any) {
	vm.sink.Error(fmt.Sprintf(format, args...))

	for i := vm.frameCount - 1; i >= 0; i-- {
		frame := &vm.frames[i]
		fn := vm.heap.Function(vm.heap.Closure(frame.closure).Function)
		line := fn.Chunk.LineAt(frame.ip - 1)
		name := vm.heap.String(fn.Name)
		if name == "" {
			vm.sink.Error(fmt.Sprintf("[line %d] in script", line))
		} else {
			vm.sink.Error(fmt.Sprintf("[line %d] in %s()", line, name))
		}
	}

	vm.resetStack()
}

// ----------------------------------------------------------------------
// Dispatch loop
// ----------------------------------------------------------------------

func (vm *VM) run() InterpretResult {
	trace := TraceExecution.Load()
	stress := StressGC.Load()
	stdMode := StdMode.Load()

	// Hot-loop caches of the current frame. Function bodies are immutable
	// after compilation, so the chunk pointer stays readable even while
	// the arenas grow.
	frame := &vm.frames[vm.frameCount-1]
	closure := vm.heap.Closure(frame.closure)
	chunk := &vm.heap.Function(closure.Function).Chunk

	recache := func() {
		frame = &vm.frames[vm.frameCount-1]
		closure = vm.heap.Closure(frame.closure)
		chunk = &vm.heap.Function(closure.Function).Chunk
	}

	readByte := func() byte {
		b := chunk.Code[frame.ip]
		frame.ip++
		return b
	}
	readU16 := func() uint16 {
		v := chunk.ReadU16(frame.ip)
		frame.ip += 2
		return v
	}
	readU24 := func() int {
		v := chunk.ReadU24(frame.ip)
		frame.ip += 3
		return v
	}
	readConstant := func(index int) Value {
		return chunk.Constants[index]
	}
	readStringConstant := func(index int) StringHandle {
		return chunk.Constants[index].AsString()
	}

	for {
		if stress {
			vm.heap.CollectGarbage()
		}
		if vm.overflow {
			vm.runtimeError("Stack overflow.")
			return InterpretRuntimeError
		}
		if trace {
			vm.traceInstruction(chunk, frame.ip)
		}

		op := OpCode(readByte())

		switch op {
		case OpConstant:
			vm.push(readConstant(int(readByte())))

		case OpConstantLong:
			vm.push(readConstant(readU24()))

		case OpNil:
			vm.push(NilValue())

		case OpTrue:
			vm.push(BoolValue(true))

		case OpFalse:
			vm.push(BoolValue(false))

		case OpPop:
			vm.pop()

		case OpDup:
			vm.push(vm.peek(0))

		case OpGetLocal:
			vm.push(vm.stack[frame.slotBase+int(readByte())])

		case OpGetLocalLong:
			vm.push(vm.stack[frame.slotBase+readU24()])

		case OpSetLocal:
			vm.stack[frame.slotBase+int(readByte())] = vm.peek(0)

		case OpSetLocalLong:
			vm.stack[frame.slotBase+readU24()] = vm.peek(0)

		case OpGetGlobal, OpGetGlobalLong:
			var index int
			if op == OpGetGlobal {
				index = int(readByte())
			} else {
				index = readU24()
			}
			name := readStringConstant(index)
			value, ok := vm.globals[name]
			if !ok {
				vm.runtimeError("Undefined variable '%s'.", vm.heap.String(name))
				return InterpretRuntimeError
			}
			vm.push(value)

		case OpDefineGlobal, OpDefineGlobalLong:
			var index int
			if op == OpDefineGlobal {
				index = int(readByte())
			} else {
				index = readU24()
			}
			name := readStringConstant(index)
			vm.globals[name] = vm.peek(0)
			vm.pop()

		case OpSetGlobal, OpSetGlobalLong:
			var index int
			if op == OpSetGlobal {
				index = int(readByte())
			} else {
				index = readU24()
			}
			name := readStringConstant(index)
			if _, ok := vm.globals[name]; !ok {
				vm.runtimeError("Undefined variable '%s'.", vm.heap.String(name))
				return InterpretRuntimeError
			}
			vm.globals[name] = vm.peek(0)

		case OpGetUpvalue:
			index := readByte()
			uv := vm.heap.Upvalue(closure.Upvalues[index])
			if uv.Closed {
				vm.push(uv.Value)
			} else {
				vm.push(vm.stack[uv.Slot])
			}

		case OpSetUpvalue:
			index := readByte()
			uv := vm.heap.Upvalue(closure.Upvalues[index])
			if uv.Closed {
				uv.Value = vm.peek(0)
			} else {
				vm.stack[uv.Slot] = vm.peek(0)
			}

		case OpGetProperty:
			name := readStringConstant(int(readU16()))
			if vm.peek(0).Type != ValInstance {
				vm.runtimeError("Only instances have properties.")
				return InterpretRuntimeError
			}
			inst := vm.heap.Instance(vm.peek(0).AsInstance())
			if field, ok := inst.Fields[name]; ok {
				vm.pop()
				vm.push(field)
				break
			}
			if method, ok := vm.heap.Class(inst.Class).Methods[name]; ok {
				bound := vm.heap.AddBoundMethod(vm.peek(0), method)
				vm.pop()
				vm.push(BoundMethodValue(bound))
				break
			}
			if stdMode {
				vm.runtimeError("Undefined property '%s'.", vm.heap.String(name))
				return InterpretRuntimeError
			}
			vm.pop()
			vm.push(NilValue())

		case OpSetProperty:
			name := readStringConstant(int(readU16()))
			if vm.peek(1).Type != ValInstance {
				vm.runtimeError("Only instances have fields.")
				return InterpretRuntimeError
			}
			inst := vm.heap.Instance(vm.peek(1).AsInstance())
			inst.Fields[name] = vm.peek(0)
			value := vm.pop()
			vm.pop()
			vm.push(value)

		case OpGetSuper:
			name := readStringConstant(int(readU16()))
			superclass := vm.pop().AsClass()
			if !vm.bindMethod(superclass, name) {
				return InterpretRuntimeError
			}

		case OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(BoolValue(a.Equals(b)))

		case OpGreater, OpLess:
			if vm.peek(0).Type != ValNumber || vm.peek(1).Type != ValNumber {
				vm.runtimeError("Operands must be numbers.")
				return InterpretRuntimeError
			}
			b := vm.pop().AsNumber()
			a := vm.peek(0).AsNumber()
			if op == OpGreater {
				vm.stack[vm.sp-1] = BoolValue(a > b)
			} else {
				vm.stack[vm.sp-1] = BoolValue(a < b)
			}

		case OpAdd:
			switch {
			case vm.peek(0).Type == ValString && vm.peek(1).Type == ValString:
				// Operands stay on the stack while the result is
				// interned so a collection can't sweep them.
				b := vm.heap.String(vm.peek(0).AsString())
				a := vm.heap.String(vm.peek(1).AsString())
				result := vm.heap.Intern(a + b)
				vm.pop()
				vm.pop()
				vm.push(StringValue(result))
			case vm.peek(0).Type == ValNumber && vm.peek(1).Type == ValNumber:
				b := vm.pop().AsNumber()
				a := vm.peek(0).AsNumber()
				vm.stack[vm.sp-1] = NumberValue(a + b)
			default:
				vm.runtimeError("Operands must be two numbers or two strings.")
				return InterpretRuntimeError
			}

		case OpSubtract, OpMultiply, OpDivide:
			if vm.peek(0).Type != ValNumber || vm.peek(1).Type != ValNumber {
				vm.runtimeError("Operands must be numbers.")
				return InterpretRuntimeError
			}
			b := vm.pop().AsNumber()
			a := vm.peek(0).AsNumber()
			var result float64
			switch op {
			case OpSubtract:
				result = a - b
			case OpMultiply:
				result = a * b
			case OpDivide:
				result = a / b
			}
			vm.stack[vm.sp-1] = NumberValue(result)

		case OpNot:
			vm.stack[vm.sp-1] = BoolValue(vm.peek(0).IsFalsey())

		case OpNegate:
			if vm.peek(0).Type != ValNumber {
				vm.runtimeError("Operand must be a number.")
				return InterpretRuntimeError
			}
			vm.stack[vm.sp-1] = NumberValue(-vm.peek(0).AsNumber())

		case OpPrint:
			vm.sink.Info(vm.pop().Format(vm.heap))

		case OpJump:
			delta := int(int16(readU16()))
			frame.ip += delta

		case OpJumpIfFalse:
			delta := int(int16(readU16()))
			if vm.peek(0).IsFalsey() {
				frame.ip += delta
			}

		case OpLoop:
			delta := int(readU16())
			frame.ip -= delta

		case OpCall:
			argc := int(readByte())
			if !vm.callValue(vm.peek(argc), argc) {
				return InterpretRuntimeError
			}
			recache()

		case OpInvoke:
			name := readStringConstant(int(readU16()))
			argc := int(readByte())
			if !vm.invoke(name, argc) {
				return InterpretRuntimeError
			}
			recache()

		case OpSuperInvoke:
			name := readStringConstant(int(readU16()))
			argc := int(readByte())
			superclass := vm.pop().AsClass()
			if !vm.invokeFromClass(superclass, name, argc) {
				return InterpretRuntimeError
			}
			recache()

		case OpClosure:
			fnHandle := readConstant(int(readU16())).AsFunction()
			upvalueCount := vm.heap.Function(fnHandle).UpvalueCount

			closureHandle := vm.heap.AddClosure(Closure{
				Function: fnHandle,
				Upvalues: make([]UpvalueHandle, 0, upvalueCount),
			})
			vm.push(ClosureValue(closureHandle))

			for i := 0; i < upvalueCount; i++ {
				isLocal := readByte() != 0
				index := int(readByte())
				var uv UpvalueHandle
				if isLocal {
					uv = vm.captureUpvalue(frame.slotBase + index)
				} else {
					uv = closure.Upvalues[index]
				}
				inner := vm.heap.Closure(closureHandle)
				inner.Upvalues = append(inner.Upvalues, uv)
			}

		case OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.slotBase)
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop()
				return InterpretOk
			}
			vm.sp = frame.slotBase
			vm.push(result)
			recache()

		case OpClass:
			name := readStringConstant(int(readU16()))
			vm.push(ClassValue(vm.heap.AddClass(name)))

		case OpInherit:
			if vm.peek(1).Type != ValClass {
				vm.runtimeError("Superclass must be a class.")
				return InterpretRuntimeError
			}
			superclass := vm.heap.Class(vm.peek(1).AsClass())
			subclass := vm.heap.Class(vm.peek(0).AsClass())
			for name, method := range superclass.Methods {
				subclass.Methods[name] = method
			}
			vm.pop()

		case OpMethod:
			name := readStringConstant(int(readU16()))
			method := vm.peek(0).AsClosure()
			class := vm.heap.Class(vm.peek(1).AsClass())
			class.Methods[name] = method
			vm.pop()

		default:
			vm.runtimeError("Unknown opcode 0x%02x.", byte(op))
			return InterpretRuntimeError
		}
	}
}

// ----------------------------------------------------------------------
// Calls
// ----------------------------------------------------------------------

// callValue dispatches a call on any callee kind sitting argc slots deep.
func (vm *VM) callValue(callee Value, argc int) bool {
	switch callee.Type {
	case ValClosure:
		return vm.callClosure(callee.AsClosure(), argc)

	case ValNative:
		native := callee.AsNative()
		if native.Arity != argc {
			vm.runtimeError("Expected %d arguments but got %d.", native.Arity, argc)
			return false
		}
		args := vm.stack[vm.sp-argc : vm.sp]
		result, err := native.Fn(vm, args)
		if err != nil {
			vm.runtimeError("%s", err.Error())
			return false
		}
		vm.sp -= argc + 1
		vm.push(result)
		return true

	case ValClass:
		class := callee.AsClass()
		instance := vm.heap.AddInstance(class)
		vm.stack[vm.sp-argc-1] = InstanceValue(instance)
		if init, ok := vm.heap.Class(class).Methods[vm.initString]; ok {
			return vm.callClosure(init, argc)
		}
		if argc != 0 {
			vm.runtimeError("Expected 0 arguments but got %d.", argc)
			return false
		}
		return true

	case ValBoundMethod:
		bound := vm.heap.BoundMethod(callee.AsBoundMethod())
		vm.stack[vm.sp-argc-1] = bound.Receiver
		return vm.callClosure(bound.Method, argc)
	}

	vm.runtimeError("Can only call functions and classes.")
	return false
}

func (vm *VM) callClosure(closure ClosureHandle, argc int) bool {
	fn := vm.heap.Function(vm.heap.Closure(closure).Function)
	if argc != fn.Arity {
		vm.runtimeError("Expected %d arguments but got %d.", fn.Arity, argc)
		return false
	}
	if vm.frameCount == FramesMax {
		vm.runtimeError("Stack overflow.")
		return false
	}
	vm.frames[vm.frameCount] = CallFrame{
		closure:  closure,
		slotBase: vm.sp - argc - 1,
	}
	vm.frameCount++
	return true
}

func (vm *VM) invoke(name StringHandle, argc int) bool {
	receiver := vm.peek(argc)
	if receiver.Type != ValInstance {
		vm.runtimeError("Only instances have methods.")
		return false
	}
	inst := vm.heap.Instance(receiver.AsInstance())
	if field, ok := inst.Fields[name]; ok {
		vm.stack[vm.sp-argc-1] = field
		return vm.callValue(field, argc)
	}
	return vm.invokeFromClass(inst.Class, name, argc)
}

func (vm *VM) invokeFromClass(class ClassHandle, name StringHandle, argc int) bool {
	method, ok := vm.heap.Class(class).Methods[name]
	if !ok {
		vm.runtimeError("Undefined property '%s'.", vm.heap.String(name))
		return false
	}
	return vm.callClosure(method, argc)
}

// bindMethod replaces the receiver on top of the stack with a bound method
// for the named method of class.
func (vm *VM) bindMethod(class ClassHandle, name StringHandle) bool {
	method, ok := vm.heap.Class(class).Methods[name]
	if !ok {
		vm.runtimeError("Undefined property '%s'.", vm.heap.String(name))
		return false
	}
	bound := vm.heap.AddBoundMethod(vm.peek(0), method)
	vm.pop()
	vm.push(BoundMethodValue(bound))
	return true
}

// ----------------------------------------------------------------------
// Upvalues
// ----------------------------------------------------------------------

// captureUpvalue finds or creates an open upvalue over the given stack
// slot. The open list stays sorted by descending slot with at most one
// entry per slot.
func (vm *VM) captureUpvalue(slot int) UpvalueHandle {
	insertAt := len(vm.openUpvalues)
	for i, existing := range vm.openUpvalues {
		uv := vm.heap.Upvalue(existing)
		if uv.Slot == slot {
			return existing
		}
		if uv.Slot < slot {
			insertAt = i
			break
		}
	}

	created := vm.heap.AddUpvalue(slot)
	vm.openUpvalues = append(vm.openUpvalues, UpvalueHandle{})
	copy(vm.openUpvalues[insertAt+1:], vm.openUpvalues[insertAt:])
	vm.openUpvalues[insertAt] = created
	return created
}

// closeUpvalues closes every open upvalue whose captured slot is at or
// above floor, moving the value off the stack into the upvalue.
func (vm *VM) closeUpvalues(floor int) {
	closed := 0
	for _, open := range vm.openUpvalues {
		uv := vm.heap.Upvalue(open)
		if uv.Slot < floor {
			break
		}
		uv.Closed = true
		uv.Value = vm.stack[uv.Slot]
		closed++
	}
	vm.openUpvalues = vm.openUpvalues[closed:]
}

// ----------------------------------------------------------------------
// Tracing
// ----------------------------------------------------------------------

func (vm *VM) traceInstruction(chunk *Chunk, offset int) {
	var sb strings.Builder
	sb.WriteString("          ")
	for i := 0; i < vm.sp; i++ {
		sb.WriteString("[ ")
		sb.WriteString(vm.stack[i].Format(vm.heap))
		sb.WriteString(" ]")
	}
	vm.sink.Debug(sb.String())

	line, _ := chunk.DisassembleInstruction(vm.heap, offset)
	vm.sink.Debug(line)
}
