package bytecode

import (
	"fmt"
	"math"
	"time"
)

// defineNatives installs the built-in functions into the VM's globals.
// Only clock is part of the reference surface; the attribute helpers and
// sqrt are extensions and stay unregistered under --std.
func defineNatives(vm *VM) {
	vm.defineNative("clock", 0, clockNative)
	if StdMode.Load() {
		return
	}
	vm.defineNative("sqrt", 1, sqrtNative)
	vm.defineNative("getattr", 2, getattrNative)
	vm.defineNative("setattr", 3, setattrNative)
	vm.defineNative("hasattr", 2, hasattrNative)
	vm.defineNative("delattr", 2, delattrNative)
}

func (vm *VM) defineNative(name string, arity int, fn NativeFn) {
	nameHandle := vm.heap.Intern(name)
	vm.globals[nameHandle] = NativeValue(&NativeFunction{
		Name:  name,
		Arity: arity,
		Fn:    fn,
	})
}

// clockNative returns seconds since the Unix epoch.
func clockNative(_ *VM, _ []Value) (Value, error) {
	return NumberValue(float64(time.Now().UnixNano()) / 1e9), nil
}

func sqrtNative(vm *VM, args []Value) (Value, error) {
	if args[0].Type != ValNumber {
		return Value{}, fmt.Errorf("'sqrt' expected numeric argument, got: %s",
			args[0].Format(vm.heap))
	}
	return NumberValue(math.Sqrt(args[0].AsNumber())), nil
}

// attrArgs validates the shared (instance, name) prefix of the attribute
// natives.
func attrArgs(vm *VM, fn string, args []Value) (*Instance, StringHandle, error) {
	if args[0].Type != ValInstance {
		return nil, StringHandle{}, fmt.Errorf("`%s` only works on instances, got `%s`",
			fn, args[0].Format(vm.heap))
	}
	if args[1].Type != ValString {
		return nil, StringHandle{}, fmt.Errorf(
			"`%s` can only index with string indexes, got: `%s` (instance: `%s`)",
			fn, args[1].Format(vm.heap), args[0].Format(vm.heap))
	}
	return vm.heap.Instance(args[0].AsInstance()), args[1].AsString(), nil
}

func getattrNative(vm *VM, args []Value) (Value, error) {
	inst, name, err := attrArgs(vm, "getattr", args)
	if err != nil {
		return Value{}, err
	}
	if value, ok := inst.Fields[name]; ok {
		return value, nil
	}
	return NilValue(), nil
}

func setattrNative(vm *VM, args []Value) (Value, error) {
	inst, name, err := attrArgs(vm, "setattr", args)
	if err != nil {
		return Value{}, err
	}
	inst.Fields[name] = args[2]
	return NilValue(), nil
}

func hasattrNative(vm *VM, args []Value) (Value, error) {
	inst, name, err := attrArgs(vm, "hasattr", args)
	if err != nil {
		return Value{}, err
	}
	_, ok := inst.Fields[name]
	return BoolValue(ok), nil
}

func delattrNative(vm *VM, args []Value) (Value, error) {
	inst, name, err := attrArgs(vm, "delattr", args)
	if err != nil {
		return Value{}, err
	}
	delete(inst.Fields, name)
	return NilValue(), nil
}
