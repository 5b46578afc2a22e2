package bytecode

import (
	"fmt"
	"strconv"
)

// ValueType tags the variant held by a Value.
type ValueType uint8

const (
	ValNil ValueType = iota
	ValBool
	ValNumber
	ValString
	ValFunction
	ValNative
	ValClosure
	ValClass
	ValInstance
	ValBoundMethod
)

var valueTypeNames = map[ValueType]string{
	ValNil:         "nil",
	ValBool:        "bool",
	ValNumber:      "number",
	ValString:      "string",
	ValFunction:    "function",
	ValNative:      "native function",
	ValClosure:     "closure",
	ValClass:       "class",
	ValInstance:    "instance",
	ValBoundMethod: "bound method",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ValueType(%d)", t)
}

// Value is the tagged runtime value. Values are small and copyable: heap
// variants carry a handle into one of the heap's arenas, natives carry a
// pointer to their registration.
type Value struct {
	Type   ValueType
	number float64
	flag   bool
	ref    handle
	native *NativeFunction
}

// Constructors.

func NilValue() Value { return Value{Type: ValNil} }

func BoolValue(b bool) Value { return Value{Type: ValBool, flag: b} }

func NumberValue(n float64) Value { return Value{Type: ValNumber, number: n} }

func StringValue(h StringHandle) Value {
	return Value{Type: ValString, ref: handle(h)}
}
func FunctionValue(h FunctionHandle) Value {
	return Value{Type: ValFunction, ref: handle(h)}
}
func NativeValue(n *NativeFunction) Value {
	return Value{Type: ValNative, native: n}
}
func ClosureValue(h ClosureHandle) Value {
	return Value{Type: ValClosure, ref: handle(h)}
}
func ClassValue(h ClassHandle) Value {
	return Value{Type: ValClass, ref: handle(h)}
}
func InstanceValue(h InstanceHandle) Value {
	return Value{Type: ValInstance, ref: handle(h)}
}
func BoundMethodValue(h BoundMethodHandle) Value {
	return Value{Type: ValBoundMethod, ref: handle(h)}
}

// Accessors. Each panics when called on the wrong variant; callers are
// expected to check Type first.

func (v Value) AsBool() bool {
	if v.Type != ValBool {
		panic("AsBool called on non-bool Value")
	}
	return v.flag
}

func (v Value) AsNumber() float64 {
	if v.Type != ValNumber {
		panic("AsNumber called on non-number Value")
	}
	return v.number
}

func (v Value) AsString() StringHandle {
	if v.Type != ValString {
		panic("AsString called on non-string Value")
	}
	return StringHandle(v.ref)
}

func (v Value) AsFunction() FunctionHandle {
	if v.Type != ValFunction {
		panic("AsFunction called on non-function Value")
	}
	return FunctionHandle(v.ref)
}

func (v Value) AsNative() *NativeFunction {
	if v.Type != ValNative {
		panic("AsNative called on non-native Value")
	}
	return v.native
}

func (v Value) AsClosure() ClosureHandle {
	if v.Type != ValClosure {
		panic("AsClosure called on non-closure Value")
	}
	return ClosureHandle(v.ref)
}

func (v Value) AsClass() ClassHandle {
	if v.Type != ValClass {
		panic("AsClass called on non-class Value")
	}
	return ClassHandle(v.ref)
}

func (v Value) AsInstance() InstanceHandle {
	if v.Type != ValInstance {
		panic("AsInstance called on non-instance Value")
	}
	return InstanceHandle(v.ref)
}

func (v Value) AsBoundMethod() BoundMethodHandle {
	if v.Type != ValBoundMethod {
		panic("AsBoundMethod called on non-bound-method Value")
	}
	return BoundMethodHandle(v.ref)
}

// IsFalsey reports language truthiness: nil and false are falsey,
// everything else is truthy.
func (v Value) IsFalsey() bool {
	return v.Type == ValNil || (v.Type == ValBool && !v.flag)
}

// Equals implements language equality: nil equals nil, bools and numbers
// compare by value, and every heap kind compares by handle identity.
// Strings are interned, so handle identity coincides with content equality.
func (v Value) Equals(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case ValNil:
		return true
	case ValBool:
		return v.flag == other.flag
	case ValNumber:
		return v.number == other.number
	case ValNative:
		return v.native == other.native
	default:
		return v.ref == other.ref
	}
}

// Format renders the value the way `print` does. Heap variants need the
// heap to resolve their handles.
func (v Value) Format(h *Heap) string {
	switch v.Type {
	case ValNil:
		return "nil"
	case ValBool:
		return strconv.FormatBool(v.flag)
	case ValNumber:
		return formatNumber(v.number)
	case ValString:
		return h.String(v.AsString())
	case ValFunction:
		return formatFunctionName(h, v.AsFunction())
	case ValNative:
		return "<native fn>"
	case ValClosure:
		return formatFunctionName(h, h.Closure(v.AsClosure()).Function)
	case ValClass:
		return h.String(h.Class(v.AsClass()).Name)
	case ValInstance:
		inst := h.Instance(v.AsInstance())
		return h.String(h.Class(inst.Class).Name) + " instance"
	case ValBoundMethod:
		bound := h.BoundMethod(v.AsBoundMethod())
		return formatFunctionName(h, h.Closure(bound.Method).Function)
	}
	return fmt.Sprintf("<unknown value type %d>", v.Type)
}

func formatFunctionName(h *Heap, fh FunctionHandle) string {
	name := h.String(h.Function(fh).Name)
	if name == "" {
		return "<script>"
	}
	return "<fn " + name + ">"
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'g', -1, 64)
}
