// Package bytecode implements the core of the Vulpes interpreter: a
// single-pass compiler producing compact stack-machine bytecode, and the
// virtual machine that executes it.
//
// The pipeline is source -> scanner -> Compiler -> Function -> VM. The
// compiler is a Pratt parser that parses, resolves lexical scope (locals,
// upvalues, globals) and emits bytecode in one traversal, with no syntax
// tree in between. Closure captures across nested functions are resolved
// by walking an explicit stack of per-function compiler states.
//
// The bytecode format is designed for:
//   - Compact representation (most instructions are 1-3 bytes)
//   - Fast decoding (single-byte opcodes, big-endian inline operands)
//   - Exact source attribution (a run-length-encoded line map covers
//     every code byte)
//
// Runtime values are a tagged sum; heap objects (strings, functions,
// closures, upvalues, classes, instances, bound methods) live in per-kind
// slot-map arenas behind stable (index, generation) handles. A tri-color
// mark-sweep collector driven by allocation pressure reclaims them, with
// roots drawn from the VM's stacks and globals and from the compiler's
// functions under construction. Strings are interned, so equal content
// always yields the same handle and method lookup is handle identity.
//
// The interpreter is strictly single-threaded: the VM owns all mutable
// state, and collections happen only at instruction boundaries or at
// allocation points.
package bytecode
