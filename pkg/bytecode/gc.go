package bytecode

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// The collector is a tri-color mark-sweep over the per-kind arenas. Roots
// come from the registered RootSources (the VM's stacks, globals and open
// upvalues; the compiler's functions under construction). It runs only in
// quiescent states: at instruction boundaries and at allocation points,
// where every live object is reachable from a root.

// CollectGarbage runs a full mark-sweep cycle and recomputes the next
// collection threshold.
func (h *Heap) CollectGarbage() {
	if h.logGC {
		h.sink.Debug("-- gc begin")
	}
	before := h.bytesAllocated

	for _, r := range h.roots {
		r.MarkRoots(h)
	}
	h.trace()
	h.removeWhiteStrings()
	h.sweep()

	h.nextGC = h.bytesAllocated * gcHeapGrowFactor
	if h.logGC {
		h.sink.Debug("-- gc end")
		h.sink.Debug(fmt.Sprintf("   collected %s (from %s to %s) next at %s",
			humanize.IBytes(uint64(before-h.bytesAllocated)),
			humanize.IBytes(uint64(before)),
			humanize.IBytes(uint64(h.bytesAllocated)),
			humanize.IBytes(uint64(h.nextGC))))
	}
}

// MarkValue grays the heap object behind a value, if any. Primitives and
// natives need no marking.
func (h *Heap) MarkValue(v Value) {
	switch v.Type {
	case ValString:
		h.MarkString(v.AsString())
	case ValFunction:
		h.MarkFunction(v.AsFunction())
	case ValClosure:
		h.MarkClosure(v.AsClosure())
	case ValClass:
		h.MarkClass(v.AsClass())
	case ValInstance:
		h.MarkInstance(v.AsInstance())
	case ValBoundMethod:
		h.MarkBoundMethod(v.AsBoundMethod())
	}
}

func (h *Heap) MarkString(hd StringHandle) {
	index := handle(hd).index
	if h.strings.mark(index) && h.logGC {
		h.sink.Debug(fmt.Sprintf("String/%d mark %s", index, h.strings.slots[index].item))
	}
}

func (h *Heap) MarkFunction(hd FunctionHandle) {
	markObject(h, &h.functions, handle(hd))
}

func (h *Heap) MarkClosure(hd ClosureHandle) {
	markObject(h, &h.closures, handle(hd))
}

func (h *Heap) MarkUpvalue(hd UpvalueHandle) {
	markObject(h, &h.upvalues, handle(hd))
}

func (h *Heap) MarkClass(hd ClassHandle) {
	markObject(h, &h.classes, handle(hd))
}

func (h *Heap) MarkInstance(hd InstanceHandle) {
	markObject(h, &h.instances, handle(hd))
}

func (h *Heap) MarkBoundMethod(hd BoundMethodHandle) {
	markObject(h, &h.boundMethods, handle(hd))
}

func markObject[T any](h *Heap, a *arena[T], hd handle) {
	if a.mark(hd.index) && h.logGC {
		h.sink.Debug(fmt.Sprintf("%s/%d mark", a.name, hd.index))
	}
}

// trace drains the gray worklists, blackening objects by graying their
// children, until no arena has gray entries left.
func (h *Heap) trace() {
	if h.logGC {
		h.sink.Debug("-- trace start")
	}
	for {
		progress := false
		for _, index := range h.functions.flushGray() {
			h.blackenFunction(index)
			progress = true
		}
		for _, index := range h.closures.flushGray() {
			h.blackenClosure(index)
			progress = true
		}
		for _, index := range h.upvalues.flushGray() {
			h.blackenUpvalue(index)
			progress = true
		}
		for _, index := range h.classes.flushGray() {
			h.blackenClass(index)
			progress = true
		}
		for _, index := range h.instances.flushGray() {
			h.blackenInstance(index)
			progress = true
		}
		for _, index := range h.boundMethods.flushGray() {
			h.blackenBoundMethod(index)
			progress = true
		}
		// Strings have no children; their gray list only fuels logging.
		h.strings.gray = nil
		if !progress {
			return
		}
	}
}

func (h *Heap) blackenFunction(index uint32) {
	fn := &h.functions.slots[index].item
	h.MarkString(fn.Name)
	for _, constant := range fn.Chunk.Constants {
		h.MarkValue(constant)
	}
}

func (h *Heap) blackenClosure(index uint32) {
	c := &h.closures.slots[index].item
	h.MarkFunction(c.Function)
	for _, uv := range c.Upvalues {
		h.MarkUpvalue(uv)
	}
}

func (h *Heap) blackenUpvalue(index uint32) {
	uv := &h.upvalues.slots[index].item
	if uv.Closed {
		h.MarkValue(uv.Value)
	}
	// Open upvalues point into the value stack, which is a root itself.
}

func (h *Heap) blackenClass(index uint32) {
	c := &h.classes.slots[index].item
	h.MarkString(c.Name)
	for name, method := range c.Methods {
		h.MarkString(name)
		h.MarkClosure(method)
	}
}

func (h *Heap) blackenInstance(index uint32) {
	inst := &h.instances.slots[index].item
	h.MarkClass(inst.Class)
	for name, value := range inst.Fields {
		h.MarkString(name)
		h.MarkValue(value)
	}
}

func (h *Heap) blackenBoundMethod(index uint32) {
	bm := &h.boundMethods.slots[index].item
	h.MarkValue(bm.Receiver)
	h.MarkClosure(bm.Method)
}

// removeWhiteStrings drops intern-table entries whose strings are about to
// be swept, so the table never holds dangling handles.
func (h *Heap) removeWhiteStrings() {
	for content, hd := range h.interned {
		s := &h.strings.slots[handle(hd).index]
		if !s.marked || s.gen != handle(hd).gen {
			delete(h.interned, content)
		}
	}
}

func (h *Heap) sweep() {
	if h.logGC {
		h.sink.Debug("-- sweep start")
	}
	freed := 0
	freed += h.boundMethods.sweep(h.freeLogger("BoundMethod"))
	freed += h.instances.sweep(h.freeLogger("Instance"))
	freed += h.classes.sweep(h.freeLogger("Class"))
	freed += h.closures.sweep(h.freeLogger("Closure"))
	freed += h.upvalues.sweep(h.freeLogger("Upvalue"))
	freed += h.functions.sweep(h.freeLogger("Function"))
	freed += h.strings.sweep(h.freeLogger("String"))
	h.bytesAllocated -= freed
}

func (h *Heap) freeLogger(name string) func(uint32) {
	if !h.logGC {
		return nil
	}
	return func(index uint32) {
		h.sink.Debug(fmt.Sprintf("%s/%d free", name, index))
	}
}
