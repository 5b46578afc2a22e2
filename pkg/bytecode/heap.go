package bytecode

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// handle is a stable reference into one of the heap's arenas: a slot index
// plus the generation the slot had when the object was allocated. Handles
// stay valid across collections; a stale handle (its slot was swept and
// reused) is detected by generation mismatch.
type handle struct {
	index uint32
	gen   uint32
}

// Typed handles, one per heap-object kind.
type (
	StringHandle      handle
	FunctionHandle    handle
	ClosureHandle     handle
	UpvalueHandle     handle
	ClassHandle       handle
	InstanceHandle    handle
	BoundMethodHandle handle
)

// slot is one arena cell. Freeing a slot clears its item and bumps gen so
// outstanding handles stop resolving.
type slot[T any] struct {
	item   T
	gen    uint32
	live   bool
	marked bool
}

// arena is a slot map for a single object kind. Live entries never move,
// which is what keeps handles stable across collections.
type arena[T any] struct {
	name      string
	itemSize  int
	slots     []slot[T]
	free      []uint32
	gray      []uint32
	liveCount int
}

func newArena[T any](name string, itemSize int) arena[T] {
	return arena[T]{name: name, itemSize: itemSize}
}

func (a *arena[T]) add(item T) handle {
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[index].item = item
		a.slots[index].live = true
		a.slots[index].marked = false
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{item: item, live: true})
	}
	a.liveCount++
	return handle{index: index, gen: a.slots[index].gen}
}

func (a *arena[T]) get(h handle) *T {
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		panic(fmt.Sprintf("%s/%d: stale handle (generation %d, slot generation %d)",
			a.name, h.index, h.gen, s.gen))
	}
	return &s.item
}

// mark grays the slot. Returns false when it was already marked (or the
// index does not resolve, as with a zero handle rooted before first use).
func (a *arena[T]) mark(index uint32) bool {
	if int(index) >= len(a.slots) {
		return false
	}
	s := &a.slots[index]
	if !s.live || s.marked {
		return false
	}
	s.marked = true
	a.gray = append(a.gray, index)
	return true
}

func (a *arena[T]) flushGray() []uint32 {
	g := a.gray
	a.gray = nil
	return g
}

// sweep frees every unmarked live slot and clears mark bits on survivors.
// Returns the number of bytes released. onFree, if non-nil, is called for
// each freed slot before it is released.
func (a *arena[T]) sweep(onFree func(index uint32)) int {
	var zero T
	freed := 0
	for i := range a.slots {
		s := &a.slots[i]
		if !s.live {
			continue
		}
		if s.marked {
			s.marked = false
			continue
		}
		if onFree != nil {
			onFree(uint32(i))
		}
		s.item = zero
		s.live = false
		s.gen++
		a.free = append(a.free, uint32(i))
		a.liveCount--
		freed += a.itemSize
	}
	return freed
}

// Approximate per-object allocation costs driving the collector.
const (
	stringSize      = 40
	functionSize    = 112
	closureSize     = 48
	upvalueSize     = 56
	classSize       = 56
	instanceSize    = 56
	boundMethodSize = 56
)

// RootSource enumerates GC roots. The VM registers itself for its stacks,
// globals and open upvalues; the compiler registers itself for functions
// under construction.
type RootSource interface {
	MarkRoots(h *Heap)
}

// Heap owns one arena per object kind plus the string intern table. All
// heap allocation flows through it; reclamation is exclusively by the
// collector.
type Heap struct {
	strings      arena[string]
	functions    arena[Function]
	closures     arena[Closure]
	upvalues     arena[Upvalue]
	classes      arena[Class]
	instances    arena[Instance]
	boundMethods arena[BoundMethod]

	interned map[string]StringHandle

	bytesAllocated int
	nextGC         int

	roots []RootSource

	sink  LogSink
	logGC bool
}

// NewHeap creates an empty heap reporting diagnostics to sink.
func NewHeap(sink LogSink) *Heap {
	return &Heap{
		strings:      newArena[string]("String", stringSize),
		functions:    newArena[Function]("Function", functionSize),
		closures:     newArena[Closure]("Closure", closureSize),
		upvalues:     newArena[Upvalue]("Upvalue", upvalueSize),
		classes:      newArena[Class]("Class", classSize),
		instances:    newArena[Instance]("Instance", instanceSize),
		boundMethods: newArena[BoundMethod]("BoundMethod", boundMethodSize),
		interned:     make(map[string]StringHandle),
		nextGC:       firstGCThreshold,
		sink:         sink,
		logGC:        LogGC.Load(),
	}
}

// AddRootSource registers a root enumerator for the collector.
func (h *Heap) AddRootSource(r RootSource) {
	h.roots = append(h.roots, r)
}

// RemoveRootSource unregisters a previously added root enumerator.
func (h *Heap) RemoveRootSource(r RootSource) {
	for i, existing := range h.roots {
		if existing == r {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// maybeCollect runs a collection when allocation pressure demands it, or
// on every call under stress mode. It must only be called while all live
// objects are reachable from the registered roots.
func (h *Heap) maybeCollect() {
	if StressGC.Load() || h.bytesAllocated > h.nextGC {
		h.CollectGarbage()
	}
}

func (h *Heap) account(size int) {
	h.bytesAllocated += size
}

func (h *Heap) logAllocate(name string, index uint32, size int, desc string) {
	if h.logGC {
		h.sink.Debug(fmt.Sprintf("%s/%d allocate %s for %s",
			name, index, humanize.IBytes(uint64(size)), desc))
	}
}

// Intern returns the canonical handle for the given string content,
// allocating it on first sight. All strings enter the heap through here,
// so equal content always yields the same handle.
func (h *Heap) Intern(content string) StringHandle {
	if existing, ok := h.interned[content]; ok {
		return existing
	}
	h.maybeCollect()
	hd := h.strings.add(content)
	h.account(stringSize)
	h.interned[content] = StringHandle(hd)
	h.logAllocate("String", hd.index, stringSize, content)
	return StringHandle(hd)
}

// AddFunction moves a finished function into the heap.
func (h *Heap) AddFunction(fn Function) FunctionHandle {
	h.maybeCollect()
	hd := h.functions.add(fn)
	h.account(functionSize)
	h.logAllocate("Function", hd.index, functionSize, h.String(fn.Name))
	return FunctionHandle(hd)
}

// AddClosure allocates a closure.
func (h *Heap) AddClosure(c Closure) ClosureHandle {
	h.maybeCollect()
	hd := h.closures.add(c)
	h.account(closureSize)
	h.logAllocate("Closure", hd.index, closureSize, formatFunctionName(h, c.Function))
	return ClosureHandle(hd)
}

// AddUpvalue allocates an upvalue, initially open over the given slot.
func (h *Heap) AddUpvalue(slotIndex int) UpvalueHandle {
	h.maybeCollect()
	hd := h.upvalues.add(Upvalue{Slot: slotIndex})
	h.account(upvalueSize)
	h.logAllocate("Upvalue", hd.index, upvalueSize, fmt.Sprintf("slot %d", slotIndex))
	return UpvalueHandle(hd)
}

// AddClass allocates a class with an empty method table.
func (h *Heap) AddClass(name StringHandle) ClassHandle {
	h.maybeCollect()
	hd := h.classes.add(Class{Name: name, Methods: make(map[StringHandle]ClosureHandle)})
	h.account(classSize)
	h.logAllocate("Class", hd.index, classSize, h.String(name))
	return ClassHandle(hd)
}

// AddInstance allocates an instance of the given class.
func (h *Heap) AddInstance(class ClassHandle) InstanceHandle {
	h.maybeCollect()
	hd := h.instances.add(Instance{Class: class, Fields: make(map[StringHandle]Value)})
	h.account(instanceSize)
	h.logAllocate("Instance", hd.index, instanceSize, h.String(h.Class(class).Name)+" instance")
	return InstanceHandle(hd)
}

// AddBoundMethod allocates a bound method.
func (h *Heap) AddBoundMethod(receiver Value, method ClosureHandle) BoundMethodHandle {
	h.maybeCollect()
	hd := h.boundMethods.add(BoundMethod{Receiver: receiver, Method: method})
	h.account(boundMethodSize)
	h.logAllocate("BoundMethod", hd.index, boundMethodSize,
		formatFunctionName(h, h.Closure(method).Function))
	return BoundMethodHandle(hd)
}

// Accessors. Function values are immutable after compilation, so pointers
// returned here stay readable even if the arena's backing array grows.

func (h *Heap) String(hd StringHandle) string {
	return *h.strings.get(handle(hd))
}

func (h *Heap) Function(hd FunctionHandle) *Function {
	return h.functions.get(handle(hd))
}

func (h *Heap) Closure(hd ClosureHandle) *Closure {
	return h.closures.get(handle(hd))
}

func (h *Heap) Upvalue(hd UpvalueHandle) *Upvalue {
	return h.upvalues.get(handle(hd))
}

func (h *Heap) Class(hd ClassHandle) *Class {
	return h.classes.get(handle(hd))
}

func (h *Heap) Instance(hd InstanceHandle) *Instance {
	return h.instances.get(handle(hd))
}

func (h *Heap) BoundMethod(hd BoundMethodHandle) *BoundMethod {
	return h.boundMethods.get(handle(hd))
}

// BytesAllocated reports the collector's current allocation accounting.
func (h *Heap) BytesAllocated() int {
	return h.bytesAllocated
}

// LiveObjects reports the number of live heap objects across all arenas.
func (h *Heap) LiveObjects() int {
	return h.strings.liveCount + h.functions.liveCount + h.closures.liveCount +
		h.upvalues.liveCount + h.classes.liveCount + h.instances.liveCount +
		h.boundMethods.liveCount
}
