// Package driver defines the Go-side interfaces for the out-of-scope
// external collaborators: the driver-API interception/hooking layer, the
// hardware-counter profiler, and the checkpoint/restore hooks. Nothing
// here executes GPU work; these are the seams registry/instrument/tracetask
// are written against so they can be exercised and unit tested against fakes.
package driver

import "context"

// Dim3 is a 3-dimensional launch size (grid or block).
type Dim3 struct {
	X, Y, Z uint32
}

// Attribute enumerates the function attributes that can be queried or set
// via FuncGetAttribute / FuncSetAttribute.
type Attribute int

const (
	AttrMaxThreadsPerBlock Attribute = iota
	AttrSharedSizeBytes
	AttrConstSizeBytes
	AttrLocalSizeBytes
	AttrNumRegs
	AttrPtxVersion
	AttrSassVersion
	AttrMaxDynamicSharedMemory
)

// LaunchParams is one on_launch event's payload.
type LaunchParams struct {
	Function FunctionHandle
	Grid     Dim3
	Block    Dim3
	Shmem    uint32
	Stream   StreamHandle
	Params   [][]byte
	Extra    [][]byte
}

// LibraryHandle, ModuleHandle, FunctionHandle and StreamHandle are opaque
// driver-assigned identifiers, kept as distinct types so registry code
// cannot accidentally compare a module handle to a function handle.
type (
	LibraryHandle  uint64
	ModuleHandle   uint64
	FunctionHandle uint64
	StreamHandle   uint64
)

// Hooks is the set of primitives the interception layer wraps.
type Hooks interface {
	LoadModule(ctx context.Context, bytes []byte) (ModuleHandle, error)
	GetFunction(ctx context.Context, mod ModuleHandle, name string) (FunctionHandle, error)
	FuncGetAttribute(ctx context.Context, fn FunctionHandle, attr Attribute) (int, error)
	FuncSetAttribute(ctx context.Context, fn FunctionHandle, attr Attribute, value int) error
	Launch(ctx context.Context, fn FunctionHandle, p LaunchParams) error
	StreamSynchronize(ctx context.Context, stream StreamHandle) error
}

// Events is what the interception layer delivers as it observes driver
// calls.
type Events interface {
	OnLibraryLoad(lib LibraryHandle, bytes []byte)
	OnModuleLoad(mod ModuleHandle, bytes []byte)
	OnModuleFromLibrary(mod ModuleHandle, lib LibraryHandle)
	OnFunctionResolved(fn FunctionHandle, mod ModuleHandle, name string)
	OnLaunch(p LaunchParams)
}

// Profiler is the black-box hardware-counter profiler capability (PC / PM
// / range sampling) named in as an external collaborator.
type Profiler interface {
	Start(ctx context.Context, fn FunctionHandle) error
	Stop(ctx context.Context, fn FunctionHandle) error
	GetSamples(ctx context.Context, fn FunctionHandle) ([]byte, error)
}

// ScratchAllocator manages the short-lived device buffers the
// instrumentation engine attaches to an instrumented launch. Allocation and the post-launch host copy are kept
// as an external seam for the same reason Hooks is: the driver owns device
// memory, this package only orchestrates around it.
type ScratchAllocator interface {
	Alloc(ctx context.Context, size uint32) (ptr uint64, err error)
	Free(ctx context.Context, ptr uint64) error
	CopyToHost(ctx context.Context, ptr uint64, size uint32) ([]byte, error)
}

// Checkpointer captures and restores device memory for one context. Calls
// are mutually exclusive with an in-flight launch for the same context and
// are serialized by the registry's per-context lock.
type Checkpointer interface {
	Capture(ctx context.Context) (token string, err error)
	Restore(ctx context.Context, token string) error
}
