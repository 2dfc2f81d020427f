// recipe.go - the shape a trace recipe presents to the instrumentation
// engine: a pure function from (kernel, allocator) to what to splice, what
// scratch memory it needs, and how to decode the result.
//
// License: GPLv3 or later
package instrument

import "github.com/gwatch-io/gwatch/kernel"

// ScratchBuffer requests one device buffer the engine allocates before
// launch and frees after collection.
type ScratchBuffer struct {
	Name      string
	SizeBytes uint32
}

// BuildResult is what one recipe's Build returns: the instructions to
// splice in, the scratch memory and scalar parameters it needs appended to
// the launch, and how to decode the scratch buffers afterward.
type BuildResult struct {
	SplicePoints          []SplicePoint
	ScratchBuffers        []ScratchBuffer
	ScalarParams          [][]byte
	AddedSharedMemorySize uint32
	Collect               func(scratch map[string][]byte) (map[string]any, error)
}

// Recipe is a name-keyed, pure transform of a kernel plus the shared
// register allocator into a BuildResult. Higher Priority recipes splice
// closer to the instruction they target when multiple recipes touch the
// same pc.
type Recipe struct {
	Name     string
	Priority int
	Build    func(k *kernel.Kernel, alloc *RegisterAllocator) (*BuildResult, error)
}
