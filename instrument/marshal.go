// marshal.go - extends a launch's parameter array with recipe scratch
// buffer pointers and scalar parameters.
//
// License: GPLv3 or later
package instrument

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gwatch-io/gwatch/driver"
	"github.com/gwatch-io/gwatch/kernel"
)

// marshalledScratch is one allocated scratch buffer, kept around past
// launch so collect() knows where to copy from and what to free.
type marshalledScratch struct {
	Name      string
	Ptr       uint64
	SizeBytes uint32
}

// marshal allocates every recipe's requested scratch buffers, appends
// their device pointers and any scalar parameters to base's parameter
// array, and returns the extended launch plus the allocated buffers in the
// same order they were requested (grouped by result, in results' order).
func marshal(ctx context.Context, scratchAlloc driver.ScratchAllocator, k *kernel.Kernel, base driver.LaunchParams, results []*BuildResult) (driver.LaunchParams, []marshalledScratch, error) {
	out := base
	out.Params = append([][]byte(nil), base.Params...)
	out.Extra = append([][]byte(nil), base.Extra...)

	var scratch []marshalledScratch
	var addedShmem uint32
	var newSizes []uint64

	for _, r := range results {
		addedShmem += r.AddedSharedMemorySize
		for _, sb := range r.ScratchBuffers {
			ptr, err := scratchAlloc.Alloc(ctx, sb.SizeBytes)
			if err != nil {
				for _, allocated := range scratch {
					_ = scratchAlloc.Free(ctx, allocated.Ptr)
				}
				return driver.LaunchParams{}, nil, fmt.Errorf("instrument: allocating scratch buffer %q: %w", sb.Name, err)
			}
			scratch = append(scratch, marshalledScratch{Name: sb.Name, Ptr: ptr, SizeBytes: sb.SizeBytes})
			newSizes = append(newSizes, 8)
		}
		for _, p := range r.ScalarParams {
			newSizes = append(newSizes, uint64(len(p)))
		}
	}

	// Lay the appended parameters out after the kernel's packed parameter
	// struct with the same natural-alignment rule. Nothing is checked and
	// the computed offsets are not used further, since each parameter is
	// passed to the driver as its own byte slice.
	kernel.AlignedOffsets(newSizes, 8, k.ParamsPackedSize)

	i := 0
	for _, r := range results {
		for range r.ScratchBuffers {
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, scratch[i].Ptr)
			out.Params = append(out.Params, buf)
			i++
		}
		for _, p := range r.ScalarParams {
			out.Params = append(out.Params, append([]byte(nil), p...))
		}
	}

	out.Shmem = base.Shmem + addedShmem
	return out, scratch, nil
}
