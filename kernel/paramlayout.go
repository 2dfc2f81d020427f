// paramlayout.go - natural-alignment packing of a kernel's parameter list,
// grounded on GWUtilNumeric::align_up / get_list_aligned_offsets
// (src/common/utils/numeric.hpp).

package kernel

// AlignedOffsets exposes computeParamOffsets for callers outside this
// package that need to extend an existing parameter layout with the same
// natural-alignment rule: the instrumentation engine's launch marshaller.
func AlignedOffsets(sizes []uint64, maxAlign, bias uint64) []uint64 {
	offsets, _ := computeParamOffsets(sizes, maxAlign, bias)
	return offsets
}

// computeParamOffsets lays out sizes starting at bias, aligning each
// parameter to min(size, maxAlign), and returns the offsets alongside the
// struct's total packed size: the final cursor rounded up to the struct's
// own overall alignment (the largest per-parameter alignment used), so a
// parameter appended after the struct lands on a boundary that respects
// every size already packed into it.
func computeParamOffsets(sizes []uint64, maxAlign, bias uint64) ([]uint64, uint64) {
	offsets := make([]uint64, 0, len(sizes))
	offset  := bias
	var structAlign uint64

	for _, size := range sizes {
		align := size
		if align > maxAlign {
			align = maxAlign
		}
		if align == 0 {
			align = 1
		}
		if align > structAlign {
			structAlign = align
		}
		if offset%align != 0 {
			offset += align - (offset % align)
		}
		offsets = append(offsets, offset)
		offset  += size
	}
	if structAlign > 0 && offset%structAlign != 0 {
		offset += structAlign - (offset % structAlign)
	}

	return offsets, offset
}

func reverse(sizes []uint64) []uint64 {
	out := make([]uint64, len(sizes))
	for i, s := range sizes {
		out[len(sizes)-1-i] = s
	}
	return out
}

// BuildParamLayout fills k.ParamSizesReversed, k.ParamOffsetsReversed and
// k.ParamsPackedSize from k.ParamSizes, matching the reversed-list
// convention the original kernel definition exposes (list_param_sizes_reversed
// / list_param_offsets_reversed).
func (k *Kernel) BuildParamLayout(maxAlign, bias uint64) {
	k.ParamSizesReversed = reverse(k.ParamSizes)
	offsets, packedSize := computeParamOffsets(k.ParamSizesReversed, maxAlign, bias)
	k.ParamOffsetsReversed = offsets
	k.ParamsPackedSize = packedSize
}
