// emit.go - serializes a spliced instruction list back into the kernel's
// .text section and re-validates the whole image.
//
// License: GPLv3 or later
package instrument

import (
	"fmt"

	"github.com/gwatch-io/gwatch/container"
	"github.com/gwatch-io/gwatch/instruction"
)

// Emit re-encodes instructions in program order and splices the resulting
// bytes into image's named section, preserving every other section
// byte-for-byte. image must be the full ELF sub-image the kernel was
// extracted from, not just the kernel's own byte range.
func Emit(image []byte, sectionName string, instructions []*instruction.Instruction) ([]byte, error) {
	var text []byte
	for _, in := range instructions {
		raw, err := instruction.Encode(in)
		if err != nil {
			return nil, fmt.Errorf("instrument: encoding instruction at pc=%d: %w", in.PC, err)
		}
		text = append(text, raw...)
	}
	out, err := container.ReplaceSection(image, sectionName, text)
	if err != nil {
		return nil, fmt.Errorf("instrument: emitting instrumented image: %w", err)
	}
	return out, nil
}
