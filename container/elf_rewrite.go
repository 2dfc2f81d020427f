// elf_rewrite.go - in-place section replacement for the instrumentation
// engine's image re-emission step: update one named section's bytes,
// growing or shrinking the file as needed while preserving every
// unrelated section byte-for-byte.

package container

import (
	"encoding/binary"
	"fmt"
)

func binaryOrderFor(eiData byte) binary.ByteOrder {
	if eiData == 2 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ReplaceSection rewrites the named section's payload to newBytes, shifting
// every byte range that follows it by the resulting size delta and patching
// every section/program header offset that points past the edit. The
// result must itself pass ValidateELF.
func ReplaceSection(image []byte, sectionName string, newBytes []byte) ([]byte, error) {
	h, err := parseELF64Header(image)
	if err != nil {
		return nil, err
	}
	sections, err := Sections(image)
	if err != nil {
		return nil, err
	}
	var target *Section
	for i := range sections {
		if sections[i].Name == sectionName {
			target = &sections[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("elf: section %q not found", sectionName)
	}

	oldSize := target.Size
	cutoff  := target.Offset
	delta   := int64(len(newBytes)) - int64(oldSize)

	out := make([]byte, 0, len(image)+int(delta))
	out = append(out, image[:cutoff]...)
	out = append(out, newBytes...)
	out = append(out, image[cutoff+oldSize:]...)

	bo := binaryOrderFor(h.data)

	// shifted translates an offset recorded against the original image
	// into its new position in out: anything at or before cutoff didn't
	// move, anything after it moved by delta.
	shifted := func(orig uint64) uint64 {
		if orig > cutoff {
			return uint64(int64(orig) + delta)
		}
		return orig
	}

	shTableOff := shifted(h.shoff)
	for i := uint16(0); i < h.shnum; i++ {
		off := shTableOff + uint64(i)*uint64(h.shentsize)
		if int64(off)+64 > int64(len(out)) {
			break
		}
		entry     := out[off:]
		secOffset := bo.Uint64(entry[24:32])
		secSize   := bo.Uint64(entry[32:40])
		if secOffset == cutoff && secSize == oldSize {
			bo.PutUint64(entry[32:40], uint64(len(newBytes)))
			continue
		}
		bo.PutUint64(entry[24:32], shifted(secOffset))
	}

	phTableOff := shifted(h.phoff)
	for i := uint16(0); i < h.phnum; i++ {
		off := phTableOff + uint64(i)*uint64(h.phentsize)
		if int64(off)+56 > int64(len(out)) {
			break
		}
		entry   := out[off:]
		pOffset := bo.Uint64(entry[8:16])
		bo.PutUint64(entry[8:16], shifted(pOffset))
	}

	bo.PutUint64(out[40:48], shTableOff)
	bo.PutUint64(out[32:40], phTableOff)

	if err := ValidateELF(out); err != nil {
		return nil, fmt.Errorf("elf: rewritten image failed validation: %w", err)
	}
	return out, nil
}
