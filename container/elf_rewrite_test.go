package container

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildTextELF assembles a minimal ELF64 image with a null section, a
// ".text" PROGBITS section, a ".shstrtab" STRTAB section, and one program
// header spanning .text, to exercise ReplaceSection's offset patching.
func buildTextELF(t *testing.T, text []byte) []byte {
	t.Helper()
	const (
		textOff = 64
	)
	strtab := append([]byte{0}, append(append([]byte(".text"), 0), append([]byte(".shstrtab"), 0)...)...)
	strtabOff := textOff + len(text)
	phoff := strtabOff + len(strtab)
	shoff := phoff + 56

	buf := make([]byte, shoff+3*64)
	copy(buf[0:4], elfMagic)
	buf[4] = elfClass64
	buf[5] = 1
	buf[6] = 1
	binary.LittleEndian.PutUint64(buf[32:40], uint64(phoff))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(shoff))
	binary.LittleEndian.PutUint16(buf[54:56], 56)
	binary.LittleEndian.PutUint16(buf[56:58], 1)
	binary.LittleEndian.PutUint16(buf[58:60], 64)
	binary.LittleEndian.PutUint16(buf[60:62], 3)
	binary.LittleEndian.PutUint16(buf[62:64], 2)

	copy(buf[textOff:], text)
	copy(buf[strtabOff:], strtab)

	ph := buf[phoff:]
	binary.LittleEndian.PutUint64(ph[8:16], uint64(textOff))
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(text)))

	sh1 := buf[shoff+64:]
	sh2 := buf[shoff+128:]

	binary.LittleEndian.PutUint32(sh1[0:4], 1)
	binary.LittleEndian.PutUint32(sh1[4:8], 1)
	binary.LittleEndian.PutUint64(sh1[24:32], uint64(textOff))
	binary.LittleEndian.PutUint64(sh1[32:40], uint64(len(text)))

	binary.LittleEndian.PutUint32(sh2[0:4], 7)
	binary.LittleEndian.PutUint32(sh2[4:8], 3)
	binary.LittleEndian.PutUint64(sh2[24:32], uint64(strtabOff))
	binary.LittleEndian.PutUint64(sh2[32:40], uint64(len(strtab)))

	return buf
}

func TestReplaceSectionGrows(t *testing.T) {
	orig := buildTextELF(t, []byte{0x01, 0x02, 0x03, 0x04})
	grown := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	out, err := ReplaceSection(orig, ".text", grown)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := ValidateELF(out); err != nil {
		t.Fatalf("result failed validation: %v", err)
	}

	sections, err := Sections(out)
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	var text, strtab *Section
	for i := range sections {
		switch sections[i].Name {
		case ".text":
			text = &sections[i]
		case ".shstrtab":
			strtab = &sections[i]
		}
	}
	if text == nil || strtab == nil {
		t.Fatalf("missing expected sections: %+v", sections)
	}
	if text.Size != uint64(len(grown)) {
		t.Fatalf("expected text size %d, got %d", len(grown), text.Size)
	}
	if !bytes.Equal(out[text.Offset:text.Offset+text.Size], grown) {
		t.Fatalf("text bytes not replaced correctly")
	}
	delta := int64(len(grown)) - 4
	if int64(strtab.Offset) != int64(64+4)+delta {
		t.Fatalf("expected shstrtab offset shifted by %d, got %d", delta, strtab.Offset)
	}
}

func TestReplaceSectionShrinks(t *testing.T) {
	orig := buildTextELF(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	shrunk := []byte{0x09}

	out, err := ReplaceSection(orig, ".text", shrunk)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := ValidateELF(out); err != nil {
		t.Fatalf("result failed validation: %v", err)
	}
	sections, err := Sections(out)
	if err != nil {
		t.Fatalf("sections: %v", err)
	}
	for i := range sections {
		if sections[i].Name == ".text" && sections[i].Size != 1 {
			t.Fatalf("expected shrunk text size 1, got %d", sections[i].Size)
		}
	}
}

func TestReplaceSectionMissingSection(t *testing.T) {
	orig := buildTextELF(t, []byte{0x01})
	if _, err := ReplaceSection(orig, ".nope", []byte{0x02}); err == nil {
		t.Fatal("expected an error for a missing section")
	}
}
