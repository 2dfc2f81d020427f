// lz4.go - the documented block-based LZ4 variant used to compress fat
// container sub-images.
//
// Token stream: each token byte is (literalLenNibble<<4)|matchLenNibble. A
// nibble of 0xf means the length continues into following 0xff-extended
// bytes, accumulating until a byte less than 0xff is read. Literal bytes
// follow the token, then a 2-byte little-endian back-offset, then a match of
// 4+matchLen bytes copied from out[opos-backOffset:]; when matchLen exceeds
// backOffset the copy proceeds byte-by-byte so it can read back into bytes
// it just wrote (RLE-style). The stream has no standard end-of-block marker:
// it simply runs out of input, possibly mid-literal-run with no trailing
// match section.

package container

import "fmt"

// DecodeLZ4 decodes an LZ4-variant token stream. outputSize is the expected
// decompressed size read from the sub-image header; it sizes the output
// buffer but decoding still stops at end of input regardless of whether
// outputSize bytes were produced.
func DecodeLZ4(input []byte, outputSize int) ([]byte, error) {
	out := make([]byte, 0, outputSize)
	pos := 0

	readExtendedLength := func() (int, error) {
		total := 0
		for {
			if pos >= len(input) {
				return total, fmt.Errorf("lz4: truncated extended length")
			}
			b := input[pos]
			pos++
			total += int(b)
			if b != 0xff {
				return total, nil
			}
		}
	}

	for pos < len(input) {
		token := input[pos]
		pos++

		litLen := int(token >> 4)
		if litLen == 0xf {
			extra, err := readExtendedLength()
			if err != nil {
				return out, err
			}
			litLen += extra
		}
		if litLen > 0 {
			if pos+litLen > len(input) {
				litLen = len(input) - pos // tolerate a final literal run with no match section
			}
			out = append(out, input[pos:pos+litLen]...)
			pos += litLen
		}

		if pos >= len(input) {
			// no trailing match section: this is the documented non-standard
			// termination this decoder must tolerate.
			break
		}

		matchLenNibble := int(token & 0x0f)
		if pos+2 > len(input) {
			break
		}
		backOffset := int(input[pos]) | int(input[pos+1])<<8
		pos        += 2

		matchLen := matchLenNibble
		if matchLenNibble == 0xf {
			extra, err := readExtendedLength()
			if err != nil {
				return out, err
			}
			matchLen += extra
		}
		matchLen += 4

		if backOffset == 0 || backOffset > len(out) {
			return out, fmt.Errorf("lz4: invalid back-offset %d at output length %d", backOffset, len(out))
		}
		srcStart := len(out) - backOffset
		if matchLen > backOffset {
			// RLE-style: copy byte by byte so the copy can read back into
			// bytes it just appended.
			for i := 0; i < matchLen; i++ {
				out = append(out, out[srcStart+i])
			}
		} else {
			out = append(out, out[srcStart:srcStart+matchLen]...)
		}
	}

	return out, nil
}
