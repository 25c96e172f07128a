package arinc429

import (
	"fmt"
	"strconv"
)

// swapLabelBits mirrors the 8 label bits in place, leaving the rest of the
// word untouched. The transposition is its own inverse.
func swapLabelBits(bits uint32) uint32 {
	label := bits & labelMask
	swapped := (label&0x01)<<7 | (label&0x02)<<5 | (label&0x04)<<3 | (label&0x08)<<1 |
		(label&0x10)>>1 | (label&0x20)>>3 | (label&0x40)>>5 | (label&0x80)>>7
	return (bits &^ labelMask) | swapped
}

// FromBitsLabelSwapped creates a word from a 32-bit pattern whose label field
// is in reading order (most significant label bit in bit 8), mirroring the
// label into on-wire order. Some receiver hardware presents words this way.
func FromBitsLabelSwapped(bits uint32) Word {
	return Word{bits: swapLabelBits(bits)}
}

// BitsLabelSwapped returns the word's bits with the label field mirrored into
// reading order. FromBitsLabelSwapped(w.BitsLabelSwapped()) == w for every
// word.
func (w Word) BitsLabelSwapped() uint32 {
	return swapLabelBits(w.bits)
}

// FormatLabel renders a label in the conventional three-digit octal form,
// most significant digit first.
func FormatLabel(label uint8) string {
	return fmt.Sprintf("%03o", label)
}

// ParseLabel parses a label written in conventional octal form, as produced
// by FormatLabel. Values above 377 octal and non-octal digits are rejected.
func ParseLabel(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 8, 8)
	if err != nil {
		return 0, fmt.Errorf("arinc429: invalid octal label %q: %w", s, err)
	}
	return uint8(v), nil
}
