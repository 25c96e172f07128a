package arinc429

import "math/bits"

// ComputeParityBit returns the parity bit that gives the low width bits of
// value an odd total set-bit count: true when the masked value has an even
// number of set bits. A width of 32 or more covers the whole value.
func ComputeParityBit(value uint32, width uint) bool {
	if width < 32 {
		value &= 1<<width - 1
	}
	return bits.OnesCount32(value)%2 == 0
}

// CheckParity verifies the word's odd parity. It returns nil when the full
// 32-bit pattern has an odd number of set bits, and a *ParityError carrying
// the raw word together with the expected and actual parity bits otherwise.
func (w Word) CheckParity() error {
	expected := ComputeParityBit(w.bits, 31)
	actual := w.ParityBit()
	if actual == expected {
		return nil
	}
	return &ParityError{Raw: w.bits, Expected: parityBitValue(expected), Actual: parityBitValue(actual)}
}

func parityBitValue(set bool) uint8 {
	if set {
		return 1
	}
	return 0
}
