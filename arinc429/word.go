// Package arinc429 defines the 32-bit ARINC 429 data word: its bit layout,
// field packing and unpacking, and the odd-parity integrity check.
//
// Words are represented exactly as transmitted on the wires, with the least
// significant bit (bit 1) transmitted first. The label field occupies the 8
// least significant bits; because the most significant digit of the label is
// transmitted first, the label field is in the reverse of the usual bit
// order. The parity bit is the most significant bit.
//
// The package performs no I/O and decodes no engineering units. Interpreting
// the data field (BNR, BCD, discrete) and the meaning of individual labels is
// left to the caller.
package arinc429

import (
	"fmt"
	"strconv"
)

// Field widths in bits, per the ARINC 429 word layout.
const (
	LabelWidth = 8
	SDIWidth   = 2
	DataWidth  = 19
	SSMWidth   = 2
)

// Maximum value representable by each field.
const (
	LabelMax uint8  = 1<<LabelWidth - 1
	SDIMax   uint8  = 1<<SDIWidth - 1
	DataMax  uint32 = 1<<DataWidth - 1
	SSMMax   uint8  = 1<<SSMWidth - 1
)

const (
	labelShift  = 0
	sdiShift    = 8
	dataShift   = 10
	ssmShift    = 29
	parityShift = 31

	labelMask  = uint32(LabelMax) << labelShift
	sdiMask    = uint32(SDIMax) << sdiShift
	dataMask   = DataMax << dataShift
	ssmMask    = uint32(SSMMax) << ssmShift
	parityMask = uint32(1) << parityShift
)

// Word is one ARINC 429 bus transmission unit. The zero value is the all-zero
// word, which never has valid parity. Words are immutable; operations that
// conceptually modify a word return a new one.
type Word struct {
	bits uint32
}

// New builds a word from its constituent fields and sets the parity bit so
// the resulting 32-bit pattern has an odd number of set bits. The label is
// stored as given, in on-wire bit order; no meaning is attached to it here.
// sdi, data or ssm values that exceed their field width are rejected with a
// *FieldOverflowError rather than silently truncated.
func New(label uint8, sdi uint8, data uint32, ssm uint8) (Word, error) {
	if sdi > SDIMax {
		return Word{}, &FieldOverflowError{Field: "sdi", Value: uint32(sdi), Max: uint32(SDIMax)}
	}
	if data > DataMax {
		return Word{}, &FieldOverflowError{Field: "data", Value: data, Max: DataMax}
	}
	if ssm > SSMMax {
		return Word{}, &FieldOverflowError{Field: "ssm", Value: uint32(ssm), Max: uint32(SSMMax)}
	}
	bits := uint32(label)<<labelShift | uint32(sdi)<<sdiShift | data<<dataShift | uint32(ssm)<<ssmShift
	if ComputeParityBit(bits, 31) {
		bits |= parityMask
	}
	return Word{bits: bits}, nil
}

// MustNew is like New but panics on a field overflow. Intended for fixtures
// and constant word tables.
func MustNew(label uint8, sdi uint8, data uint32, ssm uint8) Word {
	w, err := New(label, sdi, data, ssm)
	if err != nil {
		panic(err)
	}
	return w
}

// FromBits creates a word from bits as transmitted, with no modifications and
// no validation. All 32 bits, including parity, are taken as given; validity
// is a separate, explicit check via CheckParity.
func FromBits(bits uint32) Word {
	return Word{bits: bits}
}

// Bits returns the bits that represent this word, suitable for transmission.
// FromBits(b).Bits() == b for every bit pattern.
func (w Word) Bits() uint32 {
	return w.bits
}

// Label returns the 8-bit label field (bits 1-8) in on-wire bit order.
func (w Word) Label() uint8 {
	return uint8((w.bits & labelMask) >> labelShift)
}

// SDI returns the 2-bit source/destination identifier (bits 9-10). Labels
// that do not use an SDI still carry these bits; they are returned as-is.
func (w Word) SDI() uint8 {
	return uint8((w.bits & sdiMask) >> sdiShift)
}

// Data returns the 19-bit data field (bits 11-29) as raw bits. Signed, BNR or
// BCD interpretation is up to the caller.
func (w Word) Data() uint32 {
	return (w.bits & dataMask) >> dataShift
}

// SSM returns the 2-bit sign/status matrix (bits 30-31) as a raw code. Its
// meaning depends on the label.
func (w Word) SSM() uint8 {
	return uint8((w.bits & ssmMask) >> ssmShift)
}

// ParityBit reports whether the parity bit (bit 32) is set.
func (w Word) ParityBit() bool {
	return w.bits&parityMask != 0
}

// WithOddParity returns a copy of the word with the parity bit rewritten so
// the 32-bit pattern has odd parity. The other 31 bits are unchanged.
func (w Word) WithOddParity() Word {
	bits := w.bits &^ parityMask
	if ComputeParityBit(bits, 31) {
		bits |= parityMask
	}
	return Word{bits: bits}
}

func (w Word) String() string {
	return fmt.Sprintf("Word(0x%08X)", w.bits)
}

// MarshalJSON encodes the word as its raw 32-bit unsigned integer value.
func (w Word) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(w.bits), 10), nil
}

// UnmarshalJSON decodes a word from its raw 32-bit unsigned integer value.
func (w *Word) UnmarshalJSON(data []byte) error {
	v, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return fmt.Errorf("arinc429: word must be an unsigned 32-bit integer: %w", err)
	}
	w.bits = uint32(v)
	return nil
}
