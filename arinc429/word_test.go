package arinc429

import (
	"encoding/json"
	"errors"
	"math/bits"
	"testing"
)

func TestNewRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		label uint8
		sdi   uint8
		data  uint32
		ssm   uint8
	}{
		{name: "all zero", label: 0, sdi: 0, data: 0, ssm: 0},
		{name: "all max", label: LabelMax, sdi: SDIMax, data: DataMax, ssm: SSMMax},
		{name: "octal 203", label: 0o203, sdi: 1, data: 0, ssm: 0},
		{name: "mixed", label: 0xCA, sdi: 2, data: 0x5A5A5, ssm: 1},
		{name: "data only", label: 0, sdi: 0, data: 0x7FFFF, ssm: 0},
		{name: "ssm only", label: 0, sdi: 0, data: 0, ssm: 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, err := New(tc.label, tc.sdi, tc.data, tc.ssm)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if got := w.Label(); got != tc.label {
				t.Fatalf("Label = %d, want %d", got, tc.label)
			}
			if got := w.SDI(); got != tc.sdi {
				t.Fatalf("SDI = %d, want %d", got, tc.sdi)
			}
			if got := w.Data(); got != tc.data {
				t.Fatalf("Data = 0x%X, want 0x%X", got, tc.data)
			}
			if got := w.SSM(); got != tc.ssm {
				t.Fatalf("SSM = %d, want %d", got, tc.ssm)
			}
			if err := w.CheckParity(); err != nil {
				t.Fatalf("CheckParity on constructed word failed: %v", err)
			}
			if bits.OnesCount32(w.Bits())%2 != 1 {
				t.Fatalf("constructed word 0x%08X has even bit count", w.Bits())
			}
		})
	}
}

func TestNewRejectsOverflow(t *testing.T) {
	tests := []struct {
		name  string
		sdi   uint8
		data  uint32
		ssm   uint8
		field string
		value uint32
		max   uint32
	}{
		{name: "sdi too wide", sdi: 4, field: "sdi", value: 4, max: 3},
		{name: "data too wide", data: 1 << 19, field: "data", value: 1 << 19, max: DataMax},
		{name: "data far too wide", data: 0xFFFFFFFF, field: "data", value: 0xFFFFFFFF, max: DataMax},
		{name: "ssm too wide", ssm: 0xFF, field: "ssm", value: 0xFF, max: 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(0o203, tc.sdi, tc.data, tc.ssm)
			if err == nil {
				t.Fatalf("New accepted out-of-range %s", tc.field)
			}
			var overflow *FieldOverflowError
			if !errors.As(err, &overflow) {
				t.Fatalf("error type = %T, want *FieldOverflowError", err)
			}
			if overflow.Field != tc.field {
				t.Fatalf("Field = %q, want %q", overflow.Field, tc.field)
			}
			if overflow.Value != tc.value {
				t.Fatalf("Value = %d, want %d", overflow.Value, tc.value)
			}
			if overflow.Max != tc.max {
				t.Fatalf("Max = %d, want %d", overflow.Max, tc.max)
			}
		})
	}
}

func TestMustNewPanicsOnOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("MustNew did not panic on overflow")
		}
	}()
	MustNew(0, 0, 1<<19, 0)
}

func TestFromBitsLossless(t *testing.T) {
	patterns := []uint32{
		0x00000000,
		0xFFFFFFFF,
		0x80000183,
		0x7FFFFFFF,
		0x80000000,
		0xDEADBEEF,
		0x55555555,
		0xAAAAAAAA,
	}
	for _, raw := range patterns {
		if got := FromBits(raw).Bits(); got != raw {
			t.Fatalf("FromBits(0x%08X).Bits() = 0x%08X", raw, got)
		}
	}
}

func TestOctal203Scenario(t *testing.T) {
	w, err := New(0o203, 1, 0, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if w.Bits() != 0x80000183 {
		t.Fatalf("Bits = 0x%08X, want 0x80000183", w.Bits())
	}
	if !w.ParityBit() {
		t.Fatalf("ParityBit = false, want true")
	}
	if err := w.CheckParity(); err != nil {
		t.Fatalf("CheckParity failed: %v", err)
	}

	mutated := FromBits(w.Bits() ^ 1<<14)
	err = mutated.CheckParity()
	if err == nil {
		t.Fatalf("CheckParity passed after bit flip")
	}
	var parity *ParityError
	if !errors.As(err, &parity) {
		t.Fatalf("error type = %T, want *ParityError", err)
	}
	if parity.Raw != mutated.Bits() {
		t.Fatalf("ParityError.Raw = 0x%08X, want 0x%08X", parity.Raw, mutated.Bits())
	}
}

func TestZeroWord(t *testing.T) {
	w := FromBits(0)
	if w.Label() != 0 || w.SDI() != 0 || w.Data() != 0 || w.SSM() != 0 {
		t.Fatalf("zero word fields = label=%d sdi=%d data=%d ssm=%d, want all zero",
			w.Label(), w.SDI(), w.Data(), w.SSM())
	}
	if w.ParityBit() {
		t.Fatalf("ParityBit = true, want false")
	}
	err := w.CheckParity()
	if err == nil {
		t.Fatalf("CheckParity passed on all-zero word")
	}
	var parity *ParityError
	if !errors.As(err, &parity) {
		t.Fatalf("error type = %T, want *ParityError", err)
	}
	if parity.Expected != 1 || parity.Actual != 0 {
		t.Fatalf("expected/actual = %d/%d, want 1/0", parity.Expected, parity.Actual)
	}
}

func TestAllOnesWord(t *testing.T) {
	w := FromBits(0xFFFFFFFF)
	if w.Label() != 0xFF || w.SDI() != 3 || w.Data() != DataMax || w.SSM() != 3 {
		t.Fatalf("all-ones fields = label=0x%X sdi=%d data=0x%X ssm=%d",
			w.Label(), w.SDI(), w.Data(), w.SSM())
	}
	if !w.ParityBit() {
		t.Fatalf("ParityBit = false, want true")
	}
	err := w.CheckParity()
	if err == nil {
		t.Fatalf("CheckParity passed on all-ones word")
	}
	var parity *ParityError
	if !errors.As(err, &parity) {
		t.Fatalf("error type = %T, want *ParityError", err)
	}
	if parity.Expected != 0 || parity.Actual != 1 {
		t.Fatalf("expected/actual = %d/%d, want 0/1", parity.Expected, parity.Actual)
	}
}

func TestWithOddParity(t *testing.T) {
	raws := []uint32{0x00000000, 0xFFFFFFFF, 0x00000183, 0x80000183, 0x12345678}
	for _, raw := range raws {
		fixed := FromBits(raw).WithOddParity()
		if err := fixed.CheckParity(); err != nil {
			t.Fatalf("WithOddParity(0x%08X) still invalid: %v", raw, err)
		}
		if got := fixed.Bits() &^ (1 << 31); got != raw&^(1<<31) {
			t.Fatalf("WithOddParity(0x%08X) changed non-parity bits: 0x%08X", raw, fixed.Bits())
		}
		if again := fixed.WithOddParity(); again != fixed {
			t.Fatalf("WithOddParity not idempotent for 0x%08X", raw)
		}
	}
}

func TestWordString(t *testing.T) {
	w := FromBits(0x80000183)
	if got := w.String(); got != "Word(0x80000183)" {
		t.Fatalf("String = %q", got)
	}
}

func TestWordJSON(t *testing.T) {
	w := MustNew(0o203, 1, 0, 0)
	out, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != "2147484035" {
		t.Fatalf("Marshal = %s, want 2147484035", out)
	}

	var back Word
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != w {
		t.Fatalf("round trip = %v, want %v", back, w)
	}

	for _, bad := range []string{`"0x80000183"`, `-1`, `4294967296`, `1.5`, `{}`} {
		if err := json.Unmarshal([]byte(bad), &back); err == nil {
			t.Fatalf("Unmarshal accepted %s", bad)
		}
	}
}
