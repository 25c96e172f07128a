package arinc429

import "fmt"

// ParityError reports a word whose parity bit does not match the odd parity
// computed over its other 31 bits.
type ParityError struct {
	// Raw is the full 32-bit word that failed the check.
	Raw uint32
	// Expected is the parity bit value (0 or 1) that would make the word
	// valid; Actual is the value the word carries.
	Expected uint8
	Actual   uint8
}

func (e *ParityError) Error() string {
	return fmt.Sprintf("arinc429: parity check failed for word 0x%08X: expected parity bit %d, got %d", e.Raw, e.Expected, e.Actual)
}

// FieldOverflowError reports a field value that does not fit the field's bit
// width. Words are never built by truncating an oversized value.
type FieldOverflowError struct {
	Field string
	Value uint32
	Max   uint32
}

func (e *FieldOverflowError) Error() string {
	return fmt.Sprintf("arinc429: %s value %d exceeds field maximum %d", e.Field, e.Value, e.Max)
}
