package arinc429

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSpeed is returned when parsing a bus speed name that is neither
// "high" nor "low".
var ErrUnknownSpeed = errors.New("arinc429: unknown bus speed")

// Speed is one of the two ARINC 429 transmission rates.
type Speed uint8

const (
	// SpeedHigh is the 100 kbit/s rate.
	SpeedHigh Speed = iota
	// SpeedLow is the 12.5 kbit/s rate.
	SpeedLow
)

func (s Speed) String() string {
	switch s {
	case SpeedHigh:
		return "high"
	case SpeedLow:
		return "low"
	default:
		return fmt.Sprintf("Speed(%d)", uint8(s))
	}
}

// BitRate returns the transmission rate in bits per second.
func (s Speed) BitRate() int {
	if s == SpeedLow {
		return 12500
	}
	return 100000
}

// BitTime returns the duration of one bit cell at this speed.
func (s Speed) BitTime() time.Duration {
	return time.Second / time.Duration(s.BitRate())
}

// ParseSpeed parses a bus speed name as produced by String.
func ParseSpeed(name string) (Speed, error) {
	switch name {
	case "high":
		return SpeedHigh, nil
	case "low":
		return SpeedLow, nil
	default:
		return SpeedHigh, fmt.Errorf("%w: %q", ErrUnknownSpeed, name)
	}
}

// MarshalText encodes the speed as its name, so JSON and TOML both carry
// "high" or "low".
func (s Speed) MarshalText() ([]byte, error) {
	switch s {
	case SpeedHigh, SpeedLow:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSpeed, uint8(s))
	}
}

// UnmarshalText decodes a speed from its name.
func (s *Speed) UnmarshalText(text []byte) error {
	parsed, err := ParseSpeed(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
