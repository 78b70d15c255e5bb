package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const redacted = "[REDACTED]"

// Duration is a timeout read from MODELZOO_* variables. Plain numbers
// are seconds and may be fractional ("1500", "0.5"); anything else goes
// through time.ParseDuration ("25m").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	var v time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		v = time.Duration(secs * float64(time.Second))
	} else if v, err = time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid duration %q: expected seconds or a Go duration", s)
	}
	if v < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds a board or cloud credential. Every printed or serialized
// form is masked; only Value exposes it.
type Secret string

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string                { return s.mask() }
func (s Secret) GoString() string              { return "Secret(" + redacted + ")" }
func (s Secret) MarshalJSON() ([]byte, error)  { return json.Marshal(s.mask()) }
func (s Secret) MarshalYAML() (any, error)     { return s.mask(), nil }
func (s *Secret) UnmarshalText(b []byte) error { *s = Secret(b); return nil }

// Value returns the clear-text secret.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether a secret was provided.
func (s Secret) IsSet() bool {
	return s != ""
}
