package typeutil

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Duration is a wrapper of time.Duration for TOML and JSON.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(duration time.Duration) Duration {
	return Duration{Duration: duration}
}

// IsZero reports whether the duration is unset.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

// MarshalJSON returns the duration as a JSON string.
func (d *Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a JSON string ("10s") or number (nanoseconds) into
// the duration.
func (d *Duration) UnmarshalJSON(text []byte) error {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch value := v.(type) {
	case json.Number:
		ns, err := value.Int64()
		if err != nil {
			return errors.WithMessage(err, "parse from number")
		}
		d.Duration = time.Duration(ns)
		return nil
	case string:
		duration, err := time.ParseDuration(value)
		if err != nil {
			return errors.WithMessage(err, "parse from string")
		}
		d.Duration = duration
		return nil
	default:
		return errors.New("invalid duration")
	}
}

// MarshalText returns the duration in time.Duration notation.
func (d *Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a TOML string into the duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.WithMessage(err, "parse duration from text")
	}
	d.Duration = duration
	return nil
}
