// Package nnduration provides non-negative duration types with JSON and YAML support.
package nnduration

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

func parse(input string, unit time.Duration) (value uint64, e error) {
	if d, e := time.ParseDuration(input); e == nil {
		if d < 0 {
			return 0, strconv.ErrRange
		}
		return uint64(d / unit), nil
	}
	return strconv.ParseUint(input, 10, 64)
}

func unmarshalText(ptr interface{}, p []byte, unit time.Duration) error {
	value, e := parse(strings.Trim(string(p), `"`), unit)
	if e != nil {
		return e
	}
	reflect.ValueOf(ptr).Elem().SetUint(value)
	return nil
}

// Milliseconds is a duration in milliseconds.
// It can be decoded from an integer or a duration string such as "1500ms".
type Milliseconds uint64

// UnmarshalJSON implements json.Unmarshaler.
func (d *Milliseconds) UnmarshalJSON(p []byte) error {
	return unmarshalText(d, p, time.Millisecond)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Milliseconds) UnmarshalText(p []byte) error {
	return unmarshalText(d, p, time.Millisecond)
}

// Duration converts to time.Duration.
func (d Milliseconds) Duration() time.Duration {
	return time.Duration(d) * time.Millisecond
}

// DurationOr converts non-zero value to time.Duration, or returns dflt for zero.
func (d Milliseconds) DurationOr(dflt Milliseconds) time.Duration {
	if d == 0 {
		return dflt.Duration()
	}
	return d.Duration()
}

// Nanoseconds is a duration in nanoseconds.
type Nanoseconds uint64

// UnmarshalJSON implements json.Unmarshaler.
func (d *Nanoseconds) UnmarshalJSON(p []byte) error {
	return unmarshalText(d, p, time.Nanosecond)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Nanoseconds) UnmarshalText(p []byte) error {
	return unmarshalText(d, p, time.Nanosecond)
}

// Duration converts to time.Duration.
func (d Nanoseconds) Duration() time.Duration {
	return time.Duration(d)
}

// DurationOr converts non-zero value to time.Duration, or returns dflt for zero.
func (d Nanoseconds) DurationOr(dflt Nanoseconds) time.Duration {
	if d == 0 {
		return dflt.Duration()
	}
	return d.Duration()
}
