package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// OptionalInt is an integer option with three states:
//   - absent: Set == false, callers apply their default
//   - null:   Set == true, Null == true (e.g. "unlimited")
//   - value:  Set == true, Value holds the number
type OptionalInt struct {
	Value int
	Null  bool
	Set   bool
}

func (o *OptionalInt) UnmarshalJSON(b []byte) error {
	o.Set = true
	if isNull(b) {
		o.Null, o.Value = true, 0
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected integer or null, got %s", b)
	}
	o.Null, o.Value = false, n
	return nil
}

func (o OptionalInt) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(o.Value)), nil
}

// Resolve returns def when absent and (0, false) when explicitly null.
func (o OptionalInt) Resolve(def int) (int, bool) {
	if !o.Set {
		return def, true
	}
	if o.Null {
		return 0, false
	}
	return o.Value, true
}

// OptionalDuration is a duration option accepting a number of seconds
// (600, 1.5), a Go duration string ("10m") or null.
type OptionalDuration struct {
	Value time.Duration
	Null  bool
	Set   bool
}

func (o *OptionalDuration) UnmarshalJSON(b []byte) error {
	o.Set = true
	if isNull(b) {
		o.Null, o.Value = true, 0
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		if secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return fmt.Errorf("duration must be >= 0, got %s", b)
		}
		o.Null, o.Value = false, time.Duration(secs*float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected seconds, duration string or null, got %s", b)
	}
	d, err := ParseDurationField("duration", s)
	if err != nil {
		return err
	}
	o.Null, o.Value = false, d
	return nil
}

func (o OptionalDuration) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value.String())
}

// Resolve returns def when absent and (0, false) when explicitly null.
func (o OptionalDuration) Resolve(def time.Duration) (time.Duration, bool) {
	if !o.Set {
		return def, true
	}
	if o.Null {
		return 0, false
	}
	return o.Value, true
}

func isNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
