package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldError reports a bad value for one dotted config field, e.g.
// "refresh.base_period".
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// ParseDuration reads a Go duration or a whole number of days ("3d"). An
// empty value is zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, &FieldError{Field: field, Err: fmt.Errorf("invalid duration %q", raw)}
	}
	if d < 0 {
		return 0, &FieldError{Field: field, Err: fmt.Errorf("duration %q is negative", raw)}
	}
	return d, nil
}

// DurationOr is ParseDuration with def for empty or zero values.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
