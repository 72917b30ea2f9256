package launch

import (
	"fmt"
	"strings"
	"time"
)

// Class identifies what kind of notice a dispatch job delivers.
type Class int

const (
	Class24h Class = iota
	Class12h
	Class1h
	Class5m

	// ClassPostpone is the out-of-band alert raised when a slip rearms flags.
	ClassPostpone
	// ClassLaunchCheck re-verifies an event whose net just passed.
	ClassLaunchCheck
)

// NumLeadClasses is the number of lead-time classes tracked per event.
const NumLeadClasses = 4

// LeadClasses lists the lead-time classes, longest lead first.
var LeadClasses = [NumLeadClasses]Class{Class24h, Class12h, Class1h, Class5m}

var leadTimes = [NumLeadClasses]time.Duration{
	24 * time.Hour,
	12 * time.Hour,
	time.Hour,
	5 * time.Minute,
}

// IsLead reports whether c is one of the four lead-time classes.
func (c Class) IsLead() bool { return c >= Class24h && c <= Class5m }

// LeadTime returns the interval before net at which c is due.
// Non-lead classes return 0.
func (c Class) LeadTime() time.Duration {
	if !c.IsLead() {
		return 0
	}
	return leadTimes[c]
}

// Priority orders classes for tie-breaks; higher wins.
func (c Class) Priority() int {
	switch {
	case c.IsLead():
		return int(NumLeadClasses - c)
	case c == ClassPostpone:
		return NumLeadClasses + 1
	default:
		return 0
	}
}

func (c Class) String() string {
	switch c {
	case Class24h:
		return "24h"
	case Class12h:
		return "12h"
	case Class1h:
		return "1h"
	case Class5m:
		return "5m"
	case ClassPostpone:
		return "postpone"
	case ClassLaunchCheck:
		return "lcheck"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseClass is the inverse of Class.String.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "24h":
		return Class24h, nil
	case "12h":
		return Class12h, nil
	case "1h":
		return Class1h, nil
	case "5m", "5min":
		return Class5m, nil
	case "postpone":
		return ClassPostpone, nil
	case "lcheck":
		return ClassLaunchCheck, nil
	default:
		return 0, fmt.Errorf("unknown notification class %q", s)
	}
}

// Flags holds one boolean per lead-time class, indexed by Class.
type Flags [NumLeadClasses]bool

func (f Flags) Get(c Class) bool {
	if !c.IsLead() {
		return false
	}
	return f[c]
}

func (f *Flags) Set(c Class, v bool) {
	if c.IsLead() {
		f[c] = v
	}
}

// Classes returns the classes whose flag is set, longest lead first.
func (f Flags) Classes() []Class {
	var out []Class
	for _, c := range LeadClasses {
		if f[c] {
			out = append(out, c)
		}
	}
	return out
}

// Any reports whether at least one flag is set.
func (f Flags) Any() bool {
	for _, v := range f {
		if v {
			return true
		}
	}
	return false
}

// Encode serializes the flags as a compact ordered list, e.g. "1,0,1,1".
func (f Flags) Encode() string {
	var b strings.Builder
	for i, v := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		if v {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// DecodeFlags parses the output of Flags.Encode.
func DecodeFlags(s string) (Flags, error) {
	var f Flags
	s = strings.TrimSpace(s)
	if s == "" {
		return f, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != NumLeadClasses {
		return f, fmt.Errorf("flags: want %d values, got %d", NumLeadClasses, len(parts))
	}
	for i, p := range parts {
		switch strings.TrimSpace(p) {
		case "1", "true":
			f[i] = true
		case "0", "false":
		default:
			return f, fmt.Errorf("flags: bad value %q at %d", p, i)
		}
	}
	return f, nil
}
