package reading

import (
	"fmt"
	"time"
)

// Identifier names a logical channel. Meters provide their own kinds, the pipeline only
// compares them.
type Identifier interface {
	Equal(other Identifier) bool
	String() string
}

// StringIdentifier identifies a channel by a name such as a json key or register name.
type StringIdentifier string

func (id StringIdentifier) Equal(other Identifier) bool {
	o, ok := other.(StringIdentifier)
	return ok && o == id
}

func (id StringIdentifier) String() string { return string(id) }

// Reading is a single sample. It is treated as immutable once handed to the pipeline.
type Reading struct {
	Identifier Identifier
	Time       time.Time
	Value      float64
}

func New(id Identifier, t time.Time, value float64) Reading {
	return Reading{Identifier: id, Time: t.Truncate(time.Microsecond), Value: value}
}

func (r Reading) Millis() int64 { return r.Time.UnixMilli() }

func (r Reading) String() string {
	id := "<nil>"
	if r.Identifier != nil {
		id = r.Identifier.String()
	}
	return fmt.Sprintf("%s@%s=%g", id, r.Time.Format(time.RFC3339Nano), r.Value)
}

// Same reports whether both identifiers are set and equal.
func Same(a, b Identifier) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Equal(b)
}
