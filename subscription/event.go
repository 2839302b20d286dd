package subscription

import (
	"fmt"
	"time"

	"github.com/twitter/mbeanwatch/mri"
)

type EventKind int

const (
	// A sampled or pushed value.
	ValueUpdated EventKind = iota
	// Synthetic null sent when a subscription is registered or unregistered and null events are enabled.
	NullValue
	// The transport session ended. Terminal for the session.
	ConnectionLost
	// The attribute could not be read and was moved out of active polling. Err holds the cause.
	AttributeException
	// A previously unavailable attribute is readable again. Not a value sample.
	Reattached
)

var eventKindNames = []string{"value", "null", "connectionLost", "attributeException", "reattached"}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// ValueEvent is delivered to listeners. It is immutable once built.
type ValueEvent struct {
	Descriptor mri.Descriptor
	Timestamp  time.Time
	Value      interface{}
	Kind       EventKind
	Err        error
}

func NewValueEvent(d mri.Descriptor, ts time.Time, value interface{}) ValueEvent {
	return ValueEvent{Descriptor: d, Timestamp: ts, Value: value, Kind: ValueUpdated}
}

// IsValue reports whether e carries a real sample, which is what transformations and parent watchers consume.
func (e ValueEvent) IsValue() bool {
	return e.Kind == ValueUpdated && e.Value != nil
}

func (e ValueEvent) String() string {
	s := fmt.Sprintf("%s %s@%d", e.Kind, e.Descriptor, e.Timestamp.UnixNano()/int64(time.Millisecond))
	switch {
	case e.Err != nil:
		s += fmt.Sprintf(" err=%v", e.Err)
	case e.Kind == ValueUpdated:
		s += fmt.Sprintf(" value=%v", e.Value)
	}
	return s
}
