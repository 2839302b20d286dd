package subscription

import (
	"sync"
	"time"

	"github.com/twitter/mbeanwatch/mri"
)

const DefaultUpdateInterval = time.Second

// UpdatePolicy decides when the next sample is due. The zero time means the
// subscription has never been sampled. Implementations must be pure.
type UpdatePolicy interface {
	NextUpdate(last time.Time) time.Time
}

type intervalPolicy time.Duration

// Interval samples every d. The first sample is due immediately.
func Interval(d time.Duration) UpdatePolicy {
	if d <= 0 {
		d = DefaultUpdateInterval
	}
	return intervalPolicy(d)
}

func (p intervalPolicy) NextUpdate(last time.Time) time.Time {
	if last.IsZero() {
		return last
	}
	return last.Add(time.Duration(p))
}

func (p intervalPolicy) String() string {
	return "every " + time.Duration(p).String()
}

// Never is returned by policies that do not want another sample.
var Never = time.Unix(1<<62, 0)

type oncePolicy struct{}

// Once samples a single time. Useful for static attributes such as VM arguments.
func Once() UpdatePolicy {
	return oncePolicy{}
}

func (oncePolicy) NextUpdate(last time.Time) time.Time {
	if last.IsZero() {
		return last
	}
	return Never
}

func (oncePolicy) String() string { return "once" }

// PolicyTable resolves the update policy of a descriptor: an exact descriptor
// entry wins over an attribute name entry, which wins over the default.
type PolicyTable struct {
	mu          sync.RWMutex
	byDesc      map[mri.Descriptor]UpdatePolicy
	byAttribute map[string]UpdatePolicy
	def         UpdatePolicy
}

func NewPolicyTable(def UpdatePolicy) *PolicyTable {
	if def == nil {
		def = Interval(DefaultUpdateInterval)
	}
	return &PolicyTable{
		byDesc:      make(map[mri.Descriptor]UpdatePolicy),
		byAttribute: make(map[string]UpdatePolicy),
		def:         def,
	}
}

func (t *PolicyTable) Set(d mri.Descriptor, p UpdatePolicy) {
	t.mu.Lock()
	t.byDesc[d] = p
	t.mu.Unlock()
}

// SetForAttribute applies p to every descriptor whose attribute name is name, on any object.
func (t *PolicyTable) SetForAttribute(name string, p UpdatePolicy) {
	t.mu.Lock()
	t.byAttribute[name] = p
	t.mu.Unlock()
}

func (t *PolicyTable) Lookup(d mri.Descriptor) UpdatePolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.byDesc[d]; ok {
		return p
	}
	if p, ok := t.byAttribute[d.AttributeName()]; ok {
		return p
	}
	return t.def
}
