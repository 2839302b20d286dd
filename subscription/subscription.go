// Package subscription holds the live binding between one descriptor, its
// listeners, its last value, and its update policy.
package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/mri"
)

var ErrDuplicateListener = errors.New("listener already registered")

// Subscription fans the events of one descriptor out to its listeners.
//
// The listener set is copy-on-write: mutations swap in a new slice and dispatch
// iterates whatever slice it loaded, so adds and removes from any goroutine
// never disturb an in-flight delivery. Deliveries themselves are serialized per
// subscription, which is what keeps timestamps non-decreasing across the poll
// loop, the notification path, and connection loss broadcasts.
type Subscription struct {
	descriptor mri.Descriptor
	filter     ValueFilter

	mu        sync.RWMutex
	listeners []Listener
	policy    UpdatePolicy
	last      *ValueEvent

	fireMu        sync.Mutex
	lastDelivered time.Time

	closed atomic.Bool
}

// New creates a subscription. A nil policy polls every DefaultUpdateInterval,
// a nil filter accepts everything.
func New(d mri.Descriptor, policy UpdatePolicy, filter ValueFilter) *Subscription {
	if policy == nil {
		policy = Interval(DefaultUpdateInterval)
	}
	return &Subscription{descriptor: d, policy: policy, filter: filter}
}

func (s *Subscription) Descriptor() mri.Descriptor {
	return s.descriptor
}

func (s *Subscription) String() string {
	return s.descriptor.String()
}

// AddListener returns ErrDuplicateListener if l is already registered.
func (s *Subscription) AddListener(l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return errors.Wrapf(ErrDuplicateListener, "on %s", s.descriptor)
		}
	}
	next := make([]Listener, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, l)
	return nil
}

// RemoveListener reports whether l was registered.
func (s *Subscription) RemoveListener(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			next := make([]Listener, 0, len(s.listeners)-1)
			next = append(next, s.listeners[:i]...)
			s.listeners = append(next, s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// SubstituteListener replaces from with to in one step, so any event is
// delivered to exactly one of them. If to is already registered, from is just
// removed. Reports whether from was registered.
func (s *Subscription) SubstituteListener(from, to Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, hasTo := -1, false
	for i, existing := range s.listeners {
		switch existing {
		case from:
			idx = i
		case to:
			hasTo = true
		}
	}
	if idx < 0 {
		return false
	}
	next := make([]Listener, 0, len(s.listeners))
	for i, existing := range s.listeners {
		if i != idx {
			next = append(next, existing)
		} else if !hasTo {
			next = append(next, to)
		}
	}
	s.listeners = next
	return true
}

// Listeners returns a snapshot of the registered listeners.
func (s *Subscription) Listeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *Subscription) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *Subscription) HasListener(l Listener) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.listeners {
		if existing == l {
			return true
		}
	}
	return false
}

func (s *Subscription) UpdatePolicy() UpdatePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *Subscription) SetUpdatePolicy(p UpdatePolicy) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// LastEvent returns the last stored event, if any.
func (s *Subscription) LastEvent() (ValueEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return ValueEvent{}, false
	}
	return *s.last, true
}

// StoreAndFire delivers a value, null, or connection lost event and keeps it as the last event.
// Events older than the last delivered one, and values rejected by the filter,
// are dropped. Reports whether e was delivered.
func (s *Subscription) StoreAndFire(e ValueEvent) bool {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()
	if s.closed.Load() {
		return false
	}
	if e.Kind == ValueUpdated && s.filter != nil && !s.filter(e.Value) {
		log.WithFields(log.Fields{
			"descriptor": s.descriptor,
			"value":      e.Value,
		}).Debug("Filtered value")
		return false
	}
	if e.Timestamp.Before(s.lastDelivered) {
		log.WithFields(log.Fields{
			"descriptor":    s.descriptor,
			"timestamp":     e.Timestamp,
			"lastDelivered": s.lastDelivered,
		}).Debug("Dropping stale event")
		return false
	}
	s.lastDelivered = e.Timestamp

	s.mu.Lock()
	s.last = &e
	listeners := s.listeners
	s.mu.Unlock()

	s.dispatch(listeners, e)
	return true
}

// Fire delivers a status event (attribute exception, reattachment) without storing it.
// Its timestamp is moved up to the last delivered one if it is older.
func (s *Subscription) Fire(e ValueEvent) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()
	if s.closed.Load() {
		return
	}
	if e.Timestamp.Before(s.lastDelivered) {
		e.Timestamp = s.lastDelivered
	}
	s.lastDelivered = e.Timestamp

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	s.dispatch(listeners, e)
}

func (s *Subscription) dispatch(listeners []Listener, e ValueEvent) {
	for _, l := range listeners {
		if s.closed.Load() {
			return
		}
		l.ValueChanged(e)
	}
}

// Close stops all further deliveries. It does not wait for a delivery already in progress.
func (s *Subscription) Close() {
	s.closed.Store(true)
}

func (s *Subscription) Closed() bool {
	return s.closed.Load()
}
