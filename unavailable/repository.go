// Package unavailable parks subscriptions that can't be polled right now and
// decides when they are worth trying again.
//
// A parked subscription is in exactly one of three places:
//  - unregistered: its object is known to be gone. Nothing is retried until the
//    object lifecycle source reports the object back.
//  - child groups: it reads a field of a composite value that has not shown up
//    yet. Siblings wait together on their parent and move to backoff as soon as
//    the parent delivers a value.
//  - backoff: everything else. Retests are spaced out exponentially.
package unavailable

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/objects"
	"github.com/twitter/mbeanwatch/subscription"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMultiplier     = 2

	// Cap used when Config.MaxBackoff is zero.
	uncappedBackoff = 365 * 24 * time.Hour
)

// ParentWatcher reports on the values of composite parents.
type ParentWatcher interface {
	// ParentAvailable reports whether parent currently has a value.
	ParentAvailable(parent mri.Descriptor) bool

	// WatchParent calls fn whenever parent delivers a value, until cancel is called.
	// fn may be called on any goroutine.
	WatchParent(parent mri.Descriptor, fn func()) (cancel func())
}

type Config struct {
	InitialBackoff time.Duration
	// Zero leaves the backoff uncapped.
	MaxBackoff time.Duration
}

type record struct {
	sub      *subscription.Subscription
	backoff  *backoff.ExponentialBackOff
	interval time.Duration
	// Zero means the record is due right away.
	lastTest time.Time
}

func (r *record) due(now time.Time) bool {
	return r.lastTest.IsZero() || now.After(r.lastTest.Add(r.interval))
}

// Called when the record is handed out for a retest. A retest that is not
// followed by Remove has failed, so the next one waits twice as long.
func (r *record) tested(now time.Time) {
	if !r.lastTest.IsZero() {
		if next := r.backoff.NextBackOff(); next != backoff.Stop {
			r.interval = next
		}
	}
	r.lastTest = now
}

type group struct {
	parent mri.Descriptor
	subs   map[mri.Descriptor]*subscription.Subscription
	cancel func()
}

type Repository struct {
	clock   clock.Clock
	config  Config
	watcher ParentWatcher

	mu           sync.Mutex
	backoffs     map[mri.Descriptor]*record
	unregistered map[string]map[mri.Descriptor]*subscription.Subscription
	children     map[mri.Descriptor]*group
	source       objects.Source
	cancelSource func()
	disposed     bool
}

// New creates a repository. watcher and source may be nil, in which case
// composite children and removed objects are handled by plain backoff.
func New(c clock.Clock, config Config, watcher ParentWatcher, source objects.Source) *Repository {
	if c == nil {
		c = clock.System()
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	r := &Repository{
		clock:        c,
		config:       config,
		watcher:      watcher,
		backoffs:     make(map[mri.Descriptor]*record),
		unregistered: make(map[string]map[mri.Descriptor]*subscription.Subscription),
		children:     make(map[mri.Descriptor]*group),
		source:       source,
	}
	if source != nil {
		r.cancelSource = source.Subscribe(r.objectUpdate)
	}
	return r
}

func (r *Repository) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.config.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          DefaultMultiplier,
		MaxInterval:         r.config.MaxBackoff,
		MaxElapsedTime:      0,
		Clock:               r.clock,
	}
	if b.MaxInterval == 0 {
		b.MaxInterval = uncappedBackoff
	}
	b.Reset()
	return b
}

// The window starts at InitialBackoff, counted from now.
func (r *Repository) newRecord(s *subscription.Subscription, now time.Time) *record {
	b := r.newBackOff()
	return &record{sub: s, backoff: b, interval: b.NextBackOff(), lastTest: now}
}

// Called with r.mu held.
func (r *Repository) containsLocked(d mri.Descriptor) bool {
	if _, ok := r.backoffs[d]; ok {
		return true
	}
	if subs, ok := r.unregistered[d.Object]; ok {
		if _, ok := subs[d]; ok {
			return true
		}
	}
	for _, g := range r.children {
		if _, ok := g.subs[d]; ok {
			return true
		}
	}
	return false
}

// Add parks s and reports whether it was not parked already.
func (r *Repository) Add(s *subscription.Subscription) bool {
	d := s.Descriptor()

	// Ask the collaborators before taking the lock, they may call back into us.
	gone := r.source != nil && r.source.Unregistered(d.Object)
	var parent mri.Descriptor
	waitOnParent := false
	if !gone && r.watcher != nil && d.IsComposite() {
		if p, ok := d.Parent(); ok && !r.watcher.ParentAvailable(p) {
			parent, waitOnParent = p, true
		}
	}

	r.mu.Lock()
	if r.disposed || r.containsLocked(d) {
		r.mu.Unlock()
		return false
	}
	newGroup := false
	switch {
	case gone:
		subs := r.unregistered[d.Object]
		if subs == nil {
			subs = make(map[mri.Descriptor]*subscription.Subscription)
			r.unregistered[d.Object] = subs
		}
		subs[d] = s
		log.WithFields(log.Fields{"descriptor": d}).Info("Parked until its object is registered again")
	case waitOnParent:
		g := r.children[parent]
		if g == nil {
			g = &group{parent: parent, subs: make(map[mri.Descriptor]*subscription.Subscription)}
			r.children[parent] = g
			newGroup = true
		}
		g.subs[d] = s
		log.WithFields(log.Fields{"descriptor": d, "parent": parent}).Info("Parked until its parent has a value")
	default:
		r.backoffs[d] = r.newRecord(s, r.clock.Now())
		log.WithFields(log.Fields{"descriptor": d}).Info("Parked in backoff")
	}
	r.mu.Unlock()

	// The object may have come back between Unregistered and the lock.
	if gone && !r.source.Unregistered(d.Object) {
		r.ObjectRegistered(d.Object)
	}
	if newGroup {
		r.watch(parent)
	}
	return true
}

func (r *Repository) watch(parent mri.Descriptor) {
	var once sync.Once
	cancel := r.watcher.WatchParent(parent, func() { r.promote(parent) })
	cancelOnce := func() { once.Do(cancel) }

	r.mu.Lock()
	g, ok := r.children[parent]
	adopt := ok && g.cancel == nil
	if adopt {
		g.cancel = cancelOnce
	}
	r.mu.Unlock()
	if !adopt {
		// Promoted or emptied while we were registering the watch.
		cancelOnce()
		return
	}
	// The parent may have delivered between ParentAvailable and WatchParent.
	if r.watcher.ParentAvailable(parent) {
		r.promote(parent)
	}
}

// Moves the children of parent to backoff, due right away.
func (r *Repository) promote(parent mri.Descriptor) {
	r.mu.Lock()
	g, ok := r.children[parent]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.children, parent)
	for d, s := range g.subs {
		r.backoffs[d] = r.newRecord(s, time.Time{})
	}
	cancel := g.cancel
	r.mu.Unlock()

	log.WithFields(log.Fields{"parent": parent, "children": len(g.subs)}).Info("Parent has a value, retesting children")
	if cancel != nil {
		cancel()
	}
}

// Remove unparks s and reports whether it was parked.
func (r *Repository) Remove(s *subscription.Subscription) bool {
	d := s.Descriptor()
	var cancel func()
	r.mu.Lock()
	removed := false
	if _, ok := r.backoffs[d]; ok {
		delete(r.backoffs, d)
		removed = true
	} else if subs, ok := r.unregistered[d.Object]; ok {
		if _, ok := subs[d]; ok {
			delete(subs, d)
			if len(subs) == 0 {
				delete(r.unregistered, d.Object)
			}
			removed = true
		}
	}
	if !removed {
		for parent, g := range r.children {
			if _, ok := g.subs[d]; ok {
				delete(g.subs, d)
				if len(g.subs) == 0 {
					delete(r.children, parent)
					cancel = g.cancel
				}
				removed = true
				break
			}
		}
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return removed
}

func (r *Repository) Contains(d mri.Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containsLocked(d)
}

// Backoffed returns the backoff subscriptions whose retest is due and starts
// their next backoff window. The caller is expected to Remove the ones whose
// retest succeeds.
func (r *Repository) Backoffed() []*subscription.Subscription {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.Subscription
	for _, rec := range r.backoffs {
		if rec.due(now) {
			rec.tested(now)
			out = append(out, rec.sub)
		}
	}
	sortSubscriptions(out)
	return out
}

// NextRetest returns the earliest time a backoff subscription becomes due,
// or false if there are none.
func (r *Repository) NextRetest() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next time.Time
	found := false
	for _, rec := range r.backoffs {
		t := rec.lastTest
		if !t.IsZero() {
			t = t.Add(rec.interval)
		}
		if !found || t.Before(next) {
			next, found = t, true
		}
	}
	return next, found
}

// BackoffInterval is the current window of d, for diagnostics.
func (r *Repository) BackoffInterval(d mri.Descriptor) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.backoffs[d]
	if !ok {
		return 0, false
	}
	return rec.interval, true
}

// All returns every parked subscription.
func (r *Repository) All() []*subscription.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription.Subscription
	for _, rec := range r.backoffs {
		out = append(out, rec.sub)
	}
	for _, subs := range r.unregistered {
		for _, s := range subs {
			out = append(out, s)
		}
	}
	for _, g := range r.children {
		for _, s := range g.subs {
			out = append(out, s)
		}
	}
	sortSubscriptions(out)
	return out
}

func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.backoffs)
	for _, subs := range r.unregistered {
		n += len(subs)
	}
	for _, g := range r.children {
		n += len(g.subs)
	}
	return n
}

func (r *Repository) objectUpdate(u objects.Update) {
	switch u.Type {
	case objects.Registered:
		r.ObjectRegistered(u.Object)
	case objects.Unregistered:
		r.ObjectUnregistered(u.Object)
	}
}

// ObjectUnregistered parks the backoff subscriptions of object until it comes back.
func (r *Repository) ObjectUnregistered(object string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	moved := 0
	for d, rec := range r.backoffs {
		if d.Object != object {
			continue
		}
		subs := r.unregistered[object]
		if subs == nil {
			subs = make(map[mri.Descriptor]*subscription.Subscription)
			r.unregistered[object] = subs
		}
		subs[d] = rec.sub
		delete(r.backoffs, d)
		moved++
	}
	if moved > 0 {
		log.WithFields(log.Fields{"object": object, "subscriptions": moved}).Info("Object unregistered, parking subscriptions")
	}
}

// ObjectRegistered moves the subscriptions parked on object back to backoff, due right away.
func (r *Repository) ObjectRegistered(object string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.unregistered[object]
	if !ok || r.disposed {
		return
	}
	delete(r.unregistered, object)
	for d, s := range subs {
		r.backoffs[d] = r.newRecord(s, time.Time{})
	}
	log.WithFields(log.Fields{"object": object, "subscriptions": len(subs)}).Info("Object registered, retesting subscriptions")
}

// Dispose drops everything and stops listening to the object source and parents.
func (r *Repository) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	var cancels []func()
	for _, g := range r.children {
		if g.cancel != nil {
			cancels = append(cancels, g.cancel)
		}
	}
	if r.cancelSource != nil {
		cancels = append(cancels, r.cancelSource)
	}
	r.backoffs = make(map[mri.Descriptor]*record)
	r.unregistered = make(map[string]map[mri.Descriptor]*subscription.Subscription)
	r.children = make(map[mri.Descriptor]*group)
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

func sortSubscriptions(subs []*subscription.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Descriptor().String() < subs[j].Descriptor().String()
	})
}
