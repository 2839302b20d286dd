// Package registry is the public entry point: it binds listeners to
// descriptors, owns the lifecycle of Subscriptions, and routes each one to the
// poller, the notification manager, or a transformation, by descriptor kind.
//
// A Subscription exists exactly while at least one listener is bound to its
// descriptor. All methods are safe for concurrent use.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/debuginfo"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/notification"
	"github.com/twitter/mbeanwatch/objects"
	"github.com/twitter/mbeanwatch/poller"
	"github.com/twitter/mbeanwatch/subscription"
	"github.com/twitter/mbeanwatch/transform"
	"github.com/twitter/mbeanwatch/transport"
	"github.com/twitter/mbeanwatch/unavailable"
)

var ErrDisposed = errors.New("registry is disposed")

// Config for a Registry. Zero values are replaced by defaults.
//
// ObjectsInterval - how often the object list is fetched when the transport
// cannot push registration notifications.
// DisableObjectTracking - skip the lifecycle tracker; unregistered objects
// then stay in generic backoff.
type Config struct {
	Poller      poller.Config
	Unavailable unavailable.Config

	ObjectsInterval       time.Duration
	DisableObjectTracking bool

	// Nil means every descriptor is sampled every second.
	Policies *subscription.PolicyTable
	// Nil means the CPU load filters only.
	Filters *subscription.FilterTable

	CollectDebugInformation bool
}

type Registry struct {
	session   string
	transport transport.Transport
	clock     clock.Clock
	stat      stats.StatsReceiver
	policies  *subscription.PolicyTable
	filters   *subscription.FilterTable

	debug         *debuginfo.Recorder
	tracker       *objects.Tracker
	repo          *unavailable.Repository
	poller        *poller.Poller
	notifications *notification.Manager

	mu            sync.Mutex
	subscriptions map[mri.Descriptor]*subscription.Subscription
	// every listener maps to the set of descriptors it is bound to
	listeners map[subscription.Listener]map[mri.Descriptor]struct{}
	bindings  map[mri.Descriptor]*binding
	disposed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	lostDone chan struct{}
}

func New(tr transport.Transport, stat stats.StatsReceiver, c clock.Clock, config Config) *Registry {
	if c == nil {
		c = clock.System()
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if config.Policies == nil {
		config.Policies = subscription.NewPolicyTable(nil)
	}
	if config.Filters == nil {
		config.Filters = subscription.NewFilterTable()
	}
	if config.ObjectsInterval == 0 {
		config.ObjectsInterval = objects.DefaultFetchInterval
	}
	session := "unknown"
	if id, err := uuid.NewV4(); err == nil {
		session = id.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		session:       session,
		transport:     tr,
		clock:         c,
		stat:          stat,
		policies:      config.Policies,
		filters:       config.Filters,
		debug:         debuginfo.NewRecorder(config.CollectDebugInformation),
		subscriptions: make(map[mri.Descriptor]*subscription.Subscription),
		listeners:     make(map[subscription.Listener]map[mri.Descriptor]struct{}),
		bindings:      make(map[mri.Descriptor]*binding),
		ctx:           ctx,
		cancel:        cancel,
		lostDone:      make(chan struct{}),
	}

	var source objects.Source
	if !config.DisableObjectTracking {
		r.tracker = objects.NewTracker(stat.Scope("objects"))
		r.tracker.Watch(ctx, tr, config.ObjectsInterval)
		source = r.tracker
	}
	r.repo = unavailable.New(c, config.Unavailable, r, source)
	r.poller = poller.New(tr, r.repo, r.debug, stat.Scope("poller"), c, config.Poller)
	r.notifications = notification.New(tr, c, r.debug, stat.Scope("notification"))

	go r.watchConnection()
	log.WithFields(log.Fields{"session": r.session}).Info("Subscription registry started")
	return r
}

// Once the poller sees the transport go down, notification registrations are torn down too.
func (r *Registry) watchConnection() {
	defer close(r.lostDone)
	select {
	case <-r.poller.ConnectionLost():
		log.WithFields(log.Fields{"session": r.session}).Warn("Connection lost, dropping notification handlers")
		r.notifications.ConnectionLost(transport.ErrConnectionLost)
	case <-r.ctx.Done():
	}
}

// Session identifies this registry in logs.
func (r *Registry) Session() string {
	return r.session
}

// Poller is exposed so tests and tools in DebugMode can step it.
func (r *Registry) Poller() *poller.Poller {
	return r.poller
}

// AddListener binds l to d. Binding a pair that is already bound does nothing.
// The first listener of a descriptor creates its Subscription and, when the
// transport is connected, starts sampling or listening for it.
func (r *Registry) AddListener(d mri.Descriptor, l subscription.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.addLocked(d, l)
	r.updateStatsLocked()
	return err
}

func (r *Registry) addLocked(d mri.Descriptor, l subscription.Listener) error {
	if r.disposed {
		return ErrDisposed
	}
	if _, ok := r.listeners[l][d]; ok {
		return nil
	}
	s, exists := r.subscriptions[d]
	if !exists {
		var err error
		if s, err = r.createLocked(d); err != nil {
			return err
		}
	}
	if err := s.AddListener(l); err != nil {
		if !exists {
			r.destroyLocked(s)
		}
		return err
	}
	if r.listeners[l] == nil {
		r.listeners[l] = make(map[mri.Descriptor]struct{})
	}
	r.listeners[l][d] = struct{}{}
	if !exists {
		r.routeLocked(s)
	}
	return nil
}

func (r *Registry) createLocked(d mri.Descriptor) (*subscription.Subscription, error) {
	s := subscription.New(d, r.policies.Lookup(d), r.filters.Lookup(d))
	r.subscriptions[d] = s
	if d.Kind == mri.Transformation {
		t, err := transform.Create(d)
		if err != nil {
			delete(r.subscriptions, d)
			return nil, err
		}
		b := &binding{sub: s, t: t}
		r.bindings[d] = b
		for i, src := range t.Sources() {
			if err := r.addLocked(src, b); err != nil {
				for _, bound := range t.Sources()[:i] {
					r.removeLocked(bound, b)
				}
				delete(r.bindings, d)
				delete(r.subscriptions, d)
				return nil, errors.Wrapf(err, "binding source %s", src)
			}
		}
	}
	r.stat.Counter(stats.RegistryCreatedCounter).Inc(1)
	log.WithFields(log.Fields{"session": r.session, "descriptor": d}).Debug("Created subscription")
	return s, nil
}

func (r *Registry) routeLocked(s *subscription.Subscription) {
	if !r.transport.Connected() {
		return
	}
	switch s.Descriptor().Kind {
	case mri.Attribute:
		r.poller.Register(s)
	case mri.Notification:
		if err := r.notifications.Register(s); err != nil {
			log.WithFields(log.Fields{
				"session":    r.session,
				"descriptor": s.Descriptor(),
				"err":        err,
			}).Warn("Could not listen for notifications")
		}
	}
}

// RemoveListener unbinds l from every descriptor.
func (r *Registry) RemoveListener(l subscription.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range sortedDescriptors(r.listeners[l]) {
		r.removeLocked(d, l)
	}
	r.updateStatsLocked()
}

// RemoveDescriptorListener unbinds l from d only. Reports whether it was bound.
func (r *Registry) RemoveDescriptorListener(d mri.Descriptor, l subscription.Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.removeLocked(d, l)
	r.updateStatsLocked()
	return removed
}

func (r *Registry) removeLocked(d mri.Descriptor, l subscription.Listener) bool {
	ds, ok := r.listeners[l]
	if !ok {
		return false
	}
	if _, ok := ds[d]; !ok {
		return false
	}
	delete(ds, d)
	if len(ds) == 0 {
		delete(r.listeners, l)
	}
	s := r.subscriptions[d]
	s.RemoveListener(l)
	if s.ListenerCount() == 0 {
		r.destroyLocked(s)
	}
	return true
}

// Tears s down. The poller drops it from the active table or the repository
// at its next cycle.
func (r *Registry) destroyLocked(s *subscription.Subscription) {
	d := s.Descriptor()
	delete(r.subscriptions, d)
	switch d.Kind {
	case mri.Attribute:
		r.poller.Unregister(s)
	case mri.Notification:
		r.notifications.Unregister(s)
	case mri.Transformation:
		if b, ok := r.bindings[d]; ok {
			delete(r.bindings, d)
			for _, src := range b.t.Sources() {
				r.removeLocked(src, b)
			}
		}
	}
	s.Close()
	r.stat.Counter(stats.RegistryDestroyedCounter).Inc(1)
	log.WithFields(log.Fields{"session": r.session, "descriptor": d}).Debug("Destroyed subscription")
}

// SubstituteListener moves every binding of from to to. Each descriptor swaps
// in one step, so an event is delivered to exactly one of the two.
func (r *Registry) SubstituteListener(from, to subscription.Listener) error {
	if from == to {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	ds := r.listeners[from]
	for _, d := range sortedDescriptors(ds) {
		r.subscriptions[d].SubstituteListener(from, to)
		if r.listeners[to] == nil {
			r.listeners[to] = make(map[mri.Descriptor]struct{})
		}
		r.listeners[to][d] = struct{}{}
	}
	delete(r.listeners, from)
	r.updateStatsLocked()
	return nil
}

// Subscription returns the live subscription of d, nil if there is none.
func (r *Registry) Subscription(d mri.Descriptor) *subscription.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscriptions[d]
}

// LastEvent returns the last event stored for d.
func (r *Registry) LastEvent(d mri.Descriptor) (subscription.ValueEvent, bool) {
	s := r.Subscription(d)
	if s == nil {
		return subscription.ValueEvent{}, false
	}
	return s.LastEvent()
}

// IsUnavailable reports whether d is parked in the unavailability repository.
func (r *Registry) IsUnavailable(d mri.Descriptor) bool {
	return r.poller.IsUnavailable(d)
}

// Listeners bound to d.
func (r *Registry) Listeners(d mri.Descriptor) []subscription.Listener {
	s := r.Subscription(d)
	if s == nil {
		return nil
	}
	return s.Listeners()
}

// Descriptors l is bound to, sorted.
func (r *Registry) Descriptors(l subscription.Listener) []mri.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedDescriptors(r.listeners[l])
}

// SetUpdatePolicy changes how often d is sampled, now and for future subscriptions.
func (r *Registry) SetUpdatePolicy(d mri.Descriptor, p subscription.UpdatePolicy) {
	r.policies.Set(d, p)
	if s := r.Subscription(d); s != nil {
		s.SetUpdatePolicy(p)
	}
}

func (r *Registry) CollectDebugInformation(enabled bool) {
	r.debug.SetEnabled(enabled)
}

func (r *Registry) ClearDebugInformation() {
	r.debug.Clear()
}

func (r *Registry) DebugInformation() []debuginfo.Info {
	return r.debug.Snapshot()
}

// ParentAvailable reports whether parent has a sampled value. It lets the
// repository decide whether a composite child is waiting on its parent.
func (r *Registry) ParentAvailable(parent mri.Descriptor) bool {
	e, ok := r.LastEvent(parent)
	return ok && e.IsValue()
}

// WatchParent subscribes to parent and calls fn once, on its first value.
func (r *Registry) WatchParent(parent mri.Descriptor, fn func()) func() {
	w := &parentWatch{fn: fn}
	if err := r.AddListener(parent, w); err != nil {
		log.WithFields(log.Fields{"parent": parent, "err": err}).Debug("Not watching parent")
		return func() {}
	}
	return func() {
		r.RemoveDescriptorListener(parent, w)
	}
}

// Dispose stops the poller and the notification manager, closes every
// subscription, and forgets all bindings. Nothing is delivered afterwards.
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	subs := make([]*subscription.Subscription, 0, len(r.subscriptions))
	for _, s := range r.subscriptions {
		subs = append(subs, s)
	}
	r.subscriptions = make(map[mri.Descriptor]*subscription.Subscription)
	r.listeners = make(map[subscription.Listener]map[mri.Descriptor]struct{})
	r.bindings = make(map[mri.Descriptor]*binding)
	r.updateStatsLocked()
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	r.poller.Shutdown()
	r.poller.Wait()
	r.notifications.Shutdown()
	r.cancel()
	<-r.lostDone
	r.repo.Dispose()
	if r.tracker != nil {
		r.tracker.Close()
	}
	log.WithFields(log.Fields{"session": r.session, "subscriptions": len(subs)}).Info("Subscription registry disposed")
}

func (r *Registry) updateStatsLocked() {
	r.stat.Gauge(stats.RegistrySubscriptionsGauge).Update(int64(len(r.subscriptions)))
	r.stat.Gauge(stats.RegistryListenersGauge).Update(int64(len(r.listeners)))
}

func sortedDescriptors(set map[mri.Descriptor]struct{}) []mri.Descriptor {
	out := make([]mri.Descriptor, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
