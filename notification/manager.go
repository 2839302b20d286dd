// Package notification delivers values pushed by the remote side, for
// descriptors of the Notification kind. Nothing here is polled.
//
// A notification descriptor's path is the notification type followed by an
// optional path into the notification's user data, e.g.
// notification://java.lang:name=PS Scavenge,type=GarbageCollector/com.sun.management.gc.notification/gcInfo/duration
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/debuginfo"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/subscription"
	"github.com/twitter/mbeanwatch/transport"
)

const DefaultTimeout = 10 * time.Second

var ErrShutdown = errors.New("notification manager is shut down")

// A handler is the transport registration of one subscription.
type handler struct {
	sub *subscription.Subscription
	id  transport.ListenerID
}

type Manager struct {
	transport transport.Transport
	clock     clock.Clock
	debug     *debuginfo.Recorder
	stat      stats.StatsReceiver

	mu       sync.Mutex
	handlers map[mri.Descriptor]*handler
	shutdown bool

	// Callbacks delivering to a current handler. Only grows under mu while
	// handlers is non-empty, so teardown can wait for it.
	inflight sync.WaitGroup
}

func New(tr transport.Transport, c clock.Clock, debug *debuginfo.Recorder, stat stats.StatsReceiver) *Manager {
	if c == nil {
		c = clock.System()
	}
	if debug == nil {
		debug = debuginfo.NewRecorder(false)
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Manager{
		transport: tr,
		clock:     c,
		debug:     debug,
		stat:      stat,
		handlers:  make(map[mri.Descriptor]*handler),
	}
}

// Register listens for the notifications of s. A previous registration for the
// same descriptor is replaced and removed from the transport.
func (m *Manager) Register(s *subscription.Subscription) error {
	d := s.Descriptor()
	if m.isShutdown() {
		return ErrShutdown
	}
	h := &handler{sub: s}
	filter := transport.NotificationFilter{Types: []string{d.AttributeName()}}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	id, err := m.transport.AddNotificationListener(ctx, d.Object, filter, func(n transport.Notification) {
		m.handle(h, n)
	})
	cancel()
	if err != nil {
		m.stat.Counter(stats.NotificationRegisterErrCounter).Inc(1)
		return errors.Wrapf(err, "registering for %s", d)
	}
	m.stat.Counter(stats.NotificationRegisterCounter).Inc(1)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		m.remove(d, id)
		return ErrShutdown
	}
	h.id = id
	old := m.handlers[d]
	m.handlers[d] = h
	count := len(m.handlers)
	m.mu.Unlock()

	m.stat.Gauge(stats.NotificationHandlersGauge).Update(int64(count))
	if old != nil {
		log.WithFields(log.Fields{"descriptor": d}).Debug("Replacing notification handler")
		m.remove(d, old.id)
	}
	m.debug.RecordConnected(d)
	return nil
}

// Unregister stops listening for s. Errors from the transport, typically
// because the object is already gone, are logged and dropped.
func (m *Manager) Unregister(s *subscription.Subscription) {
	d := s.Descriptor()
	m.mu.Lock()
	h, ok := m.handlers[d]
	if !ok || h.sub != s {
		m.mu.Unlock()
		return
	}
	delete(m.handlers, d)
	count := len(m.handlers)
	m.mu.Unlock()

	m.stat.Gauge(stats.NotificationHandlersGauge).Update(int64(count))
	m.remove(d, h.id)
	m.debug.RecordDisconnected(d)
}

func (m *Manager) remove(d mri.Descriptor, id transport.ListenerID) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := m.transport.RemoveNotificationListener(ctx, d.Object, id); err != nil {
		m.stat.Counter(stats.NotificationUnregisterErrCounter).Inc(1)
		log.WithFields(log.Fields{"descriptor": d, "err": err}).Debug("Ignoring failure to remove notification listener")
	}
}

func (m *Manager) handle(h *handler, n transport.Notification) {
	d := h.sub.Descriptor()
	m.mu.Lock()
	current := m.handlers[d] == h
	if current {
		m.inflight.Add(1)
	}
	m.mu.Unlock()
	if !current {
		m.stat.Counter(stats.NotificationDroppedCounter).Inc(1)
		return
	}
	defer m.inflight.Done()
	v, err := transport.LookupValue(d.SubPath(), n.UserData)
	if err != nil {
		m.stat.Counter(stats.NotificationDroppedCounter).Inc(1)
		log.WithFields(log.Fields{"descriptor": d, "type": n.Type, "err": err}).Debug("Notification without the subscribed value")
		return
	}
	// The remote timestamp comes from another clock; ordering is kept on ours.
	e := subscription.NewValueEvent(d, m.clock.Now(), v)
	if h.sub.StoreAndFire(e) {
		m.stat.Counter(stats.NotificationEventCounter).Inc(1)
		m.debug.RecordEvent(e)
	}
}

// Registered reports whether d has a live handler.
func (m *Manager) Registered(d mri.Descriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[d]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *Manager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Shutdown removes every registration and waits for deliveries in progress.
// Later calls to Register fail.
func (m *Manager) Shutdown() {
	m.teardown(nil)
}

// ConnectionLost sends one ConnectionLost event to every registered
// subscription, then shuts down.
func (m *Manager) ConnectionLost(cause error) {
	if cause == nil {
		cause = transport.ErrConnectionLost
	}
	m.teardown(cause)
}

func (m *Manager) teardown(lost error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	handlers := m.handlers
	m.handlers = make(map[mri.Descriptor]*handler)
	m.mu.Unlock()

	m.stat.Gauge(stats.NotificationHandlersGauge).Update(0)
	now := m.clock.Now()
	for d, h := range handlers {
		if lost != nil {
			h.sub.StoreAndFire(subscription.ValueEvent{
				Descriptor: d,
				Timestamp:  now,
				Kind:       subscription.ConnectionLost,
				Err:        lost,
			})
			m.debug.RecordConnectionLost(d)
		} else {
			m.debug.RecordDisconnected(d)
		}
		m.remove(d, h.id)
	}
	m.inflight.Wait()
	log.WithFields(log.Fields{"handlers": len(handlers)}).Info("Notification manager shut down")
}
