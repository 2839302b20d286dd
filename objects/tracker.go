// Package objects tracks which remote objects exist, so that subscriptions on
// an object that went away can wait for it to come back instead of being
// retested on a timer.
//
// Updates come either from the server's delegate notifications or, for
// transports that cannot push them, from polling the object list.
package objects

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/transport"
)

const DefaultFetchInterval = 10 * time.Second

// Source is the read side of a Tracker.
type Source interface {
	// Subscribe calls fn for every update until cancel is called. fn is called
	// on the goroutine that applied the update, never concurrently with itself.
	Subscribe(fn func(Update)) (cancel func())

	// Unregistered reports whether object is known to be gone.
	// Objects never heard of are not.
	Unregistered(object string) bool
}

type Tracker struct {
	stat      stats.StatsReceiver
	fetchErrs stats.Counter

	mu      sync.Mutex
	state   *state
	subs    map[int]func(Update)
	nextSub int
	cancels []func()
	closed  bool

	// serializes delivery so subscribers see updates in the order they were applied
	deliverMu sync.Mutex
}

var _ Source = (*Tracker)(nil)

func NewTracker(stat stats.StatsReceiver) *Tracker {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Tracker{
		stat:      stat,
		fetchErrs: stat.Counter(stats.ObjectsFetchErrCounter),
		state:     makeState(),
		subs:      make(map[int]func(Update)),
	}
}

func (t *Tracker) Subscribe(fn func(Update)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) Unregistered(object string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.gone[object]
}

func (t *Tracker) IsRegistered(object string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.objects[object]
}

// Objects returns the known objects, sorted.
func (t *Tracker) Objects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.current()
}

// Apply folds updates in and forwards the ones that changed something.
func (t *Tracker) Apply(updates ...Update) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	var changed []Update
	for _, u := range updates {
		if t.state.apply(u) {
			log.Infof("Object %s", u)
			changed = append(changed, u)
		}
	}
	t.mu.Unlock()
	t.deliver(changed)
}

// SetObjects replaces the known objects with a full listing.
func (t *Tracker) SetObjects(names []string) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	updates := t.state.setAndDiff(names)
	t.mu.Unlock()
	t.deliver(updates)
}

// Called with deliverMu held.
func (t *Tracker) deliver(updates []Update) {
	t.mu.Lock()
	t.stat.Gauge(stats.ObjectsKnownGauge).Update(int64(len(t.state.objects)))
	subs := make([]func(Update), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	t.stat.Counter(stats.ObjectsUpdateCounter).Inc(int64(len(updates)))
	for _, u := range updates {
		for _, fn := range subs {
			fn(u)
		}
	}
}

// WatchDelegate follows registrations through the server's delegate object.
// Returns transport.ErrNotificationsUnsupported (wrapped) if the transport can't push them.
func (t *Tracker) WatchDelegate(ctx context.Context, tr transport.Transport) error {
	filter := transport.NotificationFilter{Types: []string{
		transport.RegisteredNotification,
		transport.UnregisteredNotification,
	}}
	id, err := tr.AddNotificationListener(ctx, transport.DelegateObject, filter, t.handleDelegate)
	if err != nil {
		return errors.Wrapf(err, "watching %s", transport.DelegateObject)
	}
	t.addCancel(func() {
		if err := tr.RemoveNotificationListener(context.Background(), transport.DelegateObject, id); err != nil {
			log.WithFields(log.Fields{"err": err}).Debug("Failed to remove delegate listener")
		}
	})
	return nil
}

func (t *Tracker) handleDelegate(n transport.Notification) {
	object, ok := n.UserData.(string)
	if !ok {
		log.WithFields(log.Fields{"notification": n.Type, "userData": n.UserData}).Warn("Delegate notification without object name")
		return
	}
	switch n.Type {
	case transport.RegisteredNotification:
		t.Apply(NewRegistered(object))
	case transport.UnregisteredNotification:
		t.Apply(NewUnregistered(object))
	}
}

// Poll lists objects through f every interval until Close.
func (t *Tracker) Poll(f Fetcher, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFetchInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.addCancel(cancel)
	go makeFetchCron(f, interval, t).loop(ctx)
}

// Watch prefers delegate notifications and falls back to polling the object list.
func (t *Tracker) Watch(ctx context.Context, tr transport.Transport, interval time.Duration) {
	err := t.WatchDelegate(ctx, tr)
	if err == nil {
		// Seed with the current listing, the delegate only reports changes.
		if names, err := tr.ListObjects(ctx, "*:*"); err == nil {
			t.SetObjects(names)
		}
		return
	}
	if errors.Cause(err) != transport.ErrNotificationsUnsupported {
		log.WithFields(log.Fields{"err": err}).Warn("Delegate notifications failed, polling object list")
	}
	t.Poll(&TransportFetcher{Transport: tr}, interval)
}

func (t *Tracker) addCancel(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go fn()
		return
	}
	t.cancels = append(t.cancels, fn)
}

// Close stops watching and polling. Subscribers get no further updates.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancels := t.cancels
	t.cancels = nil
	t.subs = make(map[int]func(Update))
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}
