package registry

import (
	"sync"

	"github.com/twitter/mbeanwatch/subscription"
	"github.com/twitter/mbeanwatch/transform"
)

// binding listens to the sources of a transformation and feeds the derived
// values to the transformation's subscription.
type binding struct {
	sub *subscription.Subscription
	t   transform.Transformation

	// Transformations keep state between samples and sources may deliver from
	// different goroutines.
	mu   sync.Mutex
	lost bool
}

func (b *binding) ValueChanged(e subscription.ValueEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.sub.Descriptor()
	switch e.Kind {
	case subscription.ValueUpdated:
		if v, ok := b.t.Transform(e); ok {
			b.sub.StoreAndFire(subscription.NewValueEvent(d, e.Timestamp, v))
		}
	case subscription.ConnectionLost:
		// one per transformation, however many sources it has
		if !b.lost {
			b.lost = true
			b.sub.StoreAndFire(subscription.ValueEvent{Descriptor: d, Timestamp: e.Timestamp, Kind: e.Kind, Err: e.Err})
		}
	case subscription.AttributeException, subscription.Reattached:
		b.sub.Fire(subscription.ValueEvent{Descriptor: d, Timestamp: e.Timestamp, Kind: e.Kind, Err: e.Err})
	}
}

// parentWatch calls fn on the first value of the watched parent.
type parentWatch struct {
	once sync.Once
	fn   func()
}

func (w *parentWatch) ValueChanged(e subscription.ValueEvent) {
	if e.IsValue() {
		w.once.Do(w.fn)
	}
}
