package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/subscription"
	"github.com/twitter/mbeanwatch/transform"
	"github.com/twitter/mbeanwatch/transport"
	"github.com/twitter/mbeanwatch/transport/memory"
)

const (
	cacheObject  = "app:type=Cache"
	memoryObject = "java.lang:type=Memory"
)

var (
	size      = mri.MustParse("attribute://app:type=Cache/Size")
	misses    = mri.MustParse("attribute://app:type=Cache/Misses")
	heap      = mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage")
	committed = mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage/committed")
	evicted   = mri.MustNew(mri.Notification, cacheObject, "cache.evicted/key")
	sizeDiff  = mri.MustNew(mri.Transformation, cacheObject, "difference?attribute="+size.String())
	epoch     = time.Unix(1000, 0)
)

type listener struct {
	mu     sync.Mutex
	events []subscription.ValueEvent
}

func (l *listener) ValueChanged(e subscription.ValueEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *listener) get() []subscription.ValueEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]subscription.ValueEvent(nil), l.events...)
}

func (l *listener) kinds() []subscription.EventKind {
	var out []subscription.EventKind
	for _, e := range l.get() {
		out = append(out, e.Kind)
	}
	return out
}

func (l *listener) values() []interface{} {
	var out []interface{}
	for _, e := range l.get() {
		if e.Kind == subscription.ValueUpdated {
			out = append(out, e.Value)
		}
	}
	return out
}

type fixture struct {
	server *memory.Server
	clock  *clock.Fake
	reg    *Registry
	stats  stats.StatsRegistry
}

func newFixture(t *testing.T, config Config) *fixture {
	c := clock.NewFake(epoch)
	server := memory.NewServer(c)
	require.NoError(t, server.Register(cacheObject, map[string]memory.Attribute{
		"Size": memory.Value(int64(10)),
	}))
	require.NoError(t, server.Register(memoryObject, map[string]memory.Attribute{
		"HeapMemoryUsage": memory.Value(map[string]interface{}{"used": int64(100), "max": int64(1000)}),
	}))
	config.Poller.DebugMode = true
	f := &fixture{server: server, clock: c, stats: stats.NewFinagleStatsRegistry()}
	stat, _ := stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return f.stats }, 0)
	f.reg = New(server, stat, c, config)
	t.Cleanup(f.reg.Dispose)
	return f
}

func (f *fixture) step() {
	f.reg.Poller().Step()
}

func (f *fixture) set(object, name string, v interface{}) {
	if err := f.server.SetAttribute(object, name, memory.Value(v)); err != nil {
		panic(err)
	}
}

func TestAddListenerIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(size, l))
	require.NoError(t, f.reg.AddListener(size, l))

	s := f.reg.Subscription(size)
	require.NotNil(t, s)
	assert.Equal(t, 1, s.ListenerCount())
	assert.Equal(t, []subscription.Listener{l}, f.reg.Listeners(size))
	assert.Equal(t, []mri.Descriptor{size}, f.reg.Descriptors(l))

	f.step()
	assert.Len(t, l.get(), 1)
}

func TestSubscriptionLivesWhileListenersAreBound(t *testing.T) {
	f := newFixture(t, Config{})
	a, b := &listener{}, &listener{}
	require.NoError(t, f.reg.AddListener(size, a))
	require.NoError(t, f.reg.AddListener(size, b))
	require.NoError(t, f.reg.AddListener(heap, a))
	s := f.reg.Subscription(size)

	f.reg.RemoveListener(a)
	assert.Nil(t, f.reg.Subscription(heap))
	assert.Same(t, s, f.reg.Subscription(size))
	assert.Empty(t, f.reg.Descriptors(a))

	assert.False(t, f.reg.RemoveDescriptorListener(heap, b))
	assert.True(t, f.reg.RemoveDescriptorListener(size, b))
	assert.Nil(t, f.reg.Subscription(size))
	assert.True(t, s.Closed())

	f.step()
	assert.Empty(t, f.reg.Poller().Active())
	stats.StatsOk("lifecycle", f.stats, t, map[string]stats.Rule{
		stats.RegistryCreatedCounter:     {Checker: stats.Int64EqTest, Value: 2},
		stats.RegistryDestroyedCounter:   {Checker: stats.Int64EqTest, Value: 2},
		stats.RegistrySubscriptionsGauge: {Checker: stats.Int64EqTest, Value: 0},
		stats.RegistryListenersGauge:     {Checker: stats.Int64EqTest, Value: 0},
	})
}

func TestIntervalSampling(t *testing.T) {
	f := newFixture(t, Config{Policies: subscription.NewPolicyTable(subscription.Interval(100 * time.Millisecond))})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(size, l))

	f.step()
	f.clock.Advance(150 * time.Millisecond)
	f.set(cacheObject, "Size", int64(11))
	f.step()

	events := l.get()
	require.Len(t, events, 2)
	assert.Equal(t, []interface{}{int64(10), int64(11)}, l.values())
	assert.False(t, events[1].Timestamp.Before(events[0].Timestamp))

	last, ok := f.reg.LastEvent(size)
	require.True(t, ok)
	assert.Equal(t, int64(11), last.Value)
}

func TestUnavailableThenReattached(t *testing.T) {
	f := newFixture(t, Config{})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(misses, l))

	f.step()
	assert.True(t, f.reg.IsUnavailable(misses))
	assert.Equal(t, []subscription.EventKind{subscription.AttributeException}, l.kinds())

	f.clock.Advance(time.Second)
	f.step()
	assert.Equal(t, int64(0), f.server.FetchOneCalls(), "retested before the backoff window")

	f.set(cacheObject, "Misses", int64(3))
	f.clock.Advance(time.Millisecond)
	f.step()
	assert.False(t, f.reg.IsUnavailable(misses))
	assert.Equal(t, []subscription.EventKind{
		subscription.AttributeException,
		subscription.Reattached,
		subscription.ValueUpdated,
	}, l.kinds())
	assert.Equal(t, []interface{}{int64(3)}, l.values())
}

func TestObjectGoneAndBack(t *testing.T) {
	f := newFixture(t, Config{})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(size, l))
	f.step()

	require.NoError(t, f.server.Unregister(cacheObject))
	f.clock.Advance(time.Second)
	f.step()
	assert.True(t, f.reg.IsUnavailable(size))
	probes := f.server.FetchOneCalls()

	f.clock.Advance(time.Hour)
	f.step()
	assert.Equal(t, probes, f.server.FetchOneCalls(), "parked subscriptions are not retested")

	require.NoError(t, f.server.Register(cacheObject, map[string]memory.Attribute{"Size": memory.Value(int64(20))}))
	f.step()
	assert.False(t, f.reg.IsUnavailable(size))
	assert.Equal(t, []subscription.EventKind{
		subscription.ValueUpdated,
		subscription.AttributeException,
		subscription.Reattached,
		subscription.ValueUpdated,
	}, l.kinds())
	assert.Equal(t, []interface{}{int64(10), int64(20)}, l.values())
}

func TestCompositeChildWaitsForParent(t *testing.T) {
	f := newFixture(t, Config{})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(committed, l))

	f.step()
	assert.True(t, f.reg.IsUnavailable(committed))
	require.NotNil(t, f.reg.Subscription(heap), "parent is sampled on behalf of the child")

	f.set(memoryObject, "HeapMemoryUsage", map[string]interface{}{"used": int64(100), "committed": int64(500)})
	f.step()
	assert.Nil(t, f.reg.Subscription(heap), "watch ends with the parent's first value")

	f.step()
	assert.False(t, f.reg.IsUnavailable(committed))
	assert.Equal(t, []subscription.EventKind{
		subscription.AttributeException,
		subscription.Reattached,
		subscription.ValueUpdated,
	}, l.kinds())
	assert.Equal(t, []interface{}{int64(500)}, l.values())
	assert.Equal(t, []mri.Descriptor{committed}, f.reg.Poller().Active())
}

func TestNotifications(t *testing.T) {
	f := newFixture(t, Config{})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(evicted, l))
	assert.Equal(t, 1, f.server.ListenerCount(cacheObject))

	f.server.Emit(cacheObject, transport.Notification{Type: "cache.evicted", UserData: map[string]interface{}{"key": "u1"}})
	assert.Equal(t, []interface{}{"u1"}, l.values())

	f.reg.RemoveListener(l)
	assert.Equal(t, 0, f.server.ListenerCount(cacheObject))
}

func TestConnectionLost(t *testing.T) {
	f := newFixture(t, Config{})
	polled, pushed := &listener{}, &listener{}
	require.NoError(t, f.reg.AddListener(size, polled))
	require.NoError(t, f.reg.AddListener(evicted, pushed))
	f.step()

	f.server.Disconnect()
	f.clock.Advance(time.Second)
	f.step()
	f.step()

	assert.Equal(t, []subscription.EventKind{subscription.ValueUpdated, subscription.ConnectionLost}, polled.kinds())
	assert.False(t, f.reg.Poller().Running())
	assert.Eventually(t, func() bool {
		return len(pushed.get()) == 1 && pushed.get()[0].Kind == subscription.ConnectionLost
	}, time.Second, time.Millisecond)
}

func TestNotConnected(t *testing.T) {
	f := newFixture(t, Config{})
	f.server.Disconnect()
	l := &listener{}
	require.NoError(t, f.reg.AddListener(size, l))
	assert.NotNil(t, f.reg.Subscription(size))
	f.step()
	assert.Empty(t, f.reg.Poller().Active())
	assert.Equal(t, int64(0), f.server.FetchManyCalls())
}

func TestTransformation(t *testing.T) {
	f := newFixture(t, Config{})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(sizeDiff, l))
	require.NotNil(t, f.reg.Subscription(size), "source is subscribed")

	f.step()
	f.clock.Advance(time.Second)
	f.set(cacheObject, "Size", int64(25))
	f.step()

	events := l.get()
	require.Len(t, events, 1)
	assert.Equal(t, sizeDiff, events[0].Descriptor)
	assert.Equal(t, 15.0, events[0].Value)

	f.reg.RemoveListener(l)
	assert.Nil(t, f.reg.Subscription(sizeDiff))
	assert.Nil(t, f.reg.Subscription(size), "source released with the transformation")
}

func TestTransformationSharesSource(t *testing.T) {
	f := newFixture(t, Config{})
	direct, derived := &listener{}, &listener{}
	require.NoError(t, f.reg.AddListener(size, direct))
	require.NoError(t, f.reg.AddListener(sizeDiff, derived))
	f.reg.RemoveListener(derived)
	assert.NotNil(t, f.reg.Subscription(size))
	assert.Equal(t, []subscription.Listener{direct}, f.reg.Listeners(size))
}

func TestUnknownTransformation(t *testing.T) {
	f := newFixture(t, Config{})
	d := mri.MustNew(mri.Transformation, cacheObject, "median?attribute="+size.String())
	err := f.reg.AddListener(d, &listener{})
	require.Error(t, err)
	assert.Equal(t, transform.ErrUnknownTransformation, errors.Cause(err))
	assert.Nil(t, f.reg.Subscription(d))
	assert.Nil(t, f.reg.Subscription(size))
}

func TestSubstituteListener(t *testing.T) {
	f := newFixture(t, Config{})
	from, to := &listener{}, &listener{}
	require.NoError(t, f.reg.AddListener(size, from))
	require.NoError(t, f.reg.AddListener(heap, from))
	require.NoError(t, f.reg.AddListener(heap, to))

	require.NoError(t, f.reg.SubstituteListener(from, to))
	assert.Empty(t, f.reg.Descriptors(from))
	assert.Equal(t, []mri.Descriptor{size, heap}, f.reg.Descriptors(to))
	assert.Equal(t, []subscription.Listener{to}, f.reg.Listeners(heap))

	f.step()
	assert.Empty(t, from.get())
	assert.Len(t, to.get(), 2)
}

func TestSubstituteIsGapless(t *testing.T) {
	f := newFixture(t, Config{Policies: subscription.NewPolicyTable(subscription.Interval(100 * time.Millisecond))})
	from, to := &listener{}, &listener{}
	require.NoError(t, f.reg.AddListener(size, from))

	const cycles = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= cycles; i++ {
			f.set(cacheObject, "Size", int64(i))
			f.step()
			f.clock.Advance(100 * time.Millisecond)
		}
	}()
	for len(from.get()) < cycles/4 {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, f.reg.SubstituteListener(from, to))
	<-done

	all := append(from.values(), to.values()...)
	require.Len(t, all, cycles)
	for i, v := range all {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestDispose(t *testing.T) {
	f := newFixture(t, Config{})
	polled, pushed := &listener{}, &listener{}
	require.NoError(t, f.reg.AddListener(size, polled))
	require.NoError(t, f.reg.AddListener(evicted, pushed))
	s := f.reg.Subscription(size)

	f.reg.Dispose()
	f.reg.Dispose()
	assert.True(t, s.Closed())
	assert.Nil(t, f.reg.Subscription(size))
	assert.Equal(t, ErrDisposed, f.reg.AddListener(size, polled))
	assert.Equal(t, ErrDisposed, f.reg.SubstituteListener(polled, pushed))

	f.server.Emit(cacheObject, transport.Notification{Type: "cache.evicted", UserData: map[string]interface{}{"key": "u1"}})
	f.step()
	assert.Empty(t, polled.get())
	assert.Empty(t, pushed.get())
	assert.Equal(t, 0, f.server.ListenerCount(cacheObject))
}

func TestDebugInformation(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.reg.AddListener(size, &listener{}))
	f.step()
	assert.Empty(t, f.reg.DebugInformation())

	f.reg.CollectDebugInformation(true)
	f.clock.Advance(time.Second)
	f.step()
	infos := f.reg.DebugInformation()
	require.Len(t, infos, 1)
	assert.Equal(t, size, infos[0].Descriptor)
	assert.Equal(t, int64(1), infos[0].Events)
	assert.Equal(t, int64(1), infos[0].Polled)

	f.reg.ClearDebugInformation()
	assert.Empty(t, f.reg.DebugInformation())
	f.reg.CollectDebugInformation(false)
	f.clock.Advance(time.Second)
	f.step()
	assert.Empty(t, f.reg.DebugInformation())
}

func TestSetUpdatePolicy(t *testing.T) {
	f := newFixture(t, Config{})
	l := &listener{}
	require.NoError(t, f.reg.AddListener(size, l))
	f.reg.SetUpdatePolicy(size, subscription.Once())
	f.step()
	f.clock.Advance(time.Hour)
	f.step()
	assert.Len(t, l.get(), 1)
}
