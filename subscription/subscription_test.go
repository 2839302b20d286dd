package subscription

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/mbeanwatch/mri"
)

var heap = mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage/used")

// recorder collects every event it is handed.
type recorder struct {
	mu     sync.Mutex
	events []ValueEvent
}

func (r *recorder) ValueChanged(e ValueEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) get() []ValueEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ValueEvent(nil), r.events...)
}

func at(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

func TestAddListenerRejectsDuplicate(t *testing.T) {
	s := New(heap, nil, nil)
	l := &recorder{}
	require.NoError(t, s.AddListener(l))
	err := s.AddListener(l)
	assert.Equal(t, ErrDuplicateListener, errors.Cause(err))
	assert.Equal(t, 1, s.ListenerCount())

	assert.True(t, s.RemoveListener(l))
	assert.False(t, s.RemoveListener(l))
	assert.Equal(t, 0, s.ListenerCount())
}

func TestStoreAndFireDropsStaleEvents(t *testing.T) {
	s := New(heap, nil, nil)
	l := &recorder{}
	require.NoError(t, s.AddListener(l))

	assert.True(t, s.StoreAndFire(NewValueEvent(heap, at(100), 1)))
	assert.False(t, s.StoreAndFire(NewValueEvent(heap, at(50), 2)))
	assert.True(t, s.StoreAndFire(NewValueEvent(heap, at(100), 3)))

	events := l.get()
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Value)
	assert.Equal(t, 3, events[1].Value)

	last, ok := s.LastEvent()
	require.True(t, ok)
	assert.Equal(t, 3, last.Value)
}

func TestFireClampsStatusEvents(t *testing.T) {
	s := New(heap, nil, nil)
	l := &recorder{}
	require.NoError(t, s.AddListener(l))

	s.StoreAndFire(NewValueEvent(heap, at(200), 1))
	s.Fire(ValueEvent{Descriptor: heap, Timestamp: at(100), Kind: Reattached})

	events := l.get()
	require.Len(t, events, 2)
	assert.Equal(t, Reattached, events[1].Kind)
	assert.Equal(t, at(200), events[1].Timestamp)

	// Status events are not stored.
	last, _ := s.LastEvent()
	assert.Equal(t, ValueUpdated, last.Kind)
}

func TestFilterSuppressesValues(t *testing.T) {
	s := New(heap, nil, NonNegative)
	l := &recorder{}
	require.NoError(t, s.AddListener(l))

	assert.False(t, s.StoreAndFire(NewValueEvent(heap, at(1), -1.0)))
	assert.True(t, s.StoreAndFire(NewValueEvent(heap, at(2), 0.25)))
	// Connection loss carries no value and is never filtered.
	assert.True(t, s.StoreAndFire(ValueEvent{Descriptor: heap, Timestamp: at(3), Kind: ConnectionLost}))

	_, ok := s.LastEvent()
	assert.True(t, ok)
	assert.Len(t, l.get(), 2)
}

func TestCloseStopsDelivery(t *testing.T) {
	s := New(heap, nil, nil)
	l := &recorder{}
	require.NoError(t, s.AddListener(l))
	s.Close()
	assert.False(t, s.StoreAndFire(NewValueEvent(heap, at(1), 1)))
	s.Fire(ValueEvent{Descriptor: heap, Timestamp: at(1), Kind: Reattached})
	assert.Empty(t, l.get())
	assert.True(t, s.Closed())
}

func TestRemoveDuringDispatch(t *testing.T) {
	s := New(heap, nil, nil)
	second := &recorder{}
	var first Listener
	first = NewListener(func(ValueEvent) {
		s.RemoveListener(first)
		s.RemoveListener(second)
	})
	require.NoError(t, s.AddListener(first))
	require.NoError(t, s.AddListener(second))

	// The in-flight event was snapshotted before the removals.
	s.StoreAndFire(NewValueEvent(heap, at(1), 1))
	assert.Len(t, second.get(), 1)

	s.StoreAndFire(NewValueEvent(heap, at(2), 2))
	assert.Len(t, second.get(), 1)
	assert.Equal(t, 0, s.ListenerCount())
}

func TestSubstituteListenerKeepsPosition(t *testing.T) {
	s := New(heap, nil, nil)
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	require.NoError(t, s.AddListener(a))
	require.NoError(t, s.AddListener(b))

	assert.True(t, s.SubstituteListener(a, c))
	assert.Equal(t, []Listener{c, b}, s.Listeners())

	// Substituting into an already present listener just drops old.
	assert.True(t, s.SubstituteListener(c, b))
	assert.Equal(t, []Listener{b}, s.Listeners())

	assert.False(t, s.SubstituteListener(a, c))
}

type counting struct{ n int64 }

func (c *counting) ValueChanged(ValueEvent) { atomic.AddInt64(&c.n, 1) }

func TestSubstituteIsGapless(t *testing.T) {
	s := New(heap, nil, nil)
	from, to := &counting{}, &counting{}
	require.NoError(t, s.AddListener(from))

	const events = 2000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < events; i++ {
			s.StoreAndFire(NewValueEvent(heap, at(int64(i)), i))
		}
	}()
	time.Sleep(time.Millisecond)
	s.SubstituteListener(from, to)
	wg.Wait()

	assert.Equal(t, int64(events), atomic.LoadInt64(&from.n)+atomic.LoadInt64(&to.n))
}

func TestPolicies(t *testing.T) {
	p := Interval(100 * time.Millisecond)
	assert.True(t, p.NextUpdate(time.Time{}).IsZero())
	assert.Equal(t, at(150), p.NextUpdate(at(50)))

	once := Once()
	assert.True(t, once.NextUpdate(time.Time{}).IsZero())
	assert.Equal(t, Never, once.NextUpdate(at(1)))

	assert.Equal(t, Interval(DefaultUpdateInterval), Interval(0))
}

func TestPolicyTableLookup(t *testing.T) {
	table := NewPolicyTable(nil)
	threads := mri.MustParse("attribute://java.lang:type=Threading/ThreadCount")
	assert.Equal(t, Interval(DefaultUpdateInterval), table.Lookup(heap))

	table.SetForAttribute("ThreadCount", Interval(10*time.Second))
	assert.Equal(t, Interval(10*time.Second), table.Lookup(threads))

	table.Set(threads, Once())
	assert.Equal(t, Once(), table.Lookup(threads))
}

func TestFilterTableLookup(t *testing.T) {
	table := NewFilterTable()
	cpu := mri.MustParse("attribute://java.lang:type=OperatingSystem/ProcessCpuLoad")
	f := table.Lookup(cpu)
	require.NotNil(t, f)
	assert.False(t, f(-1.0))
	assert.True(t, f(0.5))
	assert.Nil(t, table.Lookup(heap))

	table.Set(heap, func(v interface{}) bool { return v != nil })
	assert.NotNil(t, table.Lookup(heap))
}
