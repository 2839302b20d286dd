package objects

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/transport/memory"
)

func TestState(t *testing.T) {
	s := makeState()
	// nothing registered or unregistered
	assertUpdates(t, s, []string{}, []Update{})
	// 1 object registered
	assertUpdates(t, s, []string{"a:type=A"}, []Update{NewRegistered("a:type=A")})
	// 1 object unregistered
	assertUpdates(t, s, []string{}, []Update{NewUnregistered("a:type=A")})
	// 2 objects registered, duplicates in the listing collapse
	assertUpdates(t, s, []string{"a:type=A", "b:type=B", "a:type=A"},
		[]Update{NewRegistered("a:type=A"), NewRegistered("b:type=B")})
	// no change
	assertUpdates(t, s, []string{"b:type=B", "a:type=A"}, []Update{})
	// 1 registered, a different one unregistered
	assertUpdates(t, s, []string{"a:type=A", "c:type=C"},
		[]Update{NewRegistered("c:type=C"), NewUnregistered("b:type=B")})
	// everything unregistered
	assertUpdates(t, s, []string{},
		[]Update{NewUnregistered("a:type=A"), NewUnregistered("c:type=C")})
}

func TestStateApply(t *testing.T) {
	s := makeState()
	assert.True(t, s.apply(NewRegistered("a:type=A")))
	assert.False(t, s.apply(NewRegistered("a:type=A")))
	assert.True(t, s.apply(NewUnregistered("a:type=A")))
	assert.False(t, s.apply(NewUnregistered("a:type=A")))
	assert.True(t, s.gone["a:type=A"])

	// an object we never saw can still be reported gone, once
	assert.True(t, s.apply(NewUnregistered("b:type=B")))
	assert.False(t, s.apply(NewUnregistered("b:type=B")))
	assert.Equal(t, []string{}, s.current())
}

func assertUpdates(t *testing.T, s *state, names []string, expected []Update) {
	t.Helper()
	actual := s.setAndDiff(names)
	sort.Sort(UpdateSorter(actual))
	sort.Sort(UpdateSorter(expected))
	assert.Equal(t, expected, actual)
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) get() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func TestTrackerApply(t *testing.T) {
	reg := stats.NewFinagleStatsRegistry()
	stat, _ := stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return reg }, 0)
	tr := NewTracker(stat)
	r := &recorder{}
	cancel := tr.Subscribe(r.record)

	tr.Apply(NewRegistered("a:type=A"), NewRegistered("a:type=A"), NewUnregistered("a:type=A"))
	assert.Equal(t, []Update{NewRegistered("a:type=A"), NewUnregistered("a:type=A")}, r.get())
	assert.True(t, tr.Unregistered("a:type=A"))
	assert.False(t, tr.Unregistered("b:type=B"))
	assert.False(t, tr.IsRegistered("a:type=A"))

	cancel()
	cancel()
	tr.Apply(NewRegistered("a:type=A"))
	assert.Len(t, r.get(), 2)
	assert.True(t, tr.IsRegistered("a:type=A"))
	assert.False(t, tr.Unregistered("a:type=A"))

	stats.StatsOk("tracker", reg, t, map[string]stats.Rule{
		stats.ObjectsUpdateCounter: {Checker: stats.Int64EqTest, Value: 3},
		stats.ObjectsKnownGauge:    {Checker: stats.Int64EqTest, Value: 1},
	})
}

func TestTrackerClose(t *testing.T) {
	tr := NewTracker(nil)
	r := &recorder{}
	tr.Subscribe(r.record)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	tr.Apply(NewRegistered("a:type=A"))
	tr.SetObjects([]string{"b:type=B"})
	assert.Empty(t, r.get())
}

func TestWatchDelegate(t *testing.T) {
	server := memory.NewServer(clock.NewFake(time.Unix(0, 0)))
	tr := NewTracker(nil)
	r := &recorder{}
	tr.Subscribe(r.record)

	tr.Watch(context.Background(), server, time.Hour)
	require.NoError(t, server.Register("app:type=Pool", nil))
	require.NoError(t, server.Unregister("app:type=Pool"))

	assert.Contains(t, r.get(), NewRegistered("app:type=Pool"))
	assert.Contains(t, r.get(), NewUnregistered("app:type=Pool"))
	assert.True(t, tr.Unregistered("app:type=Pool"))

	require.NoError(t, tr.Close())
	assert.Equal(t, 0, server.ListenerCount("JMImplementation:type=MBeanServerDelegate"))
}

// fakeFetcher hands out listings from a channel so the test controls each fetch.
type fakeFetcher struct {
	listings chan []string
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]string, error) {
	select {
	case l := <-f.listings:
		if l == nil {
			return nil, errors.New("listing failed")
		}
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPoll(t *testing.T) {
	reg := stats.NewFinagleStatsRegistry()
	stat, _ := stats.NewCustomStatsReceiver(func() stats.StatsRegistry { return reg }, 0)
	tr := NewTracker(stat)
	updates := make(chan Update, 10)
	tr.Subscribe(func(u Update) { updates <- u })

	f := &fakeFetcher{listings: make(chan []string)}
	tr.Poll(f, time.Millisecond)

	f.listings <- []string{"a:type=A"}
	assert.Equal(t, NewRegistered("a:type=A"), <-updates)

	// a failed listing keeps the previous view
	f.listings <- nil
	f.listings <- []string{"b:type=B"}
	assert.Equal(t, NewRegistered("b:type=B"), <-updates)
	assert.Equal(t, NewUnregistered("a:type=A"), <-updates)

	require.NoError(t, tr.Close())
	stats.StatsOk("poll", reg, t, map[string]stats.Rule{
		stats.ObjectsFetchErrCounter: {Checker: stats.Int64EqTest, Value: 1},
	})
}
