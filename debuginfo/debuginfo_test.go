package debuginfo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/subscription"
)

var (
	heap    = mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage")
	threads = mri.MustParse("attribute://java.lang:type=Threading/ThreadCount")
)

func TestDisabledRecordsNothing(t *testing.T) {
	r := NewRecorder(false)
	r.RecordConnected(heap)
	r.RecordEvent(subscription.NewValueEvent(heap, time.Unix(1, 0), 1))
	assert.Empty(t, r.Snapshot())
}

func TestCounters(t *testing.T) {
	r := NewRecorder(true)
	r.RecordConnected(heap)
	r.RecordPolled(heap)
	r.RecordEvent(subscription.NewValueEvent(heap, time.Unix(1, 0), 42))
	r.RecordConnectionLost(heap)
	r.RecordTriedReconnection(heap)
	r.RecordTriedReconnection(heap)
	r.RecordSucceededReconnection(heap)

	info, ok := r.Get(heap)
	require.True(t, ok)
	assert.Equal(t, int64(1), info.Connects)
	assert.Equal(t, int64(1), info.Polled)
	assert.Equal(t, int64(1), info.Events)
	assert.Equal(t, int64(1), info.ConnectionsLost)
	assert.Equal(t, int64(2), info.TriedReconnections)
	assert.Equal(t, int64(1), info.SucceededReconnections)
	assert.Equal(t, Subscribed, info.State)
	require.NotNil(t, info.LastEvent)
	assert.Equal(t, 42, info.LastEvent.Value)
	assert.Contains(t, info.Dump(), "HeapMemoryUsage")

	r.RecordDisconnected(heap)
	info, _ = r.Get(heap)
	assert.Equal(t, Unsubscribed, info.State)
}

func TestSnapshotSortedAndClear(t *testing.T) {
	r := NewRecorder(true)
	r.RecordConnected(threads)
	r.RecordConnected(heap)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, heap, snap[0].Descriptor)
	assert.Equal(t, threads, snap[1].Descriptor)
	assert.Equal(t, snap, r.DebugInformation())

	r.Clear()
	assert.Empty(t, r.Snapshot())

	r.SetEnabled(false)
	assert.False(t, r.Enabled())
}
