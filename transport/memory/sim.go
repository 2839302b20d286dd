package memory

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/transport"
)

const (
	MemoryObject    = "java.lang:type=Memory"
	OSObject        = "java.lang:type=OperatingSystem"
	ThreadingObject = "java.lang:type=Threading"
	// Canonical form, keys sorted.
	YoungGCObject = "java.lang:name=PS Scavenge,type=GarbageCollector"

	GCNotification = "com.sun.management.gc.notification"
)

// SimulatedJVM is a Server preloaded with the platform MBeans of a small JVM
// whose values drift with the clock.
type SimulatedJVM struct {
	*Server

	start time.Time
	rng   *rand.Rand

	mu         sync.Mutex
	cpuSamples int
	gcCount    int64
	lastGcInfo map[string]interface{}
}

func NewSimulatedJVM(c clock.Clock) *SimulatedJVM {
	if c == nil {
		c = clock.System()
	}
	jvm := &SimulatedJVM{
		Server: NewServer(c),
		start:  c.Now(),
		rng:    rand.New(rand.NewSource(c.Now().UnixNano())),
	}
	jvm.Register(MemoryObject, map[string]Attribute{
		"HeapMemoryUsage":                jvm.heap,
		"NonHeapMemoryUsage":             Value(map[string]interface{}{"init": int64(2555904), "used": int64(31457280), "committed": int64(33554432), "max": int64(-1)}),
		"ObjectPendingFinalizationCount": Value(int64(0)),
	})
	jvm.Register(OSObject, map[string]Attribute{
		"ProcessCpuLoad":      jvm.cpuLoad,
		"SystemLoadAverage":   func() (interface{}, error) { return 1 + math.Sin(jvm.elapsed()/60), nil },
		"AvailableProcessors": Value(int64(4)),
	})
	jvm.Register(ThreadingObject, map[string]Attribute{
		"ThreadCount":     func() (interface{}, error) { return int64(20 + int(jvm.elapsed())%7), nil },
		"PeakThreadCount": Value(int64(27)),
	})
	jvm.Register(YoungGCObject, map[string]Attribute{
		"CollectionCount": func() (interface{}, error) { return jvm.gcs(), nil },
		"CollectionTime":  func() (interface{}, error) { return jvm.gcs() * 3, nil },
		"LastGcInfo":      jvm.gcInfo,
	})
	return jvm
}

func (j *SimulatedJVM) elapsed() float64 {
	return j.clock.Since(j.start).Seconds()
}

func (j *SimulatedJVM) heap() (interface{}, error) {
	max := int64(512 << 20)
	used := int64(float64(max) * (0.4 + 0.3*math.Sin(j.elapsed()/10)))
	return map[string]interface{}{
		"init":      int64(64 << 20),
		"used":      used,
		"committed": int64(384 << 20),
		"max":       max,
	}, nil
}

// The JVM reports -1 until it has two samples to compare.
func (j *SimulatedJVM) cpuLoad() (interface{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cpuSamples++
	if j.cpuSamples == 1 {
		return -1.0, nil
	}
	return 0.2 + 0.1*j.rng.Float64(), nil
}

func (j *SimulatedJVM) gcs() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.gcCount
}

// LastGcInfo is null until the first collection, which makes its fields
// unavailable until then.
func (j *SimulatedJVM) gcInfo() (interface{}, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastGcInfo == nil {
		return nil, nil
	}
	return j.lastGcInfo, nil
}

// CollectGarbage simulates one young collection and emits the gc notification.
func (j *SimulatedJVM) CollectGarbage() {
	j.mu.Lock()
	j.gcCount++
	info := map[string]interface{}{
		"id":       j.gcCount,
		"duration": int64(2 + j.rng.Intn(8)),
	}
	j.lastGcInfo = info
	j.mu.Unlock()

	j.Emit(YoungGCObject, transport.Notification{
		Type: GCNotification,
		UserData: map[string]interface{}{
			"gcName":   "PS Scavenge",
			"gcAction": "end of minor GC",
			"gcInfo":   info,
		},
	})
}

// Run collects garbage every interval until ctx is done.
func (j *SimulatedJVM) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.CollectGarbage()
		}
	}
}
