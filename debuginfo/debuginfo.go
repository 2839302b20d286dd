// Package debuginfo keeps optional per-descriptor counters about the life of
// each subscription. Recording is off by default; while off every Record call
// is a single atomic load.
package debuginfo

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/subscription"
)

type State int

const (
	Unsubscribed State = iota
	Subscribed
	Lost
)

func (s State) String() string {
	switch s {
	case Subscribed:
		return "subscribed"
	case Lost:
		return "lost"
	}
	return "unsubscribed"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info is a copy of the counters for one descriptor.
type Info struct {
	Descriptor             mri.Descriptor           `json:"-"`
	Name                   string                   `json:"descriptor"`
	Connects               int64                    `json:"connects"`
	Disconnects            int64                    `json:"disconnects"`
	Polled                 int64                    `json:"polled"`
	Events                 int64                    `json:"events"`
	ConnectionsLost        int64                    `json:"connectionsLost"`
	TriedReconnections     int64                    `json:"triedReconnections"`
	SucceededReconnections int64                    `json:"succeededReconnections"`
	LastEvent              *subscription.ValueEvent `json:"-"`
	State                  State                    `json:"state"`
}

// Dump renders every field, including the last event, for logs and the admin endpoint.
func (i Info) Dump() string {
	return spew.Sdump(i)
}

type Recorder struct {
	enabled atomic.Bool

	mu    sync.Mutex
	infos map[mri.Descriptor]*Info
}

func NewRecorder(enabled bool) *Recorder {
	r := &Recorder{infos: make(map[mri.Descriptor]*Info)}
	r.enabled.Store(enabled)
	return r
}

func (r *Recorder) SetEnabled(enabled bool) { r.enabled.Store(enabled) }
func (r *Recorder) Enabled() bool           { return r.enabled.Load() }

func (r *Recorder) update(d mri.Descriptor, fn func(*Info)) {
	if !r.enabled.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[d]
	if !ok {
		info = &Info{Descriptor: d, Name: d.String()}
		r.infos[d] = info
	}
	fn(info)
}

func (r *Recorder) RecordConnected(d mri.Descriptor) {
	r.update(d, func(i *Info) { i.Connects++; i.State = Subscribed })
}

func (r *Recorder) RecordDisconnected(d mri.Descriptor) {
	r.update(d, func(i *Info) { i.Disconnects++; i.State = Unsubscribed })
}

// RecordPolled counts a descriptor handed to a batched fetch.
func (r *Recorder) RecordPolled(d mri.Descriptor) {
	r.update(d, func(i *Info) { i.Polled++ })
}

func (r *Recorder) RecordEvent(e subscription.ValueEvent) {
	r.update(e.Descriptor, func(i *Info) { i.Events++; i.LastEvent = &e })
}

func (r *Recorder) RecordConnectionLost(d mri.Descriptor) {
	r.update(d, func(i *Info) { i.ConnectionsLost++; i.State = Lost })
}

func (r *Recorder) RecordTriedReconnection(d mri.Descriptor) {
	r.update(d, func(i *Info) { i.TriedReconnections++ })
}

func (r *Recorder) RecordSucceededReconnection(d mri.Descriptor) {
	r.update(d, func(i *Info) { i.SucceededReconnections++; i.State = Subscribed })
}

// Get returns a copy of the counters for d.
func (r *Recorder) Get(d mri.Descriptor) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.infos[d]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Snapshot returns copies of every recorded descriptor sorted by qualified name.
func (r *Recorder) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, *info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DebugInformation makes a Recorder usable as the admin endpoints' debug source.
func (r *Recorder) DebugInformation() []Info {
	return r.Snapshot()
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	r.infos = make(map[mri.Descriptor]*Info)
	r.mu.Unlock()
}
