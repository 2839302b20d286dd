// Package poller samples attribute subscriptions from a single goroutine.
//
// Each cycle of the loop, in order:
//  1. applies queued removals
//  2. retests backoffed subscriptions that are due, promoting the ones that read
//  3. applies queued additions
//  4. collects the subscriptions whose update policy says they are due
//  5. reads all of them with one FetchMany
//  6. hands the values to their subscriptions
//  7. sleeps until the next subscription is due, clamped to [MinSleep, MaxSleep]
//
// Callers never touch the active table; Register and Unregister only queue intents.
package poller

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/debuginfo"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/subscription"
	"github.com/twitter/mbeanwatch/transport"
	"github.com/twitter/mbeanwatch/unavailable"
)

const (
	DefaultMinSleep     = 100 * time.Millisecond
	DefaultMaxSleep     = 2000 * time.Millisecond
	DefaultFetchTimeout = 30 * time.Second
)

// Config for the poller. Zero values are replaced by defaults.
//
// DebugMode - if true, the loop goroutine is not started and the poller must
// be advanced by calling Step. Shutdown then runs the final pass itself.
type Config struct {
	MinSleep     time.Duration
	MaxSleep     time.Duration
	FetchTimeout time.Duration
	// Deliver a NullValue event when a subscription starts or stops being polled.
	SendNulls bool
	// Individual reads per second, for fallback probes and backoff retests. Zero means unlimited.
	ProbeRate rate.Limit
	DebugMode bool
}

type entry struct {
	sub *subscription.Subscription
	// Timestamp of the last sample, zero if never sampled.
	lastUpdate time.Time
}

type Poller struct {
	transport transport.Transport
	repo      *unavailable.Repository
	debug     *debuginfo.Recorder
	stat      stats.StatsReceiver
	clock     clock.Clock
	config    Config
	limiter   *rate.Limiter

	// intent queues, the only state shared with callers
	mu            sync.Mutex
	pendingAdd    []*subscription.Subscription
	pendingRemove []*subscription.Subscription

	// owned by the loop; activeMu only makes Active() safe from other goroutines
	activeMu sync.RWMutex
	active   map[mri.Descriptor]*entry

	ctx          context.Context
	cancel       context.CancelFunc
	wake         chan struct{}
	done         chan struct{}
	doneOnce     sync.Once
	shutdownOnce sync.Once
	stopped      atomic.Bool

	lost     chan struct{}
	lostOnce sync.Once
}

func New(
	tr transport.Transport,
	repo *unavailable.Repository,
	debug *debuginfo.Recorder,
	stat stats.StatsReceiver,
	c clock.Clock,
	config Config,
) *Poller {
	if config.MinSleep == 0 {
		config.MinSleep = DefaultMinSleep
	}
	if config.MaxSleep == 0 {
		config.MaxSleep = DefaultMaxSleep
	}
	if config.MaxSleep < config.MinSleep {
		config.MaxSleep = config.MinSleep
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	limit := config.ProbeRate
	if limit <= 0 {
		limit = rate.Inf
	}
	if c == nil {
		c = clock.System()
	}
	if debug == nil {
		debug = debuginfo.NewRecorder(false)
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if repo == nil {
		repo = unavailable.New(c, unavailable.Config{}, nil, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		transport: tr,
		repo:      repo,
		debug:     debug,
		stat:      stat,
		clock:     c,
		config:    config,
		limiter:   rate.NewLimiter(limit, 1),
		active:    make(map[mri.Descriptor]*entry),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		lost:      make(chan struct{}),
	}
	if !config.DebugMode {
		log.Info("Starting poller loop")
		go p.loop()
	}
	return p
}

// Register queues s for polling. It is picked up at the next cycle, which
// starts right away if the loop is sleeping.
func (p *Poller) Register(s *subscription.Subscription) {
	if p.stopped.Load() {
		return
	}
	p.mu.Lock()
	p.pendingRemove = without(p.pendingRemove, s)
	p.pendingAdd = append(without(p.pendingAdd, s), s)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Unregister queues s for removal, from active polling or from the
// unavailability repository, whichever holds it.
func (p *Poller) Unregister(s *subscription.Subscription) {
	if p.stopped.Load() {
		return
	}
	p.mu.Lock()
	p.pendingAdd = without(p.pendingAdd, s)
	p.pendingRemove = append(without(p.pendingRemove, s), s)
	p.mu.Unlock()
}

func without(subs []*subscription.Subscription, s *subscription.Subscription) []*subscription.Subscription {
	for i, existing := range subs {
		if existing == s {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// IsUnavailable reports whether d is parked in the unavailability repository.
func (p *Poller) IsUnavailable(d mri.Descriptor) bool {
	return p.repo.Contains(d)
}

// Active returns the descriptors currently polled, sorted.
func (p *Poller) Active() []mri.Descriptor {
	p.activeMu.RLock()
	out := make([]mri.Descriptor, 0, len(p.active))
	for d := range p.active {
		out = append(out, d)
	}
	p.activeMu.RUnlock()
	sortDescriptors(out)
	return out
}

// ConnectionLost is closed once the transport reports the connection as down.
func (p *Poller) ConnectionLost() <-chan struct{} {
	return p.lost
}

func (p *Poller) Running() bool {
	return !p.stopped.Load()
}

// Shutdown interrupts the loop. It does not wait; use Wait for that.
// A fetch in flight completes, then every subscription still active or
// parked is torn down.
func (p *Poller) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.stopped.Store(true)
		p.cancel()
		if p.config.DebugMode {
			p.finalPass()
			p.doneOnce.Do(func() { close(p.done) })
		}
	})
}

// Wait blocks until the loop has exited.
func (p *Poller) Wait() {
	<-p.done
}

// run the poller loop until shutdown or connection loss.
// all the work is in Step so tests can drive cycles by hand.
func (p *Poller) loop() {
	defer p.doneOnce.Do(func() { close(p.done) })
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		// select picks at random among ready cases, so a wake can race Shutdown.
		if p.ctx.Err() != nil {
			p.finalPass()
			return
		}
		sleep := p.Step()
		if p.isLost() {
			p.abandon()
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)
		select {
		case <-p.ctx.Done():
		case <-p.wake:
		case <-timer.C:
		}
	}
}

func (p *Poller) isLost() bool {
	select {
	case <-p.lost:
		return true
	default:
		return false
	}
}

// Step runs one cycle and returns how long to sleep before the next one.
func (p *Poller) Step() time.Duration {
	if p.isLost() {
		return p.config.MaxSleep
	}
	defer p.stat.Latency(stats.PollerCycleLatency_ms).Time().Stop()
	p.stat.Counter(stats.PollerCycleCounter).Inc(1)

	p.applyRemovals()
	if !p.retest() {
		return p.config.MaxSleep
	}
	p.applyAdditions()

	now := p.clock.Now()
	due := p.dueSet(now)
	p.stat.Gauge(stats.PollerDueGauge).Update(int64(len(due)))
	if len(due) > 0 {
		p.fetch(due)
	}
	p.updateStats()
	return p.sleepDuration()
}

func (p *Poller) drain() (adds, removes []*subscription.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	adds, removes = p.pendingAdd, p.pendingRemove
	p.pendingAdd, p.pendingRemove = nil, nil
	return adds, removes
}

func (p *Poller) applyRemovals() {
	p.mu.Lock()
	removes := p.pendingRemove
	p.pendingRemove = nil
	p.mu.Unlock()
	for _, s := range removes {
		p.remove(s)
	}
}

func (p *Poller) remove(s *subscription.Subscription) {
	d := s.Descriptor()
	if e, ok := p.active[d]; ok && e.sub == s {
		p.activeMu.Lock()
		delete(p.active, d)
		p.activeMu.Unlock()
		p.sendNull(s)
		p.debug.RecordDisconnected(d)
		log.WithFields(log.Fields{"descriptor": d}).Debug("Stopped polling")
		return
	}
	if p.repo.Remove(s) {
		p.debug.RecordDisconnected(d)
	}
}

func (p *Poller) applyAdditions() {
	p.mu.Lock()
	adds := p.pendingAdd
	p.pendingAdd = nil
	p.mu.Unlock()
	for _, s := range adds {
		if s.Closed() {
			continue
		}
		p.activate(s)
		p.sendNull(s)
		p.debug.RecordConnected(s.Descriptor())
	}
}

// Puts s in the active table, due right away.
func (p *Poller) activate(s *subscription.Subscription) {
	p.activeMu.Lock()
	p.active[s.Descriptor()] = &entry{sub: s}
	p.activeMu.Unlock()
}

func (p *Poller) sendNull(s *subscription.Subscription) {
	if !p.config.SendNulls {
		return
	}
	s.StoreAndFire(subscription.ValueEvent{
		Descriptor: s.Descriptor(),
		Timestamp:  p.clock.Now(),
		Kind:       subscription.NullValue,
	})
}

// Retests the backoffed subscriptions that are due. Returns false if the
// connection was lost while doing so.
func (p *Poller) retest() bool {
	for _, s := range p.repo.Backoffed() {
		d := s.Descriptor()
		if s.Closed() {
			p.repo.Remove(s)
			continue
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return true
		}
		p.stat.Counter(stats.PollerRetestCounter).Inc(1)
		p.stat.Counter(stats.PollerProbeCounter).Inc(1)
		p.debug.RecordTriedReconnection(d)

		r := p.fetchOne(d)
		switch r.Outcome {
		case transport.OK:
			p.repo.Remove(s)
			p.activate(s)
			p.stat.Counter(stats.PollerReattachedCounter).Inc(1)
			p.debug.RecordSucceededReconnection(d)
			log.WithFields(log.Fields{"descriptor": d}).Info("Reattached")
			s.Fire(subscription.ValueEvent{Descriptor: d, Timestamp: p.clock.Now(), Kind: subscription.Reattached})
		case transport.NotFound:
			log.WithFields(log.Fields{"descriptor": d, "err": r.Err}).Debug("Retest failed")
		case transport.TransportDown:
			p.connectionLost(r.Err)
			return false
		}
	}
	return true
}

// Due subscriptions, sorted by descriptor.
func (p *Poller) dueSet(now time.Time) []*entry {
	var due []*entry
	for _, e := range p.active {
		if !now.Before(e.sub.UpdatePolicy().NextUpdate(e.lastUpdate)) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].sub.Descriptor().String() < due[j].sub.Descriptor().String()
	})
	return due
}

func (p *Poller) fetchOne(d mri.Descriptor) transport.Result {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.FetchTimeout)
	defer cancel()
	return p.transport.FetchOne(ctx, d)
}

// Reads all of due in one round trip. The fetch gets its own context so that
// Shutdown doesn't cut it short.
func (p *Poller) fetch(due []*entry) {
	descriptors := make([]mri.Descriptor, len(due))
	for i, e := range due {
		descriptors[i] = e.sub.Descriptor()
		p.debug.RecordPolled(descriptors[i])
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.FetchTimeout)
	p.stat.Counter(stats.PollerFetchCounter).Inc(1)
	latency := p.stat.Latency(stats.PollerFetchLatency_ms).Time()
	before := p.clock.Now()
	batch := p.transport.FetchMany(ctx, descriptors)
	after := p.clock.Now()
	latency.Stop()
	cancel()

	// Best guess at when the remote side read the values.
	ts := before.Add(after.Sub(before) / 2)

	switch batch.Outcome {
	case transport.OK:
		for _, e := range due {
			d := e.sub.Descriptor()
			v, ok := batch.Values[d]
			if !ok {
				p.evict(e, errors.Wrapf(transport.ErrAttributeNotFound, "%s missing from batch", d))
				continue
			}
			p.deliver(e, ts, v)
		}
	case transport.NotFound:
		log.WithFields(log.Fields{"due": len(due), "err": batch.Err}).Info("Batch rejected, probing attributes one at a time")
		p.probe(due)
	case transport.TransportDown:
		p.connectionLost(batch.Err)
	}
}

// Reads each of due on its own, so that only the bad ones are evicted.
func (p *Poller) probe(due []*entry) {
	for _, e := range due {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		p.stat.Counter(stats.PollerProbeCounter).Inc(1)
		d := e.sub.Descriptor()
		before := p.clock.Now()
		r := p.fetchOne(d)
		after := p.clock.Now()
		switch r.Outcome {
		case transport.OK:
			p.deliver(e, before.Add(after.Sub(before)/2), r.Value)
		case transport.NotFound:
			p.evict(e, r.Err)
		case transport.TransportDown:
			p.connectionLost(r.Err)
			return
		}
	}
}

func (p *Poller) deliver(e *entry, ts time.Time, v interface{}) {
	e.lastUpdate = ts
	event := subscription.NewValueEvent(e.sub.Descriptor(), ts, v)
	if e.sub.StoreAndFire(event) {
		p.stat.Counter(stats.PollerDispatchCounter).Inc(1)
		p.debug.RecordEvent(event)
	}
}

// Moves e out of active polling into the repository and tells its listeners why.
func (p *Poller) evict(e *entry, cause error) {
	s := e.sub
	d := s.Descriptor()
	p.activeMu.Lock()
	delete(p.active, d)
	p.activeMu.Unlock()
	p.sendNull(s)
	p.repo.Add(s)
	p.stat.Counter(stats.PollerEvictedCounter).Inc(1)
	p.debug.RecordConnectionLost(d)
	log.WithFields(log.Fields{"descriptor": d, "err": cause}).Info("Attribute unavailable, evicted from polling")
	s.Fire(subscription.ValueEvent{
		Descriptor: d,
		Timestamp:  p.clock.Now(),
		Kind:       subscription.AttributeException,
		Err:        cause,
	})
}

// Tells every active subscription the session is over, exactly once, and stops the loop.
func (p *Poller) connectionLost(cause error) {
	if cause == nil {
		cause = transport.ErrConnectionLost
	}
	p.lostOnce.Do(func() {
		p.stat.Counter(stats.PollerConnectionLostCounter).Inc(1)
		log.WithFields(log.Fields{"active": len(p.active), "err": cause}).Warn("Connection lost, stopping poller")
		now := p.clock.Now()
		entries := make([]*entry, 0, len(p.active))
		for _, e := range p.active {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].sub.Descriptor().String() < entries[j].sub.Descriptor().String()
		})
		for _, e := range entries {
			d := e.sub.Descriptor()
			e.sub.StoreAndFire(subscription.ValueEvent{
				Descriptor: d,
				Timestamp:  now,
				Kind:       subscription.ConnectionLost,
				Err:        cause,
			})
			p.debug.RecordConnectionLost(d)
		}
		p.stopped.Store(true)
		close(p.lost)
	})
}

// After connection loss the tables are dropped without further events.
func (p *Poller) abandon() {
	p.drain()
	p.activeMu.Lock()
	p.active = make(map[mri.Descriptor]*entry)
	p.activeMu.Unlock()
	p.updateStats()
}

// Tears down everything still queued, active, or parked.
func (p *Poller) finalPass() {
	// Queued additions are dropped.
	_, removes := p.drain()
	for _, s := range removes {
		p.remove(s)
	}
	for _, e := range p.active {
		p.remove(e.sub)
	}
	for _, s := range p.repo.All() {
		p.remove(s)
	}
	p.updateStats()
	log.Info("Poller stopped")
}

func (p *Poller) updateStats() {
	p.stat.Gauge(stats.PollerActiveGauge).Update(int64(len(p.active)))
	p.stat.Gauge(stats.PollerUnavailableGauge).Update(int64(p.repo.Len()))
}

// Time until the next active subscription or retest is due, clamped to [MinSleep, MaxSleep].
func (p *Poller) sleepDuration() time.Duration {
	now := p.clock.Now()
	sleep := p.config.MaxSleep
	for _, e := range p.active {
		if until := e.sub.UpdatePolicy().NextUpdate(e.lastUpdate).Sub(now); until < sleep {
			sleep = until
		}
	}
	if next, ok := p.repo.NextRetest(); ok {
		if until := next.Sub(now); until < sleep {
			sleep = until
		}
	}
	if sleep < p.config.MinSleep {
		sleep = p.config.MinSleep
	}
	return sleep
}

func sortDescriptors(ds []mri.Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].String() < ds[j].String() })
}
