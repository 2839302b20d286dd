// Package memory is an in-process MBean server implementing transport.Transport.
// Tests use it to script availability changes; the command line uses it,
// populated by NewSimulatedJVM, when no remote endpoint is configured.
package memory

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/common/clock"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/transport"
)

// Attribute produces the current value of an attribute. An error makes the
// attribute unreadable, like a getter that throws.
type Attribute func() (interface{}, error)

// Value is an Attribute that always returns v.
func Value(v interface{}) Attribute {
	return func() (interface{}, error) { return v, nil }
}

// Failing is an Attribute whose getter always fails.
func Failing(err error) Attribute {
	return func() (interface{}, error) { return nil, err }
}

type registration struct {
	filter  transport.NotificationFilter
	handler transport.NotificationHandler
}

type Server struct {
	clock clock.Clock

	mu        sync.Mutex
	objects   map[string]map[string]Attribute
	listeners map[string]map[transport.ListenerID]registration
	down      bool
	seq       int64

	fetchManyCalls int64
	fetchOneCalls  int64
}

// NewServer returns a server holding only the delegate object.
func NewServer(c clock.Clock) *Server {
	if c == nil {
		c = clock.System()
	}
	return &Server{
		clock:     c,
		objects:   map[string]map[string]Attribute{transport.DelegateObject: {}},
		listeners: make(map[string]map[transport.ListenerID]registration),
	}
}

// Register adds or replaces an object and announces it through the delegate.
func (s *Server) Register(name string, attrs map[string]Attribute) error {
	canonical, err := mri.CanonicalObjectName(name)
	if err != nil {
		return err
	}
	copied := make(map[string]Attribute, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	s.mu.Lock()
	_, existed := s.objects[canonical]
	s.objects[canonical] = copied
	s.mu.Unlock()
	if !existed {
		s.emitDelegate(transport.RegisteredNotification, canonical)
	}
	return nil
}

// Unregister removes an object, drops its notification listeners, and announces it.
func (s *Server) Unregister(name string) error {
	canonical, err := mri.CanonicalObjectName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, existed := s.objects[canonical]
	delete(s.objects, canonical)
	delete(s.listeners, canonical)
	s.mu.Unlock()
	if !existed {
		return errors.Wrapf(transport.ErrObjectNotFound, "unregister %s", canonical)
	}
	s.emitDelegate(transport.UnregisteredNotification, canonical)
	return nil
}

func (s *Server) SetAttribute(object, name string, a Attribute) error {
	canonical, err := mri.CanonicalObjectName(object)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.objects[canonical]
	if !ok {
		return errors.Wrapf(transport.ErrObjectNotFound, "set %s on %s", name, canonical)
	}
	attrs[name] = a
	return nil
}

func (s *Server) RemoveAttribute(object, name string) {
	canonical, err := mri.CanonicalObjectName(object)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.objects[canonical], name)
	s.mu.Unlock()
}

// Disconnect makes every later call fail as if the connection dropped.
func (s *Server) Disconnect() {
	s.mu.Lock()
	s.down = true
	s.mu.Unlock()
}

func (s *Server) FetchManyCalls() int64 { return atomic.LoadInt64(&s.fetchManyCalls) }
func (s *Server) FetchOneCalls() int64  { return atomic.LoadInt64(&s.fetchOneCalls) }

func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down
}

// A batch naming a missing object is rejected as a whole. Attributes that are
// missing or fail to read are left out of the result, like getAttributes.
func (s *Server) FetchMany(ctx context.Context, descriptors []mri.Descriptor) transport.Batch {
	atomic.AddInt64(&s.fetchManyCalls, 1)
	if err := ctx.Err(); err != nil {
		return transport.Batch{Outcome: transport.TransportDown, Err: err}
	}
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return transport.Batch{Outcome: transport.TransportDown, Err: transport.ErrConnectionLost}
	}
	getters := make(map[mri.Descriptor]Attribute, len(descriptors))
	for _, d := range descriptors {
		attrs, ok := s.objects[d.Object]
		if !ok {
			s.mu.Unlock()
			return transport.Batch{Outcome: transport.NotFound, Err: errors.Wrapf(transport.ErrObjectNotFound, "%s", d.Object)}
		}
		if a, ok := attrs[d.AttributeName()]; ok && d.Kind == mri.Attribute {
			getters[d] = a
		}
	}
	s.mu.Unlock()

	values := make(map[mri.Descriptor]interface{}, len(getters))
	for d, get := range getters {
		v, err := read(d, get)
		if err != nil {
			log.WithFields(log.Fields{"descriptor": d, "err": err}).Debug("Leaving attribute out of batch")
			continue
		}
		values[d] = v
	}
	return transport.Batch{Values: values, Outcome: transport.OK}
}

func (s *Server) FetchOne(ctx context.Context, d mri.Descriptor) transport.Result {
	atomic.AddInt64(&s.fetchOneCalls, 1)
	if err := ctx.Err(); err != nil {
		return transport.Down(err)
	}
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return transport.Down(transport.ErrConnectionLost)
	}
	attrs, ok := s.objects[d.Object]
	if !ok {
		s.mu.Unlock()
		return transport.Missing(errors.Wrapf(transport.ErrObjectNotFound, "%s", d.Object))
	}
	get, ok := attrs[d.AttributeName()]
	s.mu.Unlock()
	if !ok || d.Kind != mri.Attribute {
		return transport.Missing(errors.Wrapf(transport.ErrAttributeNotFound, "%s", d))
	}
	v, err := read(d, get)
	if err != nil {
		return transport.Missing(err)
	}
	return transport.Found(v)
}

func read(d mri.Descriptor, get Attribute) (interface{}, error) {
	v, err := get()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", d)
	}
	return transport.LookupValue(d.SubPath(), v)
}

func (s *Server) AddNotificationListener(
	ctx context.Context, object string, filter transport.NotificationFilter, handler transport.NotificationHandler,
) (transport.ListenerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return "", transport.ErrConnectionLost
	}
	if _, ok := s.objects[object]; !ok {
		return "", errors.Wrapf(transport.ErrObjectNotFound, "add listener on %s", object)
	}
	u, err := uuid.NewV4()
	if err != nil {
		return "", errors.Wrap(err, "generating listener id")
	}
	id := transport.ListenerID(u.String())
	if s.listeners[object] == nil {
		s.listeners[object] = make(map[transport.ListenerID]registration)
	}
	s.listeners[object][id] = registration{filter: filter, handler: handler}
	return id, nil
}

func (s *Server) RemoveNotificationListener(ctx context.Context, object string, id transport.ListenerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return transport.ErrConnectionLost
	}
	if _, ok := s.objects[object]; !ok {
		return errors.Wrapf(transport.ErrObjectNotFound, "remove listener on %s", object)
	}
	if _, ok := s.listeners[object][id]; !ok {
		return errors.Errorf("listener %s not registered on %s", id, object)
	}
	delete(s.listeners[object], id)
	return nil
}

// ListenerCount is the number of notification listeners on object.
func (s *Server) ListenerCount(object string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[object])
}

// Emit delivers n to the matching listeners of object on the calling goroutine.
// Sequence and Timestamp are filled in when zero.
func (s *Server) Emit(object string, n transport.Notification) {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return
	}
	s.seq++
	if n.Sequence == 0 {
		n.Sequence = s.seq
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.clock.Now()
	}
	if n.Source == "" {
		n.Source = object
	}
	var handlers []transport.NotificationHandler
	for _, reg := range s.listeners[object] {
		if reg.filter.Enabled(n.Type) {
			handlers = append(handlers, reg.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(n)
	}
}

func (s *Server) emitDelegate(notificationType, object string) {
	s.Emit(transport.DelegateObject, transport.Notification{Type: notificationType, UserData: object})
}

// ListObjects supports JMX style patterns: a domain glob, then either "*", an
// exact property list, or a property list ending in ",*".
func (s *Server) ListObjects(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, transport.ErrConnectionLost
	}
	var out []string
	for name := range s.objects {
		ok, err := matchObjectName(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func matchObjectName(pattern, name string) (bool, error) {
	pc := strings.Index(pattern, ":")
	nc := strings.Index(name, ":")
	if pc < 0 || nc < 0 {
		return false, errors.Errorf("invalid object name pattern %q", pattern)
	}
	domainOK, err := path.Match(pattern[:pc], name[:nc])
	if err != nil || !domainOK {
		return false, err
	}
	props := pattern[pc+1:]
	if props == "*" {
		return true, nil
	}
	wildcard := strings.HasSuffix(props, ",*")
	props = strings.TrimSuffix(props, ",*")
	have := make(map[string]bool)
	for _, p := range strings.Split(name[nc+1:], ",") {
		have[p] = true
	}
	want := strings.Split(props, ",")
	for _, p := range want {
		if !have[p] {
			return false, nil
		}
	}
	return wildcard || len(want) == len(have), nil
}
