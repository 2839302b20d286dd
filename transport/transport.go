// Package transport defines what the engine needs from a remote MBean server:
// batched and single attribute reads, notification registration, and object listing.
//
// Reads report their outcome as data (OK, NotFound, TransportDown) instead of
// error types, so callers branch on Outcome and keep Err only for logging.
package transport

//go:generate mockgen -source=transport.go -package=transport -destination=transport_mock.go

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/twitter/mbeanwatch/mri"
)

var (
	ErrConnectionLost           = errors.New("connection lost")
	ErrObjectNotFound           = errors.New("object not found")
	ErrAttributeNotFound        = errors.New("attribute not found")
	ErrNotificationsUnsupported = errors.New("notifications not supported by transport")
	ErrPathNotFound             = errors.New("path not found in value")
)

type Outcome int

const (
	// The read succeeded.
	OK Outcome = iota
	// The remote side rejected the read: missing object, missing attribute, or a value error.
	NotFound
	// The session is gone. Terminal.
	TransportDown
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NotFound:
		return "notFound"
	case TransportDown:
		return "transportDown"
	}
	return "unknown"
}

// Result is the outcome of reading one descriptor.
type Result struct {
	Value   interface{}
	Outcome Outcome
	Err     error
}

func Found(v interface{}) Result {
	return Result{Value: v, Outcome: OK}
}

func Missing(err error) Result {
	return Result{Outcome: NotFound, Err: err}
}

func Down(err error) Result {
	return Result{Outcome: TransportDown, Err: err}
}

// Batch is the outcome of one batched read.
//
// With Outcome OK, Values holds every descriptor the remote side could read;
// descriptors missing from Values failed individually. With NotFound the remote
// side rejected the batch as a whole and the caller has to probe descriptors one
// at a time to find the bad ones. With TransportDown the session is over.
type Batch struct {
	Values  map[mri.Descriptor]interface{}
	Outcome Outcome
	Err     error
}

// Notification is one asynchronous event emitted by a remote object.
type Notification struct {
	Type      string
	Source    string
	Sequence  int64
	Timestamp time.Time
	Message   string
	UserData  interface{}
}

// NotificationHandler is called on a transport goroutine.
type NotificationHandler func(Notification)

// NotificationFilter enables notification types by prefix, like JMX NotificationFilterSupport.
// An empty filter enables everything.
type NotificationFilter struct {
	Types []string
}

func (f NotificationFilter) Enabled(notificationType string) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if len(notificationType) >= len(t) && notificationType[:len(t)] == t {
			return true
		}
	}
	return false
}

type ListenerID string

type Transport interface {
	// FetchMany reads all descriptors in one round trip.
	FetchMany(ctx context.Context, descriptors []mri.Descriptor) Batch

	// FetchOne reads a single descriptor, used for fallback probes and backoff retests.
	FetchOne(ctx context.Context, descriptor mri.Descriptor) Result

	// AddNotificationListener registers handler for notifications of object that pass filter.
	AddNotificationListener(ctx context.Context, object string, filter NotificationFilter, handler NotificationHandler) (ListenerID, error)

	// RemoveNotificationListener unregisters a handler. Errors if object or id are unknown.
	RemoveNotificationListener(ctx context.Context, object string, id ListenerID) error

	// ListObjects returns the canonical names of objects matching pattern ("*:*" for all).
	ListObjects(ctx context.Context, pattern string) ([]string, error)

	// Connected is false once the transport has reported TransportDown.
	Connected() bool
}

// DelegateObject emits registration notifications for every other object.
const DelegateObject = "JMImplementation:type=MBeanServerDelegate"

const (
	RegisteredNotification   = "JMX.mbean.registered"
	UnregisteredNotification = "JMX.mbean.unregistered"
)
