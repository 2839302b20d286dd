package jolokia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/transport"
)

var _ transport.Transport = &Transport{}

// fakeAgent answers bulk requests from a fixed table keyed by "mbean|attribute|path".
type fakeAgent struct {
	values map[string]interface{}
	posts  int64
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&a.posts, 1)
	var reqs []request
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var out []map[string]interface{}
	for _, req := range reqs {
		if req.Type == "search" {
			out = append(out, map[string]interface{}{"status": 200, "value": []string{"java.lang:type=Memory", "app:type=Cache,name=users"}})
			continue
		}
		key := req.MBean + "|" + req.Attribute + "|" + req.Path
		if v, ok := a.values[key]; ok {
			out = append(out, map[string]interface{}{"status": 200, "value": v})
		} else if req.MBean == "app:type=Gone" {
			out = append(out, map[string]interface{}{"status": 404, "error_type": "javax.management.InstanceNotFoundException", "error": "gone"})
		} else {
			out = append(out, map[string]interface{}{"status": 404, "error_type": "javax.management.AttributeNotFoundException", "error": "no attribute"})
		}
	}
	json.NewEncoder(w).Encode(out)
}

func newAgent(t *testing.T) (*fakeAgent, *Transport, func()) {
	agent := &fakeAgent{values: map[string]interface{}{
		"java.lang:type=Memory|HeapMemoryUsage|used": 1024,
		"java.lang:type=Memory|HeapMemoryUsage|":     map[string]interface{}{"used": 1024, "max": 4096},
	}}
	server := httptest.NewServer(agent)
	tr := New(Config{URL: server.URL + "/jolokia", Client: http.DefaultClient})
	return agent, tr, server.Close
}

func TestFetchManyIsOneRequest(t *testing.T) {
	agent, tr, stop := newAgent(t)
	defer stop()

	used := mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage/used")
	heap := mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage")
	missing := mri.MustParse("attribute://java.lang:type=Memory/Nope")
	gone := mri.MustParse("attribute://app:type=Gone/Size")

	batch := tr.FetchMany(context.Background(), []mri.Descriptor{used, heap, missing, gone})
	require.Equal(t, transport.OK, batch.Outcome, "%v", batch.Err)
	assert.Equal(t, float64(1024), batch.Values[used])
	assert.Equal(t, map[string]interface{}{"used": float64(1024), "max": float64(4096)}, batch.Values[heap])
	assert.NotContains(t, batch.Values, missing)
	assert.NotContains(t, batch.Values, gone)
	assert.Equal(t, int64(1), atomic.LoadInt64(&agent.posts))
}

func TestFetchOne(t *testing.T) {
	_, tr, stop := newAgent(t)
	defer stop()

	r := tr.FetchOne(context.Background(), mri.MustParse("attribute://app:type=Gone/Size"))
	assert.Equal(t, transport.NotFound, r.Outcome)
	assert.Equal(t, transport.ErrObjectNotFound, errors.Cause(r.Err))

	r = tr.FetchOne(context.Background(), mri.MustParse("attribute://java.lang:type=Memory/Nope"))
	assert.Equal(t, transport.ErrAttributeNotFound, errors.Cause(r.Err))

	r = tr.FetchOne(context.Background(), mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage/used"))
	assert.Equal(t, transport.OK, r.Outcome)
	assert.Equal(t, float64(1024), r.Value)
}

func TestUnreachableAgentIsTransportDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	tr := New(Config{URL: url, Client: http.DefaultClient})
	used := mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage/used")
	batch := tr.FetchMany(context.Background(), []mri.Descriptor{used})
	assert.Equal(t, transport.TransportDown, batch.Outcome)
	assert.False(t, tr.Connected())

	// Once down, the transport stays down without another round trip.
	assert.Equal(t, transport.TransportDown, tr.FetchOne(context.Background(), used).Outcome)
}

func TestListObjectsCanonicalizes(t *testing.T) {
	_, tr, stop := newAgent(t)
	defer stop()

	names, err := tr.ListObjects(context.Background(), "*:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"java.lang:type=Memory", "app:name=users,type=Cache"}, names)
}

func TestNotificationsUnsupported(t *testing.T) {
	tr := New(Config{URL: "http://localhost:1"})
	_, err := tr.AddNotificationListener(context.Background(), "a:b=c", transport.NotificationFilter{}, nil)
	assert.Equal(t, transport.ErrNotificationsUnsupported, err)
}
