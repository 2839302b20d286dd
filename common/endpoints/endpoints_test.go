package endpoints_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/mbeanwatch/common/endpoints"
	"github.com/twitter/mbeanwatch/common/stats"
	"github.com/twitter/mbeanwatch/debuginfo"
	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/registry"
	"github.com/twitter/mbeanwatch/subscription"
)

var (
	_ endpoints.DebugSource = &debuginfo.Recorder{}
	_ endpoints.DebugSource = &registry.Registry{}
)

var used = mri.MustParse("attribute://java.lang:type=Memory/HeapMemoryUsage/used")

func get(t *testing.T, url string) (*http.Response, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func makeServer() (*httptest.Server, *debuginfo.Recorder) {
	stat, _ := stats.NewCustomStatsReceiver(stats.NewFinagleStatsRegistry, 0)
	stat.Counter("poller", "cycleCounter").Inc(3)
	rec := debuginfo.NewRecorder(true)
	rec.RecordConnected(used)
	rec.RecordEvent(subscription.NewValueEvent(used, time.Unix(1000, 0), int64(42)))
	ts := httptest.NewServer(endpoints.NewTwitterServer("localhost:0", stat, rec).Handler())
	return ts, rec
}

func TestHealth(t *testing.T) {
	ts, _ := makeServer()
	defer ts.Close()
	resp, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, _ = get(t, ts.URL+"/nothing/here")
	assert.Equal(t, 501, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	ts, _ := makeServer()
	defer ts.Close()
	resp, body := get(t, ts.URL+"/admin/metrics.json")
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	assert.EqualValues(t, 3, m["poller/cycleCounter"])
}

func TestSubscriptions(t *testing.T) {
	ts, _ := makeServer()
	defer ts.Close()
	_, body := get(t, ts.URL+"/admin/subscriptions.json")
	var infos []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, used.String(), infos[0]["descriptor"])
	assert.Equal(t, "subscribed", infos[0]["state"])
	assert.EqualValues(t, 1, infos[0]["events"])

	_, body = get(t, ts.URL+"/admin/subscriptions.json?dump=true")
	assert.Contains(t, body, "Events")
	assert.Contains(t, body, "42")
}

func TestNoDebugSource(t *testing.T) {
	ts := httptest.NewServer(endpoints.NewTwitterServer("", stats.NilStatsReceiver(), nil).Handler())
	defer ts.Close()
	_, body := get(t, ts.URL+"/admin/subscriptions.json")
	assert.Equal(t, "[]", body)
}
