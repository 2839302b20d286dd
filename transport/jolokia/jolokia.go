// Package jolokia reads MBean attributes over HTTP from a Jolokia agent,
// batching every read of a poll cycle into one bulk POST.
package jolokia

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/transport"
)

const (
	DefaultHttpTries = 3
	DefaultTimeout   = 10 * time.Second
)

// Client is the part of http.Client (and pester.Client) we use.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

func MakePesterClient(tries int, timeout time.Duration) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.Timeout = timeout
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying jolokia request after failed attempt: %+v", e)
	}
	return client
}

type Config struct {
	// Agent endpoint, e.g. http://localhost:8778/jolokia
	URL     string
	Tries   int
	Timeout time.Duration
	// Overrides the pester client built from Tries and Timeout.
	Client Client
}

type Transport struct {
	url    string
	client Client
	down   atomic.Bool
}

func New(cfg Config) *Transport {
	if cfg.Tries == 0 {
		cfg.Tries = DefaultHttpTries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = MakePesterClient(cfg.Tries, cfg.Timeout)
	}
	url := strings.TrimSuffix(cfg.URL, "/") + "/"
	log.Infof("Making new jolokia transport with URL: %s", url)
	return &Transport{url: url, client: client}
}

type request struct {
	Type      string `json:"type"`
	MBean     string `json:"mbean"`
	Attribute string `json:"attribute,omitempty"`
	Path      string `json:"path,omitempty"`
}

type response struct {
	Status    int             `json:"status"`
	Value     json.RawMessage `json:"value"`
	ErrorType string          `json:"error_type"`
	Error     string          `json:"error"`
}

func readRequest(d mri.Descriptor) request {
	return request{
		Type:      "read",
		MBean:     d.Object,
		Attribute: d.AttributeName(),
		Path:      strings.Join(d.SubPath(), "/"),
	}
}

// Posts reqs as one bulk request. A returned error means the agent could not be reached
// or answered with something that is not a bulk response.
func (t *Transport) post(ctx context.Context, reqs []request) ([]response, error) {
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, errors.Wrap(err, "encoding jolokia request")
	}
	req, err := http.NewRequest("POST", t.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building jolokia request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "posting to %s", t.url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(ioutil.Discard, resp.Body)
		return nil, errors.Errorf("jolokia agent %s answered %s", t.url, resp.Status)
	}
	var out []response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decoding jolokia response")
	}
	if len(out) != len(reqs) {
		return nil, errors.Errorf("jolokia returned %d responses for %d requests", len(out), len(reqs))
	}
	return out, nil
}

func (t *Transport) markDown(err error) {
	if !t.down.Swap(true) {
		log.WithFields(log.Fields{"url": t.url, "err": err}).Warn("Jolokia agent unreachable")
	}
}

func itemError(r response, d mri.Descriptor) error {
	switch {
	case strings.HasSuffix(r.ErrorType, "InstanceNotFoundException"):
		return errors.Wrapf(transport.ErrObjectNotFound, "%s: %s", d, r.Error)
	case strings.HasSuffix(r.ErrorType, "AttributeNotFoundException"):
		return errors.Wrapf(transport.ErrAttributeNotFound, "%s: %s", d, r.Error)
	}
	return errors.Errorf("%s: status %d %s %s", d, r.Status, r.ErrorType, r.Error)
}

func decodeValue(r response, d mri.Descriptor) (interface{}, error) {
	if r.Status != http.StatusOK {
		return nil, itemError(r, d)
	}
	var v interface{}
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return nil, errors.Wrapf(err, "decoding value of %s", d)
	}
	return v, nil
}

// Jolokia answers each read separately, so a bad attribute never fails the
// batch; it is just left out of Values.
func (t *Transport) FetchMany(ctx context.Context, descriptors []mri.Descriptor) transport.Batch {
	if t.down.Load() {
		return transport.Batch{Outcome: transport.TransportDown, Err: transport.ErrConnectionLost}
	}
	var reads []mri.Descriptor
	var reqs []request
	for _, d := range descriptors {
		if d.Kind == mri.Attribute {
			reads = append(reads, d)
			reqs = append(reqs, readRequest(d))
		}
	}
	values := make(map[mri.Descriptor]interface{}, len(reads))
	if len(reqs) == 0 {
		return transport.Batch{Values: values, Outcome: transport.OK}
	}
	resps, err := t.post(ctx, reqs)
	if err != nil {
		t.markDown(err)
		return transport.Batch{Outcome: transport.TransportDown, Err: err}
	}
	for i, r := range resps {
		v, err := decodeValue(r, reads[i])
		if err != nil {
			log.WithFields(log.Fields{"descriptor": reads[i], "err": err}).Debug("Leaving attribute out of batch")
			continue
		}
		values[reads[i]] = v
	}
	return transport.Batch{Values: values, Outcome: transport.OK}
}

func (t *Transport) FetchOne(ctx context.Context, d mri.Descriptor) transport.Result {
	if t.down.Load() {
		return transport.Down(transport.ErrConnectionLost)
	}
	if d.Kind != mri.Attribute {
		return transport.Missing(errors.Wrapf(transport.ErrAttributeNotFound, "%s is not an attribute", d))
	}
	resps, err := t.post(ctx, []request{readRequest(d)})
	if err != nil {
		t.markDown(err)
		return transport.Down(err)
	}
	v, err := decodeValue(resps[0], d)
	if err != nil {
		return transport.Missing(err)
	}
	return transport.Found(v)
}

func (t *Transport) AddNotificationListener(
	ctx context.Context, object string, filter transport.NotificationFilter, handler transport.NotificationHandler,
) (transport.ListenerID, error) {
	return "", transport.ErrNotificationsUnsupported
}

func (t *Transport) RemoveNotificationListener(ctx context.Context, object string, id transport.ListenerID) error {
	return transport.ErrNotificationsUnsupported
}

func (t *Transport) ListObjects(ctx context.Context, pattern string) ([]string, error) {
	if t.down.Load() {
		return nil, transport.ErrConnectionLost
	}
	resps, err := t.post(ctx, []request{{Type: "search", MBean: pattern}})
	if err != nil {
		t.markDown(err)
		return nil, err
	}
	if resps[0].Status != http.StatusOK {
		return nil, errors.Errorf("search %s: status %d %s", pattern, resps[0].Status, resps[0].Error)
	}
	var names []string
	if err := json.Unmarshal(resps[0].Value, &names); err != nil {
		return nil, errors.Wrapf(err, "decoding search result for %s", pattern)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		canonical, err := mri.CanonicalObjectName(n)
		if err != nil {
			log.WithFields(log.Fields{"name": n, "err": err}).Warn("Skipping unparseable object name")
			continue
		}
		out = append(out, canonical)
	}
	return out, nil
}

func (t *Transport) Connected() bool {
	return !t.down.Load()
}
