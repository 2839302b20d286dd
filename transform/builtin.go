package transform

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/subscription"
)

const DefaultSamples = 10

func init() {
	Register("difference", newDifference)
	Register("rate", newRate)
	Register("average", newAverage)
}

// ToFloat coerces the numeric values transports produce.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

type single struct {
	source mri.Descriptor
}

func (s single) Sources() []mri.Descriptor { return []mri.Descriptor{s.source} }

func oneSource(sources []mri.Descriptor) (single, error) {
	if len(sources) != 1 {
		return single{}, errors.Errorf("expected one source, got %d", len(sources))
	}
	return single{source: sources[0]}, nil
}

// difference emits the current value minus the previous one.
type difference struct {
	single
	prev    float64
	hasPrev bool
}

func newDifference(sources []mri.Descriptor, _ url.Values) (Transformation, error) {
	s, err := oneSource(sources)
	if err != nil {
		return nil, err
	}
	return &difference{single: s}, nil
}

func (d *difference) Transform(e subscription.ValueEvent) (interface{}, bool) {
	v, ok := ToFloat(e.Value)
	if !ok {
		return nil, false
	}
	prev, had := d.prev, d.hasPrev
	d.prev, d.hasPrev = v, true
	if !had {
		return nil, false
	}
	return v - prev, true
}

// rate emits the difference per second between two samples.
type rate struct {
	single
	prev   float64
	prevTs time.Time
}

func newRate(sources []mri.Descriptor, _ url.Values) (Transformation, error) {
	s, err := oneSource(sources)
	if err != nil {
		return nil, err
	}
	return &rate{single: s}, nil
}

func (r *rate) Transform(e subscription.ValueEvent) (interface{}, bool) {
	v, ok := ToFloat(e.Value)
	if !ok {
		return nil, false
	}
	prev, prevTs := r.prev, r.prevTs
	elapsed := e.Timestamp.Sub(prevTs)
	if !prevTs.IsZero() && elapsed <= 0 {
		// same sample time, nothing to divide by
		return nil, false
	}
	r.prev, r.prevTs = v, e.Timestamp
	if prevTs.IsZero() {
		return nil, false
	}
	return (v - prev) / elapsed.Seconds(), true
}

// average emits the mean of the last n samples, starting with the first one.
type average struct {
	single
	window []float64
	next   int
	sum    float64
}

func newAverage(sources []mri.Descriptor, params url.Values) (Transformation, error) {
	s, err := oneSource(sources)
	if err != nil {
		return nil, err
	}
	n := DefaultSamples
	if raw := params.Get("samples"); raw != "" {
		n, err = strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, errors.Errorf("bad samples %q", raw)
		}
	}
	return &average{single: s, window: make([]float64, 0, n)}, nil
}

func (a *average) Transform(e subscription.ValueEvent) (interface{}, bool) {
	v, ok := ToFloat(e.Value)
	if !ok {
		return nil, false
	}
	if len(a.window) < cap(a.window) {
		a.window = append(a.window, v)
	} else {
		a.sum -= a.window[a.next]
		a.window[a.next] = v
		a.next = (a.next + 1) % len(a.window)
	}
	a.sum += v
	return a.sum / float64(len(a.window)), true
}
