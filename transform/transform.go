// Package transform derives values from other descriptors.
//
// A transformation descriptor names a registered transformation and its
// parameters in its path, for example
//
//	transformation://java.lang:type=Memory/difference?attribute=attribute://java.lang:type=Memory/HeapMemoryUsage/used
//
// The "attribute" parameter holds the qualified name of a source. Transformations
// with several sources take the parameter once per source.
package transform

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/twitter/mbeanwatch/mri"
	"github.com/twitter/mbeanwatch/subscription"
)

// SourceParam is the query parameter that names a source descriptor.
const SourceParam = "attribute"

var ErrUnknownTransformation = errors.New("unknown transformation")

// Transformation turns events of its sources into derived values.
// Transform is called with value events only, in delivery order per source.
// It returns false while it has nothing to emit, e.g. before a second sample.
type Transformation interface {
	Sources() []mri.Descriptor
	Transform(e subscription.ValueEvent) (interface{}, bool)
}

// Factory builds a Transformation from the parsed sources and remaining parameters.
type Factory func(sources []mri.Descriptor, params url.Values) (Transformation, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a factory available under name, replacing any previous one.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Names lists the registered transformations, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parse splits a transformation descriptor into its name, sources and remaining parameters.
func Parse(d mri.Descriptor) (string, []mri.Descriptor, url.Values, error) {
	if d.Kind != mri.Transformation {
		return "", nil, nil, errors.Errorf("%s is not a transformation", d)
	}
	name, query, _ := strings.Cut(d.Path, "?")
	params, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, nil, errors.Wrapf(err, "parsing parameters of %s", d)
	}
	var sources []mri.Descriptor
	for _, q := range params[SourceParam] {
		src, err := mri.Parse(q)
		if err != nil {
			return "", nil, nil, errors.Wrapf(err, "source of %s", d)
		}
		if src.Kind == mri.Transformation {
			return "", nil, nil, errors.Errorf("%s: transformations of transformations are not supported", d)
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return "", nil, nil, errors.Errorf("%s has no %s parameter", d, SourceParam)
	}
	delete(params, SourceParam)
	return name, sources, params, nil
}

// Create builds the transformation named by d.
func Create(d mri.Descriptor) (Transformation, error) {
	name, sources, params, err := Parse(d)
	if err != nil {
		return nil, err
	}
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTransformation, "%q in %s", name, d)
	}
	t, err := f(sources, params)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", d)
	}
	return t, nil
}
