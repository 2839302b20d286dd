package subscription

import (
	"sync"

	"github.com/twitter/mbeanwatch/mri"
)

// ValueFilter reports whether a sampled value should be delivered.
type ValueFilter func(value interface{}) bool

// NonNegative drops negative numbers. The JVM reports -1 for CPU load until it
// has enough history to compute it.
func NonNegative(value interface{}) bool {
	switch v := value.(type) {
	case float64:
		return v >= 0
	case float32:
		return v >= 0
	case int:
		return v >= 0
	case int32:
		return v >= 0
	case int64:
		return v >= 0
	}
	return true
}

// FilterTable resolves the value filter of a descriptor the same way PolicyTable resolves policies.
type FilterTable struct {
	mu          sync.RWMutex
	byDesc      map[mri.Descriptor]ValueFilter
	byAttribute map[string]ValueFilter
}

// NewFilterTable returns a table preloaded with the CPU load filters.
func NewFilterTable() *FilterTable {
	t := &FilterTable{
		byDesc:      make(map[mri.Descriptor]ValueFilter),
		byAttribute: make(map[string]ValueFilter),
	}
	for _, name := range []string{"ProcessCpuLoad", "SystemCpuLoad", "CpuLoad"} {
		t.byAttribute[name] = NonNegative
	}
	return t
}

func (t *FilterTable) Set(d mri.Descriptor, f ValueFilter) {
	t.mu.Lock()
	t.byDesc[d] = f
	t.mu.Unlock()
}

func (t *FilterTable) SetForAttribute(name string, f ValueFilter) {
	t.mu.Lock()
	t.byAttribute[name] = f
	t.mu.Unlock()
}

// Lookup returns nil when no filter applies.
func (t *FilterTable) Lookup(d mri.Descriptor) ValueFilter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if f, ok := t.byDesc[d]; ok {
		return f
	}
	if d.Kind != mri.Attribute {
		return nil
	}
	return t.byAttribute[d.AttributeName()]
}
