package transport

import (
	"strconv"

	"github.com/pkg/errors"
)

// LookupValue walks path into a composite value. Maps are indexed by key and
// slices by decimal index. An empty path returns v itself.
func LookupValue(path []string, v interface{}) (interface{}, error) {
	cur := v
	for i, seg := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, errors.Wrapf(ErrPathNotFound, "no key %q at depth %d", seg, i)
			}
			cur = next
		case map[string]float64:
			next, ok := node[seg]
			if !ok {
				return nil, errors.Wrapf(ErrPathNotFound, "no key %q at depth %d", seg, i)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, errors.Wrapf(ErrPathNotFound, "bad index %q at depth %d", seg, i)
			}
			cur = node[idx]
		default:
			return nil, errors.Wrapf(ErrPathNotFound, "%T is not composite at depth %d", cur, i)
		}
	}
	return cur, nil
}
