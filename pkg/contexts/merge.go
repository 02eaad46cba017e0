// Package contexts implements the four-tier context hierarchy: resolution
// with inheritance, delegation of patterns between tiers, and the
// invalidation-aware resolution cache.
package contexts

import (
	"encoding/json"
	"fmt"

	"github.com/taskhub/taskhub/pkg/models"
)

// Merge combines a parent document with a child document. Child scalars
// replace parent scalars at the same key, maps merge recursively, and lists
// concatenate with parent elements first and duplicates removed. Neither
// input is mutated; the result shares no containers with either.
func Merge(parent, child map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(parent)+len(child))
	for k, v := range parent {
		out[k] = deepCopy(v)
	}
	for k, cv := range child {
		pv, exists := out[k]
		if !exists {
			out[k] = deepCopy(cv)
			continue
		}
		if pm, ok := asMap(pv); ok {
			if cm, ok := asMap(cv); ok {
				out[k] = Merge(pm, cm)
				continue
			}
		}
		if pl, ok := asList(pv); ok {
			if cl, ok := asList(cv); ok {
				out[k] = mergeLists(pl, cl)
				continue
			}
		}
		out[k] = deepCopy(cv)
	}
	return out
}

func mergeLists(parent, child []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(parent)+len(child))
	out := make([]interface{}, 0, len(parent)+len(child))
	for _, l := range [][]interface{}{parent, child} {
		for _, v := range l {
			id := canonical(v)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, deepCopy(v))
		}
	}
	return out
}

// canonical returns a stable identity for list deduplication. JSON
// marshalling sorts map keys, so equal documents compare equal regardless
// of insertion order.
func canonical(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case models.JSONMap:
		return m, true
	}
	return nil, false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func deepCopy(v interface{}) interface{} {
	if m, ok := asMap(v); ok {
		out := make(map[string]interface{}, len(m))
		for k, mv := range m {
			out[k] = deepCopy(mv)
		}
		return out
	}
	if l, ok := asList(v); ok {
		out := make([]interface{}, len(l))
		for i, lv := range l {
			out[i] = deepCopy(lv)
		}
		return out
	}
	return v
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return deepCopy(m).(map[string]interface{})
}
