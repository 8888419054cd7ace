// Package quota holds the generic tree-of-maps value used for EcoFlow quota
// (telemetry) data, together with the dotted-key flatten/unflatten transforms
// used by the cloud API.
package quota

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tree is a decoded JSON object. Nested objects are Tree or
// map[string]interface{}, arrays are []interface{}.
type Tree map[string]interface{}

// Pair is one flattened leaf.
type Pair struct {
	Key   string
	Value string
}

// Flatten walks the tree and returns one pair per leaf. Nested objects are
// joined with ".", array items are addressed with "[i]". Nil leaves are
// omitted. The result is sorted by key.
func Flatten(tree map[string]interface{}) []Pair {
	pairs := make([]Pair, 0, len(tree))
	for k, v := range tree {
		pairs = flattenValue(pairs, k, v)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Key < pairs[j].Key
	})
	return pairs
}

func flattenValue(pairs []Pair, prefix string, value interface{}) []Pair {
	switch v := value.(type) {
	case nil:
		return pairs
	case Tree:
		return flattenValue(pairs, prefix, map[string]interface{}(v))
	case map[string]interface{}:
		for k, nested := range v {
			pairs = flattenValue(pairs, prefix+"."+k, nested)
		}
	case []interface{}:
		for i, item := range v {
			pairs = flattenValue(pairs, prefix+"["+strconv.Itoa(i)+"]", item)
		}
	case []string:
		for i, item := range v {
			pairs = append(pairs, Pair{Key: prefix + "[" + strconv.Itoa(i) + "]", Value: item})
		}
	default:
		pairs = append(pairs, Pair{Key: prefix, Value: formatScalar(v)})
	}
	return pairs
}

func formatScalar(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Unflatten turns a flat map with dotted keys into a nested tree:
// {"a.b.c": 1, "a.b.d": 2} becomes {"a": {"b": {"c": 1, "d": 2}}}.
// Keys without dots are copied unchanged. When a key is both a leaf and a
// prefix of another key, the nested object wins. An object value under a
// prefix key is kept and extended by the dotted keys below it.
func Unflatten(flat map[string]interface{}) Tree {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := Tree{}
	for _, key := range keys {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			var child Tree
			switch existing := node[part].(type) {
			case Tree:
				child = existing
			case map[string]interface{}:
				child = Tree(existing).clone()
			default:
				child = Tree{}
			}
			node[part] = child
			node = child
		}
		last := parts[len(parts)-1]
		if _, isTree := node[last].(Tree); isTree {
			continue
		}
		node[last] = flat[key]
	}
	return out
}

func (t Tree) clone() Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Get looks up a dotted path such as "pd.soc".
func (t Tree) Get(path string) (interface{}, bool) {
	var node interface{} = map[string]interface{}(t)
	for _, part := range strings.Split(path, ".") {
		switch m := node.(type) {
		case Tree:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			node = v
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			node = v
		default:
			return nil, false
		}
	}
	return node, true
}

// Float returns the numeric value at path.
func (t Tree) Float(path string) (float64, bool) {
	v, ok := t.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
