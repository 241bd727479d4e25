package expressions

import (
	"encoding/json"
	"reflect"

	"github.com/tidwall/gjson"

	"github.com/rendis/opgraph/pkg/schema"
)

// PathMatcher evaluates gjson path predicates against the JSON form of a payload.
type PathMatcher struct{}

// Lookup returns the value at path, and whether it exists.
func (PathMatcher) Lookup(msg any, path string) (any, bool, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeExpression,
			"payload %T is not JSON-encodable: %s", msg, err.Error()).WithCause(err)
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false, nil
	}
	return res.Value(), true, nil
}

// Match reports whether the value at path equals want. A nil want matches any
// existing value. Numbers compare by value, so 3 and 3.0 are equal.
func (m PathMatcher) Match(msg any, path string, want any) (bool, error) {
	got, ok, err := m.Lookup(msg, path)
	if err != nil || !ok {
		return false, err
	}
	if want == nil {
		return true, nil
	}
	norm, err := ToJSONValue(want)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(got, norm), nil
}
