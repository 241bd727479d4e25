package expressions

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rendis/opgraph/pkg/schema"
)

// Render resolves ${{msg}} and ${{msg.<path>}} references in tmpl against
// the payload. Paths use gjson syntax. Strings are inserted raw, other
// values as compact JSON.
func Render(tmpl string, msg any) (string, error) {
	if !strings.Contains(tmpl, "${{") {
		return tmpl, nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExpression, "payload %T is not JSON-encodable: %s", msg, err.Error()).
			WithCause(err)
	}
	doc := gjson.ParseBytes(raw)

	var out strings.Builder
	out.Grow(len(tmpl))
	rest := tmpl
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:idx])
		rest = rest[idx+3:]

		end := strings.Index(rest, "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ reference")
		}
		ref := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression, "nested ${{ reference")
		}
		val, err := resolveRef(doc, ref)
		if err != nil {
			return "", err
		}
		out.WriteString(val)
	}
}

func resolveRef(doc gjson.Result, ref string) (string, error) {
	var res gjson.Result
	switch {
	case ref == "msg":
		res = doc
	case strings.HasPrefix(ref, "msg."):
		res = doc.Get(strings.TrimPrefix(ref, "msg."))
	default:
		return "", schema.NewErrorf(schema.ErrCodeExpression, "unknown reference %q: only msg is in scope", ref)
	}
	if !res.Exists() {
		return "", schema.NewErrorf(schema.ErrCodeExpression, "reference %q not found in message", ref)
	}
	if res.Type == gjson.String {
		return res.Str, nil
	}
	return res.Raw, nil
}
