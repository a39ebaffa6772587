package catalog

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"

	"github.com/mbd888/chadgate/internal/validation"
)

// Normalize checks payload against the tool's params and returns a copy with
// defaults filled in, strings sanitized and numbers as int64. Unknown fields
// are rejected. The error, if any, is validation.ValidationErrors.
func (t *Tool) Normalize(payload map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(t.Params))
	var errs validation.ValidationErrors

	known := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		known[p.Name] = true
	}
	for k := range payload {
		if !known[k] {
			errs = append(errs, validation.ValidationError{Field: k, Message: "unknown field"})
		}
	}

	for _, p := range t.Params {
		raw, present := payload[p.Name]
		if !present || raw == nil {
			if p.Required {
				errs = append(errs, validation.ValidationError{Field: p.Name, Message: "is required"})
				continue
			}
			if p.Default != nil {
				raw = p.Default
			} else {
				continue
			}
		}

		v, err := coerce(p, raw)
		if err != nil {
			errs = append(errs, validation.ValidationError{Field: p.Name, Message: err.Error()})
			continue
		}
		errs = append(errs, checkParam(p, v)...)
		out[p.Name] = v
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func coerce(p Param, raw any) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		s = validation.SanitizeString(s)
		if p.Upper {
			s = strings.ToUpper(s)
		}
		return s, nil
	case TypeInteger:
		switch n := raw.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("must be an integer")
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("must be an integer")
			}
			return i, nil
		}
		return nil, fmt.Errorf("must be an integer")
	case TypeBoolean:
		switch b := raw.(type) {
		case bool:
			return b, nil
		case string:
			v, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("must be a boolean")
			}
			return v, nil
		}
		return nil, fmt.Errorf("must be a boolean")
	}
	return nil, fmt.Errorf("unsupported type %q", p.Type)
}

func checkParam(p Param, v any) validation.ValidationErrors {
	var checks []func() *validation.ValidationError
	switch x := v.(type) {
	case string:
		if p.Required {
			checks = append(checks, validation.Required(p.Name, x))
		}
		if p.MaxLen > 0 {
			checks = append(checks, validation.LengthBetween(p.Name, x, p.MinLen, p.MaxLen))
		}
		if len(p.Enum) > 0 {
			checks = append(checks, validation.OneOf(p.Name, x, p.Enum...))
		}
		if p.URL {
			checks = append(checks, validation.PublicHTTPSURL(p.Name, x))
		}
	case int64:
		if p.Max > 0 {
			checks = append(checks, validation.IntBetween(p.Name, x, p.Min, p.Max))
		}
	}
	return validation.Validate(checks...)
}

// Upstream maps a normalized payload onto the backend request: path params
// are substituted into Path and the rest, plus Fixed, becomes the body.
// GET tools get a nil body.
func (t *Tool) Upstream(payload map[string]any) (path string, body map[string]any) {
	path = t.Path
	body = make(map[string]any, len(payload)+len(t.Fixed))
	for _, p := range t.Params {
		v, ok := payload[p.Name]
		if !ok {
			continue
		}
		if p.PathParam {
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(fmt.Sprint(v)))
			continue
		}
		body[p.Name] = v
	}
	maps.Copy(body, t.Fixed)
	if t.Method == "GET" {
		return path, nil
	}
	return path, body
}
