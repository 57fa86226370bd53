package block

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"
	"unicode"
)

// StyleMap maps camelCase CSS properties to values.
type StyleMap map[string]string

// AttributeMap maps HTML attribute names to values.
type AttributeMap map[string]string

func (m StyleMap) Clone() StyleMap {
	out := make(StyleMap, len(m))
	maps.Copy(out, m)
	return out
}

func (m AttributeMap) Clone() AttributeMap {
	out := make(AttributeMap, len(m))
	maps.Copy(out, m)
	return out
}

// UnmarshalJSON accepts numeric and boolean values (stored documents often
// carry `"zIndex": 10`). Null entries are dropped.
func (m *StyleMap) UnmarshalJSON(data []byte) error {
	out, err := decodeLenientMap(data)
	if err != nil {
		return err
	}
	*m = out
	return nil
}

func (m *AttributeMap) UnmarshalJSON(data []byte) error {
	out, err := decodeLenientMap(data)
	if err != nil {
		return err
	}
	*m = out
	return nil
}

func decodeLenientMap(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			enc, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			out[k] = string(enc)
		}
	}
	return out, nil
}

// KebabToCamel turns "background-color" into "backgroundColor".
// Custom properties ("--gap") are returned unchanged.
func KebabToCamel(s string) string {
	if strings.HasPrefix(s, "--") || !strings.Contains(s, "-") {
		return s
	}
	var sb strings.Builder
	upper := false
	for _, r := range s {
		if r == '-' {
			upper = sb.Len() > 0
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CamelToKebab turns "backgroundColor" into "background-color".
func CamelToKebab(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
