package northtracker

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Response is the vendor envelope `{"success": bool, "data": ...}`.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals the data portion into v.
func (r Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Data)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Object returns the data portion as a generic object. Anything that is not
// a JSON object yields an empty map.
func (r Response) Object() map[string]any {
	out := map[string]any{}
	if err := r.Decode(&out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// List returns data[key] as a list of objects, skipping non-object entries.
func (r Response) List(key string) []map[string]any {
	raw, ok := r.Object()[key].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if obj, ok := entry.(map[string]any); ok {
			items = append(items, obj)
		}
	}
	return items
}

// UnitID is the vendor-assigned unit identifier. The vendor uses integers,
// but string identifiers are accepted and passed through unchanged.
type UnitID string

// MarshalJSON emits numeric identifiers as JSON numbers.
func (id UnitID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// ParseUnitID normalizes a raw JSON value (number or string) into a UnitID.
// Empty and zero values yield "".
func ParseUnitID(raw any) UnitID {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		v = strings.TrimSpace(v)
		if v == "0" {
			return ""
		}
		return UnitID(v)
	case float64:
		if v == 0 {
			return ""
		}
		if v == math.Trunc(v) {
			return UnitID(strconv.FormatInt(int64(v), 10))
		}
		return UnitID(strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		if v == 0 {
			return ""
		}
		return UnitID(strconv.Itoa(v))
	case int64:
		if v == 0 {
			return ""
		}
		return UnitID(strconv.FormatInt(v, 10))
	case json.Number:
		return ParseUnitID(v.String())
	default:
		return ""
	}
}
