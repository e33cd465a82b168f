package device

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Snapshot is the raw object one vendor endpoint returned for one device.
type Snapshot map[string]any

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// number reads a JSON number or numeric string. Empty strings, other types,
// NaN and infinities report false.
func number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func integer(v any) (int, bool) {
	f, ok := number(v)
	if !ok {
		return 0, false
	}
	return int(math.Trunc(f)), true
}

func intOr(v any, fallback int) int {
	if n, ok := integer(v); ok {
		return n
	}
	return fallback
}

func boolean(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "on", "yes":
			return true, true
		case "false", "0", "off", "no":
			return false, true
		}
	}
	return false, false
}

// percent parses "42", 42 or "42 %" and rejects values outside [0, 100].
func percent(v any) (int, bool) {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	}
	n, ok := integer(v)
	if !ok || n < 0 || n > 100 {
		return 0, false
	}
	return n, true
}

// signalPercent rescales the vendor 0-5 quality scale to 0-100.
func signalPercent(v any) int {
	raw, ok := number(v)
	if !ok {
		return 0
	}
	pct := math.Round(raw / 5 * 100)
	return int(math.Max(0, math.Min(100, pct)))
}

func object(v any) Snapshot {
	switch t := v.(type) {
	case map[string]any:
		return t
	case Snapshot:
		return t
	}
	return nil
}

func objects(v any) []Snapshot {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Snapshot, 0, len(raw))
	for _, entry := range raw {
		if obj := object(entry); obj != nil {
			out = append(out, obj)
		}
	}
	return out
}
