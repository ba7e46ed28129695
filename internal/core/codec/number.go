package codec

import (
	"math"
	"strconv"

	json "github.com/goccy/go-json"
)

// Decoded payloads carry integers as int64 (uint64 only above MaxInt64) and
// other numbers as float64, whichever codec produced them. JSON has no integer
// width, so this is the only form that survives a hybrid rewrite unchanged.

func canonicalPayload(payload map[string]any) (map[string]any, error) {
	for k, v := range payload {
		c, err := canonicalValue(v)
		if err != nil {
			return nil, err
		}
		payload[k] = c
	}
	return payload, nil
}

func canonicalValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		return canonicalPayload(t)
	case []any:
		for i, e := range t {
			c, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	case json.Number:
		return jsonNumber(t)
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return unsigned(uint64(t)), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return unsigned(t), nil
	case float32:
		return float64(t), nil
	default:
		return v, nil
	}
}

func unsigned(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func jsonNumber(n json.Number) (any, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, nil
	}
	return strconv.ParseFloat(s, 64)
}
