package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// normalizeMetadata returns m in the shape a reload from disk produces:
// integral numbers as int, other numbers as float64, objects as
// map[string]any and arrays as []any. Metadata is normalized on the way in
// so the in-memory record and the persisted one never differ in type.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return make(map[string]any), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not JSON encodable: %v", ErrInvalidInput, err)
	}
	var out map[string]any
	if err := decodeJSON(data, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}
	return normalizeValue(out).(map[string]any), nil
}

// decodeJSON decodes numbers in untyped values as json.Number.
func decodeJSON(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 0); err == nil {
			return int(i)
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeValue(e)
		}
		return x
	default:
		return v
	}
}

// normalizeLoadedMetadata fixes json.Number values in a decoded record.
func normalizeLoadedMetadata(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return normalizeValue(m).(map[string]any)
}

// storedTime drops the monotonic reading and the zone so a timestamp equals
// its decoded form.
func storedTime(t time.Time) time.Time {
	return t.Round(0).UTC()
}
