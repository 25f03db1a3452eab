package manifest

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"time"

	"github.com/crmarques/fabricsync/faults"
)

// NormalizeValue converts decoded YAML or JSON into the JSON-compatible
// shape used by unstructured objects: string-keyed maps, []any, int64,
// float64, bool, string and nil.
func NormalizeValue(value any) (any, error) {
	switch typed := value.(type) {
	case nil, bool, string:
		return typed, nil
	case float32:
		return normalizeFloat(float64(typed))
	case float64:
		return normalizeFloat(typed)
	case int:
		return int64(typed), nil
	case int8:
		return int64(typed), nil
	case int16:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case uint:
		return normalizeUint(uint64(typed))
	case uint8:
		return normalizeUint(uint64(typed))
	case uint16:
		return normalizeUint(uint64(typed))
	case uint32:
		return normalizeUint(uint64(typed))
	case uint64:
		return normalizeUint(typed)
	case json.Number:
		return normalizeJSONNumber(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339), nil
	case []any:
		return normalizeSlice(typed)
	case map[string]any:
		return normalizeStringMap(typed)
	}

	return normalizeReflectValue(value)
}

func normalizeObject(value map[string]any) (map[string]any, error) {
	return normalizeStringMap(value)
}

func normalizeFloat(value float64) (any, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, faults.Validation("manifest contains non-finite float", nil)
	}
	if value == math.Trunc(value) && math.Abs(value) < 1<<53 {
		return int64(value), nil
	}
	return value, nil
}

func normalizeUint(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, faults.Validation("manifest contains integer out of range", nil)
	}
	return int64(value), nil
}

func normalizeJSONNumber(value json.Number) (any, error) {
	if asInt, err := value.Int64(); err == nil {
		return asInt, nil
	}
	if asBig, ok := new(big.Int).SetString(value.String(), 10); ok {
		if asBig.IsInt64() {
			return asBig.Int64(), nil
		}
		return nil, faults.Validation("manifest contains integer out of range", nil)
	}

	asFloat, err := value.Float64()
	if err != nil {
		return nil, faults.Validation("manifest contains invalid number", err)
	}
	return normalizeFloat(asFloat)
}

func normalizeSlice(values []any) ([]any, error) {
	normalized := make([]any, len(values))
	for idx, item := range values {
		itemValue, err := NormalizeValue(item)
		if err != nil {
			return nil, err
		}
		normalized[idx] = itemValue
	}
	return normalized, nil
}

func normalizeStringMap(values map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(values))
	for key, value := range values {
		itemValue, err := NormalizeValue(value)
		if err != nil {
			return nil, err
		}
		normalized[key] = itemValue
	}
	return normalized, nil
}

func normalizeReflectValue(value any) (any, error) {
	reflectValue := reflect.ValueOf(value)
	switch reflectValue.Kind() {
	case reflect.Map:
		keys := reflectValue.MapKeys()
		stringKeys := make([]string, 0, len(keys))
		lookup := make(map[string]reflect.Value, len(keys))
		for _, key := range keys {
			raw := key.Interface()
			name, ok := raw.(string)
			if !ok {
				return nil, faults.Validation(fmt.Sprintf("manifest map key %v is not a string", raw), nil)
			}
			stringKeys = append(stringKeys, name)
			lookup[name] = key
		}
		sort.Strings(stringKeys)

		normalized := make(map[string]any, len(stringKeys))
		for _, key := range stringKeys {
			result, err := NormalizeValue(reflectValue.MapIndex(lookup[key]).Interface())
			if err != nil {
				return nil, err
			}
			normalized[key] = result
		}
		return normalized, nil
	case reflect.Slice, reflect.Array:
		length := reflectValue.Len()
		normalized := make([]any, length)
		for idx := range length {
			result, err := NormalizeValue(reflectValue.Index(idx).Interface())
			if err != nil {
				return nil, err
			}
			normalized[idx] = result
		}
		return normalized, nil
	default:
		return nil, faults.Validation(fmt.Sprintf("unsupported manifest value type %T", value), nil)
	}
}
