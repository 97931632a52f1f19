package channel

import (
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-json"

	"order-alert-pipeline/pkg/models"
)

// Sanitize flattens a payload to primitives: numbers, strings, bools, nil and
// lists/maps of those. Timestamps become Unix milliseconds and geographic
// points become {latitude, longitude} maps.
func Sanitize(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	case json.Number:
		return v.String()
	case time.Time:
		if v.IsZero() {
			return nil
		}
		return v.UnixMilli()
	case *time.Time:
		if v == nil {
			return nil
		}
		return sanitizeValue(*v)
	case models.GeoPoint:
		return map[string]any{"latitude": v.Latitude, "longitude": v.Longitude}
	case *models.GeoPoint:
		if v == nil {
			return nil
		}
		return sanitizeValue(*v)
	case map[string]any:
		return Sanitize(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	}

	return sanitizeReflect(reflect.ValueOf(value))
}

func sanitizeReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitizeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitizeValue(iter.Value().Interface())
		}
		return out
	case reflect.Struct:
		// Structs go through their JSON form, then get sanitized again.
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return fmt.Sprint(rv.Interface())
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Sprint(rv.Interface())
		}
		return sanitizeValue(decoded)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	default:
		return fmt.Sprint(rv.Interface())
	}
}
