// Typed decoding of materialized entities.
// Provides compile-time type safety over the map-shaped views Get returns.

package store

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// DecodeEntity decodes a materialized entity into a typed struct.
// Fields map by struct tag, `bifrost:"label"` first, then `json:"label"`,
// then the lowercased field name. Nested links decode into struct or
// struct-slice fields.
//
// Usage:
//
//	type Todo struct {
//	    ID    string `json:"id"`
//	    Title string `json:"title"`
//	    Done  bool   `json:"done"`
//	}
//	todo, err := store.DecodeEntity[Todo](ent)
func DecodeEntity[T any](ent Entity) (T, error) {
	var decoded T
	if err := decodeMap(ent, reflect.ValueOf(&decoded).Elem()); err != nil {
		return decoded, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return decoded, nil
}

// DecodeEntities decodes a result list into typed structs. Entities that
// fail to decode are skipped rather than failing the list; a live stream
// must survive one malformed record.
func DecodeEntities[T any](ents []Entity) []T {
	out := make([]T, 0, len(ents))
	for _, ent := range ents {
		decoded, err := DecodeEntity[T](ent)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out
}

// fieldLabel resolves the label a struct field binds to.
// Checks the bifrost tag first, then json, then the lowercased field name.
func fieldLabel(field reflect.StructField) string {
	name := field.Tag.Get("bifrost")
	if name == "" {
		name = field.Tag.Get("json")
		if name != "" {
			// Handle json tags with options like `json:"name,omitempty"`
			if idx := strings.Index(name, ","); idx != -1 {
				name = name[:idx]
			}
		}
	}
	if name == "" || name == "-" {
		name = strings.ToLower(field.Name)
	}
	return name
}

// decodeMap decodes a label→value map into a struct
func decodeMap(m map[string]any, destElem reflect.Value) error {
	if destElem.Kind() != reflect.Struct {
		return fmt.Errorf("unsupported destination type: %v", destElem.Kind())
	}
	destType := destElem.Type()

	for i := 0; i < destType.NumField(); i++ {
		field := destType.Field(i)
		fieldVal := destElem.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		name := fieldLabel(field)

		val, ok := m[name]
		if !ok {
			val, ok = m[strings.ToLower(name)]
		}
		if !ok {
			val, ok = m[field.Name]
		}
		if !ok {
			continue
		}

		if err := assignValue(fieldVal, val); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}

	return nil
}

// assignValue assigns a value to a reflect.Value with type conversion
func assignValue(field reflect.Value, val any) error {
	if val == nil {
		return nil
	}

	valReflect := reflect.ValueOf(val)

	// Handle time.Time specially
	if field.Type() == reflect.TypeOf(time.Time{}) {
		switch v := val.(type) {
		case time.Time:
			field.Set(reflect.ValueOf(v))
			return nil
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				t, err = time.Parse("2006-01-02 15:04:05", v)
			}
			if err != nil {
				return fmt.Errorf("cannot parse time: %v", v)
			}
			field.Set(reflect.ValueOf(t))
			return nil
		case float64:
			// Write stamps travel as unix milliseconds.
			field.Set(reflect.ValueOf(time.UnixMilli(int64(v))))
			return nil
		case int64:
			field.Set(reflect.ValueOf(time.UnixMilli(v)))
			return nil
		}
	}

	// Nested entities decode into struct or *struct fields
	if m, ok := toMap(val); ok {
		switch field.Kind() {
		case reflect.Struct:
			return decodeMap(m, field)
		case reflect.Ptr:
			if field.Type().Elem().Kind() == reflect.Struct {
				ptr := reflect.New(field.Type().Elem())
				if err := decodeMap(m, ptr.Elem()); err != nil {
					return err
				}
				field.Set(ptr)
				return nil
			}
		case reflect.Map:
			if field.Type() == reflect.TypeOf(map[string]any{}) {
				field.Set(reflect.ValueOf(map[string]any(m)))
				return nil
			}
		}
	}

	// Direct assignment if types match
	if valReflect.Type().AssignableTo(field.Type()) {
		field.Set(valReflect)
		return nil
	}

	// Numeric and slice conversions
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := val.(type) {
		case float64:
			field.SetInt(int64(v))
			return nil
		case float32:
			field.SetInt(int64(v))
			return nil
		case int:
			field.SetInt(int64(v))
			return nil
		case int64:
			field.SetInt(v)
			return nil
		}
	case reflect.Float32, reflect.Float64:
		switch v := val.(type) {
		case int:
			field.SetFloat(float64(v))
			return nil
		case int64:
			field.SetFloat(float64(v))
			return nil
		case float64:
			field.SetFloat(v)
			return nil
		case float32:
			field.SetFloat(float64(v))
			return nil
		}
	case reflect.String:
		if s, ok := val.(string); ok {
			field.SetString(s)
			return nil
		}
	case reflect.Bool:
		if b, ok := val.(bool); ok {
			field.SetBool(b)
			return nil
		}
	case reflect.Slice:
		if valReflect.Kind() == reflect.Slice {
			newSlice := reflect.MakeSlice(field.Type(), valReflect.Len(), valReflect.Len())
			for i := 0; i < valReflect.Len(); i++ {
				if err := assignValue(newSlice.Index(i), valReflect.Index(i).Interface()); err != nil {
					return err
				}
			}
			field.Set(newSlice)
			return nil
		}
	}

	// Last resort conversion for convertible types
	if valReflect.Type().ConvertibleTo(field.Type()) {
		field.Set(valReflect.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("cannot assign %T to %v", val, field.Type())
}

// toMap unwraps the map shapes a materialized value can carry.
func toMap(val any) (map[string]any, bool) {
	switch m := val.(type) {
	case Entity:
		return m, true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}
