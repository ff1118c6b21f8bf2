// Package util holds small helpers shared across packages.
package util

import (
	"reflect"
	"strings"
)

// CreateSchema derives a JSON schema object from the exported fields of a
// struct. Property names follow the json tag and a description tag becomes
// the property description. A field is required unless it is a pointer or
// tagged omitempty. Argument validation against the result happens in the
// tool registry, not here.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	properties := map[string]any{}
	schema := map[string]any{"type": "object", "properties": properties}
	if t == nil || t.Kind() != reflect.Struct {
		return schema
	}

	var required []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, optional := parseJSONTag(field)
		if name == "" {
			continue
		}

		prop := map[string]any{"type": schemaType(field.Type)}
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		properties[name] = prop

		if !optional && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// parseJSONTag returns the effective property name and whether the field is
// optional via omitempty. A "-" tag hides the field entirely.
func parseJSONTag(field reflect.StructField) (name string, optional bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name = field.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			return name, true
		}
	}
	return name, false
}

// schemaType maps a Go type onto its JSON schema type name.
func schemaType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Ptr:
		return schemaType(t.Elem())
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}
