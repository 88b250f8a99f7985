package model

import (
	"encoding/json"
	"fmt"
)

// Object is the decoded form of a self-describing JSON object.
type Object = map[string]any

// CanonicalJSON encodes v with sorted map keys. Two values are considered the
// same model object iff their canonical encodings are equal.
func CanonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("!%v", err)
	}
	return string(b)
}

// ToObject round-trips v through encoding/json to obtain its generic form.
func ToObject(v any) (Object, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Object
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StringField returns the required string property field of obj.
func StringField(obj Object, kind, field string) (string, error) {
	v, ok := obj[field]
	if !ok {
		return "", &DeserialisationError{Kind: kind, Field: field}
	}
	s, ok := v.(string)
	if !ok {
		return "", &DeserialisationError{Kind: kind, Field: field, Err: fmt.Errorf("want string, got %T", v)}
	}
	return s, nil
}

// OptStringField returns the string property field of obj, or "" if it is
// absent or null.
func OptStringField(obj Object, field string) string {
	s, _ := obj[field].(string)
	return s
}

// ObjectField returns the required object property field of obj.
func ObjectField(obj Object, kind, field string) (Object, error) {
	v, ok := obj[field]
	if !ok || v == nil {
		return nil, &DeserialisationError{Kind: kind, Field: field}
	}
	o, ok := v.(map[string]any)
	if !ok {
		return nil, &DeserialisationError{Kind: kind, Field: field, Err: fmt.Errorf("want object, got %T", v)}
	}
	return o, nil
}

// BoolField returns the boolean property field of obj, or def if absent.
func BoolField(obj Object, field string, def bool) bool {
	if b, ok := obj[field].(bool); ok {
		return b
	}
	return def
}

// IntField returns the numeric property field of obj as an int, or def if
// absent.
func IntField(obj Object, field string, def int) int {
	switch n := obj[field].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

// StringsField returns the string-list property field of obj, or def if
// absent.
func StringsField(obj Object, field string, def []string) []string {
	raw, ok := obj[field].([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
