package store

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/tidwall/gjson"
)

// Extractor returns the value of one declared field of an entity. The second
// return value is false when the entity has no value for the field.
type Extractor func(entity any) (any, bool)

// Schema declares the indexed fields of one entity type.
//
// Every field listed here is written to the secondary index on save and is
// addressable by Filter and SortKey. Fields not declared here always read as
// nil.
type Schema struct {
	// Type is the entity type name.
	Type string

	// Fields maps field name to its extractor.
	Fields map[string]Extractor

	// DefaultTTL applies to saves without an explicit WithTTL. 0 means never expire.
	DefaultTTL time.Duration
}

// field extracts name from entity, treating unknown fields as missing.
func (s *Schema) field(entity any, name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	extract, ok := s.Fields[name]
	if !ok || extract == nil {
		return nil, false
	}
	v, ok := extract(entity)
	if !ok {
		return nil, false
	}
	return v, true
}

// FieldFunc adapts a typed accessor into an Extractor. Entities of any other
// type, and nil results, report the field as missing.
//
// Example:
//
//	store.Schema{
//	    Type:   "Todo",
//	    Fields: map[string]store.Extractor{
//	        "owner": store.FieldFunc(func(t *Todo) any { return t.Owner }),
//	    },
//	}
func FieldFunc[T any](fn func(T) any) Extractor {
	return func(entity any) (any, bool) {
		typed, ok := entity.(T)
		if !ok {
			return nil, false
		}
		v := fn(typed)
		return v, !isNil(v)
	}
}

// isNil reports whether v is nil or a typed nil (pointer, slice, map).
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// JSONDocument is implemented by entities that carry a JSON encoding of
// themselves, such as persisted state snapshots.
type JSONDocument interface {
	JSONBytes() []byte
}

// JSONField returns an Extractor reading a gjson path from JSON-bearing
// entities ([]byte, json.RawMessage, string or JSONDocument). Numbers are
// returned as float64, objects and arrays as their decoded Go values.
func JSONField(path string) Extractor {
	return func(entity any) (any, bool) {
		var raw []byte
		switch e := entity.(type) {
		case JSONDocument:
			raw = e.JSONBytes()
		case json.RawMessage:
			raw = e
		case []byte:
			raw = e
		case string:
			raw = []byte(e)
		default:
			return nil, false
		}

		res := gjson.GetBytes(raw, path)
		if !res.Exists() {
			return nil, false
		}
		switch res.Type {
		case gjson.Null:
			return nil, false
		case gjson.Number:
			return res.Num, true
		case gjson.String:
			return res.Str, true
		case gjson.True, gjson.False:
			return res.Bool(), true
		default:
			return res.Value(), true
		}
	}
}
