package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpContains  Operator = "contains"
	OpStarts    Operator = "starts_with"
	OpEnds      Operator = "ends_with"
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
)

// Filter is a single-field predicate. Filters in a query are ANDed.
// A filter with an unknown operator matches nothing.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// SortKey orders query results by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// QueryOptions configures Query. The pipeline is filter, total count, sort,
// then offset/limit.
type QueryOptions struct {
	Filters []Filter
	Sort    []SortKey

	// Offset skips that many matching records.
	Offset int

	// Limit caps the page size. 0 returns every record after Offset.
	Limit int

	// IncludeTotal populates QueryResult.TotalCount.
	IncludeTotal bool
}

// QueryResult is one page of a query.
type QueryResult struct {
	Records []*Record

	// TotalCount is the number of matches before pagination, or -1 when
	// IncludeTotal was not requested.
	TotalCount int

	// HasMore is true when the page is exactly Limit records long. It is a
	// heuristic: a full final page also reports true.
	HasMore bool

	QueryTime time.Duration
}

// Where is shorthand for building a Filter.
func Where(field string, op Operator, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

func matchesAll(schema *Schema, entity any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(schema, entity, f) {
			return false
		}
	}
	return true
}

func matches(schema *Schema, entity any, f Filter) bool {
	v, ok := schema.field(entity, f.Field)
	if !ok {
		v = nil
	}

	switch f.Op {
	case OpIsNull:
		return v == nil
	case OpIsNotNull:
		return v != nil
	case OpEq:
		return valuesEqual(v, f.Value)
	case OpNe:
		return !valuesEqual(v, f.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if v == nil || f.Value == nil {
			return false
		}
		c := compareValues(v, f.Value)
		switch f.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpIn:
		return containsValue(toSlice(f.Value), v)
	case OpNotIn:
		return !containsValue(toSlice(f.Value), v)
	case OpContains:
		switch hay := v.(type) {
		case string:
			needle, ok := f.Value.(string)
			return ok && strings.Contains(hay, needle)
		case nil:
			return false
		default:
			return containsValue(toSlice(hay), f.Value)
		}
	case OpStarts:
		s, ok1 := v.(string)
		p, ok2 := f.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, p)
	case OpEnds:
		s, ok1 := v.(string)
		p, ok2 := f.Value.(string)
		return ok1 && ok2 && strings.HasSuffix(s, p)
	default:
		return false
	}
}

// sortRecords orders records by keys. The base order is creation time then id
// so that results are deterministic before any key is applied.
func sortRecords(schema *Schema, records []*Record, keys []SortKey) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		for _, k := range keys {
			av, _ := schema.field(a.Entity, k.Field)
			bv, _ := schema.field(b.Entity, k.Field)
			c := compareValues(av, bv)
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func paginate(records []*Record, offset, limit int) []*Record {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []*Record{}
	}
	end := len(records)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return records[offset:end]
}

// compareValues orders two field values. nil sorts before every other value.
// Numbers compare numerically, strings lexically, times chronologically and
// false before true; mixed kinds fall back to their string forms.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compareValues(a, b) == 0
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if valuesEqual(candidate, v) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []int:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []int64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []bool:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	default:
		return []any{v}
	}
}

// indexKey renders "field:value" for the secondary index. Numbers share one
// rendering regardless of their Go type so that 5 and int64(5) index together.
func indexKey(field string, v any) string {
	if f, ok := toFloat(v); ok {
		return field + ":" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	if t, ok := v.(time.Time); ok {
		return field + ":" + t.UTC().Format(time.RFC3339Nano)
	}
	return field + ":" + fmt.Sprint(v)
}

// indexable reports whether an equality filter value can be answered from the
// secondary index without changing query semantics.
func indexable(v any) bool {
	if _, ok := toFloat(v); ok {
		return true
	}
	switch v.(type) {
	case string, bool:
		return true
	}
	return false
}
