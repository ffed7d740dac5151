package stream

import "reflect"

// Diff returns the fields of after that differ from before. Fields present in
// before but missing from after are reported as nil. It returns nil when
// nothing changed.
func Diff(before, after map[string]any) map[string]any {
	var changed map[string]any
	set := func(k string, v any) {
		if changed == nil {
			changed = make(map[string]any)
		}
		changed[k] = v
	}

	for k, v := range after {
		old, ok := before[k]
		if !ok || !reflect.DeepEqual(old, v) {
			set(k, v)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			set(k, nil)
		}
	}
	return changed
}
