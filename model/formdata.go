package model

import (
	"encoding/json"
	"fmt"
)

// FormData is the open key/value bag collected while a workflow runs. Values
// are decoded JSON values: nil, bool, float64, string, []any or map[string]any.
type FormData map[string]any

// Merge returns a new FormData holding every key of f, overwritten by the
// same-named keys of partial. Unrelated keys are preserved.
func (f FormData) Merge(partial FormData) FormData {
	out := make(FormData, len(f)+len(partial))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// MergeInto returns a new FormData where the object stored under key is
// shallow-merged with data. A missing or non-object value under key is
// replaced by a copy of data.
func (f FormData) MergeInto(key string, data FormData) FormData {
	nested := FormData{}
	if existing, ok := f[key].(map[string]any); ok {
		nested = FormData(existing).Merge(nil)
	} else if existing, ok := f[key].(FormData); ok {
		nested = existing.Merge(nil)
	}
	out := f.Merge(nil)
	out[key] = map[string]any(nested.Merge(data))
	return out
}

// Object returns the value under key as a map, or nil when the key is
// missing or holds a non-object value.
func (f FormData) Object(key string) map[string]any {
	switch v := f[key].(type) {
	case map[string]any:
		return v
	case FormData:
		return v
	}
	return nil
}

// FormDataFromJSON decodes a JSON object into FormData.
func FormDataFromJSON(raw []byte) (FormData, error) {
	if len(raw) == 0 {
		return FormData{}, nil
	}
	var f FormData
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode form data: %w", err)
	}
	if f == nil {
		f = FormData{}
	}
	return f, nil
}
