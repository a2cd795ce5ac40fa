package form

import (
	"encoding/json"

	"handoff/internal/domain"
)

// CleanValue copies a value object minus the "no changes" marker. All other
// keys, extents and dynamic options included, pass through intact.
func CleanValue(v Value) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		if k == NoChangesKey {
			continue
		}
		out[k] = val
	}
	return out
}

// BuildPayload serializes every step's cleaned groups, merged by section
// key. Fields with no value object yet serialize as empty string so the
// payload keeps a stable shape across partial entry.
func BuildPayload(t domain.Template, values map[int]StepValues) domain.SavePayload {
	payload := domain.SavePayload{}
	for i, key := range SectionKeys(t) {
		sec := t.Sections[key]
		group := map[string]any{}
		stepVals := values[i]
		for _, f := range Fields(sec) {
			if v, ok := stepVals[f.Name]; ok {
				group[f.Name] = CleanValue(v)
			} else {
				group[f.Name] = ""
			}
		}
		payload[key] = domain.SectionPayload{Group: group}
	}
	return payload
}

// EncodePayload renders a payload to its canonical serialized form, used for
// snapshot comparison by the autosave path. Map keys marshal sorted, so the
// encoding is deterministic.
func EncodePayload(p domain.SavePayload) string {
	b, _ := json.Marshal(p)
	return string(b)
}
