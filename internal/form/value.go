package form

import (
	"sort"

	"handoff/internal/domain"
)

// Keys reserved inside a field's value object. Everything else in the map is
// an extent value keyed by extent name.
const (
	ValueKey   = "value"
	OptionsKey = "options"
	// NoChangesKey is the "nothing changed here" convenience marker; it is
	// dropped during group cleaning and never persisted.
	NoChangesKey = "noChanges"
)

// Value is the runtime value object of one field: the main value, any extent
// values keyed by extent name, and a dynamic options list when the field's
// choices are fetched per assignment rather than declared by the template.
type Value map[string]any

func (v Value) Main() any {
	if v == nil {
		return nil
	}
	return v[ValueKey]
}

func (v Value) Extent(name string) any {
	if v == nil {
		return nil
	}
	return v[name]
}

// StepValues holds one step's values keyed by field name.
type StepValues map[string]Value

// IsEmpty reports whether a main or extent value counts as missing for
// requiredness: nil, empty string or empty list.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// SectionKeys returns a template's section keys in step order. Ties on the
// declared order fall back to key order so the step list is deterministic.
func SectionKeys(t domain.Template) []string {
	keys := make([]string, 0, len(t.Sections))
	for k := range t.Sections {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := t.Sections[keys[i]], t.Sections[keys[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return keys[i] < keys[j]
	})
	return keys
}

// SectionAt resolves the section backing a step index.
func SectionAt(t domain.Template, step int) (domain.Section, string, bool) {
	keys := SectionKeys(t)
	if step < 0 || step >= len(keys) {
		return domain.Section{}, "", false
	}
	return t.Sections[keys[step]], keys[step], true
}

// Fields flattens a section's grouped field definitions in declaration order.
func Fields(sec domain.Section) []domain.FieldDefinition {
	var out []domain.FieldDefinition
	for _, g := range sec.Groups {
		out = append(out, g.Fields...)
	}
	return out
}

// GroupTitles maps each field name in a section to its enclosing group title.
func GroupTitles(sec domain.Section) map[string]string {
	out := map[string]string{}
	for _, g := range sec.Groups {
		for _, f := range g.Fields {
			out[f.Name] = g.Title
		}
	}
	return out
}
