package form

import "handoff/internal/domain"

// FieldError records which parts of one field are in violation: the main
// value, extent values, or both.
type FieldError struct {
	Main    bool            `json:"main,omitempty"`
	Extents map[string]bool `json:"extents,omitempty"`
}

// StepErrors maps field name to violation detail. Absence of a field means
// no known violation, not "validated true".
type StepErrors map[string]FieldError

// ValidateStep checks one section's fields against the step's current value
// map. Pure: same inputs, same verdict. A field contributes an entry only
// when it has a main violation, an extent violation, or both.
func ValidateStep(sec domain.Section, values StepValues) StepErrors {
	errs := StepErrors{}
	for _, f := range Fields(sec) {
		v := values[f.Name]
		var fe FieldError
		if f.Required && IsEmpty(v.Main()) {
			fe.Main = true
		}
		if ExtentsApply(f, v) {
			for _, ext := range f.Extents {
				if ext.Required && IsEmpty(v.Extent(ext.Name)) {
					if fe.Extents == nil {
						fe.Extents = map[string]bool{}
					}
					fe.Extents[ext.Name] = true
				}
			}
		}
		if fe.Main || len(fe.Extents) > 0 {
			errs[f.Name] = fe
		}
	}
	return errs
}

// StepComplete applies the same emptiness and applicability rules as
// ValidateStep but collapses the result to a single boolean.
func StepComplete(sec domain.Section, values StepValues) bool {
	return len(ValidateStep(sec, values)) == 0
}

// SectionStatus computes the completeness of every step at once, in step
// order. Steps whose value maps are not yet initialized report false.
func SectionStatus(t domain.Template, values map[int]StepValues) []bool {
	keys := SectionKeys(t)
	out := make([]bool, len(keys))
	for i, k := range keys {
		out[i] = StepComplete(t.Sections[k], values[i])
	}
	return out
}
