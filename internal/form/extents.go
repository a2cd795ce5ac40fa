package form

import (
	"strings"

	"handoff/internal/domain"
)

// ExtentsApply decides whether a field's extent sub-fields are currently
// relevant. No extents means nothing to evaluate; an absent or empty trigger
// means the extents always apply; otherwise the field's current value is
// matched case-insensitively against the trigger set, any-element-wise when
// the value is a list.
func ExtentsApply(f domain.FieldDefinition, v Value) bool {
	if len(f.Extents) == 0 {
		return false
	}
	if f.ExtentsTrigger == nil || len(f.ExtentsTrigger.Options) == 0 {
		return true
	}
	switch val := v.Main().(type) {
	case []string:
		for _, item := range val {
			if inTrigger(f.ExtentsTrigger.Options, item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok && inTrigger(f.ExtentsTrigger.Options, s) {
				return true
			}
		}
	case string:
		return inTrigger(f.ExtentsTrigger.Options, val)
	}
	return false
}

func inTrigger(options []string, v string) bool {
	for _, opt := range options {
		if strings.EqualFold(opt, v) {
			return true
		}
	}
	return false
}
