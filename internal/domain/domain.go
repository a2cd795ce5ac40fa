package domain

import "strings"

// Assignment is one of the area assignments the user currently holds.
// PositionID keys the hand-off template, FacilityID scopes the incoming
// roster.
type Assignment struct {
	ID         string  `json:"id"`
	PositionID string  `json:"position_id"`
	FacilityID string  `json:"facility_id"`
	Position   string  `json:"position"`
	IsActive   bool    `json:"is_active"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	EndedAt    *string `json:"ended_at,omitempty" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	SignatureURL string `json:"signature_url,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type RosterEntry struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Template is the server-declared shape of one hand-off form: ordered
// sections, each holding grouped field definitions. Immutable once loaded.
type Template struct {
	Title       string             `json:"title" yaml:"title"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Sections    map[string]Section `json:"sections" yaml:"sections"`
}

type Section struct {
	Order       int     `json:"order" yaml:"order"`
	Title       string  `json:"title" yaml:"title"`
	Description string  `json:"description,omitempty" yaml:"description"`
	Icon        string  `json:"icon,omitempty" yaml:"icon"`
	Groups      []Group `json:"groups" yaml:"groups"`
}

type Group struct {
	Title  string            `json:"title" yaml:"title"`
	Fields []FieldDefinition `json:"fields" yaml:"fields"`
}

type FieldDefinition struct {
	Name           string             `json:"name" yaml:"name"`
	Type           string             `json:"type" yaml:"type"`
	Required       bool               `json:"required" yaml:"required"`
	Value          any                `json:"value,omitempty" yaml:"value"`
	Options        []string           `json:"options,omitempty" yaml:"options"`
	Extents        []ExtentDefinition `json:"extents,omitempty" yaml:"extents"`
	ExtentsTrigger *ExtentsTrigger    `json:"extents_trigger,omitempty" yaml:"extents_trigger"`
	ExtentsDefault any                `json:"extents_default,omitempty" yaml:"extents_default"`
}

// ExtentDefinition is a conditionally relevant sub-field nested under a
// parent field, applicable only while the parent's value matches the
// trigger set.
type ExtentDefinition struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required" yaml:"required"`
	Value    any    `json:"value,omitempty" yaml:"value"`
}

type ExtentsTrigger struct {
	Options []string `json:"options,omitempty" yaml:"options"`
}

// FieldSemantic tags the recognized special-case field behaviors used by
// initial value building. The set is closed on purpose: a field either
// matches one of these or gets plain template defaults.
type FieldSemantic int

const (
	SemanticGeneric FieldSemantic = iota
	SemanticSignature
	SemanticDate
	SemanticIncomingController
)

// Classify maps a field definition plus its enclosing group title to the
// semantic that governs its initial value.
func Classify(f FieldDefinition, groupTitle string) FieldSemantic {
	switch {
	case f.Type == "signature":
		return SemanticSignature
	case strings.Contains(strings.ToLower(f.Name), "incoming") && f.Type == "select" && IsIncomingGroup(groupTitle):
		return SemanticIncomingController
	case strings.Contains(strings.ToLower(f.Name), "date"):
		return SemanticDate
	default:
		return SemanticGeneric
	}
}

// IsIncomingGroup reports whether a group collects values from the relieving
// party rather than the outgoing one.
func IsIncomingGroup(title string) bool {
	return strings.Contains(strings.ToLower(title), "incoming")
}

// SavePayload is the wire shape handed to the value store: section key to
// cleaned group values. Absent fields are carried as empty strings so the
// payload shape stays stable across partial entry.
type SavePayload map[string]SectionPayload

type SectionPayload struct {
	Group map[string]any `json:"group"`
}

// SaveResult is the outcome of a terminal save. A successful transport
// response can still carry validation messages; they are presented verbatim.
type SaveResult struct {
	ValidationMessages []string `json:"validation_messages,omitempty"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	AssignmentID string `json:"assignment_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}
