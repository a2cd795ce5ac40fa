package server

import (
	"encoding/json"

	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/form"
)

// Request payloads

type DevLoginRequest struct {
	Username string `json:"username"`
}

type StartAssignmentRequest struct {
	ID         *string `json:"id,omitempty"`
	PositionID string  `json:"position_id"`
	Position   string  `json:"position"`
}

type SetActiveRequest struct {
	AssignmentID string `json:"assignment_id"`
}

type SetStepRequest struct {
	Step int `json:"step"`
}

type SetValueRequest struct {
	Field string `json:"field"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	SignatureURL string `json:"signature_url,omitempty"`
}

type AssignmentResponse struct {
	ID         string  `json:"id"`
	PositionID string  `json:"position_id"`
	FacilityID string  `json:"facility_id"`
	Position   string  `json:"position"`
	IsActive   bool    `json:"is_active"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
}

type AssignmentListResponse struct {
	Items    []AssignmentResponse `json:"items"`
	ActiveID string               `json:"active_id,omitempty"`
}

type StepStatusResponse struct {
	Visited  bool `json:"visited"`
	Complete bool `json:"complete"`
}

type SessionStateResponse struct {
	ActiveID   string                        `json:"active_id,omitempty"`
	Step       int                           `json:"step"`
	ShowErrors bool                          `json:"show_errors"`
	Statuses   map[string][]bool             `json:"statuses"`
	Steps      map[string][]StepStatusResponse `json:"steps"`
}

type FieldErrorResponse struct {
	Main    bool            `json:"main"`
	Extents map[string]bool `json:"extents,omitempty"`
}

type StepValuesResponse struct {
	AssignmentID string                    `json:"assignment_id"`
	Step         int                       `json:"step"`
	Values       map[string]map[string]any `json:"values"`
	Errors       map[string]FieldErrorResponse `json:"errors"`
	CanSave      bool                      `json:"can_save"`
}

type SaveResponse struct {
	Saved              bool     `json:"saved"`
	ValidationMessages []string `json:"validation_messages"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:         a.ID,
		PositionID: a.PositionID,
		FacilityID: a.FacilityID,
		Position:   a.Position,
		IsActive:   a.IsActive,
		StartedAt:  a.StartedAt,
		EndedAt:    a.EndedAt,
	}
}

func stepStatusResponses(in []engine.StepStatus) []StepStatusResponse {
	out := make([]StepStatusResponse, 0, len(in))
	for _, s := range in {
		out = append(out, StepStatusResponse{Visited: s.Visited, Complete: s.Complete})
	}
	return out
}

func stepValuesResponse(values form.StepValues) map[string]map[string]any {
	out := make(map[string]map[string]any, len(values))
	for field, v := range values {
		out[field] = map[string]any(v)
	}
	return out
}

func stepErrorsResponse(errs form.StepErrors) map[string]FieldErrorResponse {
	out := make(map[string]FieldErrorResponse, len(errs))
	for field, fe := range errs {
		out[field] = FieldErrorResponse{Main: fe.Main, Extents: fe.Extents}
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		AssignmentID: e.AssignmentID,
		ActorID:      e.ActorID,
		Payload:      decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
