package repo

import (
	"context"
	"fmt"
	"sort"

	"handoff/internal/domain"
	"handoff/internal/form"
)

// SessionStore scopes the repo to one authenticated user so it satisfies
// the engine's collaborator contracts.
type SessionStore struct {
	Repo Repo
	User domain.User
}

func (s SessionStore) ActiveAssignments(ctx context.Context) ([]domain.Assignment, error) {
	return s.Repo.ActiveAssignmentsFor(ctx, s.User.ID)
}

func (s SessionStore) EndAssignment(ctx context.Context, id string) error {
	return s.Repo.EndAssignment(ctx, id, s.User.ID)
}

func (s SessionStore) Template(ctx context.Context, positionID string) (domain.Template, error) {
	return s.Repo.Template(ctx, positionID)
}

func (s SessionStore) IncomingRoster(ctx context.Context, facilityID string) ([]domain.RosterEntry, error) {
	return s.Repo.IncomingRoster(ctx, facilityID)
}

func (s SessionStore) PersistValues(ctx context.Context, assignmentID string, payload domain.SavePayload, completed bool) (domain.SaveResult, error) {
	return s.Repo.SaveFormValues(ctx, assignmentID, s.User.ID, payload, completed)
}

func (s SessionStore) VisitedSteps(ctx context.Context, assignmentID string) ([]int, error) {
	return s.Repo.VisitedSteps(ctx, assignmentID)
}

func (s SessionStore) MarkVisited(ctx context.Context, assignmentID string, step int) error {
	return s.Repo.MarkVisited(ctx, assignmentID, step)
}

// checkPayload reruns the step validation rules against a submitted payload
// and renders violations as free-text messages, one per missing value.
func checkPayload(tpl domain.Template, payload domain.SavePayload) []string {
	var msgs []string
	for _, key := range form.SectionKeys(tpl) {
		sec := tpl.Sections[key]
		values := form.StepValues{}
		if sp, ok := payload[key]; ok {
			for name, raw := range sp.Group {
				if m, ok := raw.(map[string]any); ok {
					values[name] = form.Value(m)
				}
			}
		}
		errs := form.ValidateStep(sec, values)
		names := make([]string, 0, len(errs))
		for name := range errs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fe := errs[name]
			if fe.Main {
				msgs = append(msgs, fmt.Sprintf("%s: %s is required", sec.Title, name))
			}
			exts := make([]string, 0, len(fe.Extents))
			for ext := range fe.Extents {
				exts = append(exts, ext)
			}
			sort.Strings(exts)
			for _, ext := range exts {
				msgs = append(msgs, fmt.Sprintf("%s: %s requires %s", sec.Title, name, ext))
			}
		}
	}
	return msgs
}
