package repo_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/form"
	"handoff/internal/migrate"
	"handoff/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	r.Now = func() time.Time { return time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC) }
	return r
}

func seedUser(t *testing.T, r repo.Repo) domain.User {
	t.Helper()
	u := domain.User{ID: "u1", Username: "jdoe", DisplayName: "J. Doe", SignatureURL: "sig://jdoe"}
	if err := r.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func positionTemplate() domain.Template {
	return domain.Template{
		Title: "Area Hand-Off",
		Sections: map[string]domain.Section{
			"position": {
				Order: 1,
				Title: "Position",
				Groups: []domain.Group{
					{
						Title: "Relief",
						Fields: []domain.FieldDefinition{
							{Name: "Relieving Controller", Type: "text", Required: true},
							{
								Name:     "Equipment Issues",
								Type:     "select",
								Required: true,
								Extents: []domain.ExtentDefinition{
									{Name: "detail", Required: true},
								},
								ExtentsTrigger: &domain.ExtentsTrigger{Options: []string{"Degraded"}},
							},
						},
					},
				},
			},
		},
	}
}

func TestUserRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.GetUserByUsername(ctx, "jdoe"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	seedUser(t, r)
	u, err := r.GetUserByUsername(ctx, "jdoe")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.ID != "u1" || u.SignatureURL != "sig://jdoe" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestStartAssignmentLimit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, r)

	for i := 0; i < 2; i++ {
		a := domain.Assignment{
			ID:         string(rune('a'+i)) + "1",
			PositionID: "sector-7",
			FacilityID: "zab",
			Position:   "Sector 7",
		}
		if _, err := r.StartAssignment(ctx, u.ID, a, 2); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	_, err := r.StartAssignment(ctx, u.ID, domain.Assignment{
		ID: "c1", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 9",
	}, 2)
	if !errors.Is(err, repo.ErrAssignmentLimit) {
		t.Fatalf("expected ErrAssignmentLimit, got %v", err)
	}

	// Ending one frees a slot.
	if err := r.EndAssignment(ctx, "a1", u.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := r.StartAssignment(ctx, u.ID, domain.Assignment{
		ID: "c1", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 9",
	}, 2); err != nil {
		t.Fatalf("start after end: %v", err)
	}

	active, err := r.ActiveAssignmentsFor(ctx, u.ID)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active assignments, got %d", len(active))
	}
}

func TestEndAssignmentNotFound(t *testing.T) {
	r := newTestRepo(t)
	u := seedUser(t, r)
	if err := r.EndAssignment(context.Background(), "missing", u.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetActiveAssignment(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, r)

	for _, id := range []string{"a1", "a2"} {
		if _, err := r.StartAssignment(ctx, u.ID, domain.Assignment{
			ID: id, PositionID: "sector-7", FacilityID: "zab", Position: id,
		}, 0); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	if err := r.SetActiveAssignment(ctx, u.ID, "a2"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	active, err := r.ActiveAssignmentsFor(ctx, u.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, a := range active {
		if a.IsActive != (a.ID == "a2") {
			t.Fatalf("active flags wrong: %+v", active)
		}
	}
	if err := r.SetActiveAssignment(ctx, u.ID, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.Template(ctx, "sector-7"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.UpsertTemplate(ctx, "sector-7", positionTemplate()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tpl, err := r.Template(ctx, "sector-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tpl.Title != "Area Hand-Off" {
		t.Fatalf("title = %q", tpl.Title)
	}
	sec := tpl.Sections["position"]
	f := sec.Groups[0].Fields[1]
	if f.ExtentsTrigger == nil || len(f.ExtentsTrigger.Options) != 1 {
		t.Fatalf("extents trigger lost in round trip: %+v", f)
	}

	ids, err := r.ListTemplateIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "sector-7" {
		t.Fatalf("ids = %v err = %v", ids, err)
	}
}

func TestImportTemplatesDir(t *testing.T) {
	r := newTestRepo(t)
	dir := t.TempDir()
	tplYAML := `title: Tower Hand-Off
sections:
  position:
    order: 1
    title: Position
    groups:
      - title: Relief
        fields:
          - name: Relieving Controller
            type: text
            required: true
`
	if err := os.WriteFile(filepath.Join(dir, "tower.yml"), []byte(tplYAML), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}

	n, err := r.ImportTemplatesDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 import, got %d", n)
	}
	tpl, err := r.Template(context.Background(), "tower")
	if err != nil {
		t.Fatalf("get imported: %v", err)
	}
	if !tpl.Sections["position"].Groups[0].Fields[0].Required {
		t.Fatalf("required flag lost: %+v", tpl)
	}
}

func TestRoster(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, e := range []domain.RosterEntry{
		{Username: "mlee", DisplayName: "M. Lee"},
		{Username: "kimani", DisplayName: "K. Imani"},
	} {
		if err := r.UpsertRosterEntry(ctx, "zab", e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	got, err := r.IncomingRoster(ctx, "zab")
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(got) != 2 || got[0].Username != "kimani" {
		t.Fatalf("roster = %+v", got)
	}
	if other, _ := r.IncomingRoster(ctx, "elsewhere"); len(other) != 0 {
		t.Fatalf("expected empty roster for other facility")
	}
}

func TestSaveFormValuesValidation(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, r)
	if err := r.UpsertTemplate(ctx, "sector-7", positionTemplate()); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	if _, err := r.StartAssignment(ctx, u.ID, domain.Assignment{
		ID: "a1", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 7",
	}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}

	incomplete := domain.SavePayload{
		"position": {Group: map[string]any{
			"Relieving Controller": "",
			"Equipment Issues": map[string]any{
				form.ValueKey: "Degraded",
			},
		}},
	}

	// Autosave path: stored as-is, no validation.
	res, err := r.SaveFormValues(ctx, "a1", u.ID, incomplete, false)
	if err != nil {
		t.Fatalf("autosave: %v", err)
	}
	if len(res.ValidationMessages) != 0 {
		t.Fatalf("autosave must not validate, got %v", res.ValidationMessages)
	}
	if _, completed, err := r.GetFormValues(ctx, "a1"); err != nil || completed {
		t.Fatalf("autosave stored completed=%v err=%v", completed, err)
	}

	// Completed save with violations: messages, record stays non-completed.
	res, err = r.SaveFormValues(ctx, "a1", u.ID, incomplete, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := []string{
		"Position: Equipment Issues requires detail",
		"Position: Relieving Controller is required",
	}
	if len(res.ValidationMessages) != len(want) {
		t.Fatalf("messages = %v, want %v", res.ValidationMessages, want)
	}
	for i := range want {
		if res.ValidationMessages[i] != want[i] {
			t.Fatalf("messages = %v, want %v", res.ValidationMessages, want)
		}
	}
	if _, completed, _ := r.GetFormValues(ctx, "a1"); completed {
		t.Fatalf("invalid submit must not store completed")
	}

	// Clean payload completes.
	complete := domain.SavePayload{
		"position": {Group: map[string]any{
			"Relieving Controller": map[string]any{form.ValueKey: "K. Imani"},
			"Equipment Issues": map[string]any{
				form.ValueKey: "Degraded",
				"detail":      "radar feed B degraded",
			},
		}},
	}
	res, err = r.SaveFormValues(ctx, "a1", u.ID, complete, true)
	if err != nil {
		t.Fatalf("submit complete: %v", err)
	}
	if len(res.ValidationMessages) != 0 {
		t.Fatalf("expected clean submit, got %v", res.ValidationMessages)
	}
	payload, completed, err := r.GetFormValues(ctx, "a1")
	if err != nil || !completed {
		t.Fatalf("completed=%v err=%v", completed, err)
	}
	group := payload["position"].Group
	field, ok := group["Equipment Issues"].(map[string]any)
	if !ok || field["detail"] != "radar feed B degraded" {
		t.Fatalf("payload round trip lost data: %v", group)
	}

	if _, _, err := r.GetFormValues(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVisitedStepsRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, r)
	if _, err := r.StartAssignment(ctx, u.ID, domain.Assignment{
		ID: "a1", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 7",
	}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, s := range []int{0, 2, 0} {
		if err := r.MarkVisited(ctx, "a1", s); err != nil {
			t.Fatalf("mark %d: %v", s, err)
		}
	}
	steps, err := r.VisitedSteps(ctx, "a1")
	if err != nil {
		t.Fatalf("visited: %v", err)
	}
	if len(steps) != 2 || steps[0] != 0 || steps[1] != 2 {
		t.Fatalf("steps = %v", steps)
	}
}

func TestEventLog(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, r)
	if _, err := r.StartAssignment(ctx, u.ID, domain.Assignment{
		ID: "a1", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 7",
	}, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.EndAssignment(ctx, "a1", u.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	events, err := r.LatestEvents(ctx, 10, "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Type != "assignment.ended" || events[1].Type != "assignment.started" {
		t.Fatalf("events = %v, %v", events[0].Type, events[1].Type)
	}

	filtered, err := r.LatestEvents(ctx, 10, "a1", "assignment.started")
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ActorID != u.ID {
		t.Fatalf("filtered = %+v", filtered)
	}
}
