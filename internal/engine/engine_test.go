package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/form"
)

type persistCall struct {
	AssignmentID string
	Payload      domain.SavePayload
	Completed    bool
}

// fakeBackend implements every collaborator contract in memory.
type fakeBackend struct {
	mu          sync.Mutex
	assignments []domain.Assignment
	templates   map[string]domain.Template
	templateErr error
	roster      []domain.RosterEntry
	rosterErr   error
	persists    []persistCall
	persistErr  error
	saveResult  domain.SaveResult
	visited     map[string][]int
}

func (f *fakeBackend) ActiveAssignments(ctx context.Context) ([]domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Assignment, len(f.assignments))
	copy(out, f.assignments)
	return out, nil
}

func (f *fakeBackend) EndAssignment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.assignments[:0]
	for _, a := range f.assignments {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	f.assignments = kept
	return nil
}

func (f *fakeBackend) Template(ctx context.Context, positionID string) (domain.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.templateErr != nil {
		return domain.Template{}, f.templateErr
	}
	tpl, ok := f.templates[positionID]
	if !ok {
		return domain.Template{}, fmt.Errorf("template %s not found", positionID)
	}
	return tpl, nil
}

func (f *fakeBackend) IncomingRoster(ctx context.Context, facilityID string) ([]domain.RosterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.roster, nil
}

func (f *fakeBackend) PersistValues(ctx context.Context, assignmentID string, payload domain.SavePayload, completed bool) (domain.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return domain.SaveResult{}, f.persistErr
	}
	f.persists = append(f.persists, persistCall{AssignmentID: assignmentID, Payload: payload, Completed: completed})
	return f.saveResult, nil
}

func (f *fakeBackend) VisitedSteps(ctx context.Context, assignmentID string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visited == nil {
		return nil, nil
	}
	return f.visited[assignmentID], nil
}

func (f *fakeBackend) MarkVisited(ctx context.Context, assignmentID string, step int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visited == nil {
		f.visited = map[string][]int{}
	}
	f.visited[assignmentID] = append(f.visited[assignmentID], step)
	return nil
}

func (f *fakeBackend) persistCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persists)
}

func (f *fakeBackend) lastPersist(t *testing.T) persistCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.persists) == 0 {
		t.Fatalf("no persist calls recorded")
	}
	return f.persists[len(f.persists)-1]
}

func reliefTemplate() domain.Template {
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
							{Name: "Relief Date", Type: "text"},
							{Name: "Outgoing Signature", Type: "signature"},
						},
					},
					{
						Title: "Incoming Controller",
						Fields: []domain.FieldDefinition{
							{Name: "Incoming Controller", Type: "select"},
							{Name: "Incoming Signature", Type: "signature"},
						},
					},
				},
			},
			"equipment": {
				Order: 2,
				Title: "Equipment",
				Groups: []domain.Group{
					{
						Title: "Status",
						Fields: []domain.FieldDefinition{
							{
								Name:     "Equipment Issues",
								Type:     "select",
								Required: true,
								Options:  []string{"None", "Degraded"},
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

func newBackend() *fakeBackend {
	return &fakeBackend{
		assignments: []domain.Assignment{
			{ID: "a1", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 7"},
		},
		templates: map[string]domain.Template{"sector-7": reliefTemplate()},
		roster: []domain.RosterEntry{
			{Username: "mlee", DisplayName: "M. Lee"},
			{Username: "kimani"},
		},
	}
}

func newController(t *testing.T, f *fakeBackend, opts ...engine.Option) *engine.Controller {
	t.Helper()
	svc := engine.Services{Assignments: f, Templates: f, Roster: f, Store: f}
	user := domain.User{ID: "u1", Username: "jdoe", DisplayName: "J. Doe", SignatureURL: "sig://jdoe"}
	c := engine.New(svc, user, opts...)
	c.Now = func() time.Time { return time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC) }
	if err := c.SyncAssignments(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return c
}

func TestInitialValueBuild(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	values := c.StepValuesFor("a1", 0)
	if values == nil {
		t.Fatalf("expected built values for the active step")
	}
	if got := values["Relief Date"].Main(); got != "3/9/2026" {
		t.Fatalf("date stamp = %v, want 3/9/2026", got)
	}
	if got := values["Outgoing Signature"].Main(); got != "sig://jdoe" {
		t.Fatalf("outgoing signature = %v, want user signature", got)
	}
	if got := values["Incoming Signature"].Main(); got != nil {
		t.Fatalf("incoming signature must stay empty, got %v", got)
	}
	if got := values["Relieving Controller"].Main(); got != nil {
		t.Fatalf("plain field without default = %v, want nil", got)
	}
}

func TestSignatureCachePreferred(t *testing.T) {
	f := newBackend()
	c := newController(t, f, engine.WithSignatureCache("file://cached.png"))

	values := c.StepValuesFor("a1", 0)
	if got := values["Outgoing Signature"].Main(); got != "file://cached.png" {
		t.Fatalf("signature = %v, want cached image", got)
	}
}

func TestIncomingControllerOptions(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	v := c.StepValuesFor("a1", 0)["Incoming Controller"]
	opts, ok := v[form.OptionsKey].([]string)
	if !ok {
		t.Fatalf("expected roster options, got %v", v)
	}
	if len(opts) != 2 || opts[0] != "M. Lee" || opts[1] != "kimani" {
		t.Fatalf("options = %v", opts)
	}
}

func TestRosterFetchFailureDegrades(t *testing.T) {
	f := newBackend()
	f.rosterErr = errors.New("roster service down")
	c := newController(t, f)

	values := c.StepValuesFor("a1", 0)
	if values == nil {
		t.Fatalf("step should still build when the roster fetch fails")
	}
	if _, ok := values["Incoming Controller"][form.OptionsKey]; ok {
		t.Fatalf("no options should be recorded on fetch failure")
	}
	if got := values["Relief Date"].Main(); got != "3/9/2026" {
		t.Fatalf("other fields still build, got %v", got)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	if err := c.SetValue(context.Background(), "Relieving Controller", form.ValueKey, "K. Imani"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	// A re-sync must not rebuild and wipe the edit.
	if err := c.SyncAssignments(context.Background()); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	if got := c.StepValuesFor("a1", 0)["Relieving Controller"].Main(); got != "K. Imani" {
		t.Fatalf("edit lost across re-sync: %v", got)
	}
}

func TestTemplateFailureMarksMissing(t *testing.T) {
	f := newBackend()
	f.templateErr = errors.New("fetch failed")
	c := newController(t, f)

	if !c.TemplateMissing("a1") {
		t.Fatalf("expected missing-template state")
	}
	if c.StepValuesFor("a1", 0) != nil {
		t.Fatalf("no values should build without a template")
	}
	// Step and value operations are no-ops in this state.
	if err := c.SetStep(context.Background(), 1); err != nil {
		t.Fatalf("set step: %v", err)
	}
	if c.CurrentStep() != 0 {
		t.Fatalf("step must not move without a template")
	}
	if err := c.SetValue(context.Background(), "Relieving Controller", form.ValueKey, "x"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if f.persistCount() != 0 {
		t.Fatalf("nothing should persist without a template")
	}
}

func TestSoftGateNavigation(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	// Leave step 0 with its required field empty: navigation proceeds, the
	// violation is recorded.
	if err := c.SetStep(context.Background(), 1); err != nil {
		t.Fatalf("set step: %v", err)
	}
	if c.CurrentStep() != 1 {
		t.Fatalf("navigation must commit despite violations")
	}
	errs := c.ErrorsFor("a1", 0)
	if errs == nil || !errs["Relieving Controller"].Main {
		t.Fatalf("expected recorded violation, got %v", errs)
	}
	if !c.ShowErrors() {
		t.Fatalf("error display should be armed after a failed validation")
	}

	// Fix the field, leave again: the recorded violation clears.
	if err := c.SetStep(context.Background(), 0); err != nil {
		t.Fatalf("back to 0: %v", err)
	}
	if err := c.SetValue(context.Background(), "Relieving Controller", form.ValueKey, "K. Imani"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := c.SetStep(context.Background(), 1); err != nil {
		t.Fatalf("forward again: %v", err)
	}
	if errs := c.ErrorsFor("a1", 0); errs != nil {
		t.Fatalf("violation should clear once fixed, got %v", errs)
	}
}

func TestSetStepOutOfRange(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	for _, step := range []int{-1, 2, 99} {
		if err := c.SetStep(context.Background(), step); err != nil {
			t.Fatalf("set step %d: %v", step, err)
		}
		if c.CurrentStep() != 0 {
			t.Fatalf("step %d must be rejected", step)
		}
	}
}

func TestVisitedStepsTracked(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	statuses := c.StepStatuses("a1")
	if len(statuses) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(statuses))
	}
	if !statuses[0].Visited || statuses[1].Visited {
		t.Fatalf("only the initial step should be visited, got %+v", statuses)
	}

	if err := c.SetStep(context.Background(), 1); err != nil {
		t.Fatalf("set step: %v", err)
	}
	statuses = c.StepStatuses("a1")
	if !statuses[1].Visited {
		t.Fatalf("visited flag should follow navigation")
	}

	// A fresh controller for the same user restores the visited set from
	// the store.
	c2 := newController(t, f)
	statuses = c2.StepStatuses("a1")
	if !statuses[0].Visited || !statuses[1].Visited {
		t.Fatalf("visited set should persist across sessions, got %+v", statuses)
	}
}

func TestAutosaveOnlyAfterEdit(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	// Builder-populated values alone never autosave.
	if n := f.persistCount(); n != 0 {
		t.Fatalf("expected no persistence on load, got %d calls", n)
	}

	if err := c.SetValue(context.Background(), "Relieving Controller", form.ValueKey, "K. Imani"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if n := f.persistCount(); n != 1 {
		t.Fatalf("expected one autosave, got %d", n)
	}
	call := f.lastPersist(t)
	if call.Completed {
		t.Fatalf("autosave must not set the completion flag")
	}

	// Re-committing the same value leaves the payload unchanged, so the
	// snapshot check suppresses the flush.
	if err := c.SetValue(context.Background(), "Relieving Controller", form.ValueKey, "K. Imani"); err != nil {
		t.Fatalf("set value again: %v", err)
	}
	if n := f.persistCount(); n != 1 {
		t.Fatalf("unchanged payload should not re-persist, got %d", n)
	}
}

func TestAutosaveCoalescing(t *testing.T) {
	f := newBackend()
	c := newController(t, f, engine.WithAutosaveDelay(20*time.Millisecond))

	ctx := context.Background()
	if err := c.SetValue(ctx, "Relieving Controller", form.ValueKey, "K"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := c.SetValue(ctx, "Relieving Controller", form.ValueKey, "K. Imani"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if n := f.persistCount(); n != 0 {
		t.Fatalf("flush should be deferred, got %d calls", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.persistCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.persistCount(); n != 1 {
		t.Fatalf("expected one coalesced flush, got %d", n)
	}
	// The late flush carries the newest value.
	call := f.lastPersist(t)
	group := call.Payload["position"].Group
	field := group["Relieving Controller"].(map[string]any)
	if field[form.ValueKey] != "K. Imani" {
		t.Fatalf("flush carried stale value: %v", field[form.ValueKey])
	}
}

func TestExplicitSave(t *testing.T) {
	f := newBackend()
	f.saveResult = domain.SaveResult{ValidationMessages: []string{"Equipment: Equipment Issues is required"}}
	c := newController(t, f)

	if c.CanSave("a1") {
		t.Fatalf("save affordance must stay gated while steps are incomplete")
	}

	res, err := c.Save(context.Background(), "a1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(res.ValidationMessages) != 1 {
		t.Fatalf("server messages must surface verbatim, got %v", res.ValidationMessages)
	}
	call := f.lastPersist(t)
	if !call.Completed {
		t.Fatalf("explicit save must set the completion flag")
	}

	// Complete the form, then the gate opens.
	ctx := context.Background()
	if err := c.SetValue(ctx, "Relieving Controller", form.ValueKey, "K. Imani"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := c.SetStep(ctx, 1); err != nil {
		t.Fatalf("set step: %v", err)
	}
	if err := c.SetValue(ctx, "Equipment Issues", form.ValueKey, "None"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if !c.CanSave("a1") {
		t.Fatalf("all steps complete; the gate should open")
	}
}

func TestSaveFailsWithoutTemplate(t *testing.T) {
	f := newBackend()
	f.templateErr = errors.New("fetch failed")
	c := newController(t, f)

	if _, err := c.Save(context.Background(), "a1"); err == nil {
		t.Fatalf("save must fail for an unresolved template")
	}
}

func TestSaveTransportErrorPropagates(t *testing.T) {
	f := newBackend()
	c := newController(t, f)
	f.persistErr = errors.New("store down")

	if _, err := c.Save(context.Background(), "a1"); err == nil {
		t.Fatalf("expected transport error")
	}
	// The failed save leaves the snapshot alone; a later edit autosaves.
	f.persistErr = nil
	if err := c.SetValue(context.Background(), "Relieving Controller", form.ValueKey, "x"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if f.persistCount() != 1 {
		t.Fatalf("expected autosave after recovery, got %d", f.persistCount())
	}
}

func TestSwitchEntity(t *testing.T) {
	f := newBackend()
	f.assignments = append(f.assignments, domain.Assignment{
		ID: "a2", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 8",
	})
	c := newController(t, f)

	if c.ActiveID() != "a1" {
		t.Fatalf("active = %s, want a1", c.ActiveID())
	}
	if err := c.SetStep(context.Background(), 1); err != nil {
		t.Fatalf("set step: %v", err)
	}

	if err := c.SwitchEntity(context.Background(), "a2"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if c.ActiveID() != "a2" {
		t.Fatalf("active = %s, want a2", c.ActiveID())
	}
	if c.CurrentStep() != 0 {
		t.Fatalf("new assignment starts at step 0, got %d", c.CurrentStep())
	}
	if c.StepValuesFor("a2", 0) == nil {
		t.Fatalf("switch should build the target's step values")
	}
	// Validation of the left assignment's step was recorded.
	if errs := c.ErrorsFor("a1", 1); errs == nil {
		t.Fatalf("expected recorded violations for the left step")
	}

	// Switching back restores the parked step position.
	if err := c.SwitchEntity(context.Background(), "a1"); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if c.CurrentStep() != 1 {
		t.Fatalf("step position should be preserved per assignment, got %d", c.CurrentStep())
	}

	// Switching to an unknown id is a no-op.
	if err := c.SwitchEntity(context.Background(), "nope"); err != nil {
		t.Fatalf("switch unknown: %v", err)
	}
	if c.ActiveID() != "a1" {
		t.Fatalf("unknown target must not change the active assignment")
	}
}

func TestRosterShrinkDiscardsState(t *testing.T) {
	f := newBackend()
	f.assignments = append(f.assignments, domain.Assignment{
		ID: "a2", PositionID: "sector-7", FacilityID: "zab", Position: "Sector 8",
	})
	c := newController(t, f)

	if err := c.SetValue(context.Background(), "Relieving Controller", form.ValueKey, "K. Imani"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := c.SetStep(context.Background(), 1); err != nil {
		t.Fatalf("set step: %v", err)
	}

	// a1 disappears from the roster: all of its state goes with it and the
	// active pointer moves.
	f.mu.Lock()
	f.assignments = f.assignments[1:]
	f.mu.Unlock()
	if err := c.SyncAssignments(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if c.ActiveID() != "a2" {
		t.Fatalf("active = %s, want a2", c.ActiveID())
	}
	if c.StepValuesFor("a1", 0) != nil {
		t.Fatalf("removed assignment's values must be discarded")
	}
	if errs := c.ErrorsFor("a1", 1); errs != nil {
		t.Fatalf("removed assignment's errors must be discarded, got %v", errs)
	}

	// Empty roster clears the session outright.
	f.mu.Lock()
	f.assignments = nil
	f.mu.Unlock()
	if err := c.SyncAssignments(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if c.ActiveID() != "" {
		t.Fatalf("expected no active assignment, got %s", c.ActiveID())
	}
	if got := c.Assignments(); len(got) != 0 {
		t.Fatalf("expected no assignments, got %v", got)
	}
}

func TestEndAssignment(t *testing.T) {
	f := newBackend()
	c := newController(t, f)

	if err := c.EndAssignment(context.Background(), "a1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if c.ActiveID() != "" {
		t.Fatalf("ended assignment should clear the session")
	}
}
