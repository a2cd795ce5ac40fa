package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"handoff/internal/domain"
	"handoff/internal/form"
)

// Collaborator contracts. The engine owns form state and its persistence
// lifecycle; transport and storage live behind these.

type AssignmentService interface {
	ActiveAssignments(ctx context.Context) ([]domain.Assignment, error)
	EndAssignment(ctx context.Context, id string) error
}

type TemplateService interface {
	Template(ctx context.Context, positionID string) (domain.Template, error)
}

type RosterService interface {
	IncomingRoster(ctx context.Context, facilityID string) ([]domain.RosterEntry, error)
}

type ValueStore interface {
	PersistValues(ctx context.Context, assignmentID string, payload domain.SavePayload, completed bool) (domain.SaveResult, error)
	VisitedSteps(ctx context.Context, assignmentID string) ([]int, error)
	MarkVisited(ctx context.Context, assignmentID string, step int) error
}

type Services struct {
	Assignments AssignmentService
	Templates   TemplateService
	Roster      RosterService
	Store       ValueStore
}

// StepStatus is the per-step progress signal consumers render beside a step:
// a step that was never visited shows no marker regardless of completeness.
type StepStatus struct {
	Visited  bool `json:"visited"`
	Complete bool `json:"complete"`
}

// Controller drives one user's hand-off session across every assignment the
// user currently holds. It is the exclusive owner of the per-assignment
// value, error and position maps; all mutation goes through its methods.
type Controller struct {
	mu  sync.Mutex
	svc Services

	user           domain.User
	logger         *log.Logger
	signatureCache string
	autosaveDelay  time.Duration

	Now func() time.Time

	assignments []domain.Assignment
	activeID    string
	templates   map[string]domain.Template
	noTemplate  map[string]bool
	stepIndex   map[string]int
	values      map[string]map[int]form.StepValues
	errors      map[string]form.StepErrors
	showErrors  bool
	visited     map[string]map[int]bool
	snapshots   map[string]string
	touched     map[string]bool
	timers      map[string]*time.Timer
}

// Option tweaks controller construction.
type Option func(*Controller)

// WithLogger routes failure logging; defaults to log.Default().
func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithSignatureCache sets the locally cached signature image preferred by
// signature pre-fill over the user's stored signature URL.
func WithSignatureCache(path string) Option { return func(c *Controller) { c.signatureCache = path } }

// WithAutosaveDelay coalesces autosave flushes; zero flushes synchronously.
func WithAutosaveDelay(d time.Duration) Option { return func(c *Controller) { c.autosaveDelay = d } }

func New(svc Services, user domain.User, opts ...Option) *Controller {
	c := &Controller{
		svc:        svc,
		user:       user,
		Now:        time.Now,
		templates:  map[string]domain.Template{},
		noTemplate: map[string]bool{},
		stepIndex:  map[string]int{},
		values:     map[string]map[int]form.StepValues{},
		errors:     map[string]form.StepErrors{},
		visited:    map[string]map[int]bool{},
		snapshots:  map[string]string{},
		touched:    map[string]bool{},
		timers:     map[string]*time.Timer{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) logf(format string, args ...any) {
	l := c.logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

func errorKey(id string, step int) string {
	return fmt.Sprintf("%s-%d", id, step)
}

// SyncAssignments refreshes the roster of held assignments and reconciles
// session state: removed assignments lose every slice of state keyed to
// them, an empty roster clears the session outright, and the active pointer
// is (re)selected when unset or invalidated.
func (c *Controller) SyncAssignments(ctx context.Context) error {
	roster, err := c.svc.Assignments.ActiveAssignments(ctx)
	if err != nil {
		return fmt.Errorf("fetch active assignments: %w", err)
	}
	c.ApplyRoster(roster)

	// Resolve templates for assignments that do not have one yet. Fetches
	// are independent per assignment; a result lands only if the
	// assignment still exists by then.
	for _, a := range c.pendingTemplates() {
		if err := c.ResolveTemplate(ctx, a); err != nil {
			c.logf("resolve template for %s: %v", a.ID, err)
		}
	}
	c.loadVisited(ctx)
	return nil
}

// ApplyRoster commits a new assignment roster without touching templates.
func (c *Controller) ApplyRoster(roster []domain.Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(roster) == 0 {
		c.assignments = nil
		c.activeID = ""
		c.stepIndex = map[string]int{}
		c.values = map[string]map[int]form.StepValues{}
		c.errors = map[string]form.StepErrors{}
		c.visited = map[string]map[int]bool{}
		c.snapshots = map[string]string{}
		c.touched = map[string]bool{}
		return
	}

	keep := map[string]bool{}
	for _, a := range roster {
		keep[a.ID] = true
	}
	for _, a := range c.assignments {
		if !keep[a.ID] {
			c.discardLocked(a.ID)
		}
	}
	c.assignments = roster

	if !keep[c.activeID] {
		c.activeID = ""
	}
	if c.activeID == "" {
		c.activeID = roster[0].ID
		for _, a := range roster {
			if a.IsActive {
				c.activeID = a.ID
				break
			}
		}
		if _, ok := c.stepIndex[c.activeID]; !ok {
			c.stepIndex[c.activeID] = 0
		}
	}
}

func (c *Controller) discardLocked(id string) {
	delete(c.templates, id)
	delete(c.noTemplate, id)
	delete(c.stepIndex, id)
	delete(c.values, id)
	delete(c.visited, id)
	delete(c.snapshots, id)
	delete(c.touched, id)
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	for key := range c.errors {
		if strings.HasPrefix(key, id+"-") {
			delete(c.errors, key)
		}
	}
}

func (c *Controller) pendingTemplates() []domain.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Assignment
	for _, a := range c.assignments {
		if _, ok := c.templates[a.ID]; !ok && !c.noTemplate[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// ResolveTemplate fetches one assignment's template. Safe to run
// concurrently for different assignments; the result is applied only if the
// assignment is still held when the fetch returns.
func (c *Controller) ResolveTemplate(ctx context.Context, a domain.Assignment) error {
	tpl, err := c.svc.Templates.Template(ctx, a.PositionID)
	if err != nil {
		c.mu.Lock()
		if c.heldLocked(a.ID) {
			c.noTemplate[a.ID] = true
		}
		c.mu.Unlock()
		return fmt.Errorf("template %s: %w", a.PositionID, err)
	}

	c.mu.Lock()
	if !c.heldLocked(a.ID) {
		c.mu.Unlock()
		return nil
	}
	c.templates[a.ID] = tpl
	delete(c.noTemplate, a.ID)
	if c.values[a.ID] == nil {
		c.values[a.ID] = map[int]form.StepValues{}
	}
	step := c.stepIndex[a.ID]
	if a.ID == c.activeID {
		c.markVisitedLocked(a.ID, step)
	}
	c.mu.Unlock()

	return c.ensureStepValues(ctx, a.ID, step)
}

func (c *Controller) heldLocked(id string) bool {
	for _, a := range c.assignments {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (c *Controller) assignmentLocked(id string) (domain.Assignment, bool) {
	for _, a := range c.assignments {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Assignment{}, false
}

// ensureStepValues materializes starting values for (assignment, step) the
// first time that pair is needed. Idempotent: an existing map is never
// overwritten, even across a concurrent double build.
func (c *Controller) ensureStepValues(ctx context.Context, id string, step int) error {
	c.mu.Lock()
	a, held := c.assignmentLocked(id)
	tpl, hasTpl := c.templates[id]
	if !held || !hasTpl {
		c.mu.Unlock()
		return nil
	}
	if c.values[id] != nil && c.values[id][step] != nil {
		c.mu.Unlock()
		return nil
	}
	sec, _, ok := form.SectionAt(tpl, step)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	built := c.buildInitialValues(ctx, a, sec)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.heldLocked(id) {
		return nil
	}
	if c.values[id] == nil {
		c.values[id] = map[int]form.StepValues{}
	}
	if c.values[id][step] == nil {
		c.values[id][step] = built
	}
	return nil
}

// SetStep validates the step being left, records or clears its violations,
// and then commits the new index regardless: navigation is a soft gate.
func (c *Controller) SetStep(ctx context.Context, newIndex int) error {
	c.mu.Lock()
	id := c.activeID
	tpl, ok := c.templates[id]
	if id == "" || !ok {
		c.mu.Unlock()
		return nil
	}
	if newIndex < 0 || newIndex >= len(form.SectionKeys(tpl)) {
		c.mu.Unlock()
		return nil
	}
	cur := c.stepIndex[id]
	c.recordStepErrorsLocked(id, cur, tpl)
	c.stepIndex[id] = newIndex
	c.markVisitedLocked(id, newIndex)
	c.mu.Unlock()

	c.persistVisited(ctx, id, newIndex)
	return c.ensureStepValues(ctx, id, newIndex)
}

// SwitchEntity moves the session to another held assignment, validating the
// step being left first. No-op when the target is already active or when
// nothing is active yet. Step position is preserved per assignment.
func (c *Controller) SwitchEntity(ctx context.Context, newID string) error {
	c.mu.Lock()
	if c.activeID == "" || c.activeID == newID {
		c.mu.Unlock()
		return nil
	}
	if _, held := c.assignmentLocked(newID); !held {
		c.mu.Unlock()
		return nil
	}
	if tpl, ok := c.templates[c.activeID]; ok {
		c.recordStepErrorsLocked(c.activeID, c.stepIndex[c.activeID], tpl)
	}
	c.activeID = newID
	if _, ok := c.stepIndex[newID]; !ok {
		c.stepIndex[newID] = 0
	}
	step := c.stepIndex[newID]
	_, hasTpl := c.templates[newID]
	c.markVisitedLocked(newID, step)
	c.mu.Unlock()

	if !hasTpl {
		// Template still resolving; step and value operations stay no-ops
		// until it lands.
		return nil
	}
	c.persistVisited(ctx, newID, step)
	return c.ensureStepValues(ctx, newID, step)
}

// recordStepErrorsLocked runs the step validator for the position being
// left and commits the error-map write before any index change, so readers
// never observe a stale error map for the new position.
func (c *Controller) recordStepErrorsLocked(id string, step int, tpl domain.Template) {
	sec, _, ok := form.SectionAt(tpl, step)
	if !ok {
		return
	}
	errs := form.ValidateStep(sec, c.values[id][step])
	key := errorKey(id, step)
	if len(errs) > 0 {
		c.errors[key] = errs
		c.showErrors = true
	} else {
		delete(c.errors, key)
	}
}

func (c *Controller) markVisitedLocked(id string, step int) {
	if c.visited[id] == nil {
		c.visited[id] = map[int]bool{}
	}
	c.visited[id][step] = true
}

func (c *Controller) persistVisited(ctx context.Context, id string, step int) {
	if err := c.svc.Store.MarkVisited(ctx, id, step); err != nil {
		c.logf("mark visited %s step %d: %v", id, step, err)
	}
}

func (c *Controller) loadVisited(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.assignments))
	for _, a := range c.assignments {
		if c.visited[a.ID] == nil {
			ids = append(ids, a.ID)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		steps, err := c.svc.Store.VisitedSteps(ctx, id)
		if err != nil {
			c.logf("load visited steps %s: %v", id, err)
			continue
		}
		c.mu.Lock()
		if c.heldLocked(id) {
			if c.visited[id] == nil {
				c.visited[id] = map[int]bool{}
			}
			for _, s := range steps {
				c.visited[id][s] = true
			}
		}
		c.mu.Unlock()
	}
}

// SetValue commits one key of one field's value object on the current step
// of the active assignment, then lets the autosave coordinator react. The
// first call flips the assignment's touched flag; autosave never fires for
// values the builder populated on its own.
func (c *Controller) SetValue(ctx context.Context, field, key string, value any) error {
	c.mu.Lock()
	id := c.activeID
	if id == "" {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.templates[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	step := c.stepIndex[id]
	if c.values[id] == nil || c.values[id][step] == nil {
		c.mu.Unlock()
		return nil
	}
	v := c.values[id][step][field]
	if v == nil {
		v = form.Value{}
		c.values[id][step][field] = v
	}
	v[key] = value
	c.touched[id] = true
	c.mu.Unlock()

	return c.autosave(ctx, id)
}

// EndAssignment ends one assignment at the store and reconciles the roster,
// discarding every slice of state keyed to the ended id.
func (c *Controller) EndAssignment(ctx context.Context, id string) error {
	if err := c.svc.Assignments.EndAssignment(ctx, id); err != nil {
		return fmt.Errorf("end assignment %s: %w", id, err)
	}
	return c.SyncAssignments(ctx)
}

// --- read side ---

func (c *Controller) Assignments() []domain.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Assignment, len(c.assignments))
	copy(out, c.assignments)
	return out
}

func (c *Controller) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

func (c *Controller) CurrentStep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepIndex[c.activeID]
}

func (c *Controller) StepIndexFor(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepIndex[id]
}

// TemplateFor returns the resolved template for an assignment, if any.
func (c *Controller) TemplateFor(id string) (domain.Template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tpl, ok := c.templates[id]
	return tpl, ok
}

// TemplateMissing reports the distinct "no template" display state reached
// when a fetch failed; it is not an error condition in the engine.
func (c *Controller) TemplateMissing(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noTemplate[id]
}

// StepValuesFor returns a copy of the value map for one step.
func (c *Controller) StepValuesFor(id string, step int) form.StepValues {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.values[id][step]
	if src == nil {
		return nil
	}
	out := form.StepValues{}
	for name, v := range src {
		cp := form.Value{}
		for k, val := range v {
			cp[k] = val
		}
		out[name] = cp
	}
	return out
}

// ValidateStep runs the step validator against the current template and
// value map. Pure read; it does not record anything.
func (c *Controller) ValidateStep(id string, step int) form.StepErrors {
	c.mu.Lock()
	defer c.mu.Unlock()
	tpl, ok := c.templates[id]
	if !ok {
		return form.StepErrors{}
	}
	sec, _, ok := form.SectionAt(tpl, step)
	if !ok {
		return form.StepErrors{}
	}
	return form.ValidateStep(sec, c.values[id][step])
}

// ErrorsFor returns the recorded violations for one step, or nil when the
// step has no known violation.
func (c *Controller) ErrorsFor(id string, step int) form.StepErrors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors[errorKey(id, step)]
}

func (c *Controller) ShowErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showErrors
}

// StepStatuses derives the tri-state progress signal for every step of one
// assignment: completeness from the validator rules, visibility from the
// visited set.
func (c *Controller) StepStatuses(id string) []StepStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	tpl, ok := c.templates[id]
	if !ok {
		return nil
	}
	status := form.SectionStatus(tpl, c.values[id])
	out := make([]StepStatus, len(status))
	for i := range status {
		out[i] = StepStatus{Visited: c.visited[id][i], Complete: status[i]}
	}
	return out
}

// StatusMatrix recomputes step completeness for every assignment with a
// resolved template and an initialized value map.
func (c *Controller) StatusMatrix() map[string][]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string][]bool{}
	for _, a := range c.assignments {
		tpl, ok := c.templates[a.ID]
		if !ok || c.values[a.ID] == nil {
			continue
		}
		out[a.ID] = form.SectionStatus(tpl, c.values[a.ID])
	}
	return out
}

// CanSave is the hard gate behind the save affordance: every step of the
// assignment must be complete.
func (c *Controller) CanSave(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tpl, ok := c.templates[id]
	if !ok || c.values[id] == nil {
		return false
	}
	for _, complete := range form.SectionStatus(tpl, c.values[id]) {
		if !complete {
			return false
		}
	}
	return true
}

func (c *Controller) User() domain.User {
	return c.user
}
