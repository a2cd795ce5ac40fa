package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"handoff/internal/domain"
	"handoff/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

// ErrAssignmentLimit is returned when starting an assignment would exceed
// the per-session bound.
var ErrAssignmentLimit = errors.New("assignment limit reached")

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{DB: db}, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// --- users ---

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	if u.ID == "" || u.Username == "" {
		return errors.New("user id and username required")
	}
	if u.CreatedAt == "" {
		u.CreatedAt = r.now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,username,display_name,signature_url,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET username=excluded.username, display_name=excluded.display_name, signature_url=excluded.signature_url`,
		u.ID, u.Username, u.DisplayName, nullable(u.SignatureURL), u.CreatedAt)
	return err
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	var sig sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,username,display_name,signature_url,created_at FROM users WHERE username=?`, username).
		Scan(&u.ID, &u.Username, &u.DisplayName, &sig, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if sig.Valid {
		u.SignatureURL = sig.String
	}
	return u, err
}

// --- assignments ---

// StartAssignment records a new area assignment for a user, bounded by the
// session's concurrent-assignment limit.
func (r Repo) StartAssignment(ctx context.Context, userID string, a domain.Assignment, maxAssignments int) (domain.Assignment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM assignments WHERE user_id=? AND ended_at IS NULL`, userID).Scan(&active); err != nil {
		return a, err
	}
	if maxAssignments > 0 && active >= maxAssignments {
		return a, ErrAssignmentLimit
	}
	if a.StartedAt == "" {
		a.StartedAt = r.now().UTC().Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,user_id,position_id,facility_id,position,is_active,started_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, userID, a.PositionID, a.FacilityID, a.Position, boolInt(a.IsActive), a.StartedAt); err != nil {
		return a, fmt.Errorf("insert assignment: %w", err)
	}
	if err := r.Events.Append(ctx, tx, "assignment.started", a.ID, userID, events.EventPayload{"position": a.Position}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) ActiveAssignmentsFor(ctx context.Context, userID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,position_id,facility_id,position,is_active,started_at,ended_at FROM assignments
WHERE user_id=? AND ended_at IS NULL ORDER BY started_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	var a domain.Assignment
	var active int
	var ended sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,position_id,facility_id,position,is_active,started_at,ended_at FROM assignments WHERE id=?`, id).
		Scan(&a.ID, &a.PositionID, &a.FacilityID, &a.Position, &active, &a.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.IsActive = active != 0
	if ended.Valid {
		a.EndedAt = &ended.String
	}
	return a, nil
}

func (r Repo) EndAssignment(ctx context.Context, id, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET ended_at=?, is_active=0 WHERE id=? AND ended_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.Events.Append(ctx, tx, "assignment.ended", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetActiveAssignment flips which held assignment the session treats as the
// primary one on load.
func (r Repo) SetActiveAssignment(ctx context.Context, userID, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE assignments SET is_active=0 WHERE user_id=? AND ended_at IS NULL`, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET is_active=1 WHERE id=? AND user_id=? AND ended_at IS NULL`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.Events.Append(ctx, tx, "session.entity.switched", id, userID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func scanAssignment(rows *sql.Rows) (domain.Assignment, error) {
	var a domain.Assignment
	var active int
	var ended sql.NullString
	if err := rows.Scan(&a.ID, &a.PositionID, &a.FacilityID, &a.Position, &active, &a.StartedAt, &ended); err != nil {
		return a, err
	}
	a.IsActive = active != 0
	if ended.Valid {
		a.EndedAt = &ended.String
	}
	return a, nil
}

// --- templates ---

func (r Repo) UpsertTemplate(ctx context.Context, positionID string, tpl domain.Template) error {
	payload, err := json.Marshal(tpl)
	if err != nil {
		return err
	}
	now := r.now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO templates(position_id,template_json,updated_at) VALUES (?,?,?)
ON CONFLICT(position_id) DO UPDATE SET template_json=excluded.template_json, updated_at=excluded.updated_at`,
		positionID, string(payload), now)
	return err
}

func (r Repo) Template(ctx context.Context, positionID string) (domain.Template, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT template_json FROM templates WHERE position_id=?`, positionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Template{}, ErrNotFound
	}
	if err != nil {
		return domain.Template{}, err
	}
	var tpl domain.Template
	if err := json.Unmarshal([]byte(payload), &tpl); err != nil {
		return domain.Template{}, fmt.Errorf("template %s: %w", positionID, err)
	}
	return tpl, nil
}

func (r Repo) ListTemplateIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT position_id FROM templates ORDER BY position_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ImportTemplatesDir loads every *.yml/*.yaml file in dir as a template
// keyed by the file's base name.
func (r Repo) ImportTemplatesDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return count, err
		}
		var tpl domain.Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return count, fmt.Errorf("template file %s: %w", e.Name(), err)
		}
		positionID := strings.TrimSuffix(e.Name(), ext)
		if err := r.UpsertTemplate(ctx, positionID, tpl); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// --- roster ---

func (r Repo) UpsertRosterEntry(ctx context.Context, facilityID string, entry domain.RosterEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO facility_roster(facility_id,username,display_name) VALUES (?,?,?)
ON CONFLICT(facility_id,username) DO UPDATE SET display_name=excluded.display_name`,
		facilityID, entry.Username, entry.DisplayName)
	return err
}

func (r Repo) IncomingRoster(ctx context.Context, facilityID string) ([]domain.RosterEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT username,display_name FROM facility_roster WHERE facility_id=? ORDER BY display_name, username`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RosterEntry
	for rows.Next() {
		var e domain.RosterEntry
		if err := rows.Scan(&e.Username, &e.DisplayName); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- form values ---

// SaveFormValues upserts an assignment's serialized hand-off values. On a
// completed save the payload is checked against the template server-side;
// missing required fields come back as free-text messages and the record
// stays non-completed.
func (r Repo) SaveFormValues(ctx context.Context, assignmentID, actorID string, payload domain.SavePayload, completed bool) (domain.SaveResult, error) {
	var res domain.SaveResult
	a, err := r.GetAssignment(ctx, assignmentID)
	if err != nil {
		return res, err
	}
	if completed {
		tpl, err := r.Template(ctx, a.PositionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return res, err
		}
		if err == nil {
			res.ValidationMessages = checkPayload(tpl, payload)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return res, err
	}
	storedCompleted := completed && len(res.ValidationMessages) == 0

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	now := r.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO form_values(assignment_id,payload_json,completed,updated_at) VALUES (?,?,?,?)
ON CONFLICT(assignment_id) DO UPDATE SET payload_json=excluded.payload_json, completed=excluded.completed, updated_at=excluded.updated_at`,
		assignmentID, string(data), boolInt(storedCompleted), now); err != nil {
		return res, err
	}
	evtType := "handoff.autosaved"
	if completed {
		evtType = "handoff.submitted"
	}
	if err := r.Events.Append(ctx, tx, evtType, assignmentID, actorID, events.EventPayload{
		"completed": storedCompleted,
		"messages":  len(res.ValidationMessages),
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

func (r Repo) GetFormValues(ctx context.Context, assignmentID string) (domain.SavePayload, bool, error) {
	var data string
	var completed int
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json,completed FROM form_values WHERE assignment_id=?`, assignmentID).
		Scan(&data, &completed)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	var payload domain.SavePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, false, err
	}
	return payload, completed != 0, nil
}

// --- visited steps ---

func (r Repo) MarkVisited(ctx context.Context, assignmentID string, step int) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO visited_steps(assignment_id,step) VALUES (?,?)`, assignmentID, step)
	return err
}

func (r Repo) VisitedSteps(ctx context.Context, assignmentID string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT step FROM visited_steps WHERE assignment_id=? ORDER BY step`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []int
	for rows.Next() {
		var s int
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, assignmentID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if assignmentID != "" {
		clauses = append(clauses, "assignment_id=?")
		args = append(args, assignmentID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,assignment_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var aid sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &aid, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if aid.Valid {
			e.AssignmentID = aid.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
