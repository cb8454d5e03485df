package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gama-ovr/core/workflow"
)

const (
	ActionStatusOpen   = "open"
	ActionStatusClosed = "closed"
)

type ChecklistItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type CorrectiveAction struct {
	ID                int64           `json:"id"`
	IncidentID        int64           `json:"incident_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	DueDate           time.Time       `json:"due_date"`
	Checklist         []ChecklistItem `json:"checklist"`
	AssigneeIDs       []int64         `json:"assignee_ids"`
	Status            string          `json:"status"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	ClosedBy          *int64          `json:"closed_by,omitempty"`
	OverdueNotifiedAt *time.Time      `json:"overdue_notified_at,omitempty"`
	CreatedBy         int64           `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IncidentGuard pins the incident state a child write was decided against.
type IncidentGuard struct {
	IncidentID      int64
	Status          workflow.Status
	ExpectedVersion int
}

type ActionsStore interface {
	CreateAction(ctx context.Context, action *CorrectiveAction, guard IncidentGuard, advance *TransitionWrite) (int64, error)
	GetAction(ctx context.Context, id int64) (*CorrectiveAction, error)
	ListActions(ctx context.Context, incidentID int64) ([]CorrectiveAction, error)
	UpdateAction(ctx context.Context, action *CorrectiveAction) error
	SetChecklistItem(ctx context.Context, actionID int64, index int, completed bool) (*CorrectiveAction, error)
	CloseAction(ctx context.Context, actionID, userID int64) error
	CountOpenActions(ctx context.Context, incidentID int64) (int, error)
	IsAssignee(ctx context.Context, actionID, userID int64) (bool, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]CorrectiveAction, error)
	MarkOverdueNotified(ctx context.Context, actionID int64, at time.Time) (bool, error)
}

type actionsStore struct {
	conn
}

func NewActionsStore(db *sql.DB) ActionsStore {
	return &actionsStore{conn: newConn(db)}
}

const actionColumns = `id, incident_id, title, description, due_date, checklist, status, closed_at, closed_by, overdue_notified_at, created_by, created_at, updated_at`

// CreateAction inserts the action after re-checking the incident state. When
// advance is set the incident moves forward in the same transaction.
func (s *actionsStore) CreateAction(ctx context.Context, action *CorrectiveAction, guard IncidentGuard, advance *TransitionWrite) (int64, error) {
	now := time.Now().UTC()
	action.Status = ActionStatusOpen
	action.IncidentID = guard.IncidentID
	err := s.withTx(ctx, func(tx *txConn) error {
		if advance != nil {
			if err := applyTransitionTx(ctx, tx, *advance); err != nil {
				return err
			}
		} else {
			res, err := tx.exec(ctx, `UPDATE incidents SET updated_at=?, version=version+1 WHERE id=? AND status=? AND version=?`,
				now, guard.IncidentID, guard.Status, guard.ExpectedVersion)
			if err != nil {
				return err
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return ErrConflict
			}
		}
		id, err := insertReturningID(ctx, tx, `
			INSERT INTO corrective_actions(incident_id, title, description, due_date, checklist, status, created_by, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?)`,
			guard.IncidentID, strings.TrimSpace(action.Title), strings.TrimSpace(action.Description), action.DueDate.UTC(),
			checklistToJSON(action.Checklist), action.Status, action.CreatedBy, now, now)
		if err != nil {
			return err
		}
		action.ID = id
		return replaceAssigneesTx(ctx, tx, id, action.AssigneeIDs)
	})
	if err != nil {
		return 0, err
	}
	action.CreatedAt = now
	action.UpdatedAt = now
	return action.ID, nil
}

func (s *actionsStore) GetAction(ctx context.Context, id int64) (*CorrectiveAction, error) {
	a, err := scanAction(s.queryRow(ctx, `SELECT `+actionColumns+` FROM corrective_actions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids, err := s.assignees(ctx, s, []int64{a.ID})
	if err != nil {
		return nil, err
	}
	a.AssigneeIDs = ids[a.ID]
	return a, nil
}

func (s *actionsStore) ListActions(ctx context.Context, incidentID int64) ([]CorrectiveAction, error) {
	rows, err := s.query(ctx, `SELECT `+actionColumns+` FROM corrective_actions WHERE incident_id=? ORDER BY id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []CorrectiveAction{}
	var ids []int64
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return res, nil
	}
	assigned, err := s.assignees(ctx, s, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].AssigneeIDs = assigned[res[i].ID]
	}
	return res, nil
}

func (s *actionsStore) UpdateAction(ctx context.Context, action *CorrectiveAction) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *txConn) error {
		res, err := tx.exec(ctx, `
			UPDATE corrective_actions SET title=?, description=?, due_date=?, checklist=?, updated_at=?
			WHERE id=? AND status=?`,
			strings.TrimSpace(action.Title), strings.TrimSpace(action.Description), action.DueDate.UTC(), checklistToJSON(action.Checklist), now,
			action.ID, ActionStatusOpen)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrConflict
		}
		action.UpdatedAt = now
		return replaceAssigneesTx(ctx, tx, action.ID, action.AssigneeIDs)
	})
}

func (s *actionsStore) SetChecklistItem(ctx context.Context, actionID int64, index int, completed bool) (*CorrectiveAction, error) {
	var out *CorrectiveAction
	err := s.withTx(ctx, func(tx *txConn) error {
		a, err := scanAction(tx.queryRow(ctx, `SELECT `+actionColumns+` FROM corrective_actions WHERE id=?`, actionID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.Status != ActionStatusOpen {
			return ErrConflict
		}
		if index < 0 || index >= len(a.Checklist) {
			return ErrNotFound
		}
		a.Checklist[index].Completed = completed
		a.UpdatedAt = time.Now().UTC()
		if _, err := tx.exec(ctx, `UPDATE corrective_actions SET checklist=?, updated_at=? WHERE id=?`,
			checklistToJSON(a.Checklist), a.UpdatedAt, actionID); err != nil {
			return err
		}
		ids, err := s.assignees(ctx, tx, []int64{a.ID})
		if err != nil {
			return err
		}
		a.AssigneeIDs = ids[a.ID]
		out = a
		return nil
	})
	return out, err
}

func (s *actionsStore) CloseAction(ctx context.Context, actionID, userID int64) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE corrective_actions SET status=?, closed_at=?, closed_by=?, updated_at=?
		WHERE id=? AND status=?`,
		ActionStatusClosed, now, userID, now, actionID, ActionStatusOpen)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *actionsStore) CountOpenActions(ctx context.Context, incidentID int64) (int, error) {
	return countOpenActions(ctx, s, incidentID)
}

func countOpenActions(ctx context.Context, q querier, incidentID int64) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM corrective_actions WHERE incident_id=? AND status<>?`, incidentID, ActionStatusClosed).Scan(&n)
	return n, err
}

func (s *actionsStore) IsAssignee(ctx context.Context, actionID, userID int64) (bool, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM corrective_action_assignees WHERE action_id=? AND user_id=?`, actionID, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *actionsStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]CorrectiveAction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, fmt.Sprintf(`
		SELECT `+actionColumns+` FROM corrective_actions
		WHERE status=? AND due_date<? AND overdue_notified_at IS NULL
		ORDER BY due_date ASC LIMIT %d`, limit), ActionStatusOpen, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []CorrectiveAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
	}
	return res, rows.Err()
}

func (s *actionsStore) MarkOverdueNotified(ctx context.Context, actionID int64, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE corrective_actions SET overdue_notified_at=? WHERE id=? AND overdue_notified_at IS NULL`, at.UTC(), actionID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *actionsStore) assignees(ctx context.Context, q querier, actionIDs []int64) (map[int64][]int64, error) {
	out := map[int64][]int64{}
	if len(actionIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(actionIDs))
	for _, id := range actionIDs {
		args = append(args, id)
		out[id] = []int64{}
	}
	rows, err := q.query(ctx, fmt.Sprintf(`SELECT action_id, user_id FROM corrective_action_assignees WHERE action_id IN (%s) ORDER BY user_id`, placeholders(len(actionIDs))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var actionID, userID int64
		if err := rows.Scan(&actionID, &userID); err != nil {
			return nil, err
		}
		out[actionID] = append(out[actionID], userID)
	}
	return out, rows.Err()
}

func replaceAssigneesTx(ctx context.Context, tx *txConn, actionID int64, userIDs []int64) error {
	if _, err := tx.exec(ctx, `DELETE FROM corrective_action_assignees WHERE action_id=?`, actionID); err != nil {
		return err
	}
	seen := map[int64]struct{}{}
	for _, uid := range userIDs {
		if uid <= 0 {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		if _, err := tx.exec(ctx, `INSERT INTO corrective_action_assignees(action_id, user_id) VALUES(?,?)`, actionID, uid); err != nil {
			return err
		}
	}
	return nil
}

func scanAction(row rowScanner) (*CorrectiveAction, error) {
	var a CorrectiveAction
	var checklistRaw string
	var closedAt, notifiedAt sql.NullTime
	var closedBy sql.NullInt64
	if err := row.Scan(&a.ID, &a.IncidentID, &a.Title, &a.Description, &a.DueDate, &checklistRaw, &a.Status,
		&closedAt, &closedBy, &notifiedAt, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Checklist = parseChecklist(checklistRaw)
	a.ClosedAt = timePtr(closedAt)
	a.ClosedBy = idPtr(closedBy)
	a.OverdueNotifiedAt = timePtr(notifiedAt)
	a.DueDate = a.DueDate.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.AssigneeIDs = []int64{}
	return &a, nil
}

func checklistToJSON(items []ChecklistItem) string {
	if items == nil {
		items = []ChecklistItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseChecklist(raw string) []ChecklistItem {
	out := []ChecklistItem{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []ChecklistItem{}
	}
	return out
}
