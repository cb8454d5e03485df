package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"gama-ovr/core/workflow"
)

type Investigation struct {
	ID                  int64      `json:"id"`
	IncidentID          int64      `json:"incident_id"`
	InvestigatorIDs     []int64    `json:"investigator_ids"`
	Findings            string     `json:"findings"`
	ProblemsIdentified  string     `json:"problems_identified"`
	CauseClassification string     `json:"cause_classification"`
	SubmittedAt         *time.Time `json:"submitted_at,omitempty"`
	SubmittedBy         *int64     `json:"submitted_by,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (i *Investigation) Submitted() bool {
	return i != nil && i.SubmittedAt != nil
}

// ReviewQueueItem is an investigation waiting on an assigned investigator.
type ReviewQueueItem struct {
	IncidentID      int64           `json:"incident_id"`
	RegNo           string          `json:"reg_no"`
	Status          workflow.Status `json:"status"`
	InvestigationID int64           `json:"investigation_id"`
	AssignedAt      time.Time       `json:"assigned_at"`
	Submitted       bool            `json:"submitted"`
}

type InvestigationsStore interface {
	GetByIncident(ctx context.Context, incidentID int64) (*Investigation, error)
	Get(ctx context.Context, id int64) (*Investigation, error)
	SetInvestigators(ctx context.Context, investigationID int64, userIDs []int64, assignedBy int64) error
	UpdateFindings(ctx context.Context, inv *Investigation) error
	Submit(ctx context.Context, investigationID, userID int64) error
	IsInvestigator(ctx context.Context, investigationID, userID int64) (bool, error)
	ReviewQueue(ctx context.Context, userID int64, includeSubmitted bool) ([]ReviewQueueItem, error)
}

type investigationsStore struct {
	conn
}

func NewInvestigationsStore(db *sql.DB) InvestigationsStore {
	return &investigationsStore{conn: newConn(db)}
}

const investigationColumns = `id, incident_id, findings, problems_identified, cause_classification, submitted_at, submitted_by, created_at, updated_at`

func (s *investigationsStore) GetByIncident(ctx context.Context, incidentID int64) (*Investigation, error) {
	return s.load(ctx, s.queryRow(ctx, `SELECT `+investigationColumns+` FROM investigations WHERE incident_id=?`, incidentID))
}

func (s *investigationsStore) Get(ctx context.Context, id int64) (*Investigation, error) {
	return s.load(ctx, s.queryRow(ctx, `SELECT `+investigationColumns+` FROM investigations WHERE id=?`, id))
}

func (s *investigationsStore) load(ctx context.Context, row *sql.Row) (*Investigation, error) {
	var inv Investigation
	var submittedAt sql.NullTime
	var submittedBy sql.NullInt64
	if err := row.Scan(&inv.ID, &inv.IncidentID, &inv.Findings, &inv.ProblemsIdentified, &inv.CauseClassification,
		&submittedAt, &submittedBy, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	inv.SubmittedAt = timePtr(submittedAt)
	inv.SubmittedBy = idPtr(submittedBy)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	rows, err := s.query(ctx, `SELECT user_id FROM investigation_investigators WHERE investigation_id=? ORDER BY user_id`, inv.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	inv.InvestigatorIDs = []int64{}
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		inv.InvestigatorIDs = append(inv.InvestigatorIDs, uid)
	}
	return &inv, rows.Err()
}

// SetInvestigators replaces the assignment. Existing rows keep their
// original assignment time.
func (s *investigationsStore) SetInvestigators(ctx context.Context, investigationID int64, userIDs []int64, assignedBy int64) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *txConn) error {
		keep := map[int64]struct{}{}
		for _, uid := range userIDs {
			if uid > 0 {
				keep[uid] = struct{}{}
			}
		}
		rows, err := tx.query(ctx, `SELECT user_id FROM investigation_investigators WHERE investigation_id=?`, investigationID)
		if err != nil {
			return err
		}
		existing := map[int64]struct{}{}
		for rows.Next() {
			var uid int64
			if err := rows.Scan(&uid); err != nil {
				rows.Close()
				return err
			}
			existing[uid] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for uid := range existing {
			if _, ok := keep[uid]; ok {
				continue
			}
			if _, err := tx.exec(ctx, `DELETE FROM investigation_investigators WHERE investigation_id=? AND user_id=?`, investigationID, uid); err != nil {
				return err
			}
		}
		for uid := range keep {
			if _, ok := existing[uid]; ok {
				continue
			}
			if _, err := tx.exec(ctx, `
				INSERT INTO investigation_investigators(investigation_id, user_id, assigned_by, assigned_at) VALUES(?,?,?,?)`,
				investigationID, uid, assignedBy, now); err != nil {
				return err
			}
		}
		_, err = tx.exec(ctx, `UPDATE investigations SET updated_at=? WHERE id=?`, now, investigationID)
		return err
	})
}

func (s *investigationsStore) UpdateFindings(ctx context.Context, inv *Investigation) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE investigations SET findings=?, problems_identified=?, cause_classification=?, updated_at=?
		WHERE id=? AND submitted_at IS NULL`,
		strings.TrimSpace(inv.Findings), strings.TrimSpace(inv.ProblemsIdentified), strings.TrimSpace(inv.CauseClassification), now, inv.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	inv.UpdatedAt = now
	return nil
}

func (s *investigationsStore) Submit(ctx context.Context, investigationID, userID int64) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE investigations SET submitted_at=?, submitted_by=?, updated_at=?
		WHERE id=? AND submitted_at IS NULL`, now, userID, now, investigationID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *investigationsStore) IsInvestigator(ctx context.Context, investigationID, userID int64) (bool, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM investigation_investigators WHERE investigation_id=? AND user_id=?`,
		investigationID, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReviewQueue lists investigations assigned to userID on incidents that are
// still under investigation. A zero userID lists every assignment.
func (s *investigationsStore) ReviewQueue(ctx context.Context, userID int64, includeSubmitted bool) ([]ReviewQueueItem, error) {
	query := `
		SELECT i.id, i.reg_no, i.status, inv.id, ii.assigned_at, inv.submitted_at
		FROM investigation_investigators ii
		JOIN investigations inv ON inv.id = ii.investigation_id
		JOIN incidents i ON i.id = inv.incident_id
		WHERE i.status = ?`
	args := []any{workflow.StatusInvestigating}
	if userID > 0 {
		query += ` AND ii.user_id = ?`
		args = append(args, userID)
	}
	if !includeSubmitted {
		query += ` AND inv.submitted_at IS NULL`
	}
	query += ` ORDER BY ii.assigned_at ASC, inv.id ASC`
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []ReviewQueueItem{}
	seen := map[int64]struct{}{}
	for rows.Next() {
		var item ReviewQueueItem
		var submitted sql.NullTime
		if err := rows.Scan(&item.IncidentID, &item.RegNo, &item.Status, &item.InvestigationID, &item.AssignedAt, &submitted); err != nil {
			return nil, err
		}
		if _, dup := seen[item.InvestigationID]; dup {
			continue
		}
		seen[item.InvestigationID] = struct{}{}
		item.AssignedAt = item.AssignedAt.UTC()
		item.Submitted = submitted.Valid
		res = append(res, item)
	}
	return res, rows.Err()
}
