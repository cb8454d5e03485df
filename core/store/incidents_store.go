package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gama-ovr/core/workflow"
)

type Incident struct {
	ID                 int64           `json:"id"`
	RegNo              string          `json:"reg_no"`
	Status             workflow.Status `json:"status"`
	ReporterID         int64           `json:"reporter_id"`
	OccurrenceCategory string          `json:"occurrence_category"`
	OccurrenceDate     *time.Time      `json:"occurrence_date,omitempty"`
	DepartmentID       *int64          `json:"department_id,omitempty"`
	LocationID         *int64          `json:"location_id,omitempty"`
	Description        string          `json:"description"`
	ImmediateAction    string          `json:"immediate_action"`
	CaseReview         string          `json:"case_review,omitempty"`
	ReporterFeedback   string          `json:"reporter_feedback,omitempty"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	ClosedBy           *int64          `json:"closed_by,omitempty"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type IncidentHistory struct {
	ID         int64           `json:"id"`
	IncidentID int64           `json:"incident_id"`
	Action     string          `json:"action"`
	FromStatus workflow.Status `json:"from_status"`
	ToStatus   workflow.Status `json:"to_status"`
	Reason     string          `json:"reason,omitempty"`
	ActorID    int64           `json:"actor_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

type IncidentFilter struct {
	Search       string
	StatusIn     []workflow.Status
	ReporterID   int64
	DepartmentID int64
	Limit        int
	Offset       int
}

// TransitionWrite is one status change together with its side effects. The
// update matches on the expected status and version only.
type TransitionWrite struct {
	IncidentID           int64
	Action               string
	From                 workflow.Status
	To                   workflow.Status
	ExpectedVersion      int
	Reason               string
	ActorID              int64
	CreateInvestigation  bool
	Close                bool
	RequireClosedActions bool
	CaseReview           string
	ReporterFeedback     string
	At                   time.Time
}

type IncidentsStore interface {
	CreateIncident(ctx context.Context, incident *Incident, regFormat string) (int64, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	UpdateDraft(ctx context.Context, incident *Incident, expectedVersion int) error
	ApplyTransition(ctx context.Context, w TransitionWrite) error
	ListHistory(ctx context.Context, incidentID int64, limit int) ([]IncidentHistory, error)
}

type incidentsStore struct {
	conn
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{conn: newConn(db)}
}

const incidentColumns = `id, reg_no, status, reporter_id, occurrence_category, occurrence_date, department_id, location_id, description, immediate_action, case_review, reporter_feedback, closed_at, closed_by, version, created_at, updated_at`

func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident, regFormat string) (int64, error) {
	now := time.Now().UTC()
	if incident.Status == "" {
		incident.Status = workflow.StatusDraft
	}
	incident.Version = 1
	err := s.withTx(ctx, func(tx *txConn) error {
		if strings.TrimSpace(incident.RegNo) == "" {
			seq, err := nextIncidentSeqTx(ctx, tx, now.Year())
			if err != nil {
				return err
			}
			incident.RegNo = buildIncidentRegNo(regFormat, now.Year(), seq)
		}
		id, err := insertReturningID(ctx, tx, `
			INSERT INTO incidents(reg_no, status, reporter_id, occurrence_category, occurrence_date, department_id, location_id, description, immediate_action, version, created_at, updated_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			incident.RegNo, incident.Status, incident.ReporterID, strings.TrimSpace(incident.OccurrenceCategory), nullableTime(incident.OccurrenceDate),
			nullableID(incident.DepartmentID), nullableID(incident.LocationID), incident.Description, incident.ImmediateAction, incident.Version, now, now)
		if err != nil {
			return err
		}
		incident.ID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	incident.CreatedAt = now
	incident.UpdatedAt = now
	return incident.ID, nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.queryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if len(filter.StatusIn) > 0 {
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(filter.StatusIn))))
		for _, st := range filter.StatusIn {
			args = append(args, string(st))
		}
	}
	if filter.ReporterID > 0 {
		clauses = append(clauses, "reporter_id=?")
		args = append(args, filter.ReporterID)
	}
	if filter.DepartmentID > 0 {
		clauses = append(clauses, "department_id=?")
		args = append(args, filter.DepartmentID)
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Search)); q != "" {
		clauses = append(clauses, "(LOWER(reg_no) LIKE ? OR LOWER(description) LIKE ? OR LOWER(occurrence_category) LIKE ?)")
		like := "%" + q + "%"
		args = append(args, like, like, like)
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *inc)
	}
	return res, rows.Err()
}

// UpdateDraft rewrites the business content of a draft incident.
func (s *incidentsStore) UpdateDraft(ctx context.Context, incident *Incident, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE incidents SET occurrence_category=?, occurrence_date=?, department_id=?, location_id=?, description=?, immediate_action=?, updated_at=?, version=version+1
		WHERE id=? AND version=? AND status=?`,
		strings.TrimSpace(incident.OccurrenceCategory), nullableTime(incident.OccurrenceDate), nullableID(incident.DepartmentID), nullableID(incident.LocationID),
		incident.Description, incident.ImmediateAction, now, incident.ID, expectedVersion, workflow.StatusDraft)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	incident.Version = expectedVersion + 1
	incident.UpdatedAt = now
	return nil
}

func (s *incidentsStore) ApplyTransition(ctx context.Context, w TransitionWrite) error {
	return s.withTx(ctx, func(tx *txConn) error {
		return applyTransitionTx(ctx, tx, w)
	})
}

func applyTransitionTx(ctx context.Context, tx *txConn, w TransitionWrite) error {
	at := w.At.UTC()
	if w.At.IsZero() {
		at = time.Now().UTC()
	}
	if w.RequireClosedActions || w.Close {
		open, err := countOpenActions(ctx, tx, w.IncidentID)
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrOpenActions
		}
	}
	var res sql.Result
	var err error
	if w.Close {
		res, err = tx.exec(ctx, `
			UPDATE incidents SET status=?, closed_at=?, closed_by=?, case_review=?, reporter_feedback=?, updated_at=?, version=version+1
			WHERE id=? AND status=? AND version=?`,
			w.To, at, w.ActorID, strings.TrimSpace(w.CaseReview), strings.TrimSpace(w.ReporterFeedback), at,
			w.IncidentID, w.From, w.ExpectedVersion)
	} else {
		res, err = tx.exec(ctx, `
			UPDATE incidents SET status=?, closed_at=NULL, closed_by=NULL, updated_at=?, version=version+1
			WHERE id=? AND status=? AND version=?`,
			w.To, at, w.IncidentID, w.From, w.ExpectedVersion)
	}
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	if w.CreateInvestigation {
		if _, err := tx.exec(ctx, `
			INSERT INTO investigations(incident_id, created_at, updated_at) VALUES(?,?,?)
			ON CONFLICT (incident_id) DO NOTHING`, w.IncidentID, at, at); err != nil {
			return err
		}
	}
	_, err = tx.exec(ctx, `
		INSERT INTO incident_history(incident_id, action, from_status, to_status, reason, actor_id, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		w.IncidentID, w.Action, w.From, w.To, strings.TrimSpace(w.Reason), w.ActorID, at)
	return err
}

func (s *incidentsStore) ListHistory(ctx context.Context, incidentID int64, limit int) ([]IncidentHistory, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.query(ctx, fmt.Sprintf(`
		SELECT id, incident_id, action, from_status, to_status, reason, actor_id, created_at
		FROM incident_history WHERE incident_id=? ORDER BY id ASC LIMIT %d`, limit), incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []IncidentHistory{}
	for rows.Next() {
		var h IncidentHistory
		if err := rows.Scan(&h.ID, &h.IncidentID, &h.Action, &h.FromStatus, &h.ToStatus, &h.Reason, &h.ActorID, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.CreatedAt = h.CreatedAt.UTC()
		res = append(res, h)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var occurred, closedAt sql.NullTime
	var dept, loc, closedBy sql.NullInt64
	if err := row.Scan(&inc.ID, &inc.RegNo, &inc.Status, &inc.ReporterID, &inc.OccurrenceCategory, &occurred, &dept, &loc,
		&inc.Description, &inc.ImmediateAction, &inc.CaseReview, &inc.ReporterFeedback, &closedAt, &closedBy,
		&inc.Version, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return nil, err
	}
	inc.OccurrenceDate = timePtr(occurred)
	inc.DepartmentID = idPtr(dept)
	inc.LocationID = idPtr(loc)
	inc.ClosedAt = timePtr(closedAt)
	inc.ClosedBy = idPtr(closedBy)
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	return &inc, nil
}

func nextIncidentSeqTx(ctx context.Context, tx *txConn, year int) (int64, error) {
	var seq int64
	if err := tx.queryRow(ctx, `
		INSERT INTO incident_seq(year, seq)
		VALUES(?,1)
		ON CONFLICT (year)
		DO UPDATE SET seq = incident_seq.seq + 1
		RETURNING seq
	`, year).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

var seqToken = regexp.MustCompile(`\{seq(?::(\d+))?\}`)

func buildIncidentRegNo(format string, year int, seq int64) string {
	if strings.TrimSpace(format) == "" {
		format = "OVR-{year}-{seq:05}"
	}
	out := strings.ReplaceAll(format, "{year}", fmt.Sprintf("%d", year))
	out = seqToken.ReplaceAllStringFunc(out, func(token string) string {
		m := seqToken.FindStringSubmatch(token)
		if len(m) == 2 && m[1] != "" {
			width := 0
			_, _ = fmt.Sscanf(m[1], "%d", &width)
			if width > 0 {
				return fmt.Sprintf("%0*d", width, seq)
			}
		}
		return fmt.Sprintf("%d", seq)
	})
	return out
}
