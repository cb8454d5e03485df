package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

type AuditRecord struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditFilter narrows the audit feed. Zero values disable a clause.
type AuditFilter struct {
	ActionPrefix string
	Username     string
	Since        time.Time
	To           *time.Time
	Limit        int
}

type AuditStore interface {
	Log(ctx context.Context, username, action, details string) error
	List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

type auditStore struct {
	conn
}

func NewAuditStore(db *sql.DB) AuditStore {
	return &auditStore{conn: newConn(db)}
}

func (s *auditStore) Log(ctx context.Context, username, action, details string) error {
	_, err := s.exec(ctx, `INSERT INTO audit_log(username, action, details, created_at) VALUES(?,?,?,?)`,
		strings.TrimSpace(username), action, details, time.Now().UTC())
	return err
}

func (s *auditStore) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	var clauses []string
	var args []any
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at>=?")
		args = append(args, filter.Since.UTC())
	}
	if filter.To != nil {
		clauses = append(clauses, "created_at<=?")
		args = append(args, filter.To.UTC())
	}
	if prefix := strings.TrimSpace(filter.ActionPrefix); prefix != "" {
		clauses = append(clauses, "action LIKE ?")
		args = append(args, prefix+"%")
	}
	if user := strings.TrimSpace(filter.Username); user != "" {
		clauses = append(clauses, "LOWER(username)=?")
		args = append(args, strings.ToLower(user))
	}
	query := `SELECT id, username, action, details, created_at FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	query += " LIMIT ?"
	args = append(args, limit)
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Action, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		res = append(res, rec)
	}
	return res, rows.Err()
}
