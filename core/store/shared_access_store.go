package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	SharedResourceInvestigation    = "investigation"
	SharedResourceCorrectiveAction = "corrective_action"

	SharedRoleViewer = "viewer"
	SharedRoleEditor = "editor"

	SharedStatusPending  = "pending"
	SharedStatusAccepted = "accepted"
	SharedStatusRevoked  = "revoked"
)

type SharedGrant struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	ResourceType string     `json:"resource_type"`
	ResourceID   int64      `json:"resource_id"`
	Role         string     `json:"role"`
	TokenHash    string     `json:"-"`
	Status       string     `json:"status"`
	ExpiresAt    time.Time  `json:"expires_at"`
	InvitedBy    int64      `json:"invited_by"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    *int64     `json:"revoked_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type SharedAccessStore interface {
	Create(ctx context.Context, g *SharedGrant) (int64, error)
	Get(ctx context.Context, id int64) (*SharedGrant, error)
	List(ctx context.Context, resourceType string, resourceID int64) ([]SharedGrant, error)
	MarkAccepted(ctx context.Context, id int64, at time.Time) error
	Revoke(ctx context.Context, id, by int64, at time.Time) error
}

type sharedAccessStore struct {
	conn
}

func NewSharedAccessStore(db *sql.DB) SharedAccessStore {
	return &sharedAccessStore{conn: newConn(db)}
}

const sharedGrantColumns = `id, email, resource_type, resource_id, role, token_hash, status, expires_at, invited_by, accepted_at, revoked_at, revoked_by, created_at`

func (s *sharedAccessStore) Create(ctx context.Context, g *SharedGrant) (int64, error) {
	now := time.Now().UTC()
	if g.Status == "" {
		g.Status = SharedStatusPending
	}
	id, err := insertReturningID(ctx, s, `
		INSERT INTO shared_access(email, resource_type, resource_id, role, token_hash, status, expires_at, invited_by, created_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		g.Email, g.ResourceType, g.ResourceID, g.Role, g.TokenHash, g.Status, g.ExpiresAt.UTC(), g.InvitedBy, now)
	if err != nil {
		return 0, err
	}
	g.ID = id
	g.CreatedAt = now
	return id, nil
}

func (s *sharedAccessStore) Get(ctx context.Context, id int64) (*SharedGrant, error) {
	g, err := scanGrant(s.queryRow(ctx, `SELECT `+sharedGrantColumns+` FROM shared_access WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *sharedAccessStore) List(ctx context.Context, resourceType string, resourceID int64) ([]SharedGrant, error) {
	rows, err := s.query(ctx, `SELECT `+sharedGrantColumns+` FROM shared_access
		WHERE resource_type=? AND resource_id=? ORDER BY created_at DESC, id DESC`, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []SharedGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *g)
	}
	return res, rows.Err()
}

// MarkAccepted records the first use of a pending grant. Accepted grants are left alone.
func (s *sharedAccessStore) MarkAccepted(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE shared_access SET status=?, accepted_at=? WHERE id=? AND status=?`,
		SharedStatusAccepted, at.UTC(), id, SharedStatusPending)
	return err
}

func (s *sharedAccessStore) Revoke(ctx context.Context, id, by int64, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE shared_access SET status=?, revoked_at=?, revoked_by=? WHERE id=? AND status<>?`,
		SharedStatusRevoked, at.UTC(), by, id, SharedStatusRevoked)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		existing, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func scanGrant(row rowScanner) (*SharedGrant, error) {
	var g SharedGrant
	var accepted, revoked sql.NullTime
	var revokedBy sql.NullInt64
	if err := row.Scan(&g.ID, &g.Email, &g.ResourceType, &g.ResourceID, &g.Role, &g.TokenHash, &g.Status,
		&g.ExpiresAt, &g.InvitedBy, &accepted, &revoked, &revokedBy, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.ExpiresAt = g.ExpiresAt.UTC()
	g.CreatedAt = g.CreatedAt.UTC()
	g.AcceptedAt = timePtr(accepted)
	g.RevokedAt = timePtr(revoked)
	g.RevokedBy = idPtr(revokedBy)
	return &g, nil
}
