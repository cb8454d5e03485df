package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type SessionRecord struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	Roles      []string  `json:"roles"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	CSRFToken  string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type SessionStore interface {
	SaveSession(ctx context.Context, sess *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	DeleteSession(ctx context.Context, id string, username string) error
	UpdateActivity(ctx context.Context, id string, now time.Time, ttl time.Duration) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type sessionsStore struct {
	conn
}

func NewSessionsStore(db *sql.DB) SessionStore {
	return &sessionsStore{conn: newConn(db)}
}

func (s *sessionsStore) SaveSession(ctx context.Context, sess *SessionRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions(id, user_id, username, roles, csrf_token, ip, user_agent, created_at, last_seen_at, expires_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.Username, stringsToJSON(sess.Roles), sess.CSRFToken, sess.IP, sess.UserAgent,
		sess.CreatedAt.UTC(), sess.LastSeenAt.UTC(), sess.ExpiresAt.UTC())
	return err
}

// GetSession returns nil for unknown or expired sessions.
func (s *sessionsStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var sr SessionRecord
	var rolesRaw string
	err := s.queryRow(ctx, `
		SELECT id, user_id, username, roles, csrf_token, ip, user_agent, created_at, last_seen_at, expires_at
		FROM sessions WHERE id=?`, id).Scan(&sr.ID, &sr.UserID, &sr.Username, &rolesRaw, &sr.CSRFToken, &sr.IP, &sr.UserAgent,
		&sr.CreatedAt, &sr.LastSeenAt, &sr.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(sr.ExpiresAt) {
		return nil, nil
	}
	sr.Roles = parseStrings(rolesRaw)
	return &sr, nil
}

func (s *sessionsStore) DeleteSession(ctx context.Context, id string, username string) error {
	if username != "" {
		_, err := s.exec(ctx, `DELETE FROM sessions WHERE id=? AND username=?`, id, username)
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM sessions WHERE id=?`, id)
	return err
}

func (s *sessionsStore) UpdateActivity(ctx context.Context, id string, now time.Time, ttl time.Duration) error {
	_, err := s.exec(ctx, `UPDATE sessions SET last_seen_at=?, expires_at=? WHERE id=?`, now.UTC(), now.UTC().Add(ttl), id)
	return err
}

func (s *sessionsStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM sessions WHERE expires_at<?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
