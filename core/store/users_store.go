package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type User struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Roles       []string   `json:"roles"`
	Groups      []string   `json:"groups,omitempty"`
	Active      bool       `json:"active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type UsersStore interface {
	UpsertFromIdentity(ctx context.Context, email, displayName string, groups, roles []string) (*User, error)
	Get(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]User, error)
	List(ctx context.Context, activeOnly bool) ([]User, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

type usersStore struct {
	conn
}

func NewUsersStore(db *sql.DB) UsersStore {
	return &usersStore{conn: newConn(db)}
}

const userColumns = `id, email, display_name, roles, groups_json, active, last_login_at, created_at, updated_at`

// UpsertFromIdentity creates the user on first sign-in and refreshes name,
// groups and roles afterwards. The active flag is never touched here.
func (s *usersStore) UpsertFromIdentity(ctx context.Context, email, displayName string, groups, roles []string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("email is required")
	}
	now := time.Now().UTC()
	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO users(email, display_name, roles, groups_json, active, last_login_at, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT (email) DO UPDATE SET
			display_name = excluded.display_name,
			roles = excluded.roles,
			groups_json = excluded.groups_json,
			last_login_at = excluded.last_login_at,
			updated_at = excluded.updated_at
		RETURNING id`,
		email, strings.TrimSpace(displayName), stringsToJSON(roles), stringsToJSON(groups), true, now, now, now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", email, err)
	}
	return s.Get(ctx, id)
}

func (s *usersStore) Get(ctx context.Context, id int64) (*User, error) {
	return scanUserRow(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (s *usersStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUserRow(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *usersStore) GetMany(ctx context.Context, ids []int64) (map[int64]User, error) {
	out := map[int64]User{}
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.query(ctx, fmt.Sprintf(`SELECT `+userColumns+` FROM users WHERE id IN (%s)`, placeholders(len(ids))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ID] = *u
	}
	return out, rows.Err()
}

func (s *usersStore) List(ctx context.Context, activeOnly bool) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if activeOnly {
		query += ` WHERE active=?`
		args = append(args, true)
	}
	query += ` ORDER BY display_name, email`
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

func (s *usersStore) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.exec(ctx, `UPDATE users SET active=?, updated_at=? WHERE id=?`, active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUserRow(row *sql.Row) (*User, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var rolesRaw, groupsRaw string
	var lastLogin sql.NullTime
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &rolesRaw, &groupsRaw, &u.Active, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Roles = parseStrings(rolesRaw)
	u.Groups = parseStrings(groupsRaw)
	u.LastLoginAt = timePtr(lastLogin)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func stringsToJSON(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseStrings(raw string) []string {
	out := []string{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}
