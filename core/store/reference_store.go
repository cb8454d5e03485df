package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Department struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Location struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DepartmentID *int64    `json:"department_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReferenceStore keeps the department and location lookup tables.
type ReferenceStore interface {
	ListDepartments(ctx context.Context, activeOnly bool) ([]Department, error)
	GetDepartment(ctx context.Context, id int64) (*Department, error)
	CreateDepartment(ctx context.Context, d *Department) (int64, error)
	UpdateDepartment(ctx context.Context, d *Department) error
	ListLocations(ctx context.Context, departmentID int64) ([]Location, error)
	GetLocation(ctx context.Context, id int64) (*Location, error)
	CreateLocation(ctx context.Context, l *Location) (int64, error)
}

type referenceStore struct {
	conn
}

func NewReferenceStore(db *sql.DB) ReferenceStore {
	return &referenceStore{conn: newConn(db)}
}

func (s *referenceStore) ListDepartments(ctx context.Context, activeOnly bool) ([]Department, error) {
	query := `SELECT id, name, code, active, created_at, updated_at FROM departments`
	var args []any
	if activeOnly {
		query += ` WHERE active=?`
		args = append(args, true)
	}
	query += ` ORDER BY name`
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Department{}
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.Code, &d.Active, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *referenceStore) GetDepartment(ctx context.Context, id int64) (*Department, error) {
	var d Department
	err := s.queryRow(ctx, `SELECT id, name, code, active, created_at, updated_at FROM departments WHERE id=?`, id).
		Scan(&d.ID, &d.Name, &d.Code, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *referenceStore) CreateDepartment(ctx context.Context, d *Department) (int64, error) {
	now := time.Now().UTC()
	id, err := insertReturningID(ctx, s, `
		INSERT INTO departments(name, code, active, created_at, updated_at) VALUES(?,?,?,?,?)`,
		strings.TrimSpace(d.Name), strings.TrimSpace(d.Code), true, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	d.ID = id
	d.Active = true
	d.CreatedAt = now
	d.UpdatedAt = now
	return id, nil
}

func (s *referenceStore) UpdateDepartment(ctx context.Context, d *Department) error {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE departments SET name=?, code=?, active=?, updated_at=? WHERE id=?`,
		strings.TrimSpace(d.Name), strings.TrimSpace(d.Code), d.Active, now, d.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	d.UpdatedAt = now
	return nil
}

// ListLocations returns every location when departmentID is zero.
func (s *referenceStore) ListLocations(ctx context.Context, departmentID int64) ([]Location, error) {
	query := `SELECT id, name, department_id, created_at FROM locations`
	var args []any
	if departmentID > 0 {
		query += ` WHERE department_id=?`
		args = append(args, departmentID)
	}
	query += ` ORDER BY name, id`
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Location{}
	for rows.Next() {
		var l Location
		var dept sql.NullInt64
		if err := rows.Scan(&l.ID, &l.Name, &dept, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.DepartmentID = idPtr(dept)
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *referenceStore) GetLocation(ctx context.Context, id int64) (*Location, error) {
	var l Location
	var dept sql.NullInt64
	err := s.queryRow(ctx, `SELECT id, name, department_id, created_at FROM locations WHERE id=?`, id).
		Scan(&l.ID, &l.Name, &dept, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.DepartmentID = idPtr(dept)
	return &l, nil
}

func (s *referenceStore) CreateLocation(ctx context.Context, l *Location) (int64, error) {
	now := time.Now().UTC()
	id, err := insertReturningID(ctx, s, `INSERT INTO locations(name, department_id, created_at) VALUES(?,?,?)`,
		strings.TrimSpace(l.Name), nullableID(l.DepartmentID), now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	l.ID = id
	l.CreatedAt = now
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
