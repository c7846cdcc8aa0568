package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for access log persistence.
type Repository interface {
	// Record inserts an attempt. The ID and CreatedAt fields are filled
	// in if unset.
	Record(ctx context.Context, attempt *Attempt) error

	// ListByDevice retrieves the most recent attempts for a device,
	// newest first, capped at limit.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Attempt, error)

	// RecentFailures retrieves failed door-access attempts for a device
	// since the given instant, newest first, capped at limit. Only
	// physical credential methods (rfid, fingerprint, face) are included.
	RecentFailures(ctx context.Context, deviceID string, since time.Time, limit int) ([]Attempt, error)

	// CountFailuresSince counts failed door-access attempts for a device
	// since the given instant. Only physical credential methods (rfid,
	// fingerprint, face) are counted.
	CountFailuresSince(ctx context.Context, deviceID string, since time.Time) (int, error)
}

// doorMethodFilter restricts failure queries to physical credential methods.
// A failed remote unlock is an operator or session problem, not evidence of
// tampering at the door.
const doorMethodFilter = `method IN ('rfid', 'fingerprint', 'face')`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an attempt.
func (r *SQLiteRepository) Record(ctx context.Context, attempt *Attempt) error {
	if attempt.DeviceID == "" {
		return ErrInvalidAttempt
	}
	if !attempt.Method.Valid() {
		return ErrInvalidMethod
	}

	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO access_logs (id, device_id, user_id, method, success, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.DeviceID,
		nullableString(attempt.UserID),
		string(attempt.Method),
		boolToInt(attempt.Success),
		attempt.Reason,
		attempt.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting access log: %w", err)
	}
	return nil
}

// ListByDevice retrieves the most recent attempts for a device.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Attempt, error) {
	query := `
		SELECT id, device_id, user_id, method, success, reason, created_at
		FROM access_logs
		WHERE device_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	return r.queryAttempts(ctx, query, deviceID, limit)
}

// RecentFailures retrieves failed door-access attempts for a device since the
// given instant.
func (r *SQLiteRepository) RecentFailures(ctx context.Context, deviceID string, since time.Time, limit int) ([]Attempt, error) {
	query := `
		SELECT id, device_id, user_id, method, success, reason, created_at
		FROM access_logs
		WHERE device_id = ? AND success = 0 AND created_at >= ? AND ` + doorMethodFilter + `
		ORDER BY created_at DESC
		LIMIT ?`

	return r.queryAttempts(ctx, query, deviceID, since.UTC().Format(time.RFC3339), limit)
}

// CountFailuresSince counts failed door-access attempts for a device since
// the given instant.
func (r *SQLiteRepository) CountFailuresSince(ctx context.Context, deviceID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM access_logs
		WHERE device_id = ? AND success = 0 AND created_at >= ? AND ` + doorMethodFilter

	var count int
	err := r.db.QueryRowContext(ctx, query, deviceID, since.UTC().Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting failures: %w", err)
	}
	return count, nil
}

// queryAttempts executes a query and returns a slice of attempts.
func (r *SQLiteRepository) queryAttempts(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying access logs: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning access log: %w", err)
		}
		attempts = append(attempts, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access logs: %w", err)
	}
	return attempts, nil
}

// scanAttempt scans a rows result into an Attempt.
func scanAttempt(rows *sql.Rows) (*Attempt, error) {
	var a Attempt
	var userID sql.NullString
	var success int
	var method, createdAt string

	err := rows.Scan(
		&a.ID,
		&a.DeviceID,
		&userID,
		&method,
		&success,
		&a.Reason,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.Method = Method(method)
	a.Success = success != 0
	if userID.Valid {
		a.UserID = &userID.String
	}

	a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &a, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
