package firmware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for firmware artifact and rollout persistence.
type Repository interface {
	// CreateFirmware inserts an artifact record.
	// Returns ErrVersionExists if the version is already present.
	CreateFirmware(ctx context.Context, fw *Firmware) error

	// GetFirmwareByID retrieves an artifact by ID.
	// Returns ErrFirmwareNotFound if absent.
	GetFirmwareByID(ctx context.Context, id string) (*Firmware, error)

	// GetFirmwareByVersion retrieves an artifact by version.
	// Returns ErrFirmwareNotFound if absent.
	GetFirmwareByVersion(ctx context.Context, version string) (*Firmware, error)

	// ListFirmwares retrieves all artifacts, newest first.
	ListFirmwares(ctx context.Context) ([]Firmware, error)

	// SetFirmwareActive flips an artifact's distribution flag.
	// Returns ErrFirmwareNotFound if absent.
	SetFirmwareActive(ctx context.Context, id string, active bool) error

	// CreateRollout inserts a rollout row with status pending.
	CreateRollout(ctx context.Context, r *Rollout) error

	// GetRollout retrieves the rollout for an update/device pair.
	// Returns ErrRolloutNotFound if absent.
	GetRollout(ctx context.Context, updateID, deviceID string) (*Rollout, error)

	// ListRolloutsByUpdate retrieves all rollouts sharing an update ID.
	ListRolloutsByUpdate(ctx context.Context, updateID string) ([]Rollout, error)

	// ListRolloutsByDevice retrieves a device's rollouts, newest first.
	ListRolloutsByDevice(ctx context.Context, deviceID string, limit int) ([]Rollout, error)

	// ApplyProgress conditionally updates a rollout that is not yet in a
	// terminal state. Returns ErrRolloutFinished if it is, and
	// ErrRolloutNotFound if no rollout matches.
	ApplyProgress(ctx context.Context, updateID, deviceID string, status RolloutStatus, progress int, message string, endedAt *time.Time) error

	// FailStale marks pending/in_progress rollouts that started before the
	// cutoff as failed. Returns how many rollouts were failed.
	FailStale(ctx context.Context, before time.Time, message string) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const firmwareColumns = `id, version, filename, size_bytes, sha256, signature, active, uploaded_by, release_notes, created_at`

const rolloutColumns = `id, update_id, firmware_id, device_id, from_version, to_version,
		status, progress, message, started_at, ended_at, updated_at`

// CreateFirmware inserts an artifact record.
func (r *SQLiteRepository) CreateFirmware(ctx context.Context, fw *Firmware) error {
	if fw.CreatedAt.IsZero() {
		fw.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO firmwares (` + firmwareColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		fw.ID,
		fw.Version,
		fw.Filename,
		fw.Size,
		fw.SHA256,
		fw.Signature,
		boolToInt(fw.Active),
		fw.UploadedBy,
		fw.ReleaseNotes,
		fw.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrVersionExists
		}
		return fmt.Errorf("inserting firmware: %w", err)
	}
	return nil
}

// GetFirmwareByID retrieves an artifact by ID.
func (r *SQLiteRepository) GetFirmwareByID(ctx context.Context, id string) (*Firmware, error) {
	query := `SELECT ` + firmwareColumns + ` FROM firmwares WHERE id = ?`
	return r.getFirmware(ctx, query, id)
}

// GetFirmwareByVersion retrieves an artifact by version.
func (r *SQLiteRepository) GetFirmwareByVersion(ctx context.Context, version string) (*Firmware, error) {
	query := `SELECT ` + firmwareColumns + ` FROM firmwares WHERE version = ?`
	return r.getFirmware(ctx, query, version)
}

func (r *SQLiteRepository) getFirmware(ctx context.Context, query string, arg any) (*Firmware, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	fw, err := scanFirmware(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFirmwareNotFound
		}
		return nil, fmt.Errorf("querying firmware: %w", err)
	}
	return fw, nil
}

// ListFirmwares retrieves all artifacts, newest first.
func (r *SQLiteRepository) ListFirmwares(ctx context.Context) ([]Firmware, error) {
	query := `SELECT ` + firmwareColumns + ` FROM firmwares ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying firmwares: %w", err)
	}
	defer rows.Close()

	var firmwares []Firmware
	for rows.Next() {
		fw, err := scanFirmware(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning firmware: %w", err)
		}
		firmwares = append(firmwares, *fw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating firmwares: %w", err)
	}
	return firmwares, nil
}

// SetFirmwareActive flips an artifact's distribution flag.
func (r *SQLiteRepository) SetFirmwareActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE firmwares SET active = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("updating firmware active flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrFirmwareNotFound
	}
	return nil
}

// CreateRollout inserts a rollout row.
func (r *SQLiteRepository) CreateRollout(ctx context.Context, rollout *Rollout) error {
	now := time.Now().UTC()
	if rollout.StartedAt.IsZero() {
		rollout.StartedAt = now
	}
	rollout.UpdatedAt = now

	query := `
		INSERT INTO firmware_rollouts (` + rolloutColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rollout.ID,
		rollout.UpdateID,
		rollout.FirmwareID,
		rollout.DeviceID,
		rollout.FromVersion,
		rollout.ToVersion,
		string(rollout.Status),
		rollout.Progress,
		rollout.Message,
		rollout.StartedAt.Format(time.RFC3339),
		nullableTime(rollout.EndedAt),
		rollout.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting rollout: %w", err)
	}
	return nil
}

// GetRollout retrieves the rollout for an update/device pair.
func (r *SQLiteRepository) GetRollout(ctx context.Context, updateID, deviceID string) (*Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM firmware_rollouts WHERE update_id = ? AND device_id = ?`

	row := r.db.QueryRowContext(ctx, query, updateID, deviceID)
	rollout, err := scanRollout(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRolloutNotFound
		}
		return nil, fmt.Errorf("querying rollout: %w", err)
	}
	return rollout, nil
}

// ListRolloutsByUpdate retrieves all rollouts sharing an update ID.
func (r *SQLiteRepository) ListRolloutsByUpdate(ctx context.Context, updateID string) ([]Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM firmware_rollouts WHERE update_id = ? ORDER BY device_id`
	return r.queryRollouts(ctx, query, updateID)
}

// ListRolloutsByDevice retrieves a device's rollouts, newest first.
func (r *SQLiteRepository) ListRolloutsByDevice(ctx context.Context, deviceID string, limit int) ([]Rollout, error) {
	query := `SELECT ` + rolloutColumns + ` FROM firmware_rollouts WHERE device_id = ? ORDER BY started_at DESC LIMIT ?`
	return r.queryRollouts(ctx, query, deviceID, limit)
}

// ApplyProgress conditionally updates a non-terminal rollout.
//
// The status guard makes the terminal states absorbing under concurrent
// reports: two racing updates cannot both move a rollout out of
// pending/in_progress once one of them has finished it.
func (r *SQLiteRepository) ApplyProgress(ctx context.Context, updateID, deviceID string, status RolloutStatus, progress int, message string, endedAt *time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE firmware_rollouts
		SET status = ?, progress = ?, message = ?, ended_at = ?, updated_at = ?
		WHERE update_id = ? AND device_id = ?
		  AND status NOT IN ('completed', 'failed')`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		progress,
		message,
		nullableTime(endedAt),
		now.Format(time.RFC3339),
		updateID,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("applying rollout progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Nothing matched: distinguish a finished rollout from a missing one.
	if _, err := r.GetRollout(ctx, updateID, deviceID); err != nil {
		return err
	}
	return ErrRolloutFinished
}

// FailStale marks pending/in_progress rollouts older than the cutoff as failed.
func (r *SQLiteRepository) FailStale(ctx context.Context, before time.Time, message string) (int64, error) {
	now := time.Now().UTC()
	query := `
		UPDATE firmware_rollouts
		SET status = 'failed', message = ?, ended_at = ?, updated_at = ?
		WHERE status IN ('pending', 'in_progress') AND started_at < ?`

	result, err := r.db.ExecContext(ctx, query,
		message,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failing stale rollouts: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return count, nil
}

// queryRollouts executes a query and returns a slice of rollouts.
func (r *SQLiteRepository) queryRollouts(ctx context.Context, query string, args ...any) ([]Rollout, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rollouts: %w", err)
	}
	defer rows.Close()

	var rollouts []Rollout
	for rows.Next() {
		rollout, err := scanRollout(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rollout: %w", err)
		}
		rollouts = append(rollouts, *rollout)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rollouts: %w", err)
	}
	return rollouts, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanFirmware scans a row or rows result into a Firmware.
func scanFirmware(scanner rowScanner) (*Firmware, error) {
	var fw Firmware
	var active int
	var createdAt string

	err := scanner.Scan(
		&fw.ID,
		&fw.Version,
		&fw.Filename,
		&fw.Size,
		&fw.SHA256,
		&fw.Signature,
		&active,
		&fw.UploadedBy,
		&fw.ReleaseNotes,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	fw.Active = active != 0

	fw.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &fw, nil
}

// scanRollout scans a row or rows result into a Rollout.
func scanRollout(scanner rowScanner) (*Rollout, error) {
	var r Rollout
	var status string
	var endedAt sql.NullString
	var startedAt, updatedAt string

	err := scanner.Scan(
		&r.ID,
		&r.UpdateID,
		&r.FirmwareID,
		&r.DeviceID,
		&r.FromVersion,
		&r.ToVersion,
		&status,
		&r.Progress,
		&r.Message,
		&startedAt,
		&endedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = RolloutStatus(status)

	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err == nil {
			r.EndedAt = &t
		}
	}
	r.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &r, nil
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
