package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Domain errors for the notify package.
var (
	// ErrNotificationNotFound is returned when a notification ID does not exist.
	ErrNotificationNotFound = errors.New("notify: not found")

	// ErrInvalidNotification is returned when required fields are missing.
	ErrInvalidNotification = errors.New("notify: invalid notification")
)

// Repository defines the interface for notification persistence.
type Repository interface {
	// Create inserts a notification. ID and CreatedAt are filled in if unset.
	Create(ctx context.Context, n *Notification) error

	// List retrieves the most recent notifications, newest first.
	List(ctx context.Context, limit int) ([]Notification, error)

	// ListUnread retrieves unread notifications, newest first.
	ListUnread(ctx context.Context, limit int) ([]Notification, error)

	// MarkRead marks a notification as read.
	// Returns ErrNotificationNotFound if the ID does not exist.
	MarkRead(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a notification.
func (r *SQLiteRepository) Create(ctx context.Context, n *Notification) error {
	if n.Type == "" || n.Message == "" {
		return ErrInvalidNotification
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	metadataJSON := "{}"
	if n.Metadata != nil {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	query := `
		INSERT INTO notifications (id, type, device_id, title, message, metadata, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var deviceID sql.NullString
	if n.DeviceID != nil && *n.DeviceID != "" {
		deviceID = sql.NullString{String: *n.DeviceID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.Type,
		deviceID,
		n.Title,
		n.Message,
		metadataJSON,
		boolToInt(n.Read),
		n.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// List retrieves the most recent notifications.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]Notification, error) {
	query := `
		SELECT id, type, device_id, title, message, metadata, read, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT ?`

	return r.queryNotifications(ctx, query, limit)
}

// ListUnread retrieves unread notifications.
func (r *SQLiteRepository) ListUnread(ctx context.Context, limit int) ([]Notification, error) {
	query := `
		SELECT id, type, device_id, title, message, metadata, read, created_at
		FROM notifications
		WHERE read = 0
		ORDER BY created_at DESC
		LIMIT ?`

	return r.queryNotifications(ctx, query, limit)
}

// MarkRead marks a notification as read.
func (r *SQLiteRepository) MarkRead(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE notifications SET read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// queryNotifications executes a query and returns a slice of notifications.
func (r *SQLiteRepository) queryNotifications(ctx context.Context, query string, args ...any) ([]Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		var deviceID sql.NullString
		var metadataJSON, createdAt string
		var read int

		err := rows.Scan(
			&n.ID,
			&n.Type,
			&deviceID,
			&n.Title,
			&n.Message,
			&metadataJSON,
			&read,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}

		n.Read = read != 0
		if deviceID.Valid {
			n.DeviceID = &deviceID.String
		}
		if err := json.Unmarshal([]byte(metadataJSON), &n.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
		n.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return notifications, nil
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
