package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByDeviceID retrieves a device by its fleet identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByDeviceID(ctx context.Context, deviceID string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// ListByStatus retrieves all devices in a specific lifecycle state.
	ListByStatus(ctx context.Context, status Status) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same device ID already exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// UpdatePresence updates the status and last seen timestamp unless the
	// device is blocked or still pending. Those devices keep their status
	// but still have last_seen_at recorded. Returns ErrDeviceNotFound if
	// absent.
	UpdatePresence(ctx context.Context, deviceID string, status Status, lastSeen time.Time) error

	// UpdateFirmwareVersion records the firmware version a device reports.
	UpdateFirmwareVersion(ctx context.Context, deviceID, version string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, device_id, name, type, model, organization_id, status,
		provisioning_token, token_expires_at,
		public_key, certificate_serial, certificate_pem, firmware_version, metadata,
		last_seen_at, created_at, updated_at`

// GetByDeviceID retrieves a device by its fleet identifier.
func (r *SQLiteRepository) GetByDeviceID(ctx context.Context, deviceID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = ?`

	row := r.db.QueryRowContext(ctx, query, deviceID)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by device_id: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`
	return r.queryDevices(ctx, query)
}

// ListByStatus retrieves all devices in a specific lifecycle state.
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status Status) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE status = ? ORDER BY device_id`
	return r.queryDevices(ctx, query, string(status))
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	metadataJSON, err := marshalMetadata(device.Metadata)
	if err != nil {
		return err
	}

	// Set timestamps if not set
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, device_id, name, type, model, organization_id, status,
			provisioning_token, token_expires_at,
			public_key, certificate_serial, certificate_pem, firmware_version, metadata,
			last_seen_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		device.ID,
		device.DeviceID,
		device.Name,
		device.Type,
		device.Model,
		nullableString(device.OrganizationID),
		string(device.Status),
		nullableString(device.ProvisioningToken),
		nullableTime(device.TokenExpiresAt),
		nullableString(device.PublicKeyPEM),
		nullableString(device.CertificateSerial),
		nullableString(device.CertificatePEM),
		device.FirmwareVersion,
		metadataJSON,
		nullableTime(device.LastSeenAt),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		// Check for unique constraint violation
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Update modifies an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	metadataJSON, err := marshalMetadata(device.Metadata)
	if err != nil {
		return err
	}

	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices SET
			name = ?, type = ?, model = ?, organization_id = ?, status = ?,
			provisioning_token = ?, token_expires_at = ?,
			public_key = ?, certificate_serial = ?, certificate_pem = ?,
			firmware_version = ?, metadata = ?, last_seen_at = ?, updated_at = ?
		WHERE device_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		device.Type,
		device.Model,
		nullableString(device.OrganizationID),
		string(device.Status),
		nullableString(device.ProvisioningToken),
		nullableTime(device.TokenExpiresAt),
		nullableString(device.PublicKeyPEM),
		nullableString(device.CertificateSerial),
		nullableString(device.CertificatePEM),
		device.FirmwareVersion,
		metadataJSON,
		nullableTime(device.LastSeenAt),
		device.UpdatedAt.Format(time.RFC3339),
		device.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// UpdatePresence updates the status and last seen timestamp for provisioned,
// non-blocked devices. A blocked device keeps its blocked status and a pending
// device keeps its pending status, but both still have last_seen_at refreshed
// so operators can see the hardware is alive.
func (r *SQLiteRepository) UpdatePresence(ctx context.Context, deviceID string, status Status, lastSeen time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET status = CASE WHEN status IN ('blocked', 'pending') THEN status ELSE ? END,
		    last_seen_at = ?,
		    updated_at = ?
		WHERE device_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		lastSeen.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("updating device presence: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// UpdateFirmwareVersion records the firmware version a device reports.
func (r *SQLiteRepository) UpdateFirmwareVersion(ctx context.Context, deviceID, version string) error {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET firmware_version = ?, updated_at = ?
		WHERE device_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		version,
		now.Format(time.RFC3339),
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("updating firmware version: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var organizationID sql.NullString
	var provisioningToken, tokenExpiresAt sql.NullString
	var publicKeyPEM, certificateSerial, certificatePEM sql.NullString
	var lastSeenAt sql.NullString
	var metadataJSON string
	var status string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.DeviceID,
		&d.Name,
		&d.Type,
		&d.Model,
		&organizationID,
		&status,
		&provisioningToken,
		&tokenExpiresAt,
		&publicKeyPEM,
		&certificateSerial,
		&certificatePEM,
		&d.FirmwareVersion,
		&metadataJSON,
		&lastSeenAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)

	// Set nullable strings
	if organizationID.Valid {
		d.OrganizationID = &organizationID.String
	}
	if provisioningToken.Valid {
		d.ProvisioningToken = &provisioningToken.String
	}
	if publicKeyPEM.Valid {
		d.PublicKeyPEM = &publicKeyPEM.String
	}
	if certificateSerial.Valid {
		d.CertificateSerial = &certificateSerial.String
	}
	if certificatePEM.Valid {
		d.CertificatePEM = &certificatePEM.String
	}

	// Parse timestamps
	if tokenExpiresAt.Valid {
		t, err := time.Parse(time.RFC3339, tokenExpiresAt.String)
		if err == nil {
			d.TokenExpiresAt = &t
		}
	}
	if lastSeenAt.Valid {
		t, err := time.Parse(time.RFC3339, lastSeenAt.String)
		if err == nil {
			d.LastSeenAt = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(metadataJSON), &d.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshalling metadata: %w", err)
	}

	return &d, nil
}

// marshalMetadata serialises device metadata, defaulting to an empty object.
func marshalMetadata(m Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshalling metadata: %w", err)
	}
	return string(b), nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
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
