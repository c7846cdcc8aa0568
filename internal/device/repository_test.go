package device

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the devices table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// Create devices table matching the schema
	schema := `
		CREATE TABLE devices (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'smart_lock',
			model TEXT NOT NULL DEFAULT 'ESP32_v1',
			organization_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			provisioning_token TEXT,
			token_expires_at TEXT,
			public_key TEXT,
			certificate_serial TEXT,
			certificate_pem TEXT,
			firmware_version TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			last_seen_at TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE INDEX idx_devices_status ON devices(status);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testFleetDevice creates a device for testing.
func testFleetDevice(id, deviceID string) *Device {
	return &Device{
		ID:       id,
		DeviceID: deviceID,
		Name:     "Front Door",
		Type:     DefaultDeviceType,
		Model:    DefaultDeviceModel,
		Status:   StatusPending,
		Metadata: Metadata{},
	}
}

func TestSQLiteRepository_Create(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	t.Run("creates device successfully", func(t *testing.T) {
		d := testFleetDevice("uuid-001", "lock-front-door")

		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		got, err := repo.GetByDeviceID(ctx, "lock-front-door")
		if err != nil {
			t.Fatalf("GetByDeviceID() error = %v", err)
		}
		if got.ID != "uuid-001" {
			t.Errorf("ID = %q, want %q", got.ID, "uuid-001")
		}
		if got.Status != StatusPending {
			t.Errorf("Status = %q, want pending", got.Status)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt was not set")
		}
	})

	t.Run("rejects duplicate device id", func(t *testing.T) {
		first := testFleetDevice("uuid-002", "lock-duplicate")
		if err := repo.Create(ctx, first); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		second := testFleetDevice("uuid-003", "lock-duplicate")
		if err := repo.Create(ctx, second); !errors.Is(err, ErrDeviceExists) {
			t.Errorf("Create() = %v, want ErrDeviceExists", err)
		}
	})

	t.Run("round-trips provisioning fields", func(t *testing.T) {
		token := "deadbeef"
		expiry := time.Now().UTC().Add(30 * time.Minute).Truncate(time.Second)

		d := testFleetDevice("uuid-004", "lock-token")
		d.ProvisioningToken = &token
		d.TokenExpiresAt = &expiry

		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		got, err := repo.GetByDeviceID(ctx, "lock-token")
		if err != nil {
			t.Fatalf("GetByDeviceID() error = %v", err)
		}
		if got.ProvisioningToken == nil || *got.ProvisioningToken != token {
			t.Errorf("ProvisioningToken = %v, want %q", got.ProvisioningToken, token)
		}
		if got.TokenExpiresAt == nil || !got.TokenExpiresAt.Equal(expiry) {
			t.Errorf("TokenExpiresAt = %v, want %v", got.TokenExpiresAt, expiry)
		}
	})
}

func TestSQLiteRepository_GetByDeviceID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	_, err := repo.GetByDeviceID(context.Background(), "lock-missing")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByDeviceID() = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	d := testFleetDevice("uuid-010", "lock-update")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	serial := "abc123"
	certPEM := "-----BEGIN CERTIFICATE-----"
	publicKey := "-----BEGIN PUBLIC KEY-----"
	d.Status = StatusRegistered
	d.PublicKeyPEM = &publicKey
	d.CertificateSerial = &serial
	d.CertificatePEM = &certPEM
	d.ProvisioningToken = nil
	d.Metadata = Metadata{"installer": "dave"}

	if err := repo.Update(ctx, d); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.GetByDeviceID(ctx, "lock-update")
	if err != nil {
		t.Fatalf("GetByDeviceID() error = %v", err)
	}
	if got.Status != StatusRegistered {
		t.Errorf("Status = %q, want registered", got.Status)
	}
	if got.CertificateSerial == nil || *got.CertificateSerial != serial {
		t.Errorf("CertificateSerial = %v, want %q", got.CertificateSerial, serial)
	}
	if got.PublicKeyPEM == nil || *got.PublicKeyPEM != publicKey {
		t.Errorf("PublicKeyPEM = %v, want %q", got.PublicKeyPEM, publicKey)
	}
	if got.Metadata["installer"] != "dave" {
		t.Errorf("Metadata = %v, want installer recorded", got.Metadata)
	}

	t.Run("missing device", func(t *testing.T) {
		ghost := testFleetDevice("uuid-011", "lock-ghost")
		if err := repo.Update(ctx, ghost); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("Update() = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestSQLiteRepository_ListByStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	for i, spec := range []struct {
		id       string
		deviceID string
		status   Status
	}{
		{"uuid-020", "lock-a", StatusOnline},
		{"uuid-021", "lock-b", StatusOffline},
		{"uuid-022", "lock-c", StatusOnline},
	} {
		d := testFleetDevice(spec.id, spec.deviceID)
		d.Status = spec.status
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}

	online, err := repo.ListByStatus(ctx, StatusOnline)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(online) != 2 {
		t.Fatalf("ListByStatus(online) returned %d devices, want 2", len(online))
	}
	if online[0].DeviceID != "lock-a" || online[1].DeviceID != "lock-c" {
		t.Errorf("unexpected ordering: %s, %s", online[0].DeviceID, online[1].DeviceID)
	}
}

func TestSQLiteRepository_UpdatePresence(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	t.Run("updates status and last seen", func(t *testing.T) {
		d := testFleetDevice("uuid-030", "lock-presence")
		d.Status = StatusRegistered
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		seen := time.Now().UTC().Truncate(time.Second)
		if err := repo.UpdatePresence(ctx, "lock-presence", StatusOnline, seen); err != nil {
			t.Fatalf("UpdatePresence() error = %v", err)
		}

		got, _ := repo.GetByDeviceID(ctx, "lock-presence")
		if got.Status != StatusOnline {
			t.Errorf("Status = %q, want online", got.Status)
		}
		if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
			t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, seen)
		}
	})

	t.Run("blocked status survives presence updates", func(t *testing.T) {
		d := testFleetDevice("uuid-031", "lock-blocked")
		d.Status = StatusBlocked
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		seen := time.Now().UTC().Truncate(time.Second)
		if err := repo.UpdatePresence(ctx, "lock-blocked", StatusOnline, seen); err != nil {
			t.Fatalf("UpdatePresence() error = %v", err)
		}

		got, _ := repo.GetByDeviceID(ctx, "lock-blocked")
		if got.Status != StatusBlocked {
			t.Errorf("Status = %q, blocked status must survive presence reports", got.Status)
		}
		if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
			t.Errorf("LastSeenAt = %v, want %v (still recorded while blocked)", got.LastSeenAt, seen)
		}
	})

	t.Run("pending status survives presence updates", func(t *testing.T) {
		d := testFleetDevice("uuid-032", "lock-pending")
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		seen := time.Now().UTC().Truncate(time.Second)
		if err := repo.UpdatePresence(ctx, "lock-pending", StatusOnline, seen); err != nil {
			t.Fatalf("UpdatePresence() error = %v", err)
		}

		got, _ := repo.GetByDeviceID(ctx, "lock-pending")
		if got.Status != StatusPending {
			t.Errorf("Status = %q, unprovisioned devices must not come online", got.Status)
		}
	})

	t.Run("missing device", func(t *testing.T) {
		err := repo.UpdatePresence(ctx, "lock-nope", StatusOnline, time.Now())
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("UpdatePresence() = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestSQLiteRepository_UpdateFirmwareVersion(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	d := testFleetDevice("uuid-050", "lock-fw")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.UpdateFirmwareVersion(ctx, "lock-fw", "2.4.1"); err != nil {
		t.Fatalf("UpdateFirmwareVersion() error = %v", err)
	}

	got, _ := repo.GetByDeviceID(ctx, "lock-fw")
	if got.FirmwareVersion != "2.4.1" {
		t.Errorf("FirmwareVersion = %q, want 2.4.1", got.FirmwareVersion)
	}
}
