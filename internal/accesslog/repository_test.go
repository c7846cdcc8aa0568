package accesslog

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the access_logs table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE access_logs (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			user_id TEXT,
			method TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		) STRICT;
		CREATE INDEX idx_access_logs_device_time ON access_logs(device_id, created_at);
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

// recordAt inserts a failed or successful attempt with a fixed timestamp.
func recordAt(t *testing.T, repo *SQLiteRepository, deviceID string, success bool, at time.Time) {
	t.Helper()

	err := repo.Record(context.Background(), &Attempt{
		DeviceID:  deviceID,
		Method:    MethodFingerprint,
		Success:   success,
		Reason:    "no_match",
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
}

func TestRecordValidation(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	t.Run("missing device id", func(t *testing.T) {
		err := repo.Record(ctx, &Attempt{Method: MethodRFID})
		if !errors.Is(err, ErrInvalidAttempt) {
			t.Errorf("Record() = %v, want ErrInvalidAttempt", err)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		err := repo.Record(ctx, &Attempt{DeviceID: "lock-1", Method: "voice"})
		if !errors.Is(err, ErrInvalidMethod) {
			t.Errorf("Record() = %v, want ErrInvalidMethod", err)
		}
	})

	t.Run("fills id and timestamp", func(t *testing.T) {
		a := &Attempt{DeviceID: "lock-1", Method: MethodFace, Success: true}
		if err := repo.Record(ctx, a); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if a.ID == "" {
			t.Error("ID was not generated")
		}
		if a.CreatedAt.IsZero() {
			t.Error("CreatedAt was not set")
		}
	})
}

func TestCountFailuresSince(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	// Two failures inside the window, one before it, one success inside it,
	// and a failure on a different device.
	recordAt(t, repo, "lock-1", false, base.Add(-10*time.Minute))
	recordAt(t, repo, "lock-1", false, base.Add(-2*time.Minute))
	recordAt(t, repo, "lock-1", false, base.Add(-1*time.Minute))
	recordAt(t, repo, "lock-1", true, base.Add(-30*time.Second))
	recordAt(t, repo, "lock-2", false, base.Add(-1*time.Minute))

	count, err := repo.CountFailuresSince(ctx, "lock-1", base.Add(-3*time.Minute))
	if err != nil {
		t.Fatalf("CountFailuresSince() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountFailuresSince() = %d, want 2", count)
	}
}

func TestFailureQueriesCountDoorMethodsOnly(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	since := base.Add(-3 * time.Minute)

	record := func(method Method, at time.Time) {
		t.Helper()
		err := repo.Record(ctx, &Attempt{
			DeviceID:  "lock-1",
			Method:    method,
			Success:   false,
			Reason:    "denied",
			CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	// Three failed remote unlocks must not look like door tampering.
	for i := 0; i < 3; i++ {
		record(MethodRemote, base.Add(-time.Duration(i)*time.Second))
	}
	record(MethodRFID, base)
	record(MethodFace, base.Add(-time.Minute))

	count, err := repo.CountFailuresSince(ctx, "lock-1", since)
	if err != nil {
		t.Fatalf("CountFailuresSince() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountFailuresSince() = %d, want 2 (remote failures excluded)", count)
	}

	failures, err := repo.RecentFailures(ctx, "lock-1", since, 10)
	if err != nil {
		t.Fatalf("RecentFailures() error = %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("RecentFailures() returned %d attempts, want 2", len(failures))
	}
	for _, f := range failures {
		if f.Method == MethodRemote {
			t.Errorf("RecentFailures() returned a %s attempt", f.Method)
		}
	}
}

func TestRecentFailures(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		recordAt(t, repo, "lock-1", false, base.Add(-time.Duration(i)*time.Minute))
	}

	failures, err := repo.RecentFailures(ctx, "lock-1", base.Add(-10*time.Minute), 3)
	if err != nil {
		t.Fatalf("RecentFailures() error = %v", err)
	}
	if len(failures) != 3 {
		t.Fatalf("RecentFailures() returned %d attempts, want 3", len(failures))
	}

	// Newest first.
	if !failures[0].CreatedAt.After(failures[1].CreatedAt) {
		t.Error("failures not ordered newest first")
	}
}

func TestListByDevice(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	recordAt(t, repo, "lock-1", true, base.Add(-2*time.Minute))
	recordAt(t, repo, "lock-1", false, base.Add(-1*time.Minute))
	recordAt(t, repo, "lock-2", false, base)

	attempts, err := repo.ListByDevice(ctx, "lock-1", 10)
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("ListByDevice() returned %d attempts, want 2", len(attempts))
	}
	if attempts[0].Success {
		t.Error("expected the failed (newer) attempt first")
	}
}
