package firmware

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the firmware tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE firmwares (
			id            TEXT PRIMARY KEY,
			version       TEXT NOT NULL UNIQUE,
			filename      TEXT NOT NULL,
			size_bytes    INTEGER NOT NULL,
			sha256        TEXT NOT NULL,
			signature     TEXT NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			uploaded_by   TEXT NOT NULL DEFAULT '',
			release_notes TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL
		) STRICT;
		CREATE TABLE firmware_rollouts (
			id           TEXT PRIMARY KEY,
			update_id    TEXT NOT NULL,
			firmware_id  TEXT NOT NULL REFERENCES firmwares(id),
			device_id    TEXT NOT NULL,
			from_version TEXT NOT NULL DEFAULT '',
			to_version   TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			progress     INTEGER NOT NULL DEFAULT 0,
			message      TEXT NOT NULL DEFAULT '',
			started_at   TEXT NOT NULL,
			ended_at     TEXT,
			updated_at   TEXT NOT NULL,
			UNIQUE(update_id, device_id)
		) STRICT;
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

// testFirmware creates an artifact record for the given version.
func testFirmware(t *testing.T, repo *SQLiteRepository, version string) *Firmware {
	t.Helper()

	fw := &Firmware{
		ID:         uuid.NewString(),
		Version:    version,
		Filename:   version + ".bin",
		Size:       2048,
		SHA256:     "deadbeef",
		Signature:  "c2ln",
		Active:     true,
		UploadedBy: "admin",
	}
	if err := repo.CreateFirmware(context.Background(), fw); err != nil {
		t.Fatalf("CreateFirmware() error = %v", err)
	}
	return fw
}

// testRollout creates a pending rollout for a device.
func testRollout(t *testing.T, repo *SQLiteRepository, fw *Firmware, updateID, deviceID string, startedAt time.Time) *Rollout {
	t.Helper()

	r := &Rollout{
		ID:         uuid.NewString(),
		UpdateID:   updateID,
		FirmwareID: fw.ID,
		DeviceID:   deviceID,
		ToVersion:  fw.Version,
		Status:     RolloutPending,
		StartedAt:  startedAt,
	}
	if err := repo.CreateRollout(context.Background(), r); err != nil {
		t.Fatalf("CreateRollout() error = %v", err)
	}
	return r
}

func TestCreateFirmware(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	fw := testFirmware(t, repo, "1.2.0")

	t.Run("duplicate version", func(t *testing.T) {
		dup := &Firmware{ID: uuid.NewString(), Version: "1.2.0", Filename: "x.bin", Size: 1, SHA256: "aa", Signature: "bb"}
		if err := repo.CreateFirmware(ctx, dup); !errors.Is(err, ErrVersionExists) {
			t.Errorf("CreateFirmware() = %v, want ErrVersionExists", err)
		}
	})

	t.Run("get by id", func(t *testing.T) {
		got, err := repo.GetFirmwareByID(ctx, fw.ID)
		if err != nil {
			t.Fatalf("GetFirmwareByID() error = %v", err)
		}
		if got.Version != "1.2.0" || got.SHA256 != fw.SHA256 {
			t.Errorf("got version %q sha %q, want %q %q", got.Version, got.SHA256, "1.2.0", fw.SHA256)
		}
	})

	t.Run("get by version", func(t *testing.T) {
		got, err := repo.GetFirmwareByVersion(ctx, "1.2.0")
		if err != nil {
			t.Fatalf("GetFirmwareByVersion() error = %v", err)
		}
		if got.ID != fw.ID {
			t.Errorf("got ID %q, want %q", got.ID, fw.ID)
		}
		if !got.Active {
			t.Error("Active flag lost in round trip")
		}
		if got.UploadedBy != "admin" {
			t.Errorf("UploadedBy = %q, want admin", got.UploadedBy)
		}
	})

	t.Run("set active flag", func(t *testing.T) {
		if err := repo.SetFirmwareActive(ctx, fw.ID, false); err != nil {
			t.Fatalf("SetFirmwareActive() error = %v", err)
		}
		got, err := repo.GetFirmwareByID(ctx, fw.ID)
		if err != nil {
			t.Fatalf("GetFirmwareByID() error = %v", err)
		}
		if got.Active {
			t.Error("Active = true, want deactivated")
		}

		if err := repo.SetFirmwareActive(ctx, "no-such-id", false); !errors.Is(err, ErrFirmwareNotFound) {
			t.Errorf("SetFirmwareActive() = %v, want ErrFirmwareNotFound", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := repo.GetFirmwareByVersion(ctx, "9.9.9"); !errors.Is(err, ErrFirmwareNotFound) {
			t.Errorf("GetFirmwareByVersion() = %v, want ErrFirmwareNotFound", err)
		}
	})
}

func TestApplyProgress(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	fw := testFirmware(t, repo, "2.0.0")
	updateID := uuid.NewString()
	testRollout(t, repo, fw, updateID, "lock-1", time.Now().UTC())

	t.Run("advances a live rollout", func(t *testing.T) {
		if err := repo.ApplyProgress(ctx, updateID, "lock-1", RolloutInProgress, 40, "flashing", nil); err != nil {
			t.Fatalf("ApplyProgress() error = %v", err)
		}

		got, err := repo.GetRollout(ctx, updateID, "lock-1")
		if err != nil {
			t.Fatalf("GetRollout() error = %v", err)
		}
		if got.Status != RolloutInProgress || got.Progress != 40 || got.Message != "flashing" {
			t.Errorf("rollout = %s/%d/%q, want in_progress/40/flashing", got.Status, got.Progress, got.Message)
		}
		if got.EndedAt != nil {
			t.Error("EndedAt set on a non-terminal rollout")
		}
	})

	t.Run("terminal transition records end time", func(t *testing.T) {
		endedAt := time.Now().UTC().Truncate(time.Second)
		if err := repo.ApplyProgress(ctx, updateID, "lock-1", RolloutCompleted, 100, "", &endedAt); err != nil {
			t.Fatalf("ApplyProgress() error = %v", err)
		}

		got, err := repo.GetRollout(ctx, updateID, "lock-1")
		if err != nil {
			t.Fatalf("GetRollout() error = %v", err)
		}
		if got.Status != RolloutCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
		if got.EndedAt == nil || !got.EndedAt.Equal(endedAt) {
			t.Errorf("EndedAt = %v, want %v", got.EndedAt, endedAt)
		}
	})

	t.Run("terminal state is absorbing", func(t *testing.T) {
		err := repo.ApplyProgress(ctx, updateID, "lock-1", RolloutInProgress, 50, "", nil)
		if !errors.Is(err, ErrRolloutFinished) {
			t.Errorf("ApplyProgress() = %v, want ErrRolloutFinished", err)
		}

		got, _ := repo.GetRollout(ctx, updateID, "lock-1")
		if got.Status != RolloutCompleted || got.Progress != 100 {
			t.Errorf("finished rollout was modified: %s/%d", got.Status, got.Progress)
		}
	})

	t.Run("other device cannot touch the rollout", func(t *testing.T) {
		err := repo.ApplyProgress(ctx, updateID, "lock-2", RolloutInProgress, 10, "", nil)
		if !errors.Is(err, ErrRolloutNotFound) {
			t.Errorf("ApplyProgress() = %v, want ErrRolloutNotFound", err)
		}
	})

	t.Run("unknown update", func(t *testing.T) {
		err := repo.ApplyProgress(ctx, uuid.NewString(), "lock-1", RolloutInProgress, 10, "", nil)
		if !errors.Is(err, ErrRolloutNotFound) {
			t.Errorf("ApplyProgress() = %v, want ErrRolloutNotFound", err)
		}
	})
}

func TestFailStale(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	fw := testFirmware(t, repo, "3.0.0")
	old := time.Now().UTC().Add(-2 * time.Hour)
	fresh := time.Now().UTC()

	staleA := testRollout(t, repo, fw, uuid.NewString(), "lock-1", old)
	staleB := testRollout(t, repo, fw, uuid.NewString(), "lock-2", old)
	live := testRollout(t, repo, fw, uuid.NewString(), "lock-3", fresh)

	// An already finished rollout must not be touched, however old.
	done := testRollout(t, repo, fw, uuid.NewString(), "lock-4", old)
	endedAt := old.Add(time.Minute)
	if err := repo.ApplyProgress(ctx, done.UpdateID, "lock-4", RolloutCompleted, 100, "", &endedAt); err != nil {
		t.Fatalf("ApplyProgress() error = %v", err)
	}

	count, err := repo.FailStale(ctx, time.Now().UTC().Add(-time.Hour), "timed out")
	if err != nil {
		t.Fatalf("FailStale() error = %v", err)
	}
	if count != 2 {
		t.Errorf("FailStale() = %d, want 2", count)
	}

	for _, r := range []*Rollout{staleA, staleB} {
		got, _ := repo.GetRollout(ctx, r.UpdateID, r.DeviceID)
		if got.Status != RolloutFailed || got.Message != "timed out" {
			t.Errorf("rollout %s = %s/%q, want failed/timed out", r.DeviceID, got.Status, got.Message)
		}
	}

	got, _ := repo.GetRollout(ctx, live.UpdateID, "lock-3")
	if got.Status != RolloutPending {
		t.Errorf("fresh rollout = %s, want pending", got.Status)
	}
	got, _ = repo.GetRollout(ctx, done.UpdateID, "lock-4")
	if got.Status != RolloutCompleted {
		t.Errorf("completed rollout = %s, want completed", got.Status)
	}
}

func TestListRollouts(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	fw := testFirmware(t, repo, "4.0.0")
	updateID := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Second)

	testRollout(t, repo, fw, updateID, "lock-b", base)
	testRollout(t, repo, fw, updateID, "lock-a", base)
	testRollout(t, repo, fw, uuid.NewString(), "lock-a", base.Add(time.Minute))

	t.Run("by update", func(t *testing.T) {
		rollouts, err := repo.ListRolloutsByUpdate(ctx, updateID)
		if err != nil {
			t.Fatalf("ListRolloutsByUpdate() error = %v", err)
		}
		if len(rollouts) != 2 {
			t.Fatalf("got %d rollouts, want 2", len(rollouts))
		}
		if rollouts[0].DeviceID != "lock-a" {
			t.Errorf("first device = %q, want lock-a", rollouts[0].DeviceID)
		}
	})

	t.Run("by device newest first", func(t *testing.T) {
		rollouts, err := repo.ListRolloutsByDevice(ctx, "lock-a", 10)
		if err != nil {
			t.Fatalf("ListRolloutsByDevice() error = %v", err)
		}
		if len(rollouts) != 2 {
			t.Fatalf("got %d rollouts, want 2", len(rollouts))
		}
		if !rollouts[0].StartedAt.After(rollouts[1].StartedAt) {
			t.Error("rollouts not ordered newest first")
		}
	})
}
