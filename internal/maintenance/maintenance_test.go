// internal/maintenance/maintenance_test.go
package maintenance

import (
	"os"
	"path/filepath"
	"testing"

	"netwarden/internal/config"
	"netwarden/internal/store"
)

type fakeCleaner struct {
	calls int
	days  int
}

func (c *fakeCleaner) CleanOutputFiles(retentionDays int) error {
	c.calls++
	c.days = retentionDays
	return nil
}

func setupService(t *testing.T) (*Service, *fakeCleaner, string, func()) {
	tempDir, err := os.MkdirTemp("", "netwarden-maintenance-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := store.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cfg := config.New()
	cfg.Database.Path = filepath.Join(tempDir, "test.db")
	cfg.Database.BackupDir = filepath.Join(tempDir, "backups")

	cleaner := &fakeCleaner{}
	service := New(cfg, db, cleaner)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return service, cleaner, tempDir, cleanup
}

// TestRunAll verifies every enabled task executes once
func TestRunAll(t *testing.T) {
	service, cleaner, tempDir, cleanup := setupService(t)
	defer cleanup()

	service.cfg.Maintenance.DatabaseBackup = true
	service.RunAll()

	if cleaner.calls != 1 {
		t.Errorf("Cleaner called %d times, want 1", cleaner.calls)
	}
	if cleaner.days != service.cfg.Scanner.OutputRetentionDays {
		t.Errorf("Cleaner got retention %d, want %d", cleaner.days, service.cfg.Scanner.OutputRetentionDays)
	}

	backups, err := os.ReadDir(filepath.Join(tempDir, "backups"))
	if err != nil {
		t.Fatalf("Failed to list backup dir: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("Got %d backups, want 1", len(backups))
	}
}

// TestRunAllDisabledTasks verifies disabled tasks are skipped
func TestRunAllDisabledTasks(t *testing.T) {
	service, cleaner, tempDir, cleanup := setupService(t)
	defer cleanup()

	service.cfg.Maintenance.CleanupOutputFiles = false
	service.cfg.Maintenance.DatabaseBackup = false
	service.RunAll()

	if cleaner.calls != 0 {
		t.Errorf("Cleaner called %d times with cleanup disabled", cleaner.calls)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "backups")); !os.IsNotExist(err) {
		t.Error("Backup directory created with backups disabled")
	}
}

// TestStartRejectsBadSchedule verifies schedule validation
func TestStartRejectsBadSchedule(t *testing.T) {
	service, _, _, cleanup := setupService(t)
	defer cleanup()

	service.cfg.Maintenance.Schedule = "whenever"
	if err := service.Start(); err == nil {
		t.Error("Expected error for invalid schedule")
	}
}

// TestStartStop verifies the scheduler lifecycle with a valid schedule
func TestStartStop(t *testing.T) {
	service, _, _, cleanup := setupService(t)
	defer cleanup()

	if err := service.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	service.Stop()
}
