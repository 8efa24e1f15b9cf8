// Package maintenance runs the scheduled housekeeping tasks: database
// optimization, database backup, and scan output file cleanup. Tasks run on
// a single cron schedule and each one fails independently; one failing task
// never blocks the others.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"netwarden/internal/config"
	"netwarden/internal/store"
)

// OutputCleaner removes aged scan output files; the probe scanner satisfies it
type OutputCleaner interface {
	CleanOutputFiles(retentionDays int) error
}

// Service schedules and executes the housekeeping tasks
type Service struct {
	cfg     *config.Config
	db      *store.DB
	cleaner OutputCleaner
	cron    *cron.Cron
	logger  zerolog.Logger
}

// New creates a maintenance service
func New(cfg *config.Config, db *store.DB, cleaner OutputCleaner) *Service {
	return &Service{
		cfg:     cfg,
		db:      db,
		cleaner: cleaner,
		cron:    cron.New(),
		logger:  log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers the maintenance job and starts the scheduler
func (s *Service) Start() error {
	schedule := s.cfg.Maintenance.Schedule
	if _, err := s.cron.AddFunc(schedule, s.RunAll); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// RunAll executes every enabled maintenance task once
func (s *Service) RunAll() {
	start := time.Now()
	s.logger.Info().Msg("Running maintenance tasks")

	if s.cfg.Maintenance.DatabaseOptimize {
		if err := s.db.OptimizeDatabase(); err != nil {
			s.logger.Error().Err(err).Msg("Database optimization failed")
		}
	}

	if s.cfg.Maintenance.DatabaseBackup {
		if err := s.backupDatabase(); err != nil {
			s.logger.Error().Err(err).Msg("Database backup failed")
		}
	}

	if s.cfg.Maintenance.CleanupOutputFiles && s.cleaner != nil {
		if err := s.cleaner.CleanOutputFiles(s.cfg.Scanner.OutputRetentionDays); err != nil {
			s.logger.Error().Err(err).Msg("Scan output cleanup failed")
		}
	}

	s.logger.Info().Dur("duration", time.Since(start)).Msg("Maintenance tasks completed")
}

// backupDatabase writes a timestamped copy of the database to the backup
// directory and prunes copies older than the output retention period.
func (s *Service) backupDatabase() error {
	backupDir := s.cfg.Database.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(s.cfg.Database.Path), "backups")
	}

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	destPath := filepath.Join(backupDir, fmt.Sprintf("netwarden_%s.db", time.Now().Format("20060102_150405")))
	if err := s.db.BackupTo(destPath); err != nil {
		return err
	}

	s.logger.Info().Str("path", destPath).Msg("Database backup written")
	s.pruneBackups(backupDir)
	return nil
}

func (s *Service) pruneBackups(backupDir string) {
	retention := s.cfg.Scanner.OutputRetentionDays
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Hour * 24 * time.Duration(retention))

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list backup directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn().Err(err).Str("file", path).Msg("Failed to prune old backup")
			} else {
				s.logger.Debug().Str("file", path).Msg("Pruned old backup")
			}
		}
	}
}
