// Package maintenance implements the periodic deduplication and orphan sweep
// used after optimistic bulk backfills. The ingest API path is idempotent at
// write time; this job only has to clean up after throughput-first historical
// loads, and must run before any consumer relies on identity uniqueness.
package maintenance

import (
	"context"
	"errors"
	"fmt"

	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("maintenance: database handle is required")

// Options is threaded explicitly through Run so tests can exercise both modes
// without process restarts.
type Options struct {
	// DryRun reports what would be removed without deleting anything.
	DryRun bool
}

// Report counts the rows removed (or, under DryRun, the rows that would be).
type Report struct {
	DuplicateSubmissionSnapshots int
	DuplicateUserSnapshots       int
	DuplicateFiles               int
	DuplicateFileHashes          int
	OrphanedKeywords             int
	OrphanedFiles                int
	OrphanedFileHashes           int
}

// JobConfig describes the dependencies of the maintenance job.
type JobConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Job scans for duplicate identity tuples and orphaned child rows.
type Job struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewJob constructs the maintenance job.
func NewJob(cfg JobConfig) (*Job, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{db: cfg.Database, logger: logger}, nil
}

// Run performs one full maintenance pass: duplicate user snapshots, duplicate
// file hashes, duplicate files, duplicate submission snapshots, then orphaned
// children. Duplicates keep the lowest primary key.
func (j *Job) Run(ctx context.Context, opts Options) (Report, error) {
	report := Report{}

	duplicateUsers, err := j.duplicateUserSnapshotIDs(ctx)
	if err != nil {
		return report, err
	}
	report.DuplicateUserSnapshots = len(duplicateUsers)
	if !opts.DryRun && len(duplicateUsers) > 0 {
		err = j.db.WithContext(ctx).
			Where("user_snapshot_id IN ?", duplicateUsers).
			Delete(&snapshots.UserSnapshot{}).Error
		if err != nil {
			return report, fmt.Errorf("maintenance: removing duplicate user snapshots: %w", err)
		}
	}

	duplicateHashes, err := j.duplicateFileHashIDs(ctx)
	if err != nil {
		return report, err
	}
	report.DuplicateFileHashes = len(duplicateHashes)
	if !opts.DryRun && len(duplicateHashes) > 0 {
		err = j.db.WithContext(ctx).
			Where("hash_id IN ?", duplicateHashes).
			Delete(&snapshots.FileHash{}).Error
		if err != nil {
			return report, fmt.Errorf("maintenance: removing duplicate file hashes: %w", err)
		}
	}

	duplicateFiles, err := j.duplicateFileIDs(ctx)
	if err != nil {
		return report, err
	}
	report.DuplicateFiles = len(duplicateFiles)
	if !opts.DryRun && len(duplicateFiles) > 0 {
		if err := j.removeFiles(ctx, duplicateFiles); err != nil {
			return report, err
		}
	}

	duplicateSubmissions, err := j.duplicateSubmissionSnapshotIDs(ctx)
	if err != nil {
		return report, err
	}
	report.DuplicateSubmissionSnapshots = len(duplicateSubmissions)
	if !opts.DryRun && len(duplicateSubmissions) > 0 {
		if err := j.removeSubmissionSnapshots(ctx, duplicateSubmissions); err != nil {
			return report, err
		}
	}

	if err := j.sweepOrphans(ctx, opts, &report); err != nil {
		return report, err
	}

	j.logger.Info("maintenance pass complete",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("duplicate_submission_snapshots", report.DuplicateSubmissionSnapshots),
		zap.Int("duplicate_user_snapshots", report.DuplicateUserSnapshots),
		zap.Int("duplicate_files", report.DuplicateFiles),
		zap.Int("duplicate_file_hashes", report.DuplicateFileHashes),
		zap.Int("orphaned_keywords", report.OrphanedKeywords),
		zap.Int("orphaned_files", report.OrphanedFiles),
		zap.Int("orphaned_file_hashes", report.OrphanedFileHashes),
	)
	return report, nil
}

// duplicateSubmissionSnapshotIDs returns ids of later-inserted rows sharing an
// identity tuple with an earlier row.
func (j *Job) duplicateSubmissionSnapshotIDs(ctx context.Context) ([]int64, error) {
	type row struct {
		SubmissionSnapshotID int64
		WebsiteID            string
		SiteSubmissionID     string
		ScanDatetime         string
		ArchiveContributorID int64
	}
	var rows []row
	err := j.db.WithContext(ctx).
		Model(&snapshots.SubmissionSnapshot{}).
		Select("submission_snapshot_id", "website_id", "site_submission_id", "scan_datetime", "archive_contributor_id").
		Order("submission_snapshot_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var duplicates []int64
	for _, current := range rows {
		key := fmt.Sprintf("%s|%s|%s|%d", current.WebsiteID, current.SiteSubmissionID, current.ScanDatetime, current.ArchiveContributorID)
		if _, exists := seen[key]; exists {
			duplicates = append(duplicates, current.SubmissionSnapshotID)
			continue
		}
		seen[key] = struct{}{}
	}
	return duplicates, nil
}

func (j *Job) duplicateUserSnapshotIDs(ctx context.Context) ([]int64, error) {
	type row struct {
		UserSnapshotID       int64
		WebsiteID            string
		SiteUserID           string
		ScanDatetime         string
		ArchiveContributorID int64
	}
	var rows []row
	err := j.db.WithContext(ctx).
		Model(&snapshots.UserSnapshot{}).
		Select("user_snapshot_id", "website_id", "site_user_id", "scan_datetime", "archive_contributor_id").
		Order("user_snapshot_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var duplicates []int64
	for _, current := range rows {
		key := fmt.Sprintf("%s|%s|%s|%d", current.WebsiteID, current.SiteUserID, current.ScanDatetime, current.ArchiveContributorID)
		if _, exists := seen[key]; exists {
			duplicates = append(duplicates, current.UserSnapshotID)
			continue
		}
		seen[key] = struct{}{}
	}
	return duplicates, nil
}

func (j *Job) duplicateFileIDs(ctx context.Context) ([]int64, error) {
	type row struct {
		FileID               int64
		SubmissionSnapshotID int64
		SiteFileID           *string
	}
	var rows []row
	err := j.db.WithContext(ctx).
		Model(&snapshots.File{}).
		Select("file_id", "submission_snapshot_id", "site_file_id").
		Order("file_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var duplicates []int64
	for _, current := range rows {
		siteFileID := "\x00"
		if current.SiteFileID != nil {
			siteFileID = *current.SiteFileID
		}
		key := fmt.Sprintf("%d|%s", current.SubmissionSnapshotID, siteFileID)
		if _, exists := seen[key]; exists {
			duplicates = append(duplicates, current.FileID)
			continue
		}
		seen[key] = struct{}{}
	}
	return duplicates, nil
}

func (j *Job) duplicateFileHashIDs(ctx context.Context) ([]int64, error) {
	type row struct {
		HashID int64
		FileID int64
		AlgoID int64
	}
	var rows []row
	err := j.db.WithContext(ctx).
		Model(&snapshots.FileHash{}).
		Select("hash_id", "file_id", "algo_id").
		Order("hash_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := map[[2]int64]struct{}{}
	var duplicates []int64
	for _, current := range rows {
		key := [2]int64{current.FileID, current.AlgoID}
		if _, exists := seen[key]; exists {
			duplicates = append(duplicates, current.HashID)
			continue
		}
		seen[key] = struct{}{}
	}
	return duplicates, nil
}

// removeFiles deletes files with their hash lists.
func (j *Job) removeFiles(ctx context.Context, fileIDs []int64) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_id IN ?", fileIDs).Delete(&snapshots.FileHash{}).Error; err != nil {
			return err
		}
		return tx.Where("file_id IN ?", fileIDs).Delete(&snapshots.File{}).Error
	})
}

// removeSubmissionSnapshots deletes snapshots with their keyword and file
// subtrees.
func (j *Job) removeSubmissionSnapshots(ctx context.Context, snapshotIDs []int64) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fileIDs []int64
		err := tx.Model(&snapshots.File{}).
			Where("submission_snapshot_id IN ?", snapshotIDs).
			Pluck("file_id", &fileIDs).Error
		if err != nil {
			return err
		}
		if len(fileIDs) > 0 {
			if err := tx.Where("file_id IN ?", fileIDs).Delete(&snapshots.FileHash{}).Error; err != nil {
				return err
			}
			if err := tx.Where("file_id IN ?", fileIDs).Delete(&snapshots.File{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("submission_snapshot_id IN ?", snapshotIDs).Delete(&snapshots.SubmissionKeyword{}).Error; err != nil {
			return err
		}
		return tx.Where("submission_snapshot_id IN ?", snapshotIDs).Delete(&snapshots.SubmissionSnapshot{}).Error
	})
}

// sweepOrphans removes child rows whose parent no longer exists.
func (j *Job) sweepOrphans(ctx context.Context, opts Options, report *Report) error {
	db := j.db.WithContext(ctx)

	orphanKeywords := db.Model(&snapshots.SubmissionKeyword{}).
		Where("submission_snapshot_id NOT IN (SELECT submission_snapshot_id FROM submission_snapshots)")
	var keywordCount int64
	if err := orphanKeywords.Count(&keywordCount).Error; err != nil {
		return err
	}
	report.OrphanedKeywords = int(keywordCount)

	orphanFiles := db.Model(&snapshots.File{}).
		Where("submission_snapshot_id NOT IN (SELECT submission_snapshot_id FROM submission_snapshots)")
	var fileCount int64
	if err := orphanFiles.Count(&fileCount).Error; err != nil {
		return err
	}
	report.OrphanedFiles = int(fileCount)

	// Counted against the surviving files only, so hashes whose file is itself
	// about to be swept are included and the dry-run report matches what a
	// real pass removes.
	orphanHashes := db.Model(&snapshots.FileHash{}).
		Where("file_id NOT IN (SELECT file_id FROM submission_snapshot_files" +
			" WHERE submission_snapshot_id IN (SELECT submission_snapshot_id FROM submission_snapshots))")
	var hashCount int64
	if err := orphanHashes.Count(&hashCount).Error; err != nil {
		return err
	}
	report.OrphanedFileHashes = int(hashCount)

	if opts.DryRun {
		return nil
	}

	err := db.
		Where("submission_snapshot_id NOT IN (SELECT submission_snapshot_id FROM submission_snapshots)").
		Delete(&snapshots.SubmissionKeyword{}).Error
	if err != nil {
		return err
	}
	// Orphaned files are removed before their hashes so the hash sweep catches
	// rows orphaned by this same pass.
	err = db.
		Where("submission_snapshot_id NOT IN (SELECT submission_snapshot_id FROM submission_snapshots)").
		Delete(&snapshots.File{}).Error
	if err != nil {
		return err
	}
	err = db.
		Where("file_id NOT IN (SELECT file_id FROM submission_snapshot_files)").
		Delete(&snapshots.FileHash{}).Error
	if err != nil {
		return err
	}
	return nil
}
