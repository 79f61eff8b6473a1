package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/registry"
	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// newLegacyDatabase migrates the schema, then drops the identity indexes the
// way pre-constraint databases lacked them, so duplicate rows can be seeded.
func newLegacyDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:maintenance_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&registry.Website{},
		&registry.ArchiveContributor{},
		&registry.HashAlgo{},
		&snapshots.SubmissionSnapshot{},
		&snapshots.SubmissionKeyword{},
		&snapshots.File{},
		&snapshots.FileHash{},
		&snapshots.UserSnapshot{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	for _, index := range []string{
		"idx_submission_snapshots_identity",
		"idx_user_snapshots_identity",
		"idx_files_snapshot_site_file",
		"idx_file_hashes_file_algo",
	} {
		if err := db.Exec("DROP INDEX IF EXISTS " + index).Error; err != nil {
			t.Fatalf("failed to drop index %s: %v", index, err)
		}
	}
	return db
}

func stringPtr(value string) *string {
	return &value
}

func seedLegacyRows(t *testing.T, db *gorm.DB) {
	t.Helper()

	contributor := registry.ArchiveContributor{Name: "legacy scraper", APIKey: "legacy-key"}
	if err := db.Create(&contributor).Error; err != nil {
		t.Fatalf("failed to create contributor: %v", err)
	}
	scan := time.Date(2023, time.May, 1, 12, 0, 0, 0, time.UTC)
	ingested := time.Date(2023, time.May, 2, 0, 0, 0, 0, time.UTC)

	submissionRows := []snapshots.SubmissionSnapshot{
		{SubmissionSnapshotID: 1, WebsiteID: "fa", SiteSubmissionID: "s1", ScanDatetime: scan, ArchiveContributorID: contributor.ContributorID, IngestDatetime: ingested},
		{SubmissionSnapshotID: 2, WebsiteID: "fa", SiteSubmissionID: "s1", ScanDatetime: scan, ArchiveContributorID: contributor.ContributorID, IngestDatetime: ingested},
		{SubmissionSnapshotID: 3, WebsiteID: "fa", SiteSubmissionID: "s2", ScanDatetime: scan, ArchiveContributorID: contributor.ContributorID, IngestDatetime: ingested},
	}
	for index := range submissionRows {
		if err := db.Create(&submissionRows[index]).Error; err != nil {
			t.Fatalf("failed to seed submission snapshot: %v", err)
		}
	}

	keywordRows := []snapshots.SubmissionKeyword{
		{KeywordID: 1, SubmissionSnapshotID: 1, Keyword: "wolf"},
		{KeywordID: 2, SubmissionSnapshotID: 999, Keyword: "orphaned"},
	}
	for index := range keywordRows {
		if err := db.Create(&keywordRows[index]).Error; err != nil {
			t.Fatalf("failed to seed keyword: %v", err)
		}
	}

	fileRows := []snapshots.File{
		{FileID: 1, SubmissionSnapshotID: 1, SiteFileID: stringPtr("x")},
		{FileID: 2, SubmissionSnapshotID: 1, SiteFileID: stringPtr("x")},
		{FileID: 3, SubmissionSnapshotID: 2, SiteFileID: stringPtr("y")},
		{FileID: 4, SubmissionSnapshotID: 999, SiteFileID: stringPtr("z")},
	}
	for index := range fileRows {
		if err := db.Create(&fileRows[index]).Error; err != nil {
			t.Fatalf("failed to seed file: %v", err)
		}
	}

	hashRows := []snapshots.FileHash{
		{HashID: 1, FileID: 1, AlgoID: 1, HashValue: []byte{0xAA}},
		{HashID: 2, FileID: 1, AlgoID: 1, HashValue: []byte{0xAA}},
		{HashID: 3, FileID: 999, AlgoID: 1, HashValue: []byte{0xBB}},
		// Rides on file 4, which is itself orphaned: the sweep removes both,
		// and the report must count this hash too.
		{HashID: 4, FileID: 4, AlgoID: 1, HashValue: []byte{0xCC}},
	}
	for index := range hashRows {
		if err := db.Create(&hashRows[index]).Error; err != nil {
			t.Fatalf("failed to seed hash: %v", err)
		}
	}

	userRows := []snapshots.UserSnapshot{
		{UserSnapshotID: 1, WebsiteID: "fa", SiteUserID: "artist", ScanDatetime: scan, ArchiveContributorID: contributor.ContributorID, IngestDatetime: ingested},
		{UserSnapshotID: 2, WebsiteID: "fa", SiteUserID: "artist", ScanDatetime: scan, ArchiveContributorID: contributor.ContributorID, IngestDatetime: ingested},
	}
	for index := range userRows {
		if err := db.Create(&userRows[index]).Error; err != nil {
			t.Fatalf("failed to seed user snapshot: %v", err)
		}
	}
}

func mustCount(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func TestRunDryRunReportsWithoutDeleting(t *testing.T) {
	db := newLegacyDatabase(t)
	seedLegacyRows(t, db)

	job, err := NewJob(JobConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct job: %v", err)
	}

	report, err := job.Run(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if report.DuplicateSubmissionSnapshots != 1 {
		t.Fatalf("expected 1 duplicate submission snapshot, got %d", report.DuplicateSubmissionSnapshots)
	}
	if report.DuplicateUserSnapshots != 1 {
		t.Fatalf("expected 1 duplicate user snapshot, got %d", report.DuplicateUserSnapshots)
	}
	if report.DuplicateFiles != 1 {
		t.Fatalf("expected 1 duplicate file, got %d", report.DuplicateFiles)
	}
	if report.DuplicateFileHashes != 1 {
		t.Fatalf("expected 1 duplicate file hash, got %d", report.DuplicateFileHashes)
	}
	// Two orphaned hashes: one on a missing file, one on the orphaned file the
	// sweep itself removes.
	if report.OrphanedKeywords != 1 || report.OrphanedFiles != 1 || report.OrphanedFileHashes != 2 {
		t.Fatalf("unexpected orphan counts: %+v", report)
	}

	if count := mustCount(t, db, &snapshots.SubmissionSnapshot{}); count != 3 {
		t.Fatalf("dry run deleted submission snapshots: %d remain", count)
	}
	if count := mustCount(t, db, &snapshots.UserSnapshot{}); count != 2 {
		t.Fatalf("dry run deleted user snapshots: %d remain", count)
	}
	if count := mustCount(t, db, &snapshots.File{}); count != 4 {
		t.Fatalf("dry run deleted files: %d remain", count)
	}
	if count := mustCount(t, db, &snapshots.FileHash{}); count != 4 {
		t.Fatalf("dry run deleted hashes: %d remain", count)
	}
}

func TestRunRemovesDuplicatesKeepingLowestID(t *testing.T) {
	db := newLegacyDatabase(t)
	seedLegacyRows(t, db)

	job, err := NewJob(JobConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct job: %v", err)
	}

	report, err := job.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("maintenance run failed: %v", err)
	}
	if report.DuplicateSubmissionSnapshots != 1 || report.DuplicateUserSnapshots != 1 {
		t.Fatalf("unexpected duplicate counts: %+v", report)
	}
	if report.OrphanedFileHashes != 2 {
		t.Fatalf("expected both orphaned hashes reported, got %d", report.OrphanedFileHashes)
	}

	var remainingSubmissions []snapshots.SubmissionSnapshot
	if err := db.Order("submission_snapshot_id").Find(&remainingSubmissions).Error; err != nil {
		t.Fatalf("failed to load remaining snapshots: %v", err)
	}
	if len(remainingSubmissions) != 2 {
		t.Fatalf("expected 2 remaining submission snapshots, got %d", len(remainingSubmissions))
	}
	if remainingSubmissions[0].SubmissionSnapshotID != 1 || remainingSubmissions[1].SubmissionSnapshotID != 3 {
		t.Fatalf("expected lowest-id rows to survive, got %d and %d",
			remainingSubmissions[0].SubmissionSnapshotID, remainingSubmissions[1].SubmissionSnapshotID)
	}

	var remainingUsers []snapshots.UserSnapshot
	if err := db.Find(&remainingUsers).Error; err != nil {
		t.Fatalf("failed to load remaining user snapshots: %v", err)
	}
	if len(remainingUsers) != 1 || remainingUsers[0].UserSnapshotID != 1 {
		t.Fatalf("expected user snapshot 1 to survive, got %+v", remainingUsers)
	}

	// Only the original file of the surviving snapshot remains; the duplicate,
	// the removed snapshot's subtree and the orphans are all gone.
	var remainingFiles []snapshots.File
	if err := db.Find(&remainingFiles).Error; err != nil {
		t.Fatalf("failed to load remaining files: %v", err)
	}
	if len(remainingFiles) != 1 || remainingFiles[0].FileID != 1 {
		t.Fatalf("expected only file 1 to survive, got %+v", remainingFiles)
	}

	var remainingHashes []snapshots.FileHash
	if err := db.Find(&remainingHashes).Error; err != nil {
		t.Fatalf("failed to load remaining hashes: %v", err)
	}
	if len(remainingHashes) != 1 || remainingHashes[0].HashID != 1 {
		t.Fatalf("expected only hash 1 to survive, got %+v", remainingHashes)
	}

	var remainingKeywords []snapshots.SubmissionKeyword
	if err := db.Find(&remainingKeywords).Error; err != nil {
		t.Fatalf("failed to load remaining keywords: %v", err)
	}
	if len(remainingKeywords) != 1 || remainingKeywords[0].KeywordID != 1 {
		t.Fatalf("expected only keyword 1 to survive, got %+v", remainingKeywords)
	}
}

func TestRunOnCleanDatabaseReportsNothing(t *testing.T) {
	db := newLegacyDatabase(t)

	job, err := NewJob(JobConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct job: %v", err)
	}
	report, err := job.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("maintenance run failed: %v", err)
	}
	if report != (Report{}) {
		t.Fatalf("expected empty report on a clean database, got %+v", report)
	}
}

func TestNewJobRequiresDatabase(t *testing.T) {
	if _, err := NewJob(JobConfig{}); err == nil {
		t.Fatalf("expected error for missing database handle")
	}
}
