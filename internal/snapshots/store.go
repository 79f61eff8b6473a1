package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultChunkSize = 500
	minChunkSize     = 100
	maxChunkSize     = 1000
)

var errMissingDatabase = errors.New("snapshots: database handle is required")

// StoreConfig describes the dependencies required by the snapshot store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// ChunkSize bounds multi-row insert statements. Values outside 100-1000
	// are clamped.
	ChunkSize int
	Logger    *zap.Logger
}

// Store persists and loads snapshots. Snapshots are create-only: saving a
// snapshot that already has a storage identity is a no-op, and rows are never
// updated in place. Cross-worker coordination relies entirely on the storage
// engine's transactions and unique constraints.
type Store struct {
	db        *gorm.DB
	clock     func() time.Time
	chunkSize int
	logger    *zap.Logger
}

// NewStore constructs the snapshot store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	if chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, chunkSize: chunkSize, logger: logger}, nil
}

// SaveSubmissionSnapshot persists one snapshot and its keyword and file lists.
// The write is idempotent: an insert racing another observation of the same
// identity tuple adopts the existing row and leaves its children untouched.
func (s *Store) SaveSubmissionSnapshot(ctx context.Context, snapshot *SubmissionSnapshot) error {
	if snapshot.Saved() {
		return nil
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if err := s.resolveContributorID(snapshot); err != nil {
		return err
	}
	if snapshot.IngestDatetime.IsZero() {
		snapshot.IngestDatetime = s.clock().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(snapshot)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Identity tuple already stored: treat the existing row as
			// authoritative and skip children, which were stored with it.
			var existing SubmissionSnapshot
			err := tx.
				Where("website_id = ? AND site_submission_id = ? AND scan_datetime = ? AND archive_contributor_id = ?",
					snapshot.WebsiteID, snapshot.SiteSubmissionID, snapshot.ScanDatetime, snapshot.ArchiveContributorID).
				First(&existing).Error
			if err != nil {
				return err
			}
			snapshot.SubmissionSnapshotID = existing.SubmissionSnapshotID
			return nil
		}

		for index := range snapshot.Keywords {
			snapshot.Keywords[index].SubmissionSnapshotID = snapshot.SubmissionSnapshotID
		}
		if len(snapshot.Keywords) > 0 {
			if err := tx.CreateInBatches(snapshot.Keywords, s.chunkSize).Error; err != nil {
				return err
			}
		}
		for index := range snapshot.Files {
			snapshot.Files[index].SubmissionSnapshotID = snapshot.SubmissionSnapshotID
		}
		return s.saveFiles(tx, snapshot.Files)
	})
}

// SaveSubmissionSnapshots persists many snapshots with a fixed number of
// storage round trips: one chunked multi-row insert for parents, then one
// batched pass each for keywords, files and hashes. Assigned identities are
// threaded back onto the inputs positionally. Already-saved snapshots are
// skipped, and identity tuples already stored adopt the existing row with
// their children left untouched, as the single-save path does. Atomicity is
// per chunk, not across the whole batch.
func (s *Store) SaveSubmissionSnapshots(ctx context.Context, batch []*SubmissionSnapshot) error {
	pending := make([]*SubmissionSnapshot, 0, len(batch))
	now := s.clock().UTC()
	for _, snapshot := range batch {
		if snapshot.Saved() {
			continue
		}
		if err := snapshot.Validate(); err != nil {
			return err
		}
		if err := s.resolveContributorID(snapshot); err != nil {
			return err
		}
		if snapshot.IngestDatetime.IsZero() {
			snapshot.IngestDatetime = now
		}
		pending = append(pending, snapshot)
	}
	if len(pending) == 0 {
		return nil
	}

	inserted := make([]*SubmissionSnapshot, 0, len(pending))
	for start := 0; start < len(pending); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(pending) {
			end = len(pending)
		}
		fresh, err := s.saveSubmissionChunk(ctx, pending[start:end])
		if err != nil {
			return fmt.Errorf("snapshots: submission batch chunk %d-%d: %w", start, end, err)
		}
		inserted = append(inserted, fresh...)
	}

	keywords := make([]*SubmissionKeyword, 0)
	files := make([]*File, 0)
	for _, snapshot := range inserted {
		for index := range snapshot.Keywords {
			snapshot.Keywords[index].SubmissionSnapshotID = snapshot.SubmissionSnapshotID
			keywords = append(keywords, &snapshot.Keywords[index])
		}
		for index := range snapshot.Files {
			snapshot.Files[index].SubmissionSnapshotID = snapshot.SubmissionSnapshotID
			files = append(files, &snapshot.Files[index])
		}
	}
	if len(keywords) > 0 {
		if err := s.db.WithContext(ctx).CreateInBatches(keywords, s.chunkSize).Error; err != nil {
			return err
		}
	}
	if len(files) > 0 {
		if err := s.db.WithContext(ctx).Omit(clause.Associations).CreateInBatches(files, s.chunkSize).Error; err != nil {
			return err
		}
	}
	hashes := make([]*FileHash, 0)
	for _, file := range files {
		for index := range file.Hashes {
			file.Hashes[index].FileID = file.FileID
			hashes = append(hashes, &file.Hashes[index])
		}
	}
	if len(hashes) > 0 {
		if err := s.db.WithContext(ctx).CreateInBatches(hashes, s.chunkSize).Error; err != nil {
			return err
		}
	}

	s.logger.Debug("submission snapshot batch saved",
		zap.Int("snapshots", len(inserted)),
		zap.Int("adopted", len(pending)-len(inserted)),
		zap.Int("keywords", len(keywords)),
		zap.Int("files", len(files)),
		zap.Int("hashes", len(hashes)),
	)
	return nil
}

// saveSubmissionChunk stores one chunk of unsaved snapshots. Tuples already
// present in storage, and repeats of a tuple within the chunk itself, adopt
// the surviving row's identity instead of being inserted, so the multi-row
// insert only carries novel rows and positional identity threading holds.
// Returns the freshly inserted members, whose children still need persisting.
func (s *Store) saveSubmissionChunk(ctx context.Context, chunk []*SubmissionSnapshot) ([]*SubmissionSnapshot, error) {
	var fresh []*SubmissionSnapshot
	twins := map[*SubmissionSnapshot]*SubmissionSnapshot{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		websiteIDs := make([]string, 0, len(chunk))
		siteIDs := make([]string, 0, len(chunk))
		for _, snapshot := range chunk {
			websiteIDs = append(websiteIDs, snapshot.WebsiteID)
			siteIDs = append(siteIDs, snapshot.SiteSubmissionID)
		}
		var existing []SubmissionSnapshot
		err := tx.
			Where("website_id IN ? AND site_submission_id IN ?", websiteIDs, siteIDs).
			Find(&existing).Error
		if err != nil {
			return err
		}
		stored := make(map[string]int64, len(existing))
		for _, row := range existing {
			stored[submissionIdentityKey(&row)] = row.SubmissionSnapshotID
		}
		fresh = fresh[:0]
		firstSeen := map[string]*SubmissionSnapshot{}
		for _, snapshot := range chunk {
			key := submissionIdentityKey(snapshot)
			if id, ok := stored[key]; ok {
				snapshot.SubmissionSnapshotID = id
				continue
			}
			if first, ok := firstSeen[key]; ok {
				twins[snapshot] = first
				continue
			}
			firstSeen[key] = snapshot
			fresh = append(fresh, snapshot)
		}
		if len(fresh) == 0 {
			return nil
		}
		return tx.Omit(clause.Associations).Create(&fresh).Error
	})
	if err != nil {
		return nil, err
	}
	for duplicate, source := range twins {
		duplicate.SubmissionSnapshotID = source.SubmissionSnapshotID
	}
	return fresh, nil
}

func submissionIdentityKey(snapshot *SubmissionSnapshot) string {
	return fmt.Sprintf("%s|%s|%d|%d",
		snapshot.WebsiteID, snapshot.SiteSubmissionID,
		snapshot.ScanDatetime.UTC().UnixNano(), snapshot.ArchiveContributorID)
}

// saveFiles persists a snapshot's files with their hash lists inside an open
// transaction.
func (s *Store) saveFiles(tx *gorm.DB, files []File) error {
	if len(files) == 0 {
		return nil
	}
	if err := tx.Omit(clause.Associations).CreateInBatches(files, s.chunkSize).Error; err != nil {
		return err
	}
	hashes := make([]*FileHash, 0)
	for fileIndex := range files {
		for hashIndex := range files[fileIndex].Hashes {
			files[fileIndex].Hashes[hashIndex].FileID = files[fileIndex].FileID
			hashes = append(hashes, &files[fileIndex].Hashes[hashIndex])
		}
	}
	if len(hashes) == 0 {
		return nil
	}
	return tx.CreateInBatches(hashes, s.chunkSize).Error
}

// SaveUserSnapshot persists one user snapshot idempotently.
func (s *Store) SaveUserSnapshot(ctx context.Context, snapshot *UserSnapshot) error {
	if snapshot.Saved() {
		return nil
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if err := s.resolveUserContributorID(snapshot); err != nil {
		return err
	}
	if snapshot.IngestDatetime.IsZero() {
		snapshot.IngestDatetime = s.clock().UTC()
	}

	result := s.db.WithContext(ctx).Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(snapshot)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var existing UserSnapshot
		err := s.db.WithContext(ctx).
			Where("website_id = ? AND site_user_id = ? AND scan_datetime = ? AND archive_contributor_id = ?",
				snapshot.WebsiteID, snapshot.SiteUserID, snapshot.ScanDatetime, snapshot.ArchiveContributorID).
			First(&existing).Error
		if err != nil {
			return err
		}
		snapshot.UserSnapshotID = existing.UserSnapshotID
	}
	return nil
}

// SaveUserSnapshots persists many user snapshots in chunked multi-row inserts,
// threading identities back positionally. Identity tuples already stored adopt
// the existing row. Atomicity is per chunk.
func (s *Store) SaveUserSnapshots(ctx context.Context, batch []*UserSnapshot) error {
	pending := make([]*UserSnapshot, 0, len(batch))
	now := s.clock().UTC()
	for _, snapshot := range batch {
		if snapshot.Saved() {
			continue
		}
		if err := snapshot.Validate(); err != nil {
			return err
		}
		if err := s.resolveUserContributorID(snapshot); err != nil {
			return err
		}
		if snapshot.IngestDatetime.IsZero() {
			snapshot.IngestDatetime = now
		}
		pending = append(pending, snapshot)
	}
	if len(pending) == 0 {
		return nil
	}
	for start := 0; start < len(pending); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := s.saveUserChunk(ctx, pending[start:end]); err != nil {
			return fmt.Errorf("snapshots: user batch chunk %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// saveUserChunk mirrors saveSubmissionChunk for user snapshots: stored or
// chunk-internal repeats of an identity tuple adopt the surviving row, only
// novel rows reach the multi-row insert.
func (s *Store) saveUserChunk(ctx context.Context, chunk []*UserSnapshot) error {
	twins := map[*UserSnapshot]*UserSnapshot{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		websiteIDs := make([]string, 0, len(chunk))
		siteIDs := make([]string, 0, len(chunk))
		for _, snapshot := range chunk {
			websiteIDs = append(websiteIDs, snapshot.WebsiteID)
			siteIDs = append(siteIDs, snapshot.SiteUserID)
		}
		var existing []UserSnapshot
		err := tx.
			Where("website_id IN ? AND site_user_id IN ?", websiteIDs, siteIDs).
			Find(&existing).Error
		if err != nil {
			return err
		}
		stored := make(map[string]int64, len(existing))
		for _, row := range existing {
			stored[userIdentityKey(&row)] = row.UserSnapshotID
		}
		fresh := make([]*UserSnapshot, 0, len(chunk))
		firstSeen := map[string]*UserSnapshot{}
		for _, snapshot := range chunk {
			key := userIdentityKey(snapshot)
			if id, ok := stored[key]; ok {
				snapshot.UserSnapshotID = id
				continue
			}
			if first, ok := firstSeen[key]; ok {
				twins[snapshot] = first
				continue
			}
			firstSeen[key] = snapshot
			fresh = append(fresh, snapshot)
		}
		if len(fresh) == 0 {
			return nil
		}
		return tx.Omit(clause.Associations).Create(&fresh).Error
	})
	if err != nil {
		return err
	}
	for duplicate, source := range twins {
		duplicate.UserSnapshotID = source.UserSnapshotID
	}
	return nil
}

func userIdentityKey(snapshot *UserSnapshot) string {
	return fmt.Sprintf("%s|%s|%d|%d",
		snapshot.WebsiteID, snapshot.SiteUserID,
		snapshot.ScanDatetime.UTC().UnixNano(), snapshot.ArchiveContributorID)
}

// SubmissionSnapshots loads every snapshot of one logical submission with
// contributor, keywords, files and hashes eagerly loaded in batched queries.
// An empty result means the submission has never been observed.
func (s *Store) SubmissionSnapshots(ctx context.Context, websiteID, siteSubmissionID string) ([]SubmissionSnapshot, error) {
	var loaded []SubmissionSnapshot
	err := s.db.WithContext(ctx).
		Where("website_id = ? AND site_submission_id = ?", websiteID, siteSubmissionID).
		Preload("Contributor").
		Preload("Keywords").
		Preload("Files").
		Preload("Files.Hashes").
		Find(&loaded).Error
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// UserSnapshots loads every snapshot of one logical user with the contributor
// eagerly loaded.
func (s *Store) UserSnapshots(ctx context.Context, websiteID, siteUserID string) ([]UserSnapshot, error) {
	var loaded []UserSnapshot
	err := s.db.WithContext(ctx).
		Where("website_id = ? AND site_user_id = ?", websiteID, siteUserID).
		Preload("Contributor").
		Find(&loaded).Error
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// SearchByFileHash returns every submission snapshot bearing a file whose hash
// under the given algorithm matches exactly, joined back through files and
// contributors with children eagerly loaded.
func (s *Store) SearchByFileHash(ctx context.Context, algoID int64, hashValue []byte) ([]SubmissionSnapshot, error) {
	var snapshotIDs []int64
	err := s.db.WithContext(ctx).
		Model(&FileHash{}).
		Distinct().
		Joins("JOIN submission_snapshot_files ON submission_snapshot_files.file_id = submission_snapshot_file_hashes.file_id").
		Where("submission_snapshot_file_hashes.algo_id = ? AND submission_snapshot_file_hashes.hash_value = ?", algoID, hashValue).
		Pluck("submission_snapshot_files.submission_snapshot_id", &snapshotIDs).Error
	if err != nil {
		return nil, err
	}
	if len(snapshotIDs) == 0 {
		return []SubmissionSnapshot{}, nil
	}
	var loaded []SubmissionSnapshot
	err = s.db.WithContext(ctx).
		Where("submission_snapshot_id IN ?", snapshotIDs).
		Preload("Contributor").
		Preload("Keywords").
		Preload("Files").
		Preload("Files.Hashes").
		Find(&loaded).Error
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// ListSiteSubmissionIDs returns the distinct site submission ids observed for
// one website, supporting export and backfill jobs.
func (s *Store) ListSiteSubmissionIDs(ctx context.Context, websiteID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&SubmissionSnapshot{}).
		Distinct().
		Where("website_id = ?", websiteID).
		Order("site_submission_id").
		Pluck("site_submission_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// resolveContributorID ensures the snapshot carries a persisted contributor
// identity, adopting the embedded contributor's id when present.
func (s *Store) resolveContributorID(snapshot *SubmissionSnapshot) error {
	if snapshot.ArchiveContributorID == 0 {
		snapshot.ArchiveContributorID = snapshot.Contributor.ContributorID
	}
	if snapshot.ArchiveContributorID == 0 {
		return ErrContributorNotSaved
	}
	return nil
}

func (s *Store) resolveUserContributorID(snapshot *UserSnapshot) error {
	if snapshot.ArchiveContributorID == 0 {
		snapshot.ArchiveContributorID = snapshot.Contributor.ContributorID
	}
	if snapshot.ArchiveContributorID == 0 {
		return ErrContributorNotSaved
	}
	return nil
}
