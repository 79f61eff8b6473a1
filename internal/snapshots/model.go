package snapshots

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/registry"
)

var (
	// ErrInvalidSnapshot indicates a snapshot missing a required identity field.
	ErrInvalidSnapshot = errors.New("snapshots: invalid snapshot")
	// ErrDuplicateOrdinal indicates two keywords in one snapshot sharing an ordinal.
	ErrDuplicateOrdinal = errors.New("snapshots: duplicate keyword ordinal")
	// ErrMixedKeywordOrdering indicates a keyword list mixing ordered and unordered entries.
	ErrMixedKeywordOrdering = errors.New("snapshots: mixed ordered and unordered keywords")
	// ErrContributorNotSaved indicates a snapshot referencing a contributor with no storage identity.
	ErrContributorNotSaved = errors.New("snapshots: contributor must be saved before snapshot")
)

// SubmissionSnapshot is an immutable observation of one submission's state,
// made by one contributor at one scan. Identity for deduplication is the tuple
// (website_id, site_submission_id, scan_datetime, archive_contributor_id).
//
// A nil Keywords or Files slice with the matching recorded flag unset means
// the contributor did not record that facet at this scan, which is distinct
// from observing it as empty.
type SubmissionSnapshot struct {
	SubmissionSnapshotID int64     `gorm:"column:submission_snapshot_id;primaryKey;autoIncrement"`
	WebsiteID            string    `gorm:"column:website_id;size:64;not null;uniqueIndex:idx_submission_snapshots_identity,priority:1"`
	SiteSubmissionID     string    `gorm:"column:site_submission_id;size:190;not null;uniqueIndex:idx_submission_snapshots_identity,priority:2"`
	ScanDatetime         time.Time `gorm:"column:scan_datetime;not null;uniqueIndex:idx_submission_snapshots_identity,priority:3"`
	ArchiveContributorID int64     `gorm:"column:archive_contributor_id;not null;uniqueIndex:idx_submission_snapshots_identity,priority:4"`

	Contributor registry.ArchiveContributor `gorm:"foreignKey:ArchiveContributorID;references:ContributorID"`

	IngestDatetime     time.Time  `gorm:"column:ingest_datetime;not null"`
	UploaderSiteUserID *string    `gorm:"column:uploader_site_user_id;size:190"`
	IsDeleted          bool       `gorm:"column:is_deleted;not null;default:false"`
	Title              *string    `gorm:"column:title;type:text"`
	Description        *string    `gorm:"column:description;type:text"`
	DatetimePosted     *time.Time `gorm:"column:datetime_posted"`
	KeywordsRecorded   bool       `gorm:"column:keywords_recorded;not null;default:false"`
	FilesRecorded      bool       `gorm:"column:files_recorded;not null;default:false"`
	ExtraData          ExtraData  `gorm:"column:extra_data;type:text"`

	Keywords []SubmissionKeyword `gorm:"foreignKey:SubmissionSnapshotID;references:SubmissionSnapshotID"`
	Files    []File              `gorm:"foreignKey:SubmissionSnapshotID;references:SubmissionSnapshotID"`
}

// TableName provides the explicit table binding for GORM.
func (SubmissionSnapshot) TableName() string {
	return "submission_snapshots"
}

// Saved reports whether the snapshot has been assigned a storage identity.
func (s *SubmissionSnapshot) Saved() bool {
	return s.SubmissionSnapshotID != 0
}

// SetKeywords attaches an explicit keyword list and marks keywords as recorded.
func (s *SubmissionSnapshot) SetKeywords(keywords []SubmissionKeyword) {
	if keywords == nil {
		keywords = []SubmissionKeyword{}
	}
	s.Keywords = keywords
	s.KeywordsRecorded = true
}

// SetOrderedKeywords attaches keywords with array semantics, assigning
// ordinals from list position.
func (s *SubmissionSnapshot) SetOrderedKeywords(keywords []string) {
	list := make([]SubmissionKeyword, 0, len(keywords))
	for position, keyword := range keywords {
		ordinal := int64(position)
		list = append(list, SubmissionKeyword{Keyword: keyword, Ordinal: &ordinal})
	}
	s.SetKeywords(list)
}

// SetUnorderedKeywords attaches keywords with set semantics (no ordinals).
func (s *SubmissionSnapshot) SetUnorderedKeywords(keywords []string) {
	list := make([]SubmissionKeyword, 0, len(keywords))
	for _, keyword := range keywords {
		list = append(list, SubmissionKeyword{Keyword: keyword})
	}
	s.SetKeywords(list)
}

// SetFiles attaches an explicit file list and marks files as recorded.
func (s *SubmissionSnapshot) SetFiles(files []File) {
	if files == nil {
		files = []File{}
	}
	s.Files = files
	s.FilesRecorded = true
}

// Validate rejects malformed snapshots before any storage mutation.
func (s *SubmissionSnapshot) Validate() error {
	if strings.TrimSpace(s.WebsiteID) == "" {
		return fmt.Errorf("%w: website id is required", ErrInvalidSnapshot)
	}
	if strings.TrimSpace(s.SiteSubmissionID) == "" {
		return fmt.Errorf("%w: site submission id is required", ErrInvalidSnapshot)
	}
	if s.ScanDatetime.IsZero() {
		return fmt.Errorf("%w: scan datetime is required", ErrInvalidSnapshot)
	}
	return validateKeywordList(s.Keywords)
}

// validateKeywordList enforces per-snapshot keyword invariants: the list is
// homogeneous (all ordered or all unordered) and ordinals are unique.
func validateKeywordList(keywords []SubmissionKeyword) error {
	seen := map[int64]struct{}{}
	ordered := 0
	for _, keyword := range keywords {
		if keyword.Ordinal == nil {
			continue
		}
		ordered++
		if _, duplicate := seen[*keyword.Ordinal]; duplicate {
			return fmt.Errorf("%w: ordinal %d", ErrDuplicateOrdinal, *keyword.Ordinal)
		}
		seen[*keyword.Ordinal] = struct{}{}
	}
	if ordered != 0 && ordered != len(keywords) {
		return ErrMixedKeywordOrdering
	}
	return nil
}

// SubmissionKeyword is one entry of a snapshot's keyword list. A present
// ordinal signals array semantics; an absent ordinal signals set semantics.
type SubmissionKeyword struct {
	KeywordID            int64  `gorm:"column:keyword_id;primaryKey;autoIncrement"`
	SubmissionSnapshotID int64  `gorm:"column:submission_snapshot_id;not null;index:idx_keywords_snapshot"`
	Keyword              string `gorm:"column:keyword;size:190;not null"`
	Ordinal              *int64 `gorm:"column:ordinal"`
}

// TableName provides the explicit table binding for GORM.
func (SubmissionKeyword) TableName() string {
	return "submission_snapshot_keywords"
}

// File is a per-snapshot attachment keyed by the site-assigned file id. A nil
// SiteFileID is a valid distinct key for sites that issue no stable per-file
// identifier.
type File struct {
	FileID               int64     `gorm:"column:file_id;primaryKey;autoIncrement"`
	SubmissionSnapshotID int64     `gorm:"column:submission_snapshot_id;not null;index:idx_files_snapshot;uniqueIndex:idx_files_snapshot_site_file,priority:1"`
	SiteFileID           *string   `gorm:"column:site_file_id;size:190;uniqueIndex:idx_files_snapshot_site_file,priority:2"`
	FileURL              *string   `gorm:"column:file_url;size:512"`
	FileSize             *int64    `gorm:"column:file_size"`
	ExtraData            ExtraData `gorm:"column:extra_data;type:text"`

	Hashes []FileHash `gorm:"foreignKey:FileID;references:FileID"`
}

// TableName provides the explicit table binding for GORM.
func (File) TableName() string {
	return "submission_snapshot_files"
}

// HashByAlgo indexes the file's hashes by algorithm identity.
func (f *File) HashByAlgo() map[int64]FileHash {
	indexed := make(map[int64]FileHash, len(f.Hashes))
	for _, fileHash := range f.Hashes {
		indexed[fileHash.AlgoID] = fileHash
	}
	return indexed
}

// ClashesWith reports whether another observation of the same site file key
// disagrees on an immutable attribute: url, size, or any shared algorithm's
// hash value. Extra data is assumed mutable and never clashes.
func (f *File) ClashesWith(update *File) bool {
	if f.FileURL != nil && update.FileURL != nil && *f.FileURL != *update.FileURL {
		return true
	}
	if f.FileSize != nil && update.FileSize != nil && *f.FileSize != *update.FileSize {
		return true
	}
	existing := f.HashByAlgo()
	for _, updateHash := range update.Hashes {
		current, shared := existing[updateHash.AlgoID]
		if shared && !bytes.Equal(current.HashValue, updateHash.HashValue) {
			return true
		}
	}
	return false
}

// Absorb merges a compatible observation additively: extra data is overlaid
// with the newer values winning per key, and hashes under algorithms not yet
// seen are appended. Existing hashes are never overwritten.
func (f *File) Absorb(update *File) {
	f.ExtraData = MergeExtraData(f.ExtraData, update.ExtraData)
	existing := f.HashByAlgo()
	for _, updateHash := range update.Hashes {
		if _, known := existing[updateHash.AlgoID]; !known {
			f.Hashes = append(f.Hashes, updateHash)
		}
	}
}

// FileHash is one content hash of a file under a named algorithm. At most one
// hash exists per (file_id, algo_id); the (algo_id, hash_value) index serves
// reverse-image lookups.
type FileHash struct {
	HashID    int64  `gorm:"column:hash_id;primaryKey;autoIncrement"`
	FileID    int64  `gorm:"column:file_id;not null;uniqueIndex:idx_file_hashes_file_algo,priority:1"`
	AlgoID    int64  `gorm:"column:algo_id;not null;uniqueIndex:idx_file_hashes_file_algo,priority:2;index:idx_file_hashes_algo_value,priority:1"`
	HashValue []byte `gorm:"column:hash_value;not null;index:idx_file_hashes_algo_value,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (FileHash) TableName() string {
	return "submission_snapshot_file_hashes"
}

// UserSnapshot is an immutable observation of one user's state. Identity for
// deduplication is (website_id, site_user_id, scan_datetime,
// archive_contributor_id).
type UserSnapshot struct {
	UserSnapshotID       int64     `gorm:"column:user_snapshot_id;primaryKey;autoIncrement"`
	WebsiteID            string    `gorm:"column:website_id;size:64;not null;uniqueIndex:idx_user_snapshots_identity,priority:1"`
	SiteUserID           string    `gorm:"column:site_user_id;size:190;not null;uniqueIndex:idx_user_snapshots_identity,priority:2"`
	ScanDatetime         time.Time `gorm:"column:scan_datetime;not null;uniqueIndex:idx_user_snapshots_identity,priority:3"`
	ArchiveContributorID int64     `gorm:"column:archive_contributor_id;not null;uniqueIndex:idx_user_snapshots_identity,priority:4"`

	Contributor registry.ArchiveContributor `gorm:"foreignKey:ArchiveContributorID;references:ContributorID"`

	IngestDatetime time.Time `gorm:"column:ingest_datetime;not null"`
	IsDeleted      bool      `gorm:"column:is_deleted;not null;default:false"`
	DisplayName    *string   `gorm:"column:display_name;size:320"`
	ExtraData      ExtraData `gorm:"column:extra_data;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (UserSnapshot) TableName() string {
	return "user_snapshots"
}

// Saved reports whether the snapshot has been assigned a storage identity.
func (s *UserSnapshot) Saved() bool {
	return s.UserSnapshotID != 0
}

// Validate rejects malformed snapshots before any storage mutation.
func (s *UserSnapshot) Validate() error {
	if strings.TrimSpace(s.WebsiteID) == "" {
		return fmt.Errorf("%w: website id is required", ErrInvalidSnapshot)
	}
	if strings.TrimSpace(s.SiteUserID) == "" {
		return fmt.Errorf("%w: site user id is required", ErrInvalidSnapshot)
	}
	if s.ScanDatetime.IsZero() {
		return fmt.Errorf("%w: scan datetime is required", ErrInvalidSnapshot)
	}
	return nil
}
