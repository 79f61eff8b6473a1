// Package projection folds the full snapshot history of a logical entity into
// its best-effort current view. Projections are computed on every read from
// the immutable snapshot set; no cached mutable row is authoritative. Folds
// are order-independent across contributors except where scan recency is
// explicitly the rule.
package projection

import (
	"sort"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
)

// Submission is the computed current view of one logical submission,
// identified by (website_id, site_submission_id).
type Submission struct {
	WebsiteID        string
	SiteSubmissionID string

	// sorted newest scan first, ties broken by descending snapshot id.
	snapshots []snapshots.SubmissionSnapshot
}

// NewSubmission builds a submission projection over the given snapshots. The
// input order does not matter; at least one snapshot is required for the view
// to be meaningful.
func NewSubmission(websiteID, siteSubmissionID string, observed []snapshots.SubmissionSnapshot) *Submission {
	sorted := make([]snapshots.SubmissionSnapshot, len(observed))
	copy(sorted, observed)
	sortNewestFirst(sorted)
	return &Submission{
		WebsiteID:        websiteID,
		SiteSubmissionID: siteSubmissionID,
		snapshots:        sorted,
	}
}

func sortNewestFirst(list []snapshots.SubmissionSnapshot) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].ScanDatetime.Equal(list[j].ScanDatetime) {
			return list[i].ScanDatetime.After(list[j].ScanDatetime)
		}
		return list[i].SubmissionSnapshotID > list[j].SubmissionSnapshotID
	})
}

// SnapshotCount returns the number of observations backing this view.
func (s *Submission) SnapshotCount() int {
	return len(s.snapshots)
}

// SortedSnapshots exposes the backing snapshots, newest scan first.
func (s *Submission) SortedSnapshots() []snapshots.SubmissionSnapshot {
	return s.snapshots
}

// IsDeleted reports the deletion state of the most recently scanned snapshot.
// Deletion is last-write-wins: a newer observation of the submission existing
// overrides an older deletion and vice versa.
func (s *Submission) IsDeleted() bool {
	if len(s.snapshots) == 0 {
		return false
	}
	return s.snapshots[0].IsDeleted
}

// FirstScanned returns the earliest scan datetime across all snapshots.
func (s *Submission) FirstScanned() time.Time {
	if len(s.snapshots) == 0 {
		return time.Time{}
	}
	return s.snapshots[len(s.snapshots)-1].ScanDatetime
}

// LatestUpdate returns the most recent scan datetime across all snapshots.
func (s *Submission) LatestUpdate() time.Time {
	if len(s.snapshots) == 0 {
		return time.Time{}
	}
	return s.snapshots[0].ScanDatetime
}

// UploaderSiteUserID folds the uploader id, first non-null value by recency.
func (s *Submission) UploaderSiteUserID() *string {
	for index := range s.snapshots {
		if s.snapshots[index].UploaderSiteUserID != nil {
			return s.snapshots[index].UploaderSiteUserID
		}
	}
	return nil
}

// Title folds the title field. Scalar fields are first-non-null-wins by
// recency: a gap in one contributor's data must not erase a value another
// contributor supplied earlier.
func (s *Submission) Title() *string {
	for index := range s.snapshots {
		if s.snapshots[index].Title != nil {
			return s.snapshots[index].Title
		}
	}
	return nil
}

// Description folds the description field, first non-null value by recency.
func (s *Submission) Description() *string {
	for index := range s.snapshots {
		if s.snapshots[index].Description != nil {
			return s.snapshots[index].Description
		}
	}
	return nil
}

// DatetimePosted folds the posting time, first non-null value by recency.
func (s *Submission) DatetimePosted() *time.Time {
	for index := range s.snapshots {
		if s.snapshots[index].DatetimePosted != nil {
			return s.snapshots[index].DatetimePosted
		}
	}
	return nil
}

// ExtraData folds extra data oldest to newest, so newer snapshots' keys shadow
// older ones on conflict while keys present only in older snapshots survive.
func (s *Submission) ExtraData() snapshots.ExtraData {
	var merged snapshots.ExtraData
	for index := len(s.snapshots) - 1; index >= 0; index-- {
		merged = snapshots.MergeExtraData(merged, s.snapshots[index].ExtraData)
	}
	return merged
}

// Keywords returns the keyword list of the most recently scanned snapshot that
// recorded keywords at all. Snapshots that did not record the facet are
// skipped entirely, not treated as empty. The winning list is sorted by
// (ordinal, keyword) for determinism.
func (s *Submission) Keywords() []snapshots.SubmissionKeyword {
	for index := range s.snapshots {
		if !s.snapshots[index].KeywordsRecorded {
			continue
		}
		winner := make([]snapshots.SubmissionKeyword, len(s.snapshots[index].Keywords))
		copy(winner, s.snapshots[index].Keywords)
		sort.SliceStable(winner, func(i, j int) bool {
			left, right := winner[i], winner[j]
			if left.Ordinal != nil && right.Ordinal != nil && *left.Ordinal != *right.Ordinal {
				return *left.Ordinal < *right.Ordinal
			}
			return left.Keyword < right.Keyword
		})
		return winner
	}
	return []snapshots.SubmissionKeyword{}
}

// Files folds file observations oldest to newest into a map keyed by site file
// id. A clashing observation replaces the entry outright, since a clash means
// the site reused the slot for different content; a compatible observation
// merges additively, so hash algorithms recorded only by early snapshots
// survive. Returned in first-observed key order.
func (s *Submission) Files() []snapshots.File {
	merged := map[fileKey]*snapshots.File{}
	order := []fileKey{}
	for index := len(s.snapshots) - 1; index >= 0; index-- {
		snapshot := &s.snapshots[index]
		if !snapshot.FilesRecorded {
			continue
		}
		for fileIndex := range snapshot.Files {
			observed := cloneFile(&snapshot.Files[fileIndex])
			key := keyForFile(observed)
			current, seen := merged[key]
			if !seen {
				merged[key] = observed
				order = append(order, key)
				continue
			}
			if current.ClashesWith(observed) {
				merged[key] = observed
				continue
			}
			current.Absorb(observed)
		}
	}
	files := make([]snapshots.File, 0, len(order))
	for _, key := range order {
		files = append(files, *merged[key])
	}
	return files
}

// fileKey treats a nil site file id as its own distinct key: some sites issue
// no stable per-file identifier.
type fileKey struct {
	hasID bool
	id    string
}

func keyForFile(file *snapshots.File) fileKey {
	if file.SiteFileID == nil {
		return fileKey{}
	}
	return fileKey{hasID: true, id: *file.SiteFileID}
}

// cloneFile copies a file and its hash list so the fold never mutates the
// loaded snapshot rows.
func cloneFile(file *snapshots.File) *snapshots.File {
	cloned := *file
	cloned.Hashes = make([]snapshots.FileHash, len(file.Hashes))
	copy(cloned.Hashes, file.Hashes)
	if file.ExtraData != nil {
		cloned.ExtraData = make(snapshots.ExtraData, len(file.ExtraData))
		for key, value := range file.ExtraData {
			cloned.ExtraData[key] = value
		}
	}
	return &cloned
}
