package projection

import (
	"sort"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
)

// User is the computed current view of one logical user, identified by
// (website_id, site_user_id).
type User struct {
	WebsiteID  string
	SiteUserID string

	snapshots []snapshots.UserSnapshot
}

// NewUser builds a user projection over the given snapshots in any order.
func NewUser(websiteID, siteUserID string, observed []snapshots.UserSnapshot) *User {
	sorted := make([]snapshots.UserSnapshot, len(observed))
	copy(sorted, observed)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ScanDatetime.Equal(sorted[j].ScanDatetime) {
			return sorted[i].ScanDatetime.After(sorted[j].ScanDatetime)
		}
		return sorted[i].UserSnapshotID > sorted[j].UserSnapshotID
	})
	return &User{WebsiteID: websiteID, SiteUserID: siteUserID, snapshots: sorted}
}

// SnapshotCount returns the number of observations backing this view.
func (u *User) SnapshotCount() int {
	return len(u.snapshots)
}

// SortedSnapshots exposes the backing snapshots, newest scan first.
func (u *User) SortedSnapshots() []snapshots.UserSnapshot {
	return u.snapshots
}

// IsDeleted reports the deletion state of the most recently scanned snapshot.
func (u *User) IsDeleted() bool {
	if len(u.snapshots) == 0 {
		return false
	}
	return u.snapshots[0].IsDeleted
}

// FirstScanned returns the earliest scan datetime across all snapshots.
func (u *User) FirstScanned() time.Time {
	if len(u.snapshots) == 0 {
		return time.Time{}
	}
	return u.snapshots[len(u.snapshots)-1].ScanDatetime
}

// LatestUpdate returns the most recent scan datetime across all snapshots.
func (u *User) LatestUpdate() time.Time {
	if len(u.snapshots) == 0 {
		return time.Time{}
	}
	return u.snapshots[0].ScanDatetime
}

// DisplayName folds the display name, first non-null value by recency.
func (u *User) DisplayName() *string {
	for index := range u.snapshots {
		if u.snapshots[index].DisplayName != nil {
			return u.snapshots[index].DisplayName
		}
	}
	return nil
}

// ExtraData folds extra data oldest to newest; newer keys shadow older ones.
func (u *User) ExtraData() snapshots.ExtraData {
	var merged snapshots.ExtraData
	for index := len(u.snapshots) - 1; index >= 0; index-- {
		merged = snapshots.MergeExtraData(merged, u.snapshots[index].ExtraData)
	}
	return merged
}
