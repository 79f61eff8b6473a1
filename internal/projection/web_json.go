package projection

import (
	"encoding/base64"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/registry"
	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
)

// WebJSON renders the folded submission view in the wire shape consumed by the
// HTTP layer: cache metadata alongside the reconciled business fields.
func (s *Submission) WebJSON() map[string]any {
	keywords := s.Keywords()
	keywordJSON := make([]map[string]any, 0, len(keywords))
	for index := range keywords {
		keywordJSON = append(keywordJSON, keywordWebJSON(&keywords[index]))
	}
	files := s.Files()
	fileJSON := make([]map[string]any, 0, len(files))
	for index := range files {
		fileJSON = append(fileJSON, fileWebJSON(&files[index]))
	}
	return map[string]any{
		"website_id":         s.WebsiteID,
		"site_submission_id": s.SiteSubmissionID,
		"cache_data": map[string]any{
			"snapshot_count": s.SnapshotCount(),
			"first_scanned":  formatTime(s.FirstScanned()),
			"latest_update":  formatTime(s.LatestUpdate()),
		},
		"submission_data": map[string]any{
			"is_deleted":            s.IsDeleted(),
			"uploader_site_user_id": s.UploaderSiteUserID(),
			"title":                 s.Title(),
			"description":           s.Description(),
			"datetime_posted":       formatTimePtr(s.DatetimePosted()),
			"keywords":              keywordJSON,
			"files":                 fileJSON,
			"extra_data":            s.ExtraData(),
		},
	}
}

// SnapshotsWebJSON renders the full snapshot history, newest scan first.
func (s *Submission) SnapshotsWebJSON() map[string]any {
	history := make([]map[string]any, 0, len(s.snapshots))
	for index := range s.snapshots {
		history = append(history, SubmissionSnapshotWebJSON(&s.snapshots[index]))
	}
	return map[string]any{
		"website_id":         s.WebsiteID,
		"site_submission_id": s.SiteSubmissionID,
		"snapshot_count":     s.SnapshotCount(),
		"snapshots":          history,
	}
}

// SubmissionSnapshotWebJSON renders one raw observation, keeping the
// recorded-versus-absent distinction for keywords and files.
func SubmissionSnapshotWebJSON(snapshot *snapshots.SubmissionSnapshot) map[string]any {
	var keywordJSON any
	if snapshot.KeywordsRecorded {
		rendered := make([]map[string]any, 0, len(snapshot.Keywords))
		for index := range snapshot.Keywords {
			rendered = append(rendered, keywordWebJSON(&snapshot.Keywords[index]))
		}
		keywordJSON = rendered
	}
	var fileJSON any
	if snapshot.FilesRecorded {
		rendered := make([]map[string]any, 0, len(snapshot.Files))
		for index := range snapshot.Files {
			rendered = append(rendered, fileWebJSON(&snapshot.Files[index]))
		}
		fileJSON = rendered
	}
	return map[string]any{
		"submission_snapshot_id": snapshot.SubmissionSnapshotID,
		"website_id":             snapshot.WebsiteID,
		"site_submission_id":     snapshot.SiteSubmissionID,
		"cache_data": map[string]any{
			"scan_datetime":       formatTime(snapshot.ScanDatetime),
			"archive_contributor": ContributorWebJSON(snapshot.Contributor),
			"ingest_datetime":     formatTime(snapshot.IngestDatetime),
		},
		"submission_data": map[string]any{
			"uploader_site_user_id": snapshot.UploaderSiteUserID,
			"is_deleted":            snapshot.IsDeleted,
			"title":                 snapshot.Title,
			"description":           snapshot.Description,
			"datetime_posted":       formatTimePtr(snapshot.DatetimePosted),
			"keywords":              keywordJSON,
			"files":                 fileJSON,
			"extra_data":            snapshot.ExtraData,
		},
	}
}

// WebJSON renders the folded user view.
func (u *User) WebJSON() map[string]any {
	return map[string]any{
		"website_id":   u.WebsiteID,
		"site_user_id": u.SiteUserID,
		"cache_data": map[string]any{
			"snapshot_count": u.SnapshotCount(),
			"first_scanned":  formatTime(u.FirstScanned()),
			"latest_update":  formatTime(u.LatestUpdate()),
		},
		"user_data": map[string]any{
			"is_deleted":   u.IsDeleted(),
			"display_name": u.DisplayName(),
			"extra_data":   u.ExtraData(),
		},
	}
}

// SnapshotsWebJSON renders the full user snapshot history, newest scan first.
func (u *User) SnapshotsWebJSON() map[string]any {
	history := make([]map[string]any, 0, len(u.snapshots))
	for index := range u.snapshots {
		history = append(history, UserSnapshotWebJSON(&u.snapshots[index]))
	}
	return map[string]any{
		"website_id":     u.WebsiteID,
		"site_user_id":   u.SiteUserID,
		"snapshot_count": u.SnapshotCount(),
		"snapshots":      history,
	}
}

// UserSnapshotWebJSON renders one raw user observation.
func UserSnapshotWebJSON(snapshot *snapshots.UserSnapshot) map[string]any {
	return map[string]any{
		"user_snapshot_id": snapshot.UserSnapshotID,
		"website_id":       snapshot.WebsiteID,
		"site_user_id":     snapshot.SiteUserID,
		"cache_data": map[string]any{
			"scan_datetime":       formatTime(snapshot.ScanDatetime),
			"archive_contributor": ContributorWebJSON(snapshot.Contributor),
			"ingest_datetime":     formatTime(snapshot.IngestDatetime),
		},
		"user_data": map[string]any{
			"is_deleted":   snapshot.IsDeleted,
			"display_name": snapshot.DisplayName,
			"extra_data":   snapshot.ExtraData,
		},
	}
}

// ContributorWebJSON renders contributor provenance without its API key.
func ContributorWebJSON(contributor registry.ArchiveContributor) map[string]any {
	return map[string]any{
		"contributor_id": contributor.ContributorID,
		"name":           contributor.Name,
	}
}

// WebsiteWebJSON renders one website registry entry.
func WebsiteWebJSON(website registry.Website) map[string]any {
	return map[string]any{
		"website_id": website.WebsiteID,
		"full_name":  website.FullName,
		"link":       website.Link,
	}
}

// HashAlgoWebJSON renders one hash algorithm registry entry.
func HashAlgoWebJSON(algo registry.HashAlgo) map[string]any {
	return map[string]any{
		"algo_id":        algo.AlgoID,
		"language":       algo.Language,
		"algorithm_name": algo.AlgorithmName,
	}
}

func keywordWebJSON(keyword *snapshots.SubmissionKeyword) map[string]any {
	return map[string]any{
		"keyword": keyword.Keyword,
		"ordinal": keyword.Ordinal,
	}
}

func fileWebJSON(file *snapshots.File) map[string]any {
	hashJSON := make([]map[string]any, 0, len(file.Hashes))
	for _, fileHash := range file.Hashes {
		hashJSON = append(hashJSON, map[string]any{
			"algo_id":    fileHash.AlgoID,
			"hash_value": base64.StdEncoding.EncodeToString(fileHash.HashValue),
		})
	}
	return map[string]any{
		"site_file_id": file.SiteFileID,
		"file_url":     file.FileURL,
		"file_size":    file.FileSize,
		"extra_data":   file.ExtraData,
		"file_hashes":  hashJSON,
	}
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}

func formatTimePtr(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := formatTime(*value)
	return &formatted
}
