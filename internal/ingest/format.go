// Package ingest converts contributor payloads into snapshots and feeds them
// to the store. Format adapters own all payload parsing; the store never sees
// source-website-specific JSON.
package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Deer-Spangle/faexport-db/internal/optional"
	"github.com/Deer-Spangle/faexport-db/internal/registry"
	"github.com/Deer-Spangle/faexport-db/internal/snapshots"
)

var (
	// ErrUnknownFormat indicates a request naming a format with no registered adapter.
	ErrUnknownFormat = errors.New("ingest: unknown format")
	// ErrMalformedPayload indicates a payload rejected before any storage mutation.
	ErrMalformedPayload = errors.New("ingest: malformed payload")
)

// FormatResponse bundles the snapshots produced by one adapter invocation.
type FormatResponse struct {
	SubmissionSnapshots []*snapshots.SubmissionSnapshot
	UserSnapshots       []*snapshots.UserSnapshot
}

// AddSubmissionSnapshot appends a submission snapshot to the response.
func (r *FormatResponse) AddSubmissionSnapshot(snapshot *snapshots.SubmissionSnapshot) {
	r.SubmissionSnapshots = append(r.SubmissionSnapshots, snapshot)
}

// AddUserSnapshot appends a user snapshot to the response.
func (r *FormatResponse) AddUserSnapshot(snapshot *snapshots.UserSnapshot) {
	r.UserSnapshots = append(r.UserSnapshots, snapshot)
}

// Empty reports whether the adapter produced no snapshots at all.
func (r *FormatResponse) Empty() bool {
	return len(r.SubmissionSnapshots) == 0 && len(r.UserSnapshots) == 0
}

// Format converts one contributor payload into fully populated snapshots
// tagged with the resolved contributor.
type Format interface {
	Name() string
	Parse(payload []byte, contributor registry.ArchiveContributor) (FormatResponse, error)
}

// Registry selects format adapters by name. The set of formats is fixed at
// construction; there is no runtime registration from request handlers.
type Registry struct {
	formats map[string]Format
}

// NewRegistry returns a registry holding the built-in formats plus any extras.
func NewRegistry(extras ...Format) *Registry {
	registry := &Registry{formats: map[string]Format{}}
	registry.register(submissionFormat{})
	registry.register(userFormat{})
	for _, format := range extras {
		registry.register(format)
	}
	return registry
}

func (r *Registry) register(format Format) {
	r.formats[format.Name()] = format
}

// Lookup returns the adapter registered under the given name.
func (r *Registry) Lookup(name string) (Format, error) {
	format, known := r.formats[name]
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	return format, nil
}

// Names lists the registered format names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formats))
	for name := range r.formats {
		names = append(names, name)
	}
	return names
}

// submissionPayload mirrors the submission snapshot wire shape. Keywords and
// files distinguish absent from present-but-empty: an absent facet means the
// contributor did not record it at this scan.
type submissionPayload struct {
	WebsiteID          string                           `json:"website_id"`
	SiteSubmissionID   string                           `json:"site_submission_id"`
	ScanDatetime       *time.Time                       `json:"scan_datetime"`
	UploaderSiteUserID optional.Field[string]           `json:"uploader_site_user_id"`
	IsDeleted          bool                             `json:"is_deleted"`
	Title              optional.Field[string]           `json:"title"`
	Description        optional.Field[string]           `json:"description"`
	DatetimePosted     optional.Field[time.Time]        `json:"datetime_posted"`
	ExtraData          optional.Field[map[string]any]   `json:"extra_data"`
	Keywords           optional.Field[[]keywordPayload] `json:"keywords"`
	OrderedKeywords    optional.Field[[]string]         `json:"ordered_keywords"`
	UnorderedKeywords  optional.Field[[]string]         `json:"unordered_keywords"`
	Files              optional.Field[[]filePayload]    `json:"files"`
}

type keywordPayload struct {
	Keyword string                `json:"keyword"`
	Ordinal optional.Field[int64] `json:"ordinal"`
}

type filePayload struct {
	SiteFileID optional.Field[string]         `json:"site_file_id"`
	FileURL    optional.Field[string]         `json:"file_url"`
	FileSize   optional.Field[int64]          `json:"file_size"`
	ExtraData  optional.Field[map[string]any] `json:"extra_data"`
	FileHashes optional.Field[[]hashPayload]  `json:"file_hashes"`
}

type hashPayload struct {
	AlgoID    int64  `json:"algo_id"`
	HashValue string `json:"hash_value"`
}

type submissionFormat struct{}

func (submissionFormat) Name() string {
	return "submission"
}

func (submissionFormat) Parse(payload []byte, contributor registry.ArchiveContributor) (FormatResponse, error) {
	var parsed submissionPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return FormatResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	snapshot, err := buildSubmissionSnapshot(parsed, contributor)
	if err != nil {
		return FormatResponse{}, err
	}
	response := FormatResponse{}
	response.AddSubmissionSnapshot(snapshot)
	return response, nil
}

func buildSubmissionSnapshot(parsed submissionPayload, contributor registry.ArchiveContributor) (*snapshots.SubmissionSnapshot, error) {
	if parsed.ScanDatetime == nil {
		return nil, fmt.Errorf("%w: scan_datetime is required", ErrMalformedPayload)
	}
	snapshot := &snapshots.SubmissionSnapshot{
		WebsiteID:            parsed.WebsiteID,
		SiteSubmissionID:     parsed.SiteSubmissionID,
		ScanDatetime:         parsed.ScanDatetime.UTC(),
		ArchiveContributorID: contributor.ContributorID,
		Contributor:          contributor,
		UploaderSiteUserID:   parsed.UploaderSiteUserID.Ptr(),
		IsDeleted:            parsed.IsDeleted,
		Title:                parsed.Title.Ptr(),
		Description:          parsed.Description.Ptr(),
		DatetimePosted:       parsed.DatetimePosted.Ptr(),
	}
	if extraData, present := parsed.ExtraData.Get(); present {
		snapshot.ExtraData = snapshots.ExtraData(extraData)
	}

	if keywords, present := parsed.Keywords.Get(); present {
		list := make([]snapshots.SubmissionKeyword, 0, len(keywords))
		for _, keyword := range keywords {
			list = append(list, snapshots.SubmissionKeyword{
				Keyword: keyword.Keyword,
				Ordinal: keyword.Ordinal.Ptr(),
			})
		}
		snapshot.SetKeywords(list)
	}
	if ordered, present := parsed.OrderedKeywords.Get(); present {
		snapshot.SetOrderedKeywords(ordered)
	}
	if unordered, present := parsed.UnorderedKeywords.Get(); present {
		snapshot.SetUnorderedKeywords(unordered)
	}

	if files, present := parsed.Files.Get(); present {
		list := make([]snapshots.File, 0, len(files))
		for _, file := range files {
			built, err := buildFile(file)
			if err != nil {
				return nil, err
			}
			list = append(list, built)
		}
		snapshot.SetFiles(list)
	}

	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return snapshot, nil
}

func buildFile(parsed filePayload) (snapshots.File, error) {
	file := snapshots.File{
		SiteFileID: parsed.SiteFileID.Ptr(),
		FileURL:    parsed.FileURL.Ptr(),
		FileSize:   parsed.FileSize.Ptr(),
	}
	if extraData, present := parsed.ExtraData.Get(); present {
		file.ExtraData = snapshots.ExtraData(extraData)
	}
	hashes, present := parsed.FileHashes.Get()
	if !present {
		return file, nil
	}
	for _, parsedHash := range hashes {
		decoded, err := base64.StdEncoding.DecodeString(parsedHash.HashValue)
		if err != nil {
			return snapshots.File{}, fmt.Errorf("%w: hash_value is not valid base64", ErrMalformedPayload)
		}
		file.Hashes = append(file.Hashes, snapshots.FileHash{
			AlgoID:    parsedHash.AlgoID,
			HashValue: decoded,
		})
	}
	return file, nil
}

// userPayload mirrors the user snapshot wire shape.
type userPayload struct {
	WebsiteID    string                         `json:"website_id"`
	SiteUserID   string                         `json:"site_user_id"`
	ScanDatetime *time.Time                     `json:"scan_datetime"`
	IsDeleted    bool                           `json:"is_deleted"`
	DisplayName  optional.Field[string]         `json:"display_name"`
	ExtraData    optional.Field[map[string]any] `json:"extra_data"`
}

type userFormat struct{}

func (userFormat) Name() string {
	return "user"
}

func (userFormat) Parse(payload []byte, contributor registry.ArchiveContributor) (FormatResponse, error) {
	var parsed userPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return FormatResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if parsed.ScanDatetime == nil {
		return FormatResponse{}, fmt.Errorf("%w: scan_datetime is required", ErrMalformedPayload)
	}
	snapshot := &snapshots.UserSnapshot{
		WebsiteID:            parsed.WebsiteID,
		SiteUserID:           parsed.SiteUserID,
		ScanDatetime:         parsed.ScanDatetime.UTC(),
		ArchiveContributorID: contributor.ContributorID,
		Contributor:          contributor,
		IsDeleted:            parsed.IsDeleted,
		DisplayName:          parsed.DisplayName.Ptr(),
	}
	if extraData, present := parsed.ExtraData.Get(); present {
		snapshot.ExtraData = snapshots.ExtraData(extraData)
	}
	if err := snapshot.Validate(); err != nil {
		return FormatResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	response := FormatResponse{}
	response.AddUserSnapshot(snapshot)
	return response, nil
}
