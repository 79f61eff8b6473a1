package ingest

import (
	"errors"
	"testing"

	"github.com/Deer-Spangle/faexport-db/internal/registry"
)

var testContributor = registry.ArchiveContributor{ContributorID: 7, Name: "example scraper"}

func TestRegistryLookupKnowsBuiltInFormats(t *testing.T) {
	formats := NewRegistry()
	for _, name := range []string{"submission", "user"} {
		format, err := formats.Lookup(name)
		if err != nil {
			t.Fatalf("expected built-in format %q, got %v", name, err)
		}
		if format.Name() != name {
			t.Fatalf("format registered under the wrong name: %q", format.Name())
		}
	}
	if _, err := formats.Lookup("weasyl_dump_v2"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestSubmissionFormatParsesFullPayload(t *testing.T) {
	payload := `{
		"website_id": "fa",
		"site_submission_id": "123",
		"scan_datetime": "2023-05-01T12:00:00Z",
		"uploader_site_user_id": "artist",
		"title": "artwork",
		"description": null,
		"ordered_keywords": ["wolf", "digital"],
		"extra_data": {"rating": "general"},
		"files": [{
			"site_file_id": "file-1",
			"file_url": "https://example.com/art.png",
			"file_size": 1024,
			"file_hashes": [{"algo_id": 1, "hash_value": "AQID"}]
		}]
	}`
	response, err := submissionFormat{}.Parse([]byte(payload), testContributor)
	if err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if len(response.SubmissionSnapshots) != 1 {
		t.Fatalf("expected one submission snapshot, got %d", len(response.SubmissionSnapshots))
	}
	snapshot := response.SubmissionSnapshots[0]
	if snapshot.ArchiveContributorID != testContributor.ContributorID {
		t.Fatalf("expected contributor threaded onto the snapshot, got %d", snapshot.ArchiveContributorID)
	}
	if snapshot.Title == nil || *snapshot.Title != "artwork" {
		t.Fatalf("unexpected title %v", snapshot.Title)
	}
	if snapshot.Description != nil {
		t.Fatalf("expected explicit null description to stay nil, got %v", snapshot.Description)
	}
	if !snapshot.KeywordsRecorded || len(snapshot.Keywords) != 2 {
		t.Fatalf("expected two recorded keywords, got %+v", snapshot.Keywords)
	}
	if snapshot.Keywords[0].Ordinal == nil || *snapshot.Keywords[0].Ordinal != 0 {
		t.Fatalf("expected ordinal assigned from position, got %v", snapshot.Keywords[0].Ordinal)
	}
	if !snapshot.FilesRecorded || len(snapshot.Files) != 1 {
		t.Fatalf("expected one recorded file, got %+v", snapshot.Files)
	}
	file := snapshot.Files[0]
	if file.FileSize == nil || *file.FileSize != 1024 {
		t.Fatalf("unexpected file size %v", file.FileSize)
	}
	if len(file.Hashes) != 1 || string(file.Hashes[0].HashValue) != "\x01\x02\x03" {
		t.Fatalf("expected decoded hash bytes, got %v", file.Hashes)
	}
	if snapshot.ExtraData["rating"] != "general" {
		t.Fatalf("unexpected extra data %v", snapshot.ExtraData)
	}
}

func TestSubmissionFormatDistinguishesAbsentFromEmptyFacets(t *testing.T) {
	absent := `{"website_id": "fa", "site_submission_id": "123", "scan_datetime": "2023-05-01T12:00:00Z"}`
	response, err := submissionFormat{}.Parse([]byte(absent), testContributor)
	if err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	snapshot := response.SubmissionSnapshots[0]
	if snapshot.KeywordsRecorded || snapshot.FilesRecorded {
		t.Fatalf("expected absent facets to stay unrecorded")
	}

	empty := `{"website_id": "fa", "site_submission_id": "123", "scan_datetime": "2023-05-01T12:00:00Z",
		"unordered_keywords": [], "files": []}`
	response, err = submissionFormat{}.Parse([]byte(empty), testContributor)
	if err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	snapshot = response.SubmissionSnapshots[0]
	if !snapshot.KeywordsRecorded || !snapshot.FilesRecorded {
		t.Fatalf("expected explicitly empty facets to count as recorded")
	}
	if len(snapshot.Keywords) != 0 || len(snapshot.Files) != 0 {
		t.Fatalf("expected empty facet lists, got %+v, %+v", snapshot.Keywords, snapshot.Files)
	}
}

func TestSubmissionFormatRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{name: "invalid json", payload: `{"website_id": `},
		{name: "missing scan datetime", payload: `{"website_id": "fa", "site_submission_id": "123"}`},
		{name: "missing website id", payload: `{"site_submission_id": "123", "scan_datetime": "2023-05-01T12:00:00Z"}`},
		{
			name: "bad base64 hash",
			payload: `{"website_id": "fa", "site_submission_id": "123", "scan_datetime": "2023-05-01T12:00:00Z",
				"files": [{"file_hashes": [{"algo_id": 1, "hash_value": "not base64!"}]}]}`,
		},
		{
			name: "duplicate keyword ordinals",
			payload: `{"website_id": "fa", "site_submission_id": "123", "scan_datetime": "2023-05-01T12:00:00Z",
				"keywords": [{"keyword": "wolf", "ordinal": 0}, {"keyword": "digital", "ordinal": 0}]}`,
		},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := submissionFormat{}.Parse([]byte(testCase.payload), testContributor)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestUserFormatParsesPayload(t *testing.T) {
	payload := `{
		"website_id": "fa",
		"site_user_id": "artist",
		"scan_datetime": "2023-05-01T12:00:00Z",
		"display_name": "Artist",
		"extra_data": {"species": "wolf"}
	}`
	response, err := userFormat{}.Parse([]byte(payload), testContributor)
	if err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if len(response.UserSnapshots) != 1 {
		t.Fatalf("expected one user snapshot, got %d", len(response.UserSnapshots))
	}
	snapshot := response.UserSnapshots[0]
	if snapshot.DisplayName == nil || *snapshot.DisplayName != "Artist" {
		t.Fatalf("unexpected display name %v", snapshot.DisplayName)
	}
	if snapshot.ExtraData["species"] != "wolf" {
		t.Fatalf("unexpected extra data %v", snapshot.ExtraData)
	}
}

func TestUserFormatRequiresScanDatetime(t *testing.T) {
	payload := `{"website_id": "fa", "site_user_id": "artist"}`
	_, err := userFormat{}.Parse([]byte(payload), testContributor)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

type stubFormat struct{}

func (stubFormat) Name() string { return "stub" }

func (stubFormat) Parse([]byte, registry.ArchiveContributor) (FormatResponse, error) {
	return FormatResponse{}, nil
}

func TestRegistryAcceptsExtraFormats(t *testing.T) {
	formats := NewRegistry(stubFormat{})
	if _, err := formats.Lookup("stub"); err != nil {
		t.Fatalf("expected extra format registered, got %v", err)
	}
	names := formats.Names()
	if len(names) != 3 {
		t.Fatalf("expected three registered formats, got %v", names)
	}
}
