package optional

import (
	"encoding/json"
	"testing"
)

type payload struct {
	Title    Field[string]   `json:"title"`
	FileSize Field[int64]    `json:"file_size"`
	Keywords Field[[]string] `json:"keywords"`
}

func TestFieldDistinguishesAbsentNullAndValue(t *testing.T) {
	var parsed payload
	body := `{"title": null, "file_size": 42}`
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	if !parsed.Title.Specified() {
		t.Fatalf("expected explicit null title to be specified")
	}
	if !parsed.Title.IsNull() {
		t.Fatalf("expected explicit null title to report null")
	}
	if parsed.Title.Ptr() != nil {
		t.Fatalf("expected nil pointer for null title")
	}

	size, present := parsed.FileSize.Get()
	if !present || size != 42 {
		t.Fatalf("expected file size value 42, got %d present=%v", size, present)
	}

	if parsed.Keywords.Specified() {
		t.Fatalf("expected absent keywords key to stay unspecified")
	}
	if parsed.Keywords.IsNull() {
		t.Fatalf("expected absent keywords key to not report null")
	}
}

func TestFieldEmptyListIsAValueNotNull(t *testing.T) {
	var parsed payload
	if err := json.Unmarshal([]byte(`{"keywords": []}`), &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	keywords, present := parsed.Keywords.Get()
	if !present {
		t.Fatalf("expected empty list to count as a present value")
	}
	if len(keywords) != 0 {
		t.Fatalf("expected empty keyword list, got %v", keywords)
	}
}

func TestFieldPtrCopiesValue(t *testing.T) {
	field := Of("original")
	pointer := field.Ptr()
	*pointer = "mutated"
	value, _ := field.Get()
	if value != "original" {
		t.Fatalf("expected Ptr to return a copy, field now holds %q", value)
	}
}

func TestFieldMarshalRoundTrip(t *testing.T) {
	encoded, err := json.Marshal(Of(int64(7)))
	if err != nil {
		t.Fatalf("failed to marshal value field: %v", err)
	}
	if string(encoded) != "7" {
		t.Fatalf("unexpected encoding %s", encoded)
	}

	encoded, err = json.Marshal(Null[int64]())
	if err != nil {
		t.Fatalf("failed to marshal null field: %v", err)
	}
	if string(encoded) != "null" {
		t.Fatalf("expected null encoding, got %s", encoded)
	}
}

func TestFieldUnmarshalRejectsWrongType(t *testing.T) {
	var field Field[int64]
	if err := field.UnmarshalJSON([]byte(`"not a number"`)); err == nil {
		t.Fatalf("expected type mismatch error")
	}
	if field.Specified() {
		t.Fatalf("expected failed decode to leave the field unspecified")
	}
}
