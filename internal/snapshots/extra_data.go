package snapshots

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ExtraData holds free-form per-snapshot metadata, serialized as a JSON text
// column. A nil map means the contributor recorded no extra data at all, which
// is distinct from an empty object.
type ExtraData map[string]any

// Value serializes the map for storage. Nil maps persist as NULL.
func (d ExtraData) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan restores the map from its stored representation.
func (d *ExtraData) Scan(src any) error {
	if src == nil {
		*d = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("snapshots: cannot scan extra data from %T", src)
	}
	if len(raw) == 0 {
		*d = nil
		return nil
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*d = decoded
	return nil
}

// MergeExtraData overlays one extra data map onto a base. Overlay keys shadow
// base keys; keys present only in the base survive. Nil inputs pass through
// unchanged so that "never recorded" does not become an empty object.
func MergeExtraData(base, overlay ExtraData) ExtraData {
	if base == nil {
		return overlay
	}
	if overlay == nil {
		return base
	}
	merged := make(ExtraData, len(base)+len(overlay))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}
