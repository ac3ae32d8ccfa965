package persistence

import (
	"encoding/json"
)

// The JSON state files are forward-compatible: fields written by a newer
// build survive a load/save cycle through an older one. SplitUnknown and
// MergeUnknown implement that round-trip for any record type.

// SplitUnknown unmarshals data into known and returns the raw values of
// every top-level key the known type does not declare.
func SplitUnknown(data []byte, known any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}

	knownData, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(knownData, &knownKeys); err != nil {
		return nil, err
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range all {
		if _, ok := knownKeys[k]; !ok {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// MergeUnknown marshals known and re-attaches the preserved unknown keys.
// Known fields always win on collision.
func MergeUnknown(known any, extra map[string]json.RawMessage) ([]byte, error) {
	knownData, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return knownData, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(knownData, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
