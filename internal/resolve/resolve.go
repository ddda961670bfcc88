// Package resolve implements conflict resolution strategies for payloads
// that diverged between the local queue and the remote service.
//
// Resolution is a pure function of the two payloads: no storage or network
// access, so every strategy is independently unit-testable. Payloads are
// JSON objects. Timestamp-aware strategies read the conventional fields
// "updated_at" (whole-payload modification time) and "field_times" (a map
// of field name to per-field modification time); both accept RFC 3339
// strings or numeric unix milliseconds.
package resolve

import (
	"encoding/json"
	"fmt"
	"time"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// KeepLocal keeps the local payload unchanged; the local intent wins
	// and is resubmitted as a fresh write.
	KeepLocal Strategy = "keep-local"

	// KeepRemote abandons the local change in favor of the server state.
	KeepRemote Strategy = "keep-remote"

	// MergeTimestamp compares the payloads' updated_at; the newer payload
	// wins wholesale. Missing timestamps lose to present ones; when both
	// are missing the remote wins (server truth as the safe default).
	MergeTimestamp Strategy = "merge-timestamp"

	// MergeFields merges per field: a local field value is kept only when
	// its field_times entry is newer than the remote's; fields present
	// only locally are kept; everything else takes the remote value.
	MergeFields Strategy = "merge-fields"
)

// Strategies lists all selectable strategies, for CLI prompts.
var Strategies = []Strategy{KeepLocal, KeepRemote, MergeTimestamp, MergeFields}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case KeepLocal, KeepRemote, MergeTimestamp, MergeFields:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown resolution strategy %q", s)
	}
}

// Resolve produces the resolved payload for a conflict between a local
// mutation snapshot and the server's current state.
func Resolve(strategy Strategy, local, remote json.RawMessage) (json.RawMessage, error) {
	switch strategy {
	case KeepLocal:
		return local, nil
	case KeepRemote:
		return remote, nil
	case MergeTimestamp:
		return mergeByTimestamp(local, remote)
	case MergeFields:
		return mergeFields(local, remote)
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

func mergeByTimestamp(local, remote json.RawMessage) (json.RawMessage, error) {
	localTime, err := payloadTime(local, "updated_at")
	if err != nil {
		return nil, fmt.Errorf("local payload: %w", err)
	}
	remoteTime, err := payloadTime(remote, "updated_at")
	if err != nil {
		return nil, fmt.Errorf("remote payload: %w", err)
	}

	if localTime.After(remoteTime) {
		return local, nil
	}
	return remote, nil
}

func mergeFields(local, remote json.RawMessage) (json.RawMessage, error) {
	var localObj, remoteObj map[string]json.RawMessage
	if err := json.Unmarshal(local, &localObj); err != nil {
		return nil, fmt.Errorf("local payload is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(remote, &remoteObj); err != nil {
		return nil, fmt.Errorf("remote payload is not a JSON object: %w", err)
	}

	localTimes := fieldTimes(localObj)
	remoteTimes := fieldTimes(remoteObj)

	// Start from the remote object; overlay local fields that are newer
	// or that the remote does not have at all.
	merged := make(map[string]json.RawMessage, len(remoteObj)+len(localObj))
	for k, v := range remoteObj {
		merged[k] = v
	}

	mergedTimes := make(map[string]time.Time, len(remoteTimes)+len(localTimes))
	for k, t := range remoteTimes {
		mergedTimes[k] = t
	}

	for k, v := range localObj {
		if k == "field_times" {
			continue
		}
		_, inRemote := remoteObj[k]
		if !inRemote || localTimes[k].After(remoteTimes[k]) {
			merged[k] = v
			if t, ok := localTimes[k]; ok {
				mergedTimes[k] = t
			}
		}
	}

	if len(mergedTimes) > 0 {
		times := make(map[string]string, len(mergedTimes))
		for k, t := range mergedTimes {
			times[k] = t.UTC().Format(time.RFC3339Nano)
		}
		encoded, err := json.Marshal(times)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field times: %w", err)
		}
		merged["field_times"] = encoded
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return out, nil
}

// fieldTimes extracts the per-field timestamp map, tolerating absence and
// unparseable entries (which simply never win a comparison).
func fieldTimes(obj map[string]json.RawMessage) map[string]time.Time {
	raw, ok := obj["field_times"]
	if !ok {
		return nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	times := make(map[string]time.Time, len(entries))
	for k, v := range entries {
		if t, ok := parseTime(v); ok {
			times[k] = t
		}
	}
	return times
}

// payloadTime reads a top-level timestamp field; the zero time is returned
// when the field is absent.
func payloadTime(payload json.RawMessage, field string) (time.Time, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return time.Time{}, fmt.Errorf("not a JSON object: %w", err)
	}

	raw, ok := obj[field]
	if !ok {
		return time.Time{}, nil
	}
	if t, ok := parseTime(raw); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable %s value %s", field, raw)
}

// parseTime accepts RFC 3339 strings and numeric unix milliseconds.
func parseTime(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
		return time.Time{}, false
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms), true
	}

	return time.Time{}, false
}
