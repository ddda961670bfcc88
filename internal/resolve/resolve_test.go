package resolve

import (
	"encoding/json"
	"testing"
)

func TestKeepLocalAndKeepRemote(t *testing.T) {
	local := json.RawMessage(`{"name":"Local"}`)
	remote := json.RawMessage(`{"name":"Remote"}`)

	got, err := Resolve(KeepLocal, local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if string(got) != string(local) {
		t.Errorf("keep-local returned %s", got)
	}

	got, err = Resolve(KeepRemote, local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if string(got) != string(remote) {
		t.Errorf("keep-remote returned %s", got)
	}
}

func TestMergeTimestamp(t *testing.T) {
	tests := []struct {
		name      string
		local     string
		remote    string
		wantLocal bool
	}{
		{
			name:      "local newer wins",
			local:     `{"v":"l","updated_at":"2026-08-25T12:00:00Z"}`,
			remote:    `{"v":"r","updated_at":"2026-08-25T11:00:00Z"}`,
			wantLocal: true,
		},
		{
			name:      "remote newer wins",
			local:     `{"v":"l","updated_at":"2026-08-25T10:00:00Z"}`,
			remote:    `{"v":"r","updated_at":"2026-08-25T11:00:00Z"}`,
			wantLocal: false,
		},
		{
			name:      "equal timestamps favor remote",
			local:     `{"v":"l","updated_at":"2026-08-25T11:00:00Z"}`,
			remote:    `{"v":"r","updated_at":"2026-08-25T11:00:00Z"}`,
			wantLocal: false,
		},
		{
			name:      "missing local timestamp loses",
			local:     `{"v":"l"}`,
			remote:    `{"v":"r","updated_at":"2026-08-25T11:00:00Z"}`,
			wantLocal: false,
		},
		{
			name:      "missing remote timestamp loses",
			local:     `{"v":"l","updated_at":"2026-08-25T11:00:00Z"}`,
			remote:    `{"v":"r"}`,
			wantLocal: true,
		},
		{
			name:      "both missing favors remote",
			local:     `{"v":"l"}`,
			remote:    `{"v":"r"}`,
			wantLocal: false,
		},
		{
			name:      "unix millisecond timestamps",
			local:     `{"v":"l","updated_at":1787659200000}`,
			remote:    `{"v":"r","updated_at":1787655600000}`,
			wantLocal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(MergeTimestamp, json.RawMessage(tt.local), json.RawMessage(tt.remote))
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}

			want := tt.remote
			if tt.wantLocal {
				want = tt.local
			}
			if string(got) != want {
				t.Errorf("got %s, want %s", got, want)
			}
		})
	}
}

func TestMergeFields(t *testing.T) {
	local := json.RawMessage(`{
		"name": "Jane L",
		"phone": "555-0100",
		"local_only": true,
		"field_times": {
			"name": "2026-08-25T12:00:00Z",
			"phone": "2026-08-25T08:00:00Z"
		}
	}`)
	remote := json.RawMessage(`{
		"name": "Jane R",
		"phone": "555-0199",
		"version": 3,
		"field_times": {
			"name": "2026-08-25T11:00:00Z",
			"phone": "2026-08-25T09:00:00Z"
		}
	}`)

	got, err := Resolve(MergeFields, local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal(got, &merged); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}

	// Local name is newer, local phone is older, version exists only
	// remotely, local_only exists only locally.
	if merged["name"] != "Jane L" {
		t.Errorf("expected newer local name, got %v", merged["name"])
	}
	if merged["phone"] != "555-0199" {
		t.Errorf("expected newer remote phone, got %v", merged["phone"])
	}
	if merged["version"] != float64(3) {
		t.Errorf("expected remote-only field kept, got %v", merged["version"])
	}
	if merged["local_only"] != true {
		t.Errorf("expected local-only field kept, got %v", merged["local_only"])
	}
}

func TestMergeFieldsWithoutTimestamps(t *testing.T) {
	// With no field_times at all, remote values win for shared fields and
	// local-only fields survive.
	local := json.RawMessage(`{"a":1,"b":2}`)
	remote := json.RawMessage(`{"a":9,"c":3}`)

	got, err := Resolve(MergeFields, local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal(got, &merged); err != nil {
		t.Fatalf("merged payload is not valid JSON: %v", err)
	}
	if merged["a"] != float64(9) {
		t.Errorf("expected remote value for shared field, got %v", merged["a"])
	}
	if merged["b"] != float64(2) {
		t.Errorf("expected local-only field kept, got %v", merged["b"])
	}
	if merged["c"] != float64(3) {
		t.Errorf("expected remote-only field kept, got %v", merged["c"])
	}
}

func TestMergeFieldsRejectsNonObjects(t *testing.T) {
	if _, err := Resolve(MergeFields, json.RawMessage(`[1,2]`), json.RawMessage(`{}`)); err == nil {
		t.Error("expected non-object local payload to be rejected")
	}
	if _, err := Resolve(MergeFields, json.RawMessage(`{}`), json.RawMessage(`"str"`)); err == nil {
		t.Error("expected non-object remote payload to be rejected")
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies {
		parsed, err := ParseStrategy(string(s))
		if err != nil {
			t.Errorf("ParseStrategy(%q) failed: %v", s, err)
		}
		if parsed != s {
			t.Errorf("ParseStrategy(%q) = %q", s, parsed)
		}
	}

	if _, err := ParseStrategy("coin-flip"); err == nil {
		t.Error("expected unknown strategy to be rejected")
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, err := Resolve(Strategy("bogus"), json.RawMessage(`{}`), json.RawMessage(`{}`)); err == nil {
		t.Error("expected unknown strategy to fail")
	}
}
