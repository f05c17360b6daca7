package registry

import (
	"encoding/json"
	"testing"
)

func TestParseManifest(t *testing.T) {
	t.Parallel()

	valid := `{
		"index": {"name": "left-pad", "description": "pads"},
		"versions": [
			{"name": "left-pad", "version": "1.0.0"},
			{"name": "left-pad", "version": "1.0.1"}
		],
		"tarballs": [
			{"path": "left-pad/-/left-pad-1.0.0.tgz", "shasum": "abc", "tarball": "https://example.com/left-pad-1.0.0.tgz"}
		]
	}`

	m, err := ParseManifest([]byte(valid))
	if err != nil {
		t.Fatal("ParseManifest failed:", err)
	}
	if m.Index.Name != "left-pad" {
		t.Error("wrong index name:", m.Index.Name)
	}
	if len(m.Versions) != 2 {
		t.Error("wrong version count:", len(m.Versions))
	}
	if len(m.Tarballs) != 1 {
		t.Error("wrong tarball count:", len(m.Tarballs))
	}
	if m.Versions[1].Version != "1.0.1" {
		t.Error("wrong version:", m.Versions[1].Version)
	}
}

func TestParseManifestRejectsPartial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"missing index", `{"versions": [], "tarballs": []}`},
		{"missing versions", `{"index": {"name": "a"}, "tarballs": []}`},
		{"missing tarballs", `{"index": {"name": "a"}, "versions": []}`},
		{"unnamed index", `{"index": {}, "versions": [], "tarballs": []}`},
		{"mistyped versions", `{"index": {"name": "a"}, "versions": {}, "tarballs": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.data)); err == nil {
				t.Error("expected error for", tt.name)
			}
		})
	}
}

func TestParseManifestAllowsEmptyCollections(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(`{"index": {"name": "a"}, "versions": [], "tarballs": []}`))
	if err != nil {
		t.Fatal("ParseManifest failed:", err)
	}
	if len(m.Versions) != 0 || len(m.Tarballs) != 0 {
		t.Error("expected empty collections")
	}
}

func TestRecordKeys(t *testing.T) {
	t.Parallel()

	idx := IndexRecord{Name: "lodash"}
	if idx.Key() != "lodash/index.json" {
		t.Error("wrong index key:", idx.Key())
	}

	ver := VersionRecord{Name: "lodash", Version: "4.17.21"}
	if ver.Key() != "lodash/4.17.21/index.json" {
		t.Error("wrong version key:", ver.Key())
	}
}

func TestIndexRecordPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	doc := `{"name":"lodash","dist-tags":{"latest":"4.17.21"},"custom":42}`
	var rec IndexRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		t.Fatal("unmarshal failed:", err)
	}
	if rec.Name != "lodash" {
		t.Error("wrong name:", rec.Name)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatal("marshal failed:", err)
	}
	var got, want map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal("reparse failed:", err)
	}
	if err := json.Unmarshal([]byte(doc), &want); err != nil {
		t.Fatal(err)
	}
	if got["custom"] != want["custom"] {
		t.Error("unknown field lost in round trip")
	}
}

func TestTarballRefCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ref     TarballRef
		wantErr bool
	}{
		{"complete", TarballRef{Path: "a/-/a-1.tgz", SHASum: "abc", URL: "https://x/a-1.tgz"}, false},
		{"missing path", TarballRef{SHASum: "abc", URL: "https://x/a-1.tgz"}, true},
		{"missing shasum", TarballRef{Path: "a/-/a-1.tgz", URL: "https://x/a-1.tgz"}, true},
		{"missing url", TarballRef{Path: "a/-/a-1.tgz", SHASum: "abc"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Check()
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestArtifactTaskEncodeDecode(t *testing.T) {
	t.Parallel()

	task := ArtifactTask{
		URL:    "https://registry.example.com/a/-/a-1.0.0.tgz",
		Path:   "a/-/a-1.0.0.tgz",
		SHASum: "deadbeef",
	}
	payload, attrs := task.Encode()
	got := DecodeTask(payload, attrs)
	if got != task {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, task)
	}
}

func TestDecodeTaskMissingAttrs(t *testing.T) {
	t.Parallel()

	got := DecodeTask([]byte("https://x/y.tgz"), nil)
	if got.URL != "https://x/y.tgz" || got.Path != "" || got.SHASum != "" {
		t.Errorf("unexpected task: %+v", got)
	}
}
