package registry

import (
	"bytes"
	"encoding/json"
	"path"

	"github.com/cockroachdb/errors"
)

const indexJSON = "index.json"

// Attribute keys carried alongside artifact task payloads on the bus.
const (
	AttrPath   = "path"
	AttrSHASum = "shasum"
)

// ChangeEvent is one entry from the registry change feed.
type ChangeEvent struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

// Valid reports whether the event carries a usable package identifier.
func (e ChangeEvent) Valid() bool {
	return e.ID != ""
}

// IndexRecord is the package-level metadata document.  Meta holds the
// upstream document verbatim so unknown fields survive a mirror round trip.
type IndexRecord struct {
	Name string
	Meta json.RawMessage
}

// Key returns the object store key for the package index document.
func (r IndexRecord) Key() string {
	return path.Join(r.Name, indexJSON)
}

// Check validates required fields.
func (r IndexRecord) Check() error {
	if r.Name == "" {
		return errors.New("index record: missing name")
	}
	return nil
}

// UnmarshalJSON extracts the package name and keeps the raw document.
func (r *IndexRecord) UnmarshalJSON(data []byte) error {
	var probe struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	r.Name = probe.Name
	r.Meta = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the upstream document unchanged.
func (r IndexRecord) MarshalJSON() ([]byte, error) {
	if len(r.Meta) > 0 {
		return r.Meta, nil
	}
	return json.Marshal(struct {
		Name string `json:"name"`
	}{r.Name})
}

// VersionRecord is the metadata document for one published version.
type VersionRecord struct {
	Name    string
	Version string
	Meta    json.RawMessage
}

// Key returns the object store key for the version document.
func (r VersionRecord) Key() string {
	return path.Join(r.Name, r.Version, indexJSON)
}

// Check validates required fields.
func (r VersionRecord) Check() error {
	if r.Name == "" {
		return errors.New("version record: missing name")
	}
	if r.Version == "" {
		return errors.New("version record: missing version")
	}
	return nil
}

// UnmarshalJSON extracts identity fields and keeps the raw document.
func (r *VersionRecord) UnmarshalJSON(data []byte) error {
	var probe struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	r.Name = probe.Name
	r.Version = probe.Version
	r.Meta = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the upstream document unchanged.
func (r VersionRecord) MarshalJSON() ([]byte, error) {
	if len(r.Meta) > 0 {
		return r.Meta, nil
	}
	return json.Marshal(struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}{r.Name, r.Version})
}

// TarballRef locates one downloadable artifact of a package version.
type TarballRef struct {
	Path   string `json:"path"`
	SHASum string `json:"shasum"`
	URL    string `json:"tarball"`
}

// Check validates each required field individually so callers can log
// exactly what is missing.
func (t TarballRef) Check() error {
	if t.Path == "" {
		return errors.New("tarball entry: missing path")
	}
	if t.SHASum == "" {
		return errors.New("tarball entry: missing shasum")
	}
	if t.URL == "" {
		return errors.New("tarball entry: missing tarball url")
	}
	return nil
}

// PackageManifest is the resolved description of one package.  It is
// ephemeral: only its parts are persisted, never the whole.
type PackageManifest struct {
	Index    IndexRecord
	Versions []VersionRecord
	Tarballs []TarballRef
}

// ParseManifest decodes and shape-checks a resolved manifest document.
// The index object and both collections must be present and correctly
// typed; a partial manifest is rejected as a whole so the caller never
// fans out from untrusted input.
func ParseManifest(data []byte) (*PackageManifest, error) {
	var wire struct {
		Index    *IndexRecord    `json:"index"`
		Versions []VersionRecord `json:"versions"`
		Tarballs []TarballRef    `json:"tarballs"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wire); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	if wire.Index == nil {
		return nil, errors.New("manifest: missing index")
	}
	if wire.Versions == nil {
		return nil, errors.New("manifest: missing versions")
	}
	if wire.Tarballs == nil {
		return nil, errors.New("manifest: missing tarballs")
	}
	if err := wire.Index.Check(); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	return &PackageManifest{
		Index:    *wire.Index,
		Versions: wire.Versions,
		Tarballs: wire.Tarballs,
	}, nil
}

// ArtifactTask is one unit of replication work.  Success or terminal
// failure both end its lifecycle; bus redelivery is the only retry.
type ArtifactTask struct {
	URL    string
	Path   string
	SHASum string
}

// Task converts the reference into its replication task.
func (t TarballRef) Task() ArtifactTask {
	return ArtifactTask{URL: t.URL, Path: t.Path, SHASum: t.SHASum}
}

// Encode returns the bus representation of the task: the source URL as
// payload with path and shasum in attributes.
func (t ArtifactTask) Encode() ([]byte, map[string]string) {
	return []byte(t.URL), map[string]string{
		AttrPath:   t.Path,
		AttrSHASum: t.SHASum,
	}
}

// DecodeTask rebuilds a task from its bus representation.  Missing
// attributes yield empty fields; the replicator validates before use.
func DecodeTask(payload []byte, attrs map[string]string) ArtifactTask {
	return ArtifactTask{
		URL:    string(payload),
		Path:   attrs[AttrPath],
		SHASum: attrs[AttrSHASum],
	}
}
