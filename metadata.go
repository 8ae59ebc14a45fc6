package datastorex

import (
	"sort"
	"time"
)

// DefaultMimeType is reported when a provider cannot determine the content type
const DefaultMimeType = "application/octet-stream"

// ObjectVersionMetadata describes one version of an object
type ObjectVersionMetadata struct {
	VersionID   string            `json:"versionId"`
	CreatedDate time.Time         `json:"createdDate"`
	SortOrder   int64             `json:"sortOrder"`
	Hashes      map[string]string `json:"hashes,omitempty"`
}

// ObjectMetadata describes an object and its versions
type ObjectMetadata struct {
	Path         string                  `json:"objectPath"`
	MimeType     string                  `json:"mimeType"`
	Size         int64                   `json:"size"`
	ETag         string                  `json:"etag,omitempty"`
	CreatedDate  time.Time               `json:"createdDate"`
	ModifiedDate time.Time               `json:"modifiedDate"`
	Versions     []ObjectVersionMetadata `json:"versions"`
}

// ChunkDetail identifies a previously written chunk and the digests the
// caller expects it to have, keyed by algorithm name.
type ChunkDetail struct {
	ID     string            `json:"id"`
	Hashes map[string]string `json:"hashes,omitempty"`
}

// NewObjectMetadata builds metadata with versions ordered by SortOrder.
// CreatedDate comes from the lowest sort order and ModifiedDate from the
// highest; both stay zero when there are no versions.
func NewObjectMetadata(path, mimeType string, size int64, etag string, versions []ObjectVersionMetadata) *ObjectMetadata {
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	ordered := make([]ObjectVersionMetadata, len(versions))
	copy(ordered, versions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SortOrder < ordered[j].SortOrder
	})

	md := &ObjectMetadata{
		Path:     path,
		MimeType: mimeType,
		Size:     size,
		ETag:     etag,
		Versions: ordered,
	}
	if len(ordered) > 0 {
		md.CreatedDate = ordered[0].CreatedDate
		md.ModifiedDate = ordered[len(ordered)-1].CreatedDate
	}
	return md
}

// LatestVersion returns the version with the highest sort order
func (m *ObjectMetadata) LatestVersion() (ObjectVersionMetadata, bool) {
	if m == nil || len(m.Versions) == 0 {
		return ObjectVersionMetadata{}, false
	}
	return m.Versions[len(m.Versions)-1], true
}
