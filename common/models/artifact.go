package models

import "time"

// Artifact describes one downloadable input of an analysis request
type Artifact struct {
	ArtifactID string `json:"artifact_id"`

	// Local file name inside workdir/<type>/; must be a single safe path component
	Filename string `json:"filename"`

	// Expected byte count; when set, the staged file must match exactly
	SizeBytes *int64 `json:"size_bytes,omitempty"`

	ContentType string `json:"content_type"`
	DownloadURL string `json:"download_url"`

	// Zero value means the URL does not expire
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the download URL is no longer valid at now
func (a *Artifact) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// ExpectedSize returns the declared byte count, if any
func (a *Artifact) ExpectedSize() (int64, bool) {
	if a.SizeBytes == nil {
		return 0, false
	}
	return *a.SizeBytes, true
}

// Size is a convenience for building artifacts with a declared size
func Size(n int64) *int64 {
	return &n
}

// Manifest maps an artifact type tag ("firmware", "source", ...) to its ordered artifacts
type Manifest map[string][]Artifact

// Types returns the artifact types that carry at least one artifact
func (m Manifest) Types() []string {
	types := make([]string, 0, len(m))
	for t, items := range m {
		if len(items) > 0 {
			types = append(types, t)
		}
	}
	return types
}

// Count returns the total number of artifacts across all types
func (m Manifest) Count() int {
	n := 0
	for _, items := range m {
		n += len(items)
	}
	return n
}
