package stager

import "fmt"

// Kind classifies a staging failure
type Kind string

const (
	KindUnsafeFilename    Kind = "unsafe_filename"
	KindDuplicateFilename Kind = "duplicate_filename"
	KindExpiredURL        Kind = "expired_url"
	KindDownloadFailed    Kind = "download_failed"
	KindChecksumMismatch  Kind = "checksum_mismatch"
	KindIOError           Kind = "io_error"
)

// StagingError reports the first artifact that could not be staged
type StagingError struct {
	Kind         Kind
	ArtifactType string
	ArtifactID   string
	Filename     string
	Err          error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s/%s (%s): %s: %v", e.ArtifactType, e.Filename, e.ArtifactID, e.Kind, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}
