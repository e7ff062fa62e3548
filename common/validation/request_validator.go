package validation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/security"
)

// FieldError names one offending field and why it was rejected
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError collects every problem found in a request
type ValidationError struct {
	Errors       []FieldError
	MissingTypes []string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Reason)
	}
	return "request validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// RequestValidator checks AnalysisRequests before they are enqueued.
// It performs no network I/O.
type RequestValidator struct {
	requiredTypes []string
	urls          *security.URLValidator
	components    *security.ComponentValidator
	now           func() time.Time
}

// NewRequestValidator creates a validator that demands every type in requiredTypes
func NewRequestValidator(requiredTypes []string, allowPrivateHosts bool) *RequestValidator {
	required := append([]string(nil), requiredTypes...)
	sort.Strings(required)

	return &RequestValidator{
		requiredTypes: required,
		urls:          security.NewURLValidator(allowPrivateHosts),
		components:    security.NewComponentValidator(),
		now:           time.Now,
	}
}

// RequiredTypes returns the sorted set of artifact types every request must carry
func (v *RequestValidator) RequiredTypes() []string {
	return append([]string(nil), v.requiredTypes...)
}

// Validate returns a *ValidationError listing every problem, or nil
func (v *RequestValidator) Validate(req *models.AnalysisRequest) error {
	verr := &ValidationError{}

	if strings.TrimSpace(req.AssetID) == "" {
		verr.add("asset_id", "must not be empty")
	}

	if req.CallbackURL == "" {
		verr.add("callback_url", "must not be empty")
	} else if _, err := v.urls.Validate(req.CallbackURL); err != nil {
		verr.add("callback_url", "%v", err)
	}

	if req.CallbackToken.Reveal() == "" {
		verr.add("callback_token", "must not be empty")
	}

	if len(req.AssetMetadata) > 0 && string(req.AssetMetadata) != "null" && !gjson.ParseBytes(req.AssetMetadata).IsObject() {
		verr.add("asset_metadata", "must be a JSON object")
	}

	now := v.now()
	types := make([]string, 0, len(req.ArtifactManifest))
	for t := range req.ArtifactManifest {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, artifactType := range types {
		field := "artifact_manifest." + artifactType
		if err := v.components.Validate(artifactType); err != nil {
			verr.add(field, "artifact type %v", err)
			continue
		}
		v.validateArtifacts(verr, field, req.ArtifactManifest[artifactType], now)
	}

	for _, required := range v.requiredTypes {
		if len(req.ArtifactManifest[required]) == 0 {
			verr.MissingTypes = append(verr.MissingTypes, required)
		}
	}
	if len(verr.MissingTypes) > 0 {
		verr.add("artifact_manifest", "missing required artifact types: %s", strings.Join(verr.MissingTypes, ", "))
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

func (v *RequestValidator) validateArtifacts(verr *ValidationError, field string, artifacts []models.Artifact, now time.Time) {
	seen := make(map[string]bool, len(artifacts))

	for i := range artifacts {
		a := &artifacts[i]
		prefix := fmt.Sprintf("%s[%d]", field, i)

		if err := v.components.Validate(a.Filename); err != nil {
			verr.add(prefix+".filename", "%v", err)
		} else if seen[a.Filename] {
			verr.add(prefix+".filename", "duplicate filename %q within type", a.Filename)
		}
		seen[a.Filename] = true

		if a.DownloadURL == "" {
			verr.add(prefix+".download_url", "must not be empty")
		} else if _, err := v.urls.Validate(a.DownloadURL); err != nil {
			verr.add(prefix+".download_url", "%v", err)
		} else if a.Expired(now) {
			verr.add(prefix+".download_url", "expired at %s", a.ExpiresAt.Format(time.RFC3339))
		}

		if size, ok := a.ExpectedSize(); ok && size < 0 {
			verr.add(prefix+".size_bytes", "must be >= 0")
		}
	}
}
