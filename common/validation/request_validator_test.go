package validation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/analyzer/common/models"
)

func validRequest() *models.AnalysisRequest {
	return &models.AnalysisRequest{
		AssetID:       "A1",
		CallbackURL:   "https://cb.example.com/hook",
		CallbackToken: "tok",
		AssetMetadata: json.RawMessage(`{"vendor": "acme"}`),
		ArtifactManifest: models.Manifest{
			"source": {{
				ArtifactID:  "s1",
				Filename:    "src.tar.gz",
				SizeBytes:   models.Size(12),
				DownloadURL: "https://artifacts.example.com/src.tar.gz",
			}},
		},
	}
}

func asValidationError(t *testing.T, err error) *ValidationError {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %v", err)
	return verr
}

func fields(verr *ValidationError) []string {
	out := make([]string, 0, len(verr.Errors))
	for _, fe := range verr.Errors {
		out = append(out, fe.Field)
	}
	return out
}

func TestValidate_Accepts(t *testing.T) {
	v := NewRequestValidator([]string{"source"}, false)
	assert.NoError(t, v.Validate(validRequest()))
}

func TestValidate_MissingRequiredTypesNamedSorted(t *testing.T) {
	v := NewRequestValidator([]string{"source", "firmware", "binary"}, false)

	verr := asValidationError(t, v.Validate(validRequest()))
	assert.Equal(t, []string{"binary", "firmware"}, verr.MissingTypes)
	assert.Contains(t, fields(verr), "artifact_manifest")
	assert.Contains(t, verr.Error(), "binary, firmware")
}

func TestValidate_EmptyTypeCountsAsMissing(t *testing.T) {
	v := NewRequestValidator([]string{"firmware"}, false)
	req := validRequest()
	req.ArtifactManifest["firmware"] = []models.Artifact{}

	verr := asValidationError(t, v.Validate(req))
	assert.Equal(t, []string{"firmware"}, verr.MissingTypes)
}

func TestValidate_SizeIsOptional(t *testing.T) {
	req := validRequest()
	req.ArtifactManifest["source"][0].SizeBytes = nil
	req.AssetMetadata = nil

	assert.NoError(t, NewRequestValidator(nil, false).Validate(req))
}

func TestValidate_FieldErrors(t *testing.T) {
	v := NewRequestValidator(nil, false)

	tests := []struct {
		name   string
		mutate func(*models.AnalysisRequest)
		field  string
	}{
		{"empty asset", func(r *models.AnalysisRequest) { r.AssetID = " " }, "asset_id"},
		{"relative callback", func(r *models.AnalysisRequest) { r.CallbackURL = "/hook" }, "callback_url"},
		{"private callback", func(r *models.AnalysisRequest) { r.CallbackURL = "http://10.0.0.5/hook" }, "callback_url"},
		{"empty token", func(r *models.AnalysisRequest) { r.CallbackToken = "" }, "callback_token"},
		{"traversal filename", func(r *models.AnalysisRequest) {
			r.ArtifactManifest["source"][0].Filename = "../../etc/passwd"
		}, "artifact_manifest.source[0].filename"},
		{"empty filename", func(r *models.AnalysisRequest) {
			r.ArtifactManifest["source"][0].Filename = ""
		}, "artifact_manifest.source[0].filename"},
		{"bad download url", func(r *models.AnalysisRequest) {
			r.ArtifactManifest["source"][0].DownloadURL = "ftp://x/y"
		}, "artifact_manifest.source[0].download_url"},
		{"expired url", func(r *models.AnalysisRequest) {
			r.ArtifactManifest["source"][0].ExpiresAt = time.Now().Add(-time.Minute)
		}, "artifact_manifest.source[0].download_url"},
		{"metadata not an object", func(r *models.AnalysisRequest) {
			r.AssetMetadata = json.RawMessage(`[1, 2]`)
		}, "asset_metadata"},
		{"negative size", func(r *models.AnalysisRequest) {
			r.ArtifactManifest["source"][0].SizeBytes = models.Size(-1)
		}, "artifact_manifest.source[0].size_bytes"},
		{"unsafe type", func(r *models.AnalysisRequest) {
			r.ArtifactManifest["../x"] = r.ArtifactManifest["source"]
		}, "artifact_manifest.../x"},
		{"duplicate filename", func(r *models.AnalysisRequest) {
			a := r.ArtifactManifest["source"][0]
			a.ArtifactID = "s2"
			r.ArtifactManifest["source"] = append(r.ArtifactManifest["source"], a)
		}, "artifact_manifest.source[1].filename"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			verr := asValidationError(t, v.Validate(req))
			assert.Contains(t, fields(verr), tt.field)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	v := NewRequestValidator([]string{"firmware"}, false)
	req := &models.AnalysisRequest{}

	verr := asValidationError(t, v.Validate(req))
	assert.ElementsMatch(t,
		[]string{"asset_id", "callback_url", "callback_token", "artifact_manifest"},
		fields(verr))
}

func TestValidate_AllowPrivateHosts(t *testing.T) {
	v := NewRequestValidator(nil, true)
	req := validRequest()
	req.CallbackURL = "http://127.0.0.1:9999/hook"
	req.ArtifactManifest["source"][0].DownloadURL = "http://127.0.0.1:9998/src"

	assert.NoError(t, v.Validate(req))
}

func TestValidate_TokenNeverInErrorText(t *testing.T) {
	v := NewRequestValidator(nil, false)
	req := validRequest()
	req.CallbackToken = "super-secret"
	req.AssetID = ""

	err := v.Validate(req)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "super-secret")
}
