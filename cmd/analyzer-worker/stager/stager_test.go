package stager

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
)

// artifactServer serves /<name> with the bytes in files and counts requests
func artifactServer(t *testing.T, files map[string][]byte) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/a.c", http.StatusFound)
			return
		}
		data, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func artifact(srv *httptest.Server, name, filename string, size int64) models.Artifact {
	return models.Artifact{
		ArtifactID:  name,
		Filename:    filename,
		SizeBytes:   models.Size(size),
		DownloadURL: srv.URL + "/" + name,
	}
}

func requireKind(t *testing.T, err error, kind Kind) *StagingError {
	t.Helper()
	var serr *StagingError
	require.True(t, errors.As(err, &serr), "expected *StagingError, got %v", err)
	assert.Equal(t, kind, serr.Kind)
	return serr
}

func newStager() *Stager {
	return New(5*time.Second, logger.Discard())
}

func TestStage_RoundTripShape(t *testing.T) {
	srv, _ := artifactServer(t, map[string][]byte{
		"a.c":   []byte("0123456789"),
		"b.c":   []byte("xyz"),
		"fw":    bytes.Repeat([]byte{0xAB}, 100*1024),
		"lib.a": {},
	})

	manifest := models.Manifest{
		"source":   {artifact(srv, "a.c", "a.c", 10), artifact(srv, "b.c", "b.c", 3)},
		"firmware": {artifact(srv, "fw", "image.bin", 100*1024)},
		"binary":   {artifact(srv, "lib.a", "lib.a", 0)},
	}
	workdir := t.TempDir()

	staged, err := newStager().Stage(context.Background(), manifest, workdir)
	require.NoError(t, err)

	require.Len(t, staged, 3)
	assert.Len(t, staged["source"], 2)
	assert.Len(t, staged["firmware"], 1)
	assert.Len(t, staged["binary"], 1)

	assert.Equal(t, filepath.Join(workdir, "source", "a.c"), staged["source"][0])
	assert.Equal(t, filepath.Join(workdir, "source", "b.c"), staged["source"][1])

	data, err := os.ReadFile(staged["source"][0])
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	info, err := os.Stat(staged["firmware"][0])
	require.NoError(t, err)
	assert.Equal(t, int64(100*1024), info.Size())
}

func TestStage_UndeclaredSizeStagesWholeBody(t *testing.T) {
	srv, _ := artifactServer(t, map[string][]byte{"a.c": []byte("0123456789")})

	a := artifact(srv, "a.c", "a.c", 0)
	a.SizeBytes = nil
	workdir := t.TempDir()

	staged, err := newStager().Stage(context.Background(), models.Manifest{"source": {a}}, workdir)
	require.NoError(t, err)

	data, err := os.ReadFile(staged["source"][0])
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestStage_UnsafeFilenameWritesNothing(t *testing.T) {
	srv, hits := artifactServer(t, map[string][]byte{"a.c": []byte("0123456789")})

	for _, name := range []string{"../a.c", "../../etc/passwd", "/etc/passwd", `..\a.c`, "sub/a.c", ".."} {
		t.Run(name, func(t *testing.T) {
			workdir := t.TempDir()
			manifest := models.Manifest{
				"source": {artifact(srv, "a.c", "ok.c", 10), artifact(srv, "a.c", name, 10)},
			}

			_, err := newStager().Stage(context.Background(), manifest, workdir)
			serr := requireKind(t, err, KindUnsafeFilename)
			assert.Equal(t, "source", serr.ArtifactType)

			entries, err := os.ReadDir(workdir)
			require.NoError(t, err)
			assert.Empty(t, entries, "pre-flight must reject before any write")
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestStage_UnsafeType(t *testing.T) {
	srv, _ := artifactServer(t, nil)
	manifest := models.Manifest{"../up": {artifact(srv, "a.c", "a.c", 1)}}

	_, err := newStager().Stage(context.Background(), manifest, t.TempDir())
	requireKind(t, err, KindUnsafeFilename)
}

func TestStage_DuplicateFilename(t *testing.T) {
	srv, _ := artifactServer(t, map[string][]byte{"a.c": []byte("x")})
	manifest := models.Manifest{"source": {artifact(srv, "a.c", "a.c", 1), artifact(srv, "a.c", "a.c", 1)}}

	_, err := newStager().Stage(context.Background(), manifest, t.TempDir())
	requireKind(t, err, KindDuplicateFilename)
}

func TestStage_SizeMismatchRemovesPartial(t *testing.T) {
	srv, _ := artifactServer(t, map[string][]byte{
		"short": []byte("12345"),
		"long":  []byte("123456789012345"),
	})

	tests := []struct {
		name string
		file string
	}{
		{"short body", "short"},
		{"long body", "long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workdir := t.TempDir()
			manifest := models.Manifest{"source": {artifact(srv, tt.file, "a.c", 10)}}

			_, err := newStager().Stage(context.Background(), manifest, workdir)
			requireKind(t, err, KindChecksumMismatch)

			_, statErr := os.Stat(filepath.Join(workdir, "source", "a.c"))
			assert.True(t, os.IsNotExist(statErr), "partial file must be removed")
		})
	}
}

func TestStage_ExpiredURLNoRequest(t *testing.T) {
	srv, hits := artifactServer(t, map[string][]byte{"a.c": []byte("x")})
	a := artifact(srv, "a.c", "a.c", 1)
	a.ExpiresAt = time.Now().Add(-time.Second)

	_, err := newStager().Stage(context.Background(), models.Manifest{"source": {a}}, t.TempDir())
	requireKind(t, err, KindExpiredURL)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestStage_DownloadFailures(t *testing.T) {
	srv, _ := artifactServer(t, nil)

	t.Run("not found", func(t *testing.T) {
		_, err := newStager().Stage(context.Background(),
			models.Manifest{"source": {artifact(srv, "missing", "a.c", 1)}}, t.TempDir())
		requireKind(t, err, KindDownloadFailed)
	})

	t.Run("bad scheme", func(t *testing.T) {
		a := artifact(srv, "x", "a.c", 1)
		a.DownloadURL = "file:///etc/passwd"
		_, err := newStager().Stage(context.Background(), models.Manifest{"source": {a}}, t.TempDir())
		requireKind(t, err, KindDownloadFailed)
	})

	t.Run("transfer timeout", func(t *testing.T) {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("12"))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer slow.Close()

		workdir := t.TempDir()
		s := New(100*time.Millisecond, logger.Discard())
		a := models.Artifact{ArtifactID: "s", Filename: "a.c", SizeBytes: models.Size(10), DownloadURL: slow.URL + "/a.c"}

		_, err := s.Stage(context.Background(), models.Manifest{"source": {a}}, workdir)
		requireKind(t, err, KindDownloadFailed)

		_, statErr := os.Stat(filepath.Join(workdir, "source", "a.c"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestStage_FollowsRedirects(t *testing.T) {
	srv, _ := artifactServer(t, map[string][]byte{"a.c": []byte("0123456789")})
	a := artifact(srv, "redirect", "a.c", 10)

	staged, err := newStager().Stage(context.Background(), models.Manifest{"source": {a}}, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, staged["source"], 1)
}

func TestStage_AllOrNothingKeepsEarlierFiles(t *testing.T) {
	srv, _ := artifactServer(t, map[string][]byte{"a.c": []byte("0123456789")})
	workdir := t.TempDir()
	manifest := models.Manifest{
		"source": {artifact(srv, "a.c", "a.c", 10), artifact(srv, "missing", "b.c", 10)},
	}

	staged, err := newStager().Stage(context.Background(), manifest, workdir)
	assert.Nil(t, staged)
	serr := requireKind(t, err, KindDownloadFailed)
	assert.Equal(t, "b.c", serr.Filename)

	_, statErr := os.Stat(filepath.Join(workdir, "source", "a.c"))
	assert.NoError(t, statErr, "earlier artifacts are left for the caller to clean up")
}

func TestStage_ExistingFileIsIOError(t *testing.T) {
	srv, _ := artifactServer(t, map[string][]byte{"a.c": []byte("x")})
	workdir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "source"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "source", "a.c"), []byte("stale"), 0o640))

	_, err := newStager().Stage(context.Background(), models.Manifest{"source": {artifact(srv, "a.c", "a.c", 1)}}, workdir)
	requireKind(t, err, KindIOError)

	data, _ := os.ReadFile(filepath.Join(workdir, "source", "a.c"))
	assert.Equal(t, "stale", string(data), "existing files are never overwritten or removed")
}
