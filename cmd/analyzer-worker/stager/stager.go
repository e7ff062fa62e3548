package stager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/security"
)

const (
	chunkSize    = 32 * 1024
	maxRedirects = 10
)

// Stager downloads a manifest into a job's scratch directory
type Stager struct {
	client          *http.Client
	protocols       *security.ProtocolValidator
	components      *security.ComponentValidator
	transferTimeout time.Duration
	now             func() time.Time
	log             *logger.Logger
}

// New creates a stager with its own HTTP client
func New(transferTimeout time.Duration, log *logger.Logger) *Stager {
	return NewWithClient(&http.Client{}, transferTimeout, log)
}

// NewWithClient creates a stager that downloads through client.
// The client's redirect policy is replaced to cap hops and keep to http(s).
func NewWithClient(client *http.Client, transferTimeout time.Duration, log *logger.Logger) *Stager {
	s := &Stager{
		protocols:       security.NewProtocolValidator(),
		components:      security.NewComponentValidator(),
		transferTimeout: transferTimeout,
		now:             time.Now,
		log:             log.WithComponent("stager"),
	}

	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return s.protocols.Validate(req.URL.Scheme)
	}
	s.client = &c

	return s
}

// Stage downloads every artifact into workdir/<type>/<filename> and returns the local
// paths per type in manifest order. The whole manifest is checked before anything is
// written; the first failure aborts staging. Files staged before the failure are left
// for the caller to clean up with the scratch directory.
func (s *Stager) Stage(ctx context.Context, manifest models.Manifest, workdir string) (map[string][]string, error) {
	types, err := s.preflight(manifest)
	if err != nil {
		return nil, err
	}

	staged := make(map[string][]string, len(types))
	for _, artifactType := range types {
		dir := filepath.Join(workdir, artifactType)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &StagingError{Kind: KindIOError, ArtifactType: artifactType, Err: err}
		}

		paths := make([]string, 0, len(manifest[artifactType]))
		for i := range manifest[artifactType] {
			a := &manifest[artifactType][i]

			path, err := s.fetch(ctx, dir, a)
			if err != nil {
				var serr *StagingError
				if errors.As(err, &serr) {
					serr.ArtifactType = artifactType
				}
				return nil, err
			}
			paths = append(paths, path)
		}
		staged[artifactType] = paths
	}

	return staged, nil
}

// preflight validates names, uniqueness, expiry and schemes for the whole manifest
func (s *Stager) preflight(manifest models.Manifest) ([]string, error) {
	now := s.now()

	types := make([]string, 0, len(manifest))
	for t := range manifest {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, artifactType := range types {
		if err := s.components.Validate(artifactType); err != nil {
			return nil, &StagingError{Kind: KindUnsafeFilename, ArtifactType: artifactType, Err: fmt.Errorf("artifact type %w", err)}
		}

		seen := make(map[string]bool)
		for _, a := range manifest[artifactType] {
			fail := func(kind Kind, err error) error {
				return &StagingError{Kind: kind, ArtifactType: artifactType, ArtifactID: a.ArtifactID, Filename: a.Filename, Err: err}
			}

			if err := s.components.Validate(a.Filename); err != nil {
				return nil, fail(KindUnsafeFilename, err)
			}
			if seen[a.Filename] {
				return nil, fail(KindDuplicateFilename, fmt.Errorf("filename appears more than once"))
			}
			seen[a.Filename] = true

			if a.Expired(now) {
				return nil, fail(KindExpiredURL, fmt.Errorf("url expired at %s", a.ExpiresAt.Format(time.RFC3339)))
			}
			if size, ok := a.ExpectedSize(); ok && size < 0 {
				return nil, fail(KindChecksumMismatch, fmt.Errorf("negative size_bytes %d", size))
			}

			req, err := http.NewRequest(http.MethodGet, a.DownloadURL, nil)
			if err != nil {
				return nil, fail(KindDownloadFailed, err)
			}
			if err := s.protocols.Validate(req.URL.Scheme); err != nil {
				return nil, fail(KindDownloadFailed, err)
			}
		}
	}

	return types, nil
}

// fetch streams one artifact to dir/<filename>, verifying the byte count when one is declared
func (s *Stager) fetch(ctx context.Context, dir string, a *models.Artifact) (path string, err error) {
	fail := func(kind Kind, err error) error {
		return &StagingError{Kind: kind, ArtifactID: a.ArtifactID, Filename: a.Filename, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.transferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.DownloadURL, nil)
	if err != nil {
		return "", fail(KindDownloadFailed, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fail(KindDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fail(KindDownloadFailed, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	path = filepath.Join(dir, a.Filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fail(KindIOError, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				s.log.Warn("failed to remove partial artifact", "path", path, "error", rmErr)
			}
		}
	}()

	hasher := blake3.New()
	w := io.MultiWriter(f, hasher)
	size, sized := a.ExpectedSize()
	var body io.Reader = resp.Body
	if sized {
		body = io.LimitReader(resp.Body, size+1)
	}
	buf := make([]byte, chunkSize)

	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return "", fail(KindIOError, werr)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fail(KindDownloadFailed, readErr)
		}
	}

	if sized && written != size {
		if written > size {
			return "", fail(KindChecksumMismatch, fmt.Errorf("expected %d bytes, received more", size))
		}
		return "", fail(KindChecksumMismatch, fmt.Errorf("expected %d bytes, received %d", size, written))
	}

	if err = f.Close(); err != nil {
		return "", fail(KindIOError, err)
	}

	s.log.Debug("artifact staged",
		"artifact_id", a.ArtifactID,
		"filename", a.Filename,
		"bytes", written,
		"blake3", hex.EncodeToString(hasher.Sum(nil)))

	return path, nil
}
