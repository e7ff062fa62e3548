package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/retry"
)

const drainLimit = 64 * 1024

// Target identifies where one job's result goes
type Target struct {
	JobID string
	URL   string
	Token models.Secret

	// Caps attempts below the client bound; zero means the client bound
	MaxAttempts int
}

// DeliveryError reports a callback that never got a 2xx
type DeliveryError struct {
	StatusCode int // last HTTP status, 0 for transport errors
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("callback delivery failed after %d attempts: status %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("callback delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Options configures a Client
type Options struct {
	AnalyzerName    string
	AnalyzerVersion string
	MaxAttempts     int
	Backoff         retry.Backoff
	Timeout         time.Duration // per attempt
	HTTPClient      *http.Client
}

// Client POSTs result documents to caller callbacks
type Client struct {
	http *http.Client
	opts Options
	log  *logger.Logger
}

// NewClient creates a callback client. Redirects are not followed; a 3xx is a failed attempt.
func NewClient(opts Options, log *logger.Logger) *Client {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	c := *base
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	return &Client{
		http: &c,
		opts: opts,
		log:  log.WithComponent("delivery"),
	}
}

// Deliver POSTs payload until a 2xx arrives or the attempt bound is reached.
// It returns the number of attempts made.
func (c *Client) Deliver(ctx context.Context, target Target, payload []byte) (int, error) {
	host := hostOf(target.URL)
	limit := c.opts.MaxAttempts
	if target.MaxAttempts > 0 && target.MaxAttempts < limit {
		limit = target.MaxAttempts
	}

	var lastStatus int
	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		status, err := c.post(ctx, target, payload)
		if err == nil {
			c.log.Info("callback delivered",
				"job_id", target.JobID,
				"host", host,
				"status", status,
				"attempt", attempt)
			return attempt, nil
		}

		lastStatus, lastErr = status, err
		c.log.Warn("callback attempt failed",
			"job_id", target.JobID,
			"host", host,
			"status", status,
			"attempt", attempt,
			"max_attempts", limit,
			"error", err)

		if attempt == limit {
			break
		}
		if err := retry.Sleep(ctx, c.opts.Backoff.Delay(attempt)); err != nil {
			return attempt, &DeliveryError{StatusCode: lastStatus, Attempts: attempt, Err: err}
		}
	}

	return limit, &DeliveryError{StatusCode: lastStatus, Attempts: limit, Err: lastErr}
}

func (c *Client) post(ctx context.Context, target Target, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callback-Token", target.Token.Reveal())
	req.Header.Set("X-Analyzer-Name", c.opts.AnalyzerName)
	req.Header.Set("X-Analyzer-Version", c.opts.AnalyzerVersion)
	req.Header.Set("X-Job-ID", target.JobID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// hostOf keeps query strings (which may carry signatures) out of logs
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
