// Package transfer moves artifact bytes to a signed URL.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxErrorBodyBytes bounds how much of a failed response is kept.
const maxErrorBodyBytes = 4 << 10

// Putter uploads a local file to a signed URL.
type Putter interface {
	// Put sends the file at path with a single PUT and returns the
	// response status code. The error is nil only for status 200.
	Put(ctx context.Context, url, path string) (int, error)
}

// StatusError is returned when the object store answers with anything
// but 200.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}

	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Options configures a Transport.
type Options struct {
	// Timeout bounds a whole transfer. Zero means no bound.
	Timeout time.Duration

	// BandwidthBytes limits the upload rate in bytes per second. Zero
	// means unlimited.
	BandwidthBytes int64
}

// Transport performs HTTP PUT transfers.
type Transport struct {
	log     logrus.FieldLogger
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

// Ensure interface compliance.
var _ Putter = (*Transport)(nil)

// NewTransport creates a transport. A nil client uses http.DefaultClient.
func NewTransport(log logrus.FieldLogger, client *http.Client, opts Options) *Transport {
	if client == nil {
		client = http.DefaultClient
	}

	t := &Transport{
		log:     log.WithField("component", "transport"),
		client:  client,
		timeout: opts.Timeout,
	}

	if opts.BandwidthBytes > 0 {
		t.limiter = newByteLimiter(opts.BandwidthBytes)

		t.log.WithField("limit", units.HumanSize(float64(opts.BandwidthBytes))+"/s").
			Info("Upload bandwidth limited")
	}

	return t
}

// Put uploads the file at path to url.
func (t *Transport) Put(ctx context.Context, url, path string) (int, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating file: %w", err)
	}

	var body io.Reader = f
	if t.limiter != nil {
		body = &throttledReader{ctx: ctx, r: f, limiter: t.limiter}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("PUT: %w", RedactURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	t.log.WithFields(logrus.Fields{
		"path":     path,
		"size":     units.HumanSize(float64(info.Size())),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Transfer completed")

	return resp.StatusCode, nil
}
