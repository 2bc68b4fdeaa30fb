package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethpandaops/segmentoor/pkg/transfer"
	"github.com/sirupsen/logrus"
)

const (
	uploadURLPath = "/upload_url"

	// maxURLResponseBytes bounds the response body read from the service.
	maxURLResponseBytes = 64 << 10
)

// apiSigner requests signed URLs from the identity HTTP API.
type apiSigner struct {
	log      logrus.FieldLogger
	endpoint string
	identity Identity
	timeout  time.Duration
	client   *http.Client
}

// Ensure interface compliance.
var _ Signer = (*apiSigner)(nil)

// NewAPISigner creates a signer backed by the identity service at
// endpoint. Each request is bounded by timeout. A nil client uses
// http.DefaultClient.
func NewAPISigner(
	log logrus.FieldLogger,
	endpoint string,
	identity Identity,
	timeout time.Duration,
	client *http.Client,
) (Signer, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("parsing identity endpoint %q: %w", endpoint, err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &apiSigner{
		log:      log.WithField("component", "api-signer"),
		endpoint: strings.TrimRight(endpoint, "/"),
		identity: identity,
		timeout:  timeout,
		client:   client,
	}, nil
}

// SignUpload performs GET <endpoint>/upload_url?id=..&secret=..&path=<key>
// and returns the response body as the signed URL.
func (s *apiSigner) SignUpload(ctx context.Context, key string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	params := url.Values{}
	params.Set("id", s.identity.DongleID)
	params.Set("secret", s.identity.DongleSecret)
	params.Set("path", key)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, s.endpoint+uploadURLPath+"?"+params.Encode(), nil,
	)
	if err != nil {
		return "", fmt.Errorf("creating upload_url request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting upload_url: %w", transfer.RedactURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading upload_url response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload_url returned status %d", resp.StatusCode)
	}

	signed := strings.TrimSpace(string(body))
	if _, err := url.ParseRequestURI(signed); err != nil {
		return "", fmt.Errorf("invalid upload url in response: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"key": key,
		"url": signed,
	}).Debug("Obtained upload url")

	return signed, nil
}
