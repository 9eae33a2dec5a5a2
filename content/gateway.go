package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// GatewayStore reads through an IPFS HTTP gateway and writes through a
// node's HTTP API. Gateway 5xx responses are retried with backoff;
// a 404 means the id genuinely does not resolve.
type GatewayStore struct {
	gatewayURL string
	apiURL     string
	client     *http.Client
	logger     *slog.Logger
	maxTries   uint
}

// GatewayOption configures a GatewayStore.
type GatewayOption func(*GatewayStore)

// WithGatewayHTTPClient sets the underlying HTTP client.
func WithGatewayHTTPClient(client *http.Client) GatewayOption {
	return func(g *GatewayStore) {
		g.client = client
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *GatewayStore) {
		g.logger = logger
	}
}

// WithGatewayMaxTries caps retry attempts per fetch (default 4).
func WithGatewayMaxTries(n uint) GatewayOption {
	return func(g *GatewayStore) {
		g.maxTries = n
	}
}

// NewGatewayStore creates a store. gatewayURL serves reads (e.g. a public
// gateway); apiURL serves uploads (a node or pinning service API) and may
// be empty for read-only use.
func NewGatewayStore(gatewayURL, apiURL string, opts ...GatewayOption) *GatewayStore {
	g := &GatewayStore{
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
		maxTries:   4,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch implements Store.
func (g *GatewayStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	url := g.gatewayURL + "/ipfs/" + cid

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			g.logger.Debug("gateway fetch transport error, will retry", "cid", cid, "error", err)
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return io.ReadAll(resp.Body)
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, cid))
		case resp.StatusCode >= 500:
			g.logger.Debug("gateway fetch server error, will retry", "cid", cid, "status", resp.StatusCode)
			return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("gateway returned %d", resp.StatusCode))
		}
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(g.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", cid, err)
	}
	return data, nil
}

// Upload implements Store.
func (g *GatewayStore) Upload(ctx context.Context, data []byte) (string, error) {
	if g.apiURL == "" {
		return "", fmt.Errorf("uploading content: store is read-only (no API URL configured)")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "envelope.json")
	if err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL+"/api/v0/add?cid-version=1", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("uploading content: API returned %d", resp.StatusCode)
	}

	var added struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", fmt.Errorf("parsing upload response: %w", err)
	}
	if added.Hash == "" {
		return "", fmt.Errorf("upload response missing content id")
	}

	g.logger.Debug("uploaded content", "cid", added.Hash, "size", len(data))
	return added.Hash, nil
}
