package proofsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	DefaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
	maxErrorSnippet  = 256
)

// HTTPClient implements Prover against the JSON compression API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// NewHTTPClient creates a client for the service rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse proof service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("proof service url must be http(s), got %q", baseURL)
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type compressRequest struct {
	Metadata hexutil.Bytes `json:"metadata"`
	URI      string        `json:"uri,omitempty"`
}

type compressResponse struct {
	CompressedMetadata hexutil.Bytes `json:"compressedMetadata"`
	Proof              hexutil.Bytes `json:"proof"`
}

type verifyRequest struct {
	Metadata           hexutil.Bytes `json:"metadata"`
	CompressedMetadata hexutil.Bytes `json:"compressedMetadata"`
	Proof              hexutil.Bytes `json:"proof"`
}

type verifyResponse struct {
	Valid *bool `json:"valid"`
}

// Compress asks the service for a compressed artifact. Each call is a fresh
// request; nothing is cached.
func (c *HTTPClient) Compress(ctx context.Context, metadata []byte) (Artifact, error) {
	if len(metadata) == 0 {
		return Artifact{}, fmt.Errorf("%w: metadata is empty", ErrInvalidInput)
	}

	req := compressRequest{Metadata: metadata, URI: metadataURI(metadata)}
	var resp compressResponse
	if err := c.post(ctx, "/compress", req, &resp); err != nil {
		return Artifact{}, err
	}
	if len(resp.CompressedMetadata) == 0 {
		return Artifact{}, fmt.Errorf("%w: empty compressedMetadata", ErrBadResponse)
	}
	if len(resp.Proof) == 0 {
		return Artifact{}, fmt.Errorf("%w: empty proof", ErrBadResponse)
	}
	return Artifact{Data: resp.CompressedMetadata, Proof: resp.Proof}, nil
}

// Verify checks an artifact against metadata using the service's verifier.
func (c *HTTPClient) Verify(ctx context.Context, artifact Artifact, metadata []byte) (bool, error) {
	if len(metadata) == 0 {
		return false, fmt.Errorf("%w: metadata is empty", ErrInvalidInput)
	}
	if artifact.Empty() {
		return false, nil
	}

	req := verifyRequest{
		Metadata:           metadata,
		CompressedMetadata: artifact.Data,
		Proof:              artifact.Proof,
	}
	var resp verifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return false, err
	}
	if resp.Valid == nil {
		return false, fmt.Errorf("%w: missing valid field", ErrBadResponse)
	}
	return *resp.Valid, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, http.MethodPost, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > maxErrorSnippet {
			snippet = snippet[:maxErrorSnippet]
		}
		if transientStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode, snippet)
		}
		return fmt.Errorf("%w: %s returned %d: %s", ErrBadResponse, path, resp.StatusCode, snippet)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrBadResponse, path, err)
	}
	return nil
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// metadataURI returns the metadata as a URI when it is one, so the service can
// fetch the document itself.
func metadataURI(metadata []byte) string {
	s := strings.TrimSpace(string(metadata))
	if strings.ContainsAny(s, " \n\t") {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ipfs" {
		return ""
	}
	return s
}
