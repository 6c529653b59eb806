// Package apiclient submits signed reports to the remote collection service.
// The client performs single-shot requests and classifies failures; retry
// policy belongs to the dispatcher.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/vouch-labs/vouch-go/internal/domain"
)

const (
	submitPath  = "/api/v1/reports"
	maxErrBody  = 512
	contentType = "application/xml"
)

// SubmitResponse is the collector's acknowledgement of a delivered report.
type SubmitResponse struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// SubmitError is a failed submission, classified per the remote contract:
// 2xx delivered, 409 duplicate (success, not an error), 429 retryable with
// server-supplied delay, other 4xx fatal, 5xx and transport failures
// transient.
type SubmitError struct {
	StatusCode int
	Body       string
	// Err is set for transport-level failures (no HTTP response).
	Err        error
	retryAfter time.Duration
}

func (e *SubmitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submit report: %v", e.Err)
	}
	return fmt.Sprintf("submit report: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying. Timeouts and
// connection errors are treated identically to 5xx responses.
func (e *SubmitError) Transient() bool {
	if e.Err != nil {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RetryAfter returns the server-supplied delay for 429 responses, or zero
// when the server did not name one.
func (e *SubmitError) RetryAfter() time.Duration { return e.retryAfter }

// Option configures Client behavior.
type Option func(*Client)

// WithTimeout bounds each submission round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClientCredentials switches authentication from a static bearer token
// to an OAuth2 client-credentials token source.
func WithClientCredentials(ctx context.Context, clientID, clientSecret, tokenURL string) Option {
	return func(c *Client) {
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		c.tokens = cfg.TokenSource(ctx)
	}
}

// Client posts signed XML reports to the collection endpoint with bearer
// authentication.
type Client struct {
	baseURL    string
	token      string
	tokens     oauth2.TokenSource
	httpClient *http.Client
}

// New creates a Client for the given base URL. token may be empty when an
// OAuth2 option supplies credentials instead.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit posts one signed report. The content hash travels in a header so
// the collector can deduplicate without parsing the body first.
func (c *Client) Submit(ctx context.Context, hash domain.ContentHash, signedXML []byte) (*SubmitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, bytes.NewReader(signedXML))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Content-Digest", hash.String())

	token, err := c.bearer()
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SubmitError{Err: err}
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, &SubmitError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeResponse(hash, body), nil
	case resp.StatusCode == http.StatusConflict:
		// The collector already accepted this hash. Duplicate delivery is
		// success, not error.
		out := decodeResponse(hash, body)
		out.Duplicate = true
		return out, nil
	}

	submitErr := &SubmitError{StatusCode: resp.StatusCode, Body: truncate(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		submitErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return nil, submitErr
}

func (c *Client) bearer() (string, error) {
	if c.tokens == nil {
		return c.token, nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func decodeResponse(hash domain.ContentHash, body []byte) *SubmitResponse {
	out := &SubmitResponse{Hash: hash.String()}
	// Collectors are not required to return a body; a bare 2xx is enough.
	_ = json.Unmarshal(body, out)
	return out
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > maxErrBody {
		return s[:maxErrBody]
	}
	return s
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
