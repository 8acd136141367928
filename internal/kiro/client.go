package kiro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/allaspectsdev/kirogate/internal/fingerprint"
	"github.com/allaspectsdev/kirogate/internal/tracing"
)

const generatePath = "/generateAssistantResponse"

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 64 << 10

// Auth identifies the credential a request is sent with.
type Auth struct {
	CredentialID uint64
	Token        string
	Fingerprint  fingerprint.Fingerprint
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, body)
}

// ErrResponseTooLarge is returned when a response body exceeds the
// configured limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

// Client sends generate requests upstream over a pooled transport.
type Client struct {
	client      *http.Client
	baseURL     string
	maxResponse int64
}

// NewClient creates a Client for baseURL. A non-positive timeout falls back
// to 120 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SetMaxResponseSize bounds successful response bodies. 0 means unlimited.
func (c *Client) SetMaxResponseSize(n int64) { c.maxResponse = n }

// Send posts body upstream and returns the response body on success. Any
// non-2xx status is reported as a *StatusError.
func (c *Client) Send(ctx context.Context, body []byte, auth Auth) ([]byte, error) {
	url := c.baseURL + generatePath

	ctx, span := tracing.StartUpstreamSpan(ctx, url, auth.CredentialID)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+auth.Token)
	httpReq.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	auth.Fingerprint.ApplyHeaders(httpReq.Header)
	tracing.InjectHeaders(ctx, httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("sending to upstream %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{
			StatusCode: resp.StatusCode,
			Body:       errBody,
			RetryAfter: RetryAfter(resp.Header, time.Now()),
		}
		tracing.RecordError(ctx, serr)
		return nil, serr
	}

	var reader io.Reader = resp.Body
	if c.maxResponse > 0 {
		reader = io.LimitReader(resp.Body, c.maxResponse+1)
	}
	respBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if c.maxResponse > 0 && int64(len(respBody)) > c.maxResponse {
		return nil, ErrResponseTooLarge
	}
	return respBody, nil
}

// RetryAfter parses a Retry-After header given as seconds or an HTTP date.
// It returns 0 when the header is absent, unparsable, or in the past.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
