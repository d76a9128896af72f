package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/timekeep/internal/session"
)

// DefaultRequestTimeout caps a single channel request, including the
// transport's internal retries.
const DefaultRequestTimeout = 5 * time.Second

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client sends envelopes to the companion agent's local HTTP bridge through
// the circuit breaker. All transient retries happen inside the retryablehttp
// transport; the breaker only sees the final outcome of each call.
type Client struct {
	// endpoint is the bridge message URL, e.g. "http://127.0.0.1:43217/v1/message".
	endpoint string
	breaker  *Breaker
	timeout  time.Duration
	// tracked matches site-usage hosts against the configured patterns; nil
	// disables the untracked-site observability pass.
	tracked func(host string) bool

	// mu protects http, which is lazily initialized so tests can swap the
	// endpoint before first use.
	mu   sync.Mutex
	http *retryablehttp.Client
}

// ClientOption adjusts a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTrackedSites installs the tracked-site matcher used to note site-usage
// reports for hosts outside the configured patterns.
func WithTrackedSites(fn func(host string) bool) ClientOption {
	return func(c *Client) {
		c.tracked = fn
	}
}

// NewClient creates a channel client for the given bridge endpoint.
func NewClient(endpoint string, breaker *Breaker, retryMax int, opts ...ClientOption) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = retryMax
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = 1 * time.Second
	hc.Logger = nil // suppress retryablehttp's default logging

	c := &Client{
		endpoint: endpoint,
		breaker:  breaker,
		timeout:  DefaultRequestTimeout,
		http:     hc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send performs one request/response exchange. It consults the breaker
// first — an open breaker fails immediately with [ErrAgentUnavailable] and no
// transport attempt — then posts the envelope and validates that the response
// echoes the request's correlation id. Responses arriving after the caller's
// context expired are discarded.
func (c *Client) Send(ctx context.Context, typ MessageType, payload any) (json.RawMessage, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := c.exchange(ctx, typ, payload)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return resp, nil
}

// exchange builds, posts, and decodes one envelope round trip.
func (c *Client) exchange(ctx context.Context, typ MessageType, payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("channel: marshal payload: %w", err)
		}
		raw = data
	}

	env := Message{
		CorrelationID: uuid.NewString(),
		Type:          typ,
		Version:       SchemaVersion,
		Payload:       raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("channel: marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("channel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channel: %s request: %w", typ, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel: %s request: bridge returned %d", typ, res.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("channel: read response: %w", err)
	}

	var reply Message
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("channel: decode response envelope: %w", err)
	}
	if err := reply.Validate(); err != nil {
		return nil, err
	}
	if reply.CorrelationID != env.CorrelationID {
		// A response for some other (likely abandoned) request. Discard it
		// rather than handing a stale payload to this caller.
		slog.Debug("discarding mismatched response",
			"want", env.CorrelationID,
			"got", reply.CorrelationID,
		)
		return nil, fmt.Errorf("channel: response correlation id mismatch")
	}
	return reply.Payload, nil
}

// ///////////////////////////////////////////////
// Typed Requests
// ///////////////////////////////////////////////

// Ping asks the agent whether it is alive.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	raw, err := c.Send(ctx, TypePing, nil)
	if err != nil {
		return false, err
	}
	var res PingResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return false, fmt.Errorf("channel: decode ping result: %w", err)
	}
	return res.Alive, nil
}

// SessionsSince fetches sessions the agent observed after since, already
// converted to canonical agent-origin records. Invalid records are counted
// and dropped, never fatal.
func (c *Client) SessionsSince(ctx context.Context, since time.Time) ([]session.Session, error) {
	raw, err := c.Send(ctx, TypeSessionsSince, SessionsSinceRequest{Since: since})
	if err != nil {
		return nil, err
	}
	var res SessionsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("channel: decode sessions result: %w", err)
	}
	noteUntrackedSites(c.tracked, res.Sessions)
	valid, rejected := decodeSessions(res.Sessions)
	if rejected > 0 {
		slog.Warn("agent reported invalid sessions", "rejected", rejected, "accepted", len(valid))
	}
	return valid, nil
}
