// Package bclient implements the authenticated HTTP client to B
// (component C2): single-GET, batch-GET, search-by-email, PATCH, POST,
// with retry/backoff and distinct 404/429/5xx handling. Every call is
// paced through exactly one ratelimit.Limiter.Acquire, per the design's
// hard contract that nothing crosses the process boundary to B without
// a token.
package bclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"

	"github.com/brightfield/reconsync/pkg/ratelimit"
	"github.com/brightfield/reconsync/pkg/syncerr"
)

// Status is B's subscriber status taxonomy.
type Status string

const (
	StatusActive       Status = "active"
	StatusUnsubscribed Status = "unsubscribed"
	StatusUnconfirmed  Status = "unconfirmed"
	StatusBounced      Status = "bounced"
	StatusJunk         Status = "junk"
)

// Subscribed reports the "subscribed=true/false" projection the design
// calls out: only StatusActive is subscribed.
func (s Status) Subscribed() bool { return s == StatusActive }

// Subscriber is B's record shape, restricted to what the sync core
// needs: identity, status, and the managed field values (keyed by
// their B-side field name, see pkg/managedfield).
type Subscriber struct {
	ID     string            `json:"id"`
	Email  string            `json:"email"`
	Status Status            `json:"status"`
	Fields map[string]string `json:"fields"`
}

// NotFoundErr signals a 404 on a lookup, which per the design is a
// non-error outcome for GetByEmail/GetByID.
var NotFoundErr = syncerr.New("bclient", syncerr.NotFound, fmt.Errorf("subscriber not found"))

// Client talks to B over HTTP, paced by a ratelimit.Limiter.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (e.g. in tests, to
// point at an httptest.Server with a short timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client against baseURL, authenticating with token as a
// bearer credential, pacing every call through limiter.
func New(baseURL, token string, limiter *ratelimit.Limiter, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bclient.New: parsing base URL: %w", err)
	}
	c := &Client{
		baseURL: u,
		token:   token,
		limiter: limiter,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Page is one page of a ListPage response.
type Page struct {
	Subscribers []Subscriber
	NextCursor  string
}

const maxBatchSize = 100

// BatchResult is the per-email outcome of GetBatch: exactly one of
// Subscriber, NotFound or Err is meaningful.
type BatchResult struct {
	Subscriber Subscriber
	NotFound   bool
	Err        error
}

// GetByEmail searches for a subscriber by email (exact match,
// case-insensitive — callers should pass the canonical lower-cased
// form). Returns NotFoundErr, not an error wrapping it, when absent.
func (c *Client) GetByEmail(ctx context.Context, email string) (Subscriber, error) {
	var page struct {
		Subscribers []Subscriber `json:"subscribers"`
	}
	err := c.do(ctx, "GET", "/subscribers", url.Values{"filter[email]": {email}}, nil, &page)
	if err != nil {
		return Subscriber{}, err
	}
	if len(page.Subscribers) == 0 {
		return Subscriber{}, NotFoundErr
	}
	return page.Subscribers[0], nil
}

// GetByID fetches a subscriber by its B-side id.
func (c *Client) GetByID(ctx context.Context, id string) (Subscriber, error) {
	var sub Subscriber
	err := c.do(ctx, "GET", "/subscribers/"+id, nil, nil, &sub)
	if err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

// GetBatch resolves up to 100 emails via B's batch endpoint. One
// logical HTTP call, one paced token, regardless of how many
// sub-requests are embedded — a deliberate design choice (§4.2) so
// batch calls don't multiply rate-limit pressure.
func (c *Client) GetBatch(ctx context.Context, emails []string) (map[string]BatchResult, error) {
	if len(emails) > maxBatchSize {
		return nil, syncerr.New("bclient.GetBatch", syncerr.Validation,
			fmt.Errorf("batch size %d exceeds max %d", len(emails), maxBatchSize))
	}

	type subReq struct {
		Method string `json:"method"`
		Path   string `json:"path"`
	}
	reqs := make([]subReq, len(emails))
	for i, e := range emails {
		reqs[i] = subReq{Method: "GET", Path: "/subscribers?filter[email]=" + url.QueryEscape(e)}
	}

	var batchResp struct {
		Responses []struct {
			Status int             `json:"status"`
			Body    json.RawMessage `json:"body"`
		} `json:"responses"`
	}
	if err := c.do(ctx, "POST", "/batch", nil, map[string]interface{}{"requests": reqs}, &batchResp); err != nil {
		return nil, err
	}

	out := make(map[string]BatchResult, len(emails))
	for i, email := range emails {
		if i >= len(batchResp.Responses) {
			out[email] = BatchResult{Err: syncerr.New("bclient.GetBatch", syncerr.Internal,
				fmt.Errorf("missing sub-response for %s", email))}
			continue
		}
		sub := batchResp.Responses[i]
		switch {
		case sub.Status == http.StatusNotFound:
			out[email] = BatchResult{NotFound: true}
		case sub.Status >= 200 && sub.Status < 300:
			var page struct {
				Subscribers []Subscriber `json:"subscribers"`
			}
			if err := json.Unmarshal(sub.Body, &page); err != nil || len(page.Subscribers) == 0 {
				out[email] = BatchResult{NotFound: true}
				continue
			}
			out[email] = BatchResult{Subscriber: page.Subscribers[0]}
		default:
			out[email] = BatchResult{Err: syncerr.WithStatus("bclient.GetBatch", classifyStatus(sub.Status),
				sub.Status, fmt.Errorf("sub-request failed with status %d", sub.Status))}
		}
	}
	return out, nil
}

// ListPage pages through all subscribers, resuming from cursor (empty
// for the first page).
func (c *Client) ListPage(ctx context.Context, cursor string, limit int) (Page, error) {
	values := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	var resp struct {
		Subscribers []Subscriber `json:"subscribers"`
		Meta        struct {
			NextCursor string `json:"next_cursor"`
		} `json:"meta"`
	}
	if err := c.do(ctx, "GET", "/subscribers", values, nil, &resp); err != nil {
		return Page{}, err
	}
	return Page{Subscribers: resp.Subscribers, NextCursor: resp.Meta.NextCursor}, nil
}

// Create creates a new subscriber in B.
func (c *Client) Create(ctx context.Context, email string, fields map[string]string) (Subscriber, error) {
	var sub Subscriber
	body := map[string]interface{}{"email": email, "fields": fields}
	if err := c.do(ctx, "POST", "/subscribers", nil, body, &sub); err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

// Update patches the subscriber identified by id so that its fields
// move from current to desired. Only managed fields that actually
// differ between current and desired are sent over the wire: the
// minimal merge patch is computed with evanphx/json-patch so a stale
// `current` snapshot can never cause Update to clobber a field the
// kernel didn't decide to change.
func (c *Client) Update(ctx context.Context, id string, current, desired map[string]string) (Subscriber, error) {
	currentJSON, err := json.Marshal(map[string]interface{}{"fields": current})
	if err != nil {
		return Subscriber{}, syncerr.New("bclient.Update", syncerr.Internal, err)
	}
	desiredJSON, err := json.Marshal(map[string]interface{}{"fields": desired})
	if err != nil {
		return Subscriber{}, syncerr.New("bclient.Update", syncerr.Internal, err)
	}
	patch, err := jsonpatch.CreateMergePatch(currentJSON, desiredJSON)
	if err != nil {
		return Subscriber{}, syncerr.New("bclient.Update", syncerr.Internal,
			fmt.Errorf("computing merge patch: %w", err))
	}

	var sub Subscriber
	if err := c.doRaw(ctx, "PATCH", "/subscribers/"+id, nil, patch, &sub); err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

// do marshals body as JSON and delegates to doRaw.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return syncerr.New("bclient.do", syncerr.Internal, fmt.Errorf("marshaling request: %w", err))
		}
	}
	return c.doRaw(ctx, method, path, query, raw, out)
}

// backoffSchedule implements the design's retry policy: 429 waits
// Retry-After if present, else 10s; 5xx and network failures use
// exponential backoff 2/4/8s; both retry up to 3 times total.
var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

const maxRetries = 3

func (c *Client) doRaw(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	u := *c.baseURL
	u.Path = joinPath(u.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var lastErr error
	// nextWait is the delay before the *next* attempt. A 429's
	// Retry-After header (or the 10s default) overrides the
	// exponential schedule for the following retry only.
	var nextWait time.Duration

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := nextWait
			if wait == 0 {
				wait = backoffSchedule[minInt(attempt-1, len(backoffSchedule)-1)]
			}
			nextWait = 0
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		// Every attempt, including retries, re-acquires from the
		// limiter — retries are still calls that cross the process
		// boundary.
		if err := c.limiter.Acquire(ctx); err != nil {
			return syncerr.New("bclient.doRaw", syncerr.Timeout, err)
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
		if err != nil {
			return syncerr.New("bclient.doRaw", syncerr.Internal, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = syncerr.New("bclient.doRaw", classifyNetErr(err), err)
			log.WithFields(log.Fields{"method": method, "path": path, "attempt": attempt, "err": err}).
				Warn("B request failed, will retry if attempts remain")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = syncerr.New("bclient.doRaw", syncerr.Network, readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return NotFoundErr

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = syncerr.WithStatus("bclient.doRaw", syncerr.RateLimited, resp.StatusCode,
				fmt.Errorf("rate limited by B"))
			nextWait = 10 * time.Second
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					nextWait = time.Duration(secs) * time.Second
				}
			}
			log.WithFields(log.Fields{"method": method, "path": path, "attempt": attempt}).
				Warn("B rate-limited the request, backing off")
			continue

		case resp.StatusCode >= 500:
			lastErr = syncerr.WithStatus("bclient.doRaw", syncerr.Server5xx, resp.StatusCode,
				fmt.Errorf("server error from B"))
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return syncerr.WithStatus("bclient.doRaw", syncerr.Validation, resp.StatusCode,
				fmt.Errorf("unexpected status from B: %s", string(respBody)))

		default:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return syncerr.New("bclient.doRaw", syncerr.Internal, fmt.Errorf("decoding response: %w", err))
				}
			}
			return nil
		}
	}
	return lastErr
}

func classifyStatus(status int) syncerr.Kind {
	switch {
	case status == http.StatusNotFound:
		return syncerr.NotFound
	case status == http.StatusTooManyRequests:
		return syncerr.RateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Auth
	case status >= 500:
		return syncerr.Server5xx
	case status >= 400:
		return syncerr.Validation
	default:
		return syncerr.Internal
	}
}

func classifyNetErr(err error) syncerr.Kind {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return syncerr.Timeout
	}
	return syncerr.Network
}

func joinPath(base, add string) string {
	if base == "" {
		return add
	}
	if base[len(base)-1] == '/' && len(add) > 0 && add[0] == '/' {
		return base + add[1:]
	}
	return base + add
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
