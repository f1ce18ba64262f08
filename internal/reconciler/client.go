// Package reconciler implements the Reconciler: the component that keeps
// the State Store's registrations (metrics, services, containers, tags,
// facts) in sync with the remote API, running its 8 ordered steps every
// 15 seconds.
package reconciler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitaliisemenov/hostagent/internal/resilience"
)

// ClientConfig configures the REST client shared by every reconciliation
// step.
type ClientConfig struct {
	BaseURL      string
	AgentUUID    string // empty until step 1 registers the agent
	Account      string
	Password     string
	Timeout      time.Duration
	RateLimitRPM float64
	InsecureTLS  bool
}

// Client is the Reconciler's HTTP client: one *http.Client shared across
// all 8 steps, rate-limited and basic-auth'd, with a small retry wrapper
// around transient failures.
type Client struct {
	http        *http.Client
	baseURL     string
	account     string
	password    string
	agentUUID   string
	rateLimiter *rate.Limiter
	retry       *resilience.RetryPolicy
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimitRPM == 0 {
		cfg.RateLimitRPM = 120
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureTLS,
		},
	}

	policy := resilience.DefaultRetryPolicy()
	policy.MaxRetries = 2
	policy.OperationName = "reconciler_api_call"
	policy.ErrorChecker = apiErrorChecker{}

	return &Client{
		http:        &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseURL:     cfg.BaseURL,
		account:     cfg.Account,
		password:    cfg.Password,
		agentUUID:   cfg.AgentUUID,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPM/60.0), 10),
		retry:       policy,
	}
}

// SetAgentUUID switches the client's basic-auth user from the account to
// the agent uuid once step 1 has registered the agent. The user name is
// sent as is; no @domain suffix is appended to either.
func (c *Client) SetAgentUUID(uuid string) {
	c.agentUUID = uuid
}

// AgentUUID returns the agent uuid the client is currently authenticating
// as, or "" if step 1 hasn't registered the agent yet.
func (c *Client) AgentUUID() string {
	return c.agentUUID
}

// apiError distinguishes the three outcomes a reconciliation step cares
// about: a 2xx, a 4xx (client error, don't retry this pass), and a 5xx
// (server error, transient, retry next pass).
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("remote API returned %d: %s", e.StatusCode, e.Body)
}

func (e *apiError) isClientError() bool { return e.StatusCode >= 400 && e.StatusCode < 500 }
func (e *apiError) isServerError() bool { return e.StatusCode >= 500 }

func isClientError(err error) bool {
	var ae *apiError
	return err != nil && errors.As(err, &ae) && ae.isClientError()
}

func isServerError(err error) bool {
	var ae *apiError
	return err != nil && errors.As(err, &ae) && ae.isServerError()
}

// apiErrorChecker keeps the retry wrapper from burning attempts on a 4xx:
// a client error means this pass's request was rejected, not that it was
// lost in transit, so the next reconciliation pass should decide whether
// to retry, not this one.
type apiErrorChecker struct{}

func (apiErrorChecker) IsRetryable(err error) bool {
	return !isClientError(err)
}

// do performs one authenticated JSON request, retrying transient
// (network/5xx) failures per c.retry. body may be nil; out may be nil if
// the caller doesn't need the decoded response.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	_, err := resilience.WithRetryFunc(ctx, c.retry, func() (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("reconciler: encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", "hostagent/1.0")

	user := c.account
	if c.agentUUID != "" {
		user = c.agentUUID
	}
	req.SetBasicAuth(user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return &apiError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("reconciler: decoding response from %s: %w", path, err)
		}
	}

	return nil
}

// page is the shape of every paginated list endpoint.
type page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

// listAll follows `next` links until exhausted, returning every result.
func listAll[T any](ctx context.Context, c *Client, firstPath string) ([]T, error) {
	var all []T
	path := firstPath

	for path != "" {
		var p page[T]
		if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
			return all, err
		}
		all = append(all, p.Results...)

		if p.Next == "" {
			break
		}
		u, err := url.Parse(p.Next)
		if err != nil {
			break
		}
		path = "?" + u.RawQuery
		if u.Path != "" {
			path = u.Path + "?" + u.RawQuery
		}
	}

	return all, nil
}
