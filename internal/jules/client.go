package jules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Jules REST API root.
const DefaultBaseURL = "https://jules.googleapis.com/v1alpha"

// Session states reported by the API.
const (
	StateQueued               = "QUEUED"
	StatePlanning             = "PLANNING"
	StateAwaitingPlanApproval = "AWAITING_PLAN_APPROVAL"
	StateAwaitingUserFeedback = "AWAITING_USER_FEEDBACK"
	StateInProgress           = "IN_PROGRESS"
	StatePaused               = "PAUSED"
	StateFailed               = "FAILED"
	StateCompleted            = "COMPLETED"
)

// APIError is a non-2xx response from the Jules API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jules: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// retryable reports whether the request may succeed when repeated.
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GitHubRepo identifies the repository behind a source.
type GitHubRepo struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// Source is a repository connected to Jules.
type Source struct {
	Name       string      `json:"name"`
	ID         string      `json:"id"`
	GitHubRepo *GitHubRepo `json:"githubRepo,omitempty"`
}

// Session is a Jules coding session.
type Session struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Prompt string `json:"prompt"`
	State  string `json:"state"`
	URL    string `json:"url,omitempty"`
}

// Terminal reports whether the session will not change state again.
func (s *Session) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// Activity is one step recorded in a session.
type Activity struct {
	Name           string          `json:"name"`
	ID             string          `json:"id"`
	Description    string          `json:"description,omitempty"`
	Originator     string          `json:"originator,omitempty"`
	CreateTime     string          `json:"createTime,omitempty"`
	AgentMessaged  *AgentMessage   `json:"agentMessaged,omitempty"`
	CodeChangeMade *CodeChange     `json:"codeChangeMade,omitempty"`
	PlanGenerated  json.RawMessage `json:"planGenerated,omitempty"`
}

// AgentMessage is a message the agent posted to the session.
type AgentMessage struct {
	AgentMessage string `json:"agentMessage"`
}

// CodeChange lists the files an activity modified.
type CodeChange struct {
	Files []string `json:"files"`
}

// CreateSessionRequest starts a session on a source.
type CreateSessionRequest struct {
	Prompt              string `json:"prompt"`
	Title               string `json:"title,omitempty"`
	Source              string `json:"-"`
	StartingBranch      string `json:"-"`
	RequirePlanApproval bool   `json:"requirePlanApproval,omitempty"`
}

func (r CreateSessionRequest) MarshalJSON() ([]byte, error) {
	type sourceContext struct {
		Source            string `json:"source"`
		GitHubRepoContext struct {
			StartingBranch string `json:"startingBranch"`
		} `json:"githubRepoContext"`
	}
	sc := sourceContext{Source: r.Source}
	sc.GitHubRepoContext.StartingBranch = r.StartingBranch

	return json.Marshal(struct {
		Prompt              string        `json:"prompt"`
		Title               string        `json:"title,omitempty"`
		SourceContext       sourceContext `json:"sourceContext"`
		RequirePlanApproval bool          `json:"requirePlanApproval,omitempty"`
	}{r.Prompt, r.Title, sc, r.RequirePlanApproval})
}

// API is the subset of the Jules REST API the adapter needs.
type API interface {
	ListSources(ctx context.Context) ([]Source, error)
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ApprovePlan(ctx context.Context, id string) error
	ListActivities(ctx context.Context, id string) ([]Activity, error)
}

// Client calls the Jules REST API. Requests are rate limited and transient
// failures (network errors, 429, 5xx) are retried with exponential backoff.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetry   time.Duration
	retryStart time.Duration
}

var _ API = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry sets the first retry interval and the total retry budget.
func WithRetry(initial, maxElapsed time.Duration) ClientOption {
	return func(c *Client) {
		c.retryStart = initial
		c.maxRetry = maxElapsed
	}
}

// NewClient creates a Jules API client authenticated with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 2),
		retryStart: 500 * time.Millisecond,
		maxRetry:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSources returns every connected source, following pagination.
func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	var all []Source
	pageToken := ""
	for {
		path := "/sources"
		if pageToken != "" {
			path += "?pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			Sources       []Source `json:"sources"`
			NextPageToken string   `json:"nextPageToken"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Sources...)

		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// CreateSession starts a new session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ApprovePlan approves the pending plan of a session.
func (c *Client) ApprovePlan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+":approvePlan", struct{}{}, nil)
}

// ListActivities returns all activities of a session, following pagination.
func (c *Client) ListActivities(ctx context.Context, id string) ([]Activity, error) {
	var all []Activity
	pageToken := ""
	for {
		path := "/sessions/" + url.PathEscape(id) + "/activities"
		if pageToken != "" {
			path += "?pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			Activities    []Activity `json:"activities"`
			NextPageToken string     `json:"nextPageToken"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Activities...)

		if page.NextPageToken == "" {
			return all, nil
		}
		pageToken = page.NextPageToken
	}
}

// do performs one API call with rate limiting and retry.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("jules: marshal request: %w", err)
		}
	}

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := c.roundTrip(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryStart
	policy.MaxElapsedTime = c.maxRetry

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("jules: create request: %w", err)
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jules: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("jules: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("jules: decode response: %w", err)
		}
	}
	return nil
}
