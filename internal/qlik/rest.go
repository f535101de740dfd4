// Package qlik implements the two transports used to read from a Qlik
// Cloud tenant: a stateless REST client with bounded retry, and a
// session-oriented Engine client speaking JSON-RPC over a WebSocket.
//
// Both clients resolve the credential at call time and return *Error
// values whose Kind distinguishes auth, config, timeout, upstream and
// closed failures.
package qlik

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/qlik-mcp/internal/httpkit"
)

// REST client defaults.
const (
	DefaultRESTTimeout = 30 * time.Second
	DefaultRESTRetries = 2
	DefaultRetryDelay  = 1000 * time.Millisecond

	// DefaultListLimit is used when the caller does not set a page size.
	DefaultListLimit = 20
	// MaxListLimit is the largest page size the items API accepts.
	MaxListLimit = 100

	itemsPath = "/api/v1/items"
	mePath    = "/api/v1/users/me"
)

// levelTrace matches config.LevelTrace and carries wire-level detail.
const levelTrace = slog.Level(-8)

// RESTConfig configures a RESTClient. Zero durations fall back to the
// package defaults.
type RESTConfig struct {
	BaseURL string
	Token   TokenFunc
	// Timeout bounds each attempt, body read included. Retries get a
	// fresh budget.
	Timeout time.Duration
	// Retries is the number of additional attempts after a 429 or 5xx.
	// Nil selects DefaultRESTRetries; use RetryCount(0) to disable.
	Retries    *int
	RetryDelay time.Duration
	Logger     *slog.Logger

	// Transport overrides the shared httpkit transport (tests).
	Transport *http.Transport
}

// RESTClient is a read-only client for the tenant REST API. It holds no
// cross-call state besides configuration and is safe for concurrent use.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// RetryCount returns n as a RESTConfig.Retries value.
func RetryCount(n int) *int { return &n }

// NewRESTClient creates a REST client for cfg.BaseURL.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRESTTimeout
	}
	retries := DefaultRESTRetries
	if cfg.Retries != nil {
		retries = max(*cfg.Retries, 0)
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	token := cfg.Token

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(timeout),
		httpkit.WithRetry(retries, delay),
		httpkit.WithLogger(logger),
		httpkit.WithBearer(func() (string, error) { return token.resolve("rest") }),
	}
	if cfg.Transport != nil {
		opts = append(opts, httpkit.WithTransport(cfg.Transport))
	}

	return &RESTClient{
		baseURL:    NormalizeBaseURL(cfg.BaseURL),
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// BaseURL returns the normalized endpoint base.
func (c *RESTClient) BaseURL() string { return c.baseURL }

// ListQuery selects one page of a listing. Cursor, when it is an
// absolute http(s) URL, replaces every other field.
type ListQuery struct {
	ResourceType string
	Limit        int
	Name         string
	Cursor       string
}

// Item is one entry of the items API. Fields are optional upstream; the
// tool adapters decide defaults.
type Item struct {
	ID           string `json:"id"`
	ResourceID   string `json:"resourceId"`
	Name         string `json:"name"`
	OwnerID      string `json:"ownerId"`
	SpaceID      string `json:"spaceId"`
	ResourceType string `json:"resourceType"`
}

// Link is a self-describing pagination link.
type Link struct {
	Href string `json:"href"`
}

// Links holds the pagination links of a listing.
type Links struct {
	Next *Link `json:"next,omitempty"`
	Prev *Link `json:"prev,omitempty"`
}

// ListResult is the parsed items payload, returned as-is for the caller
// to normalize.
type ListResult struct {
	Data  []Item `json:"data"`
	Links Links  `json:"links"`
}

// NextCursor returns the next-page href, or "" on the last page.
func (r *ListResult) NextCursor() string {
	if r == nil || r.Links.Next == nil {
		return ""
	}
	return r.Links.Next.Href
}

// ListAppsParams are the arguments of an app listing.
type ListAppsParams struct {
	Limit int
	Next  string
	Name  string
}

// ListApps lists apps visible to the credential.
func (c *RESTClient) ListApps(ctx context.Context, p ListAppsParams) (*ListResult, error) {
	return c.List(ctx, itemsPath, ListQuery{
		ResourceType: "app",
		Limit:        p.Limit,
		Name:         p.Name,
		Cursor:       p.Next,
	})
}

// List fetches one page of resourcePath.
func (c *RESTClient) List(ctx context.Context, resourcePath string, q ListQuery) (*ListResult, error) {
	target, err := c.listURL(resourcePath, q)
	if err != nil {
		return nil, err
	}
	var out ListResult
	if err := c.get(ctx, "rest list", target, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping verifies the base URL and credential by reading the caller's own
// user record.
func (c *RESTClient) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return newError(KindConfig, "rest ping", "tenant URL is not configured")
	}
	return c.get(ctx, "rest ping", c.baseURL+mePath, nil)
}

// ClampLimit applies the default page size and bounds it to [1, MaxListLimit].
func ClampLimit(n int) int {
	if n == 0 {
		n = DefaultListLimit
	}
	return min(MaxListLimit, max(1, n))
}

// isAbsoluteCursor reports whether the cursor is a full next-page URL.
func isAbsoluteCursor(cursor string) bool {
	u, err := url.Parse(cursor)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (c *RESTClient) listURL(resourcePath string, q ListQuery) (string, error) {
	if isAbsoluteCursor(q.Cursor) {
		return q.Cursor, nil
	}
	if c.baseURL == "" {
		return "", newError(KindConfig, "rest list", "tenant URL is not configured")
	}
	u, err := url.Parse(c.baseURL + resourcePath)
	if err != nil {
		return "", &Error{Kind: KindConfig, Op: "rest list", Message: "invalid tenant URL", Err: err}
	}
	v := url.Values{}
	if q.ResourceType != "" {
		v.Set("resourceType", q.ResourceType)
	}
	v.Set("limit", strconv.Itoa(ClampLimit(q.Limit)))
	if q.Name != "" {
		v.Set("name", q.Name)
	}
	if q.Cursor != "" {
		v.Set("next", q.Cursor)
	}
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// get issues a GET and decodes a 2xx body into result (if non-nil).
func (c *RESTClient) get(ctx context.Context, op, target string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &Error{Kind: KindConfig, Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Log(ctx, levelTrace, "rest request", "op", op, "url", redactQuery(req.URL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return transportError(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func (c *RESTClient) statusError(op string, resp *http.Response) error {
	body := strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &Error{Kind: KindAuth, Op: op, Status: resp.StatusCode,
			Message: "invalid or expired API token"}
	case http.StatusNotFound:
		return &Error{Kind: KindConfig, Op: op, Status: resp.StatusCode,
			Message: fmt.Sprintf("endpoint not found, check tenant URL %s", c.baseURL)}
	default:
		return &Error{Kind: KindUpstream, Op: op, Status: resp.StatusCode,
			Message: fmt.Sprintf("REST error (%d): %s", resp.StatusCode, body)}
	}
}

// redactQuery strips the query string so cursors and name filters stay
// out of logs.
func redactQuery(u *url.URL) string {
	cp := *u
	cp.RawQuery = ""
	return cp.String()
}
