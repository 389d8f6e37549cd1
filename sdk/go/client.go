package opsdecksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
	"opsdeck/internal/view"
)

// Client is an opsdeck HTTP API client. It also satisfies gateway.Gateway so a
// CLI or dashboard can run against a remote server.
type Client struct {
	BaseURL     string
	BearerToken string
	// OwnerID is sent as X-Owner-Id when the server allows owner headers.
	OwnerID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap maps status codes onto the gateway sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return gateway.ErrNotFound
	case http.StatusConflict:
		return gateway.ErrConflict
	}
	return nil
}

type Dashboard struct {
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	Entities []string `json:"entities"`
}

type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// createRequest is the POST /records body. Owner, version and timestamps are
// assigned by the server.
type createRequest struct {
	ID          string             `json:"id,omitempty"`
	Kind        string             `json:"kind"`
	Name        string             `json:"name,omitempty"`
	Code        string             `json:"code,omitempty"`
	Description string             `json:"description,omitempty"`
	Status      string             `json:"status,omitempty"`
	Priority    domain.Priority    `json:"priority,omitempty"`
	Category    string             `json:"category,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Flags       map[string]bool    `json:"flags,omitempty"`
	Attributes  map[string]string  `json:"attributes,omitempty"`
}

func (c *Client) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	body := createRequest{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Name:        rec.Name,
		Code:        rec.Code,
		Description: rec.Description,
		Status:      rec.Status,
		Priority:    rec.Priority,
		Category:    rec.Category,
		Metrics:     rec.Metrics,
		Flags:       rec.Flags,
		Attributes:  rec.Attributes,
	}
	var resp domain.Record
	err := c.do(ctx, http.MethodPost, "v0/records", ownerOr(rec.OwnerID, c.OwnerID), body, &resp)
	return resp, err
}

func (c *Client) Update(ctx context.Context, id string, patch domain.Patch) (domain.Record, error) {
	var resp domain.Record
	err := c.do(ctx, http.MethodPatch, "v0/records/"+url.PathEscape(id), c.OwnerID, patch, &resp)
	return resp, err
}

func (c *Client) SoftDelete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/records/"+url.PathEscape(id), c.OwnerID, nil, nil)
}

func (c *Client) List(ctx context.Context, scope gateway.Scope) ([]domain.Record, error) {
	endpoint := "v0/records"
	if scope.Kind != "" {
		endpoint += "?kind=" + url.QueryEscape(scope.Kind)
	}
	var resp struct {
		Items []domain.Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, ownerOr(scope.OwnerID, c.OwnerID), nil, &resp)
	if resp.Items == nil {
		resp.Items = []domain.Record{}
	}
	return resp.Items, err
}

// Dashboards lists configured dashboards.
func (c *Client) Dashboards(ctx context.Context) ([]Dashboard, error) {
	var resp struct {
		Items []Dashboard `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/dashboards", c.OwnerID, nil, &resp)
	return resp.Items, err
}

// View fetches the server-side aggregate for one entity kind.
func (c *Client) View(ctx context.Context, kind string, f view.Filters) (view.View[domain.Record], error) {
	q := url.Values{}
	if f.SearchText != "" {
		q.Set("q", f.SearchText)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if len(f.Flags) > 0 {
		q.Set("flags", EncodeFlags(f.Flags))
	}
	endpoint := "v0/views/" + url.PathEscape(kind)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp view.View[domain.Record]
	err := c.do(ctx, http.MethodGet, endpoint, c.OwnerID, nil, &resp)
	return resp, err
}

// EventsPage returns audit events older than cursor, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, c.OwnerID, nil, &resp)
	return resp, err
}

// Export downloads a CSV or JSON export of one entity kind.
func (c *Client) Export(ctx context.Context, kind, format string, f view.Filters) ([]byte, error) {
	q := url.Values{"format": {format}}
	if f.SearchText != "" {
		q.Set("q", f.SearchText)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "v0/exports/"+url.PathEscape(kind)+"?"+q.Encode(), c.OwnerID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// EncodeFlags renders flags as name:bool pairs in name order.
func EncodeFlags(flags map[string]bool) string {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+":"+strconv.FormatBool(flags[name]))
	}
	return strings.Join(parts, ",")
}

func (c *Client) do(ctx context.Context, method, endpoint, owner string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, owner, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint, owner string, body any) (*http.Request, error) {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if owner != "" {
		req.Header.Set("X-Owner-Id", owner)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func ownerOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
