// Package pocketbase stores records in a hosted PocketBase collection.
package pocketbase

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
	"sync"
	"time"

	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
)

const (
	defaultAuthCollection = "_superusers"
	defaultCollection     = "opsdeck_records"
	pageSize              = 200
)

type Config struct {
	BaseURL        string
	AuthCollection string
	Identity       string
	Password       string
	Collection     string
	Timeout        time.Duration
}

// Client is a gateway.Gateway over the PocketBase records API. Soft delete is
// a deleted_at field; live rows have it empty.
type Client struct {
	baseURL        string
	authCollection string
	identity       string
	password       string
	collection     string

	mu    sync.Mutex
	token string
	exp   time.Time
	http  *http.Client

	Now           func() time.Time
	DefaultStatus func(kind string) string
}

func New(cfg Config) *Client {
	if cfg.AuthCollection == "" {
		cfg.AuthCollection = defaultAuthCollection
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		authCollection: cfg.AuthCollection,
		identity:       cfg.Identity,
		password:       cfg.Password,
		collection:     cfg.Collection,
		http:           &http.Client{Timeout: cfg.Timeout},
		Now:            time.Now,
	}
}

// record is the collection row. metrics, flags and attributes are JSON fields.
type record struct {
	ID          string             `json:"id,omitempty"`
	Kind        string             `json:"kind"`
	OwnerID     string             `json:"owner_id"`
	Name        string             `json:"name"`
	Code        string             `json:"code"`
	Description string             `json:"description"`
	Status      string             `json:"status"`
	Priority    string             `json:"priority"`
	Category    string             `json:"category"`
	Metrics     map[string]float64 `json:"metrics"`
	Flags       map[string]bool    `json:"flags"`
	Attributes  map[string]string  `json:"attributes"`
	Version     int                `json:"version"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
	DeletedAt   string             `json:"deleted_at"`
}

func fromDomain(r domain.Record) record {
	out := record{
		ID:          r.ID,
		Kind:        r.Kind,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Code:        r.Code,
		Description: r.Description,
		Status:      r.Status,
		Priority:    string(r.Priority),
		Category:    r.Category,
		Metrics:     r.Metrics,
		Flags:       r.Flags,
		Attributes:  r.Attributes,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.DeletedAt != nil {
		out.DeletedAt = *r.DeletedAt
	}
	return out
}

func (r record) toDomain() domain.Record {
	out := domain.Record{
		ID:          r.ID,
		Kind:        r.Kind,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Code:        r.Code,
		Description: r.Description,
		Status:      r.Status,
		Priority:    domain.Priority(r.Priority),
		Category:    r.Category,
		Metrics:     r.Metrics,
		Flags:       r.Flags,
		Attributes:  r.Attributes,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.DeletedAt != "" {
		d := r.DeletedAt
		out.DeletedAt = &d
	}
	return out
}

func (c *Client) ensureAuth(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.exp) > 60*time.Second {
		return nil
	}

	b, _ := json.Marshal(map[string]string{
		"identity": c.identity,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/collections/%s/auth-with-password", c.baseURL, c.authCollection),
		bytes.NewReader(b),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("auth", resp)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.Token == "" {
		return errors.New("pocketbase auth token missing")
	}
	c.token = out.Token
	c.exp = time.Now().Add(50 * time.Minute)
	return nil
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "Bearer " + c.token
}

// do sends a JSON request and decodes a 2xx response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", c.bearer())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return gateway.ErrNotFound
	}
	if resp.StatusCode == http.StatusBadRequest && method == http.MethodPost {
		if err := createError(resp); err != nil {
			return err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(strings.ToLower(method), resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// createError maps PocketBase's field validation failure for a taken id.
func createError(resp *http.Response) error {
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	var body struct {
		Message string `json:"message"`
		Data    map[string]struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	if json.Unmarshal(rb, &body) == nil && body.Data["id"].Code == "validation_not_unique" {
		return gateway.ErrDuplicateID
	}
	return fmt.Errorf("pocketbase post failed: %s: %s", resp.Status, strings.TrimSpace(string(rb)))
}

func statusError(op string, resp *http.Response) error {
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	return fmt.Errorf("pocketbase %s failed: %s: %s", op, resp.Status, strings.TrimSpace(string(rb)))
}

func (c *Client) recordsPath() string {
	return fmt.Sprintf("/api/collections/%s/records", c.collection)
}

func (c *Client) now() string {
	if c.Now == nil {
		return domain.Now(time.Now())
	}
	return domain.Now(c.Now())
}

func (c *Client) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	in := gateway.Prepare(rec, "", c.now(), c.DefaultStatus)
	var out record
	if err := c.do(ctx, http.MethodPost, c.recordsPath(), fromDomain(in), &out); err != nil {
		return domain.Record{}, err
	}
	return out.toDomain(), nil
}

func (c *Client) get(ctx context.Context, id string) (domain.Record, error) {
	var out record
	if err := c.do(ctx, http.MethodGet, c.recordsPath()+"/"+url.PathEscape(id), nil, &out); err != nil {
		return domain.Record{}, err
	}
	return out.toDomain(), nil
}

// Update reads, checks the expected version and patches. PocketBase has no
// conditional update, so two writers racing between the read and the patch
// are resolved last-write-wins.
func (c *Client) Update(ctx context.Context, id string, patch domain.Patch) (domain.Record, error) {
	cur, err := c.get(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if cur.Deleted() {
		return domain.Record{}, gateway.ErrNotFound
	}
	if err := gateway.CheckVersion(patch, cur.Version); err != nil {
		return domain.Record{}, err
	}
	next := patch.Apply(cur)
	next.Version = cur.Version + 1
	next.UpdatedAt = c.now()

	body := fromDomain(next)
	body.ID = ""
	var out record
	if err := c.do(ctx, http.MethodPatch, c.recordsPath()+"/"+url.PathEscape(id), body, &out); err != nil {
		return domain.Record{}, err
	}
	return out.toDomain(), nil
}

func (c *Client) SoftDelete(ctx context.Context, id string) error {
	cur, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Deleted() {
		return gateway.ErrNotFound
	}
	now := c.now()
	return c.do(ctx, http.MethodPatch, c.recordsPath()+"/"+url.PathEscape(id), map[string]any{
		"deleted_at": now,
		"updated_at": now,
	}, nil)
}

// List pages through every live record in scope, newest first.
func (c *Client) List(ctx context.Context, scope gateway.Scope) ([]domain.Record, error) {
	filters := []string{"deleted_at = ''"}
	if scope.OwnerID != "" {
		filters = append(filters, fmt.Sprintf("owner_id = %s", quote(scope.OwnerID)))
	}
	if scope.Kind != "" {
		filters = append(filters, fmt.Sprintf("kind = %s", quote(scope.Kind)))
	}
	filter := url.QueryEscape(strings.Join(filters, " && "))

	res := []domain.Record{}
	for page := 1; ; page++ {
		var out struct {
			Items      []record `json:"items"`
			TotalItems int      `json:"totalItems"`
		}
		path := fmt.Sprintf("%s?filter=%s&sort=-created_at,-id&page=%d&perPage=%d", c.recordsPath(), filter, page, pageSize)
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			res = append(res, item.toDomain())
		}
		if len(out.Items) == 0 || len(res) >= out.TotalItems {
			return res, nil
		}
	}
}

// quote renders s as a PocketBase filter string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
