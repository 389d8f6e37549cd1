package pocketbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
	"opsdeck/internal/gateway/gatewaytest"
)

const testToken = "pb-test-token"

// fakePocketBase implements just enough of the records API for the client.
type fakePocketBase struct {
	mu        sync.Mutex
	records   map[string]map[string]any
	nextID    int
	authCalls int
	listCalls int
}

func newFakePocketBase(t *testing.T) (*fakePocketBase, *httptest.Server) {
	f := &fakePocketBase{records: map[string]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

var condRE = regexp.MustCompile(`(\w+) = '((?:[^'\\]|\\.)*)'`)

func (f *fakePocketBase) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/api/collections/_superusers/auth-with-password" {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["identity"] != "admin@example.com" || body["password"] != "secret" {
			http.Error(w, `{"message":"Failed to authenticate."}`, http.StatusBadRequest)
			return
		}
		f.authCalls++
		_ = json.NewEncoder(w).Encode(map[string]string{"token": testToken})
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	base := "/api/collections/opsdeck_records/records"
	switch {
	case r.URL.Path == base && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		id, _ := body["id"].(string)
		if id == "" {
			f.nextID++
			id = fmt.Sprintf("r%014d", f.nextID)
		}
		if _, taken := f.records[id]; taken {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"message":"Failed to create record.","data":{"id":{"code":"validation_not_unique","message":"Value must be unique."}}}`)
			return
		}
		body["id"] = id
		f.records[id] = body
		_ = json.NewEncoder(w).Encode(body)
	case r.URL.Path == base && r.Method == http.MethodGet:
		f.listCalls++
		f.list(w, r)
	case strings.HasPrefix(r.URL.Path, base+"/"):
		id := strings.TrimPrefix(r.URL.Path, base+"/")
		rec, ok := f.records[id]
		if !ok {
			http.Error(w, `{"message":"The requested resource wasn't found."}`, http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPatch {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			for k, v := range body {
				rec[k] = v
			}
		}
		_ = json.NewEncoder(w).Encode(rec)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakePocketBase) list(w http.ResponseWriter, r *http.Request) {
	conds := condRE.FindAllStringSubmatch(r.URL.Query().Get("filter"), -1)
	var items []map[string]any
	for _, rec := range f.records {
		ok := true
		for _, c := range conds {
			v, _ := rec[c[1]].(string)
			if v != strings.ReplaceAll(c[2], `\'`, `'`) {
				ok = false
			}
		}
		if ok {
			items = append(items, rec)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		ci, cj := items[i]["created_at"].(string), items[j]["created_at"].(string)
		if ci != cj {
			return ci > cj
		}
		return items[i]["id"].(string) > items[j]["id"].(string)
	})
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("perPage"))
	total := len(items)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"page":       page,
		"perPage":    perPage,
		"totalItems": total,
		"items":      items[start:end],
	})
}

func newTestClient(srv *httptest.Server, now func() time.Time) *Client {
	c := New(Config{
		BaseURL:  srv.URL + "/",
		Identity: "admin@example.com",
		Password: "secret",
		Timeout:  5 * time.Second,
	})
	c.Now = now
	c.DefaultStatus = config.Default().DefaultStatus
	return c
}

func TestContract(t *testing.T) {
	gatewaytest.Run(t, func(t *testing.T, now func() time.Time) gateway.Gateway {
		_, srv := newFakePocketBase(t)
		return newTestClient(srv, now)
	})
}

func TestTokenIsCached(t *testing.T) {
	f, srv := newFakePocketBase(t)
	c := newTestClient(srv, gatewaytest.Clock())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Create(ctx, domain.Record{Kind: "integration", OwnerID: "u1", Name: "Slack"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.authCalls)
}

func TestAuthFailureSurfaces(t *testing.T) {
	_, srv := newFakePocketBase(t)
	c := New(Config{BaseURL: srv.URL, Identity: "admin@example.com", Password: "wrong"})
	_, err := c.List(context.Background(), gateway.Scope{OwnerID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pocketbase auth failed")
	assert.Contains(t, err.Error(), "Failed to authenticate")
}

func TestListPages(t *testing.T) {
	f, srv := newFakePocketBase(t)
	c := newTestClient(srv, gatewaytest.Clock())
	ctx := context.Background()
	for i := 0; i < pageSize+5; i++ {
		_, err := c.Create(ctx, domain.Record{Kind: "issue", OwnerID: "u1", Name: fmt.Sprintf("issue %d", i)})
		require.NoError(t, err)
	}
	list, err := c.List(ctx, gateway.Scope{OwnerID: "u1", Kind: "issue"})
	require.NoError(t, err)
	assert.Len(t, list, pageSize+5)
	assert.Equal(t, fmt.Sprintf("issue %d", pageSize+4), list[0].Name)
	assert.Equal(t, 2, f.listCalls)
}

func TestQuoteEscapesFilterLiterals(t *testing.T) {
	assert.Equal(t, `'o\'brien'`, quote("o'brien"))
	assert.Equal(t, `'a\\b'`, quote(`a\b`))

	_, srv := newFakePocketBase(t)
	c := newTestClient(srv, gatewaytest.Clock())
	ctx := context.Background()
	_, err := c.Create(ctx, domain.Record{Kind: "asset", OwnerID: "o'brien", Name: "Lathe"})
	require.NoError(t, err)
	list, err := c.List(ctx, gateway.Scope{OwnerID: "o'brien"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
