package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"opsdeck/internal/config"
	"opsdeck/internal/dashboard"
	"opsdeck/internal/domain"
	"opsdeck/internal/export"
	"opsdeck/internal/gateway"
	"opsdeck/internal/metrics"
	"opsdeck/internal/repo"
	"opsdeck/internal/view"
)

// EventSource reads the audit log. The sqlite repo implements it; other
// backends leave it nil and /events answers 501.
type EventSource interface {
	LatestEvents(ctx context.Context, limit int, f repo.EventFilters) ([]domain.Event, error)
	EventsAfter(ctx context.Context, limit int, cursor int64, ownerID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, ownerID string) (int64, error)
}

// Config for the HTTP API handler.
type Config struct {
	Gateway  gateway.Gateway
	App      *config.Config
	Events   EventSource
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"record not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"status\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handler struct {
	app     *config.Config
	gw      gateway.Gateway
	events  EventSource
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
	auth    AuthConfig
}

// New returns an HTTP handler exposing the opsdeck API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("server: gateway required")
	}
	if cfg.App == nil {
		return nil, errors.New("server: config required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With().Str("component", "server").Logger()

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	h := handler{
		app:     cfg.App,
		gw:      cfg.Gateway,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		log:     logger,
		now:     cfg.Now,
		auth:    cfg.Auth,
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("opsdeck API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDashboards(group, h)
	registerRecords(group, h)
	registerViews(group, h)
	registerExports(group, h)
	registerEvents(group, h)
	if cfg.Auth.AllowOwnerHeader && cfg.Auth.JWTSecret != "" {
		registerDevAuth(group, h)
	}
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	return router, nil
}

func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func (h handler) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *dashboard.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, gateway.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, gateway.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	h.log.Error().Err(err).Msg("request failed")
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI serves the document with the error envelope and security
// schemes patched in. It is built once, on first request, after every route
// is registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	doc := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		b, _ := json.Marshal(oas)
		return b
	})
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc())
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["ownerHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: OwnerHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"ownerHeader": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>opsdeck API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

var defaultErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerDashboards(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dashboards",
		Method:      http.MethodGet,
		Path:        "/dashboards",
		Summary:     "List dashboards and their entity tabs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DashboardListResponse `json:"body"`
	}, error) {
		if _, authErr := ownerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body DashboardListResponse `json:"body"`
		}{Body: DashboardListResponse{Items: dashboardResponses(h.app)}}, nil
	})
}

// FilterParams are the query parameters shared by list, view and export.
type FilterParams struct {
	Q        string `query:"q" doc:"Case-insensitive search text"`
	Status   string `query:"status" doc:"Status, or all"`
	Category string `query:"category" doc:"Category, or all"`
	Flags    string `query:"flags" doc:"name:bool pairs, e.g. overdue:true,paused:false"`
}

func (p FilterParams) filters(e config.Entity, known bool) (view.Filters, error) {
	f := view.Filters{
		SearchText: p.Q,
		Status:     strings.TrimSpace(p.Status),
		Category:   strings.TrimSpace(p.Category),
	}
	if known && f.Status != "" && f.Status != view.All && !e.HasStatus(f.Status) {
		return f, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q for %s", f.Status, e.Kind), map[string]any{"status": f.Status})
	}
	flags, err := parseFlags(p.Flags)
	if err != nil {
		return f, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	f.Flags = flags
	return f, nil
}

// parseFlags reads "a:true,b:false". A bare name means true.
func parseFlags(raw string) (map[string]bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid flag filter %q", part)
		}
		want := true
		if hasValue {
			b, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid flag filter %q", part)
			}
			want = b
		}
		out[name] = want
	}
	return out, nil
}

// aggregator returns the configured aggregator for kind, or a plain one for
// kinds the config does not describe.
func (h handler) aggregator(kind string) (view.Aggregator[domain.Record], config.Entity, bool) {
	if e, ok := h.app.Entity(kind); ok {
		return view.ForEntity(e), e, true
	}
	e := config.Entity{Kind: kind}
	return view.ForEntity(e), e, false
}

func (h handler) entity(kind string) (config.Entity, huma.StatusError) {
	e, ok := h.app.Entity(kind)
	if !ok {
		return config.Entity{}, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown entity kind %q", kind), map[string]any{"kind": kind})
	}
	return e, nil
}

// find returns the live record id if owner can see it.
func (h handler) find(ctx context.Context, owner, id string) (domain.Record, error) {
	recs, err := h.gw.List(ctx, gateway.Scope{OwnerID: owner})
	if err != nil {
		return domain.Record{}, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Record{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, id)
}

func (h handler) build(ctx context.Context, owner string, e config.Entity, f view.Filters) (view.View[domain.Record], error) {
	recs, err := h.gw.List(ctx, gateway.Scope{OwnerID: owner, Kind: e.Kind})
	if err != nil {
		return view.View[domain.Record]{}, err
	}
	h.metrics.RecordViewBuild(e.Kind)
	return view.ForEntity(e).Build(recs, f), nil
}

func registerRecords(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records, newest first",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind"`
		FilterParams
	}) (*struct {
		Body RecordListResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agg, e, known := h.aggregator(input.Kind)
		f, err := input.filters(e, known)
		if err != nil {
			return nil, h.handleError(err)
		}
		recs, err := h.gw.List(ctx, gateway.Scope{OwnerID: owner, Kind: input.Kind})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RecordListResponse `json:"body"`
		}{Body: RecordListResponse{Items: nonNilSlice(agg.Filter(recs, f))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Create record",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec := input.Body.record(owner)
		if e, ok := h.app.Entity(rec.Kind); ok {
			if err := dashboard.Validate(e, rec); err != nil {
				return nil, h.handleError(err)
			}
		}
		created, err := h.gw.Create(ctx, rec)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-record",
		Method:      http.MethodPatch,
		Path:        "/records/{id}",
		Summary:     "Partially update record",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body domain.Patch `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := h.find(ctx, owner, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if e, ok := h.app.Entity(current.Kind); ok {
			if err := dashboard.ValidatePatch(e, input.Body); err != nil {
				return nil, h.handleError(err)
			}
		} else if input.Body.IsEmpty() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "patch: nothing to update", nil)
		}
		updated, err := h.gw.Update(ctx, input.ID, input.Body)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-record",
		Method:        http.MethodDelete,
		Path:          "/records/{id}",
		Summary:       "Soft delete record",
		DefaultStatus: http.StatusNoContent,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := h.find(ctx, owner, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		if err := h.gw.SoftDelete(ctx, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerViews(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "get-view",
		Method:      http.MethodGet,
		Path:        "/views/{kind}",
		Summary:     "Filtered records, status groups, stats and summary for one entity kind",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		FilterParams
	}) (*struct {
		Body ViewResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, apiErr := h.entity(input.Kind)
		if apiErr != nil {
			return nil, apiErr
		}
		f, err := input.filters(e, true)
		if err != nil {
			return nil, h.handleError(err)
		}
		v, err := h.build(ctx, owner, e, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ViewResponse `json:"body"`
		}{Body: viewResponse(v)}, nil
	})
}

type exportOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func registerExports(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "export-records",
		Method:      http.MethodGet,
		Path:        "/exports/{kind}",
		Summary:     "Download the filtered records of one entity kind as CSV or JSON",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind"`
		Format string `query:"format" enum:"csv,json" default:"csv"`
		Stats  bool   `query:"stats" doc:"CSV of the summary cards instead of records"`
		FilterParams
	}) (*exportOutput, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, apiErr := h.entity(input.Kind)
		if apiErr != nil {
			return nil, apiErr
		}
		format, err := export.ParseFormat(input.Format)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		f, err := input.filters(e, true)
		if err != nil {
			return nil, h.handleError(err)
		}
		v, err := h.build(ctx, owner, e, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		at := h.now()
		var buf bytes.Buffer
		if input.Stats && format == export.FormatCSV {
			err = export.StatsCSV(&buf, v.Summary)
		} else {
			err = export.Write(&buf, format, e, v, at)
		}
		if err != nil {
			return nil, h.handleError(err)
		}
		return &exportOutput{
			ContentType:        export.ContentType(format),
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", export.Filename(e.Kind, format, at)),
			Body:               buf.Bytes(),
		}, nil
	})
}

func registerEvents(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events for the caller, newest first",
		Errors:      append(append([]int(nil), defaultErrors...), http.StatusNotImplemented),
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body PaginatedEvents `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if h.events == nil {
			return nil, newAPIError(http.StatusNotImplemented, "not_implemented", "the configured store keeps no event log", nil)
		}
		cursor, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		limit := normalizeLimit(input.Limit)
		evts, err := h.events.LatestEvents(ctx, limit, repo.EventFilters{
			OwnerID:    owner,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursor,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		items := make([]EventResponse, 0, len(evts))
		for _, e := range evts {
			items = append(items, eventResponse(e))
		}
		next := ""
		if len(evts) == limit {
			next = strconv.FormatInt(evts[len(evts)-1].ID, 10)
		}
		return &struct {
			Body PaginatedEvents `json:"body"`
		}{Body: PaginatedEvents{Items: items, NextCursor: next}}, nil
	})
}

func registerDevAuth(api huma.API, h handler) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		owner := strings.TrimSpace(input.Body.OwnerID)
		if owner == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "owner_id is required", nil)
		}
		token, err := SignToken(h.auth.JWTSecret, owner, 24*time.Hour, h.now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid cursor")
	}
	return id, nil
}
