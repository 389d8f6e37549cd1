package server

import (
	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/view"
)

// Request payloads

type CreateRecordRequest struct {
	ID          string             `json:"id,omitempty"`
	Kind        string             `json:"kind" minLength:"1"`
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

func (r CreateRecordRequest) record(owner string) domain.Record {
	return domain.Record{
		ID:          r.ID,
		Kind:        r.Kind,
		OwnerID:     owner,
		Name:        r.Name,
		Code:        r.Code,
		Description: r.Description,
		Status:      r.Status,
		Priority:    r.Priority,
		Category:    r.Category,
		Metrics:     r.Metrics,
		Flags:       r.Flags,
		Attributes:  r.Attributes,
	}
}

type DevLoginRequest struct {
	OwnerID string `json:"owner_id"`
}

// Response payloads

type DashboardResponse struct {
	Name     string   `json:"name"`
	Title    string   `json:"title"`
	Entities []string `json:"entities"`
}

type RecordListResponse struct {
	Items []domain.Record `json:"items"`
}

type DashboardListResponse struct {
	Items []DashboardResponse `json:"items"`
}

type GroupsResponse struct {
	Order        []string                   `json:"order"`
	Buckets      map[string][]domain.Record `json:"buckets"`
	Unrecognized int                        `json:"unrecognized"`
}

// ViewResponse is view.View[domain.Record] spelled out for the OpenAPI schema.
type ViewResponse struct {
	Kind     string          `json:"kind"`
	Filters  view.Filters    `json:"filters"`
	Records  []domain.Record `json:"records"`
	Groups   GroupsResponse  `json:"groups"`
	Stats    view.Stats      `json:"stats"`
	Filtered view.Stats      `json:"filtered"`
	Summary  view.Summary    `json:"summary"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type PaginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func dashboardResponses(cfg *config.Config) []DashboardResponse {
	res := make([]DashboardResponse, 0, len(cfg.Dashboards))
	for _, name := range cfg.DashboardNames() {
		d := cfg.Dashboards[name]
		res = append(res, DashboardResponse{
			Name:     name,
			Title:    d.Title,
			Entities: nonNilSlice(d.Entities),
		})
	}
	return res
}

func viewResponse(v view.View[domain.Record]) ViewResponse {
	buckets := make(map[string][]domain.Record, len(v.Groups.Buckets))
	for status, recs := range v.Groups.Buckets {
		buckets[status] = nonNilSlice(recs)
	}
	return ViewResponse{
		Kind:    v.Kind,
		Filters: v.Filters,
		Records: nonNilSlice(v.Records),
		Groups: GroupsResponse{
			Order:        nonNilSlice(v.Groups.Order),
			Buckets:      buckets,
			Unrecognized: v.Groups.Unrecognized,
		},
		Stats:    v.Stats,
		Filtered: v.Filtered,
		Summary:  v.Summary,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OwnerID:    e.OwnerID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
