package domain

import "time"

// TimeFormat is fixed-width so timestamps sort lexicographically.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// DefaultStatus is used when neither the caller nor the entity config names one.
const DefaultStatus = "new"

type Record struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	OwnerID     string             `json:"owner_id"`
	Name        string             `json:"name"`
	Code        string             `json:"code,omitempty"`
	Description string             `json:"description,omitempty"`
	Status      string             `json:"status"`
	Priority    Priority           `json:"priority,omitempty"`
	Category    string             `json:"category,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Flags       map[string]bool    `json:"flags,omitempty"`
	Attributes  map[string]string  `json:"attributes,omitempty"`
	Version     int                `json:"version"`
	CreatedAt   string             `json:"created_at" format:"date-time"`
	UpdatedAt   string             `json:"updated_at" format:"date-time"`
	DeletedAt   *string            `json:"deleted_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Clone returns a copy that shares no maps with r.
func (r Record) Clone() Record {
	out := r
	out.Metrics = cloneMap(r.Metrics)
	out.Flags = cloneMap(r.Flags)
	out.Attributes = cloneMap(r.Attributes)
	if r.DeletedAt != nil {
		d := *r.DeletedAt
		out.DeletedAt = &d
	}
	return out
}

// Metric returns the named metric or 0 when absent.
func (r Record) Metric(name string) float64 {
	return r.Metrics[name]
}

func (r Record) Flag(name string) bool {
	return r.Flags[name]
}

func (r Record) Attribute(name string) string {
	return r.Attributes[name]
}

func (r Record) Deleted() bool {
	return r.DeletedAt != nil && *r.DeletedAt != ""
}

// Now formats t in TimeFormat.
func Now(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
