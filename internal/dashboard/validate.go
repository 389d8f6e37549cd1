package dashboard

import (
	"fmt"
	"math"
	"strings"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
)

// ValidationError rejects input before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a record about to be created.
func Validate(e config.Entity, rec domain.Record) error {
	if rec.Kind != "" && e.Kind != "" && rec.Kind != e.Kind {
		return invalid("kind", "expected %s, got %s", e.Kind, rec.Kind)
	}
	for _, field := range e.Required {
		if !present(rec, field) {
			return invalid(field, "is required")
		}
	}
	if rec.Status != "" && !e.HasStatus(rec.Status) {
		return invalid("status", "%q is not one of %s", rec.Status, strings.Join(e.Statuses, ", "))
	}
	if !rec.Priority.Valid() {
		return invalid("priority", "%q is not a known priority", rec.Priority)
	}
	if rec.Category != "" && !e.HasCategory(rec.Category) {
		return invalid("category", "%q is not one of %s", rec.Category, strings.Join(e.Categories, ", "))
	}
	return validMetrics(rec.Metrics)
}

// ValidatePatch checks a partial update against the entity definition.
func ValidatePatch(e config.Entity, p domain.Patch) error {
	if p.IsEmpty() {
		return invalid("patch", "nothing to update")
	}
	for _, field := range e.Required {
		if clears(p, field) {
			return invalid(field, "is required")
		}
	}
	if p.Status != nil && !e.HasStatus(*p.Status) {
		return invalid("status", "%q is not one of %s", *p.Status, strings.Join(e.Statuses, ", "))
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return invalid("priority", "%q is not a known priority", *p.Priority)
	}
	if p.Category != nil && *p.Category != "" && !e.HasCategory(*p.Category) {
		return invalid("category", "%q is not one of %s", *p.Category, strings.Join(e.Categories, ", "))
	}
	return validMetrics(p.Metrics)
}

func validMetrics(metrics map[string]float64) error {
	for name, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("metric:"+name, "must be a finite number")
		}
	}
	return nil
}

func present(rec domain.Record, field string) bool {
	switch field {
	case "name":
		return strings.TrimSpace(rec.Name) != ""
	case "code":
		return strings.TrimSpace(rec.Code) != ""
	case "description":
		return strings.TrimSpace(rec.Description) != ""
	case "category":
		return strings.TrimSpace(rec.Category) != ""
	case "priority":
		return rec.Priority != ""
	}
	if key, ok := strings.CutPrefix(field, "attr:"); ok {
		return strings.TrimSpace(rec.Attribute(key)) != ""
	}
	if key, ok := strings.CutPrefix(field, "metric:"); ok {
		_, set := rec.Metrics[key]
		return set
	}
	return true
}

// clears reports whether the patch would blank a required field.
func clears(p domain.Patch, field string) bool {
	blank := func(s *string) bool { return s != nil && strings.TrimSpace(*s) == "" }
	switch field {
	case "name":
		return blank(p.Name)
	case "code":
		return blank(p.Code)
	case "description":
		return blank(p.Description)
	case "category":
		return blank(p.Category)
	case "priority":
		return p.Priority != nil && *p.Priority == ""
	}
	if key, ok := strings.CutPrefix(field, "attr:"); ok {
		v, set := p.Attributes[key]
		return set && strings.TrimSpace(v) == ""
	}
	return false
}
