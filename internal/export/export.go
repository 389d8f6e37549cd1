// Package export writes a dashboard view to CSV or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/view"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ParseFormat accepts csv or json; empty means csv.
func ParseFormat(s string) (string, error) {
	switch s {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// ContentType returns the MIME type for a format.
func ContentType(format string) string {
	if format == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// Filename is the suggested download name for kind.
func Filename(kind, format string, at time.Time) string {
	return fmt.Sprintf("%s-%s.%s", kind, at.UTC().Format("20060102-150405"), format)
}

// Header returns the CSV columns for an entity in their fixed order.
func Header(e config.Entity) []string {
	cols := []string{"id", "kind", "name", "code", "status", "priority", "category"}
	cols = append(cols, e.MetricColumns()...)
	return append(cols, "created_at", "updated_at")
}

// CSV writes one row per record. Metrics have fixed precision; percent
// metrics are clamped.
func CSV(w io.Writer, e config.Entity, records []domain.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(e)); err != nil {
		return err
	}
	metrics := e.MetricColumns()
	for _, r := range records {
		row := []string{r.ID, r.Kind, r.Name, r.Code, r.Status, string(r.Priority), r.Category}
		for _, m := range metrics {
			row = append(row, view.Format(metricValue(e, m, r.Metric(m)), view.Precision))
		}
		row = append(row, r.CreatedAt, r.UpdatedAt)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// StatsCSV writes label,value rows in summary order.
func StatsCSV(w io.Writer, s view.Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"label", "value"}); err != nil {
		return err
	}
	for _, c := range s.Cards {
		if err := cw.Write([]string{c.Label, c.Value}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func metricValue(e config.Entity, name string, v float64) float64 {
	if e.IsPercent(name) {
		return view.ClampPercent(v)
	}
	return v
}

// Report is the JSON export. Record metrics match the CSV columns and stats
// are rounded the way the summary cards show them.
type Report struct {
	Kind        string          `json:"kind"`
	GeneratedAt string          `json:"generated_at"`
	Filters     view.Filters    `json:"filters"`
	Records     []domain.Record `json:"records"`
	Summary     view.Summary    `json:"summary"`
	Stats       view.Stats      `json:"stats"`
}

// NewReport packages a built view for JSON export. v is not modified.
func NewReport(e config.Entity, v view.View[domain.Record], at time.Time) Report {
	records := make([]domain.Record, 0, len(v.Records))
	for _, r := range v.Records {
		r = r.Clone()
		for name, m := range r.Metrics {
			r.Metrics[name] = view.Round(metricValue(e, name, m), view.Precision)
		}
		records = append(records, r)
	}
	return Report{
		Kind:        v.Kind,
		GeneratedAt: domain.Now(at),
		Filters:     v.Filters,
		Records:     records,
		Summary:     v.Summary,
		Stats:       view.ForEntity(e).Rounded(v.Stats),
	}
}

func JSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Write renders v in format: CSV of the filtered records, or the JSON report.
func Write(w io.Writer, format string, e config.Entity, v view.View[domain.Record], at time.Time) error {
	switch format {
	case FormatJSON:
		return JSON(w, NewReport(e, v, at))
	case FormatCSV:
		return CSV(w, e, v.Records)
	}
	return fmt.Errorf("unsupported export format %q", format)
}
