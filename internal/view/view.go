// Package view derives what a dashboard tab renders from a record snapshot:
// the filtered list, status buckets and summary statistics. Everything here is
// pure and synchronous; inputs are never modified.
package view

import (
	"math"
	"sort"
	"strings"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
)

// All disables the status or category filter.
const All = "all"

// Accessors tells an Aggregator how to read a record. Nil accessors read as
// zero values, so a partially configured aggregator still works.
type Accessors[T any] struct {
	ID       func(T) string
	Status   func(T) string
	Category func(T) string
	Priority func(T) domain.Priority
	Text     []func(T) string
	Metric   func(T, string) float64
	Flag     func(T, string) bool
}

type Filters struct {
	SearchText string          `json:"search_text,omitempty"`
	Status     string          `json:"status,omitempty"`
	Category   string          `json:"category,omitempty"`
	Flags      map[string]bool `json:"flags,omitempty"`
}

// Aggregator is the single filter/group/stats implementation shared by every
// entity kind.
type Aggregator[T any] struct {
	Kind     string
	Access   Accessors[T]
	Statuses []string
	Sums     []string
	Averages []string
	Percent  []string
	Rates    []config.Rate
	Labels   map[string]string
}

type Groups[T any] struct {
	Order        []string       `json:"order"`
	Buckets      map[string][]T `json:"buckets"`
	Unrecognized int            `json:"unrecognized"`
}

type Stats struct {
	Total        int                `json:"total"`
	ByStatus     map[string]int     `json:"by_status"`
	Unrecognized int                `json:"unrecognized"`
	ByPriority   map[string]int     `json:"by_priority"`
	Sums         map[string]float64 `json:"sums"`
	Averages     map[string]float64 `json:"averages"`
	Rates        map[string]float64 `json:"rates"`
}

type View[T any] struct {
	Kind     string    `json:"kind"`
	Filters  Filters   `json:"filters"`
	Records  []T       `json:"records"`
	Groups   Groups[T] `json:"groups"`
	Stats    Stats     `json:"stats"`
	Filtered Stats     `json:"filtered"`
	Summary  Summary   `json:"summary"`
}

// Filter returns the records matching every predicate in f, in input order.
// The search text is a literal substring; only the empty string matches all.
func (a Aggregator[T]) Filter(records []T, f Filters) []T {
	needle := strings.ToLower(f.SearchText)
	out := make([]T, 0, len(records))
	for _, r := range records {
		if a.matches(r, needle, f) {
			out = append(out, r)
		}
	}
	return out
}

func (a Aggregator[T]) matches(r T, needle string, f Filters) bool {
	if f.Status != "" && f.Status != All && a.status(r) != f.Status {
		return false
	}
	if f.Category != "" && f.Category != All && a.category(r) != f.Category {
		return false
	}
	for name, want := range f.Flags {
		if a.flag(r, name) != want {
			return false
		}
	}
	if needle == "" {
		return true
	}
	for _, text := range a.Access.Text {
		if text == nil {
			continue
		}
		if strings.Contains(strings.ToLower(text(r)), needle) {
			return true
		}
	}
	return false
}

// Group buckets records by known status. Every known status is present even
// when empty; records in any other status are left out and counted.
func (a Aggregator[T]) Group(records []T) Groups[T] {
	g := Groups[T]{
		Order:   append([]string(nil), a.Statuses...),
		Buckets: make(map[string][]T, len(a.Statuses)),
	}
	for _, s := range a.Statuses {
		g.Buckets[s] = []T{}
	}
	for _, r := range records {
		s := a.status(r)
		bucket, ok := g.Buckets[s]
		if !ok {
			g.Unrecognized++
			continue
		}
		g.Buckets[s] = append(bucket, r)
	}
	return g
}

// Stats computes counts, sums, averages and rates at full precision.
func (a Aggregator[T]) Stats(records []T) Stats {
	st := Stats{
		Total:      len(records),
		ByStatus:   make(map[string]int, len(a.Statuses)),
		ByPriority: make(map[string]int, len(domain.Priorities)+1),
		Sums:       make(map[string]float64, len(a.Sums)),
		Averages:   make(map[string]float64, len(a.Averages)),
		Rates:      make(map[string]float64, len(a.Rates)),
	}
	for _, s := range a.Statuses {
		st.ByStatus[s] = 0
	}
	for _, p := range domain.Priorities {
		st.ByPriority[string(p)] = 0
	}
	st.ByPriority[PriorityUnset] = 0

	for _, r := range records {
		if _, ok := st.ByStatus[a.status(r)]; ok {
			st.ByStatus[a.status(r)]++
		} else {
			st.Unrecognized++
		}
		p := a.priority(r)
		if p.Rank() == 0 {
			st.ByPriority[PriorityUnset]++
		} else {
			st.ByPriority[string(p)]++
		}
	}
	for _, name := range a.Sums {
		st.Sums[name] = a.sum(records, name)
	}
	for _, name := range a.Averages {
		st.Averages[name] = Average(a.sum(records, name), len(records))
	}
	for _, rate := range a.Rates {
		num := a.term(records, rate.Numerator)
		den := float64(len(records))
		if !rate.Denominator.IsZero() {
			den = a.term(records, rate.Denominator)
		}
		st.Rates[rate.Name] = Ratio(num, den)
	}
	return st
}

// PriorityUnset is the ByPriority key for records without a known priority.
const PriorityUnset = "unset"

// Build produces everything a tab renders. Stats and Summary cover the whole
// snapshot; Filtered covers the filtered list.
func (a Aggregator[T]) Build(records []T, f Filters) View[T] {
	filtered := a.Filter(records, f)
	stats := a.Stats(records)
	return View[T]{
		Kind:     a.Kind,
		Filters:  f,
		Records:  filtered,
		Groups:   a.Group(filtered),
		Stats:    stats,
		Filtered: a.Stats(filtered),
		Summary:  a.Summarize(stats),
	}
}

// SortByPriority returns a copy ordered critical first. Ties keep input order.
func (a Aggregator[T]) SortByPriority(records []T) []T {
	out := append([]T(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		return a.priority(out[i]).Rank() > a.priority(out[j]).Rank()
	})
	return out
}

func (a Aggregator[T]) term(records []T, t config.Term) float64 {
	switch {
	case t.Metric != "":
		return a.sum(records, t.Metric)
	case len(t.Statuses) > 0:
		n := 0
		for _, r := range records {
			s := a.status(r)
			for _, want := range t.Statuses {
				if s == want {
					n++
					break
				}
			}
		}
		return float64(n)
	case t.Flag != "":
		n := 0
		for _, r := range records {
			if a.flag(r, t.Flag) {
				n++
			}
		}
		return float64(n)
	}
	return 0
}

func (a Aggregator[T]) sum(records []T, name string) float64 {
	total := 0.0
	for _, r := range records {
		total += a.metric(r, name)
	}
	return total
}

func (a Aggregator[T]) status(r T) string {
	if a.Access.Status == nil {
		return ""
	}
	return a.Access.Status(r)
}

func (a Aggregator[T]) category(r T) string {
	if a.Access.Category == nil {
		return ""
	}
	return a.Access.Category(r)
}

func (a Aggregator[T]) priority(r T) domain.Priority {
	if a.Access.Priority == nil {
		return ""
	}
	return a.Access.Priority(r)
}

func (a Aggregator[T]) flag(r T, name string) bool {
	if a.Access.Flag == nil {
		return false
	}
	return a.Access.Flag(r, name)
}

// metric reads a numeric field; missing, NaN and infinite values count as 0.
func (a Aggregator[T]) metric(r T, name string) float64 {
	if a.Access.Metric == nil {
		return 0
	}
	return finite(a.Access.Metric(r, name))
}

// Average is sum/count, 0 when count is 0.
func Average(sum float64, count int) float64 {
	if count <= 0 {
		return 0
	}
	return finite(sum / float64(count))
}

// Ratio is num/den*100, 0 when den is not positive.
func Ratio(num, den float64) float64 {
	if den <= 0 || !isFinite(den) {
		return 0
	}
	return finite(num / den * 100)
}

func finite(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ForEntity instantiates the aggregator for domain records of one configured kind.
func ForEntity(e config.Entity) Aggregator[domain.Record] {
	labels := map[string]string{}
	for _, r := range e.Rates {
		if r.Label != "" {
			labels[r.Name] = r.Label
		}
	}
	search := e.Search
	if len(search) == 0 {
		search = []string{"name", "code", "description"}
	}
	text := make([]func(domain.Record) string, 0, len(search))
	for _, field := range search {
		if fn := recordText(field); fn != nil {
			text = append(text, fn)
		}
	}
	return Aggregator[domain.Record]{
		Kind: e.Kind,
		Access: Accessors[domain.Record]{
			ID:       func(r domain.Record) string { return r.ID },
			Status:   func(r domain.Record) string { return r.Status },
			Category: func(r domain.Record) string { return r.Category },
			Priority: func(r domain.Record) domain.Priority { return r.Priority },
			Text:     text,
			Metric:   domain.Record.Metric,
			Flag:     domain.Record.Flag,
		},
		Statuses: e.Statuses,
		Sums:     e.Sums,
		Averages: e.Averages,
		Percent:  e.Percent,
		Rates:    e.Rates,
		Labels:   labels,
	}
}

func recordText(field string) func(domain.Record) string {
	switch field {
	case "name":
		return func(r domain.Record) string { return r.Name }
	case "code":
		return func(r domain.Record) string { return r.Code }
	case "description":
		return func(r domain.Record) string { return r.Description }
	case "category":
		return func(r domain.Record) string { return r.Category }
	case "status":
		return func(r domain.Record) string { return r.Status }
	case "priority":
		return func(r domain.Record) string { return string(r.Priority) }
	}
	if key, ok := strings.CutPrefix(field, "attr:"); ok && key != "" {
		return func(r domain.Record) string { return r.Attribute(key) }
	}
	return nil
}
