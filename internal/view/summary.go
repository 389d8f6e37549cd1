package view

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimals shown for sums and averages.
const Precision = 2

// PercentPrecision is the number of decimals shown for rates and percent metrics.
const PercentPrecision = 1

type Card struct {
	Key     string  `json:"key"`
	Label   string  `json:"label"`
	Value   string  `json:"value"`
	Number  float64 `json:"number"`
	Percent bool    `json:"percent,omitempty"`
}

type Summary struct {
	Kind  string `json:"kind"`
	Cards []Card `json:"cards"`
}

// Card returns the card with key, if present.
func (s Summary) Card(key string) (Card, bool) {
	for _, c := range s.Cards {
		if c.Key == key {
			return c, true
		}
	}
	return Card{}, false
}

// Summarize turns stats into display cards: total, per status, sums, averages
// then rates. Rounding and clamping happen only here.
func (a Aggregator[T]) Summarize(st Stats) Summary {
	cards := make([]Card, 0, 1+len(a.Statuses)+len(a.Sums)+len(a.Averages)+len(a.Rates))
	cards = append(cards, countCard("total", "Total", st.Total))
	for _, s := range a.Statuses {
		cards = append(cards, countCard("status:"+s, humanize(s), st.ByStatus[s]))
	}
	if st.Unrecognized > 0 {
		cards = append(cards, countCard("status:unrecognized", "Other", st.Unrecognized))
	}
	for _, name := range a.Sums {
		cards = append(cards, a.metricCard("sum:"+name, "Total "+spaced(name), name, st.Sums[name]))
	}
	for _, name := range a.Averages {
		cards = append(cards, a.metricCard("avg:"+name, "Avg "+spaced(name), name, st.Averages[name]))
	}
	for _, r := range a.Rates {
		label := a.Labels[r.Name]
		if label == "" {
			label = humanize(r.Name)
		}
		cards = append(cards, percentCard("rate:"+r.Name, label, st.Rates[r.Name]))
	}
	return Summary{Kind: a.Kind, Cards: cards}
}

func (a Aggregator[T]) metricCard(key, label, metric string, v float64) Card {
	if a.isPercent(metric) {
		return percentCard(key, label, v)
	}
	return Card{Key: key, Label: label, Value: Format(v, Precision), Number: Round(v, Precision)}
}

// Rounded returns a copy of st with sums and averages at display precision and
// rates and percent metrics clamped, the way Summarize shows them.
func (a Aggregator[T]) Rounded(st Stats) Stats {
	out := st
	out.ByStatus = maps.Clone(st.ByStatus)
	out.ByPriority = maps.Clone(st.ByPriority)
	out.Sums = a.roundMetrics(st.Sums)
	out.Averages = a.roundMetrics(st.Averages)
	out.Rates = make(map[string]float64, len(st.Rates))
	for name, v := range st.Rates {
		out.Rates[name] = Round(ClampPercent(v), PercentPrecision)
	}
	return out
}

func (a Aggregator[T]) roundMetrics(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for name, v := range in {
		out[name] = a.roundMetric(name, v)
	}
	return out
}

func (a Aggregator[T]) roundMetric(name string, v float64) float64 {
	if a.isPercent(name) {
		return Round(ClampPercent(v), PercentPrecision)
	}
	return Round(v, Precision)
}

func (a Aggregator[T]) isPercent(metric string) bool {
	return slices.Contains(a.Percent, metric)
}

func countCard(key, label string, n int) Card {
	return Card{Key: key, Label: label, Value: strconv.Itoa(n), Number: float64(n)}
}

func percentCard(key, label string, v float64) Card {
	v = ClampPercent(v)
	return Card{
		Key:     key,
		Label:   label,
		Value:   Format(v, PercentPrecision) + "%",
		Number:  Round(v, PercentPrecision),
		Percent: true,
	}
}

// ClampPercent bounds v to [0, 100]. NaN becomes 0.
func ClampPercent(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Round rounds half away from zero to places decimals.
func Round(v float64, places int) float64 {
	return decimal.NewFromFloat(finite(v)).Round(int32(places)).InexactFloat64()
}

// Format renders v with exactly places decimals.
func Format(v float64, places int) string {
	return decimal.NewFromFloat(finite(v)).StringFixed(int32(places))
}

func spaced(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

func humanize(s string) string {
	s = spaced(s)
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 || r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
