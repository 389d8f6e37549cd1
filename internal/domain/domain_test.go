package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Greater(t, PriorityLow.Rank(), Priority("").Rank())
	assert.Equal(t, 0, Priority("urgent").Rank())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, Priority(""), p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestPatchApplyLeavesUnsetFields(t *testing.T) {
	orig := Record{
		ID:      "r1",
		Name:    "Pump A",
		Status:  "scheduled",
		Metrics: map[string]float64{"budget": 100, "spent": 20},
		Flags:   map[string]bool{"overdue": false},
	}
	status := "in_progress"
	out := Patch{
		Status:  &status,
		Metrics: map[string]float64{"spent": 45},
		Flags:   map[string]bool{"overdue": true},
	}.Apply(orig)

	assert.Equal(t, "Pump A", out.Name)
	assert.Equal(t, "in_progress", out.Status)
	assert.Equal(t, 100.0, out.Metrics["budget"])
	assert.Equal(t, 45.0, out.Metrics["spent"])
	assert.True(t, out.Flags["overdue"])

	// the input is untouched
	assert.Equal(t, "scheduled", orig.Status)
	assert.Equal(t, 20.0, orig.Metrics["spent"])
	assert.False(t, orig.Flags["overdue"])
}

func TestPatchIsEmpty(t *testing.T) {
	assert.True(t, Patch{}.IsEmpty())
	v := 3
	assert.True(t, Patch{ExpectedVersion: &v}.IsEmpty())
	name := "x"
	assert.False(t, Patch{Name: &name}.IsEmpty())
	assert.False(t, Patch{Attributes: map[string]string{"a": "b"}}.IsEmpty())
}

func TestCloneDoesNotShareMaps(t *testing.T) {
	deleted := "2024-01-01T00:00:00.000000Z"
	r := Record{Metrics: map[string]float64{"a": 1}, DeletedAt: &deleted}
	c := r.Clone()
	c.Metrics["a"] = 2
	*c.DeletedAt = "x"
	assert.Equal(t, 1.0, r.Metrics["a"])
	assert.Equal(t, deleted, *r.DeletedAt)
	assert.True(t, r.Deleted())
}
