package dashboard

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
)

func mustEntity(t *testing.T, kind string) config.Entity {
	t.Helper()
	e, ok := config.Default().Entity(kind)
	require.True(t, ok)
	return e
}

func TestValidate(t *testing.T) {
	webhook := mustEntity(t, "webhook")
	cases := []struct {
		name  string
		rec   domain.Record
		field string
	}{
		{"ok", domain.Record{Name: "Slack", Attributes: map[string]string{"url": "https://hooks"}}, ""},
		{"missing name", domain.Record{Name: "  ", Attributes: map[string]string{"url": "https://hooks"}}, "name"},
		{"missing attr", domain.Record{Name: "Slack"}, "attr:url"},
		{"bad status", domain.Record{Name: "Slack", Status: "dead", Attributes: map[string]string{"url": "u"}}, "status"},
		{"bad priority", domain.Record{Name: "Slack", Priority: "urgent", Attributes: map[string]string{"url": "u"}}, "priority"},
		{"nan metric", domain.Record{Name: "Slack", Attributes: map[string]string{"url": "u"}, Metrics: map[string]float64{"total_deliveries": math.NaN()}}, "metric:total_deliveries"},
		{"wrong kind", domain.Record{Kind: "asset", Name: "Slack", Attributes: map[string]string{"url": "u"}}, "kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(webhook, tc.rec)
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateCategory(t *testing.T) {
	issue := mustEntity(t, "issue")
	assert.NoError(t, Validate(issue, domain.Record{Name: "x", Category: "bug"}))
	assert.Error(t, Validate(issue, domain.Record{Name: "x", Category: "question"}))

	// entities without a category list accept anything
	project := mustEntity(t, "project")
	assert.NoError(t, Validate(project, domain.Record{Name: "x", Code: "X", Category: "anything"}))
}

func TestValidatePatch(t *testing.T) {
	project := mustEntity(t, "project")
	empty := ""
	active := "active"
	gone := "gone"
	urgent := domain.Priority("urgent")

	var verr *ValidationError
	require.ErrorAs(t, ValidatePatch(project, domain.Patch{}), &verr)
	assert.Equal(t, "patch", verr.Field)

	require.ErrorAs(t, ValidatePatch(project, domain.Patch{Code: &empty}), &verr)
	assert.Equal(t, "code", verr.Field)

	require.ErrorAs(t, ValidatePatch(project, domain.Patch{Status: &gone}), &verr)
	assert.Equal(t, "status", verr.Field)

	require.ErrorAs(t, ValidatePatch(project, domain.Patch{Priority: &urgent}), &verr)
	assert.Equal(t, "priority", verr.Field)

	assert.NoError(t, ValidatePatch(project, domain.Patch{Status: &active}))
	assert.NoError(t, ValidatePatch(project, domain.Patch{Description: &empty}))
}
