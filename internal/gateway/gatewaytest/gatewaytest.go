// Package gatewaytest is the behaviour every gateway.Gateway backend must share.
package gatewaytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
)

// Factory builds a fresh, empty backend. now must be used for timestamps, and
// kinds must get their default status from config.Default().
type Factory func(t *testing.T, now func() time.Time) gateway.Gateway

// Clock returns a time source that advances one second per call.
func Clock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

// Run exercises newGateway against the shared contract.
func Run(t *testing.T, newGateway Factory) {
	t.Run("CreateAssignsStoreFields", func(t *testing.T) { testCreate(t, newGateway(t, Clock())) })
	t.Run("CreateDuplicateID", func(t *testing.T) { testCreateDuplicateID(t, newGateway(t, Clock())) })
	t.Run("CreateUnknownKindDefaultStatus", func(t *testing.T) { testCreateFallbackStatus(t, newGateway(t, Clock())) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListOrder(t, newGateway(t, Clock())) })
	t.Run("ListScope", func(t *testing.T) { testListScope(t, newGateway(t, Clock())) })
	t.Run("UpdatePartial", func(t *testing.T) { testUpdatePartial(t, newGateway(t, Clock())) })
	t.Run("UpdateVersionCheck", func(t *testing.T) { testUpdateConflict(t, newGateway(t, Clock())) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newGateway(t, Clock())) })
	t.Run("SoftDeleteExcludesFromList", func(t *testing.T) { testSoftDelete(t, newGateway(t, Clock())) })
}

func workOrder(owner, name string) domain.Record {
	return domain.Record{
		Kind:     "work_order",
		OwnerID:  owner,
		Name:     name,
		Code:     "WO-" + name,
		Priority: domain.PriorityMedium,
		Category: "preventive",
		Metrics:  map[string]float64{"estimated_hours": 2.5},
		Flags:    map[string]bool{"overdue": false},
		Attributes: map[string]string{
			"assignee": "kim",
		},
	}
}

func testCreate(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	in := workOrder("owner-1", "pump")
	rec, err := gw.Create(ctx, in)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "scheduled", rec.Status)
	assert.Equal(t, 1, rec.Version)
	assert.NotEmpty(t, rec.CreatedAt)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)
	assert.False(t, rec.Deleted())
	assert.Equal(t, "pump", rec.Name)
	assert.Equal(t, 2.5, rec.Metric("estimated_hours"))
	assert.Equal(t, "kim", rec.Attribute("assignee"))

	in.Metrics["estimated_hours"] = 99
	list, err := gw.List(ctx, gateway.Scope{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
	assert.Equal(t, 2.5, list[0].Metric("estimated_hours"))

	explicit := workOrder("owner-1", "valve")
	explicit.Status = "in_progress"
	rec, err = gw.Create(ctx, explicit)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", rec.Status)
}

func testCreateDuplicateID(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	orig, err := gw.Create(ctx, workOrder("owner-1", "pump"))
	require.NoError(t, err)

	hijack := workOrder("owner-2", "hijack")
	hijack.ID = orig.ID
	_, err = gw.Create(ctx, hijack)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrConflict)

	same := workOrder("owner-1", "again")
	same.ID = orig.ID
	_, err = gw.Create(ctx, same)
	assert.ErrorIs(t, err, gateway.ErrConflict)

	list, err := gw.List(ctx, gateway.Scope{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, orig.ID, list[0].ID)
	assert.Equal(t, "pump", list[0].Name)
	assert.Equal(t, 1, list[0].Version)

	list, err = gw.List(ctx, gateway.Scope{OwnerID: "owner-2"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testCreateFallbackStatus(t *testing.T, gw gateway.Gateway) {
	rec, err := gw.Create(context.Background(), domain.Record{Kind: "unconfigured", OwnerID: "owner-1", Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultStatus, rec.Status)
}

func testListOrder(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	var created []string
	for _, name := range []string{"first", "second", "third"} {
		rec, err := gw.Create(ctx, workOrder("owner-1", name))
		require.NoError(t, err)
		created = append(created, rec.ID)
	}
	list, err := gw.List(ctx, gateway.Scope{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{created[2], created[1], created[0]}, ids(list))
}

func testListScope(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	_, err := gw.Create(ctx, workOrder("owner-1", "a"))
	require.NoError(t, err)
	_, err = gw.Create(ctx, workOrder("owner-2", "b"))
	require.NoError(t, err)
	asset := domain.Record{Kind: "asset", OwnerID: "owner-1", Name: "Chiller", Code: "AS-1"}
	_, err = gw.Create(ctx, asset)
	require.NoError(t, err)

	list, err := gw.List(ctx, gateway.Scope{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = gw.List(ctx, gateway.Scope{OwnerID: "owner-1", Kind: "asset"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Chiller", list[0].Name)
	assert.Equal(t, "operational", list[0].Status)

	list, err = gw.List(ctx, gateway.Scope{OwnerID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testUpdatePartial(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	rec, err := gw.Create(ctx, workOrder("owner-1", "pump"))
	require.NoError(t, err)

	status := "in_progress"
	updated, err := gw.Update(ctx, rec.ID, domain.Patch{
		Status:  &status,
		Metrics: map[string]float64{"actual_hours": 1},
		Flags:   map[string]bool{"overdue": true},
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, updated.ID)
	assert.Equal(t, "in_progress", updated.Status)
	assert.Equal(t, "pump", updated.Name)
	assert.Equal(t, "WO-pump", updated.Code)
	assert.Equal(t, domain.PriorityMedium, updated.Priority)
	assert.Equal(t, 2.5, updated.Metric("estimated_hours"))
	assert.Equal(t, 1.0, updated.Metric("actual_hours"))
	assert.True(t, updated.Flag("overdue"))
	assert.Equal(t, "kim", updated.Attribute("assignee"))
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, rec.CreatedAt, updated.CreatedAt)
	assert.Greater(t, updated.UpdatedAt, rec.UpdatedAt)

	list, err := gw.List(ctx, gateway.Scope{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "in_progress", list[0].Status)
	assert.Equal(t, 2, list[0].Version)
}

func testUpdateConflict(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	rec, err := gw.Create(ctx, workOrder("owner-1", "pump"))
	require.NoError(t, err)

	name := "pump A"
	stale := 7
	_, err = gw.Update(ctx, rec.ID, domain.Patch{Name: &name, ExpectedVersion: &stale})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrConflict)

	current := rec.Version
	updated, err := gw.Update(ctx, rec.ID, domain.Patch{Name: &name, ExpectedVersion: &current})
	require.NoError(t, err)
	assert.Equal(t, "pump A", updated.Name)

	_, err = gw.Update(ctx, rec.ID, domain.Patch{Name: &name, ExpectedVersion: &current})
	assert.ErrorIs(t, err, gateway.ErrConflict)

	// no expected version: last write wins
	last := "pump B"
	updated, err = gw.Update(ctx, rec.ID, domain.Patch{Name: &last})
	require.NoError(t, err)
	assert.Equal(t, "pump B", updated.Name)
	assert.Equal(t, 3, updated.Version)
}

func testUpdateMissing(t *testing.T, gw gateway.Gateway) {
	name := "x"
	_, err := gw.Update(context.Background(), "missingrecord01", domain.Patch{Name: &name})
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	assert.ErrorIs(t, gw.SoftDelete(context.Background(), "missingrecord01"), gateway.ErrNotFound)
}

func testSoftDelete(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	keep, err := gw.Create(ctx, workOrder("owner-1", "keep"))
	require.NoError(t, err)
	drop, err := gw.Create(ctx, workOrder("owner-1", "drop"))
	require.NoError(t, err)

	require.NoError(t, gw.SoftDelete(ctx, drop.ID))

	list, err := gw.List(ctx, gateway.Scope{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, ids(list))

	assert.ErrorIs(t, gw.SoftDelete(ctx, drop.ID), gateway.ErrNotFound)
	name := "revived"
	_, err = gw.Update(ctx, drop.ID, domain.Patch{Name: &name})
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func ids(records []domain.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
