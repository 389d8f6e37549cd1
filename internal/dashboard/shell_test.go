package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
	"opsdeck/internal/memstore"
	"opsdeck/internal/metrics"
)

// flakyGateway counts calls per operation and fails those named in fail.
type flakyGateway struct {
	next gateway.Gateway

	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFlaky(next gateway.Gateway) *flakyGateway {
	return &flakyGateway{next: next, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *flakyGateway) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *flakyGateway) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *flakyGateway) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyGateway) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	if err := f.hit("create"); err != nil {
		return domain.Record{}, err
	}
	return f.next.Create(ctx, rec)
}

func (f *flakyGateway) Update(ctx context.Context, id string, p domain.Patch) (domain.Record, error) {
	if err := f.hit("update"); err != nil {
		return domain.Record{}, err
	}
	return f.next.Update(ctx, id, p)
}

func (f *flakyGateway) SoftDelete(ctx context.Context, id string) error {
	if err := f.hit("delete"); err != nil {
		return err
	}
	return f.next.SoftDelete(ctx, id)
}

func (f *flakyGateway) List(ctx context.Context, scope gateway.Scope) ([]domain.Record, error) {
	if err := f.hit("list:" + scope.Kind); err != nil {
		return nil, err
	}
	return f.next.List(ctx, scope)
}

func newTestShell(t *testing.T, name string) (*Shell, *flakyGateway, *memstore.Store) {
	t.Helper()
	cfg := config.Default()
	store := memstore.New(cfg.DefaultStatus)
	tick := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	store.Now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	gw := newFlaky(store)
	s, err := New(cfg, name, gw, Options{
		Owner:   "u1",
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(),
		Now:     func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return s, gw, store
}

func seedWorkOrders(t *testing.T, s *Shell) []domain.Record {
	t.Helper()
	ctx := context.Background()
	var out []domain.Record
	for _, st := range []string{"scheduled", "in_progress", "completed"} {
		rec, err := s.Create(ctx, domain.Record{Kind: "work_order", Name: "WO " + st, Status: st})
		require.NoError(t, err)
		out = append(out, rec)
	}
	s.DismissNotifications()
	return out
}

func TestNewUnknownDashboard(t *testing.T) {
	_, err := New(config.Default(), "nope", memstore.New(nil), Options{Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrUnknownDashboard)
}

func TestTabs(t *testing.T) {
	s, _, _ := newTestShell(t, "maintenance")
	assert.Equal(t, "Maintenance Management", s.Title())
	assert.Equal(t, "work_order", s.ActiveTab())
	tabs := s.Tabs()
	require.Len(t, tabs, 2)
	assert.Equal(t, "asset", tabs[1].Kind)
	assert.Equal(t, "Assets", tabs[1].Label)

	require.NoError(t, s.SelectTab("asset"))
	assert.Equal(t, "asset", s.ActiveTab())
	var verr *ValidationError
	assert.ErrorAs(t, s.SelectTab("project"), &verr)
}

func TestWorkOrderScenarioThroughShell(t *testing.T) {
	s, _, _ := newTestShell(t, "maintenance")
	seedWorkOrders(t, s)

	require.NoError(t, s.SetStatusFilter("in_progress"))
	v := s.View()
	require.Len(t, v.Records, 1)
	assert.Equal(t, "WO in_progress", v.Records[0].Name)
	assert.Equal(t, 3, v.Stats.Total)
	assert.Equal(t, 1, v.Stats.ByStatus["scheduled"])
	assert.Equal(t, 1, v.Stats.ByStatus["in_progress"])
	assert.Equal(t, 1, v.Stats.ByStatus["completed"])

	require.NoError(t, s.SetStatusFilter("all"))
	assert.Len(t, s.View().Records, 3)

	var verr *ValidationError
	require.ErrorAs(t, s.SetStatusFilter("archived"), &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestFiltersArePerTab(t *testing.T) {
	s, _, _ := newTestShell(t, "maintenance")
	s.SetSearch("pump")
	s.SetFlag("overdue", true)
	require.NoError(t, s.SelectTab("asset"))
	assert.Equal(t, "", s.Filters().SearchText)
	require.NoError(t, s.SelectTab("work_order"))
	f := s.Filters()
	assert.Equal(t, "pump", f.SearchText)
	assert.Equal(t, map[string]bool{"overdue": true}, f.Flags)

	f.Flags["overdue"] = false
	assert.True(t, s.Filters().Flags["overdue"], "Filters returns a copy")

	s.ClearFlags()
	assert.Empty(t, s.Filters().Flags)
}

func TestValidationFailureSkipsGateway(t *testing.T) {
	s, gw, _ := newTestShell(t, "projects")
	_, err := s.Create(context.Background(), domain.Record{Kind: "project", Name: "Website"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code", verr.Field)
	assert.Zero(t, gw.count("create"))

	notes := s.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, LevelError, notes[0].Level)
}

func TestCreateClosesOverlayAndRefreshes(t *testing.T) {
	s, gw, _ := newTestShell(t, "projects")
	require.NoError(t, s.Open(Creating{Kind: "project"}))

	rec, err := s.Create(context.Background(), domain.Record{Name: "Website", Code: "WEB"})
	require.NoError(t, err)
	assert.Equal(t, "project", rec.Kind)
	assert.Equal(t, "u1", rec.OwnerID)
	assert.Equal(t, "planning", rec.Status)

	assert.Equal(t, None{}, s.Overlay())
	assert.Equal(t, 1, gw.count("list:project"))
	assert.Len(t, s.Snapshot("project"), 1)
	notes := s.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, LevelSuccess, notes[0].Level)
}

func TestFailedCreateKeepsSnapshotAndOverlay(t *testing.T) {
	s, gw, _ := newTestShell(t, "maintenance")
	seedWorkOrders(t, s)
	before := s.Snapshot("work_order")
	require.NoError(t, s.Open(Creating{Kind: "work_order"}))

	gw.failOn("create", errors.New("connection refused"))
	_, err := s.Create(context.Background(), domain.Record{Kind: "work_order", Name: "Belt"})
	require.Error(t, err)

	assert.Equal(t, before, s.Snapshot("work_order"))
	assert.Equal(t, Creating{Kind: "work_order"}, s.Overlay())
	notes := s.Notifications()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "connection refused")
}

func TestRefreshKeepsLastKnownGood(t *testing.T) {
	s, gw, store := newTestShell(t, "maintenance")
	ctx := context.Background()
	seedWorkOrders(t, s)
	_, err := store.Create(ctx, domain.Record{Kind: "asset", OwnerID: "u1", Name: "Chiller", Code: "A1"})
	require.NoError(t, err)

	gw.failOn("list:work_order", errors.New("store offline"))
	err = s.Refresh(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh work_order")

	assert.Len(t, s.Snapshot("work_order"), 3, "failed tab keeps its snapshot")
	assert.Len(t, s.Snapshot("asset"), 1, "healthy tab is refreshed")

	gw.failOn("list:work_order", nil)
	require.NoError(t, s.Refresh(ctx))
}

func TestUpdate(t *testing.T) {
	s, _, _ := newTestShell(t, "maintenance")
	ctx := context.Background()
	orders := seedWorkOrders(t, s)
	require.NoError(t, s.Open(Editing{ID: orders[0].ID}))

	status := "completed"
	hours := map[string]float64{"actual_hours": 3}
	updated, err := s.Update(ctx, orders[0].ID, domain.Patch{Status: &status, Metrics: hours})
	require.NoError(t, err)
	assert.Equal(t, "completed", updated.Status)
	assert.Equal(t, None{}, s.Overlay())
	assert.Equal(t, 2, s.View().Stats.ByStatus["completed"])

	bad := "done"
	_, err = s.Update(ctx, orders[0].ID, domain.Patch{Status: &bad})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = s.Update(ctx, "unknown", domain.Patch{Status: &status})
	assert.ErrorAs(t, err, &verr)
}

func TestUpdateConflictNotifies(t *testing.T) {
	s, _, store := newTestShell(t, "maintenance")
	ctx := context.Background()
	orders := seedWorkOrders(t, s)

	other := "renamed elsewhere"
	_, err := store.Update(ctx, orders[0].ID, domain.Patch{Name: &other})
	require.NoError(t, err)

	name := "mine"
	v := orders[0].Version
	_, err = s.Update(ctx, orders[0].ID, domain.Patch{Name: &name, ExpectedVersion: &v})
	assert.ErrorIs(t, err, gateway.ErrConflict)
	notes := s.Notifications()
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[len(notes)-1].Message, "changed by someone else")
}

func TestDeleteNeedsConfirmation(t *testing.T) {
	s, gw, _ := newTestShell(t, "maintenance")
	ctx := context.Background()
	orders := seedWorkOrders(t, s)

	assert.ErrorIs(t, s.Confirm(ctx), ErrNothingToConfirm)

	require.NoError(t, s.RequestDelete(orders[1].ID))
	assert.Equal(t, Confirming{Action: ActionDelete, ID: orders[1].ID}, s.Overlay())
	assert.Zero(t, gw.count("delete"))

	require.NoError(t, s.Confirm(ctx))
	assert.Equal(t, None{}, s.Overlay())
	for _, r := range s.Snapshot("work_order") {
		assert.NotEqual(t, orders[1].ID, r.ID)
	}
	assert.Len(t, s.Snapshot("work_order"), 2)
}

func TestFailedDeleteKeepsDialog(t *testing.T) {
	s, gw, _ := newTestShell(t, "maintenance")
	orders := seedWorkOrders(t, s)
	require.NoError(t, s.RequestDelete(orders[0].ID))
	gw.failOn("delete", errors.New("timeout"))

	require.Error(t, s.Confirm(context.Background()))
	assert.Equal(t, Confirming{Action: ActionDelete, ID: orders[0].ID}, s.Overlay())
	assert.Len(t, s.Snapshot("work_order"), 3)
}

func TestOnlyOneOverlay(t *testing.T) {
	s, _, _ := newTestShell(t, "integrations")
	require.NoError(t, s.Open(Creating{Kind: "webhook"}))
	assert.ErrorIs(t, s.Open(Editing{ID: "x"}), ErrOverlayOpen)
	s.Close()
	require.NoError(t, s.Open(Editing{ID: "x"}))
	assert.Equal(t, "editing", s.Overlay().Name())
}

func TestNotificationsAreCapped(t *testing.T) {
	s, _, _ := newTestShell(t, "integrations")
	for i := 0; i < maxNotifications+10; i++ {
		s.notify(LevelInfo, "note %d", i)
	}
	notes := s.Notifications()
	assert.Len(t, notes, maxNotifications)
	assert.Equal(t, "note 59", notes[len(notes)-1].Message)
}
