// Package dashboard holds the state of one dashboard session: tabs, filters,
// the open dialog, notifications and the last fetched snapshot per tab.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
	"opsdeck/internal/metrics"
	"opsdeck/internal/view"
)

var (
	ErrUnknownDashboard = errors.New("unknown dashboard")
	ErrOverlayOpen      = errors.New("another dialog is already open")
	ErrNothingToConfirm = errors.New("no action awaiting confirmation")
)

const maxNotifications = 50

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Tab struct {
	Kind   string `json:"kind"`
	Label  string `json:"label"`
	Count  int    `json:"count"`
	Loaded bool   `json:"loaded"`
}

type Options struct {
	Owner   string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	// Parallel bounds concurrent tab fetches during Refresh; 0 means one per tab.
	Parallel int
}

// Shell is safe for concurrent use. Gateway calls are made without holding
// the lock; a snapshot is only ever replaced whole.
type Shell struct {
	mu sync.Mutex

	name     string
	title    string
	tabs     []string
	entities map[string]config.Entity
	aggs     map[string]view.Aggregator[domain.Record]

	gw       gateway.Gateway
	owner    string
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	parallel int

	active    string
	filters   map[string]view.Filters
	snapshots map[string][]domain.Record
	loaded    map[string]bool
	overlay   Overlay
	notes     []Notification
}

// New opens dashboard name from cfg. The first tab is active.
func New(cfg *config.Config, name string, gw gateway.Gateway, opts Options) (*Shell, error) {
	d, ok := cfg.Dashboards[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDashboard, name)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Shell{
		name:      name,
		title:     d.Title,
		tabs:      append([]string(nil), d.Entities...),
		entities:  map[string]config.Entity{},
		aggs:      map[string]view.Aggregator[domain.Record]{},
		gw:        gw,
		owner:     opts.Owner,
		log:       opts.Logger.With().Str("component", "dashboard").Str("dashboard", name).Logger(),
		metrics:   opts.Metrics,
		now:       opts.Now,
		parallel:  opts.Parallel,
		filters:   map[string]view.Filters{},
		snapshots: map[string][]domain.Record{},
		loaded:    map[string]bool{},
		overlay:   None{},
	}
	for _, kind := range s.tabs {
		e, ok := cfg.Entity(kind)
		if !ok {
			return nil, fmt.Errorf("dashboard %s references unknown entity %s", name, kind)
		}
		s.entities[kind] = e
		s.aggs[kind] = view.ForEntity(e)
		s.filters[kind] = view.Filters{Status: view.All, Category: view.All}
	}
	if len(s.tabs) > 0 {
		s.active = s.tabs[0]
	}
	return s, nil
}

func (s *Shell) Name() string  { return s.name }
func (s *Shell) Title() string { return s.title }

func (s *Shell) Tabs() []Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tab, 0, len(s.tabs))
	for _, kind := range s.tabs {
		label := s.entities[kind].Label
		if label == "" {
			label = kind
		}
		out = append(out, Tab{Kind: kind, Label: label, Count: len(s.snapshots[kind]), Loaded: s.loaded[kind]})
	}
	return out
}

func (s *Shell) ActiveTab() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Shell) SelectTab(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[kind]; !ok {
		return &ValidationError{Field: "tab", Reason: fmt.Sprintf("%q is not a tab of %s", kind, s.name)}
	}
	s.active = kind
	return nil
}

// Entity returns the definition behind a tab.
func (s *Shell) Entity(kind string) (config.Entity, bool) {
	e, ok := s.entities[kind]
	return e, ok
}

func (s *Shell) Filters() view.Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneFilters(s.filters[s.active])
}

func (s *Shell) SetSearch(text string) {
	s.updateFilters(func(f *view.Filters) { f.SearchText = text })
}

// SetStatusFilter accepts "all" or one of the active tab's statuses.
func (s *Shell) SetStatusFilter(status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == "" {
		status = view.All
	}
	if status != view.All && !s.entities[s.active].HasStatus(status) {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a status of %s", status, s.active)}
	}
	f := s.filters[s.active]
	f.Status = status
	s.filters[s.active] = f
	return nil
}

func (s *Shell) SetCategory(category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if category == "" {
		category = view.All
	}
	if category != view.All && !s.entities[s.active].HasCategory(category) {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("%q is not a category of %s", category, s.active)}
	}
	f := s.filters[s.active]
	f.Category = category
	s.filters[s.active] = f
	return nil
}

func (s *Shell) SetFlag(name string, want bool) {
	s.updateFilters(func(f *view.Filters) {
		flags := make(map[string]bool, len(f.Flags)+1)
		for k, v := range f.Flags {
			flags[k] = v
		}
		flags[name] = want
		f.Flags = flags
	})
}

func (s *Shell) ClearFlags() {
	s.updateFilters(func(f *view.Filters) { f.Flags = nil })
}

func (s *Shell) updateFilters(fn func(*view.Filters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := cloneFilters(s.filters[s.active])
	fn(&f)
	s.filters[s.active] = f
}

func (s *Shell) Overlay() Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlay
}

// Open shows o. Only one dialog can be open; close the current one first.
func (s *Shell) Open(o Overlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = None{}
	}
	if !isNone(s.overlay) && !isNone(o) {
		return fmt.Errorf("%w: %s", ErrOverlayOpen, s.overlay.Name())
	}
	s.overlay = o
	return nil
}

func (s *Shell) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = None{}
}

// View computes the active tab's view from its snapshot and filters.
func (s *Shell) View() view.View[domain.Record] {
	s.mu.Lock()
	kind := s.active
	s.mu.Unlock()
	return s.ViewOf(kind)
}

func (s *Shell) ViewOf(kind string) view.View[domain.Record] {
	s.mu.Lock()
	agg := s.aggs[kind]
	records := s.snapshots[kind]
	f := cloneFilters(s.filters[kind])
	s.mu.Unlock()

	s.metrics.RecordViewBuild(kind)
	return agg.Build(records, f)
}

// Snapshot returns a copy of the last fetched records for kind.
func (s *Shell) Snapshot(kind string) []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.snapshots[kind]
	out := make([]domain.Record, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out
}

func (s *Shell) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notes...)
}

func (s *Shell) DismissNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = nil
}

func (s *Shell) notify(level Level, format string, args ...any) {
	n := Notification{Level: level, Message: fmt.Sprintf(format, args...), At: s.now()}
	s.mu.Lock()
	s.notes = append(s.notes, n)
	if len(s.notes) > maxNotifications {
		s.notes = s.notes[len(s.notes)-maxNotifications:]
	}
	s.mu.Unlock()
	s.metrics.RecordNotification(string(level))
}

// Refresh re-fetches every tab concurrently. A tab whose fetch fails keeps
// its previous snapshot; the joined error names each failed tab.
func (s *Shell) Refresh(ctx context.Context) error {
	results := make([][]domain.Record, len(s.tabs))
	errs := make([]error, len(s.tabs))

	var g errgroup.Group
	if s.parallel > 0 {
		g.SetLimit(s.parallel)
	}
	for i, kind := range s.tabs {
		g.Go(func() error {
			records, err := s.gw.List(ctx, gateway.Scope{OwnerID: s.owner, Kind: kind})
			if err != nil {
				errs[i] = fmt.Errorf("refresh %s: %w", kind, err)
				return errs[i]
			}
			results[i] = records
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for i, kind := range s.tabs {
		if errs[i] == nil {
			s.snapshots[kind] = results[i]
			s.loaded[kind] = true
		}
	}
	s.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn().Err(err).Msg("refresh failed")
		s.notify(LevelError, "Failed to refresh: %v", err)
	}
	return err
}

// RefreshTab re-fetches one tab, keeping the old snapshot on failure.
func (s *Shell) RefreshTab(ctx context.Context, kind string) error {
	records, err := s.gw.List(ctx, gateway.Scope{OwnerID: s.owner, Kind: kind})
	if err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("refresh failed")
		s.notify(LevelError, "Failed to refresh %s: %v", s.label(kind), err)
		return err
	}
	s.mu.Lock()
	s.snapshots[kind] = records
	s.loaded[kind] = true
	s.mu.Unlock()
	return nil
}

// Create validates rec, stores it and re-fetches its tab. An empty Kind means
// the active tab.
func (s *Shell) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	if rec.Kind == "" {
		rec.Kind = s.ActiveTab()
	}
	e, ok := s.entities[rec.Kind]
	if !ok {
		err := &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not a tab of %s", rec.Kind, s.name)}
		s.notify(LevelError, "Cannot create record: %v", err)
		return domain.Record{}, err
	}
	rec.OwnerID = s.owner
	if err := Validate(e, rec); err != nil {
		s.notify(LevelError, "Cannot create %s: %v", s.label(rec.Kind), err)
		return domain.Record{}, err
	}
	created, err := s.gw.Create(ctx, rec)
	if err != nil {
		s.log.Error().Err(err).Str("kind", rec.Kind).Msg("create failed")
		s.notify(LevelError, "Failed to create %s: %v", s.label(rec.Kind), err)
		return domain.Record{}, err
	}
	s.log.Info().Str("kind", created.Kind).Str("id", created.ID).Msg("record created")
	s.notify(LevelSuccess, "%s %q created", s.label(created.Kind), created.Name)
	s.Close()
	_ = s.RefreshTab(ctx, created.Kind)
	return created, nil
}

// Update validates and applies patch to a record in the current snapshot.
func (s *Shell) Update(ctx context.Context, id string, patch domain.Patch) (domain.Record, error) {
	cur, ok := s.find(id)
	if !ok {
		err := &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not in the current view", id)}
		s.notify(LevelError, "Cannot update record: %v", err)
		return domain.Record{}, err
	}
	if err := ValidatePatch(s.entities[cur.Kind], patch); err != nil {
		s.notify(LevelError, "Cannot update %s: %v", s.label(cur.Kind), err)
		return domain.Record{}, err
	}
	updated, err := s.gw.Update(ctx, id, patch)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("update failed")
		if gateway.IsConflict(err) {
			s.notify(LevelError, "%s %q was changed by someone else; refresh and retry", s.label(cur.Kind), cur.Name)
		} else {
			s.notify(LevelError, "Failed to update %s: %v", s.label(cur.Kind), err)
		}
		return domain.Record{}, err
	}
	s.log.Info().Str("kind", updated.Kind).Str("id", id).Int("version", updated.Version).Msg("record updated")
	s.notify(LevelSuccess, "%s %q updated", s.label(updated.Kind), updated.Name)
	s.Close()
	_ = s.RefreshTab(ctx, updated.Kind)
	return updated, nil
}

// RequestDelete opens the delete confirmation for id.
func (s *Shell) RequestDelete(id string) error {
	if _, ok := s.find(id); !ok {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not in the current view", id)}
	}
	return s.Open(Confirming{Action: ActionDelete, ID: id})
}

// Confirm performs the action awaiting confirmation.
func (s *Shell) Confirm(ctx context.Context) error {
	c, ok := s.Overlay().(Confirming)
	if !ok {
		return ErrNothingToConfirm
	}
	switch c.Action {
	case ActionDelete:
		return s.delete(ctx, c.ID)
	default:
		return fmt.Errorf("unsupported action %q", c.Action)
	}
}

func (s *Shell) delete(ctx context.Context, id string) error {
	cur, ok := s.find(id)
	if !ok {
		s.Close()
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not in the current view", id)}
	}
	if err := s.gw.SoftDelete(ctx, id); err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("delete failed")
		s.notify(LevelError, "Failed to delete %s: %v", s.label(cur.Kind), err)
		return err
	}
	s.log.Info().Str("kind", cur.Kind).Str("id", id).Msg("record deleted")
	s.notify(LevelSuccess, "%s %q deleted", s.label(cur.Kind), cur.Name)
	s.Close()
	_ = s.RefreshTab(ctx, cur.Kind)
	return nil
}

func (s *Shell) find(id string) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range s.tabs {
		for _, r := range s.snapshots[kind] {
			if r.ID == id {
				return r, true
			}
		}
	}
	return domain.Record{}, false
}

func (s *Shell) label(kind string) string {
	return strings.ReplaceAll(kind, "_", " ")
}

func cloneFilters(f view.Filters) view.Filters {
	if f.Flags != nil {
		flags := make(map[string]bool, len(f.Flags))
		for k, v := range f.Flags {
			flags[k] = v
		}
		f.Flags = flags
	}
	return f
}
