// Package memstore is an in-memory gateway.Gateway for demos and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]domain.Record

	Now           func() time.Time
	DefaultStatus func(kind string) string
}

func New(defaultStatus func(kind string) string) *Store {
	return &Store{
		records:       map[string]domain.Record{},
		Now:           time.Now,
		DefaultStatus: defaultStatus,
	}
}

// Seed inserts records as-is, replacing any with the same id.
func (s *Store) Seed(records ...domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r.Clone()
	}
}

func (s *Store) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := gateway.Prepare(rec, uuid.NewString(), domain.Now(s.Now()), s.DefaultStatus)
	if _, taken := s.records[out.ID]; taken {
		return domain.Record{}, gateway.ErrDuplicateID
	}
	s.records[out.ID] = out
	return out.Clone(), nil
}

func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok || cur.Deleted() {
		return domain.Record{}, gateway.ErrNotFound
	}
	if err := gateway.CheckVersion(patch, cur.Version); err != nil {
		return domain.Record{}, err
	}
	out := patch.Apply(cur)
	out.Version = cur.Version + 1
	out.UpdatedAt = domain.Now(s.Now())
	s.records[id] = out
	return out.Clone(), nil
}

func (s *Store) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok || cur.Deleted() {
		return gateway.ErrNotFound
	}
	now := domain.Now(s.Now())
	cur.DeletedAt = &now
	cur.UpdatedAt = now
	s.records[id] = cur
	return nil
}

func (s *Store) List(ctx context.Context, scope gateway.Scope) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Deleted() {
			continue
		}
		if scope.OwnerID != "" && r.OwnerID != scope.OwnerID {
			continue
		}
		if scope.Kind != "" && r.Kind != scope.Kind {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
