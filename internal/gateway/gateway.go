// Package gateway defines the record store boundary used by the dashboards.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"opsdeck/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record version conflict")
	// ErrDuplicateID is returned by Create when the id is taken, by any owner
	// and whether or not that record is deleted.
	ErrDuplicateID = fmt.Errorf("%w: record id already in use", ErrConflict)
)

// Scope limits List to one owner and, optionally, one kind.
type Scope struct {
	OwnerID string
	Kind    string
}

// Gateway performs CRUD against a table store. Implementations neither cache
// nor retry; callers re-list after every successful write.
type Gateway interface {
	Create(ctx context.Context, rec domain.Record) (domain.Record, error)
	Update(ctx context.Context, id string, patch domain.Patch) (domain.Record, error)
	SoftDelete(ctx context.Context, id string) error
	List(ctx context.Context, scope Scope) ([]domain.Record, error)
}

// Error tags a store failure with the operation and backend that produced it.
type Error struct {
	Op      string
	Backend string
	ID      string
	Err     error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is, or wraps, ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// CheckVersion returns ErrConflict when the patch expects a different version.
func CheckVersion(patch domain.Patch, current int) error {
	if patch.ExpectedVersion != nil && *patch.ExpectedVersion != current {
		return fmt.Errorf("%w: expected version %d, stored version %d", ErrConflict, *patch.ExpectedVersion, current)
	}
	return nil
}

// Prepare fills the fields a store assigns on create.
func Prepare(rec domain.Record, id, now string, defaultStatus func(kind string) string) domain.Record {
	out := rec.Clone()
	if out.ID == "" {
		out.ID = id
	}
	if out.Status == "" && defaultStatus != nil {
		out.Status = defaultStatus(out.Kind)
	}
	if out.Status == "" {
		out.Status = domain.DefaultStatus
	}
	out.Version = 1
	out.CreatedAt = now
	out.UpdatedAt = now
	out.DeletedAt = nil
	return out
}
