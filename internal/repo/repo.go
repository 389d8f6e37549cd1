package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"opsdeck/internal/domain"
	"opsdeck/internal/events"
	"opsdeck/internal/gateway"
)

// Repo is the SQLite record store. It satisfies gateway.Gateway.
type Repo struct {
	DB            *sql.DB
	Now           func() time.Time
	DefaultStatus func(kind string) string
}

var ErrNotFound = gateway.ErrNotFound

const recordColumns = `id,kind,owner_id,name,code,description,status,priority,category,metrics_json,flags_json,attributes_json,version,created_at,updated_at,deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.Record, error) {
	var rec domain.Record
	var code, description, priority, category, metrics, flags, attributes, deletedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.Kind, &rec.OwnerID, &rec.Name, &code, &description, &rec.Status, &priority, &category,
		&metrics, &flags, &attributes, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Code = code.String
	rec.Description = description.String
	rec.Priority = domain.Priority(priority.String)
	rec.Category = category.String
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.String
	}
	if err := decodeJSON(metrics, &rec.Metrics); err != nil {
		return rec, fmt.Errorf("record %s metrics: %w", rec.ID, err)
	}
	if err := decodeJSON(flags, &rec.Flags); err != nil {
		return rec, fmt.Errorf("record %s flags: %w", rec.ID, err)
	}
	if err := decodeJSON(attributes, &rec.Attributes); err != nil {
		return rec, fmt.Errorf("record %s attributes: %w", rec.ID, err)
	}
	return rec, nil
}

func (r Repo) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r Repo) events() events.Writer {
	return events.Writer{DB: r.DB, Now: r.Now}
}

// Create inserts rec and a record.created event.
func (r Repo) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	out := gateway.Prepare(rec, uuid.NewString(), domain.Now(r.now()), r.DefaultStatus)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	if err := r.InsertRecordTx(ctx, tx, out); err != nil {
		if isUniqueViolation(err) {
			return domain.Record{}, gateway.ErrDuplicateID
		}
		return domain.Record{}, err
	}
	if err := r.events().Append(ctx, tx, events.RecordCreated, out.OwnerID, out.Kind, out.ID, events.EventPayload{
		"name":   out.Name,
		"status": out.Status,
	}); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return out, nil
}

// Update applies patch to a live record. The write is guarded by the version
// that was read so a concurrent writer surfaces as ErrConflict.
func (r Repo) Update(ctx context.Context, id string, patch domain.Patch) (domain.Record, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	cur, err := r.GetRecordTx(ctx, tx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if cur.Deleted() {
		return domain.Record{}, ErrNotFound
	}
	if err := gateway.CheckVersion(patch, cur.Version); err != nil {
		return domain.Record{}, err
	}
	out := patch.Apply(cur)
	out.Version = cur.Version + 1
	out.UpdatedAt = domain.Now(r.now())
	if err := r.UpdateRecordTx(ctx, tx, out, cur.Version); err != nil {
		return domain.Record{}, err
	}
	payload := events.EventPayload{"version": out.Version}
	if patch.Status != nil && *patch.Status != cur.Status {
		payload["from_status"] = cur.Status
		payload["status"] = out.Status
	}
	if err := r.events().Append(ctx, tx, events.RecordUpdated, out.OwnerID, out.Kind, out.ID, payload); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return out, nil
}

// SoftDelete sets deleted_at; the row stays for auditing.
func (r Repo) SoftDelete(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cur, err := r.GetRecordTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if cur.Deleted() {
		return ErrNotFound
	}
	now := domain.Now(r.now())
	res, err := tx.ExecContext(ctx, `UPDATE records SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.events().Append(ctx, tx, events.RecordDeleted, cur.OwnerID, cur.Kind, cur.ID, events.EventPayload{"name": cur.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) List(ctx context.Context, scope gateway.Scope) ([]domain.Record, error) {
	return r.ListRecords(ctx, RecordFilters{OwnerID: scope.OwnerID, Kind: scope.Kind})
}

func (r Repo) InsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	metrics, flags, attributes, err := encodeMaps(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Kind, rec.OwnerID, rec.Name, nullable(rec.Code), nullable(rec.Description), rec.Status,
		nullable(string(rec.Priority)), nullable(rec.Category), metrics, flags, attributes,
		rec.Version, rec.CreatedAt, rec.UpdatedAt, nullableStringPtr(rec.DeletedAt))
	return err
}

// UpdateRecordTx writes rec if the stored version still equals expectedVersion.
func (r Repo) UpdateRecordTx(ctx context.Context, tx *sql.Tx, rec domain.Record, expectedVersion int) error {
	metrics, flags, attributes, err := encodeMaps(rec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE records SET name=?, code=?, description=?, status=?, priority=?, category=?, metrics_json=?, flags_json=?, attributes_json=?, version=?, updated_at=? WHERE id=? AND version=? AND deleted_at IS NULL`,
		rec.Name, nullable(rec.Code), nullable(rec.Description), rec.Status, nullable(string(rec.Priority)), nullable(rec.Category),
		metrics, flags, attributes, rec.Version, rec.UpdatedAt, rec.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: record %s changed concurrently", gateway.ErrConflict, rec.ID)
	}
	return nil
}

// Get returns a record by id, including soft-deleted ones.
func (r Repo) Get(ctx context.Context, id string) (domain.Record, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=?`, id))
}

func (r Repo) GetRecordTx(ctx context.Context, tx *sql.Tx, id string) (domain.Record, error) {
	return scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=?`, id))
}

type RecordFilters struct {
	OwnerID         string
	Kind            string
	Status          string
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListRecords returns records newest first.
func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.Record, error) {
	var clauses []string
	var args []any
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + recordColumns + ` FROM records ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountByStatus counts live records of kind per status.
func (r Repo) CountByStatus(ctx context.Context, ownerID, kind string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM records WHERE owner_id=? AND kind=? AND deleted_at IS NULL GROUP BY status`, ownerID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

type EventFilters struct {
	OwnerID    string
	Type       string
	EntityKind string
	EntityID   string
	// Cursor returns only events older than this id.
	Cursor int64
}

// LatestEvents returns up to limit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,owner_id,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. An empty ownerID matches every owner.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, ownerID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if ownerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, ownerID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,owner_id,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, 0 when there are none.
func (r Repo) LatestEventID(ctx context.Context, ownerID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var owner, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &owner, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		e.OwnerID = owner.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func encodeMaps(rec domain.Record) (metrics, flags, attributes any, err error) {
	if metrics, err = encodeJSON(rec.Metrics, len(rec.Metrics)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode metrics: %w", err)
	}
	if flags, err = encodeJSON(rec.Flags, len(rec.Flags)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode flags: %w", err)
	}
	if attributes, err = encodeJSON(rec.Attributes, len(rec.Attributes)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode attributes: %w", err)
	}
	return metrics, flags, attributes, nil
}

func encodeJSON(v any, n int) (any, error) {
	if n == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON[T any](s sql.NullString, dst *T) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
