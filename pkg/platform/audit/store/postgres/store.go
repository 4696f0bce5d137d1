package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"phiguard/pkg/domain"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/platform/sentinel"
	txcontext "phiguard/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const selectColumns = `
	id, timestamp, actor_user_id, actor_role, actor_ip_hash, actor_session_id,
	action, resource_type, resource_id, resource_patient_id, phi_accessed,
	outcome, denial_reason, fields_accessed, changes, metadata`

const insertEntry = `
	INSERT INTO audit_entries (` + selectColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// Store implements audit.Store on PostgreSQL. Rows are insert-only; the only
// mutation is DeleteOlderThan, reserved for retention.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the audit table and its indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts a single entry.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	if err := s.insert(ctx, s.execer(ctx), entry); err != nil {
		return err
	}
	return nil
}

// AppendBatch inserts all entries in one transaction. Either every entry is
// persisted or none is.
func (s *Store) AppendBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return txcontext.Run(ctx, s.db, func(txCtx context.Context) error {
		exec := s.execer(txCtx)
		for _, e := range entries {
			if err := s.insert(txCtx, exec, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) insert(ctx context.Context, exec dbExecutor, e audit.Entry) error {
	fields, err := marshalNullable(e.FieldsAccessed, len(e.FieldsAccessed) == 0)
	if err != nil {
		return fmt.Errorf("marshal fields accessed: %w", err)
	}
	changes, err := marshalNullable(e.Changes, len(e.Changes) == 0)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	metadata, err := marshalNullable(e.Metadata, len(e.Metadata) == 0)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = exec.ExecContext(ctx, insertEntry,
		e.ID,
		e.Timestamp,
		e.Actor.UserID,
		string(e.Actor.Role),
		e.Actor.IPHash,
		e.Actor.SessionID,
		string(e.Action),
		string(e.Resource.Type),
		e.Resource.ID,
		e.Resource.PatientID,
		e.PHIAccessed,
		string(e.Outcome),
		e.DenialReason,
		fields,
		changes,
		metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("audit entry %s: %w", e.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns the requested page of matching entries and the total match count.
func (s *Store) Query(ctx context.Context, filter audit.Filter, page audit.Page) ([]audit.Entry, int, error) {
	where, args := buildWhere(filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_entries" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	if total == 0 || page.Offset >= total {
		return []audit.Entry{}, total, nil
	}

	dir := "DESC"
	if page.Order == audit.SortAsc {
		dir = "ASC"
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectColumns)
	sb.WriteString(" FROM audit_entries")
	sb.WriteString(where)
	fmt.Fprintf(&sb, " ORDER BY timestamp %s, id %s", dir, dir)
	if page.Limit > 0 {
		args = append(args, page.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DeleteOlderThan removes entries with a timestamp strictly before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM audit_entries WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: rows affected: %w", err)
	}
	return n, nil
}

func buildWhere(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("actor_user_id = $%d", f.UserID)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", pq.Array(actions))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", string(f.ResourceType))
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.PatientID != "" {
		add("resource_patient_id = $%d", f.PatientID)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.StartTime.IsZero() {
		add("timestamp >= $%d", f.StartTime)
	}
	if !f.EndTime.IsZero() {
		add("timestamp <= $%d", f.EndTime)
	}
	if !f.Before.IsZero() {
		add("timestamp < $%d", f.Before)
	}
	if f.PHIOnly {
		conds = append(conds, "phi_accessed")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	entries := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e                         audit.Entry
			role, action, rtype       string
			outcome                   string
			fields, changes, metadata []byte
		)
		err := rows.Scan(
			&e.ID,
			&e.Timestamp,
			&e.Actor.UserID,
			&role,
			&e.Actor.IPHash,
			&e.Actor.SessionID,
			&action,
			&rtype,
			&e.Resource.ID,
			&e.Resource.PatientID,
			&e.PHIAccessed,
			&outcome,
			&e.DenialReason,
			&fields,
			&changes,
			&metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Actor.Role = domain.Role(role)
		e.Action = domain.Action(action)
		e.Resource.Type = domain.ResourceType(rtype)
		e.Outcome = audit.Outcome(outcome)

		if err := unmarshalIfPresent(fields, &e.FieldsAccessed); err != nil {
			return nil, fmt.Errorf("decode fields accessed for %s: %w", e.ID, err)
		}
		if err := unmarshalIfPresent(changes, &e.Changes); err != nil {
			return nil, fmt.Errorf("decode changes for %s: %w", e.ID, err)
		}
		if err := unmarshalIfPresent(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func marshalNullable(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalIfPresent(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
