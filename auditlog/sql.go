package auditlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// SQLStore persists trails in SQLite. UPDATE and DELETE are rejected by
// triggers, so the table is append-only even for other writers.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type row struct {
	SignatureID  string         `db:"signature_id"`
	Sequence     uint64         `db:"sequence"`
	ID           string         `db:"id"`
	Type         string         `db:"type"`
	Timestamp    string         `db:"timestamp"`
	Actor        sql.NullString `db:"actor"`
	Details      sql.NullString `db:"details"`
	Salt         string         `db:"salt"`
	PreviousHash string         `db:"previous_hash"`
	Hash         string         `db:"hash"`
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open database: %w", err)
	}
	// A single connection serializes writers and avoids "database is locked".
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, logger: logger.With(zap.String("component", "auditlog"))}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("audit store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLStore) initSchema() error {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("auditlog: query schema version: %w", err)
	}
	if version > 0 {
		s.logger.Debug("audit schema present", zap.Int("version", version))
		return nil
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("auditlog: create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, e *Event) error {
	r, err := toRow(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("auditlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head row
	err = tx.GetContext(ctx, &head, `SELECT * FROM audit_events WHERE signature_id = ? ORDER BY sequence DESC LIMIT 1`, e.SignatureID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if e.Sequence != 1 || e.PreviousHash != "" {
			return ErrConflict
		}
	case err != nil:
		return fmt.Errorf("auditlog: read head: %w", err)
	case e.Sequence != head.Sequence+1 || e.PreviousHash != head.Hash:
		return ErrConflict
	}

	_, err = tx.NamedExecContext(ctx, `INSERT INTO audit_events
		(signature_id, sequence, id, type, timestamp, actor, details, salt, previous_hash, hash)
		VALUES (:signature_id, :sequence, :id, :type, :timestamp, :actor, :details, :salt, :previous_hash, :hash)`, r)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("auditlog: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("auditlog: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, signatureID string) ([]Event, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM audit_events WHERE signature_id = ? ORDER BY sequence`, signatureID); err != nil {
		return nil, fmt.Errorf("auditlog: load trail: %w", err)
	}
	events := make([]Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].event()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *SQLStore) Head(ctx context.Context, signatureID string) (*Event, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM audit_events WHERE signature_id = ? ORDER BY sequence DESC LIMIT 1`, signatureID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auditlog: read head: %w", err)
	}
	e, err := r.event()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toRow(e *Event) (*row, error) {
	r := &row{
		SignatureID:  e.SignatureID,
		Sequence:     e.Sequence,
		ID:           e.ID,
		Type:         string(e.Type),
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Salt:         e.Salt,
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
	}
	if e.Actor != nil {
		b, err := json.Marshal(e.Actor)
		if err != nil {
			return nil, fmt.Errorf("auditlog: encode actor: %w", err)
		}
		r.Actor = sql.NullString{String: string(b), Valid: true}
	}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("auditlog: encode details: %w", err)
		}
		r.Details = sql.NullString{String: string(b), Valid: true}
	}
	return r, nil
}

func (r *row) event() (Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("auditlog: event %s: timestamp: %w", r.ID, err)
	}
	e := Event{
		ID:           r.ID,
		SignatureID:  r.SignatureID,
		Type:         EventType(r.Type),
		Timestamp:    ts,
		Sequence:     r.Sequence,
		Salt:         r.Salt,
		PreviousHash: r.PreviousHash,
		Hash:         r.Hash,
	}
	if r.Actor.Valid {
		e.Actor = new(Actor)
		if err := json.Unmarshal([]byte(r.Actor.String), e.Actor); err != nil {
			return Event{}, fmt.Errorf("auditlog: event %s: actor: %w", r.ID, err)
		}
	}
	if r.Details.Valid {
		if err := json.Unmarshal([]byte(r.Details.String), &e.Details); err != nil {
			return Event{}, fmt.Errorf("auditlog: event %s: details: %w", r.ID, err)
		}
	}
	return e, nil
}
