// Package marten stores identity records in PostgreSQL using the document and
// event table layout of the Marten document database.
package marten

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/drblury/identityhistory/store"
)

// BackendName is the DocumentDbConfig.DbBackend value selecting this store.
const BackendName = "Marten"

const (
	DefaultSchemaName   = "public"
	DefaultMaxOpenConns = 10
	DefaultMaxIdleConns = 5
)

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString accepts a postgres:// URL, a lib/pq "key=value" list
	// or an Npgsql "Key=Value;Key=Value" string.
	ConnectionString string
	// SchemaName is the schema holding the tables. Defaults to "public".
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	return c
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db      *sql.DB
	queries queries
}

// OpenDB is overridable in tests.
var OpenDB = func(connectionString string) (*sql.DB, error) {
	return sql.Open("postgres", connectionString)
}

// Open connects, pings and creates the tables when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("marten: connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := OpenDB(NormalizeConnectionString(cfg.ConnectionString))
	if err != nil {
		return nil, fmt.Errorf("marten: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("marten: connect: %w", err)
	}

	s := &Store{db: db, queries: newQueries(cfg.SchemaName)}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("marten: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range s.queries.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LastAppliedVersion(ctx context.Context, identityID string) (uint64, bool, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, s.queries.lastVersion, identityID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("read version", err)
	}
	return uint64(version), true, nil
}

// UpsertIfNewer advances the document and appends the event row in one
// transaction. The conditional upsert makes the row lock decide between
// concurrent writers, so a lower version never overwrites a higher one.
func (s *Store) UpsertIfNewer(ctx context.Context, identityID string, version uint64, change store.Change) (outcome store.Outcome, err error) {
	if err := store.CheckWrite(identityID, version); err != nil {
		return 0, err
	}
	change.Version = version
	updatedAt := change.OccurredAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var data any
	if !change.Deleted && len(change.Data) > 0 {
		data = []byte(change.Data)
	}

	var applied int64
	err = tx.QueryRowContext(ctx, s.queries.upsertDoc,
		identityID, int64(version), change.Deleted, data, updatedAt,
	).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.Rollback()
		if err != nil {
			return 0, classify("rollback", err)
		}
		return store.Skipped, nil
	}
	if err != nil {
		return 0, classify("upsert document", err)
	}

	var eventData any
	if len(change.Data) > 0 {
		eventData = []byte(change.Data)
	}
	if _, err = tx.ExecContext(ctx, s.queries.appendEvent,
		identityID, int64(version), change.EventType, updatedAt,
		change.CorrelationID, change.Deleted, eventData,
	); err != nil {
		return 0, classify("append event", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, classify("commit", err)
	}
	return store.Applied, nil
}

func (s *Store) Get(ctx context.Context, identityID string) (store.Record, error) {
	rec := store.Record{ID: identityID}
	var (
		version int64
		data    []byte
	)
	err := s.db.QueryRowContext(ctx, s.queries.getDoc, identityID).Scan(&version, &rec.Deleted, &data, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, classify("read document", err)
	}
	rec.Version = uint64(version)
	if len(data) > 0 {
		rec.State = json.RawMessage(data)
	}

	rows, err := s.db.QueryContext(ctx, s.queries.listEvents, identityID)
	if err != nil {
		return store.Record{}, classify("read events", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c             store.Change
			v             int64
			correlationID sql.NullString
			payload       []byte
		)
		if err := rows.Scan(&v, &c.EventType, &c.OccurredAt, &correlationID, &c.Deleted, &payload); err != nil {
			return store.Record{}, classify("scan event", err)
		}
		c.Version = uint64(v)
		c.CorrelationID = correlationID.String
		if len(payload) > 0 {
			c.Data = json.RawMessage(payload)
		}
		rec.History = append(rec.History, c)
	}
	if err := rows.Err(); err != nil {
		return store.Record{}, classify("read events", err)
	}
	return rec, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps PostgreSQL serialization and deadlock failures onto
// store.ErrConflict and wraps everything else.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("marten: %s: %w: %v", op, store.ErrConflict, err)
		}
	}
	return fmt.Errorf("marten: %s: %w", op, err)
}

type queries struct {
	schema      []string
	lastVersion string
	upsertDoc   string
	appendEvent string
	getDoc      string
	listEvents  string
}

func newQueries(schemaName string) queries {
	schema := pq.QuoteIdentifier(schemaName)
	docs := schema + ".mt_doc_identity"
	events := schema + ".mt_events_identity"

	return queries{
		schema: []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				version BIGINT NOT NULL,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				data JSONB,
				last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, docs),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				identity_id TEXT NOT NULL,
				version BIGINT NOT NULL,
				event_type TEXT NOT NULL,
				occurred_at TIMESTAMPTZ NOT NULL,
				correlation_id TEXT,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				data JSONB,
				PRIMARY KEY (identity_id, version)
			)`, events),
		},
		lastVersion: fmt.Sprintf(`SELECT version FROM %s WHERE id = $1`, docs),
		upsertDoc: fmt.Sprintf(`
			INSERT INTO %[1]s AS d (id, version, deleted, data, last_modified)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				version = EXCLUDED.version,
				deleted = EXCLUDED.deleted,
				data = CASE WHEN EXCLUDED.deleted THEN d.data ELSE EXCLUDED.data END,
				last_modified = EXCLUDED.last_modified
			WHERE d.version < EXCLUDED.version
			RETURNING version`, docs),
		appendEvent: fmt.Sprintf(`
			INSERT INTO %s (identity_id, version, event_type, occurred_at, correlation_id, deleted, data)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
			ON CONFLICT (identity_id, version) DO NOTHING`, events),
		getDoc:     fmt.Sprintf(`SELECT version, deleted, data, last_modified FROM %s WHERE id = $1`, docs),
		listEvents: fmt.Sprintf(`SELECT version, event_type, occurred_at, correlation_id, deleted, data FROM %s WHERE identity_id = $1 ORDER BY version`, events),
	}
}

var npgsqlKeys = map[string]string{
	"host":     "host",
	"server":   "host",
	"port":     "port",
	"database": "dbname",
	"username": "user",
	"user id":  "user",
	"userid":   "user",
	"user":     "user",
	"password": "password",
	"ssl mode": "sslmode",
	"sslmode":  "sslmode",
	"timeout":  "connect_timeout",
}

// NormalizeConnectionString converts an Npgsql style connection string to
// the lib/pq key=value form. URLs and lib/pq strings pass through.
func NormalizeConnectionString(raw string) string {
	if !strings.Contains(raw, ";") || strings.Contains(raw, "://") {
		return raw
	}
	var parts []string
	for _, item := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		pqKey, known := npgsqlKeys[strings.ToLower(strings.TrimSpace(key))]
		if !known {
			continue
		}
		value = strings.TrimSpace(value)
		if pqKey == "sslmode" {
			value = strings.ToLower(value)
		}
		parts = append(parts, pqKey+"="+quoteValue(value))
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
