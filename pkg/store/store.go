package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/metrics"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	// BaseTable is the table name before prefix and suffix are applied.
	BaseTable = "audit_log"

	// DefaultListLimit applies when a Filter carries no limit.
	DefaultListLimit = 100

	// createdAtLayout has a fixed width so the text column sorts chronologically.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z"
)

var (
	// ErrNotFound is returned by Get for an unknown id.
	ErrNotFound = errors.New("audit record not found")
	// ErrUnavailable marks connection failures worth retrying.
	ErrUnavailable = errors.New("database unavailable")

	validIdentifier = regexp.MustCompile(`^[A-Za-z0-9_]*$`)
)

// Options configures a Store.
type Options struct {
	// Driver is "sqlite" or "pgx".
	Driver      string
	DSN         string
	TablePrefix string
	TableSuffix string
}

// Entry is a stored record with its row id.
type Entry struct {
	ID string `json:"id"`
	audit.RecordData
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	EntityClass     string
	EntityID        string
	Action          audit.Action
	UserID          string
	TransactionHash string
	Since           time.Time
	Until           time.Time
	Limit           int
	Offset          int
}

// Store reads and writes audit records.
type Store struct {
	db     *sql.DB
	driver string
	table  string
	logger *zap.Logger
}

// TableName returns prefix + BaseTable + suffix after validating both parts.
func TableName(prefix, suffix string) (string, error) {
	if !validIdentifier.MatchString(prefix) {
		return "", fmt.Errorf("invalid table prefix %q: only letters, digits and underscores are allowed", prefix)
	}
	if !validIdentifier.MatchString(suffix) {
		return "", fmt.Errorf("invalid table suffix %q: only letters, digits and underscores are allowed", suffix)
	}
	return prefix + BaseTable + suffix, nil
}

// Open connects to the database. Call Migrate before first use.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	table, err := TableName(opts.TablePrefix, opts.TableSuffix)
	if err != nil {
		return nil, err
	}

	var dsn string
	switch opts.Driver {
	case DriverSQLite, "":
		opts.Driver = DriverSQLite
		dsn, err = sqliteDSN(opts.DSN)
		if err != nil {
			return nil, err
		}
	case DriverPostgres:
		dsn = opts.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if opts.Driver == DriverSQLite && isMemory(opts.DSN) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s := &Store{db: db, driver: opts.Driver, table: table, logger: logger.Named("audit-store")}
	s.logger.Info("audit store opened", zap.String("driver", opts.Driver), zap.String("table", table))
	return s, nil
}

// OpenMemory opens and migrates an in-memory SQLite store.
func OpenMemory(ctx context.Context, logger *zap.Logger) (*Store, error) {
	s, err := Open(ctx, Options{Driver: DriverSQLite, DSN: ":memory:"}, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite database path is required")
	}
	if isMemory(path) {
		return path, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating database directory: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
}

// Migrate creates the table and its indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}
	return nil
}

func schema(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
    id TEXT PRIMARY KEY,
    entity_class TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    old_values TEXT,
    new_values TEXT,
    changed_fields TEXT NOT NULL DEFAULT '[]',
    user_id TEXT NOT NULL DEFAULT '',
    username TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    transaction_hash TEXT NOT NULL,
    signature TEXT NOT NULL DEFAULT '',
    context TEXT,
    created_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_entity ON ` + table + `(entity_class, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_created ON ` + table + `(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_tx ON ` + table + `(transaction_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_user ON ` + table + `(user_id)`,
	}
}

// Table returns the resolved table name.
func (s *Store) Table() string { return s.table }

// DB exposes the connection pool, e.g. to begin a transaction shared with
// the audited business writes.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// placeholder returns the n-th (1-based) bind parameter for the driver.
func (s *Store) placeholder(n int) string {
	if s.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

const columns = `id, entity_class, entity_id, action, old_values, new_values, changed_fields,
user_id, username, ip_address, user_agent, transaction_hash, signature, context, created_at`

// Insert stores data and returns the new row id. A transaction in ctx is joined.
func (s *Store) Insert(ctx context.Context, data audit.RecordData) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating record id: %w", err)
	}

	oldValues, err := encodeMap(data.OldValues)
	if err != nil {
		return "", fmt.Errorf("encoding old values: %w", err)
	}
	newValues, err := encodeMap(data.NewValues)
	if err != nil {
		return "", fmt.Errorf("encoding new values: %w", err)
	}
	auditContext, err := encodeMap(data.Context)
	if err != nil {
		return "", fmt.Errorf("encoding context: %w", err)
	}
	changed := data.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	changedFields, err := json.Marshal(changed)
	if err != nil {
		return "", fmt.Errorf("encoding changed fields: %w", err)
	}

	args := []any{
		id.String(), data.EntityClass, data.EntityID, string(data.Action), oldValues, newValues,
		string(changedFields), data.UserID, data.Username, data.IPAddress, data.UserAgent,
		data.TransactionHash, data.Signature, auditContext, data.CreatedAt.UTC().Format(createdAtLayout),
	}
	marks := make([]string, len(args))
	for i := range args {
		marks[i] = s.placeholder(i + 1)
	}
	query := `INSERT INTO ` + s.table + ` (` + columns + `) VALUES (` + strings.Join(marks, ", ") + `)`

	if _, err := s.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		metrics.AuditStoreOperations.WithLabelValues("insert", "error").Inc()
		return "", fmt.Errorf("inserting audit record: %w", err)
	}
	metrics.AuditStoreOperations.WithLabelValues("insert", "success").Inc()
	return id.String(), nil
}

// Get loads one record by row id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT ` + columns + ` FROM ` + s.table + ` WHERE id = ` + s.placeholder(1)
	row := s.conn(ctx).QueryRowContext(ctx, query, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.AuditStoreOperations.WithLabelValues("get", "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		metrics.AuditStoreOperations.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	metrics.AuditStoreOperations.WithLabelValues("get", "success").Inc()
	return entry, nil
}

// List returns matching records, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, clause+" "+s.placeholder(len(args)))
	}
	if f.EntityClass != "" {
		add("entity_class =", f.EntityClass)
	}
	if f.EntityID != "" {
		add("entity_id =", f.EntityID)
	}
	if f.Action != "" {
		add("action =", string(f.Action))
	}
	if f.UserID != "" {
		add("user_id =", f.UserID)
	}
	if f.TransactionHash != "" {
		add("transaction_hash =", f.TransactionHash)
	}
	if !f.Since.IsZero() {
		add("created_at >=", f.Since.UTC().Format(createdAtLayout))
	}
	if !f.Until.IsZero() {
		add("created_at <", f.Until.UTC().Format(createdAtLayout))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := max(f.Offset, 0)

	var query strings.Builder
	query.WriteString(`SELECT ` + columns + ` FROM ` + s.table)
	if len(where) > 0 {
		query.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY created_at DESC, id DESC")
	args = append(args, limit)
	query.WriteString(" LIMIT " + s.placeholder(len(args)))
	args = append(args, offset)
	query.WriteString(" OFFSET " + s.placeholder(len(args)))

	rows, err := s.conn(ctx).QueryContext(ctx, query.String(), args...)
	if err != nil {
		metrics.AuditStoreOperations.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		metrics.AuditStoreOperations.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	metrics.AuditStoreOperations.WithLabelValues("list", "success").Inc()
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                                  Entry
		action, changedFields, createdAt   string
		oldValues, newValues, auditContext sql.NullString
	)
	err := row.Scan(&e.ID, &e.EntityClass, &e.EntityID, &action, &oldValues, &newValues, &changedFields,
		&e.UserID, &e.Username, &e.IPAddress, &e.UserAgent, &e.TransactionHash, &e.Signature,
		&auditContext, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Action = audit.Action(action)

	if e.OldValues, err = decodeMap(oldValues); err != nil {
		return nil, fmt.Errorf("decoding old values of %s: %w", e.ID, err)
	}
	if e.NewValues, err = decodeMap(newValues); err != nil {
		return nil, fmt.Errorf("decoding new values of %s: %w", e.ID, err)
	}
	if e.Context, err = decodeMap(auditContext); err != nil {
		return nil, fmt.Errorf("decoding context of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(changedFields), &e.ChangedFields); err != nil {
		return nil, fmt.Errorf("decoding changed fields of %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", e.ID, err)
	}
	return &e, nil
}

func encodeMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeMap keeps numbers as json.Number so re-encoding for signature
// verification reproduces the stored digits.
func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s.String)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
