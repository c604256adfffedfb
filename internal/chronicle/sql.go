package chronicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/omegawire/internal/runtime/jsoncodec"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DefaultTable is the table records are written to.
const DefaultTable = "chronicle_records"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// SQLConfig describes how to open a SQL backed chronicle.
type SQLConfig struct {
	Dialect Dialect
	// DSN is a file path (or ":memory:") for SQLite and a connection string
	// for PostgreSQL.
	DSN          string
	Table        string
	MaxOpenConns int
	MaxIdleConns int
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.Dialect == "" {
		c.Dialect = DialectSQLite
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.Dialect == DialectSQLite {
		// SQLite serializes writers and ":memory:" is per connection.
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// SQLChronicle persists the chain in a relational table. Appends are
// serialized within the process; running two writers against the same table
// is not supported.
type SQLChronicle struct {
	db      *sql.DB
	dialect Dialect
	table   string
	owned   bool

	appendMu sync.Mutex
}

// OpenSQL opens the database described by cfg and prepares the schema.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLChronicle, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, errors.New("chronicle: dsn is required")
	}

	dsn := cfg.DSN
	if cfg.Dialect == DialectSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(string(cfg.Dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("chronicle: open %s: %w", cfg.Dialect, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chronicle: connect %s: %w", cfg.Dialect, err)
	}

	c, err := NewSQLChronicle(ctx, db, cfg.Dialect, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

// NewSQLChronicle wraps an open database. The caller keeps ownership of db.
func NewSQLChronicle(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLChronicle, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("chronicle: invalid table name %q", table)
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("chronicle: unsupported dialect %q", dialect)
	}
	c := &SQLChronicle{db: db, dialect: dialect, table: table}
	if err := c.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("chronicle: initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLChronicle) initSchema(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if c.dialect == DialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		%[2]s,
		record_id TEXT NOT NULL UNIQUE,
		parent_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		trace_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	)`, c.table, seq)
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	index := strings.ReplaceAll(c.table, ".", "_")
	for _, stmt := range []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_trace ON %s(trace_id)`, index, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message ON %s(message_id)`, index, c.table),
	} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c *SQLChronicle) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLChronicle) Append(ctx context.Context, r Record) (Record, error) {
	if r.RecordID == "" {
		return Record{}, ErrRecordIDNeeded
	}
	data, err := jsoncodec.Marshal(nonNilData(r.Data))
	if err != nil {
		return Record{}, fmt.Errorf("chronicle: encode data: %w", err)
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("chronicle: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev := GenesisHash
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT hash FROM %s ORDER BY seq DESC LIMIT 1`, c.table)).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("chronicle: read head: %w", err)
	}

	sealed, err := seal(r.clone(), prev)
	if err != nil {
		return Record{}, err
	}

	_, err = tx.ExecContext(ctx, c.rebind(fmt.Sprintf(`
		INSERT INTO %s (record_id, parent_id, event_type, timestamp, trace_id, message_id, data, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.table)),
		sealed.RecordID, sealed.ParentID, string(sealed.EventType), sealed.Timestamp,
		sealed.TraceID, sealed.MessageID, string(data), sealed.PrevHash, sealed.Hash,
	)
	if err != nil {
		return Record{}, fmt.Errorf("chronicle: insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("chronicle: commit: %w", err)
	}
	return sealed, nil
}

const selectColumns = `record_id, parent_id, event_type, timestamp, trace_id, message_id, data, prev_hash, hash`

func (c *SQLChronicle) Snapshot(ctx context.Context) ([]Record, error) {
	return c.query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY seq ASC`, selectColumns, c.table))
}

func (c *SQLChronicle) ForTrace(ctx context.Context, traceID string) ([]Record, error) {
	return c.query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE trace_id = ? ORDER BY seq ASC`, selectColumns, c.table), traceID)
}

func (c *SQLChronicle) ForMessage(ctx context.Context, messageID string) ([]Record, error) {
	return c.query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE message_id = ? ORDER BY seq ASC`, selectColumns, c.table), messageID)
}

func (c *SQLChronicle) Size(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("chronicle: count: %w", err)
	}
	return n, nil
}

// Clear deletes every record. The next append starts a new chain.
func (c *SQLChronicle) Clear(ctx context.Context) error {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.table)); err != nil {
		return fmt.Errorf("chronicle: clear: %w", err)
	}
	return nil
}

func (c *SQLChronicle) Verify(ctx context.Context) error {
	records, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	return VerifyChain(records, GenesisHash)
}

// DB exposes the underlying connection pool.
func (c *SQLChronicle) DB() *sql.DB {
	return c.db
}

// Close closes the database when it was opened by OpenSQL.
func (c *SQLChronicle) Close() error {
	if !c.owned {
		return nil
	}
	return c.db.Close()
}

func (c *SQLChronicle) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("chronicle: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			r         Record
			eventType string
			data      string
		)
		if err := rows.Scan(&r.RecordID, &r.ParentID, &eventType, &r.Timestamp, &r.TraceID, &r.MessageID, &data, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("chronicle: scan: %w", err)
		}
		r.EventType = EventType(eventType)
		if data != "" && data != "{}" {
			if err := jsoncodec.Unmarshal([]byte(data), &r.Data); err != nil {
				return nil, fmt.Errorf("chronicle: decode data for %s: %w", r.RecordID, err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func nonNilData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}
