package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/busybox42/egressd/internal/message"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

const enumeratePageSize = 500

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type dialect struct {
	driverName string
	schema     string
	upsertAll  string
	upsertMeta string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		driverName: "sqlite3",
		schema: `CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			data BLOB,
			updated_at INTEGER NOT NULL
		)`,
		upsertAll: `INSERT INTO %[1]s (id, record, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET record = excluded.record, data = excluded.data, updated_at = excluded.updated_at`,
		upsertMeta: `INSERT INTO %[1]s (id, record, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
	},
	DriverPostgres: {
		driverName: "postgres",
		schema: `CREATE TABLE IF NOT EXISTS %[1]s (
			id VARCHAR(64) PRIMARY KEY,
			record TEXT NOT NULL,
			data BYTEA,
			updated_at BIGINT NOT NULL
		)`,
		upsertAll: `INSERT INTO %[1]s (id, record, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		upsertMeta: `INSERT INTO %[1]s (id, record, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
	},
	DriverMySQL: {
		driverName: "mysql",
		schema: `CREATE TABLE IF NOT EXISTS %[1]s (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			record MEDIUMTEXT NOT NULL,
			data LONGBLOB,
			updated_at BIGINT NOT NULL
		)`,
		upsertAll: `INSERT INTO %[1]s (id, record, data, updated_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE record = VALUES(record), data = VALUES(data), updated_at = VALUES(updated_at)`,
		upsertMeta: `INSERT INTO %[1]s (id, record, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE record = VALUES(record), updated_at = VALUES(updated_at)`,
	},
}

// SQL is a spool backed by SQLite, MySQL or PostgreSQL
type SQL struct {
	db      *sql.DB
	driver  string
	table   string
	queries struct {
		upsertAll, upsertMeta, remove, loadData, page string
	}
	logger *slog.Logger
}

var _ Spool = (*SQL)(nil)

// OpenSQL connects to the database named by cfg and prepares the schema
func OpenSQL(ctx context.Context, cfg Config) (*SQL, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported spool driver %q", cfg.Driver)
	}

	db, err := sql.Open(d.driverName, dataSourceName(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s spool: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s spool: %w", cfg.Driver, err)
	}

	s, err := NewSQL(ctx, db, cfg.Driver, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL uses an existing connection pool; the table is created when
// missing
func NewSQL(ctx context.Context, db *sql.DB, driver, table string) (*SQL, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported spool driver %q", driver)
	}
	if table == "" {
		table = "spool"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid spool table name %q", table)
	}

	s := &SQL{
		db:     db,
		driver: driver,
		table:  table,
		logger: slog.Default().With("component", "spool", "driver", driver, "table", table),
	}
	s.queries.upsertAll = s.rebind(fmt.Sprintf(d.upsertAll, table))
	s.queries.upsertMeta = s.rebind(fmt.Sprintf(d.upsertMeta, table))
	s.queries.remove = s.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table))
	s.queries.loadData = s.rebind(fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table))
	s.queries.page = s.rebind(fmt.Sprintf("SELECT id, record FROM %s WHERE id > ? ORDER BY id LIMIT %d", table, enumeratePageSize))

	if _, err := db.ExecContext(ctx, fmt.Sprintf(d.schema, table)); err != nil {
		return nil, fmt.Errorf("failed to create spool table: %w", err)
	}
	return s, nil
}

func dataSourceName(cfg Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	switch cfg.Driver {
	case DriverMySQL:
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.Username, cfg.Password, cfg.Host, port, cfg.Database)
	case DriverPostgres:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, port, cfg.Username, cfg.Password, cfg.Database)
	default:
		if cfg.Database == "" {
			return "egressd-spool.db"
		}
		return cfg.Database
	}
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Save(ctx context.Context, msg *message.Message) error {
	rec := msg.Record()
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode spool record %s: %w", rec.ID, err)
	}
	now := time.Now().Unix()

	if data, ok := msg.Data(); ok {
		_, err = s.db.ExecContext(ctx, s.queries.upsertAll, rec.ID, string(encoded), data, now)
	} else {
		_, err = s.db.ExecContext(ctx, s.queries.upsertMeta, rec.ID, string(encoded), now)
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQL) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.queries.remove, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (s *SQL) LoadData(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.queries.loadData, id).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", id, err)
	case data == nil:
		return nil, fmt.Errorf("%w: %s has no body", ErrNotFound, id)
	}
	return data, nil
}

// Enumerate pages through the table by id so fn may write to the spool
// while enumeration is in progress
func (s *SQL) Enumerate(ctx context.Context, fn func(*message.Message) error) error {
	after := ""
	for {
		records, last, err := s.page(ctx, after)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := fn(message.FromRecord(rec)); err != nil {
				return err
			}
		}
		if last == "" {
			return nil
		}
		after = last
	}
}

func (s *SQL) page(ctx context.Context, after string) ([]message.Record, string, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.page, after)
	if err != nil {
		return nil, "", fmt.Errorf("enumerate spool: %w", err)
	}
	defer rows.Close()

	var records []message.Record
	last := ""
	count := 0
	for rows.Next() {
		var id, encoded string
		if err := rows.Scan(&id, &encoded); err != nil {
			return nil, "", fmt.Errorf("enumerate spool: %w", err)
		}
		count++
		last = id
		var rec message.Record
		if err := json.Unmarshal([]byte(encoded), &rec); err != nil {
			s.logger.Error("Skipping undecodable spool record", "id", id, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("enumerate spool: %w", err)
	}
	if count < enumeratePageSize {
		last = ""
	}
	return records, last, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
