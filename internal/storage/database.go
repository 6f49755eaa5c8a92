package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"edgecopilot/internal/config"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDatabaseNotFound is reported when the target database does not exist.
	// Its text contains "not found" so callers classifying by message match it.
	ErrDatabaseNotFound = errors.New("database not found")
	// ErrNoSuchTable is reported when a statement references a missing table.
	ErrNoSuchTable = errors.New("no such table")
)

const (
	mysqlUnknownDatabase = 1049
	mysqlNoSuchTable     = 1146
)

// Statement is one parameterized SQL statement.
type Statement struct {
	Query string
	Args  []any
}

// Executor runs statements against named databases of one server (mysql) or
// one data directory (sqlite3). Connections are opened on first use.
type Executor struct {
	cfg config.TraceConfig

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewExecutor(cfg config.TraceConfig) (*Executor, error) {
	switch driverName(cfg.Driver) {
	case "sqlite3", "mysql":
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	return &Executor{cfg: cfg, dbs: make(map[string]*sql.DB)}, nil
}

func driverName(d string) string {
	switch strings.ToLower(d) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "mysql":
		return "mysql"
	default:
		return d
	}
}

func (e *Executor) Driver() string {
	return driverName(e.cfg.Driver)
}

// Execute runs stmts in one transaction on database.
func (e *Executor) Execute(ctx context.Context, database string, stmts ...Statement) error {
	db, err := e.open(ctx, database)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.Query, stmt.Args...); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// CreateDatabase provisions database if it does not exist yet.
func (e *Executor) CreateDatabase(ctx context.Context, database string) error {
	switch e.Driver() {
	case "sqlite3":
		if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		db, err := sql.Open("sqlite3", e.sqliteDSN(database, "rwc"))
		if err != nil {
			return fmt.Errorf("open sqlite database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("create sqlite database: %w", err)
		}
		return nil
	case "mysql":
		db, err := sql.Open("mysql", e.mysqlDSN(""))
		if err != nil {
			return fmt.Errorf("open mysql server: %w", err)
		}
		defer db.Close()
		if _, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS `"+database+"` DEFAULT CHARSET utf8mb4"); err != nil {
			return fmt.Errorf("create mysql database: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver: %s", e.cfg.Driver)
	}
}

// Close releases every open connection.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for name, db := range e.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(e.dbs, name)
	}
	return errors.Join(errs...)
}

func (e *Executor) open(ctx context.Context, database string) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[database]; ok {
		return db, nil
	}

	var (
		db  *sql.DB
		err error
	)
	switch e.Driver() {
	case "sqlite3":
		if _, statErr := os.Stat(e.sqlitePath(database)); errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, database)
		}
		db, err = sql.Open("sqlite3", e.sqliteDSN(database, "rw"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
	case "mysql":
		db, err = sql.Open("mysql", e.mysqlDSN(database))
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("ping database: %w", err))
	}
	e.dbs[database] = db
	return db, nil
}

func (e *Executor) sqlitePath(database string) string {
	return filepath.Join(e.cfg.DataDir, database+".db")
}

func (e *Executor) sqliteDSN(database, mode string) string {
	return fmt.Sprintf("file:%s?mode=%s&_busy_timeout=5000", e.sqlitePath(database), mode)
}

func (e *Executor) mysqlDSN(database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		e.cfg.Username,
		e.cfg.Password,
		e.cfg.Host,
		e.cfg.Port,
		database,
		e.cfg.Params,
	)
}

// classify maps driver errors onto ErrDatabaseNotFound / ErrNoSuchTable.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrDatabaseNotFound) || errors.Is(err, ErrNoSuchTable) {
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlUnknownDatabase:
			return fmt.Errorf("%w: %v", ErrDatabaseNotFound, err)
		case mysqlNoSuchTable:
			return fmt.Errorf("%w: %v", ErrNoSuchTable, err)
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrCantOpen {
		return fmt.Errorf("%w: %v", ErrDatabaseNotFound, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "no such table") {
		return fmt.Errorf("%w: %v", ErrNoSuchTable, err)
	}
	return err
}
