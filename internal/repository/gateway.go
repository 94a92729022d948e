// Package repository provides data access implementations
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"
)

var logger = loggo.GetLogger("garden.repository")

// sqliteTimeLayout is the text form of CURRENT_TIMESTAMP
const sqliteTimeLayout = "2006-01-02 15:04:05"

// Field is a single named column value of a result row
type Field struct {
	Name  string
	Value any
}

// Row holds the columns of a result row in the order the statement selected them
type Row []Field

// Get returns the value of the named column
func (r Row) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Int64 returns the named column as an integer. Reals are rounded.
// The second result is false when the column is missing or NULL.
func (r Row) Int64(name string) (int64, bool) {
	v, ok := r.Get(name)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(math.Round(n)), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Float64 returns the named column as a real number
func (r Row) Float64(name string) (float64, bool) {
	v, ok := r.Get(name)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// String returns the named column as text, empty when missing or NULL
func (r Row) String(name string) string {
	v, ok := r.Get(name)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(sqliteTimeLayout)
	default:
		return fmt.Sprint(s)
	}
}

// Time returns the named column as a timestamp.
// SQLite hands back declared TIMESTAMP columns already parsed, and computed
// ones (MAX(timestamp)) as text.
func (r Row) Time(name string) (time.Time, bool) {
	v, ok := r.Get(name)
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
			if parsed, err := time.ParseInLocation(layout, t, time.UTC); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Gateway is the serialized access point to the relational store.
//
// Every operation acquires the gate, opens a dedicated connection, runs exactly
// one statement inside a transaction, commits and closes the connection before
// releasing the gate. The pool keeps no idle connection, so no physical handle
// outlives the operation that opened it.
type Gateway struct {
	db   *sql.DB
	gate *semaphore.Weighted
	Path string
}

// OpenGateway opens the SQLite store at dbPath and verifies it is reachable.
// poolSize bounds the operations running at once; 1 serializes them all.
func OpenGateway(dbPath string, poolSize int) (*Gateway, error) {
	if poolSize <= 0 {
		return nil, errors.NotValidf("pool size %d", poolSize)
	}
	if dbPath == "" {
		dbPath = filepath.Join("data", "garden.db")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Annotate(err, "failed to create database directory")
		}
	}

	logger.Infof("opening database at %s", dbPath)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open database")
	}

	db.SetMaxOpenConns(poolSize)
	// Zero idle slots: returning a connection to the pool closes it
	db.SetMaxIdleConns(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "failed to connect to database")
	}

	return &Gateway{
		db:   db,
		gate: semaphore.NewWeighted(int64(poolSize)),
		Path: dbPath,
	}, nil
}

// Close releases the database handle
func (g *Gateway) Close() error {
	if g.db != nil {
		return g.db.Close()
	}
	return nil
}

// Query runs a read statement and maps every result row, by column name and
// in column order, into a Row.
func (g *Gateway) Query(ctx context.Context, statement string, args ...any) ([]Row, error) {
	var result []Row
	err := g.withConnection(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, statement, args...)
		if err != nil {
			return errors.Annotate(err, "query failed")
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return errors.Annotate(err, "cannot read result columns")
		}

		for rows.Next() {
			values := make([]any, len(columns))
			pointers := make([]any, len(columns))
			for i := range values {
				pointers[i] = &values[i]
			}
			if err := rows.Scan(pointers...); err != nil {
				return errors.Annotate(err, "failed to scan row")
			}

			row := make(Row, len(columns))
			for i, column := range columns {
				value := values[i]
				if b, ok := value.([]byte); ok {
					value = string(b)
				}
				row[i] = Field{Name: column, Value: value}
			}
			result = append(result, row)
		}
		return errors.Annotate(rows.Err(), "error during row iteration")
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Execute runs a write statement and returns the generated identifier,
// 0 when the statement generates none.
func (g *Gateway) Execute(ctx context.Context, statement string, args ...any) (int64, error) {
	var id int64
	err := g.withConnection(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, statement, args...)
		if err != nil {
			return errors.Annotate(err, "statement failed")
		}
		if id, err = res.LastInsertId(); err != nil {
			id = 0
		}
		return nil
	})
	return id, err
}

// withConnection is the gated unit of work: the gate is held from connection
// open until the connection is closed again.
func (g *Gateway) withConnection(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return errors.Annotate(err, "waiting for the storage gate")
	}
	defer g.gate.Release(1)

	conn, err := g.db.Conn(ctx)
	if err != nil {
		logger.Errorf("cannot connect to the database: %v", err)
		return errors.Annotate(err, "cannot open database connection")
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "failed to commit transaction")
	}
	return nil
}
