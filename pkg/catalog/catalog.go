// Package catalog keeps one row per capture session in a SQL database
// (sqlite3 or mysql): what was recorded, where, and how it ended.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	// Blind import support for sqlite3.
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteCreateTableTmpl = `CREATE TABLE IF NOT EXISTS sessions (
		"ID"           TEXT NOT NULL PRIMARY KEY,
		"Output"       TEXT NOT NULL,
		"Format"       TEXT NOT NULL,
		"DeviceArgs"   TEXT,
		"CenterFreq"   REAL,
		"SampleRate"   REAL,
		"Duration"     REAL,
		"StartMs"      INTEGER,
		"EndMs"        INTEGER,
		"Status"       TEXT,
		"Reason"       TEXT,
		"Captured"     INTEGER,
		"Dropped"      INTEGER,
		"Written"      INTEGER,
		"Bytes"        INTEGER
	);`
	mysqlCreateTableTmpl = `CREATE TABLE IF NOT EXISTS sessions (
		ID           VARCHAR(36) NOT NULL PRIMARY KEY,
		Output       TEXT NOT NULL,
		Format       VARCHAR(8) NOT NULL,
		DeviceArgs   TEXT,
		CenterFreq   DOUBLE,
		SampleRate   DOUBLE,
		Duration     DOUBLE,
		StartMs      BIGINT,
		EndMs        BIGINT,
		Status       VARCHAR(16),
		Reason       TEXT,
		Captured     BIGINT,
		Dropped      BIGINT,
		Written      BIGINT,
		Bytes        BIGINT
	);`
	insertSessionTmpl = `INSERT INTO sessions (
		ID,
		Output,
		Format,
		DeviceArgs,
		CenterFreq,
		SampleRate,
		Duration,
		StartMs,
		Status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`
	finishSessionTmpl = `UPDATE sessions SET
		EndMs = ?, Status = ?, Reason = ?, Captured = ?, Dropped = ?, Written = ?, Bytes = ?
		WHERE ID = ?;`
	selectSessionTmpl = `SELECT ID, Output, Format, DeviceArgs, CenterFreq, SampleRate, Duration,
		StartMs, COALESCE(EndMs, 0), COALESCE(Status, ''), COALESCE(Reason, ''),
		COALESCE(Captured, 0), COALESCE(Dropped, 0), COALESCE(Written, 0), COALESCE(Bytes, 0)
		FROM sessions`
)

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("catalog: session not found")

// Session describes a capture as it starts.
type Session struct {
	ID           string
	Output       string
	Format       string
	DeviceArgs   string
	CenterFreqHz float64
	SampleRate   float64
	Duration     time.Duration
	Start        time.Time
}

// Result is how a capture ended.
type Result struct {
	End      time.Time
	Status   string
	Reason   string
	Captured uint64
	Dropped  uint64
	Written  uint64
	Bytes    uint64
}

type Entry struct {
	Session
	Result
}

type Catalog struct {
	DB *sql.DB
}

// Open connects to the catalog. For sqlite3 dsn is a file path, for mysql a
// go-sql-driver DSN ("user:pass@tcp(host:3306)/sdrcap").
func Open(driver, dsn string) (*Catalog, error) {
	var create string
	switch driver {
	case "sqlite3", "sqlite":
		driver, create = "sqlite3", sqliteCreateTableTmpl
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql DSN: %w", err)
		}
		if cfg.DBName == "" {
			cfg.DBName = "sdrcap"
		}
		dsn, create = cfg.FormatDSN(), mysqlCreateTableTmpl
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q (one of: sqlite3, mysql)", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s catalog: %w", driver, err)
	}
	if _, err := db.Exec(create); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to create table: %w", err)
	}
	return &Catalog{DB: db}, nil
}

// Begin records a session that is about to stream.
func (c *Catalog) Begin(ctx context.Context, s Session) error {
	statement, err := c.DB.PrepareContext(ctx, insertSessionTmpl)
	if err != nil {
		return err
	}
	defer statement.Close()
	if _, err := statement.ExecContext(ctx, s.ID, s.Output, s.Format, s.DeviceArgs, s.CenterFreqHz, s.SampleRate, s.Duration.Seconds(), s.Start.UnixMilli(), "running"); err != nil {
		return err
	}
	glog.V(1).Infof("catalog: session %s started", s.ID)
	return nil
}

// Finish stores the outcome of session id.
func (c *Catalog) Finish(ctx context.Context, id string, r Result) error {
	res, err := c.DB.ExecContext(ctx, finishSessionTmpl, r.End.UnixMilli(), r.Status, r.Reason, r.Captured, r.Dropped, r.Written, r.Bytes, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var dur float64
	var start, end int64
	err := row.Scan(&e.ID, &e.Output, &e.Format, &e.DeviceArgs, &e.CenterFreqHz, &e.SampleRate, &dur,
		&start, &end, &e.Status, &e.Reason, &e.Captured, &e.Dropped, &e.Written, &e.Bytes)
	if err != nil {
		return e, err
	}
	e.Duration = time.Duration(dur * float64(time.Second))
	e.Start = time.UnixMilli(start)
	if end != 0 {
		e.End = time.UnixMilli(end)
	}
	return e, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(c.DB.QueryRowContext(ctx, selectSessionTmpl+" WHERE ID = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// List returns the most recent sessions first.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := c.DB.QueryContext(ctx, selectSessionTmpl+" ORDER BY StartMs DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error { return c.DB.Close() }
