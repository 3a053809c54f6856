// Package postgres implements the storage repositories over PostgreSQL
// through database/sql with the pgx driver. Driver errors are classified
// into the runtime fault taxonomy so callers never branch on SQLSTATE.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

//go:embed schema.sql
var schema string

// Open connects to the database at url and verifies connectivity.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fault.Transient(fmt.Errorf("ping postgres: %w", err))
	}
	return db, nil
}

// EnsureSchema applies the embedded DDL. All statements are idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Pinger adapts the pool to the readiness checker.
type Pinger struct {
	db *sql.DB
}

// NewPinger builds a health pinger over the pool.
func NewPinger(db *sql.DB) *Pinger { return &Pinger{db: db} }

// Name identifies the dependency in readiness reports.
func (p *Pinger) Name() string { return "postgres" }

// Ping verifies the database answers.
func (p *Pinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// SQLSTATE values the repositories translate.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	classConnectionError    = "08"
)

// mapError classifies a driver error. Unique violations carry
// storage.ErrDuplicateKey in the chain so callers recognize replays.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fault.Duplicate(fmt.Errorf("%s: %w", op, storage.ErrDuplicateKey))
		case pgErr.Code == codeForeignKeyViolation:
			return fault.Permanent(fmt.Errorf("%s: %w", op, err))
		case strings.HasPrefix(pgErr.Code, classConnectionError):
			return fault.Transient(fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
