package postgresql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omeid/pgerror"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// PgxIface is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Connection struct {
	db PgxIface
}

var conn *Connection
var once sync.Once

// GetOrInit connects to postgres using the POSTGRES_* environment variables.
// Fatal on misconfiguration; the service cannot run without its store.
func GetOrInit() *Connection {
	once.Do(func() {
		zap.S().Debugf("Setting up postgresql")
		PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
		}
		PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
		}
		PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
		}
		PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
		}
		PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
		}
		PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
		}

		zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", PQUser, PQHost, PQPort, PQDBName, PQSSLMode)

		conString := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

		establishContext, establishContextCncl := get5SecondContext()
		defer establishContextCncl()
		db, err := pgxpool.New(establishContext, conString)
		if err != nil {
			zap.S().Fatalf("Failed to open connection to postgres database: %s", err)
		}

		conn = &Connection{db: db}
		if !conn.IsAvailable() {
			zap.S().Fatalf("Database is not available !")
		}
	})
	return conn
}

// NewWithDB wraps an existing pool (or mock) without env lookups.
func NewWithDB(db PgxIface) *Connection {
	return &Connection{db: db}
}

func (c *Connection) IsAvailable() bool {
	if c.db == nil {
		return false
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	if err := c.db.Ping(ctx); err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

func (c *Connection) Shutdown() {
	if c.db != nil {
		c.db.Close()
	}
}

func GetHealthCheck() healthcheck.Check {
	return func() error {
		if GetOrInit().IsAvailable() {
			return nil
		}
		return errors.New("database is not available")
	}
}

// IsRecoverable reports whether a postgres error is transient (connection
// level) and worth retrying, as opposed to a data error that never will be.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if e := pgerror.ConnectionException(err); e != nil {
		return true
	}
	if e := pgerror.ConnectionFailure(err); e != nil {
		return true
	}
	if e := pgerror.UniqueViolation(err); e != nil {
		return false
	}
	// Timeouts on the pool surface as context errors
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func get5SecondContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
