// AngelaMos | 2026
// migrate.go

package core

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var gooseMu sync.Mutex

const migrationLockTimeout = 45 * time.Second

// Migrate applies the embedded schema migrations. A Postgres advisory lock
// serializes concurrent instances starting at the same time.
func (d *Database) Migrate(ctx context.Context) error {
	conn, err := d.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck // pooled connection

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()

	if _, err := conn.ExecContext(
		lockCtx,
		"SELECT pg_advisory_lock(hashtext($1), hashtext($2))",
		"varylite",
		"migrations",
	); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	defer func() {
		if _, err := conn.ExecContext(
			context.WithoutCancel(ctx),
			"SELECT pg_advisory_unlock(hashtext($1), hashtext($2))",
			"varylite",
			"migrations",
		); err != nil {
			slog.Warn("release migration lock", "error", err)
		}
	}()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, d.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}
