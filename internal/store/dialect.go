package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name   string
	driver string
	schema []string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var sqliteDialect = dialect{
	name:   DriverSQLite,
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS batches (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    process_id     TEXT NOT NULL,
    tenant         TEXT NOT NULL,
    user_name      TEXT NOT NULL,
    role           TEXT NOT NULL,
    parameters     TEXT NOT NULL,
    input_files    TEXT NOT NULL,
    created_at     DATETIME NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS executions (
    id                      TEXT PRIMARY KEY,
    batch_id                TEXT NOT NULL REFERENCES batches(id),
    correlation_id          TEXT NOT NULL,
    batch_correlation_id    TEXT NOT NULL,
    tenant                  TEXT NOT NULL,
    user_name               TEXT NOT NULL,
    process_id              TEXT NOT NULL,
    process_name            TEXT NOT NULL,
    status                  TEXT NOT NULL,
    timeout_ms              INTEGER NOT NULL,
    input_files             TEXT NOT NULL,
    attempts                INTEGER NOT NULL,
    may_create_output_files BOOLEAN NOT NULL,
    created_at              DATETIME NOT NULL,
    updated_at              DATETIME NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS executions_quota ON executions (tenant, process_id, status)`,
		`CREATE TABLE IF NOT EXISTS steps (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    seq          INTEGER NOT NULL,
    status       TEXT NOT NULL,
    step_time    DATETIME NOT NULL,
    message      TEXT NOT NULL,
    PRIMARY KEY (execution_id, seq)
)`,
		`CREATE TABLE IF NOT EXISTS output_files (
    id              TEXT PRIMARY KEY,
    execution_id    TEXT NOT NULL REFERENCES executions(id),
    name            TEXT NOT NULL,
    url             TEXT NOT NULL UNIQUE,
    checksum        TEXT NOT NULL,
    checksum_method TEXT NOT NULL,
    size            INTEGER NOT NULL,
    downloaded      BOOLEAN NOT NULL,
    downloaded_at   DATETIME,
    created_at      DATETIME NOT NULL
)`,
	},
}

var postgresDialect = dialect{
	name:     DriverPostgres,
	driver:   "pgx",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS batches (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    process_id     TEXT NOT NULL,
    tenant         TEXT NOT NULL,
    user_name      TEXT NOT NULL,
    role           TEXT NOT NULL,
    parameters     TEXT NOT NULL,
    input_files    TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS executions (
    id                      TEXT PRIMARY KEY,
    batch_id                TEXT NOT NULL REFERENCES batches(id),
    correlation_id          TEXT NOT NULL,
    batch_correlation_id    TEXT NOT NULL,
    tenant                  TEXT NOT NULL,
    user_name               TEXT NOT NULL,
    process_id              TEXT NOT NULL,
    process_name            TEXT NOT NULL,
    status                  TEXT NOT NULL,
    timeout_ms              BIGINT NOT NULL,
    input_files             TEXT NOT NULL,
    attempts                INTEGER NOT NULL,
    may_create_output_files BOOLEAN NOT NULL,
    created_at              TIMESTAMPTZ NOT NULL,
    updated_at              TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS executions_quota ON executions (tenant, process_id, status)`,
		`CREATE TABLE IF NOT EXISTS steps (
    execution_id TEXT NOT NULL REFERENCES executions(id),
    seq          INTEGER NOT NULL,
    status       TEXT NOT NULL,
    step_time    TIMESTAMPTZ NOT NULL,
    message      TEXT NOT NULL,
    PRIMARY KEY (execution_id, seq)
)`,
		`CREATE TABLE IF NOT EXISTS output_files (
    id              TEXT PRIMARY KEY,
    execution_id    TEXT NOT NULL REFERENCES executions(id),
    name            TEXT NOT NULL,
    url             TEXT NOT NULL UNIQUE,
    checksum        TEXT NOT NULL,
    checksum_method TEXT NOT NULL,
    size            BIGINT NOT NULL,
    downloaded      BOOLEAN NOT NULL,
    downloaded_at   TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL
)`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return sqliteDialect, nil
	case DriverPostgres, "pgx":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
