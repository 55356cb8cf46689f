// Package errkind names the sentinel error values the sync core uses to
// classify failures (spec.md §7), in the teacher's package-level sentinel
// idiom (pkg/pgx/role.ErrRoleNotFound, postgres.go's pool-not-initialized
// error). Callers wrap these with fmt.Errorf("...: %w", errkind.XxxError)
// and test with errors.Is.
package errkind

import (
	"errors"

	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

var (
	// ConfigError marks a misconfiguration: an invalid appID, an unknown
	// publication, a reserved publication name, the wrong wal_level, or an
	// unsupported server version.
	ConfigError = errors.New("errkind: config error")

	// UnsupportedTableSchemaError marks a table the discovery/validation
	// pass rejects: forbidden characters, a reserved column, or a
	// disallowed schema. Aliases schema.ErrUnsupportedTableSchema.
	UnsupportedTableSchemaError = schema.ErrUnsupportedTableSchema

	// UnsupportedColumnDefaultError marks a column default expression
	// schema.ValidateDefault could not classify as literal-shaped.
	// Aliases schema.ErrUnsupportedColumnDefault.
	UnsupportedColumnDefaultError = schema.ErrUnsupportedColumnDefault

	// UnsupportedSchemaChangeError marks a DDL event the change maker
	// cannot translate into a replica schema change.
	UnsupportedSchemaChangeError = errors.New("errkind: unsupported schema change")

	// AutoResetSignal marks a shard whose stored schema version cannot be
	// upgraded incrementally: the caller's cue to drop and re-sync it.
	AutoResetSignal = errors.New("errkind: auto reset required")

	// AbortError marks an unrecoverable failure in the change source that
	// requires the caller to stop and surface the error.
	AbortError = errors.New("errkind: abort")

	// ShutdownSignal marks a graceful handoff: the upstream backend was
	// terminated (e.g. PG_ADMIN_SHUTDOWN) because another subscriber took
	// over the slot.
	ShutdownSignal = errors.New("errkind: shutdown signal")

	// InvalidMessage marks a pgoutput message the stream decoder could not
	// parse into a ChangeStreamMessage.
	InvalidMessage = errors.New("errkind: invalid message")

	// InvalidVersion marks a malformed watermark; aliases
	// watermark.ErrInvalidVersion so callers can errors.Is against either.
	InvalidVersion = watermark.ErrInvalidVersion
)
