// Package shard implements C5, idempotent per-shard provisioning: the
// app/upstream metadata schemas, the requested publications, the metadata
// publication, replica-identity fixups, and DDL event-trigger installation.
package shard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/edgeflare/pgreplicate/pkg/discovery"
	"github.com/edgeflare/pgreplicate/pkg/errkind"
	pg "github.com/edgeflare/pgreplicate/pkg/pgx"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var appIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ID identifies one logical replication shard.
type ID struct {
	AppID    string
	ShardNum int
}

// UpstreamSchema is appID_shardNum, where shard-owned metadata tables
// (clients, shardConfig) live.
func (id ID) UpstreamSchema() string {
	return fmt.Sprintf("%s_%d", id.AppID, id.ShardNum)
}

// AppSchema is appID, where cross-shard metadata (schemaVersions,
// permissions) lives.
func (id ID) AppSchema() string {
	return id.AppID
}

// ReplicationSlotName is appID_shardNum_replicaID.
func (id ID) ReplicationSlotName(replicaID string) string {
	return fmt.Sprintf("%s_%d_%s", id.AppID, id.ShardNum, replicaID)
}

// PublicPublicationName is the auto-created publication covering public
// when the operator requests none explicitly.
func (id ID) PublicPublicationName() string {
	return fmt.Sprintf("_%s_public_%d", id.AppID, id.ShardNum)
}

// MetadataPublicationName covers schemaVersions, permissions, and clients.
func (id ID) MetadataPublicationName() string {
	return fmt.Sprintf("_%s_metadata_%d", id.AppID, id.ShardNum)
}

// Prefix is the custom-message prefix used by the installed DDL event
// triggers and read back by the change stream: "{appID}/{shardNum}".
func (id ID) Prefix() string {
	return fmt.Sprintf("%s/%d", id.AppID, id.ShardNum)
}

func (id ID) validate() error {
	if !appIDPattern.MatchString(id.AppID) {
		return fmt.Errorf("%w: appID %q must match ^[a-z0-9_]+$", errkind.ConfigError, id.AppID)
	}
	return nil
}

// Config is a ShardID plus the operator-requested publication list. An
// empty list means "provision a default publication covering public".
type Config struct {
	ID           ID
	Publications []string // reserved: none may start with "_"
}

const schemaVersion = 1

// Provision idempotently ensures appSchema and upstreamSchema exist with
// their metadata tables, validates/creates the requested publications,
// creates the metadata publication, fixes up replica identities, and
// attempts to install DDL event triggers. Safe to call repeatedly.
func Provision(ctx context.Context, conn pg.Conn, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.L()
	}
	if err := cfg.ID.validate(); err != nil {
		return err
	}
	for _, pub := range cfg.Publications {
		if strings.HasPrefix(pub, "_") {
			return fmt.Errorf("%w: publication name %q is reserved", errkind.ConfigError, pub)
		}
	}

	if err := ensureAppSchema(ctx, conn, cfg.ID); err != nil {
		return fmt.Errorf("shard: ensure app schema: %w", err)
	}
	if err := ensureUpstreamSchema(ctx, conn, cfg.ID); err != nil {
		return fmt.Errorf("shard: ensure upstream schema: %w", err)
	}

	publications, err := ensurePublications(ctx, conn, cfg)
	if err != nil {
		return fmt.Errorf("shard: ensure publications: %w", err)
	}

	if err := ensureMetadataPublication(ctx, conn, cfg.ID); err != nil {
		return fmt.Errorf("shard: ensure metadata publication: %w", err)
	}

	if err := fixupReplicaIdentities(ctx, conn, publications, logger); err != nil {
		return fmt.Errorf("shard: fixup replica identities: %w", err)
	}

	installDDLEventTriggers(ctx, conn, cfg.ID, publications, logger)

	return nil
}

func ensureAppSchema(ctx context.Context, conn pg.Conn, id ID) error {
	schemaName := pgx.Identifier{id.AppSchema()}.Sanitize()
	_, err := conn.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;

		CREATE TABLE IF NOT EXISTS %[1]s."schemaVersions" (
			"minSupportedVersion" INT NOT NULL,
			"maxSupportedVersion" INT NOT NULL,
			lock BOOL PRIMARY KEY DEFAULT true CHECK (lock)
		);
		INSERT INTO %[1]s."schemaVersions" ("minSupportedVersion", "maxSupportedVersion")
		VALUES ($1, $1)
		ON CONFLICT (lock) DO NOTHING;

		CREATE TABLE IF NOT EXISTS %[1]s.permissions (
			permissions JSONB NOT NULL,
			hash TEXT NOT NULL,
			lock BOOL PRIMARY KEY DEFAULT true CHECK (lock)
		);

		CREATE OR REPLACE FUNCTION %[1]s.permissions_hash() RETURNS TRIGGER AS $$
		BEGIN
			NEW.hash := md5(NEW.permissions::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS permissions_hash_trigger ON %[1]s.permissions;
		CREATE TRIGGER permissions_hash_trigger
			BEFORE INSERT OR UPDATE ON %[1]s.permissions
			FOR EACH ROW EXECUTE FUNCTION %[1]s.permissions_hash();
	`, schemaName), schemaVersion)
	return err
}

func ensureUpstreamSchema(ctx context.Context, conn pg.Conn, id ID) error {
	schemaName := pgx.Identifier{id.UpstreamSchema()}.Sanitize()
	_, err := conn.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;

		CREATE TABLE IF NOT EXISTS %[1]s.clients (
			"clientGroupID" TEXT NOT NULL,
			"clientID" TEXT NOT NULL,
			"lastMutationID" BIGINT NOT NULL,
			"userID" TEXT,
			PRIMARY KEY ("clientGroupID", "clientID")
		);

		CREATE TABLE IF NOT EXISTS %[1]s."shardConfig" (
			publications TEXT[] NOT NULL,
			"ddlDetection" BOOL NOT NULL DEFAULT false,
			"replicaVersion" TEXT,
			"initialSchema" JSON,
			lock BOOL PRIMARY KEY DEFAULT true CHECK (lock)
		);

		CREATE TABLE IF NOT EXISTS %[1]s.replicas (
			"replicaID" TEXT PRIMARY KEY,
			"slotName" TEXT NOT NULL,
			"replicaVersion" TEXT NOT NULL,
			"createdAt" TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, schemaName))
	return err
}

// PersistInitialSync writes the outcome of a successful initial sync (C6
// step 7) back into upstreamSchema.shardConfig and records the replica's
// slot in upstreamSchema.replicas. Called by pkg/initsync once the replica
// file itself has been fully populated and committed.
func PersistInitialSync(ctx context.Context, conn pg.Conn, id ID, publications []string, ddlDetection bool, replicaID, slotName string, replicaVersion string, initialSchemaJSON []byte) error {
	schemaName := pgx.Identifier{id.UpstreamSchema()}.Sanitize()
	_, err := conn.Exec(ctx, fmt.Sprintf(`
		UPDATE %[1]s."shardConfig"
		SET publications = $1, "ddlDetection" = $2, "replicaVersion" = $3, "initialSchema" = $4
		WHERE lock;

		INSERT INTO %[1]s.replicas ("replicaID", "slotName", "replicaVersion")
		VALUES ($5, $6, $3)
		ON CONFLICT ("replicaID") DO UPDATE SET "slotName" = EXCLUDED."slotName", "replicaVersion" = EXCLUDED."replicaVersion";
	`, schemaName), publications, ddlDetection, replicaVersion, initialSchemaJSON, replicaID, slotName)
	if err != nil {
		return fmt.Errorf("shard: persist initial sync: %w", err)
	}
	return nil
}

// ensurePublications validates the requested publications, creating the
// default public-schema publication when none are given, per spec §4.5
// step 3. It returns the final publication name list.
func ensurePublications(ctx context.Context, conn pg.Conn, cfg Config) ([]string, error) {
	if len(cfg.Publications) == 0 {
		name := cfg.ID.PublicPublicationName()
		_, err := conn.Exec(ctx, fmt.Sprintf(
			`CREATE PUBLICATION %s FOR TABLES IN SCHEMA public WITH (publish_via_partition_root = true)`,
			pgx.Identifier{name}.Sanitize()))
		if err != nil && !isAlreadyExists(err) {
			return nil, err
		}
		return []string{name}, nil
	}

	for _, pub := range cfg.Publications {
		var exists bool
		err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`, pub).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: publication %q does not exist upstream", errkind.ConfigError, pub)
		}
	}
	return cfg.Publications, nil
}

func ensureMetadataPublication(ctx context.Context, conn pg.Conn, id ID) error {
	name := id.MetadataPublicationName()
	_, err := conn.Exec(ctx, fmt.Sprintf(
		`CREATE PUBLICATION %s FOR TABLE %s."schemaVersions", %s.permissions, %s.clients`,
		pgx.Identifier{name}.Sanitize(),
		pgx.Identifier{id.AppSchema()}.Sanitize(),
		pgx.Identifier{id.AppSchema()}.Sanitize(),
		pgx.Identifier{id.UpstreamSchema()}.Sanitize(),
	))
	if err != nil && !isAlreadyExists(err) {
		return err
	}
	return nil
}

// FixupReplicaIdentities is the exported form of fixupReplicaIdentities,
// for callers outside this package that need to re-run the fixup after
// Provision - namely pkg/changemaker's deferred post-DDL attempt (spec.md
// §4.8.2 step 4), which re-scans every published table rather than
// filtering to the newly keyless ones, since the scan itself is cheap and
// idempotent.
func FixupReplicaIdentities(ctx context.Context, conn pg.Conn, publications []string, logger *zap.Logger) error {
	return fixupReplicaIdentities(ctx, conn, publications, logger)
}

// fixupReplicaIdentities calls C4's discovery and, for every table with no
// primary key and default replica identity, looks for a unique, immediate,
// non-partial all-NOT_NULL index to adopt as replica identity.
func fixupReplicaIdentities(ctx context.Context, conn pg.Conn, publications []string, logger *zap.Logger) error {
	published, err := discovery.GetPublicationInfo(ctx, conn, publications)
	if err != nil {
		return err
	}
	indexesByTable := published.IndexesByTable()

	for _, t := range published.Tables {
		if len(t.PrimaryKey) > 0 || t.ReplicaIdentity != schema.ReplicaIdentityDefault {
			continue
		}

		candidate, ok := findReplicaIdentityCandidate(t.TableSpec, indexesByTable[t.QualifiedName()])
		if !ok {
			logger.Warn("table has no usable replica identity",
				zap.String("schema", t.Schema), zap.String("table", t.Name))
			continue
		}

		_, err := conn.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE %s.%s REPLICA IDENTITY USING INDEX %s`,
			pgx.Identifier{t.Schema}.Sanitize(), pgx.Identifier{t.Name}.Sanitize(), pgx.Identifier{candidate.Name}.Sanitize()))
		if err != nil {
			return fmt.Errorf("set replica identity on %s: %w", t.QualifiedName(), err)
		}
	}
	return nil
}

func findReplicaIdentityCandidate(t schema.TableSpec, indexes []schema.IndexSpec) (schema.IndexSpec, bool) {
	for _, ix := range indexes {
		if ix.Unique && ix.IsImmediate && ix.AllNotNull(t) {
			return ix, true
		}
	}
	return schema.IndexSpec{}, false
}

// installDDLEventTriggers attempts to create the event triggers that emit
// ddlStart/ddlUpdate custom messages on relevant DDL. Each message embeds a
// full schema snapshot (tables + indexes restricted to the shard's
// publications) computed at trigger-fire time, since ddl_command_start
// fires before the DDL applies and ddl_command_end fires after - the
// change maker (pkg/changemaker) diffs these two snapshots directly rather
// than re-querying the catalog later, when both states would already be
// long gone. Any installation error is logged once at warn level and
// swallowed; Provision does not report whether the triggers were installed,
// and nothing here sets the shard's ddlDetection flag.
func installDDLEventTriggers(ctx context.Context, conn pg.Conn, id ID, publications []string, logger *zap.Logger) {
	prefix := id.Prefix()
	snapshotFunc := pgx.Identifier{fmt.Sprintf("_%s_ddl_snapshot_%d", id.AppID, id.ShardNum)}.Sanitize()
	funcName := pgx.Identifier{fmt.Sprintf("_%s_ddl_notify_%d", id.AppID, id.ShardNum)}.Sanitize()
	startTrigger := pgx.Identifier{fmt.Sprintf("_%s_ddl_start_%d", id.AppID, id.ShardNum)}.Sanitize()
	endTrigger := pgx.Identifier{fmt.Sprintf("_%s_ddl_end_%d", id.AppID, id.ShardNum)}.Sanitize()
	prefixLiteral := quoteLiteral(prefix)

	quotedPubs := make([]string, len(publications))
	for i, p := range publications {
		quotedPubs[i] = quoteLiteral(p)
	}
	pubArray := "ARRAY[" + strings.Join(quotedPubs, ",") + "]::text[]"

	_, err := conn.Exec(ctx, fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %[1]s() RETURNS json AS $$
			SELECT json_build_object(
				'tables', COALESCE((
					SELECT json_agg(json_build_object(
						'oid', c.oid::int,
						'schema', n.nspname,
						'name', c.relname,
						'primaryKey', COALESCE((
							SELECT array_agg(a.attname ORDER BY k.ord)
							FROM pg_index i, unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
							JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
							WHERE i.indrelid = c.oid AND i.indisprimary
						), ARRAY[]::text[]),
						'columns', COALESCE((
							SELECT json_agg(json_build_object('name', a.attname, 'pos', a.attnum, 'typeOid', a.atttypid, 'notNull', a.attnotnull) ORDER BY a.attnum)
							FROM pg_attribute a
							WHERE a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
						), '[]'::json)
					))
					FROM pg_class c
					JOIN pg_namespace n ON n.oid = c.relnamespace
					WHERE c.relkind = 'r'
						AND c.oid IN (SELECT pr.prrelid FROM pg_publication_rel pr JOIN pg_publication p ON p.oid = pr.prpubid WHERE p.pubname = ANY(%[5]s))
				), '[]'::json),
				'indexes', COALESCE((
					SELECT json_agg(json_build_object(
						'schema', n.nspname,
						'table', c.relname,
						'name', ic.relname,
						'unique', i.indisunique,
						'columns', COALESCE((
							SELECT array_agg(a.attname ORDER BY k.ord)
							FROM unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
							JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
						), ARRAY[]::text[])
					))
					FROM pg_index i
					JOIN pg_class c ON c.oid = i.indrelid
					JOIN pg_class ic ON ic.oid = i.indexrelid
					JOIN pg_namespace n ON n.oid = c.relnamespace
					WHERE c.relkind = 'r' AND i.indisvalid
						AND c.oid IN (SELECT pr.prrelid FROM pg_publication_rel pr JOIN pg_publication p ON p.oid = pr.prpubid WHERE p.pubname = ANY(%[5]s))
				), '[]'::json)
			)
		$$ LANGUAGE sql STABLE;

		CREATE OR REPLACE FUNCTION %[2]s() RETURNS event_trigger AS $$
		DECLARE
			payload JSON;
		BEGIN
			IF TG_EVENT = 'ddl_command_start' THEN
				payload := json_build_object('type', 'ddlStart', 'schema', %[1]s());
			ELSE
				payload := json_build_object('type', 'ddlUpdate', 'schema', %[1]s(),
					'event', (SELECT json_agg(json_build_object('tag', tg.command_tag))
						FROM pg_event_trigger_ddl_commands() tg));
			END IF;
			PERFORM pg_logical_emit_message(true, %[4]s, payload::text);
		END;
		$$ LANGUAGE plpgsql;

		DROP EVENT TRIGGER IF EXISTS %[3]s;
		CREATE EVENT TRIGGER %[3]s ON ddl_command_start
			WHEN TAG IN ('CREATE TABLE', 'ALTER TABLE', 'CREATE INDEX', 'DROP TABLE', 'DROP INDEX', 'ALTER PUBLICATION', 'ALTER SCHEMA')
			EXECUTE FUNCTION %[2]s();

		DROP EVENT TRIGGER IF EXISTS %[6]s;
		CREATE EVENT TRIGGER %[6]s ON ddl_command_end
			WHEN TAG IN ('CREATE TABLE', 'ALTER TABLE', 'CREATE INDEX', 'DROP TABLE', 'DROP INDEX', 'ALTER PUBLICATION', 'ALTER SCHEMA')
			EXECUTE FUNCTION %[2]s();
	`, snapshotFunc, funcName, startTrigger, prefixLiteral, pubArray, endTrigger))
	if err != nil {
		if isInsufficientPrivilege(err) {
			logger.Warn("insufficient privilege to install DDL event triggers; ddlDetection disabled",
				zap.String("shard", prefix), zap.Error(err))
			return
		}
		logger.Warn("failed to install DDL event triggers; ddlDetection disabled",
			zap.String("shard", prefix), zap.Error(err))
	}
}

// quoteLiteral produces a single-quoted SQL string literal, doubling any
// embedded quotes. Only used for values baked into DDL text (CREATE
// FUNCTION bodies) that cannot be bound as query parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// pgErrorCode is the Postgres error code (SQLSTATE), per
// https://www.postgresql.org/docs/current/errcodes-appendix.html
// 42501 = insufficient_privilege
// 42710 = duplicate_object (publication, event trigger)
// 42P06 = duplicate_schema
// 42P07 = duplicate_table
func pgErrorCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

func isInsufficientPrivilege(err error) bool {
	code, ok := pgErrorCode(err)
	return ok && code == "42501"
}

func isAlreadyExists(err error) bool {
	code, ok := pgErrorCode(err)
	return ok && (code == "42710" || code == "42P06" || code == "42P07")
}
