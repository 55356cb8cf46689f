package schema

import (
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

// ErrUnsupportedTableSchema wraps every reason Validate rejects a table:
// forbidden characters in a name, a reserved column, or a disallowed schema.
var ErrUnsupportedTableSchema = errors.New("schema: unsupported table schema")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// AllowedSchemas configures the set of upstream schema names Validate
// accepts a table from: the fixed "public" schema plus the operator's
// app and upstream metadata schemas (see pkg/shard).
type AllowedSchemas struct {
	AppSchema      string
	UpstreamSchema string
}

func (a AllowedSchemas) contains(schema string) bool {
	return schema == "public" || schema == a.AppSchema || schema == a.UpstreamSchema
}

// Validate rejects tables the replication core cannot serve: a reserved
// column name, malformed identifiers, or a schema outside the allow-list.
// A table with no primary key and a default replica identity is not
// rejected - it is logged as a warning, since without a qualifying unique
// index (see ComputeZqlSpecs) it will simply be unusable downstream.
func Validate(t TableSpec, allowed AllowedSchemas) error {
	if !identifierPattern.MatchString(t.Name) {
		return fmt.Errorf("%w: table name %q contains forbidden characters", ErrUnsupportedTableSchema, t.Name)
	}
	if !allowed.contains(t.Schema) {
		return fmt.Errorf("%w: table %s.%s is not in an allowed schema", ErrUnsupportedTableSchema, t.Schema, t.Name)
	}

	for _, name := range t.Columns.Names() {
		if name == VersionColumnName {
			return fmt.Errorf("%w: table %s.%s has reserved column name %q", ErrUnsupportedTableSchema, t.Schema, t.Name, VersionColumnName)
		}
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("%w: table %s.%s column %q contains forbidden characters", ErrUnsupportedTableSchema, t.Schema, t.Name, name)
		}
	}

	return nil
}

// ValidColumnIdentifier reports whether name is an acceptable upstream
// column name and not the reserved version column - the same rule
// Validate applies per-column, exposed for callers (e.g. pkg/changemaker's
// add-column DDL translation) that validate a single new column without a
// full TableSpec to hand.
func ValidColumnIdentifier(name string) bool {
	return name != VersionColumnName && identifierPattern.MatchString(name)
}

// WarnIfUnkeyed logs (at warn level, once per call site) when t has no
// primary key and a default replica identity: such a table is accepted by
// Validate but will be dropped by ComputeZqlSpecs unless it carries a
// qualifying unique index.
func WarnIfUnkeyed(t TableSpec, replicaIdentity ReplicaIdentity) {
	if len(t.PrimaryKey) == 0 && replicaIdentity == ReplicaIdentityDefault {
		zap.L().Warn("table has no primary key and default replica identity",
			zap.String("schema", t.Schema), zap.String("table", t.Name))
	}
}
