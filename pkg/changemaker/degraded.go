package changemaker

import (
	"context"
	"fmt"

	"github.com/edgeflare/pgreplicate/pkg/discovery"
	"github.com/edgeflare/pgreplicate/pkg/errkind"
	"github.com/edgeflare/pgreplicate/pkg/replstream"
	"github.com/edgeflare/pgreplicate/pkg/schema"
)

// checkDegraded implements spec.md §4.8.1: in shards with no DDL event
// trigger support (ddlDetection=false), every incoming `relation` message
// is an opportunity - and the only opportunity - to notice an upstream
// schema change the change maker cannot otherwise see. It queries the
// live (post-transaction) catalog and compares it against the schema
// captured at initial sync, then separately compares the relation message
// itself against that same baseline.
func (m *Maker) checkDegraded(ctx context.Context, incoming *replstream.RelationMessage) error {
	current, err := discovery.GetPublicationInfo(ctx, m.conn, m.publications)
	if err != nil {
		return fmt.Errorf("changemaker: degraded-mode schema check: %w", err)
	}

	if err := compareTableSets(m.initialSchema, current.Tables); err != nil {
		return err
	}
	return compareRelationToInitial(incoming, m.initialSchema)
}

// compareTableSets compares every table in initial against its current
// counterpart (by oid) on (schema, name, primaryKey, ordered column list
// by (name, pos, typeOID, notNull)). Indexes are ignored, per spec.
func compareTableSets(initial map[uint32]schema.PublishedTableSpec, current []schema.PublishedTableSpec) error {
	currentByOID := make(map[uint32]schema.PublishedTableSpec, len(current))
	for _, t := range current {
		currentByOID[t.OID] = t
	}
	if len(currentByOID) != len(initial) {
		return fmt.Errorf("%w: published table count changed (%d -> %d); resync the replica to recover",
			errkind.UnsupportedSchemaChangeError, len(initial), len(currentByOID))
	}
	for oid, it := range initial {
		ct, ok := currentByOID[oid]
		if !ok {
			return fmt.Errorf("%w: table %s (oid %d) is no longer published; resync the replica to recover",
				errkind.UnsupportedSchemaChangeError, it.QualifiedName(), oid)
		}
		if err := compareTableShape(it, ct); err != nil {
			return err
		}
	}
	return nil
}

func compareTableShape(a, b schema.PublishedTableSpec) error {
	if a.Schema != b.Schema || a.Name != b.Name {
		return fmt.Errorf("%w: table oid %d renamed %s -> %s; resync the replica to recover",
			errkind.UnsupportedSchemaChangeError, a.OID, a.QualifiedName(), b.QualifiedName())
	}
	if !stringSliceEqual(sortedStrings(a.PrimaryKey), sortedStrings(b.PrimaryKey)) {
		return fmt.Errorf("%w: table %s primary key changed; resync the replica to recover",
			errkind.UnsupportedSchemaChangeError, a.QualifiedName())
	}

	aNames, bNames := a.Columns.Names(), b.Columns.Names()
	if len(aNames) != len(bNames) {
		return fmt.Errorf("%w: table %s column count changed; resync the replica to recover",
			errkind.UnsupportedSchemaChangeError, a.QualifiedName())
	}
	for i := range aNames {
		ac, _ := a.Columns.Get(aNames[i])
		bc, _ := b.Columns.Get(bNames[i])
		if aNames[i] != bNames[i] || ac.TypeOID != bc.TypeOID || ac.NotNull != bc.NotNull {
			return fmt.Errorf("%w: table %s column %d changed; resync the replica to recover",
				errkind.UnsupportedSchemaChangeError, a.QualifiedName(), i)
		}
	}
	return nil
}

// compareRelationToInitial compares incoming against the table of the
// same oid in initialSchema: the primary key order-independently, other
// columns pairwise by position.
func compareRelationToInitial(incoming *replstream.RelationMessage, initial map[uint32]schema.PublishedTableSpec) error {
	it, ok := initial[incoming.OID]
	if !ok {
		return fmt.Errorf("%w: relation oid %d has no entry in the initial schema; resync the replica to recover",
			errkind.UnsupportedSchemaChangeError, incoming.OID)
	}

	if !stringSliceEqual(sortedStrings(incoming.KeyColumns), sortedStrings(it.PrimaryKey)) {
		return fmt.Errorf("%w: relation %s key columns changed; resync the replica to recover",
			errkind.UnsupportedSchemaChangeError, it.QualifiedName())
	}

	initNames := it.Columns.Names()
	if len(initNames) != len(incoming.Columns) {
		return fmt.Errorf("%w: relation %s column count changed; resync the replica to recover",
			errkind.UnsupportedSchemaChangeError, it.QualifiedName())
	}
	for i, rc := range incoming.Columns {
		ic, _ := it.Columns.Get(initNames[i])
		if rc.Name != initNames[i] || rc.TypeOID != ic.TypeOID {
			return fmt.Errorf("%w: relation %s column %d changed; resync the replica to recover",
				errkind.UnsupportedSchemaChangeError, it.QualifiedName(), i)
		}
	}
	return nil
}
