package initsync

import (
	"encoding/json"
	"fmt"

	"github.com/edgeflare/pgreplicate/pkg/schema"
)

// marshalPublications renders the publication list in the shape
// _zero.replicationConfig stores it: a JSON array of names.
func marshalPublications(publications []string) (string, error) {
	b, err := json.Marshal(publications)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// initialSchemaEntry is the JSON shape persisted into
// upstreamSchema.shardConfig.initialSchema: just enough of
// schema.PublishedTableSpec for the change maker's degraded-mode and
// DDL-diff comparisons (see pkg/changemaker) to reconstruct what initial
// sync saw, keyed by oid on read.
type initialSchemaEntry struct {
	OID             uint32             `json:"oid"`
	Schema          string             `json:"schema"`
	Name            string             `json:"name"`
	PrimaryKey      []string           `json:"primaryKey"`
	ReplicaIdentity string             `json:"replicaIdentity"`
	Columns         []initialSchemaCol `json:"columns"`
}

type initialSchemaCol struct {
	Name    string `json:"name"`
	Pos     int16  `json:"pos"`
	TypeOID uint32 `json:"typeOid"`
	NotNull bool   `json:"notNull"`
}

// marshalInitialSchema serializes the table set discovered at initial
// sync for storage in upstreamSchema.shardConfig.initialSchema, per
// spec.md §4.6 step 7.
func marshalInitialSchema(tables map[uint32]schema.PublishedTableSpec) ([]byte, error) {
	entries := make([]initialSchemaEntry, 0, len(tables))
	for _, t := range tables {
		var cols []initialSchemaCol
		for _, name := range t.Columns.Names() {
			col, _ := t.Columns.Get(name)
			cols = append(cols, initialSchemaCol{Name: name, Pos: col.Pos, TypeOID: col.TypeOID, NotNull: col.NotNull})
		}
		entries = append(entries, initialSchemaEntry{
			OID:             t.OID,
			Schema:          t.Schema,
			Name:            t.Name,
			PrimaryKey:      t.PrimaryKey,
			ReplicaIdentity: string(t.ReplicaIdentity),
			Columns:         cols,
		})
	}

	b, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("initsync: marshal initial schema: %w", err)
	}
	return b, nil
}

// unmarshalInitialSchema reverses marshalInitialSchema, reconstructing just
// enough of each schema.PublishedTableSpec for pkg/changemaker's
// degraded-mode comparisons - no IndexSpecs, PublicationSpecs, or the full
// upstream ColumnSpec detail, none of which compareTableShape or
// compareRelationToInitial reads.
func unmarshalInitialSchema(data []byte) (map[uint32]schema.PublishedTableSpec, error) {
	var entries []initialSchemaEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("initsync: unmarshal initial schema: %w", err)
	}

	out := make(map[uint32]schema.PublishedTableSpec, len(entries))
	for _, e := range entries {
		cols := schema.NewColumnList()
		for _, c := range e.Columns {
			cols.Set(c.Name, schema.ColumnSpec{Pos: c.Pos, TypeOID: c.TypeOID, NotNull: c.NotNull})
		}
		out[e.OID] = schema.PublishedTableSpec{
			TableSpec: schema.TableSpec{
				Schema:     e.Schema,
				Name:       e.Name,
				Columns:    cols,
				PrimaryKey: e.PrimaryKey,
			},
			OID:             e.OID,
			ReplicaIdentity: schema.ReplicaIdentity(e.ReplicaIdentity),
		}
	}
	return out, nil
}
