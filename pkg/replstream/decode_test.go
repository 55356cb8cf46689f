package replstream

import (
	"testing"

	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

func TestDecodeRelationKeyColumns(t *testing.T) {
	rel := decodeRelation(&pglogrepl.RelationMessage{
		RelationID:      1,
		Namespace:       "public",
		RelationName:    "widgets",
		ReplicaIdentity: 'd',
		Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id", DataType: 23},
			{Flags: 0, Name: "name", DataType: 25},
		},
	})

	require.Equal(t, schema.ReplicaIdentityDefault, rel.ReplicaIdentity)
	require.Equal(t, []string{"id"}, rel.KeyColumns)
	require.Len(t, rel.Columns, 2)
	require.True(t, rel.Columns[0].IsKey)
	require.False(t, rel.Columns[1].IsKey)
}

func TestMapReplicaIdentity(t *testing.T) {
	require.Equal(t, schema.ReplicaIdentityDefault, mapReplicaIdentity('d'))
	require.Equal(t, schema.ReplicaIdentityNothing, mapReplicaIdentity('n'))
	require.Equal(t, schema.ReplicaIdentityFull, mapReplicaIdentity('f'))
	require.Equal(t, schema.ReplicaIdentityIndex, mapReplicaIdentity('i'))
}

func TestDecodeColumnDistinguishesNullFromUnchangedToast(t *testing.T) {
	v, unchanged := decodeColumn(&pglogrepl.TupleDataColumn{DataType: 'n'}, pgtype.NewMap(), 25)
	require.False(t, unchanged)
	require.Nil(t, v)

	_, unchanged = decodeColumn(&pglogrepl.TupleDataColumn{DataType: 'u'}, pgtype.NewMap(), 25)
	require.True(t, unchanged)
}

func TestDecodeTupleOmitsUnchangedToastColumns(t *testing.T) {
	rel := &RelationMessage{
		Columns: []RelationColumn{
			{Name: "id", TypeOID: 23},
			{Name: "big_blob", TypeOID: 25},
		},
	}
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 't', Data: []byte("1")},
			{DataType: 'u'},
		},
	}

	values := decodeTuple(tuple, rel, pgtype.NewMap())
	require.Contains(t, values, "id")
	require.NotContains(t, values, "big_blob")
}
