// Package replstream subscribes to a Postgres logical replication slot and
// decodes pgoutput messages into the tagged variants pkg/changemaker
// dispatches on. It owns the wire protocol; pkg/changemaker owns what each
// decoded message means for the replica.
package replstream

import (
	"time"

	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/jackc/pglogrepl"
)

// Tag identifies which field of a Message is populated.
type Tag string

const (
	TagBegin     Tag = "begin"
	TagInsert    Tag = "insert"
	TagUpdate    Tag = "update"
	TagDelete    Tag = "delete"
	TagTruncate  Tag = "truncate"
	TagRelation  Tag = "relation"
	TagType      Tag = "type"
	TagOrigin    Tag = "origin"
	TagMessage   Tag = "message"
	TagCommit    Tag = "commit"
	TagKeepalive Tag = "keepalive"
)

// Message is a single decoded replication protocol message. Exactly one of
// the pointer fields is non-nil, selected by Tag.
type Message struct {
	Tag Tag
	LSN pglogrepl.LSN

	Begin     *BeginMessage
	Row       *RowMessage
	Truncate  *TruncateMessage
	Relation  *RelationMessage
	Type      *TypeMessage
	Origin    *OriginMessage
	Custom    *CustomMessage
	Commit    *CommitMessage
	Keepalive *KeepaliveMessage
}

// BeginMessage opens a transaction.
type BeginMessage struct {
	CommitLSN  pglogrepl.LSN
	CommitTime time.Time
	Xid        uint32
}

// CommitMessage closes the transaction opened by the preceding BeginMessage.
type CommitMessage struct {
	CommitLSN         pglogrepl.LSN
	TransactionEndLSN pglogrepl.LSN
	CommitTime        time.Time
}

// RelationColumn describes one column of a RelationMessage.
type RelationColumn struct {
	Name    string
	TypeOID uint32
	IsKey   bool // part of the table's replica-identity key
}

// RelationMessage announces (or re-announces) a table's shape. It always
// precedes the first insert/update/delete referencing its OID in a given
// session, and recurs whenever the upstream relation cache is invalidated.
type RelationMessage struct {
	OID             uint32
	Schema          string
	Name            string
	ReplicaIdentity schema.ReplicaIdentity
	KeyColumns      []string
	Columns         []RelationColumn
}

// RowMessage carries an insert, update, or delete payload, selected by the
// owning Message's Tag. New holds the post-image (insert, update). Old holds
// the full pre-image when the table's replica identity is FULL or the index
// column set happens to equal the sent columns; otherwise Key holds just the
// replica-identity columns of the pre-image.
type RowMessage struct {
	RelationOID uint32
	New         map[string]any
	Old         map[string]any
	Key         map[string]any
}

// TruncateMessage reports one or more tables truncated together.
type TruncateMessage struct {
	RelationOIDs    []uint32
	Cascade         bool
	RestartIdentity bool
}

// TypeMessage announces a type OID used by a later tuple; pgreplicate has
// no use for it beyond passthrough since pkg/schema resolves types from
// pg_catalog directly, so pkg/changemaker discards it.
type TypeMessage struct {
	OID       uint32
	Namespace string
	Name      string
}

// OriginMessage names the origin of a transaction in multi-source
// replication setups; pgreplicate subscribes to a single primary and
// discards it, as spec'd.
type OriginMessage struct {
	CommitLSN pglogrepl.LSN
	Name      string
}

// CustomMessage is a pg_logical_emit_message payload: this is how the shard
// provisioner's DDL event triggers (pkg/shard) signal ddlStart/ddlUpdate to
// the change maker out-of-band from ordinary row changes.
type CustomMessage struct {
	Transactional bool
	Prefix        string
	Content       []byte
}

// KeepaliveMessage is the server's periodic liveness probe. ReplyRequested
// means the server wants a Standby Status Update soon; see Acker.
type KeepaliveMessage struct {
	ServerWALEnd   pglogrepl.LSN
	ReplyRequested bool
}
