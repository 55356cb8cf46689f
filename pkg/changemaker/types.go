// Package changemaker implements C8: translating decoded
// pkg/replstream.Message values into the ChangeStreamMessage union spec.md
// §3/§4.8 defines, including degraded-mode schema-drift detection and
// DDL event translation.
package changemaker

import (
	"github.com/edgeflare/pgreplicate/pkg/replstream"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

// Tag identifies which ChangeStreamMessage variant a value holds.
type Tag string

const (
	TagBegin    Tag = "begin"
	TagData     Tag = "data"
	TagCommit   Tag = "commit"
	TagRollback Tag = "rollback"
	TagControl  Tag = "control"
	TagStatus   Tag = "status"
)

// ControlResetRequired is the sole Control payload this package emits:
// the signal to the downstream consumer to discard state and re-sync.
const ControlResetRequired = "reset-required"

// ChangeStreamMessage is the tagged variant spec.md §3 names. Exactly one
// of the fields relevant to Tag is populated.
type ChangeStreamMessage struct {
	Tag Tag

	// TagBegin, TagCommit
	Watermark watermark.LexiVersion

	// TagData
	Data *DataChange

	// TagControl
	Control string

	// TagStatus (keepalive relayed downstream)
	Keepalive *replstream.KeepaliveMessage
}

// DataChangeOp names one of the twelve row/DDL change kinds spec.md §3
// lists under DataChange.
type DataChangeOp string

const (
	OpInsert       DataChangeOp = "insert"
	OpUpdate       DataChangeOp = "update"
	OpDelete       DataChangeOp = "delete"
	OpTruncate     DataChangeOp = "truncate"
	OpCreateTable  DataChangeOp = "create-table"
	OpRenameTable  DataChangeOp = "rename-table"
	OpAddColumn    DataChangeOp = "add-column"
	OpUpdateColumn DataChangeOp = "update-column"
	OpDropColumn   DataChangeOp = "drop-column"
	OpDropTable    DataChangeOp = "drop-table"
	OpCreateIndex  DataChangeOp = "create-index"
	OpDropIndex    DataChangeOp = "drop-index"
)

// TableID identifies a table by its schema-qualified name, the identity
// DDL diffs key on once a table's oid can no longer be resolved (e.g.
// drop-table, drop-index).
type TableID struct {
	Schema string
	Name   string
}

// ColumnChange describes one column involved in add-column/update-column.
type ColumnChange struct {
	Name    string
	TypeOID uint32
	NotNull bool
}

// IndexChange describes one index involved in create-index/drop-index.
type IndexChange struct {
	Name    string
	Table   TableID
	Columns []string
	Unique  bool
}

// DataChange is the payload of a TagData ChangeStreamMessage. Exactly the
// fields relevant to Op are populated; see spec.md §3 and §4.8.
type DataChange struct {
	Op DataChangeOp

	// insert/update/delete/truncate
	Relation TableID
	New      map[string]any
	Old      map[string]any
	Key      map[string]any

	// rename-table
	OldRelation TableID

	// add-column/update-column/drop-column
	Column *ColumnChange

	// create-table
	Table *TableSnapshot

	// create-index/drop-index
	Index *IndexChange
}
