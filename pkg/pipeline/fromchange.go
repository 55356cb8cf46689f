package pipeline

import (
	"time"

	"github.com/edgeflare/pgreplicate/pkg/changemaker"
	"github.com/edgeflare/pgreplicate/pkg/pipeline/cdc"
)

// FromChangeStreamMessage converts a row-level change from the
// replication core into the Debezium-shaped event the pipeline's sink
// peers (debug, clickhouse, kafka, mqtt, nats, grpc) already know how to
// publish. ok is false for messages that carry no row-level change
// (begin/commit/rollback/control/keepalive, or a DDL DataChange), since
// those have no representation as a downstream cdc.Event.
func FromChangeStreamMessage(sourceName string, msg changemaker.ChangeStreamMessage) (event cdc.Event, ok bool) {
	if msg.Tag != changemaker.TagData || msg.Data == nil {
		return cdc.Event{}, false
	}

	d := msg.Data
	var op cdc.Operation
	switch d.Op {
	case changemaker.OpInsert:
		op = cdc.OpCreate
	case changemaker.OpUpdate:
		op = cdc.OpUpdate
	case changemaker.OpDelete:
		op = cdc.OpDelete
	case changemaker.OpTruncate:
		op = cdc.OpTruncate
	default:
		// schema-change ops (create/rename/drop table, add/drop/update
		// column, create/drop index) have no row payload to carry
		return cdc.Event{}, false
	}

	schemaName, tableName := d.Relation.Schema, d.Relation.Name

	before := d.Old
	if before == nil && d.Key != nil {
		before = d.Key
	}

	return cdc.Event{
		Payload: cdc.Payload{
			Before: before,
			After:  d.New,
			Op:     op,
			TsMs:   time.Now().UnixMilli(),
			Source: cdc.Source{
				Connector: sourceName,
				Schema:    schemaName,
				Table:     tableName,
			},
		},
	}, true
}
