package replstream

import (
	"fmt"

	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// decodeMessage parses one WAL data payload (proto_version 1, no
// streaming) into a Message, consulting and updating the relation cache.
func decodeMessage(walData []byte, walStart pglogrepl.LSN, relations map[uint32]*RelationMessage, typeMap *pgtype.Map) (*Message, error) {
	raw, err := pglogrepl.Parse(walData)
	if err != nil {
		return nil, fmt.Errorf("replstream: parse wal data: %w", err)
	}

	switch m := raw.(type) {
	case *pglogrepl.RelationMessage:
		rel := decodeRelation(m)
		relations[m.RelationID] = rel
		return &Message{Tag: TagRelation, LSN: walStart, Relation: rel}, nil

	case *pglogrepl.BeginMessage:
		return &Message{Tag: TagBegin, LSN: walStart, Begin: &BeginMessage{
			CommitLSN:  m.FinalLSN,
			CommitTime: m.CommitTime,
			Xid:        m.Xid,
		}}, nil

	case *pglogrepl.InsertMessage:
		rel, ok := relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("replstream: insert references unseen relation %d", m.RelationID)
		}
		row := &RowMessage{RelationOID: m.RelationID, New: decodeTuple(m.Tuple, rel, typeMap)}
		return &Message{Tag: TagInsert, LSN: walStart, Row: row}, nil

	case *pglogrepl.UpdateMessage:
		rel, ok := relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("replstream: update references unseen relation %d", m.RelationID)
		}
		row := &RowMessage{RelationOID: m.RelationID, New: decodeTuple(m.NewTuple, rel, typeMap)}
		if m.OldTuple != nil {
			old := decodeTuple(m.OldTuple, rel, typeMap)
			if m.OldTupleType == 'O' {
				row.Old = old
			} else {
				row.Key = old
			}
		}
		return &Message{Tag: TagUpdate, LSN: walStart, Row: row}, nil

	case *pglogrepl.DeleteMessage:
		rel, ok := relations[m.RelationID]
		if !ok {
			return nil, fmt.Errorf("replstream: delete references unseen relation %d", m.RelationID)
		}
		row := &RowMessage{RelationOID: m.RelationID}
		if m.OldTuple != nil {
			old := decodeTuple(m.OldTuple, rel, typeMap)
			if m.OldTupleType == 'O' {
				row.Old = old
			} else {
				row.Key = old
			}
		}
		return &Message{Tag: TagDelete, LSN: walStart, Row: row}, nil

	case *pglogrepl.TruncateMessage:
		return &Message{Tag: TagTruncate, LSN: walStart, Truncate: &TruncateMessage{
			RelationOIDs:    append([]uint32(nil), m.RelationIDs...),
			Cascade:         m.Option&1 != 0,
			RestartIdentity: m.Option&2 != 0,
		}}, nil

	case *pglogrepl.TypeMessage:
		return &Message{Tag: TagType, LSN: walStart, Type: &TypeMessage{
			OID:       m.DataType,
			Namespace: m.Namespace,
			Name:      m.Name,
		}}, nil

	case *pglogrepl.OriginMessage:
		return &Message{Tag: TagOrigin, LSN: walStart, Origin: &OriginMessage{
			CommitLSN: m.CommitLSN,
			Name:      m.Name,
		}}, nil

	case *pglogrepl.CommitMessage:
		return &Message{Tag: TagCommit, LSN: walStart, Commit: &CommitMessage{
			CommitLSN:         m.CommitLSN,
			TransactionEndLSN: m.TransactionEndLSN,
			CommitTime:        m.CommitTime,
		}}, nil

	case *pglogrepl.LogicalDecodingMessage:
		return &Message{Tag: TagMessage, LSN: walStart, Custom: &CustomMessage{
			Transactional: m.Transactional,
			Prefix:        m.Prefix,
			Content:       append([]byte(nil), m.Content...),
		}}, nil

	default:
		return nil, fmt.Errorf("replstream: unhandled message type %T", raw)
	}
}

func decodeRelation(m *pglogrepl.RelationMessage) *RelationMessage {
	cols := make([]RelationColumn, len(m.Columns))
	var keyCols []string
	for i, c := range m.Columns {
		isKey := c.Flags&1 != 0
		cols[i] = RelationColumn{Name: c.Name, TypeOID: c.DataType, IsKey: isKey}
		if isKey {
			keyCols = append(keyCols, c.Name)
		}
	}
	return &RelationMessage{
		OID:             m.RelationID,
		Schema:          m.Namespace,
		Name:            m.RelationName,
		ReplicaIdentity: mapReplicaIdentity(m.ReplicaIdentity),
		KeyColumns:      keyCols,
		Columns:         cols,
	}
}

func mapReplicaIdentity(b uint8) schema.ReplicaIdentity {
	switch b {
	case 'd':
		return schema.ReplicaIdentityDefault
	case 'n':
		return schema.ReplicaIdentityNothing
	case 'f':
		return schema.ReplicaIdentityFull
	case 'i':
		return schema.ReplicaIdentityIndex
	default:
		return schema.ReplicaIdentityDefault
	}
}

func decodeTuple(t *pglogrepl.TupleData, rel *RelationMessage, typeMap *pgtype.Map) map[string]any {
	if t == nil {
		return nil
	}
	values := make(map[string]any, len(t.Columns))
	for i, col := range t.Columns {
		if i >= len(rel.Columns) {
			break
		}
		v, unchangedToast := decodeColumn(col, typeMap, rel.Columns[i].TypeOID)
		if unchangedToast {
			continue
		}
		values[rel.Columns[i].Name] = v
	}
	return values
}

// decodeColumn decodes one tuple column, distinguishing an
// explicit NULL from an unchanged (un-decoded) TOASTed value: the latter
// is omitted from the row entirely rather than reported as nil.
func decodeColumn(col *pglogrepl.TupleDataColumn, typeMap *pgtype.Map, dataType uint32) (value any, unchangedToast bool) {
	switch col.DataType {
	case 'n':
		return nil, false
	case 'u':
		return nil, true
	case 't':
		val, err := decodeTextColumnData(typeMap, col.Data, dataType)
		if err != nil {
			zap.L().Error("replstream: decode column failed", zap.Error(err))
			return nil, false
		}
		return val, false
	default:
		zap.L().Warn("replstream: unknown column data type", zap.Any("dataType", col.DataType))
		return nil, false
	}
}

func decodeTextColumnData(m *pgtype.Map, data []byte, dataType uint32) (any, error) {
	if dt, ok := m.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(m, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}
