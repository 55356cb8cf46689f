package changemaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/errkind"
	pg "github.com/edgeflare/pgreplicate/pkg/pgx"
	"github.com/edgeflare/pgreplicate/pkg/replstream"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

// fixupDelay is how long Maker waits after a ddlUpdate before attempting a
// replica-identity fixup on tables it left without a primary key, per
// spec.md §4.8.2 step 4. A subsequent ddlUpdate cancels the pending attempt
// since the table set it was computed against is already stale.
const fixupDelay = 500 * time.Millisecond

// errorLogInterval bounds how often a latched Maker logs its failure, so a
// replication stream stuck behind an unsupported schema change doesn't
// flood the log once per incoming message.
const errorLogInterval = time.Minute

// FixupFunc attempts to give newly keyless tables a replica identity (see
// pkg/shard's fixupReplicaIdentities); Maker calls it from the deferred
// timer it schedules after each ddlUpdate.
type FixupFunc func(ctx context.Context, tables []TableID) error

// Maker implements C8: given decoded pkg/replstream.Message values in
// commit order, it emits the ChangeStreamMessage sequence spec.md §4.8
// defines, detecting upstream schema drift the replica cannot tolerate
// either via live re-query (ddlDetection=false, see checkDegraded) or via
// the embedded DDL snapshots pkg/shard's event triggers emit.
//
// A Maker is not safe for concurrent use: MakeChanges must be called from
// a single goroutine processing one shard's replication stream in order.
type Maker struct {
	conn         pg.Conn
	publications []string
	shardPrefix  string // "{appID}/{shardNum}"; see pkg/shard.ID.Prefix
	logger       *zap.Logger
	fixup        FixupFunc

	initialSchema map[uint32]schema.PublishedTableSpec
	ddlDetection  bool

	preSchema *schemaSnapshot // set by ddlStart, consumed by the matching ddlUpdate

	mu          sync.Mutex
	latchedErr  error
	lastLogged  time.Time
	fixupTimer  *time.Timer
	fixupCancel context.CancelFunc
}

// NewMaker constructs a Maker. initialSchema is the table set captured at
// initial sync, keyed by oid; shardPrefix is the shard's custom-message
// prefix (pkg/shard.ID.Prefix()), used to ignore pg_logical_emit_message
// payloads belonging to another shard sharing the same publication set;
// ddlDetection is the shard's configured flag selecting DDL-event handling
// over the degraded live re-query; it is not checked against the event
// triggers pkg/shard actually installed. fixup may be nil, in which case the
// deferred replica-identity fixup is skipped.
func NewMaker(conn pg.Conn, publications []string, shardPrefix string, initialSchema map[uint32]schema.PublishedTableSpec, ddlDetection bool, fixup FixupFunc, logger *zap.Logger) *Maker {
	return &Maker{
		conn:          conn,
		publications:  publications,
		shardPrefix:   shardPrefix,
		logger:        logger,
		fixup:         fixup,
		initialSchema: initialSchema,
		ddlDetection:  ddlDetection,
	}
}

// ddlPayload is the JSON shape pkg/shard's event trigger function emits in
// a pg_logical_emit_message payload.
type ddlPayload struct {
	Type   string          `json:"type" mapstructure:"type"`
	Schema schemaSnapshot  `json:"schema" mapstructure:"schema"`
	Event  []ddlEventEntry `json:"event" mapstructure:"event"`
}

type ddlEventEntry struct {
	Tag string `json:"tag" mapstructure:"tag"`
}

// MakeChanges translates one decoded replstream.Message into zero or more
// ChangeStreamMessage values. The call that hits an error (for example an
// unsupported schema change) latches it and returns a rollback followed by
// a control reset-required message; every later call returns an empty
// slice until the process restarts, logging the latched error at most once
// per errorLogInterval - per spec.md §4.8's latched-error contract, there
// is no in-process recovery.
func (m *Maker) MakeChanges(ctx context.Context, msg replstream.Message) ([]ChangeStreamMessage, error) {
	m.mu.Lock()
	latched := m.latchedErr
	m.mu.Unlock()
	if latched != nil {
		m.latchedOutput() // rate-limited log only; the reset was already emitted
		return nil, nil
	}

	out, err := m.makeChanges(ctx, msg)
	if err != nil {
		m.latch(err)
		return m.latchedOutput(), nil
	}
	return out, nil
}

func (m *Maker) latch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latchedErr = err
	m.lastLogged = time.Time{}
}

// latchedOutput logs the latched error at most once per errorLogInterval
// and always returns a rollback (discarding whatever transaction was
// in flight when the error was raised) followed by a control
// reset-required message, per spec.md §4.8.
func (m *Maker) latchedOutput() []ChangeStreamMessage {
	m.mu.Lock()
	err := m.latchedErr
	shouldLog := time.Since(m.lastLogged) >= errorLogInterval
	if shouldLog {
		m.lastLogged = time.Now()
	}
	m.mu.Unlock()

	if shouldLog {
		m.logger.Error("change maker latched: replica requires reset", zap.Error(err))
	}
	return []ChangeStreamMessage{
		{Tag: TagRollback},
		{Tag: TagControl, Control: ControlResetRequired},
	}
}

func (m *Maker) makeChanges(ctx context.Context, msg replstream.Message) ([]ChangeStreamMessage, error) {
	switch msg.Tag {
	case replstream.TagBegin:
		return []ChangeStreamMessage{{Tag: TagBegin, Watermark: watermark.ToLexi(msg.Begin.CommitLSN)}}, nil

	case replstream.TagCommit:
		return []ChangeStreamMessage{{Tag: TagCommit, Watermark: watermark.ToLexi(msg.Commit.CommitLSN)}}, nil

	case replstream.TagInsert:
		return []ChangeStreamMessage{dataMsg(&DataChange{Op: OpInsert, Relation: m.relationID(msg.Row.RelationOID), New: msg.Row.New})}, nil

	case replstream.TagUpdate:
		return []ChangeStreamMessage{dataMsg(&DataChange{
			Op: OpUpdate, Relation: m.relationID(msg.Row.RelationOID),
			New: msg.Row.New, Old: msg.Row.Old, Key: msg.Row.Key,
		})}, nil

	case replstream.TagDelete:
		if msg.Row.Old == nil && msg.Row.Key == nil {
			return nil, fmt.Errorf("%w: delete carries neither old row nor key columns; check the table's replica identity",
				errkind.InvalidMessage)
		}
		return []ChangeStreamMessage{dataMsg(&DataChange{
			Op: OpDelete, Relation: m.relationID(msg.Row.RelationOID),
			Old: msg.Row.Old, Key: msg.Row.Key,
		})}, nil

	case replstream.TagTruncate:
		var out []ChangeStreamMessage
		for _, oid := range msg.Truncate.RelationOIDs {
			out = append(out, dataMsg(&DataChange{Op: OpTruncate, Relation: m.relationID(oid)}))
		}
		return out, nil

	case replstream.TagRelation:
		if !m.ddlDetection {
			if err := m.checkDegraded(ctx, msg.Relation); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case replstream.TagType, replstream.TagOrigin:
		return nil, nil

	case replstream.TagMessage:
		if msg.Custom.Prefix != m.shardPrefix {
			return nil, nil
		}
		return m.handleCustom(msg.Custom)

	case replstream.TagKeepalive:
		return []ChangeStreamMessage{{Tag: TagStatus, Keepalive: msg.Keepalive}}, nil

	default:
		return nil, fmt.Errorf("%w: unrecognized message tag %q", errkind.InvalidMessage, msg.Tag)
	}
}

func dataMsg(d *DataChange) ChangeStreamMessage {
	return ChangeStreamMessage{Tag: TagData, Data: d}
}

// relationID resolves a relation oid to its qualified name via the schema
// captured at initial sync; a table the change source was never told
// about is itself an unsupported-schema-change condition, surfaced by
// checkDegraded/diffDDL rather than here, so this only serves tables
// already known.
func (m *Maker) relationID(oid uint32) TableID {
	if t, ok := m.initialSchema[oid]; ok {
		return TableID{Schema: t.Schema, Name: t.Name}
	}
	return TableID{}
}

// handleCustom decodes a ddlStart/ddlUpdate pg_logical_emit_message
// payload (see pkg/shard's installDDLEventTriggers) and, for ddlUpdate,
// runs diffDDL against the schema captured by the matching ddlStart.
func (m *Maker) handleCustom(msg *replstream.CustomMessage) ([]ChangeStreamMessage, error) {
	var raw map[string]any
	if err := json.Unmarshal(msg.Content, &raw); err != nil {
		return nil, fmt.Errorf("changemaker: decode custom message: %w", err)
	}

	var payload ddlPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &payload, TagName: "mapstructure"})
	if err != nil {
		return nil, fmt.Errorf("changemaker: build custom message decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("changemaker: decode custom message: %w", err)
	}

	switch payload.Type {
	case "ddlStart":
		snap := payload.Schema
		m.preSchema = &snap
		return nil, nil

	case "ddlUpdate":
		if m.preSchema == nil {
			return nil, fmt.Errorf("%w: ddlUpdate with no preceding ddlStart", errkind.InvalidMessage)
		}
		prev := *m.preSchema
		m.preSchema = nil

		changes, err := diffDDL(prev, payload.Schema)
		if err != nil {
			return nil, err
		}

		m.cancelFixup()
		if keyless := newlyKeylessTables(payload.Schema); len(keyless) > 0 && m.fixup != nil {
			m.scheduleFixup(keyless)
		}

		out := make([]ChangeStreamMessage, len(changes))
		for i, c := range changes {
			out[i] = dataMsg(c)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unrecognized custom message type %q", errkind.InvalidMessage, payload.Type)
	}
}

// scheduleFixup arms a one-shot timer that invokes m.fixup after
// fixupDelay, cancellable by a subsequent ddlUpdate.
func (m *Maker) scheduleFixup(tables []TableID) {
	fixupCtx, cancel := context.WithCancel(context.Background())
	m.fixupCancel = cancel
	m.fixupTimer = time.AfterFunc(fixupDelay, func() {
		if fixupCtx.Err() != nil {
			return
		}
		if err := m.fixup(fixupCtx, tables); err != nil {
			m.logger.Warn("deferred replica-identity fixup failed", zap.Error(err))
		}
	})
}

func (m *Maker) cancelFixup() {
	if m.fixupTimer != nil {
		m.fixupTimer.Stop()
		m.fixupTimer = nil
	}
	if m.fixupCancel != nil {
		m.fixupCancel()
		m.fixupCancel = nil
	}
}
