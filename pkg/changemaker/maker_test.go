package changemaker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/errkind"
	"github.com/edgeflare/pgreplicate/pkg/replstream"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

const testShardPrefix = "testapp/0"

func newTestMaker(ddlDetection bool) *Maker {
	return NewMaker(nil, nil, testShardPrefix, map[uint32]schema.PublishedTableSpec{
		1: {TableSpec: schema.TableSpec{Schema: "public", Name: "widgets"}, OID: 1},
	}, ddlDetection, nil, zap.NewNop())
}

func TestMakeChangesBeginCommit(t *testing.T) {
	m := newTestMaker(true)
	ctx := context.Background()

	out, err := m.MakeChanges(ctx, replstream.Message{Tag: replstream.TagBegin, Begin: &replstream.BeginMessage{CommitLSN: 100}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, TagBegin, out[0].Tag)
	assert.Equal(t, watermark.ToLexi(100), out[0].Watermark)

	out, err = m.MakeChanges(ctx, replstream.Message{Tag: replstream.TagCommit, Commit: &replstream.CommitMessage{CommitLSN: 200}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, TagCommit, out[0].Tag)
}

func TestMakeChangesInsert(t *testing.T) {
	m := newTestMaker(true)
	out, err := m.MakeChanges(context.Background(), replstream.Message{
		Tag: replstream.TagInsert,
		Row: &replstream.RowMessage{RelationOID: 1, New: map[string]any{"id": int64(1)}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, TagData, out[0].Tag)
	assert.Equal(t, OpInsert, out[0].Data.Op)
	assert.Equal(t, TableID{Schema: "public", Name: "widgets"}, out[0].Data.Relation)
}

func TestMakeChangesTruncateMultipleRelations(t *testing.T) {
	m := newTestMaker(true)
	out, err := m.MakeChanges(context.Background(), replstream.Message{
		Tag:      replstream.TagTruncate,
		Truncate: &replstream.TruncateMessage{RelationOIDs: []uint32{1, 1}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, OpTruncate, out[0].Data.Op)
}

func TestMakeChangesKeepaliveRelayed(t *testing.T) {
	m := newTestMaker(true)
	ka := &replstream.KeepaliveMessage{ServerWALEnd: pglogrepl.LSN(42)}
	out, err := m.MakeChanges(context.Background(), replstream.Message{Tag: replstream.TagKeepalive, Keepalive: ka})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, TagStatus, out[0].Tag)
	assert.Same(t, ka, out[0].Keepalive)
}

func TestMakeChangesIgnoresOtherShardCustomMessage(t *testing.T) {
	m := newTestMaker(true)
	out, err := m.MakeChanges(context.Background(), replstream.Message{
		Tag:    replstream.TagMessage,
		Custom: &replstream.CustomMessage{Prefix: "otherapp/0", Content: []byte(`{"type":"ddlStart"}`)},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Nil(t, m.preSchema)
}

func TestMakeChangesDeleteRequiresOldOrKey(t *testing.T) {
	m := newTestMaker(true)
	_, err := m.MakeChanges(context.Background(), replstream.Message{
		Tag: replstream.TagDelete,
		Row: &replstream.RowMessage{RelationOID: 1},
	})
	require.NoError(t, err) // the error is swallowed into a latch, not returned directly
	m.mu.Lock()
	latched := m.latchedErr
	m.mu.Unlock()
	require.Error(t, latched)
	assert.ErrorIs(t, latched, errkind.InvalidMessage)
}

func TestMakeChangesLatchesAndEmitsResetRequired(t *testing.T) {
	m := newTestMaker(true)
	ctx := context.Background()

	// Force a latch via an unrecognized custom message type.
	out, err := m.MakeChanges(ctx, replstream.Message{
		Tag:    replstream.TagMessage,
		Custom: &replstream.CustomMessage{Prefix: testShardPrefix, Content: []byte(`{"type":"bogus"}`)},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, TagRollback, out[0].Tag)
	assert.Equal(t, TagControl, out[1].Tag)
	assert.Equal(t, ControlResetRequired, out[1].Control)

	// Subsequent calls stay latched regardless of message content: the
	// reset was already emitted, so they produce nothing.
	out, err = m.MakeChanges(ctx, replstream.Message{Tag: replstream.TagBegin, Begin: &replstream.BeginMessage{CommitLSN: 1}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHandleCustomDDLStartThenUpdate(t *testing.T) {
	m := newTestMaker(true)

	start := ddlPayload{Type: "ddlStart", Schema: schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "widgets", Columns: []snapCol{{Name: "id", Pos: 1, TypeOID: 20}}},
	}}}
	startJSON, err := json.Marshal(start)
	require.NoError(t, err)

	out, err := m.handleCustom(&replstream.CustomMessage{Content: mustJSON(t, start, startJSON)})
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NotNil(t, m.preSchema)

	update := ddlPayload{Type: "ddlUpdate", Schema: schemaSnapshot{Tables: []snapTable{
		{OID: 1, Schema: "public", Name: "gadgets", Columns: []snapCol{{Name: "id", Pos: 1, TypeOID: 20}}},
	}}}
	out, err = m.handleCustom(&replstream.CustomMessage{Content: mustJSON(t, update, nil)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, OpRenameTable, out[0].Data.Op)
	assert.Nil(t, m.preSchema)
}

func TestHandleCustomDDLUpdateWithoutStartFails(t *testing.T) {
	m := newTestMaker(true)
	update := ddlPayload{Type: "ddlUpdate", Schema: schemaSnapshot{}}
	_, err := m.handleCustom(&replstream.CustomMessage{Content: mustJSON(t, update, nil)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.InvalidMessage)
}

func TestHandleCustomSchedulesFixupForKeylessTable(t *testing.T) {
	m := newTestMaker(true)
	m.preSchema = &schemaSnapshot{}

	called := make(chan []TableID, 1)
	m.fixup = func(ctx context.Context, tables []TableID) error {
		called <- tables
		return nil
	}

	update := ddlPayload{Type: "ddlUpdate", Schema: schemaSnapshot{Tables: []snapTable{
		{OID: 2, Schema: "public", Name: "keyless", Columns: []snapCol{{Name: "id", Pos: 1, TypeOID: 20}}},
	}}}
	_, err := m.handleCustom(&replstream.CustomMessage{Content: mustJSON(t, update, nil)})
	require.NoError(t, err)

	select {
	case tables := <-called:
		require.Len(t, tables, 1)
		assert.Equal(t, TableID{Schema: "public", Name: "keyless"}, tables[0])
	case <-time.After(2 * time.Second):
		t.Fatal("fixup was not invoked")
	}
}

// mustJSON marshals v to JSON unless raw is non-nil, in which case raw is
// used directly (lets the start/update test reuse the already-marshaled
// payload without a redundant round-trip).
func mustJSON(t *testing.T, v any, raw []byte) []byte {
	t.Helper()
	if raw != nil {
		return raw
	}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
