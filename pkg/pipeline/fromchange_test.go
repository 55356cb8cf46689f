package pipeline

import (
	"testing"

	"github.com/edgeflare/pgreplicate/pkg/changemaker"
	"github.com/edgeflare/pgreplicate/pkg/pipeline/cdc"
)

func TestFromChangeStreamMessageInsert(t *testing.T) {
	msg := changemaker.ChangeStreamMessage{
		Tag: changemaker.TagData,
		Data: &changemaker.DataChange{
			Op:       changemaker.OpInsert,
			Relation: changemaker.TableID{Schema: "public", Name: "widgets"},
			New:      map[string]any{"id": int64(1), "name": "gizmo"},
		},
	}

	event, ok := FromChangeStreamMessage("shard", msg)
	if !ok {
		t.Fatal("expected ok=true for a data message")
	}
	if event.Payload.Op != cdc.OpCreate {
		t.Fatalf("expected OpCreate, got %s", event.Payload.Op)
	}
	if event.Payload.Source.Table != "widgets" || event.Payload.Source.Schema != "public" {
		t.Fatalf("unexpected source: %+v", event.Payload.Source)
	}
	if event.Payload.After.(map[string]any)["name"] != "gizmo" {
		t.Fatalf("unexpected after payload: %+v", event.Payload.After)
	}
}

func TestFromChangeStreamMessageSkipsNonDataMessages(t *testing.T) {
	for _, msg := range []changemaker.ChangeStreamMessage{
		{Tag: changemaker.TagBegin},
		{Tag: changemaker.TagCommit},
		{Tag: changemaker.TagData, Data: &changemaker.DataChange{Op: changemaker.OpCreateTable}},
	} {
		if _, ok := FromChangeStreamMessage("shard", msg); ok {
			t.Fatalf("expected ok=false for %+v", msg)
		}
	}
}
