package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/edgeflare/pgreplicate/pkg/pipeline/cdc"
)

type fakeConnector struct {
	published []cdc.Event
}

func (f *fakeConnector) Connect(config json.RawMessage, args ...any) error { return nil }
func (f *fakeConnector) Pub(event cdc.Event, args ...any) error {
	f.published = append(f.published, event)
	return nil
}
func (f *fakeConnector) Sub(args ...any) (<-chan cdc.Event, error) {
	return nil, ErrConnectorTypeMismatch
}
func (f *fakeConnector) Type() ConnectorType { return ConnectorTypePub }
func (f *fakeConnector) Disconnect() error   { return nil }

func TestManagerAddAndGetPeer(t *testing.T) {
	fake := &fakeConnector{}
	RegisterConnector("fake", fake)

	m := NewManager()
	if _, err := m.AddPeer("fake", "fake-sink"); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	peer, err := m.GetPeer("fake-sink")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if err := peer.Connector().Pub(cdc.Event{Payload: cdc.Payload{Op: cdc.OpCreate}}); err != nil {
		t.Fatalf("Pub: %v", err)
	}
	if len(fake.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(fake.published))
	}

	if _, err := m.GetPeer("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestManagerInitConnectsAllConfiguredPeers(t *testing.T) {
	fake := &fakeConnector{}
	RegisterConnector("fake-init", fake)

	m := NewManager()
	if err := m.Init(&Config{
		Peers: []PeerConfig{{Name: "fake-init-peer", ConnectorName: "fake-init"}},
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if len(m.Peers()) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(m.Peers()))
	}
}
