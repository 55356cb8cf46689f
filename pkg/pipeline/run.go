package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/changemaker"
	"github.com/edgeflare/pgreplicate/pkg/pipeline/cdc"
)

// RunFromChangeStream feeds pl's sinks from a running change stream: every
// row-level message is converted with FromChangeStreamMessage, run through
// pl's source/pipeline/sink transformations, and published to each
// configured sink peer. It returns once changes closes or ctx is done.
//
// This is the pipeline's sole entrypoint onto the replication core: the
// core packages never import this package back, so a pipeline failure
// (a misbehaving sink, say) cannot affect the replica's own correctness.
func RunFromChangeStream(ctx context.Context, mgr *Manager, pl Pipeline, sourceName string, changes <-chan changemaker.ChangeStreamMessage) {
	source := Source{Name: sourceName}
	for _, src := range pl.Sources {
		if src.Name == sourceName {
			source = src
			break
		}
	}

	sinkChannels := make(map[string]chan cdc.Event, len(pl.Sinks))
	var wg sync.WaitGroup
	for _, sink := range pl.Sinks {
		peer, err := mgr.GetPeer(sink.Name)
		if err != nil {
			mgr.logger.Warn("pipeline sink peer not found, skipping", zap.String("sink", sink.Name))
			continue
		}
		ch := make(chan cdc.Event, 256)
		sinkChannels[sink.Name] = ch
		wg.Add(1)
		go processSinkEvents(ctx, &wg, pl, sink, peer, ch)
	}
	defer func() {
		for _, ch := range sinkChannels {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case msg, more := <-changes:
			if !more {
				return
			}
			event, ok := FromChangeStreamMessage(sourceName, msg)
			if !ok {
				continue
			}
			ProcessEvent(pl, source, event, sinkChannels)
		case <-ctx.Done():
			return
		}
	}
}
