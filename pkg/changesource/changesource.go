// Package changesource implements C9: handing a shard's replication slot
// to a single streaming subscriber, translating its decoded change stream
// through a changemaker.Maker, and exposing the result as a back-pressured
// subscription the caller drains and acknowledges.
//
// StartStream is the only entry point. Everything else in this package
// supports the slot handoff (terminating whichever backend currently holds
// the slot, pruning stale replica rows, retrying orphaned-slot drops) and
// the forwarding loop that turns pkg/replstream messages into
// pkg/changemaker.ChangeStreamMessage values.
package changesource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/edgeflare/pgreplicate/pkg/changemaker"
	"github.com/edgeflare/pgreplicate/pkg/errkind"
	"github.com/edgeflare/pgreplicate/pkg/metrics"
	"github.com/edgeflare/pgreplicate/pkg/replstream"
	"github.com/edgeflare/pgreplicate/pkg/schema"
	"github.com/edgeflare/pgreplicate/pkg/shard"
	"github.com/edgeflare/pgreplicate/pkg/watermark"
)

// adminShutdownCode is PG_ADMIN_SHUTDOWN's SQLSTATE: the server terminated
// the backend, typically because a competing subscriber just displaced it
// on the same slot (see terminateExistingBackends).
const adminShutdownCode = "57P01"

// Config parameterizes one streaming session against an already
// initial-synced shard.
type Config struct {
	ID            shard.ID
	Publications  []string // must match what initsync actually used; see Config.Publications there
	ReplicaID     string
	InitialSchema map[uint32]schema.PublishedTableSpec // as persisted by pkg/initsync's Result
	DDLDetection  bool

	Logger *zap.Logger
}

// Stream is a running streaming session: Changes is the forwarding loop's
// output, Ack reports a processed watermark back upstream, and Close tears
// the whole thing down.
type Stream struct {
	changes <-chan changemaker.ChangeStreamMessage
	acker   *replstream.Acker
	conn    *pgx.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// Changes is the ChangeStreamMessage sequence spec.md §4.8 defines, in
// commit order, ending when Close is called or the upstream session tears
// down.
func (s *Stream) Changes() <-chan changemaker.ChangeStreamMessage {
	return s.changes
}

// Ack acknowledges that the caller has durably applied every change up to
// and including wm, advancing the slot's confirmed_flush position.
func (s *Stream) Ack(ctx context.Context, wm watermark.LexiVersion) error {
	return s.acker.Ack(ctx, wm)
}

// Close cancels the streaming session and blocks until its goroutines have
// exited and the replication connection is closed.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
	s.conn.Close(context.Background())
}

// StartStream implements spec.md §4.9's startStream: it displaces whatever
// subscriber currently holds the shard's slot, prunes stale replica
// bookkeeping (dropping the slots that go with it in the background),
// starts streaming one position after clientWatermark, and returns a Stream
// whose Changes channel the caller drains and whose Ack method it calls as
// it durably applies each batch.
func StartStream(ctx context.Context, connConfig *pgx.ConnConfig, clientWatermark watermark.LexiVersion, cfg Config) (*Stream, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}

	adminConn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("changesource: connect: %w", err)
	}

	if err := terminateExistingBackends(ctx, adminConn, cfg.ID); err != nil {
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: terminate existing backends: %w", err)
	}

	orphanedSlots, err := pruneReplicas(ctx, adminConn, cfg.ID, cfg.ReplicaID)
	if err != nil {
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: prune replicas: %w", err)
	}
	dropOrphanedSlotsAsync(connConfig, orphanedSlots, cfg.ID.Prefix(), logger)

	startAfter, err := watermark.OneAfter(clientWatermark)
	if err != nil {
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: %w", err)
	}
	startLSN, err := watermark.FromLexi(startAfter)
	if err != nil {
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: %w", err)
	}

	replConn, err := connectReplication(ctx, connConfig)
	if err != nil {
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: connect replication: %w", err)
	}

	// fixupConn is dedicated to the deferred post-DDL replica-identity
	// fixup (changemaker.FixupFunc), which runs on its own timer goroutine:
	// sharing adminConn with it would let that goroutine and forward's
	// degraded-mode checks issue queries on the same *pgx.Conn at once,
	// which pgx does not allow.
	fixupConn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		replConn.Close(context.Background())
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: connect fixup connection: %w", err)
	}

	slotName := cfg.ID.ReplicationSlotName(cfg.ReplicaID)
	publications := effectivePublications(cfg.ID, cfg.Publications)

	messages, acker, err := replstream.Subscribe(ctx, replConn.PgConn(), replstream.Config{
		Slot:         slotName,
		Publications: publications,
		StartLSN:     startLSN,
	})
	if err != nil {
		fixupConn.Close(context.Background())
		replConn.Close(context.Background())
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: subscribe: %w", err)
	}

	fixup := func(fixupCtx context.Context, _ []changemaker.TableID) error {
		return shard.FixupReplicaIdentities(fixupCtx, fixupConn, publications, logger)
	}
	maker := changemaker.NewMaker(adminConn, publications, cfg.ID.Prefix(), cfg.InitialSchema, cfg.DDLDetection, fixup, logger)

	// lagConn is dedicated to the lag poller for the same reason fixupConn
	// is dedicated to the fixup closure: it runs on its own ticker
	// goroutine, concurrently with forward's use of adminConn.
	lagConn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		fixupConn.Close(context.Background())
		replConn.Close(context.Background())
		adminConn.Close(context.Background())
		return nil, fmt.Errorf("changesource: connect lag poller connection: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan changemaker.ChangeStreamMessage)
	done := make(chan struct{})
	go forward(streamCtx, messages, acker, maker, out, done, slotName, cfg.ID.Prefix(), logger)
	go pollReplicationLag(streamCtx, lagConn, slotName, cfg.ID.Prefix(), cfg.ReplicaID, logger)

	return &Stream{
		changes: out,
		acker:   acker,
		conn:    replConn,
		cancel: func() {
			cancel()
			adminConn.Close(context.Background())
			fixupConn.Close(context.Background())
			lagConn.Close(context.Background())
		},
		done: done,
	}, nil
}

// lagPollInterval is how often pollReplicationLag samples
// pg_replication_slots for the slot's lag, per spec.md §4.9's "external
// interfaces" expectation that a change source surfaces lag for
// observability without polling faster than the standby update cadence.
const lagPollInterval = 10 * time.Second

// pollReplicationLag samples the WAL gap between the upstream's current
// insert position and slotName's confirmed_flush position until ctx is
// done, publishing it as ReplicationLagBytes. Runs on its own connection so
// it never contends with forward's or the fixup closure's catalog queries.
func pollReplicationLag(ctx context.Context, conn *pgx.Conn, slotName, shardLabel, replicaLabel string, logger *zap.Logger) {
	gauge := metrics.ReplicationLagBytes.WithLabelValues(shardLabel, replicaLabel)
	ticker := time.NewTicker(lagPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var lagBytes int64
			err := conn.QueryRow(ctx, `
				SELECT pg_wal_lsn_diff(pg_current_wal_lsn(), confirmed_flush_lsn)
				FROM pg_replication_slots WHERE slot_name = $1
			`, slotName).Scan(&lagBytes)
			if err != nil {
				logger.Warn("changesource: failed to sample replication lag", zap.String("slot", slotName), zap.Error(err))
				continue
			}
			gauge.Set(float64(lagBytes))
		}
	}
}

// forward drains messages, routes each through maker, and pushes the
// resulting ChangeStreamMessage values into out one at a time - a push
// blocks until the consumer receives it, so the producer never pulls the
// next upstream message before the previous one's output has been
// delivered, per spec.md §5's back-pressure model.
func forward(ctx context.Context, messages <-chan replstream.Message, acker *replstream.Acker, maker *changemaker.Maker, out chan<- changemaker.ChangeStreamMessage, done chan<- struct{}, slotName, shardLabel string, logger *zap.Logger) {
	defer close(done)
	defer close(out)

	for msg := range messages {
		changes, err := maker.MakeChanges(ctx, msg)
		if err != nil {
			metrics.ChangeMakerErrors.WithLabelValues(shardLabel, "internal").Inc()
			logger.Error("changesource: change maker returned an error it should have latched internally", zap.Error(err))
			return
		}
		for _, c := range changes {
			metrics.ChangesProcessed.WithLabelValues(shardLabel, string(c.Tag)).Inc()
			if c.Tag == changemaker.TagControl {
				metrics.ChangeMakerErrors.WithLabelValues(shardLabel, c.Control).Inc()
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}

	switch err := classifyStreamErr(acker.Err()); {
	case err == nil:
	case errors.Is(err, errkind.ShutdownSignal):
		logger.Info("changesource: upstream backend terminated, handing off slot", zap.String("slot", slotName), zap.Error(err))
	default:
		logger.Warn("changesource: replication session ended with an error", zap.String("slot", slotName), zap.Error(err))
	}
}

func isAdminShutdown(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == adminShutdownCode
}

// classifyStreamErr maps a terminal replication-session error to the
// caller-facing sentinel spec.md §7 prescribes: a graceful handoff reports
// errkind.ShutdownSignal, everything else propagates as-is.
func classifyStreamErr(err error) error {
	if err == nil {
		return nil
	}
	if isAdminShutdown(err) {
		return fmt.Errorf("%w: %v", errkind.ShutdownSignal, err)
	}
	return err
}

// connectReplication derives a replication-mode connection from connConfig,
// mirroring pkg/initsync's identically named helper; duplicated rather than
// exported across packages since it is three lines of pgx.ConnConfig
// plumbing with no other shared state to justify a dependency between them.
func connectReplication(ctx context.Context, connConfig *pgx.ConnConfig) (*pgx.Conn, error) {
	replConfig := connConfig.Copy()
	if replConfig.RuntimeParams == nil {
		replConfig.RuntimeParams = map[string]string{}
	}
	replConfig.RuntimeParams["replication"] = "database"
	return pgx.ConnectConfig(ctx, replConfig)
}

// effectivePublications mirrors shard.ensurePublications' default-naming
// rule, duplicated from pkg/initsync for the same reason as
// connectReplication above.
func effectivePublications(id shard.ID, requested []string) []string {
	if len(requested) == 0 {
		return []string{id.PublicPublicationName()}
	}
	out := make([]string, len(requested))
	copy(out, requested)
	return out
}
