package replstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/pgreplicate/pkg/watermark"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// keepaliveWindow is the Acker's one-shot timer duration: strictly shorter
// than any reasonable wal_sender_timeout (seconds, per spec.md §4.7).
const keepaliveWindow = time.Second

// Config configures a Subscribe call.
type Config struct {
	Slot                  string
	Publications          []string
	StartLSN              pglogrepl.LSN
	StandbyUpdateInterval time.Duration // default 10s if zero
}

// Subscribe starts logical replication on an already-open replication
// connection and returns a channel of decoded messages plus the Acker
// that controls standby status updates (confirmed_flush advancement).
// Cancelling ctx tears down the session and closes messages.
func Subscribe(ctx context.Context, conn *pgconn.PgConn, cfg Config) (<-chan Message, *Acker, error) {
	if cfg.StandbyUpdateInterval <= 0 {
		cfg.StandbyUpdateInterval = 10 * time.Second
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", strings.Join(cfg.Publications, ", ")),
	}
	if err := pglogrepl.StartReplication(ctx, conn, cfg.Slot, cfg.StartLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return nil, nil, fmt.Errorf("replstream: start replication on slot %s: %w", cfg.Slot, err)
	}

	messages := make(chan Message, 64)
	acker := newAcker(conn)
	go streamLoop(ctx, conn, cfg, messages, acker)
	return messages, acker, nil
}

// Acker is the exported sink for acknowledging processed watermarks. A
// single Acker belongs to one Subscribe session.
type Acker struct {
	conn *pgconn.PgConn

	mu    sync.Mutex
	timer *time.Timer
	err   error // set by streamLoop before messages closes; nil means a clean ctx cancellation
}

func newAcker(conn *pgconn.PgConn) *Acker {
	return &Acker{conn: conn}
}

// Ack immediately sends a Standby Status Update reporting watermark as the
// confirmed-flush position, cancelling any pending keepalive timer.
func (a *Acker) Ack(ctx context.Context, wm watermark.LexiVersion) error {
	lsn, err := watermark.FromLexi(wm)
	if err != nil {
		return fmt.Errorf("replstream: ack: %w", err)
	}

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	return pglogrepl.SendStandbyStatusUpdate(ctx, a.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
}

// Keepalive installs a one-shot timer that, unless superseded by a
// subsequent Ack, reports liveness without advancing confirmed_flush
// (lsn = 0) before the upstream's wal_sender_timeout can fire.
func (a *Acker) Keepalive() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(keepaliveWindow, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pglogrepl.SendStandbyStatusUpdate(ctx, a.conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: 0}); err != nil {
			zap.L().Warn("replstream: keepalive status update failed", zap.Error(err))
		}
	})
}

// Close cancels any pending keepalive timer. Called when the subscriber
// session tears down.
func (a *Acker) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Err returns the error that caused streamLoop to tear down and close the
// messages channel, or nil if the session ended because its context was
// cancelled. Safe to call any time after messages is observed closed; the
// caller uses this to tell a graceful slot handoff (PG_ADMIN_SHUTDOWN) apart
// from an unexpected connection failure, per spec.md §4.9.
func (a *Acker) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Acker) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func streamLoop(ctx context.Context, conn *pgconn.PgConn, cfg Config, messages chan<- Message, acker *Acker) {
	defer close(messages)
	defer acker.Close()

	relations := make(map[uint32]*RelationMessage)
	typeMap := pgtype.NewMap()
	walPos := cfg.StartLSN
	nextStandby := time.Now().Add(cfg.StandbyUpdateInterval)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Now().After(nextStandby) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: walPos}); err != nil {
				zap.L().Warn("replstream: periodic standby update failed, tearing down session", zap.Error(err))
				acker.setErr(err)
				return
			}
			nextStandby = time.Now().Add(cfg.StandbyUpdateInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		raw, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("replstream: receive failed, tearing down session", zap.Error(err))
			acker.setErr(err)
			return
		}

		copyData, ok := raw.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				continue
			}
			if pkm.ServerWALEnd > walPos {
				walPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				acker.Keepalive()
			}
			if !sendMessage(ctx, messages, Message{
				Tag: TagKeepalive,
				LSN: pkm.ServerWALEnd,
				Keepalive: &KeepaliveMessage{
					ServerWALEnd:   pkm.ServerWALEnd,
					ReplyRequested: pkm.ReplyRequested,
				},
			}) {
				return
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				continue
			}
			if xld.WALStart > walPos {
				walPos = xld.WALStart
			}
			msg, err := decodeMessage(xld.WALData, xld.WALStart, relations, typeMap)
			if err != nil {
				zap.L().Error("replstream: decode failed", zap.Error(err))
				continue
			}
			if !sendMessage(ctx, messages, *msg) {
				return
			}
		}
	}
}

func sendMessage(ctx context.Context, messages chan<- Message, msg Message) bool {
	select {
	case messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
