package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/lying200/db-bench-order/internal/config"
	"github.com/lying200/db-bench-order/internal/pipeline"
	"github.com/lying200/db-bench-order/pkg/types"
)

const (
	standbyInterval = 10 * time.Second
	receiveTimeout  = 5 * time.Second
)

// Source streams row changes from a pgoutput logical replication slot. It
// reports the checkpoint's safe position back to the server, so WAL is only
// released once every earlier change has been flushed to the index.
type Source struct {
	cfg        config.PostgresSource
	conn       *pgconn.PgConn
	checkpoint *pipeline.CheckpointManager
	outCh      chan<- *types.RawEvent
}

func NewSource(cfg config.PostgresSource, cm *pipeline.CheckpointManager, out chan<- *types.RawEvent) *Source {
	return &Source{
		cfg:        cfg,
		checkpoint: cm,
		outCh:      out,
	}
}

// Start blocks until ctx is done or the replication stream fails. It closes
// the output channel on return.
func (s *Source) Start(ctx context.Context) error {
	defer close(s.outCh)

	pgcfg, err := pgconn.ParseConfig(s.cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("invalid postgres connection string: %w", err)
	}
	conn, err := pgconn.ConnectConfig(ctx, pgcfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.conn = conn
	defer conn.Close(context.Background())

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("IdentifySystem failed: %w", err)
	}
	slog.Info("System identified", "system_id", sysident.SystemID, "xlogpos", sysident.XLogPos, "database", pgcfg.Database)

	// Zero lets the slot resume from its confirmed flush position.
	startLSN := pglogrepl.LSN(s.checkpoint.GetSafePosition())

	slog.Info("Starting replication", "slot", s.cfg.SlotName, "start_lsn", startLSN)
	err = pglogrepl.StartReplication(ctx, conn, s.cfg.SlotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{"proto_version '1'", "publication_names '" + s.cfg.Publication + "'"},
	})
	if err != nil {
		return fmt.Errorf("StartReplication failed: %w", err)
	}

	dec := newDecoder(pgcfg.Database)
	ticker := time.NewTicker(standbyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sendStandbyStatus(ctx); err != nil {
				slog.Error("Failed to send heartbeat", "error", err)
			}
		default:
			ctxTimeout, cancel := context.WithTimeout(ctx, receiveTimeout)
			msg, err := conn.ReceiveMessage(ctxTimeout)
			cancel()

			if err != nil {
				if pgconn.Timeout(err) {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ReceiveMessage failed: %w", err)
			}

			switch msg := msg.(type) {
			case *pgproto3.CopyData:
				switch msg.Data[0] {
				case pglogrepl.PrimaryKeepaliveMessageByteID:
					pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
					if err != nil {
						slog.Error("ParsePrimaryKeepaliveMessage failed", "error", err)
						continue
					}
					if pkm.ReplyRequested {
						if err := s.sendStandbyStatus(ctx); err != nil {
							slog.Error("Failed to answer keepalive", "error", err)
						}
					}
				case pglogrepl.XLogDataByteID:
					xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
					if err != nil {
						slog.Error("ParseXLogData failed", "error", err)
						continue
					}
					if err := s.handleLogicalMsg(ctx, dec, xld); err != nil {
						slog.Error("Handle logical msg failed", "lsn", xld.WALStart, "error", err)
					}
				}
			case *pgproto3.ErrorResponse:
				return fmt.Errorf("replication error: %s", msg.Message)
			default:
				slog.Debug("Received unexpected message", "type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

func (s *Source) sendStandbyStatus(ctx context.Context) error {
	safe := pglogrepl.LSN(s.checkpoint.GetSafePosition())
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: safe,
		WALFlushPosition: safe,
		WALApplyPosition: safe,
		ClientTime:       time.Now(),
		ReplyRequested:   false,
	})
}

// handleLogicalMsg forwards row changes. Positions are tracked by the
// dispatcher, not here, so non-row messages never hold the checkpoint back.
func (s *Source) handleLogicalMsg(ctx context.Context, dec *decoder, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return err
	}
	ev, err := dec.decode(logicalMsg)
	if err != nil || ev == nil {
		return err
	}
	ev.Position = types.Position(xld.WALStart)
	ev.Received = xld.ServerTime

	select {
	case s.outCh <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
