package cutibot

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelMemoryReset = "cutibot_memory_reset"
	postgresListenRetryInterval      = 5 * time.Second
)

// memoryResetNotifier tells other bot instances sharing the same database
// to clear their conversation memory
type memoryResetNotifier interface {
	// ID identifies this instance, so it can ignore its own notifications
	ID() string

	// NotifyMemoryReset asks other instances to clear all memory
	NotifyMemoryReset(ctx context.Context) error

	// Listen blocks until ctx is done, calling onReset when another
	// instance sends a memory reset
	Listen(ctx context.Context, onReset func(ctx context.Context)) error
}

func newMemoryResetNotifier(
	dbType string,
	dsn string,
	db DBI,
	logger *slog.Logger,
) memoryResetNotifier {
	id := uuid.NewString()
	if dbType == dbTypePostgres {
		return &postgresNotifier{
			id:     id,
			dsn:    dsn,
			db:     db,
			logger: logger.With("pg_notify_id", id),
		}
	}
	return sqliteNotifier{id: id}
}

// sqliteNotifier is used for SQLite databases, where only a single
// instance is expected
type sqliteNotifier struct {
	id string
}

func (s sqliteNotifier) ID() string {
	return s.id
}

func (sqliteNotifier) NotifyMemoryReset(context.Context) error {
	return nil
}

func (sqliteNotifier) Listen(ctx context.Context, _ func(context.Context)) error {
	<-ctx.Done()
	return nil
}

// postgresNotifier uses LISTEN/NOTIFY to broadcast memory resets
type postgresNotifier struct {
	id     string
	dsn    string
	db     DBI
	logger *slog.Logger
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) NotifyMemoryReset(ctx context.Context) error {
	err := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelMemoryReset,
		p.ID(),
	).Error
	if err != nil {
		return fmt.Errorf("error sending memory reset notification: %w", err)
	}
	p.logger.InfoContext(ctx, "sent memory reset notification")
	return nil
}

func (p *postgresNotifier) Listen(
	ctx context.Context,
	onReset func(ctx context.Context),
) error {
	logger := p.logger.With("channel", postgresNotifyChannelMemoryReset)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(
		ctx,
		fmt.Sprintf("LISTEN %s", postgresNotifyChannelMemoryReset),
	); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			if !sleepUntilDone(ctx, postgresListenRetryInterval) {
				break
			}
			continue
		}
		if notification.Payload == p.ID() {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			continue
		}
		logger.InfoContext(
			ctx,
			"received memory reset notification",
			"from", notification.Payload,
		)
		onReset(ctx)
	}
	logger.InfoContext(ctx, "stopped listening on channel")
	return nil
}
