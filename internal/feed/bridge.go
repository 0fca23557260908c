package feed

import (
	"context"
	"encoding/json"
	"time"

	"backend-uthutho/internal/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type notificationConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

type acquireFunc func(ctx context.Context) (conn notificationConn, release func(), err error)

type publisher interface {
	Publish(ctx context.Context, change Change)
}

// Bridge turns Postgres NOTIFY payloads emitted by the row triggers into hub
// publishes. It holds one pooled connection for LISTEN and reconnects after
// failures.
type Bridge struct {
	acquire    acquireFunc
	hub        publisher
	channel    string
	retryDelay time.Duration
	log        logrus.FieldLogger
}

func NewBridge(pool *pgxpool.Pool, hub publisher, channel string, log logrus.FieldLogger) *Bridge {
	return newBridge(func(ctx context.Context) (notificationConn, func(), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return conn.Conn(), conn.Release, nil
	}, hub, channel, log)
}

func newBridge(acquire acquireFunc, hub publisher, channel string, log logrus.FieldLogger) *Bridge {
	if channel == "" {
		channel = "journey_changes"
	}
	return &Bridge{
		acquire:    acquire,
		hub:        hub,
		channel:    channel,
		retryDelay: 2 * time.Second,
		log:        logger.OrDiscard(log),
	}
}

func (b *Bridge) Run(ctx context.Context) error {
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.WithError(err).Warn("feed bridge disconnected, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay):
		}
	}
}

func (b *Bridge) listen(ctx context.Context) error {
	conn, release, err := b.acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire listen conn")
	}
	defer release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return errors.Wrap(err, "listen")
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait for notification")
		}
		var change Change
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			b.log.WithError(err).WithField("payload", n.Payload).Warn("feed bridge: bad payload")
			continue
		}
		b.hub.Publish(ctx, change)
	}
}
