package realtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Listener is one connection subscribed to change feed channels.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	// WaitForNotification blocks until a notification arrives, the
	// connection fails or ctx is done.
	WaitForNotification(ctx context.Context) (channel string, payload []byte, err error)
	Close(ctx context.Context) error
}

// Dialer opens a new Listener.
type Dialer func(ctx context.Context) (Listener, error)

// PgxDialer dials a dedicated PostgreSQL connection for LISTEN. Pooled
// connections cannot be used: notifications are delivered to the session
// that issued LISTEN.
func PgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (Listener, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect listener: %w", err)
		}
		return &pgxListener{conn: conn}, nil
	}
}

type pgxListener struct {
	conn *pgx.Conn
}

func (l *pgxListener) Listen(ctx context.Context, channel string) error {
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (l *pgxListener) WaitForNotification(ctx context.Context) (string, []byte, error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", nil, err
	}
	return n.Channel, []byte(n.Payload), nil
}

func (l *pgxListener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}
