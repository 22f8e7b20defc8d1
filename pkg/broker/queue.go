// Package broker is a thin NATS publisher used to notify the external
// recorder worker the recording module hands off to (spec.md §4.11/§6 —
// that worker is out of scope here).
package broker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Queue publishes fire-and-forget notifications to a NATS subject.
type Queue struct {
	conn *nats.Conn
}

// New dials a NATS server. Connection failures are surfaced immediately
// since the recording module's start/stop notices go out over this connection.
func New(url string) (*Queue, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("broker: connect: %w", err)
	}
	return &Queue{conn: conn}, nil
}

// Publish satisfies recording.Queue.
func (q *Queue) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := q.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("broker: publish %s: %w", subject, err)
	}
	return nil
}

// Close closes the underlying connection (nats Close, without Drain).
func (q *Queue) Close() {
	q.conn.Close()
}
