package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/oshokin/factory-update/internal/config"
)

var (
	errNilConnection   = errors.New("nats connection is not set")
	errNATSURLRequired = errors.New("nats_url must be provided for the nats notifier")
)

// Conn is the subset of *nats.Conn the notifier needs.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	Close()
}

// NATS publishes events as JSON to a core NATS subject.
type NATS struct {
	conn    Conn
	subject string
}

// NewNATS wraps an established connection.
func NewNATS(conn Conn, subject string) *NATS {
	return &NATS{
		conn:    conn,
		subject: subject,
	}
}

func newNATSFromConfig(cfg *config.Config) (Notifier, error) { //nolint:ireturn // Registry factory signature.
	if cfg.NATSURL == "" {
		return nil, errNATSURLRequired
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Name("factory-update-server"))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.NATSURL, err)
	}

	subject := cfg.NATSSubject
	if subject == "" {
		subject = config.DefaultNATSSubject
	}

	return NewNATS(conn, subject), nil
}

// Notify publishes the event and waits for the server to acknowledge the flush.
func (n *NATS) Notify(ctx context.Context, event Event) error {
	if n == nil || n.conn == nil {
		return errNilConnection
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err = n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", n.subject, err)
	}

	if err = n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", n.subject, err)
	}

	return nil
}

// Close drains the connection, falling back to a hard close.
func (n *NATS) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}

	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}

	return nil
}
