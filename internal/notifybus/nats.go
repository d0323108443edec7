package notifybus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/alovak/virtualcards/issuer/models"
)

const (
	DefaultURL           = "nats://localhost:4222"
	DefaultSubjectPrefix = "issuer.notifications"

	maxInFlight = 8
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Connect dials url, authenticating with token when one is given.
func Connect(url, token, name string) (*nats.Conn, error) {
	if url == "" {
		url = DefaultURL
	}
	opts := []nats.Option{
		nats.Name(name),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return conn, nil
}

// NATSPublisher publishes each event to <prefix>.<user id>.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

func (p *NATSPublisher) Subject(userID string) string {
	return p.prefix + "." + subjectToken(userID)
}

// Publish sends events concurrently. It returns the first failure after
// every send has finished or been cancelled.
func (p *NATSPublisher) Publish(ctx context.Context, events []*models.NotificationEvent) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	for _, event := range events {
		event := event
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := json.Marshal(Message{Type: MessageTypeNotification, Event: event})
			if err != nil {
				return fmt.Errorf("encoding event %s: %w", event.ID, err)
			}
			if err := p.conn.Publish(p.Subject(event.UserID), data); err != nil {
				return fmt.Errorf("publishing event %s: %w", event.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// subjectToken keeps a user id inside a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = NopPublisher{}
	_ Conn      = (*nats.Conn)(nil)
)
