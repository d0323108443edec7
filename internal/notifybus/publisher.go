// Package notifybus pushes committed notification events to subscribers. The
// stored event is the record of truth; the bus is best effort.
package notifybus

import (
	"context"

	"github.com/alovak/virtualcards/issuer/models"
)

type Publisher interface {
	Publish(ctx context.Context, events []*models.NotificationEvent) error
}

// NopPublisher drops everything. It is used when no bus is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []*models.NotificationEvent) error {
	return nil
}

// Message is the JSON payload put on the bus.
type Message struct {
	Type  string                    `json:"type"`
	Event *models.NotificationEvent `json:"event"`
}

const MessageTypeNotification = "notification"
