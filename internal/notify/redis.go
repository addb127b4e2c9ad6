package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aditya/go-carpool/internal/models"
	"github.com/redis/go-redis/v9"
)

const userChannelPrefix = "notifications:"

// UserChannel is the pub/sub channel carrying one user's live notifications.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

type redisNotifier struct {
	redis *redis.Client
}

// NewRedisNotifier publishes envelopes on the recipient's channel for connected clients.
// Nothing is stored when no one is subscribed.
func NewRedisNotifier(client *redis.Client) Notifier {
	return &redisNotifier{redis: client}
}

func (n *redisNotifier) Notify(ctx context.Context, recipient models.Identity, event Event) error {
	data, err := json.Marshal(Envelope{
		RecipientID:    recipient.ID,
		RecipientEmail: recipient.Email,
		Event:          event,
	})
	if err != nil {
		return err
	}
	if err := n.redis.Publish(ctx, UserChannel(recipient.ID), data).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, recipient.ID, err)
	}
	return nil
}
