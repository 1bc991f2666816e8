package oauth2

import (
	"context"
	"time"
)

// DeactivationEvent announces that a connection needs reauthorization.
type DeactivationEvent struct {
	ConnectionID string      `json:"connection_id"`
	TenantRef    string      `json:"tenant_ref"`
	Provider     string      `json:"provider"`
	Kind         FailureKind `json:"kind"`
	Message      string      `json:"message"`
	At           time.Time   `json:"at"`
}

// DeactivationNotifier is told about every deactivation the engine makes.
// Errors are logged by the engine and never change the refresh result.
type DeactivationNotifier interface {
	NotifyDeactivated(ctx context.Context, event DeactivationEvent) error
}

// Publisher is the subset of the Redis client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// PubSubNotifier publishes deactivation events as JSON on a Redis channel.
type PubSubNotifier struct {
	publisher Publisher
	channel   string
}

// NewPubSubNotifier creates a notifier publishing on channel.
func NewPubSubNotifier(publisher Publisher, channel string) *PubSubNotifier {
	return &PubSubNotifier{publisher: publisher, channel: channel}
}

func (n *PubSubNotifier) NotifyDeactivated(ctx context.Context, event DeactivationEvent) error {
	return n.publisher.Publish(ctx, n.channel, event)
}

// NotifierFunc adapts a function to DeactivationNotifier.
type NotifierFunc func(ctx context.Context, event DeactivationEvent) error

func (f NotifierFunc) NotifyDeactivated(ctx context.Context, event DeactivationEvent) error {
	return f(ctx, event)
}
