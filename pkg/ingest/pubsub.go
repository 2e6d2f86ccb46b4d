// Package ingest receives ad-hoc bot-request messages from Pub/Sub and hands
// them to the session coordinator. The listener is optional; deployments
// without a subscription rely on discovery alone.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"

	"github.com/advisewell/meeting-bot-controller/pkg/meeting"
	"github.com/advisewell/meeting-bot-controller/pkg/metrics"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
)

// SessionCoordinator is the slice of the controller the listener drives.
type SessionCoordinator interface {
	CoordinateAdHoc(ctx context.Context, payload meeting.JobPayload) error
}

// Listener pulls bot-request messages from one subscription.
type Listener struct {
	client      *pubsub.Client
	sub         *pubsub.Subscription
	coordinator SessionCoordinator
}

// NewListener connects to the subscription. The subscription must already
// exist; the controller never creates Pub/Sub resources.
func NewListener(ctx context.Context, projectID, subscription string, coordinator SessionCoordinator) (*Listener, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	return &Listener{
		client:      client,
		sub:         client.Subscription(subscription),
		coordinator: coordinator,
	}, nil
}

// Run receives messages until ctx is cancelled. Malformed payloads and
// permanently invalid requests are acked (retrying cannot fix them);
// transient coordination failures are nacked for redelivery.
func (l *Listener) Run(ctx context.Context) error {
	slog.Info("Pub/Sub listener started", "subscription", l.sub.ID())

	err := l.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		metrics.IngestMessages.Inc()

		var raw map[string]interface{}
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			slog.Error("INGEST_REJECTED", "reason", "malformed_json", "message_id", msg.ID, "error", err)
			msg.Ack()
			return
		}

		payload := meeting.ParseJobPayload(raw)
		if err := l.coordinator.CoordinateAdHoc(ctx, payload); err != nil {
			if errors.Is(err, store.ErrMissingField) || errors.Is(err, store.ErrNotFound) {
				slog.Error("INGEST_REJECTED", "reason", "invalid_payload", "message_id", msg.ID, "error", err)
				msg.Ack()
				return
			}
			slog.Warn("INGEST_RETRY", "message_id", msg.ID, "error", err)
			msg.Nack()
			return
		}

		slog.Info("INGEST_ACCEPTED",
			"message_id", msg.ID,
			"org_id", payload.OrgID,
			"url", payload.MeetingURL)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close releases the Pub/Sub client.
func (l *Listener) Close() error {
	return l.client.Close()
}
