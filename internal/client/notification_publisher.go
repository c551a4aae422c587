package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes deal workflow events to NATS for
// consumption by the platform notifications service.
//
// Subject convention: notifications.crm.<event_type>
// Event types: deal_submitted, deal_approval_required, deal_approved,
//              deal_rejected, deal_escalated, deal_assigned
//
// All publish operations are non-fatal: errors are logged but never
// propagated to the caller, so notification failures never interrupt a
// state transition.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{
		conn: conn,
		log:  log.With().Str("component", "notification_publisher").Logger(),
	}
}

// PublishDealEvent publishes a deal workflow event.
// Subject: notifications.crm.<eventType>
func (p *NotificationPublisher) PublishDealEvent(ctx context.Context, eventType, dealID, actorID string, recipients []string, payload map[string]any) {
	if p.conn == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "deal",
		ResourceID:   dealID,
		IsActionable: true,
		Severity:     "info",
		Category:     "deal_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.crm.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("deal_id", dealID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("deal_id", dealID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
