package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Notification event types, appended to the subject prefix.
const (
	EventApprovalRequested = "approval_requested"
	EventProcedureClosed   = "procedure_closed"
	EventProcedureRejected = "procedure_rejected"
	EventProcedureError    = "procedure_error"
	EventStepFailed        = "step_failed"
)

// MessagePublisher is the subset of *nats.Conn the publisher needs.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes closing workflow events to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<event_type>, prefix defaulting to
// notifications.gl.closing.
//
// Publishing is non-fatal: errors are logged and never returned, so a NATS
// outage never interrupts a closing.
type NotificationPublisher struct {
	conn   MessagePublisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	EntityID     string         `json:"entity_id"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// ConnectNATS dials NATS with reconnect handlers that log through log.
func ConnectNATS(url, clientName string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// NewNotificationPublisher creates a publisher. A nil conn disables publishing.
func NewNotificationPublisher(conn MessagePublisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.gl.closing"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// PublishProcedureEvent publishes one closing event for a procedure.
func (p *NotificationPublisher) PublishProcedureEvent(_ context.Context, eventType, procedureID, companyID, actorID string, payload map[string]any) {
	if p == nil || p.conn == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		EntityID:     companyID,
		ActorID:      actorID,
		ResourceType: "closing_procedure",
		ResourceID:   procedureID,
		IsActionable: eventType == EventApprovalRequested,
		Severity:     severityFor(eventType),
		Category:     "gl_closing",
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := p.prefix + "." + eventType
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("procedure_id", procedureID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("procedure_id", procedureID).
		Msg("notification: event published")
}

func severityFor(eventType string) string {
	switch eventType {
	case EventStepFailed, EventProcedureError, EventProcedureRejected:
		return "warning"
	default:
		return "info"
	}
}
