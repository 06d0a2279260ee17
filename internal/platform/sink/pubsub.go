// Package sink contains the outbound transports used by the dispatcher:
// a Pub/Sub relay for mail and reports, Twilio for SMS, SMTP and log sinks.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// topicPublisher is the part of pubsub.Publisher we use.
// This allows us to use a mock for testing.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Producer serializes a value as JSON and publishes it to a Pub/Sub topic,
// waiting for the server to accept it.
type Producer struct {
	topic topicPublisher
}

// NewProducer is the constructor for the Pub/Sub producer.
func NewProducer(topic topicPublisher) (*Producer, error) {
	if topic == nil {
		return nil, fmt.Errorf("topic publisher cannot be nil")
	}
	return &Producer{topic: topic}, nil
}

// PublishJSON sends v with the given kind attribute and returns the server message ID.
func (p *Producer) PublishJSON(ctx context.Context, kind string, v any) (string, error) {
	payloadBytes, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s for publishing: %w", kind, err)
	}

	message := &pubsub.Message{
		Data: payloadBytes,
		Attributes: map[string]string{
			"type":       kind,
			"request_id": uuid.NewString(),
		},
	}

	result := p.topic.Publish(ctx, message)
	serverID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to publish %s: %v", notify.ErrTransport, kind, err)
	}
	return serverID, nil
}

// PubSubMailer hands email jobs to a mail relay subscribed to a topic.
type PubSubMailer struct {
	producer *Producer
	logger   zerolog.Logger
}

func NewPubSubMailer(producer *Producer, logger zerolog.Logger) (*PubSubMailer, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	return &PubSubMailer{
		producer: producer,
		logger:   logger.With().Str("component", "PubSubMailer").Logger(),
	}, nil
}

// SendEmail publishes the message for the relay.
func (m *PubSubMailer) SendEmail(ctx context.Context, msg notify.EmailMessage) error {
	id, err := m.producer.PublishJSON(ctx, "email", msg)
	if err != nil {
		return err
	}
	m.logger.Debug().Str("to", msg.To).Str("msg_id", id).Msg("Email handed to relay.")
	return nil
}

// PubSubReports hands report requests to an out-of-band report worker.
type PubSubReports struct {
	producer *Producer
	logger   zerolog.Logger
}

func NewPubSubReports(producer *Producer, logger zerolog.Logger) (*PubSubReports, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	return &PubSubReports{
		producer: producer,
		logger:   logger.With().Str("component", "PubSubReports").Logger(),
	}, nil
}

func (r *PubSubReports) RunReport(ctx context.Context, req notify.ReportRequest) error {
	id, err := r.producer.PublishJSON(ctx, "report", req)
	if err != nil {
		return err
	}
	r.logger.Debug().Str("report", req.Name).Str("msg_id", id).Msg("Report request published.")
	return nil
}
