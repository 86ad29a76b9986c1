package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// EventPublisher pushes one outbox event onto the bus.
type EventPublisher interface {
	Publish(ctx context.Context, event OutboxEvent) error
}

// Envelope is the bus message wrapping an outbox event. The gateway
// consumer unmarshals the same shape on the other side.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// JetStreamPublisherConfig holds connection and stream settings.
type JetStreamPublisherConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamPublisherConfig returns default publisher configuration.
func DefaultJetStreamPublisherConfig() JetStreamPublisherConfig {
	return JetStreamPublisherConfig{
		URL:           nats.DefaultURL,
		StreamName:    "SESSION_EVENTS",
		SubjectPrefix: "session.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamPublisher publishes outbox events to NATS JetStream, one
// subject per user so consumers can filter cheaply.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamPublisherConfig
}

// NewJetStreamPublisher connects to NATS and ensures the event stream
// exists.
func NewJetStreamPublisher(config JetStreamPublisherConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, config: config}
	if err := p.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

// ensureStream creates the event stream on first start.
func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.Stream(ctx, p.config.StreamName)
	if err == nil {
		return nil
	}

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{p.config.SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return err
	}
	log.Info().Str("stream", p.config.StreamName).Msg("created JetStream stream")
	return nil
}

// Publish sends one event to the user's subject.
func (p *JetStreamPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	envelope := Envelope{
		EventID:   event.ID.String(),
		EventType: event.EventType,
		UserID:    event.UserID,
		Timestamp: event.CreatedAt,
		Payload:   event.Payload,
	}
	messageBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, event.UserID)
	if _, err := p.js.Publish(ctx, subject, messageBytes); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close shuts the NATS connection down.
func (p *JetStreamPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
