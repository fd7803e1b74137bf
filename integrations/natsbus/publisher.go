package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"propertyescrow/core/events"
	"propertyescrow/observability"
)

// conn is the slice of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published for every committed event.
type Message struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Publisher forwards committed events to NATS. Each event type gets its own
// subject under the configured prefix, e.g. "propertyescrow.escrow.finalized".
type Publisher struct {
	nc     conn
	raw    *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher connects to url.
func NewPublisher(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "natsbus"))
	opts := []nats.Option{
		nats.Name("escrowd"),
		nats.Timeout(5 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("connected to NATS", slog.String("url", nc.ConnectedUrl()))
	p := newPublisher(nc, prefix, logger)
	p.raw = nc
	return p, nil
}

func newPublisher(nc conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "propertyescrow"
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject events of eventType are published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + strings.ToLower(strings.TrimSpace(eventType))
}

// Emit implements events.Emitter. Publish failures are logged and counted.
func (p *Publisher) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if err := p.Publish(evt); err != nil {
		observability.Events().RecordSinkFailure("nats")
		p.logger.Error("failed to publish NATS message",
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
	}
}

// Publish sends evt as a JSON Message.
func (p *Publisher) Publish(evt events.Event) error {
	payload := events.Payload(evt)
	if payload == nil {
		return fmt.Errorf("natsbus: nil event")
	}
	msg := Message{Type: payload.Type, Attributes: payload.Attributes}
	if msg.Attributes == nil {
		msg.Attributes = map[string]string{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", payload.Type, err)
	}
	subject := p.Subject(payload.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish NATS message for %s: %w", subject, err)
	}
	p.logger.Debug("published NATS message", slog.String("subject", subject))
	return nil
}

// Close drains buffered messages and closes the connection.
func (p *Publisher) Close() {
	if p.raw == nil || p.raw.IsClosed() {
		return
	}
	if err := p.raw.Drain(); err != nil {
		p.logger.Error("error draining NATS connection", slog.String("error", err.Error()))
	}
	p.raw.Close()
}
