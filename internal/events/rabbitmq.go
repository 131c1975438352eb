package events

import (
	"context"
	"fmt"
	"log/slog"
)

// broker is the subset of *rabbitmq.Client the publisher needs
type broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RabbitMQPublisher sends events to an exchange, routed by event type
type RabbitMQPublisher struct {
	broker      broker
	routePrefix string
	logger      *slog.Logger
}

// NewRabbitMQPublisher wraps a connected broker client. routePrefix, when
// set, is prepended to each routing key ("ocr" gives "ocr.job.completed").
func NewRabbitMQPublisher(b broker, routePrefix string, logger *slog.Logger) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		broker:      b,
		routePrefix: routePrefix,
		logger:      logger,
	}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, e Event) error {
	body, err := marshal(e)
	if err != nil {
		return err
	}

	key := e.Type
	if p.routePrefix != "" {
		key = p.routePrefix + "." + e.Type
	}

	if err := p.broker.PublishWithRetry(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s for job %s: %w", e.Type, e.JobID, err)
	}

	p.logger.Debug("Job event published",
		slog.String("routing_key", key),
		slog.String("job_id", e.JobID),
	)
	return nil
}
