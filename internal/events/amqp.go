package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 3 * time.Second

// AMQPEmitter publishes events to a RabbitMQ queue. Publish failures are
// logged and swallowed so an unavailable broker never stalls ingestion or
// queries.
type AMQPEmitter struct {
	conn      *amqp.Connection
	queueName string
}

// Dial connects to the broker and returns an emitter bound to queueName.
func Dial(url, queueName string) (*AMQPEmitter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp broker: %w", err)
	}
	return &AMQPEmitter{conn: conn, queueName: queueName}, nil
}

// Close closes the broker connection.
func (e *AMQPEmitter) Close() error {
	return e.conn.Close()
}

type envelope struct {
	PatientID string    `json:"patient_id"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

func (e *AMQPEmitter) Notify(ctx context.Context, patientID, event string, payload any) {
	if err := e.publish(ctx, patientID, event, payload); err != nil {
		slog.Warn("event publish failed", "patient_id", patientID, "event", event, "error", err)
	}
}

func (e *AMQPEmitter) publish(ctx context.Context, patientID, event string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	ch, err := e.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(e.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}

	body, err := json.Marshal(envelope{
		PatientID: patientID,
		Event:     event,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if err := ch.PublishWithContext(ctx, "", e.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}
