package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

// Publisher hands domain facts to the webhook collaborator. Signing and
// delivery retries belong to the collaborator.
type Publisher interface {
	Publish(ctx context.Context, instanceID, sessionID string, evt CanonicalEvent) error
}

// LogPublisher writes events to the structured log only.
type LogPublisher struct {
	logger *logging.Logger
}

func NewLogPublisher(logger *logging.Logger) *LogPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, instanceID, sessionID string, evt CanonicalEvent) error {
	env, err := NewEnvelope(instanceID, sessionID, evt)
	if err != nil {
		return err
	}
	p.logger.Info("domain event", "event_id", env.EventID, "type", env.EventType, "instance_id", instanceID, "session_id", sessionID)
	return nil
}

// OutboxPublisher stores events in the postgres outbox for the Deliverer.
type OutboxPublisher struct {
	store *OutboxStore
}

func NewOutboxPublisher(store *OutboxStore) *OutboxPublisher {
	if store == nil {
		panic("events: outbox store required")
	}
	return &OutboxPublisher{store: store}
}

func (p *OutboxPublisher) Publish(ctx context.Context, instanceID, sessionID string, evt CanonicalEvent) error {
	env, err := NewEnvelope(instanceID, sessionID, evt)
	if err != nil {
		return err
	}
	return p.store.Insert(ctx, env)
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends envelopes straight to an SQS queue. It also serves as
// the outbox DeliveryHandler.
type SQSPublisher struct {
	client   sqsSender
	queueURL string
}

// NewSQSPublisher creates a publisher around the provided SQS client.
func NewSQSPublisher(client *sqs.Client, queueURL string) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	return newSQSPublisher(client, queueURL)
}

func newSQSPublisher(client sqsSender, queueURL string) *SQSPublisher {
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, instanceID, sessionID string, evt CanonicalEvent) error {
	env, err := NewEnvelope(instanceID, sessionID, evt)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	return p.send(ctx, env.EventID.String(), env.EventType, string(body))
}

// Handle delivers an outbox entry whose payload is a marshalled envelope.
func (p *SQSPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	return p.send(ctx, entry.ID.String(), entry.Type, string(entry.Payload))
}

func (p *SQSPublisher) send(ctx context.Context, eventID, eventType, body string) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_id":   {DataType: aws.String("String"), StringValue: aws.String(eventID)},
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: failed to send SQS message: %w", err)
	}
	return nil
}
