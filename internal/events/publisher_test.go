package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSPublisher_Publish(t *testing.T) {
	client := &fakeSQS{}
	pub := newSQSPublisher(client, "https://sqs.local/queue")

	err := pub.Publish(context.Background(), "inst-1", "sess-1", AppointmentScheduledV1{
		SubmissionID: "sess-1", ScheduleDate: "2026-10-19", ScheduleTime: "AM",
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(in.QueueUrl))
	assert.Equal(t, TypeAppointmentScheduled, aws.ToString(in.MessageAttributes["event_type"].StringValue))

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &env))
	assert.Equal(t, "inst-1", env.Aggregate)
	assert.Equal(t, "sess-1", env.CorrelationID)
}

func TestSQSPublisher_HandleOutboxEntry(t *testing.T) {
	client := &fakeSQS{}
	pub := newSQSPublisher(client, "q")
	id := uuid.New()

	require.NoError(t, pub.Handle(context.Background(), OutboxEntry{ID: id, Type: TypeEnrollmentCompleted, Payload: []byte(`{"x":1}`)}))
	assert.Equal(t, `{"x":1}`, aws.ToString(client.inputs[0].MessageBody))
	assert.Equal(t, id.String(), aws.ToString(client.inputs[0].MessageAttributes["event_id"].StringValue))

	client.err = errors.New("throttled")
	assert.Error(t, pub.Handle(context.Background(), OutboxEntry{ID: id}))
}

func TestLogPublisher_DoesNotLogPayload(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLogPublisher(logging.NewWithWriter("info", &buf))

	require.NoError(t, pub.Publish(context.Background(), "inst-1", "sess-1", EnrollmentCompletedV1{AccountNumber: "98765432"}))
	assert.Contains(t, buf.String(), TypeEnrollmentCompleted)
	assert.NotContains(t, buf.String(), "98765432")
}
