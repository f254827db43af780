package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/workflow"
)

type MockSNS struct {
	mock.Mock
}

func (m *MockSNS) Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

const topic = "arn:aws:sns:eu-west-1:123456789012:workflow-events"

func TestPublisher_Record(t *testing.T) {
	client := new(MockSNS)
	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return aws.ToString(in.TopicArn) == topic &&
			aws.ToString(in.Subject) == "workflow.registered" &&
			aws.ToString(in.MessageAttributes["workflow"].StringValue) == "dogs"
	})).Return(&sns.PublishOutput{MessageId: aws.String("m-1")}, nil).Once()

	p := NewPublisher(client, topic, logger.NewTestLogger(t))
	ev := workflow.Event{ID: "e-1", Type: workflow.EventRegistered, Workflow: "dogs", URL: "dogs.yaml", StatusCode: 200}
	require.NoError(t, p.Record(context.Background(), ev))
	client.AssertExpectations(t)

	input := client.Calls[0].Arguments.Get(1).(*sns.PublishInput)
	var decoded workflow.Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.Message)), &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, 200, decoded.StatusCode)
}

func TestPublisher_RecordError(t *testing.T) {
	client := new(MockSNS)
	client.On("Publish", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("throttled"))

	p := NewPublisher(client, topic, logger.NewNoOpLogger())
	err := p.Record(context.Background(), workflow.Event{Type: workflow.EventUnregistered, Workflow: "dogs"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish workflow.unregistered")
}
