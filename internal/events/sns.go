// Package events publishes workflow lifecycle events to an SNS topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	awsclient "workflow-manager/internal/common/aws"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/workflow"
)

// Publisher implements workflow.EventSink on SNS.
type Publisher struct {
	client   awsclient.SNSPublisher
	topicARN string
	logger   logger.Logger
}

func NewPublisher(client awsclient.SNSPublisher, topicARN string, log logger.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   log.WithFields(map[string]interface{}{"component": "sns-events"}),
	}
}

// Record publishes ev as JSON. The event type and workflow name are also set
// as message attributes so subscribers can filter on them.
func (p *Publisher) Record(ctx context.Context, ev workflow.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		Subject:  aws.String(string(ev.Type)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {DataType: aws.String("String"), StringValue: aws.String(string(ev.Type))},
			"workflow":  {DataType: aws.String("String"), StringValue: aws.String(ev.Workflow)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	p.logger.Debug("event published", map[string]interface{}{
		"event":     string(ev.Type),
		"workflow":  ev.Workflow,
		"messageId": aws.ToString(out.MessageId),
	})
	return nil
}
