// internal/notify/alerts.go
package notify

import (
	"context"
	"fmt"

	"hostflow/internal/common/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// AlertPublisher raises operator-facing alerts (candidate exhaustion,
// persistent delivery failure) on an SNS topic so on-call staff see them
// even when nobody watches the escalation channel.
type AlertPublisher struct {
	client   *sns.Client
	topicARN string
	logger   logger.Logger
}

func NewAlertPublisher(ctx context.Context, region, topicARN string, log logger.Logger) (*AlertPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &AlertPublisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
		logger:   log.WithFields(map[string]interface{}{"component": "alert-publisher"}),
	}, nil
}

// PublishExhausted raises an alert that every candidate for an event was
// asked and none accepted.
func (p *AlertPublisher) PublishExhausted(ctx context.Context, eventID string, candidateCount int) error {
	subject := "Host search exhausted"
	message := fmt.Sprintf("All %d candidates for event %s declined or timed out; manual follow-up needed.", candidateCount, eventID)
	return p.publish(ctx, subject, message)
}

// PublishNoCandidates raises an alert that a host search found nobody to ask.
func (p *AlertPublisher) PublishNoCandidates(ctx context.Context, eventID string) error {
	subject := "Host search found no candidates"
	message := fmt.Sprintf("No eligible candidates were found for event %s; open public applications or assign a host manually.", eventID)
	return p.publish(ctx, subject, message)
}

// PublishSendFailure raises an alert that a candidate could not be reached.
func (p *AlertPublisher) PublishSendFailure(ctx context.Context, eventID, userID string) error {
	subject := "Host invitation undeliverable"
	message := fmt.Sprintf("Invitation for event %s could not be delivered to user %s; escalated to the next candidate.", eventID, userID)
	return p.publish(ctx, subject, message)
}

func (p *AlertPublisher) publish(ctx context.Context, subject, message string) error {
	_, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		p.logger.Error("alert publish failed", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
	}
	return err
}
