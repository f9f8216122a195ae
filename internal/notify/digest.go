// internal/notify/digest.go
package notify

import (
	"context"
	"fmt"
	"strings"

	"hostflow/internal/common/logger"
	"hostflow/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// PanelDigest emails the weekly list of under-staffed events to the
// organizing staff.
type PanelDigest struct {
	client    *ses.Client
	fromEmail string
	toEmail   string
	logger    logger.Logger
}

func NewPanelDigest(ctx context.Context, region, fromEmail, toEmail string, log logger.Logger) (*PanelDigest, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &PanelDigest{
		client:    ses.NewFromConfig(cfg),
		fromEmail: fromEmail,
		toEmail:   toEmail,
		logger:    log.WithFields(map[string]interface{}{"component": "panel-digest"}),
	}, nil
}

// Send emails the digest. An empty event list sends nothing.
func (d *PanelDigest) Send(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	var body strings.Builder
	body.WriteString("Events without a host in the upcoming window:\n\n")
	for _, ev := range events {
		fmt.Fprintf(&body, "- %s (%s) on %s\n", ev.Title, ev.EventType, ev.StartsAt.Format("Mon Jan 2 15:04"))
	}
	body.WriteString("\nStart a host search for each from the staff panel.\n")

	subject := fmt.Sprintf("Weekly host panel: %d events need a host", len(events))

	_, err := d.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(d.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{d.toEmail},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body.String())},
			},
		},
	})
	if err != nil {
		d.logger.Error("digest send failed", map[string]interface{}{
			"events": len(events),
			"error":  err.Error(),
		})
		return err
	}

	d.logger.Info("weekly digest sent", map[string]interface{}{"events": len(events)})
	return nil
}
