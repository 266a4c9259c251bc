package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SESSender struct {
	client    *sesv2.Client
	fromEmail string
}

func NewSESSender(ctx context.Context, region, fromEmail string) (*SESSender, error) {
	if fromEmail == "" {
		return nil, fmt.Errorf("SES_FROM_EMAIL is not set")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), fromEmail: fromEmail}, nil
}

func (s *SESSender) Send(ctx context.Context, to, subject, body string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	return err
}

// EmailNotifier mails delivered episodes to subscribers whose job context
// carries a recipient_email. Other events are ignored.
type EmailNotifier struct {
	Sender EmailSender
}

func (n EmailNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.Type != EpisodeDelivered || ev.RecipientEmail == "" {
		return nil
	}
	if err := n.Sender.Send(ctx, ev.RecipientEmail, ev.Title, ev.Body); err != nil {
		return fmt.Errorf("email episode %s: %w", ev.JobID, err)
	}
	return nil
}
