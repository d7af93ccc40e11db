package channel

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
)

// EmailConfig is the settings.Config document of an email channel.
type EmailConfig struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func emailConfig(settings *db.NotificationSettings) (EmailConfig, error) {
	var cfg EmailConfig
	if err := decodeConfig(settings, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Address == "" || !strings.Contains(cfg.Address, "@") {
		return cfg, fmt.Errorf("%w: email config missing address", ErrInvalidConfig)
	}
	return cfg, nil
}

// renderEmail returns the plain-text and HTML bodies for msg.
func renderEmail(msg Message) (string, string) {
	text := msg.Body
	if msg.URL != "" {
		text += "\n\n" + msg.URL
	}

	var b strings.Builder
	b.WriteString("<h2>")
	b.WriteString(html.EscapeString(msg.Title))
	b.WriteString("</h2><p>")
	b.WriteString(html.EscapeString(msg.Body))
	b.WriteString("</p>")
	if msg.URL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Open ClosetCast</a></p>`, html.EscapeString(msg.URL))
	}
	return text, b.String()
}

// SESAPI is the subset of the SES client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender sends email via AWS SES.
type SESSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

func NewSESSender(client SESAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, from: from, logger: logger}
}

func (s *SESSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	cfg, err := emailConfig(settings)
	if err != nil {
		return err
	}

	text, htmlBody := renderEmail(msg)
	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{cfg.Address},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(text),
					Charset: aws.String("UTF-8"),
				},
				Html: &types.Content{
					Data:    aws.String(htmlBody),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("user_id", settings.UserID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}

// SendGridAPI is implemented by *sendgrid.Client.
type SendGridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender sends email through SendGrid. It is used instead of SES
// when an API key is configured.
type SendGridSender struct {
	client    SendGridAPI
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

// NewSendGridClient builds the SendGrid client for apiKey.
func NewSendGridClient(apiKey string) *sendgrid.Client {
	return sendgrid.NewSendClient(apiKey)
}

func NewSendGridSender(client SendGridAPI, fromEmail, fromName string, logger *zap.Logger) *SendGridSender {
	return &SendGridSender{
		client:    client,
		fromEmail: fromEmail,
		fromName:  fromName,
		logger:    logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	cfg, err := emailConfig(settings)
	if err != nil {
		return err
	}

	text, htmlBody := renderEmail(msg)
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(cfg.Name, cfg.Address)
	message := mail.NewSingleEmail(from, msg.Title, to, text, htmlBody)

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, truncate(resp.Body, 256))
	}

	s.logger.Info("email sent via SendGrid",
		zap.String("user_id", settings.UserID.String()),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func (s *SendGridSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
