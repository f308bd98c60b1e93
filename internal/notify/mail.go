package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"
)

// MailConfig holds SMTP connection parameters
type MailConfig struct {
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
	TLS      bool
}

// MailNotifier sends notifications by SMTP, dialing per send
type MailNotifier struct {
	config MailConfig
	logger *slog.Logger
}

// NewMailNotifier creates a new MailNotifier
func NewMailNotifier(config MailConfig, logger *slog.Logger) (*MailNotifier, error) {
	if config.To == "" {
		return nil, errors.New("mail notifier: no recipient configured")
	}
	if config.Host == "" {
		return nil, errors.New("mail notifier: no SMTP host configured")
	}
	if config.Port <= 0 {
		config.Port = 25
	}
	if config.From == "" {
		config.From = config.To
	}

	return &MailNotifier{config: config, logger: logger}, nil
}

// Message builds the mail for notification without sending it
func (n *MailNotifier) Message(notification Notification) (*mail.Msg, error) {
	body, err := Render(notification)
	if err != nil {
		return nil, err
	}

	// Strip CR/LF to prevent header injection
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(Subject(notification))

	m := mail.NewMsg()
	if err := m.FromFormat("jobserver", n.config.From); err != nil {
		return nil, fmt.Errorf("failed to set sender: %w", err)
	}
	if err := m.To(n.config.To); err != nil {
		return nil, fmt.Errorf("failed to set recipient: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	return m, nil
}

func (n *MailNotifier) Notify(ctx context.Context, notification Notification) error {
	m, err := n.Message(notification)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(n.config.Port),
	}
	if n.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.config.Username),
			mail.WithPassword(n.config.Password),
		)
	}
	if n.config.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(n.config.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send notification mail: %w", err)
	}

	n.logger.Info("Notification mail sent",
		slog.String("kind", string(notification.Kind)),
		slog.String("to", n.config.To),
	)
	return nil
}
