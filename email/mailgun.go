// Package email delivers notification payloads through Mailgun.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	integration "github.com/skillmill/service-integrations"
)

type MailgunService struct {
	domain        string               // Mail domain name.
	defaultSender string               // Sender email address.
	mgClient      *mailgun.MailgunImpl // Mailgun API Client
}

var _ integration.EmailSender = (*MailgunService)(nil)

func NewMailgunService(domain, apiKey, baseAPIurlOverride string) *MailgunService {
	mgClient := mailgun.NewMailgun(domain, apiKey)
	if len(baseAPIurlOverride) > 0 {
		mgClient.SetAPIBase(baseAPIurlOverride)
	}
	return &MailgunService{
		domain:        domain,
		defaultSender: fmt.Sprintf("SkillMill Events <events@%s>", domain),
		mgClient:      mgClient,
	}
}

// Send delivers one rendered message with its attachments. An invalid
// recipient address is a permanent failure; everything else is left to the
// dispatch worker's retry policy.
func (m *MailgunService) Send(ctx context.Context, msg integration.EmailMessage) error {
	message := m.mgClient.NewMessage(m.defaultSender, msg.Subject, "", msg.Recipients...)
	if msg.Template != "" {
		message.SetTemplate(msg.Template)
		for k, v := range msg.TemplateVars {
			if err := message.AddTemplateVariable(k, v); err != nil {
				return fmt.Errorf("add template variable: %w", err)
			}
		}
	} else {
		message.SetHtml(msg.HTML)
	}
	for _, a := range msg.Attachments {
		message.AddBufferAttachment(a.Filename, a.Content)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	// Send the message with a 10 second timeout
	_, _, err := m.mgClient.Send(ctxWithTimeout, message)
	if err != nil {
		if strings.Contains(err.Error(), "not a valid address") {
			return &integration.PermanentDeliveryError{Err: fmt.Errorf("send: %w", err)}
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
