// Package sms delivers attachment-free notification payloads as text
// messages through Twilio.
package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	integration "github.com/skillmill/service-integrations"
)

// Twilio error codes for numbers that can never receive the message.
// https://www.twilio.com/docs/api/errors
const (
	codeInvalidToNumber  = 21211
	codeNotSMSCapable    = 21614
	codeBlockedRecipient = 21610
)

type (
	Service struct {
		// Client for making requests to Twilio's API.
		client *twilio.RestClient
		// Phone number SMS messages are sent from.
		fromPhoneNum string
	}

	Options struct {
		AccountSID string
		AuthToken  string
		// Client overrides the underlying HTTP client for testing.
		Client client.BaseClient
		// Phone number SMS messages are sent from.
		FromPhoneNum string
	}
)

var _ integration.SMSSender = (*Service)(nil)

func New(o Options) *Service {
	return &Service{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: o.AccountSID,
			Password: o.AuthToken,
			Client:   o.Client,
		}),
		fromPhoneNum: o.FromPhoneNum,
	}
}

// Send delivers one text message. Numbers Twilio classifies as undeliverable
// come back as permanent failures so the dispatch worker never retries them.
func (s *Service) Send(ctx context.Context, toNum, msg string) error {
	params := &openapi.CreateMessageParams{}
	params.SetTo(toNum)
	params.SetFrom(s.fromPhoneNum)
	params.SetBody(msg)

	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		var restErr *client.TwilioRestError
		if errors.As(err, &restErr) {
			switch restErr.Code {
			case codeInvalidToNumber, codeNotSMSCapable, codeBlockedRecipient:
				return &integration.PermanentDeliveryError{Err: fmt.Errorf("invalid number %q: %w", toNum, err)}
			}
		}
		return fmt.Errorf("createMessage: %w", err)
	}
	return nil
}

// FormatCell normalizes a stored cell number to E.164, assuming US numbers
// when no country code is present.
func (s *Service) FormatCell(cell string) string {
	var digits strings.Builder
	for _, r := range cell {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case strings.HasPrefix(cell, "+"):
		return "+" + d
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && strings.HasPrefix(d, "1"):
		return "+" + d
	default:
		return "+" + d
	}
}
