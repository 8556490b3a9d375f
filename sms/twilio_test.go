package sms

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twilio/twilio-go/client"

	integration "github.com/skillmill/service-integrations"
)

// fakeTwilioClient implements client.BaseClient, recording the outgoing
// message params and scripting the API response.
type fakeTwilioClient struct {
	lastURL  string
	lastData url.Values
	err      error
}

func (f *fakeTwilioClient) AccountSid() string           { return "ACXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX" }
func (f *fakeTwilioClient) SetTimeout(_ time.Duration)   {}
func (f *fakeTwilioClient) SendRequest(method, rawURL string, data url.Values, headers map[string]interface{}) (*http.Response, error) {
	f.lastURL = rawURL
	f.lastData = data
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusCreated,
		Body:       io.NopCloser(strings.NewReader(`{"sid": "SM123", "status": "queued"}`)),
	}, nil
}

func newTestService(fake *fakeTwilioClient) *Service {
	return New(Options{
		AccountSID:   "ACXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX",
		AuthToken:    "YYYYYYYYYYYYYYYYYYYYYYYYYYYYYYYY",
		Client:       fake,
		FromPhoneNum: "+15041234567",
	})
}

func TestSendSMS(t *testing.T) {
	t.Run("sends the message from the configured number", func(t *testing.T) {
		fake := &fakeTwilioClient{}
		svc := newTestService(fake)

		err := svc.Send(context.Background(), "+15555555555", "Class starts in 30 minutes")
		require.NoError(t, err)

		require.Contains(t, fake.lastURL, "Messages.json")
		require.Equal(t, "+15555555555", fake.lastData.Get("To"))
		require.Equal(t, "+15041234567", fake.lastData.Get("From"))
		require.Equal(t, "Class starts in 30 minutes", fake.lastData.Get("Body"))
	})

	t.Run("undeliverable numbers are permanent failures", func(t *testing.T) {
		for _, code := range []int{codeInvalidToNumber, codeNotSMSCapable, codeBlockedRecipient} {
			fake := &fakeTwilioClient{err: &client.TwilioRestError{
				Code:    code,
				Status:  400,
				Message: "The 'To' number is not a valid phone number.",
			}}

			err := newTestService(fake).Send(context.Background(), "+1000", "hi")

			var permanent *integration.PermanentDeliveryError
			require.ErrorAs(t, err, &permanent, "code %d", code)
		}
	})

	t.Run("other API failures stay retryable", func(t *testing.T) {
		fake := &fakeTwilioClient{err: &client.TwilioRestError{
			Code:    20429,
			Status:  429,
			Message: "Too Many Requests",
		}}

		err := newTestService(fake).Send(context.Background(), "+15555555555", "hi")
		require.Error(t, err)
		require.True(t, integration.Classify(err).Retry)
	})
}

func TestFormatCell(t *testing.T) {
	svc := &Service{}
	tests := map[string]string{
		"555-123-4567":     "+15551234567",
		"(555) 123-4567":   "+15551234567",
		"15551234567":      "+15551234567",
		"+44 20 7946 0958": "+442079460958",
		"5551234567":       "+15551234567",
	}
	for in, want := range tests {
		require.Equal(t, want, svc.FormatCell(in), "input %q", in)
	}
}
