// Package zoom implements the Zoom Meetings backend of the meeting provider
// contract, including the account-credentials OAuth flow and the translation
// of HTTP outcomes into the worker error taxonomy.
package zoom

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	integration "github.com/skillmill/service-integrations"
	"github.com/skillmill/service-integrations/zoom/meeting"
)

const (
	// tokenSafetyMargin keeps a token out of use once it is this close to
	// expiry, so a call started now cannot present a token that dies
	// mid-flight.
	tokenSafetyMargin = 30 * time.Second

	// Zoom accepts meeting durations between these bounds.
	MinMeetingDuration = 15 * time.Minute
	MaxMeetingDuration = 24 * time.Hour

	defaultHTTPTimeout = 10 * time.Second
)

type (
	// Client talks to the Zoom API on behalf of one account. The token cache
	// is owned by the instance; concurrent callers needing a refresh
	// serialize on a single in-flight exchange.
	Client struct {
		// Base API endpoint. Default: "https://api.zoom.us/v2"
		baseURL string
		// Base OAuth endpoint. Default: "https://zoom.us/oauth"
		oauthURL     string
		client       *http.Client
		accountID    string
		clientID     string
		clientSecret string
		// ParticipantCap caps intent capacity pre-flight; 0 disables the check.
		participantCap int

		tokens tokenCache
	}

	Options struct {
		// Overrides the Zoom API base URL for testing.
		BaseAPIOverride string
		// Overrides the Zoom OAuth base URL for testing.
		BaseOAuthOverride string
		ClientID          string
		ClientSecret      string
		AccountID         string
		// ParticipantCap rejects intents declaring more participants than the
		// account's plan allows. 0 disables the check.
		ParticipantCap int
	}

	tokenResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Scope       string `json:"scope"`
		TokenType   string `json:"token_type"`
	}
)

var _ integration.MeetingProvider = (*Client)(nil)

func NewClient(o Options) *Client {
	apiURL := "https://api.zoom.us/v2"
	if len(o.BaseAPIOverride) > 0 {
		apiURL = o.BaseAPIOverride
	}

	oauthURL := "https://zoom.us/oauth"
	if len(o.BaseOAuthOverride) > 0 {
		oauthURL = o.BaseOAuthOverride
	}

	return &Client{
		baseURL:        apiURL,
		oauthURL:       oauthURL,
		client:         &http.Client{Timeout: defaultHTTPTimeout},
		clientID:       o.ClientID,
		clientSecret:   o.ClientSecret,
		accountID:      o.AccountID,
		participantCap: o.ParticipantCap,
	}
}

// CreateMeeting validates the intent locally, then creates the meeting and
// returns the provider-assigned ID, join URL and passcode.
func (c *Client) CreateMeeting(ctx context.Context, intent integration.MeetingIntent) (integration.ProviderMeeting, error) {
	payload, err := c.buildRequest(intent)
	if err != nil {
		return integration.ProviderMeeting{}, err
	}

	var m meeting.Meeting
	if err := c.do(ctx, http.MethodPost, "/meetings", payload, &m); err != nil {
		return integration.ProviderMeeting{}, fmt.Errorf("create meeting: %w", err)
	}
	return toProviderMeeting(m), nil
}

// UpdateMeeting pushes the declared state onto an existing meeting.
func (c *Client) UpdateMeeting(ctx context.Context, providerMeetingID int64, intent integration.MeetingIntent) error {
	payload, err := c.buildRequest(intent)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/meetings/%d", providerMeetingID)
	if err := c.do(ctx, http.MethodPatch, path, payload, nil); err != nil {
		return fmt.Errorf("update meeting %d: %w", providerMeetingID, err)
	}
	return nil
}

func (c *Client) GetMeeting(ctx context.Context, providerMeetingID int64) (integration.ProviderMeeting, error) {
	var m meeting.Meeting
	path := fmt.Sprintf("/meetings/%d", providerMeetingID)
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return integration.ProviderMeeting{}, fmt.Errorf("get meeting %d: %w", providerMeetingID, err)
	}
	return toProviderMeeting(m), nil
}

// DeleteMeeting removes the meeting. A meeting the provider no longer knows
// about is treated as already deleted, so the call is idempotent.
func (c *Client) DeleteMeeting(ctx context.Context, providerMeetingID int64) error {
	path := fmt.Sprintf("/meetings/%d", providerMeetingID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err == nil {
		return nil
	}
	var pe *integration.ProviderError
	if errors.As(err, &pe) && pe.Kind == integration.KindNotFound {
		return nil
	}
	return fmt.Errorf("delete meeting %d: %w", providerMeetingID, err)
}

// buildRequest maps an intent onto the Zoom payload. Validation failures are
// caller-input errors and never reach the network.
func (c *Client) buildRequest(intent integration.MeetingIntent) (meeting.CreateRequest, error) {
	minutes, err := meetingMinutes(intent.Duration)
	if err != nil {
		return meeting.CreateRequest{}, err
	}
	if c.participantCap > 0 && intent.Capacity > c.participantCap {
		return meeting.CreateRequest{}, &integration.ProviderError{
			Kind:    integration.KindClient,
			Message: fmt.Sprintf("declared capacity %d exceeds the account participant cap of %d", intent.Capacity, c.participantCap),
		}
	}

	return meeting.CreateRequest{
		Topic:     intent.Topic,
		Type:      meeting.TypeScheduled,
		StartTime: intent.StartDateTime.UTC().Format("2006-01-02T15:04:05Z"),
		Duration:  minutes,
		Timezone:  intent.Timezone,
		Settings: meeting.Settings{
			JoinBeforeHost: false,
			WaitingRoom:    true,
			ApprovalType:   2,
		},
	}, nil
}

// meetingMinutes converts a duration to the whole minutes Zoom expects,
// rejecting values outside the provider bounds.
func meetingMinutes(d time.Duration) (int, error) {
	rounded := d.Round(time.Minute)
	if rounded < MinMeetingDuration || rounded > MaxMeetingDuration {
		return 0, &integration.ProviderError{
			Kind:    integration.KindInvalidDuration,
			Message: fmt.Sprintf("meeting duration %s must be between %s and %s", d, MinMeetingDuration, MaxMeetingDuration),
		}
	}
	return int(rounded / time.Minute), nil
}

// do issues one authenticated API call and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshall: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("newRequestWithContext: %w", err)
	}
	req.Header.Add("Authorization", "Bearer "+token)
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &integration.ProviderError{Kind: integration.KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.translateHTTPError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// translateHTTPError maps an error response onto the taxonomy. 401/403 also
// drop the cached token since it may have expired mid-flight.
func (c *Client) translateHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errBody meeting.ErrorResponse
	_ = json.Unmarshal(raw, &errBody)

	msg := errBody.Message
	if msg == "" {
		msg = fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	pe := &integration.ProviderError{
		StatusCode: resp.StatusCode,
		Code:       errBody.Code,
		Message:    msg,
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.tokens.invalidate()
		pe.Kind = integration.KindToken
	case resp.StatusCode == http.StatusNotFound || errBody.Code == meeting.CodeMeetingNotFound:
		pe.Kind = integration.KindNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = integration.KindRateLimit
		pe.RetryAfter = retryAfter(resp)
	case resp.StatusCode >= 500:
		pe.Kind = integration.KindServer
	default:
		pe.Kind = integration.KindClient
	}
	return pe
}

// retryAfter reads the provider-mandated delay off a 429 response, falling
// back to the documented default.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return integration.DefaultRetryAfter
}

func toProviderMeeting(m meeting.Meeting) integration.ProviderMeeting {
	start, _ := time.Parse(time.RFC3339, m.StartTime)
	return integration.ProviderMeeting{
		ID:        m.ID,
		Topic:     m.Topic,
		JoinURL:   m.JoinURL,
		Passcode:  m.Password,
		StartTime: start,
	}
}

// tokenCache is the single mutually exclusive cache slot for the account
// token. Refreshes are single-flight: concurrent callers that observe a
// stale token block on one underlying exchange.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refresh   singleflight.Group
}

func (tc *tokenCache) get(now time.Time) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.token != "" && now.Add(tokenSafetyMargin).Before(tc.expiresAt) {
		return tc.token, true
	}
	return "", false
}

func (tc *tokenCache) set(token string, expiresAt time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = token
	tc.expiresAt = expiresAt
}

func (tc *tokenCache) invalidate() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = ""
	tc.expiresAt = time.Time{}
}

// getToken returns a cached token, or performs the credential exchange when
// the cache is empty or within the safety margin of expiry.
func (c *Client) getToken(ctx context.Context) (string, error) {
	if token, ok := c.tokens.get(time.Now()); ok {
		return token, nil
	}

	v, err, _ := c.tokens.refresh.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited on the flight.
		if token, ok := c.tokens.get(time.Now()); ok {
			return token, nil
		}
		token, expiresAt, err := c.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		c.tokens.set(token, expiresAt)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// authenticate performs the account-credentials grant.
func (c *Client) authenticate(ctx context.Context) (string, time.Time, error) {
	url := fmt.Sprintf("%s/token?grant_type=account_credentials&account_id=%s", c.oauthURL, c.accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, &integration.ProviderError{Kind: integration.KindToken, Message: err.Error()}
	}
	req.Header.Add("Authorization", "Basic "+c.encodeCredentials())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", time.Time{}, &integration.ProviderError{Kind: integration.KindToken, Message: fmt.Sprintf("token exchange: %s", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", time.Time{}, &integration.ProviderError{
			Kind:       integration.KindToken,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("token exchange: %s: %s", resp.Status, bytes.TrimSpace(raw)),
		}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, &integration.ProviderError{Kind: integration.KindToken, Message: fmt.Sprintf("decode token response: %s", err)}
	}

	return body.AccessToken, time.Now().Add(time.Second * time.Duration(body.ExpiresIn)), nil
}

// encodeCredentials base64 encodes the client ID and secret, separated by a
// colon. ie: Base64Encode([clientID]:[clientSecret])
func (c *Client) encodeCredentials() string {
	creds := fmt.Sprintf("%s:%s", c.clientID, c.clientSecret)
	return base64.StdEncoding.EncodeToString([]byte(creds))
}
