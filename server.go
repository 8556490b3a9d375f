package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/schema"
)

// Server exposes the enqueue surface used by the web tier and by operators.
// A request only observes enqueue success; provider and transport failures
// stay inside the workers.
type Server struct {
	meetings      MeetingStore
	notifications NotificationStore
	logger        *slog.Logger
	decoder       *schema.Decoder
}

type (
	meetingRequest struct {
		Scope           string    `json:"scope" schema:"scope"`
		Topic           string    `json:"topic" schema:"topic"`
		StartDateTime   time.Time `json:"startDateTime" schema:"startDateTime"`
		DurationMinutes int       `json:"durationMinutes" schema:"durationMinutes"`
		Timezone        string    `json:"timezone" schema:"timezone"`
		Provider        string    `json:"provider" schema:"provider"`
		Capacity        int       `json:"capacity" schema:"capacity"`
	}

	notificationRequest struct {
		Scope      string   `json:"scope" schema:"scope"`
		Channel    string   `json:"channel" schema:"channel"`
		Recipients []string `json:"recipients" schema:"recipients"`
		Subject    string   `json:"subject" schema:"subject"`
		Body       string   `json:"body" schema:"body"`
		Template   string   `json:"template" schema:"template"`
		// Structured fields are JSON-only; the form flow has no use for them.
		TemplateVars map[string]string `json:"templateVars" schema:"-"`
		Attachments  []Attachment      `json:"attachments" schema:"-"`
	}

	enqueueResponse struct {
		ID string `json:"id"`
	}

	errResp struct {
		Message string `json:"message"`
		Field   string `json:"field,omitempty"`
	}
)

func NewServer(meetings MeetingStore, notifications NotificationStore, logger *slog.Logger) *Server {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	// Form posts submit start times as RFC 3339 strings.
	decoder.RegisterConverter(time.Time{}, func(value string) reflect.Value {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return reflect.Value{}
		}
		return reflect.ValueOf(t)
	})
	return &Server{
		meetings:      meetings,
		notifications: notifications,
		logger:        logger,
		decoder:       decoder,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /meetings", s.handleEnqueueMeeting)
	mux.HandleFunc("POST /notifications", s.handleEnqueueNotification)
	return mux
}

func (s *Server) handleEnqueueMeeting(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req meetingRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err.Error(), "")
		return
	}

	if req.Scope == "" {
		s.badRequest(w, r, "scope is required", "scope")
		return
	}
	if req.StartDateTime.IsZero() {
		s.badRequest(w, r, "startDateTime is required", "startDateTime")
		return
	}
	if req.DurationMinutes <= 0 {
		s.badRequest(w, r, "durationMinutes must be positive", "durationMinutes")
		return
	}

	provider := req.Provider
	if provider == "" {
		provider = ProviderZoom
	}

	intent := &MeetingIntent{
		Scope:         req.Scope,
		Topic:         req.Topic,
		StartDateTime: req.StartDateTime,
		Duration:      time.Duration(req.DurationMinutes) * time.Minute,
		Timezone:      req.Timezone,
		Provider:      provider,
		Action:        ActionUpsert,
		Capacity:      req.Capacity,
	}
	if err := s.meetings.EnqueueMeeting(r.Context(), intent); err != nil {
		s.serverError(w, r, fmt.Errorf("enqueueMeeting: %w", err))
		return
	}
	s.created(w, r, intent.ID)
}

func (s *Server) handleEnqueueNotification(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req notificationRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err.Error(), "")
		return
	}

	// Callers filter empty recipients before enqueuing; enforce it here so a
	// bad job never reaches the queue.
	recipients := req.Recipients[:0]
	for _, to := range req.Recipients {
		if strings.TrimSpace(to) != "" {
			recipients = append(recipients, to)
		}
	}
	if len(recipients) == 0 {
		s.badRequest(w, r, "at least one recipient is required", "recipients")
		return
	}

	channel := Channel(req.Channel)
	if channel == "" {
		channel = ChannelEmail
	}
	if channel != ChannelEmail && channel != ChannelSMS {
		s.badRequest(w, r, fmt.Sprintf("unknown channel: %q", req.Channel), "channel")
		return
	}
	if channel == ChannelSMS && len(req.Attachments) > 0 {
		s.badRequest(w, r, "sms notifications cannot carry attachments", "attachments")
		return
	}

	job := &NotificationJob{
		Scope:        req.Scope,
		Channel:      channel,
		Recipients:   recipients,
		Subject:      req.Subject,
		Body:         req.Body,
		Template:     req.Template,
		TemplateVars: req.TemplateVars,
		Attachments:  req.Attachments,
	}
	if err := s.notifications.EnqueueNotification(r.Context(), job); err != nil {
		s.serverError(w, r, fmt.Errorf("enqueueNotification: %w", err))
		return
	}
	s.created(w, r, job.ID)
}

// decodeBody parses a JSON or URL encoded form body into dst, mirroring the
// two content types the platform's forms submit.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		var timeParseError *time.ParseError
		err := json.NewDecoder(r.Body).Decode(dst)
		if errors.As(err, &timeParseError) {
			return errors.New("invalid value for field: 'startDateTime'")
		}
		return err
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return err
		}
		return s.decoder.Decode(dst, r.PostForm)
	default:
		return fmt.Errorf("unacceptable Content-Type: %q", ct)
	}
}

func (s *Server) created(w http.ResponseWriter, r *http.Request, id string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(enqueueResponse{ID: id}); err != nil {
		captureError(r.Context(), s.logger, fmt.Errorf("encode response: %w", err))
	}
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, msg, field string) {
	s.logger.WarnContext(r.Context(), "bad enqueue request",
		slog.String("url", r.URL.String()),
		slog.String("error", msg),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errResp{Message: msg, Field: field})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	captureError(r.Context(), s.logger, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(errResp{Message: "internal server error"})
}
