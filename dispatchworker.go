package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DispatchWorker claims one queued NotificationJob per scope at a time and
// delivers it over the job's channel. Same claim, classify, finalize shape as
// SyncWorker, specialized to transports instead of a provider API.
type DispatchWorker struct {
	store       NotificationStore
	email       EmailSender
	sms         SMSSender
	attachments AttachmentResolver
	logger      *slog.Logger
	owner       string
	callTimeout time.Duration
	cooldowns   *cooldowns
}

func NewDispatchWorker(store NotificationStore, email EmailSender, sms SMSSender, attachments AttachmentResolver, logger *slog.Logger) *DispatchWorker {
	return &DispatchWorker{
		store:       store,
		email:       email,
		sms:         sms,
		attachments: attachments,
		logger:      logger,
		owner:       claimOwner(),
		callTimeout: defaultCallTimeout,
		cooldowns:   newCooldowns(),
	}
}

func (w *DispatchWorker) Name() string { return "notification dispatch" }

func (w *DispatchWorker) Scopes(ctx context.Context) ([]string, error) {
	return w.store.NotificationScopes(ctx)
}

// RunScope claims and delivers at most one job for the scope.
func (w *DispatchWorker) RunScope(ctx context.Context, scope string) (bool, error) {
	if !w.cooldowns.ready(scope) {
		return false, nil
	}

	job, err := w.store.ClaimNextNotification(ctx, scope, w.owner)
	if err != nil {
		return false, fmt.Errorf("claimNextNotification: %w", err)
	}
	if job == nil {
		return false, nil
	}

	outcome := w.process(job)
	w.logOutcome(ctx, job, outcome)

	if err := w.store.FinalizeNotification(ctx, job, outcome); err != nil {
		return true, fmt.Errorf("finalizeNotification %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *DispatchWorker) process(job *NotificationJob) Outcome {
	// Detached from the loop context; see SyncWorker.process.
	ctx, cancel := context.WithTimeout(context.Background(), w.callTimeout)
	defer cancel()

	if err := w.resolveAttachments(ctx, job); err != nil {
		return w.failure(job.Scope, err)
	}

	if err := w.send(ctx, job); err != nil {
		return w.failure(job.Scope, err)
	}
	return Outcome{Success: true}
}

// resolveAttachments fills in attachment bytes referenced but not inlined at
// enqueue time. The bytes are claimed lazily so large attachments never sit
// in the queue itself.
func (w *DispatchWorker) resolveAttachments(ctx context.Context, job *NotificationJob) error {
	for i := range job.Attachments {
		a := &job.Attachments[i]
		if len(a.Content) > 0 {
			continue
		}
		if w.attachments == nil {
			return fmt.Errorf("attachment %q: %w", a.Filename, ErrAttachmentMissing)
		}
		content, err := w.attachments.Resolve(ctx, a.Ref)
		if err != nil {
			return fmt.Errorf("resolve attachment %q: %w", a.Filename, err)
		}
		a.Content = content
	}
	return nil
}

func (w *DispatchWorker) send(ctx context.Context, job *NotificationJob) error {
	switch job.Channel {
	case ChannelSMS:
		if w.sms == nil {
			return errors.New("sms transport not configured")
		}
		for _, to := range job.Recipients {
			if err := w.sms.Send(ctx, w.sms.FormatCell(to), job.Body); err != nil {
				return fmt.Errorf("sms send to %s: %w", to, err)
			}
		}
		return nil
	default:
		if err := w.email.Send(ctx, EmailMessage{
			Recipients:   job.Recipients,
			Subject:      job.Subject,
			HTML:         job.Body,
			Template:     job.Template,
			TemplateVars: job.TemplateVars,
			Attachments:  job.Attachments,
		}); err != nil {
			return fmt.Errorf("email send: %w", err)
		}
		return nil
	}
}

func (w *DispatchWorker) failure(scope string, err error) Outcome {
	d := Classify(err)
	if !d.Retry {
		return Outcome{Terminal: true, ErrorText: err.Error()}
	}
	o := Outcome{ErrorText: err.Error()}
	if d.Delay > 0 {
		o.NotBefore = time.Now().Add(d.Delay)
		w.cooldowns.set(scope, d.Delay)
	}
	return o
}

func (w *DispatchWorker) logOutcome(ctx context.Context, job *NotificationJob, o Outcome) {
	attrs := []any{
		slog.String("jobId", job.ID),
		slog.String("scope", job.Scope),
		slog.String("channel", string(job.Channel)),
		slog.Int("recipients", len(job.Recipients)),
		slog.Int("attempt", job.Attempts),
	}
	switch {
	case o.Success:
		w.logger.InfoContext(ctx, "notification sent", attrs...)
	case o.Terminal:
		w.logger.ErrorContext(ctx, "notification failed permanently", append(attrs, slog.String("error", o.ErrorText))...)
	default:
		w.logger.WarnContext(ctx, "notification failed, will retry", append(attrs, slog.String("error", o.ErrorText))...)
	}
}
