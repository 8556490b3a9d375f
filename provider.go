package integration

import "context"

type (
	// MeetingProvider is the vendor-facing contract the sync worker is
	// written against. Adding a vendor means adding an implementation and a
	// registry entry, never touching the worker.
	MeetingProvider interface {
		CreateMeeting(ctx context.Context, intent MeetingIntent) (ProviderMeeting, error)
		UpdateMeeting(ctx context.Context, providerMeetingID int64, intent MeetingIntent) error
		GetMeeting(ctx context.Context, providerMeetingID int64) (ProviderMeeting, error)
		// DeleteMeeting is idempotent: deleting a meeting the provider no
		// longer knows about succeeds.
		DeleteMeeting(ctx context.Context, providerMeetingID int64) error
	}

	// MeetingStore is the claim contract for meeting intents. ClaimNextMeeting
	// atomically selects and leases one eligible item for the scope, or
	// returns (nil, nil). FinalizeMeeting is idempotent: repeating it with
	// the same outcome must not double-apply side effects.
	MeetingStore interface {
		EnqueueMeeting(ctx context.Context, intent *MeetingIntent) error
		ClaimNextMeeting(ctx context.Context, scope, owner string) (*MeetingIntent, error)
		FinalizeMeeting(ctx context.Context, intent *MeetingIntent, outcome Outcome) error
		// MeetingScopes lists scopes with pending work.
		MeetingScopes(ctx context.Context) ([]string, error)
	}

	// NotificationStore is the claim contract for notification jobs, with the
	// same eligibility and idempotence rules as MeetingStore.
	NotificationStore interface {
		EnqueueNotification(ctx context.Context, job *NotificationJob) error
		ClaimNextNotification(ctx context.Context, scope, owner string) (*NotificationJob, error)
		FinalizeNotification(ctx context.Context, job *NotificationJob, outcome Outcome) error
		NotificationScopes(ctx context.Context) ([]string, error)
	}

	// EmailMessage is the transport-agnostic outbound email payload. HTML is
	// pre-rendered; the worker treats it as opaque. When Template is set the
	// transport renders it with TemplateVars instead of HTML.
	EmailMessage struct {
		Recipients   []string
		Subject      string
		HTML         string
		Template     string
		TemplateVars map[string]string
		Attachments  []Attachment
	}

	// EmailSender delivers one message. Failures the transport knows to be
	// permanent are returned as *PermanentDeliveryError.
	EmailSender interface {
		Send(ctx context.Context, msg EmailMessage) error
	}

	// SMSSender delivers one text message.
	SMSSender interface {
		Send(ctx context.Context, toNum, msg string) error
		FormatCell(string) string
	}

	// AttachmentResolver fetches attachment bytes referenced but not inlined
	// at enqueue time. Missing content is ErrAttachmentMissing.
	AttachmentResolver interface {
		Resolve(ctx context.Context, ref string) ([]byte, error)
	}
)
