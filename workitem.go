// Package integration implements the external-integration worker for the
// events platform: it reconciles locally declared meetings against a video
// conferencing provider and delivers queued notifications to participants.
// All coordination between the web tier and the workers happens through a
// durable claim store; nothing here runs on the request path.
package integration

import "time"

type (
	// WorkStatus is the durable state of a work item in the claim store.
	WorkStatus string

	// MeetingAction is the desired provider-side operation for a MeetingIntent.
	MeetingAction string

	// Channel selects the delivery transport for a NotificationJob.
	Channel string
)

const (
	// StatusPending items are eligible for claiming. A pending item with an
	// unexpired lease is currently claimed by a worker.
	StatusPending WorkStatus = "pending"
	// StatusSynced marks a MeetingIntent whose provider-side state matches
	// the declared state.
	StatusSynced WorkStatus = "synced"
	// StatusSent marks a NotificationJob that has been delivered.
	StatusSent WorkStatus = "sent"
	// StatusFailed marks an item that will not be retried without operator
	// intervention.
	StatusFailed WorkStatus = "failed"
)

const (
	// ActionUpsert creates the meeting on the provider, or updates it when a
	// provider meeting ID is already recorded.
	ActionUpsert MeetingAction = "upsert"
	// ActionDelete removes the meeting on the provider and purges the local
	// record on success.
	ActionDelete MeetingAction = "delete"
)

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// ProviderZoom is the registry key for the Zoom implementation of
// MeetingProvider.
const ProviderZoom = "zoom"

type (
	// WorkState carries the claim bookkeeping shared by both work item types.
	// Attempts is incremented when an item is claimed, never at finalize, so
	// re-finalizing the same outcome cannot double-count.
	WorkState struct {
		Status         WorkStatus `bson:"status" json:"status"`
		Attempts       int        `bson:"attempts" json:"attempts"`
		NotBefore      time.Time  `bson:"notBefore,omitempty" json:"notBefore,omitempty"`
		LeaseOwner     string     `bson:"leaseOwner,omitempty" json:"leaseOwner,omitempty"`
		LeaseExpiresAt time.Time  `bson:"leaseExpiresAt,omitempty" json:"leaseExpiresAt,omitempty"`
		CreatedAt      time.Time  `bson:"createdAt" json:"createdAt"`
		UpdatedAt      time.Time  `bson:"updatedAt" json:"updatedAt"`
	}

	// MeetingIntent is the declared desired state for one scheduled virtual
	// session. The web tier writes it; only the sync worker mutates it after
	// that.
	MeetingIntent struct {
		ID            string        `bson:"_id" json:"id"`
		Scope         string        `bson:"scope" json:"scope"`
		Topic         string        `bson:"topic" json:"topic"`
		StartDateTime time.Time     `bson:"startDateTime" json:"startDateTime"`
		Duration      time.Duration `bson:"duration" json:"duration"`
		Timezone      string        `bson:"timezone" json:"timezone"`
		Provider      string        `bson:"provider" json:"provider"`
		Action        MeetingAction `bson:"action" json:"action"`
		// Capacity is the expected number of participants. Zero means the
		// caller declared no expectation.
		Capacity int `bson:"capacity,omitempty" json:"capacity,omitempty"`

		// Filled by the sync worker after a successful create.
		ProviderMeetingID int64  `bson:"providerMeetingId,omitempty" json:"providerMeetingId,omitempty"`
		JoinURL           string `bson:"joinUrl,omitempty" json:"joinUrl,omitempty"`
		Passcode          string `bson:"passcode,omitempty" json:"passcode,omitempty"`

		LastSyncError string `bson:"lastSyncError,omitempty" json:"lastSyncError,omitempty"`
		InSync        bool   `bson:"inSync" json:"inSync"`

		WorkState `bson:",inline"`
	}

	// Attachment is one binary part of a notification. Content may be left
	// empty at enqueue time, in which case Ref names the stored blob and the
	// dispatch worker resolves the bytes when the job is claimed.
	Attachment struct {
		Filename    string `bson:"filename" json:"filename"`
		ContentType string `bson:"contentType" json:"contentType"`
		Content     []byte `bson:"content,omitempty" json:"content,omitempty"`
		Ref         string `bson:"ref,omitempty" json:"ref,omitempty"`
	}

	// NotificationJob is one outbound message. Recipients must be non-empty
	// at enqueue time; callers filter empty-recipient cases before enqueuing.
	NotificationJob struct {
		ID         string   `bson:"_id" json:"id"`
		Scope      string   `bson:"scope" json:"scope"`
		Channel    Channel  `bson:"channel" json:"channel"`
		Recipients []string `bson:"recipients" json:"recipients"`
		Subject    string   `bson:"subject" json:"subject"`
		Body       string   `bson:"body" json:"body"`
		// Template names a transport-side template. When set, Body is ignored
		// and TemplateVars fill the template.
		Template     string            `bson:"template,omitempty" json:"template,omitempty"`
		TemplateVars map[string]string `bson:"templateVars,omitempty" json:"templateVars,omitempty"`
		Attachments  []Attachment      `bson:"attachments,omitempty" json:"attachments,omitempty"`

		LastError string `bson:"lastError,omitempty" json:"lastError,omitempty"`

		WorkState `bson:",inline"`
	}

	// ProviderMeeting is the provider-confirmed view of a meeting, reduced to
	// the fields the platform records.
	ProviderMeeting struct {
		ID        int64
		Topic     string
		JoinURL   string
		Passcode  string
		StartTime time.Time
	}

	// Outcome is the result of executing one claimed work item, written back
	// through the claim store.
	Outcome struct {
		Success  bool
		Terminal bool
		// ErrorText is the human-readable failure description surfaced to
		// operators. Empty on success.
		ErrorText string
		// NotBefore suppresses re-claiming before the given instant. Set for
		// rate-limited failures.
		NotBefore time.Time
		// Purge removes the local record entirely (successful provider-side
		// delete).
		Purge bool
		// Meeting carries the provider writeback after a successful create.
		Meeting *ProviderMeeting
	}
)

// ApplyOutcome folds a finalize outcome into the intent. Stores call this to
// compute the persisted document; it clears the lease so a repeated finalize
// with the same outcome matches nothing and becomes a no-op.
func (m *MeetingIntent) ApplyOutcome(o Outcome, now time.Time) {
	m.applyCommon(o, now)
	switch {
	case o.Success:
		if o.Meeting != nil {
			m.ProviderMeetingID = o.Meeting.ID
			m.JoinURL = o.Meeting.JoinURL
			m.Passcode = o.Meeting.Passcode
		}
		m.LastSyncError = ""
		m.InSync = true
		m.Status = StatusSynced
	default:
		m.LastSyncError = o.ErrorText
		m.InSync = false
	}
}

func (m *MeetingIntent) applyCommon(o Outcome, now time.Time) {
	m.LeaseOwner = ""
	m.LeaseExpiresAt = time.Time{}
	m.NotBefore = o.NotBefore
	m.UpdatedAt = now
	if o.Terminal {
		m.Status = StatusFailed
	} else if !o.Success {
		m.Status = StatusPending
	}
}

// ApplyOutcome folds a finalize outcome into the job. See
// MeetingIntent.ApplyOutcome for the idempotence contract.
func (j *NotificationJob) ApplyOutcome(o Outcome, now time.Time) {
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.NotBefore = o.NotBefore
	j.UpdatedAt = now
	switch {
	case o.Success:
		j.LastError = ""
		j.Status = StatusSent
	case o.Terminal:
		j.LastError = o.ErrorText
		j.Status = StatusFailed
	default:
		j.LastError = o.ErrorText
		j.Status = StatusPending
	}
}
