package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEmailSender struct {
	mu    sync.Mutex
	sent  []EmailMessage
	err   error
	calls int
}

func (f *fakeEmailSender) Send(_ context.Context, msg EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeSMSSender struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (f *fakeSMSSender) Send(_ context.Context, toNum, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	f.sent[toNum] = msg
	return nil
}

func (f *fakeSMSSender) FormatCell(cell string) string { return "+1" + cell }

type fakeResolver struct {
	content map[string][]byte
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) ([]byte, error) {
	content, ok := f.content[ref]
	if !ok {
		return nil, ErrAttachmentMissing
	}
	return content, nil
}

func enqueueJob(t *testing.T, store *fakeNotificationStore, job NotificationJob) *NotificationJob {
	t.Helper()
	if job.Scope == "" {
		job.Scope = "client-1"
	}
	if job.Channel == "" {
		job.Channel = ChannelEmail
	}
	require.NoError(t, store.EnqueueNotification(context.Background(), &job))
	return &job
}

func TestDispatchWorkerEmail(t *testing.T) {
	t.Run("delivers and marks the job sent", func(t *testing.T) {
		store := &fakeNotificationStore{}
		email := &fakeEmailSender{}
		job := enqueueJob(t, store, NotificationJob{
			Recipients: []string{"halle@example.com", "peduarte@example.com"},
			Subject:    "Info Session Confirmation",
			Body:       "<p>See you there.</p>",
			Attachments: []Attachment{{
				Filename:    "invite.ics",
				ContentType: "text/calendar",
				Content:     []byte("BEGIN:VCALENDAR"),
			}},
		})

		w := NewDispatchWorker(store, email, nil, nil, testLogger())
		claimed, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.True(t, claimed)

		require.Equal(t, StatusSent, job.Status)
		require.Len(t, email.sent, 1)
		require.Equal(t, []string{"halle@example.com", "peduarte@example.com"}, email.sent[0].Recipients)
		require.Len(t, email.sent[0].Attachments, 1)
		require.Equal(t, "invite.ics", email.sent[0].Attachments[0].Filename)
	})

	t.Run("finalizing twice with the same outcome is a no-op", func(t *testing.T) {
		store := &fakeNotificationStore{}
		email := &fakeEmailSender{}
		job := enqueueJob(t, store, NotificationJob{
			Recipients:  []string{"halle@example.com", "peduarte@example.com"},
			Subject:     "Info Session Confirmation",
			Attachments: []Attachment{{Filename: "invite.ics", Content: []byte("BEGIN:VCALENDAR")}},
		})

		w := NewDispatchWorker(store, email, nil, nil, testLogger())
		_, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.Equal(t, StatusSent, job.Status)
		require.Len(t, store.finalized, 1)

		// A crashed-and-restarted worker can replay the finalize. The lease
		// was cleared by the first one, so the second changes nothing.
		require.NoError(t, store.FinalizeNotification(context.Background(), job, Outcome{Success: true}))
		require.Equal(t, StatusSent, job.Status)
		require.Len(t, store.finalized, 1)
		require.Equal(t, 1, job.Attempts)
	})

	t.Run("transport failures leave the job pending", func(t *testing.T) {
		store := &fakeNotificationStore{}
		email := &fakeEmailSender{err: errors.New("dial tcp: i/o timeout")}
		job := enqueueJob(t, store, NotificationJob{Recipients: []string{"halle@example.com"}})

		w := NewDispatchWorker(store, email, nil, nil, testLogger())
		_, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.Equal(t, StatusPending, job.Status)
		require.Contains(t, job.LastError, "i/o timeout")
	})

	t.Run("rejected addresses fail the job permanently", func(t *testing.T) {
		store := &fakeNotificationStore{}
		email := &fakeEmailSender{err: &PermanentDeliveryError{Err: errors.New("'nobody' is not a valid address")}}
		job := enqueueJob(t, store, NotificationJob{Recipients: []string{"nobody"}})

		w := NewDispatchWorker(store, email, nil, nil, testLogger())
		_, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.Equal(t, StatusFailed, job.Status)

		claimed, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.False(t, claimed)
		require.Equal(t, 1, email.calls)
	})
}

func TestDispatchWorkerAttachments(t *testing.T) {
	t.Run("resolves referenced attachment bytes before sending", func(t *testing.T) {
		store := &fakeNotificationStore{}
		email := &fakeEmailSender{}
		resolver := &fakeResolver{content: map[string][]byte{
			"attachments/invite-42": []byte("BEGIN:VCALENDAR"),
		}}
		enqueueJob(t, store, NotificationJob{
			Recipients:  []string{"halle@example.com"},
			Attachments: []Attachment{{Filename: "invite.ics", Ref: "attachments/invite-42"}},
		})

		w := NewDispatchWorker(store, email, nil, resolver, testLogger())
		_, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.Len(t, email.sent, 1)
		require.Equal(t, []byte("BEGIN:VCALENDAR"), email.sent[0].Attachments[0].Content)
	})

	t.Run("missing attachment bytes are terminal", func(t *testing.T) {
		store := &fakeNotificationStore{}
		email := &fakeEmailSender{}
		job := enqueueJob(t, store, NotificationJob{
			Recipients:  []string{"halle@example.com"},
			Attachments: []Attachment{{Filename: "invite.ics", Ref: "attachments/gone"}},
		})

		w := NewDispatchWorker(store, email, nil, &fakeResolver{}, testLogger())
		_, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.Equal(t, StatusFailed, job.Status)
		require.Contains(t, job.LastError, "invite.ics")
		require.Equal(t, 0, email.calls)
	})
}

func TestDispatchWorkerSMS(t *testing.T) {
	t.Run("sends to every recipient over the sms transport", func(t *testing.T) {
		store := &fakeNotificationStore{}
		smsSender := &fakeSMSSender{}
		job := enqueueJob(t, store, NotificationJob{
			Channel:    ChannelSMS,
			Recipients: []string{"5555555555", "4444444444"},
			Body:       "Class starts in 30 minutes",
		})

		w := NewDispatchWorker(store, &fakeEmailSender{}, smsSender, nil, testLogger())
		_, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.Equal(t, StatusSent, job.Status)
		require.Equal(t, map[string]string{
			"+15555555555": "Class starts in 30 minutes",
			"+14444444444": "Class starts in 30 minutes",
		}, smsSender.sent)
	})

	t.Run("unconfigured sms transport keeps the job pending", func(t *testing.T) {
		store := &fakeNotificationStore{}
		job := enqueueJob(t, store, NotificationJob{
			Channel:    ChannelSMS,
			Recipients: []string{"5555555555"},
		})

		w := NewDispatchWorker(store, &fakeEmailSender{}, nil, nil, testLogger())
		_, err := w.RunScope(context.Background(), "client-1")
		require.NoError(t, err)
		require.Equal(t, StatusPending, job.Status)
	})
}
