package integration

import (
	"context"
	"sync"
	"time"
)

// fakeMeetingStore is an in-memory MeetingStore that records every finalize
// call so tests can assert on outcomes and idempotence.
type fakeMeetingStore struct {
	mu        sync.Mutex
	pending   []*MeetingIntent
	finalized []Outcome
	purged    []string
}

func (f *fakeMeetingStore) EnqueueMeeting(_ context.Context, intent *MeetingIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if intent.ID == "" {
		intent.ID = "intent-1"
	}
	intent.Status = StatusPending
	f.pending = append(f.pending, intent)
	return nil
}

func (f *fakeMeetingStore) ClaimNextMeeting(_ context.Context, scope, owner string) (*MeetingIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, intent := range f.pending {
		if intent.Scope != scope || intent.Status != StatusPending {
			continue
		}
		if !intent.NotBefore.IsZero() && time.Now().Before(intent.NotBefore) {
			continue
		}
		f.pending = append(f.pending[:i], f.pending[i+1:]...)
		intent.LeaseOwner = owner
		intent.LeaseExpiresAt = time.Now().Add(30 * time.Second)
		intent.Attempts++
		return intent, nil
	}
	return nil, nil
}

func (f *fakeMeetingStore) FinalizeMeeting(_ context.Context, intent *MeetingIntent, outcome Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if intent.LeaseOwner == "" {
		return nil
	}
	f.finalized = append(f.finalized, outcome)
	intent.ApplyOutcome(outcome, time.Now())
	if outcome.Success && outcome.Purge {
		f.purged = append(f.purged, intent.ID)
		return nil
	}
	if intent.Status == StatusPending {
		f.pending = append(f.pending, intent)
	}
	return nil
}

func (f *fakeMeetingStore) MeetingScopes(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var scopes []string
	for _, intent := range f.pending {
		if !seen[intent.Scope] {
			seen[intent.Scope] = true
			scopes = append(scopes, intent.Scope)
		}
	}
	return scopes, nil
}

// fakeNotificationStore mirrors fakeMeetingStore for NotificationJobs.
type fakeNotificationStore struct {
	mu        sync.Mutex
	pending   []*NotificationJob
	finalized []Outcome
}

func (f *fakeNotificationStore) EnqueueNotification(_ context.Context, job *NotificationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = "job-1"
	}
	job.Status = StatusPending
	f.pending = append(f.pending, job)
	return nil
}

func (f *fakeNotificationStore) ClaimNextNotification(_ context.Context, scope, owner string) (*NotificationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, job := range f.pending {
		if job.Scope != scope || job.Status != StatusPending {
			continue
		}
		f.pending = append(f.pending[:i], f.pending[i+1:]...)
		job.LeaseOwner = owner
		job.LeaseExpiresAt = time.Now().Add(30 * time.Second)
		job.Attempts++
		return job, nil
	}
	return nil, nil
}

func (f *fakeNotificationStore) FinalizeNotification(_ context.Context, job *NotificationJob, outcome Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.LeaseOwner == "" {
		return nil
	}
	f.finalized = append(f.finalized, outcome)
	job.ApplyOutcome(outcome, time.Now())
	if job.Status == StatusPending {
		f.pending = append(f.pending, job)
	}
	return nil
}

func (f *fakeNotificationStore) NotificationScopes(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var scopes []string
	for _, job := range f.pending {
		if !seen[job.Scope] {
			seen[job.Scope] = true
			scopes = append(scopes, job.Scope)
		}
	}
	return scopes, nil
}

// fakeProvider scripts MeetingProvider responses and counts calls.
type fakeProvider struct {
	mu          sync.Mutex
	createErr   error
	updateErr   error
	deleteErr   error
	created     ProviderMeeting
	createCalls int
	updateCalls int
	deleteCalls int
}

func (p *fakeProvider) CreateMeeting(context.Context, MeetingIntent) (ProviderMeeting, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.createErr != nil {
		return ProviderMeeting{}, p.createErr
	}
	return p.created, nil
}

func (p *fakeProvider) UpdateMeeting(context.Context, int64, MeetingIntent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateCalls++
	return p.updateErr
}

func (p *fakeProvider) GetMeeting(context.Context, int64) (ProviderMeeting, error) {
	return p.created, nil
}

func (p *fakeProvider) DeleteMeeting(context.Context, int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteCalls++
	return p.deleteErr
}
