package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// defaultCallTimeout bounds every external provider or transport call. The
// loop context is deliberately not used for the call itself: once a create or
// send is on the wire the side effect cannot be safely aborted, so shutdown
// waits for the call to finish or time out.
const defaultCallTimeout = 10 * time.Second

// SyncWorker claims one MeetingIntent per scope at a time, drives the
// declared state to the provider, and writes the outcome back through the
// claim store.
type SyncWorker struct {
	store       MeetingStore
	providers   map[string]MeetingProvider
	logger      *slog.Logger
	owner       string
	callTimeout time.Duration
	cooldowns   *cooldowns
}

func NewSyncWorker(store MeetingStore, providers map[string]MeetingProvider, logger *slog.Logger) *SyncWorker {
	return &SyncWorker{
		store:       store,
		providers:   providers,
		logger:      logger,
		owner:       claimOwner(),
		callTimeout: defaultCallTimeout,
		cooldowns:   newCooldowns(),
	}
}

// claimOwner identifies this worker instance on leases so operators can see
// who holds a stuck claim.
func claimOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (w *SyncWorker) Name() string { return "meeting sync" }

func (w *SyncWorker) Scopes(ctx context.Context) ([]string, error) {
	return w.store.MeetingScopes(ctx)
}

// RunScope claims and executes at most one intent for the scope. It reports
// whether anything was claimed so the pool can reset its idle backoff.
func (w *SyncWorker) RunScope(ctx context.Context, scope string) (bool, error) {
	if !w.cooldowns.ready(scope) {
		return false, nil
	}

	intent, err := w.store.ClaimNextMeeting(ctx, scope, w.owner)
	if err != nil {
		return false, fmt.Errorf("claimNextMeeting: %w", err)
	}
	if intent == nil {
		return false, nil
	}

	outcome := w.process(intent)
	w.logOutcome(ctx, intent, outcome)

	if err := w.store.FinalizeMeeting(ctx, intent, outcome); err != nil {
		return true, fmt.Errorf("finalizeMeeting %s: %w", intent.ID, err)
	}
	return true, nil
}

func (w *SyncWorker) process(intent *MeetingIntent) Outcome {
	provider, ok := w.providers[intent.Provider]
	if !ok {
		return Outcome{Terminal: true, ErrorText: fmt.Sprintf("unknown meeting provider: %q", intent.Provider)}
	}

	// Detached from the loop context so a shutdown signal cannot cancel a
	// provider call mid-flight.
	ctx, cancel := context.WithTimeout(context.Background(), w.callTimeout)
	defer cancel()

	switch intent.Action {
	case ActionDelete:
		return w.deleteMeeting(ctx, provider, intent)
	default:
		return w.upsertMeeting(ctx, provider, intent)
	}
}

func (w *SyncWorker) upsertMeeting(ctx context.Context, provider MeetingProvider, intent *MeetingIntent) Outcome {
	if intent.ProviderMeetingID == 0 {
		pm, err := provider.CreateMeeting(ctx, *intent)
		if err != nil {
			return w.failure(intent.Scope, err)
		}
		return Outcome{Success: true, Meeting: &pm}
	}

	if err := provider.UpdateMeeting(ctx, intent.ProviderMeetingID, *intent); err != nil {
		return w.failure(intent.Scope, err)
	}
	return Outcome{Success: true}
}

func (w *SyncWorker) deleteMeeting(ctx context.Context, provider MeetingProvider, intent *MeetingIntent) Outcome {
	// Never created provider-side; nothing to delete.
	if intent.ProviderMeetingID == 0 {
		return Outcome{Success: true, Purge: true}
	}

	err := provider.DeleteMeeting(ctx, intent.ProviderMeetingID)
	if err == nil {
		return Outcome{Success: true, Purge: true}
	}

	// Already gone counts as deleted.
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind == KindNotFound {
		return Outcome{Success: true, Purge: true}
	}
	return w.failure(intent.Scope, err)
}

// failure turns an execution error into an outcome, recording the error text
// for operators and arming the scope cooldown for rate-limited failures.
func (w *SyncWorker) failure(scope string, err error) Outcome {
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

func (w *SyncWorker) logOutcome(ctx context.Context, intent *MeetingIntent, o Outcome) {
	attrs := []any{
		slog.String("intentId", intent.ID),
		slog.String("scope", intent.Scope),
		slog.String("action", string(intent.Action)),
		slog.Int("attempt", intent.Attempts),
	}
	switch {
	case o.Success:
		w.logger.InfoContext(ctx, "meeting synced", attrs...)
	case o.Terminal:
		w.logger.ErrorContext(ctx, "meeting sync failed permanently", append(attrs, slog.String("error", o.ErrorText))...)
	default:
		w.logger.WarnContext(ctx, "meeting sync failed, will retry", append(attrs, slog.String("error", o.ErrorText))...)
	}
}
