// Package postgres implements the claim store on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so competing workers never block on each other's
// row locks.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	integration "github.com/skillmill/service-integrations"
)

// DefaultLeaseTTL matches the mongodb backend.
const DefaultLeaseTTL = 30 * time.Second

const (
	tableMeetings      = "meeting_intents"
	tableNotifications = "notification_jobs"
)

// Store keeps the domain document as a JSON payload next to the claim
// columns the queries need. Only the claim columns are indexed or filtered
// on; the payload is opaque to SQL.
type Store struct {
	db       *sql.DB
	leaseTTL time.Duration
}

var (
	_ integration.MeetingStore      = (*Store)(nil)
	_ integration.NotificationStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, leaseTTL: DefaultLeaseTTL}
}

func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the work tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, table := range []string{tableMeetings, tableNotifications} {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id               text PRIMARY KEY,
				scope            text NOT NULL,
				status           text NOT NULL,
				attempts         integer NOT NULL DEFAULT 0,
				not_before       timestamptz,
				lease_owner      text,
				lease_expires_at timestamptz,
				payload          jsonb NOT NULL,
				created_at       timestamptz NOT NULL DEFAULT now(),
				updated_at       timestamptz NOT NULL DEFAULT now()
			)`, table)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		idx := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (scope, status, created_at)`,
			table, table)
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index on %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) EnqueueMeeting(ctx context.Context, intent *integration.MeetingIntent) error {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	now := time.Now()
	intent.Status = integration.StatusPending
	intent.CreatedAt = now
	intent.UpdatedAt = now
	return s.insert(ctx, tableMeetings, intent.ID, intent.Scope, intent)
}

func (s *Store) EnqueueNotification(ctx context.Context, job *integration.NotificationJob) error {
	if len(job.Recipients) == 0 {
		return errors.New("notification job has no recipients")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	job.Status = integration.StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	return s.insert(ctx, tableNotifications, job.ID, job.Scope, job)
}

func (s *Store) insert(ctx context.Context, table, id, scope string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, scope, status, payload)
		VALUES ($1, $2, $3, $4)`, table)
	if _, err := s.db.ExecContext(ctx, query, id, scope, integration.StatusPending, body); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// claimNext leases the oldest eligible row for the scope. The inner select
// takes the row lock with SKIP LOCKED so two workers claiming the same scope
// concurrently cannot receive the same row; the loser sees no eligible row.
func (s *Store) claimNext(ctx context.Context, table, scope, owner string, out any) (bool, error) {
	now := time.Now()
	query := fmt.Sprintf(`
		UPDATE %s SET
			lease_owner = $1,
			lease_expires_at = $2,
			attempts = attempts + 1,
			updated_at = now()
		WHERE id = (
			SELECT id FROM %s
			WHERE scope = $3
			  AND status = $4
			  AND (not_before IS NULL OR not_before <= now())
			  AND (lease_expires_at IS NULL OR lease_expires_at < now())
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload, attempts, lease_owner, lease_expires_at`, table, table)

	var (
		body           []byte
		attempts       int
		leaseOwner     string
		leaseExpiresAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, owner, now.Add(s.leaseTTL), scope, integration.StatusPending).
		Scan(&body, &attempts, &leaseOwner, &leaseExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("unmarshal payload: %w", err)
	}
	switch item := out.(type) {
	case *integration.MeetingIntent:
		item.Attempts = attempts
		item.LeaseOwner = leaseOwner
		item.LeaseExpiresAt = leaseExpiresAt
	case *integration.NotificationJob:
		item.Attempts = attempts
		item.LeaseOwner = leaseOwner
		item.LeaseExpiresAt = leaseExpiresAt
	}
	return true, nil
}

func (s *Store) ClaimNextMeeting(ctx context.Context, scope, owner string) (*integration.MeetingIntent, error) {
	var intent integration.MeetingIntent
	ok, err := s.claimNext(ctx, tableMeetings, scope, owner, &intent)
	if err != nil || !ok {
		return nil, err
	}
	return &intent, nil
}

func (s *Store) ClaimNextNotification(ctx context.Context, scope, owner string) (*integration.NotificationJob, error) {
	var job integration.NotificationJob
	ok, err := s.claimNext(ctx, tableNotifications, scope, owner, &job)
	if err != nil || !ok {
		return nil, err
	}
	return &job, nil
}

// FinalizeMeeting writes the outcome back keyed on the lease owner, so a
// repeated finalize matches nothing and is a no-op.
func (s *Store) FinalizeMeeting(ctx context.Context, intent *integration.MeetingIntent, outcome integration.Outcome) error {
	owner := intent.LeaseOwner
	if owner == "" {
		return nil
	}

	if outcome.Success && outcome.Purge {
		query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND lease_owner = $2`, tableMeetings)
		if _, err := s.db.ExecContext(ctx, query, intent.ID, owner); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		intent.ApplyOutcome(outcome, time.Now())
		return nil
	}

	intent.ApplyOutcome(outcome, time.Now())
	return s.writeBack(ctx, tableMeetings, intent.ID, owner, &intent.WorkState, intent)
}

func (s *Store) FinalizeNotification(ctx context.Context, job *integration.NotificationJob, outcome integration.Outcome) error {
	owner := job.LeaseOwner
	if owner == "" {
		return nil
	}
	job.ApplyOutcome(outcome, time.Now())
	return s.writeBack(ctx, tableNotifications, job.ID, owner, &job.WorkState, job)
}

func (s *Store) writeBack(ctx context.Context, table, id, owner string, w *integration.WorkState, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var notBefore *time.Time
	if !w.NotBefore.IsZero() {
		notBefore = &w.NotBefore
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $1,
			not_before = $2,
			lease_owner = NULL,
			lease_expires_at = NULL,
			payload = $3,
			updated_at = now()
		WHERE id = $4 AND lease_owner = $5`, table)
	if _, err := s.db.ExecContext(ctx, query, w.Status, notBefore, body, id, owner); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

func (s *Store) MeetingScopes(ctx context.Context) ([]string, error) {
	return s.pendingScopes(ctx, tableMeetings)
}

func (s *Store) NotificationScopes(ctx context.Context) ([]string, error) {
	return s.pendingScopes(ctx, tableNotifications)
}

func (s *Store) pendingScopes(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT scope FROM %s WHERE status = $1`, table)
	rows, err := s.db.QueryContext(ctx, query, integration.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// ReleaseExpiredLeases clears lapsed leases left behind by crashed workers.
func (s *Store) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	var released int64
	for _, table := range []string{tableMeetings, tableNotifications} {
		query := fmt.Sprintf(`
			UPDATE %s SET lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
			WHERE status = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at < now()`, table)
		res, err := s.db.ExecContext(ctx, query, integration.StatusPending)
		if err != nil {
			return released, fmt.Errorf("release leases on %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return released, err
		}
		released += n
	}
	return released, nil
}
