// Package mongodb implements the claim store on MongoDB. Claims ride on
// findOneAndUpdate so selection and leasing are a single atomic step.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	integration "github.com/skillmill/service-integrations"
)

// DefaultLeaseTTL bounds how long a crashed worker can hold a claim before
// the item becomes claimable again.
const DefaultLeaseTTL = 30 * time.Second

const (
	collMeetings      = "meetingIntents"
	collNotifications = "notificationJobs"
)

type Store struct {
	dbName   string
	client   *mongo.Client
	leaseTTL time.Duration
}

var (
	_ integration.MeetingStore      = (*Store)(nil)
	_ integration.NotificationStore = (*Store)(nil)
)

func New(dbName string, client *mongo.Client) *Store {
	return &Store{
		dbName:   dbName,
		client:   client,
		leaseTTL: DefaultLeaseTTL,
	}
}

func (s *Store) meetings() *mongo.Collection {
	return s.client.Database(s.dbName).Collection(collMeetings)
}

func (s *Store) notifications() *mongo.Collection {
	return s.client.Database(s.dbName).Collection(collNotifications)
}

func (s *Store) EnqueueMeeting(ctx context.Context, intent *integration.MeetingIntent) error {
	prepareWork(&intent.WorkState)
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if _, err := s.meetings().InsertOne(ctx, intent); err != nil {
		return fmt.Errorf("insertOne: %w", err)
	}
	return nil
}

func (s *Store) EnqueueNotification(ctx context.Context, job *integration.NotificationJob) error {
	if len(job.Recipients) == 0 {
		return errors.New("notification job has no recipients")
	}
	prepareWork(&job.WorkState)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, err := s.notifications().InsertOne(ctx, job); err != nil {
		return fmt.Errorf("insertOne: %w", err)
	}
	return nil
}

func prepareWork(w *integration.WorkState) {
	now := time.Now()
	w.Status = integration.StatusPending
	w.CreatedAt = now
	w.UpdatedAt = now
}

// ClaimNextMeeting atomically leases the oldest eligible intent for the
// scope. Items under a live lease or a notBefore cooldown are skipped.
func (s *Store) ClaimNextMeeting(ctx context.Context, scope, owner string) (*integration.MeetingIntent, error) {
	var intent integration.MeetingIntent
	err := s.claimNext(ctx, s.meetings(), scope, owner, &intent)
	if err != nil {
		return nil, err
	}
	if intent.ID == "" {
		return nil, nil
	}
	return &intent, nil
}

func (s *Store) ClaimNextNotification(ctx context.Context, scope, owner string) (*integration.NotificationJob, error) {
	var job integration.NotificationJob
	err := s.claimNext(ctx, s.notifications(), scope, owner, &job)
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

func (s *Store) claimNext(ctx context.Context, coll *mongo.Collection, scope, owner string, out any) error {
	now := time.Now()
	filter := bson.M{
		"scope":  scope,
		"status": integration.StatusPending,
		"$and": []bson.M{
			{"$or": []bson.M{
				{"notBefore": bson.M{"$exists": false}},
				{"notBefore": bson.M{"$lte": now}},
			}},
			{"$or": []bson.M{
				{"leaseExpiresAt": bson.M{"$exists": false}},
				{"leaseExpiresAt": bson.M{"$lt": now}},
			}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"leaseOwner":     owner,
			"leaseExpiresAt": now.Add(s.leaseTTL),
			"updatedAt":      now,
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})

	res := coll.FindOneAndUpdate(ctx, filter, update, opts)
	if errors.Is(res.Err(), mongo.ErrNoDocuments) {
		return nil
	}
	if res.Err() != nil {
		return fmt.Errorf("findOneAndUpdate: %w", res.Err())
	}
	if err := res.Decode(out); err != nil {
		return fmt.Errorf("decode claimed item: %w", err)
	}
	return nil
}

// FinalizeMeeting writes the outcome back and releases the claim. The update
// is keyed on the lease owner, so finalizing the same claim twice matches
// nothing the second time and is a no-op.
func (s *Store) FinalizeMeeting(ctx context.Context, intent *integration.MeetingIntent, outcome integration.Outcome) error {
	owner := intent.LeaseOwner
	if owner == "" {
		// Already finalized in a previous call.
		return nil
	}
	filter := bson.M{"_id": intent.ID, "leaseOwner": owner}

	if outcome.Success && outcome.Purge {
		if _, err := s.meetings().DeleteOne(ctx, filter); err != nil {
			return fmt.Errorf("deleteOne: %w", err)
		}
		intent.ApplyOutcome(outcome, time.Now())
		return nil
	}

	intent.ApplyOutcome(outcome, time.Now())
	if _, err := s.meetings().ReplaceOne(ctx, filter, intent); err != nil {
		return fmt.Errorf("replaceOne: %w", err)
	}
	return nil
}

func (s *Store) FinalizeNotification(ctx context.Context, job *integration.NotificationJob, outcome integration.Outcome) error {
	owner := job.LeaseOwner
	if owner == "" {
		return nil
	}
	filter := bson.M{"_id": job.ID, "leaseOwner": owner}

	job.ApplyOutcome(outcome, time.Now())
	if _, err := s.notifications().ReplaceOne(ctx, filter, job); err != nil {
		return fmt.Errorf("replaceOne: %w", err)
	}
	return nil
}

func (s *Store) MeetingScopes(ctx context.Context) ([]string, error) {
	return s.pendingScopes(ctx, s.meetings())
}

func (s *Store) NotificationScopes(ctx context.Context) ([]string, error) {
	return s.pendingScopes(ctx, s.notifications())
}

func (s *Store) pendingScopes(ctx context.Context, coll *mongo.Collection) ([]string, error) {
	raw, err := coll.Distinct(ctx, "scope", bson.M{"status": integration.StatusPending})
	if err != nil {
		return nil, fmt.Errorf("distinct: %w", err)
	}
	scopes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			scopes = append(scopes, s)
		}
	}
	return scopes, nil
}

// ReleaseExpiredLeases clears lapsed leases so items orphaned by a crashed
// worker surface again even if no claimer touches their scope.
func (s *Store) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	now := time.Now()
	filter := bson.M{
		"status":         integration.StatusPending,
		"leaseExpiresAt": bson.M{"$gt": time.Time{}, "$lt": now},
	}
	update := bson.M{
		"$unset": bson.M{"leaseOwner": "", "leaseExpiresAt": ""},
		"$set":   bson.M{"updatedAt": now},
	}

	var released int64
	for _, coll := range []*mongo.Collection{s.meetings(), s.notifications()} {
		res, err := coll.UpdateMany(ctx, filter, update)
		if err != nil {
			return released, fmt.Errorf("updateMany: %w", err)
		}
		released += res.ModifiedCount
	}
	return released, nil
}
