package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"vibegen/pkg/model"
)

const (
	collectionMessages  = "messages"
	collectionFragments = "fragments"
	collectionUsage     = "usage"
	collectionSteps     = "workflow_steps"
)

// Firestore implements Repository using Cloud Firestore. Atomicity of
// ConsumeQuota and SaveResult relies on Firestore transactions, not on
// in-process locking, because workflow steps may run on different processes.
type Firestore struct {
	client *firestore.Client
}

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client")
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) CreateMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	doc := r.client.Collection(collectionMessages).Doc(string(msg.ID))
	if _, err := doc.Set(ctx, msg); err != nil {
		return goerr.Wrap(err, "failed to save message", goerr.V("message_id", msg.ID))
	}
	return nil
}

func (r *Firestore) ListRecentMessages(ctx context.Context, projectID model.ProjectID, limit int) ([]*model.Message, error) {
	query := r.client.Collection(collectionMessages).
		Where("ProjectID", "==", string(projectID)).
		OrderBy("CreatedAt", firestore.Desc).
		Limit(limit)

	it := query.Documents(ctx)
	defer it.Stop()

	var messages []*model.Message
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate messages", goerr.V("project_id", projectID))
		}

		var msg model.Message
		if err := snap.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message")
		}
		messages = append(messages, &msg)
	}

	return messages, nil
}

func (r *Firestore) SaveResult(ctx context.Context, msg *model.Message, fragment *model.Fragment) error {
	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	if fragment.ID == "" {
		fragment.ID = model.NewFragmentID()
	}
	fragment.MessageID = msg.ID
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if fragment.CreatedAt.IsZero() {
		fragment.CreatedAt = now
	}

	msgDoc := r.client.Collection(collectionMessages).Doc(string(msg.ID))
	fragDoc := r.client.Collection(collectionFragments).Doc(string(fragment.ID))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(msgDoc, msg); err != nil {
			return err
		}
		return tx.Set(fragDoc, fragment)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to save result",
			goerr.V("message_id", msg.ID), goerr.V("fragment_id", fragment.ID))
	}

	return nil
}

func (r *Firestore) GetQuota(ctx context.Context, userID string) (*model.QuotaRecord, error) {
	snap, err := r.client.Collection(collectionUsage).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get quota record", goerr.V("user_id", userID))
	}

	var record model.QuotaRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, goerr.Wrap(err, "failed to decode quota record")
	}
	return &record, nil
}

func (r *Firestore) ConsumeQuota(ctx context.Context, userID string, cost, allotment int, window time.Duration) (*model.QuotaRecord, error) {
	doc := r.client.Collection(collectionUsage).Doc(userID)

	var consumed model.QuotaRecord
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		record := model.QuotaRecord{UserID: userID}

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			if err := snap.DataTo(&record); err != nil {
				return err
			}
		}

		now := time.Now()
		if record.WindowStart.IsZero() || record.Expired(now) {
			record.ConsumedPoints = 0
			record.WindowStart = now
			record.WindowExpiresAt = now.Add(window)
		}

		if record.ConsumedPoints+cost > allotment {
			return goerr.Wrap(ErrQuotaExceeded, "no points left",
				goerr.V("consumed", record.ConsumedPoints), goerr.V("allotment", allotment))
		}

		record.ConsumedPoints += cost
		consumed = record
		return tx.Set(doc, &record)
	})
	if err != nil {
		return nil, err
	}

	return &consumed, nil
}

func stepDocID(runID model.RunID, name string) string {
	return fmt.Sprintf("%s:%s", runID, name)
}

type stepRecord struct {
	RunID      string
	Name       string
	Result     []byte
	FinishedAt time.Time
}

func (r *Firestore) GetStep(ctx context.Context, runID model.RunID, name string) ([]byte, bool, error) {
	snap, err := r.client.Collection(collectionSteps).Doc(stepDocID(runID, name)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, goerr.Wrap(err, "failed to get step record",
			goerr.V("run_id", runID), goerr.V("step", name))
	}

	var record stepRecord
	if err := snap.DataTo(&record); err != nil {
		return nil, false, goerr.Wrap(err, "failed to decode step record")
	}
	return record.Result, true, nil
}

func (r *Firestore) PutStep(ctx context.Context, runID model.RunID, name string, result []byte) error {
	record := stepRecord{
		RunID:      string(runID),
		Name:       name,
		Result:     result,
		FinishedAt: time.Now(),
	}

	doc := r.client.Collection(collectionSteps).Doc(stepDocID(runID, name))
	if _, err := doc.Set(ctx, &record); err != nil {
		return goerr.Wrap(err, "failed to save step record",
			goerr.V("run_id", runID), goerr.V("step", name))
	}
	return nil
}
