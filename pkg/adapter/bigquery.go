package adapter

import (
	"context"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
)

// RunAudit is one analytics row describing a finished agent run.
type RunAudit struct {
	RunID      string    `bigquery:"run_id"`
	UserID     string    `bigquery:"user_id"`
	ProjectID  string    `bigquery:"project_id"`
	Status     string    `bigquery:"status"`
	Iterations int       `bigquery:"iterations"`
	DurationMS int64     `bigquery:"duration_ms"`
	FinishedAt time.Time `bigquery:"finished_at"`
}

// AuditSink records finished runs for offline analytics
type AuditSink interface {
	InsertRun(ctx context.Context, audit *RunAudit) error
}

type bigqueryAudit struct {
	inserter *bigquery.Inserter
}

// NewBigQueryAudit creates an AuditSink writing to the given table
func NewBigQueryAudit(ctx context.Context, projectID, datasetID, tableID string) (AuditSink, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &bigqueryAudit{
		inserter: client.Dataset(datasetID).Table(tableID).Inserter(),
	}, nil
}

func (a *bigqueryAudit) InsertRun(ctx context.Context, audit *RunAudit) error {
	if err := a.inserter.Put(ctx, audit); err != nil {
		return goerr.Wrap(err, "failed to insert run audit", goerr.V("run_id", audit.RunID))
	}
	return nil
}
