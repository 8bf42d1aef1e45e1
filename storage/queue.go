package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"projecthub/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// CascadeQueue records tasks left behind by a failed project deletion so a
// cleanup job can retry them.
type CascadeQueue struct {
	queue queueClient
}

func NewCascadeQueue(connStr, name string) (*CascadeQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retryOptions(5, 5*time.Minute, time.Minute)},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return &CascadeQueue{queue: q}, nil
}

// CascadeFailure is the queued message for one task that could not be deleted.
type CascadeFailure struct {
	ProjectID string    `json:"projectId"`
	TaskID    string    `json:"taskId"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// ReportCascadeFailure enqueues one message per failed task.
func (q *CascadeQueue) ReportCascadeFailure(ctx context.Context, failure *domain.CascadeError) error {
	now := time.Now().UTC()
	for _, taskID := range failure.FailedIDs() {
		msg := CascadeFailure{ProjectID: failure.ProjectID, TaskID: taskID, Error: failure.Failed[taskID].Error(), At: now}
		data, err := sonic.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := q.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"project": failure.ProjectID, "tasks": len(failure.Failed)}).Info("cascade failure queued")
	return nil
}
