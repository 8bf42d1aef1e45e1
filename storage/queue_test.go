package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"projecthub/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestCascadeQueueEnqueuesEachFailure(t *testing.T) {
	fq := &fakeQueue{}
	q := &CascadeQueue{queue: fq}
	failure := &domain.CascadeError{
		ProjectID: "p1",
		Deleted:   []string{"t1"},
		Failed:    map[string]error{"t3": errors.New("throttled"), "t2": errors.New("timeout")},
	}
	if err := q.ReportCascadeFailure(context.Background(), failure); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(fq.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fq.messages))
	}
	var first CascadeFailure
	if err := sonic.Unmarshal([]byte(fq.messages[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.ProjectID != "p1" || first.TaskID != "t2" || first.Error != "timeout" {
		t.Fatalf("unexpected message %+v", first)
	}
}

func TestCascadeQueueError(t *testing.T) {
	fq := &fakeQueue{err: errors.New("queue unavailable")}
	q := &CascadeQueue{queue: fq}
	err := q.ReportCascadeFailure(context.Background(), &domain.CascadeError{ProjectID: "p1", Failed: map[string]error{"t1": errors.New("x")}})
	if err == nil {
		t.Fatalf("expected enqueue error")
	}
}
