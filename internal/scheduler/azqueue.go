package scheduler

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
)

// AzureFactory creates AzureQueues backed by Azure Storage queues, one per
// analyzer id, all reachable through a single service client. This is the
// optional durable answer to the scheduler boundary: the core itself makes
// no durability guarantee, but an operator can opt into one here.
type AzureFactory struct {
	Client *azqueue.ServiceClient
}

func (f *AzureFactory) NewQueue(analyzerID uint64) (Queue, error) {
	name := fmt.Sprintf("analyzer-%d", analyzerID)
	qc := f.Client.NewQueueClient(name)

	if _, err := qc.Create(context.Background(), nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return nil, fmt.Errorf("scheduler: create queue %s: %w", name, err)
	}
	return &AzureQueue{analyzerID: analyzerID, client: qc}, nil
}

// AzureQueue durably enqueues events to an Azure Storage queue.
type AzureQueue struct {
	analyzerID uint64
	client     *azqueue.QueueClient
}

func (q *AzureQueue) Schedule(ctx context.Context, analyzerID uint64, event []byte) error {
	_, err := q.client.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(event), nil)
	if err != nil {
		return fmt.Errorf("scheduler: enqueue for analyzer %d: %w", analyzerID, err)
	}
	return nil
}

func (q *AzureQueue) Close() error { return nil }
