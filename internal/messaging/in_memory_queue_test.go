package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"risk-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveTask(t *testing.T, q *InMemoryQueue, tier Tier) Task {
	t.Helper()
	select {
	case task := <-q.Tasks(tier):
		return task
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for task on tier %s", tier)
		return nil
	}
}

func payloadJobId(t *testing.T, task Task) uuid.UUID {
	t.Helper()
	var payload models.JobTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	return payload.JobId
}

func TestQueuesAreIndependentPerTier(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	ids := map[Tier]uuid.UUID{}
	for _, tier := range Tiers {
		ids[tier] = uuid.New()
		require.NoError(t, q.PublishJobTask(context.Background(), tier, models.JobTaskPayload{JobId: ids[tier]}))
	}

	for _, tier := range Tiers {
		task := receiveTask(t, q, tier)
		assert.Equal(t, tier, task.Tier())
		assert.Equal(t, ids[tier], payloadJobId(t, task))
		require.NoError(t, task.Ack())
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.PublishJobTask(context.Background(), TierHigh, models.JobTaskPayload{JobId: first}))
	require.NoError(t, q.PublishJobTask(context.Background(), TierHigh, models.JobTaskPayload{JobId: second}))

	assert.Equal(t, first, payloadJobId(t, receiveTask(t, q, TierHigh)))
	assert.Equal(t, second, payloadJobId(t, receiveTask(t, q, TierHigh)))
}

func TestNackRedeliversTask(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	jobId := uuid.New()
	require.NoError(t, q.PublishJobTask(context.Background(), TierMedium, models.JobTaskPayload{JobId: jobId}))

	task := receiveTask(t, q, TierMedium)
	require.NoError(t, task.Nack())

	redelivered := receiveTask(t, q, TierMedium)
	assert.Equal(t, jobId, payloadJobId(t, redelivered))
	require.NoError(t, redelivered.Ack())
}

func TestUnackedTaskIsRedeliveredAfterVisibilityTimeout(t *testing.T) {
	q := NewInMemoryQueueWithVisibility(100 * time.Millisecond)
	defer q.Close()

	jobId := uuid.New()
	require.NoError(t, q.PublishJobTask(context.Background(), TierLow, models.JobTaskPayload{JobId: jobId}))

	// Take delivery but never settle it.
	_ = receiveTask(t, q, TierLow)

	redelivered := receiveTask(t, q, TierLow)
	assert.Equal(t, jobId, payloadJobId(t, redelivered))
	require.NoError(t, redelivered.Ack())
}

func TestAckedTaskIsNotRedelivered(t *testing.T) {
	q := NewInMemoryQueueWithVisibility(50 * time.Millisecond)
	defer q.Close()

	require.NoError(t, q.PublishJobTask(context.Background(), TierHigh, models.JobTaskPayload{JobId: uuid.New()}))
	require.NoError(t, receiveTask(t, q, TierHigh).Ack())

	time.Sleep(200 * time.Millisecond)

	depths, err := q.QueueDepths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depths[TierHigh])

	select {
	case task := <-q.Tasks(TierHigh):
		t.Fatalf("unexpected redelivery of acked task: %s", task.Payload())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRejectedTaskIsDropped(t *testing.T) {
	q := NewInMemoryQueueWithVisibility(50 * time.Millisecond)
	defer q.Close()

	require.NoError(t, q.PublishJobTask(context.Background(), TierHigh, models.JobTaskPayload{JobId: uuid.New()}))
	require.NoError(t, receiveTask(t, q, TierHigh).Reject())

	select {
	case task := <-q.Tasks(TierHigh):
		t.Fatalf("unexpected redelivery of rejected task: %s", task.Payload())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestQueueDepths(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.PublishJobTask(context.Background(), TierLow, models.JobTaskPayload{JobId: uuid.New()}))
	}

	// The pump hands one entry to the delivery channel; the rest stay
	// pending until a consumer takes them.
	assert.Eventually(t, func() bool {
		depths, err := q.QueueDepths(context.Background())
		return err == nil && depths[TierLow] <= 3 && depths[TierLow] >= 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "jobs_low", TierLow.QueueName())
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		parsed, err := ParseTier(string(tier))
		require.NoError(t, err)
		assert.Equal(t, tier, parsed)
	}

	_, err := ParseTier("urgent")
	assert.Error(t, err)
}
