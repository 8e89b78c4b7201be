package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"risk-backend/pkg/models"
)

// InMemoryQueue is both Publisher and Receiver, used by the local single
// process mode and by tests. It mimics the broker's at-least-once semantics:
// a delivered entry that is neither acked nor rejected within the visibility
// timeout is returned to its queue for redelivery.
type InMemoryQueue struct {
	mu      sync.Mutex
	pending map[Tier][]*inMemoryTask
	out     map[Tier]chan Task
	notify  map[Tier]chan struct{}

	visibility time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

type inMemoryTask struct {
	q       *InMemoryQueue
	tier    Tier
	payload []byte
	settled atomic.Bool
}

func (t *inMemoryTask) Tier() Tier {
	return t.tier
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	t.settled.Store(true)
	return nil
}

func (t *inMemoryTask) Nack() error {
	if t.settled.CompareAndSwap(false, true) {
		t.q.enqueue(t.tier, t.payload)
	}
	return nil
}

func (t *inMemoryTask) Reject() error {
	t.settled.Store(true)
	return nil
}

const DefaultVisibilityTimeout = 30 * time.Second

func NewInMemoryQueue() *InMemoryQueue {
	return NewInMemoryQueueWithVisibility(DefaultVisibilityTimeout)
}

func NewInMemoryQueueWithVisibility(visibility time.Duration) *InMemoryQueue {
	q := &InMemoryQueue{
		pending:    make(map[Tier][]*inMemoryTask),
		out:        make(map[Tier]chan Task),
		notify:     make(map[Tier]chan struct{}),
		visibility: visibility,
		closed:     make(chan struct{}),
	}
	for _, tier := range Tiers {
		q.out[tier] = make(chan Task)
		q.notify[tier] = make(chan struct{}, 1)
		go q.pump(tier)
	}
	return q
}

func (q *InMemoryQueue) enqueue(tier Tier, payload []byte) {
	q.mu.Lock()
	q.pending[tier] = append(q.pending[tier], &inMemoryTask{q: q, tier: tier, payload: payload})
	q.mu.Unlock()

	select {
	case q.notify[tier] <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) pop(tier Tier) *inMemoryTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending[tier]) == 0 {
		return nil
	}
	task := q.pending[tier][0]
	q.pending[tier] = q.pending[tier][1:]
	return task
}

func (q *InMemoryQueue) pump(tier Tier) {
	for {
		task := q.pop(tier)
		if task == nil {
			select {
			case <-q.notify[tier]:
				continue
			case <-q.closed:
				return
			}
		}

		// The send completes when a consumer takes the entry, so the
		// visibility timer starts at actual delivery time.
		select {
		case q.out[tier] <- task:
			time.AfterFunc(q.visibility, func() {
				if task.settled.CompareAndSwap(false, true) {
					q.enqueue(tier, task.payload)
				}
			})
		case <-q.closed:
			return
		}
	}
}

func (q *InMemoryQueue) PublishJobTask(ctx context.Context, tier Tier, payload models.JobTaskPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.enqueue(tier, data)
	return nil
}

func (q *InMemoryQueue) Tasks(tier Tier) <-chan Task {
	return q.out[tier]
}

func (q *InMemoryQueue) Ping(ctx context.Context) error {
	return nil
}

func (q *InMemoryQueue) QueueDepths(ctx context.Context) (map[Tier]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[Tier]int, len(Tiers))
	for _, tier := range Tiers {
		depths[tier] = len(q.pending[tier])
	}
	return depths, nil
}

func (q *InMemoryQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
