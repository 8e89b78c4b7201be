package messaging

import (
	"context"
	"fmt"
	"time"

	"risk-backend/pkg/models"
)

type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Tiers in strict dequeue-preference order.
var Tiers = []Tier{TierHigh, TierMedium, TierLow}

func (t Tier) QueueName() string {
	return fmt.Sprintf("jobs_%s", string(t))
}

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierHigh, TierMedium, TierLow:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

const (
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Tier() Tier

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishJobTask(ctx context.Context, tier Tier, payload models.JobTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks(tier Tier) <-chan Task

	Ping(ctx context.Context) error

	QueueDepths(ctx context.Context) (map[Tier]int, error)

	Close()
}
