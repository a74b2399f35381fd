package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Obligation kinds handed to the external notification channel.
const (
	KindWarning = "entitlement_warning"
	KindExpired = "entitlement_expired"
	KindRenewed = "entitlement_renewed"
)

type Obligation struct {
	Kind          string    `json:"kind"`
	UserID        string    `json:"user_id"`
	EntitlementID string    `json:"entitlement_id"`
	Tier          string    `json:"tier"`
	AccessCode    string    `json:"access_code,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	OffsetDays    int       `json:"offset_days,omitempty"`
}

// Notifier accepts obligations fire-and-forget; a delivery failure must never
// roll back the entitlement transition that produced the obligation.
type Notifier interface {
	Publish(ctx context.Context, ob Obligation) error
}

const notificationList = "notification_jobs"

// Queue pushes obligations onto a Redis list for the delivery worker.
type Queue struct {
	client *redis.Client
}

func New(url string) (*Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Queue{client: redis.NewClient(opt)}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Publish(ctx context.Context, ob Obligation) error {
	payload, err := json.Marshal(ob)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, notificationList, payload).Err()
}

func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Obligation, error) {
	var ob Obligation
	res, err := q.client.BRPop(ctx, timeout, notificationList).Result()
	if err != nil {
		return ob, err
	}
	if len(res) < 2 {
		return ob, redis.Nil
	}
	err = json.Unmarshal([]byte(res[1]), &ob)
	return ob, err
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, notificationList).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Recorder is an in-memory Notifier for tests and local development.
type Recorder struct {
	mu          sync.Mutex
	obligations []Obligation
}

func (r *Recorder) Publish(_ context.Context, ob Obligation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obligations = append(r.obligations, ob)
	return nil
}

func (r *Recorder) Obligations() []Obligation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Obligation, len(r.obligations))
	copy(out, r.obligations)
	return out
}
