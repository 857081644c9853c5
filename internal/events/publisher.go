// Package events publishes job lifecycle notifications for downstream
// consumers (notification service, clinic dashboards).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aurahealth/retina-batch/pkg/models"
)

// JobCompletedChannel is the Redis pub/sub channel completion events go to.
const JobCompletedChannel = "retina:events:job_completed"

// Publisher emits a JobCompleted event. Delivery is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, event models.JobCompleted) error
}

// RedisPublisher publishes events over Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opts)}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.JobCompleted) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.client.Publish(ctx, JobCompletedChannel, payload).Err(); err != nil {
		return fmt.Errorf("publishing job completion: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// CapturePublisher records published events in memory. Test helper.
type CapturePublisher struct {
	mu     sync.Mutex
	events []models.JobCompleted
}

func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{}
}

func (p *CapturePublisher) Publish(_ context.Context, event models.JobCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *CapturePublisher) Events() []models.JobCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.JobCompleted, len(p.events))
	copy(out, p.events)
	return out
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.JobCompleted) error { return nil }

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = (*CapturePublisher)(nil)
	_ Publisher = NopPublisher{}
)
