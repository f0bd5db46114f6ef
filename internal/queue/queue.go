package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueGenerateStoryboard = "queue:generate_storyboard"
	QueueDispatchStage      = "queue:dispatch_stage"
	QueueDispatchTrack      = "queue:dispatch_track"
	QueueAssemble           = "queue:assemble"
)

type Queue struct {
	client *redis.Client
}

// Job is the payload pushed through redis. Dispatch jobs carry the
// (scene, stage, attempt) addressing; the queue provides at-least-once
// delivery, so every consumer must tolerate duplicates.
type Job struct {
	ID          uuid.UUID         `json:"id"`
	Type        string            `json:"type"`
	CampaignID  uuid.UUID         `json:"campaign_id"`
	SceneNumber int               `json:"scene_number,omitempty"`
	Stage       models.SceneStage `json:"stage,omitempty"`
	Track       models.Track      `json:"track,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueueGenerateStoryboard enqueues storyboard generation for a campaign.
func (q *Queue) EnqueueGenerateStoryboard(ctx context.Context, campaignID uuid.UUID) error {
	return q.Enqueue(ctx, QueueGenerateStoryboard, &Job{
		Type:       "generate_storyboard",
		CampaignID: campaignID,
	})
}

// EnqueueDispatchStage enqueues a provider dispatch for one scene stage.
// Attempt 0 is the initial dispatch; retries carry the incremented count so
// the dispatcher can apply backoff before resubmitting.
func (q *Queue) EnqueueDispatchStage(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, attempt int) error {
	return q.Enqueue(ctx, QueueDispatchStage, &Job{
		Type:        "dispatch_stage",
		CampaignID:  campaignID,
		SceneNumber: sceneNumber,
		Stage:       stage,
		Attempt:     attempt,
	})
}

// EnqueueDispatchTrack enqueues a provider dispatch for a side track.
func (q *Queue) EnqueueDispatchTrack(ctx context.Context, campaignID uuid.UUID, track models.Track, attempt int) error {
	return q.Enqueue(ctx, QueueDispatchTrack, &Job{
		Type:       "dispatch_track",
		CampaignID: campaignID,
		Track:      track,
		Attempt:    attempt,
	})
}

// EnqueueAssemble enqueues final assembly for a campaign.
func (q *Queue) EnqueueAssemble(ctx context.Context, campaignID uuid.UUID) error {
	return q.Enqueue(ctx, QueueAssemble, &Job{
		Type:       "assemble",
		CampaignID: campaignID,
	})
}
