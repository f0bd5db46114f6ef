package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/services"
	"github.com/google/uuid"
)

// memLedger is an in-memory Ledger with the same contract as the postgres
// implementation: UpdateCampaign serializes per-ledger, and reads return
// copies so callers never share the stored aggregate.
type memLedger struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*models.Campaign
}

func newMemLedger(campaigns ...*models.Campaign) *memLedger {
	l := &memLedger{campaigns: make(map[uuid.UUID]*models.Campaign)}
	for _, c := range campaigns {
		l.campaigns[c.ID] = copyCampaign(c)
	}
	return l
}

func copyCampaign(c *models.Campaign) *models.Campaign {
	dup := *c
	dup.Scenes = make(models.SceneList, len(c.Scenes))
	copy(dup.Scenes, c.Scenes)
	return &dup
}

func (l *memLedger) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.campaigns[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyCampaign(c), nil
}

func (l *memLedger) UpdateCampaign(ctx context.Context, id uuid.UUID, fn func(*models.Campaign) error) (*models.Campaign, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.campaigns[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	working := copyCampaign(stored)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()
	l.campaigns[id] = working
	return copyCampaign(working), nil
}

func (l *memLedger) ApplyScenePatch(ctx context.Context, id uuid.UUID, sceneNumber int, patch models.ScenePatch) (*models.Campaign, error) {
	return l.UpdateCampaign(ctx, id, func(c *models.Campaign) error {
		c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber, patch)
		return nil
	})
}

// fakeQueue records enqueued work instead of pushing to redis.
type fakeQueue struct {
	mu         sync.Mutex
	stageJobs  []stageJob
	trackJobs  []trackJob
	assemblies []uuid.UUID
	failWith   error
}

type stageJob struct {
	campaignID  uuid.UUID
	sceneNumber int
	stage       models.SceneStage
	attempt     int
}

type trackJob struct {
	campaignID uuid.UUID
	track      models.Track
	attempt    int
}

func (q *fakeQueue) EnqueueDispatchStage(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.stageJobs = append(q.stageJobs, stageJob{campaignID, sceneNumber, stage, attempt})
	return nil
}

func (q *fakeQueue) EnqueueDispatchTrack(ctx context.Context, campaignID uuid.UUID, track models.Track, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.trackJobs = append(q.trackJobs, trackJob{campaignID, track, attempt})
	return nil
}

func (q *fakeQueue) EnqueueAssemble(ctx context.Context, campaignID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.assemblies = append(q.assemblies, campaignID)
	return nil
}

func (q *fakeQueue) assembleCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.assemblies)
}

func (q *fakeQueue) stageJobCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.stageJobs)
}

// fakeRehoster returns a deterministic durable URL per object path.
type fakeRehoster struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeRehoster) Rehost(ctx context.Context, sourceURL, objectPath, contentType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.calls = append(r.calls, objectPath)
	return "https://cdn.test/" + objectPath, nil
}

// fakeProvider returns sequential job ids, or an error when set.
type fakeProvider struct {
	mu       sync.Mutex
	requests []services.GenerationRequest
	err      error
}

func (p *fakeProvider) CreateJob(ctx context.Context, req services.GenerationRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.requests = append(p.requests, req)
	return fmt.Sprintf("job-%d", len(p.requests)), nil
}

// env bundles a fully wired pipeline over the fakes.
type env struct {
	ledger      *memLedger
	queue       *fakeQueue
	rehoster    *fakeRehoster
	provider    *fakeProvider
	gate        *Gate
	coordinator *Coordinator
	ingestor    *Ingestor
	dispatcher  *Dispatcher
}

func newEnv(secret string, campaigns ...*models.Campaign) *env {
	ledger := newMemLedger(campaigns...)
	q := &fakeQueue{}
	rehoster := &fakeRehoster{}
	provider := &fakeProvider{}
	retry := NewRetryPolicy(3)
	retry.BaseDelay = time.Millisecond
	retry.MaxDelay = 2 * time.Millisecond
	gate := NewGate(ledger, q)
	coordinator := NewCoordinator(ledger, q, gate)
	return &env{
		ledger:      ledger,
		queue:       q,
		rehoster:    rehoster,
		provider:    provider,
		gate:        gate,
		coordinator: coordinator,
		ingestor:    NewIngestor(ledger, rehoster, q, coordinator, retry, secret),
		dispatcher: NewDispatcher(ledger, provider, q, coordinator, retry, "https://api.test", ModelConfig{
			Image:   "test/image-model",
			Upscale: "test/upscale-model",
			Video:   "test/video-model",
			Music:   "test/music-model",
			Voice:   "test/voice-model",
		}),
	}
}

// testCampaign builds a campaign mid-pipeline with n scenes, every stage
// before the given point completed.
func testCampaign(n int, stage models.PipelineStage) *models.Campaign {
	c := &models.Campaign{
		ID:            uuid.New(),
		Brief:         "launch ad for a folding kayak",
		SceneCount:    n,
		AspectRatio:   "9:16",
		DirectorMode:  models.DirectorAutoAdvance,
		PipelineStage: stage,
		AudioTrack:    models.TrackState{Requested: true, Prompt: "upbeat synth", Status: models.StatusPending},
		VoiceTrack:    models.TrackState{Requested: true, Prompt: "Meet the kayak that fits in a backpack.", Status: models.StatusPending},
	}
	for i := 1; i <= n; i++ {
		sc := models.NewScene(i)
		sc.Script = fmt.Sprintf("scene %d", i)
		sc.ImagePrompt = fmt.Sprintf("frame %d", i)
		sc.MotionPrompt = fmt.Sprintf("camera pans %d", i)
		c.Scenes = append(c.Scenes, sc)
	}

	completeThrough := func(s models.SceneStage) {
		for i := range c.Scenes {
			u := fmt.Sprintf("https://cdn.test/scene_%d_%s", c.Scenes[i].SceneNumber, s)
			c.Scenes[i] = *applyStage(&c.Scenes[i], s, u)
		}
	}
	switch stage {
	case models.StageUpscaling:
		completeThrough(models.SceneStageImage)
	case models.StageVideosGenerating:
		completeThrough(models.SceneStageImage)
		completeThrough(models.SceneStageUpscale)
	case models.StageVideosReady, models.StageAssembling:
		completeThrough(models.SceneStageImage)
		completeThrough(models.SceneStageUpscale)
		completeThrough(models.SceneStageVideo)
	}
	return c
}

func applyStage(sc *models.Scene, stage models.SceneStage, url string) *models.Scene {
	out := *sc
	switch stage {
	case models.SceneStageImage:
		out.ImageStatus = models.StatusCompleted
		out.ImageURL = &url
	case models.SceneStageUpscale:
		out.UpscaleStatus = models.StatusCompleted
		out.UpscaleURL = &url
	default:
		out.VideoStatus = models.StatusCompleted
		out.VideoURL = &url
	}
	return &out
}

// markGenerating puts one scene stage in flight with the given job id.
func markGenerating(c *models.Campaign, sceneNumber int, stage models.SceneStage, jobID string) {
	c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber,
		*(&models.ScenePatch{}).SetStatus(stage, models.StatusGenerating).SetJobID(stage, jobID))
}

func successBody(jobID, outputURL string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"status":"succeeded","output":%q}`, jobID, outputURL))
}

func failureBody(jobID, errMsg string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"status":"failed","error":%q}`, jobID, errMsg))
}
