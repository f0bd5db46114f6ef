package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/services"
	"github.com/google/uuid"
)

// ModelConfig names the provider model used for each generation stage.
type ModelConfig struct {
	Image   string
	Upscale string
	Video   string
	Music   string
	Voice   string
}

// Dispatcher submits generation jobs to the provider. It runs on queue
// workers, never inline with a webhook or API request, so backoff sleeps
// and provider round-trips stay off the hot paths and outside the
// campaign lock.
type Dispatcher struct {
	ledger        Ledger
	provider      Provider
	queue         Enqueuer
	coordinator   *Coordinator
	retry         RetryPolicy
	publicBaseURL string
	models        ModelConfig
}

func NewDispatcher(ledger Ledger, provider Provider, queue Enqueuer, coordinator *Coordinator, retry RetryPolicy, publicBaseURL string, modelCfg ModelConfig) *Dispatcher {
	return &Dispatcher{
		ledger:        ledger,
		provider:      provider,
		queue:         queue,
		coordinator:   coordinator,
		retry:         retry,
		publicBaseURL: publicBaseURL,
		models:        modelCfg,
	}
}

// DispatchStage submits one scene-stage generation job. attempt is
// 0-based; retry attempts wait out their backoff here, on the worker,
// before touching the provider.
func (d *Dispatcher) DispatchStage(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, attempt int) error {
	if err := d.waitBackoff(ctx, attempt); err != nil {
		return err
	}

	campaign, err := d.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Printf("[Dispatch] Campaign %s gone, dropping scene %d %s dispatch", campaignID, sceneNumber, stage)
			return nil
		}
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign.PipelineStage == models.StageFailed || campaign.PipelineStage == models.StageCompleted {
		log.Printf("[Dispatch] Campaign %s is %s, dropping scene %d %s dispatch", campaignID, campaign.PipelineStage, sceneNumber, stage)
		return nil
	}

	scene := campaign.Scene(sceneNumber)
	if scene == nil {
		return fmt.Errorf("campaign %s has no scene %d", campaignID, sceneNumber)
	}
	// A redelivered dispatch job must not double-submit.
	if status := scene.StatusFor(stage); status != models.StatusPending {
		log.Printf("[Dispatch] Campaign %s scene %d %s is %s, skipping dispatch", campaignID, sceneNumber, stage, status)
		return nil
	}

	input, model, err := d.buildStageInput(campaign, scene, stage)
	if err != nil {
		return d.recordSubmitFailure(ctx, campaignID, sceneNumber, stage, attempt, err)
	}

	jobID, err := d.provider.CreateJob(ctx, services.GenerationRequest{
		Model:      model,
		Input:      input,
		WebhookURL: d.sceneWebhookURL(campaignID, sceneNumber, stage),
	})
	if err != nil {
		return d.recordSubmitFailure(ctx, campaignID, sceneNumber, stage, attempt, err)
	}

	_, err = d.ledger.ApplyScenePatch(ctx, campaignID, sceneNumber,
		*(&models.ScenePatch{}).SetStatus(stage, models.StatusGenerating).SetJobID(stage, jobID))
	if err != nil {
		return fmt.Errorf("failed to record dispatched job: %w", err)
	}

	log.Printf("[Dispatch] Campaign %s scene %d %s dispatched (job %s, attempt %d)", campaignID, sceneNumber, stage, jobID, attempt+1)
	return nil
}

// buildStageInput assembles the model input for a scene stage from the
// scene's prompts and upstream outputs.
func (d *Dispatcher) buildStageInput(campaign *models.Campaign, scene *models.Scene, stage models.SceneStage) (map[string]interface{}, string, error) {
	switch stage {
	case models.SceneStageImage:
		if scene.ImagePrompt == "" {
			return nil, "", fmt.Errorf("scene %d has no image prompt", scene.SceneNumber)
		}
		return map[string]interface{}{
			"prompt":       scene.ImagePrompt,
			"aspect_ratio": campaign.AspectRatio,
		}, d.models.Image, nil

	case models.SceneStageUpscale:
		if scene.ImageURL == nil {
			return nil, "", fmt.Errorf("scene %d has no image to upscale", scene.SceneNumber)
		}
		return map[string]interface{}{
			"image": *scene.ImageURL,
		}, d.models.Upscale, nil

	case models.SceneStageVideo:
		source := scene.UpscaleURL
		if source == nil {
			source = scene.ImageURL
		}
		if source == nil {
			return nil, "", fmt.Errorf("scene %d has no source frame for video", scene.SceneNumber)
		}
		if scene.MotionPrompt == "" {
			return nil, "", fmt.Errorf("scene %d has no motion prompt", scene.SceneNumber)
		}
		return map[string]interface{}{
			"image":        *source,
			"prompt":       scene.MotionPrompt,
			"aspect_ratio": campaign.AspectRatio,
		}, d.models.Video, nil
	}
	return nil, "", fmt.Errorf("unknown scene stage %q", stage)
}

// recordSubmitFailure handles a failure to even hand the job to the
// provider. Same retry budget as provider-reported failures.
func (d *Dispatcher) recordSubmitFailure(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, attempt int, submitErr error) error {
	errMsg := fmt.Sprintf("dispatch failed: %v", submitErr)
	log.Printf("[Dispatch] Campaign %s scene %d %s attempt %d: %s", campaignID, sceneNumber, stage, attempt+1, errMsg)

	var (
		retrying    bool
		nextAttempt int
		failed      bool
	)
	updated, err := d.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		retrying, nextAttempt, failed = false, 0, false
		scene := c.Scene(sceneNumber)
		if scene == nil {
			return nil
		}
		retryCount := scene.RetryCountFor(stage)
		if d.retry.Decide(retryCount, errMsg) {
			retrying = true
			nextAttempt = retryCount + 1
			c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber,
				*(&models.ScenePatch{}).
					SetRetryCount(stage, nextAttempt).
					SetError(d.retry.RetryAnnotation(retryCount, errMsg)))
			return nil
		}
		failed = true
		c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber,
			*(&models.ScenePatch{}).SetStatus(stage, models.StatusFailed).SetError(errMsg))
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record dispatch failure: %w", err)
	}

	if retrying {
		return d.queue.EnqueueDispatchStage(ctx, campaignID, sceneNumber, stage, nextAttempt)
	}
	if failed {
		return d.coordinator.OnSceneTerminal(ctx, updated, stage)
	}
	return nil
}

// DispatchTrack submits a side-track generation job (background music or
// voice narration).
func (d *Dispatcher) DispatchTrack(ctx context.Context, campaignID uuid.UUID, track models.Track, attempt int) error {
	if err := d.waitBackoff(ctx, attempt); err != nil {
		return err
	}

	campaign, err := d.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Printf("[Dispatch] Campaign %s gone, dropping %s track dispatch", campaignID, track)
			return nil
		}
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign.PipelineStage == models.StageFailed || campaign.PipelineStage == models.StageCompleted {
		log.Printf("[Dispatch] Campaign %s is %s, dropping %s track dispatch", campaignID, campaign.PipelineStage, track)
		return nil
	}

	state := campaign.Track(track)
	if !state.Requested {
		log.Printf("[Dispatch] Campaign %s %s track not requested, skipping", campaignID, track)
		return nil
	}
	if state.Status != models.StatusPending {
		log.Printf("[Dispatch] Campaign %s %s track is %s, skipping dispatch", campaignID, track, state.Status)
		return nil
	}

	var (
		model string
		input map[string]interface{}
	)
	if track == models.TrackAudio {
		model = d.models.Music
		input = map[string]interface{}{
			"prompt": state.Prompt,
		}
	} else {
		model = d.models.Voice
		input = map[string]interface{}{
			"text": state.Prompt,
		}
	}

	jobID, err := d.provider.CreateJob(ctx, services.GenerationRequest{
		Model:      model,
		Input:      input,
		WebhookURL: d.trackWebhookURL(campaignID, track),
	})
	if err != nil {
		return d.recordTrackSubmitFailure(ctx, campaignID, track, attempt, err)
	}

	_, err = d.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		st := c.Track(track)
		st.Status = models.StatusGenerating
		st.JobID = &jobID
		c.SetTrack(track, st)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record dispatched track job: %w", err)
	}

	log.Printf("[Dispatch] Campaign %s %s track dispatched (job %s, attempt %d)", campaignID, track, jobID, attempt+1)
	return nil
}

func (d *Dispatcher) recordTrackSubmitFailure(ctx context.Context, campaignID uuid.UUID, track models.Track, attempt int, submitErr error) error {
	errMsg := fmt.Sprintf("dispatch failed: %v", submitErr)
	log.Printf("[Dispatch] Campaign %s %s track attempt %d: %s", campaignID, track, attempt+1, errMsg)

	var (
		retrying    bool
		nextAttempt int
		failed      bool
	)
	updated, err := d.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		retrying, nextAttempt, failed = false, 0, false
		st := c.Track(track)
		if d.retry.Decide(st.RetryCount, errMsg) {
			retrying = true
			nextAttempt = st.RetryCount + 1
			annotation := d.retry.RetryAnnotation(st.RetryCount, errMsg)
			st.RetryCount = nextAttempt
			st.Error = &annotation
		} else {
			failed = true
			st.Status = models.StatusFailed
			st.Error = &errMsg
		}
		c.SetTrack(track, st)
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record track dispatch failure: %w", err)
	}

	if retrying {
		return d.queue.EnqueueDispatchTrack(ctx, campaignID, track, nextAttempt)
	}
	if failed {
		return d.coordinator.OnTrackTerminal(ctx, updated, track)
	}
	return nil
}

// waitBackoff sleeps out the retry backoff for attempt, honoring
// cancellation.
func (d *Dispatcher) waitBackoff(ctx context.Context, attempt int) error {
	delay := d.retry.Backoff(attempt)
	if delay == 0 {
		return nil
	}
	log.Printf("[Dispatch] Backing off %s before attempt %d", delay, attempt+1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) sceneWebhookURL(campaignID uuid.UUID, sceneNumber int, stage models.SceneStage) string {
	return fmt.Sprintf("%s/v1/webhooks/campaigns/%s/scenes/%d/%s", d.publicBaseURL, campaignID, sceneNumber, stage)
}

func (d *Dispatcher) trackWebhookURL(campaignID uuid.UUID, track models.Track) string {
	return fmt.Sprintf("%s/v1/webhooks/campaigns/%s/tracks/%s", d.publicBaseURL, campaignID, track)
}
