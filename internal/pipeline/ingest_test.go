package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/google/uuid"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSceneCallbackSuccess(t *testing.T) {
	c := testCampaign(2, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	markGenerating(c, 2, models.SceneStageImage, "job-2")
	e := newEnv("", c)
	ctx := context.Background()

	body := successBody("job-1", "https://replicate.delivery/tmp/out.png")
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	scene := got.Scene(1)
	if scene.ImageStatus != models.StatusCompleted {
		t.Errorf("expected completed, got %s", scene.ImageStatus)
	}
	if scene.ImageURL == nil || *scene.ImageURL != "https://cdn.test/campaigns/"+c.ID.String()+"/scene_1_image.png" {
		t.Errorf("expected durable URL, got %v", scene.ImageURL)
	}
	// Scene 2 still in flight, stage must not advance
	if got.PipelineStage != models.StageImagesGenerating {
		t.Errorf("stage advanced early: %s", got.PipelineStage)
	}
}

func TestSceneCallbackDuplicateDelivery(t *testing.T) {
	c := testCampaign(2, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	e := newEnv("", c)
	ctx := context.Background()

	body := successBody("job-1", "https://replicate.delivery/tmp/out.png")
	for i := 0; i < 3; i++ {
		if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	if len(e.rehoster.calls) != 1 {
		t.Errorf("expected exactly one rehost, got %d", len(e.rehoster.calls))
	}
	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(1).ImageRetryCount != 0 {
		t.Errorf("duplicate deliveries consumed retries: %d", got.Scene(1).ImageRetryCount)
	}
}

func TestSceneCallbackStaleJobIgnored(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-new")
	e := newEnv("", c)
	ctx := context.Background()

	// Failure callback from a superseded attempt must not touch the scene
	body := failureBody("job-old", "model crashed")
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("stale callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(1).ImageStatus != models.StatusGenerating {
		t.Errorf("stale callback changed status to %s", got.Scene(1).ImageStatus)
	}
	if got.Scene(1).ImageRetryCount != 0 {
		t.Errorf("stale callback consumed a retry")
	}
}

func TestSceneCallbackSignature(t *testing.T) {
	const secret = "whsec-test"
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	e := newEnv(secret, c)
	ctx := context.Background()

	body := successBody("job-1", "https://replicate.delivery/tmp/out.png")

	err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, "deadbeef")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for bad signature, got %v", err)
	}
	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(1).ImageStatus != models.StatusGenerating {
		t.Errorf("rejected callback mutated state")
	}

	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, sign(secret, body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Providers that prefix the hex digest are accepted too
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, "sha256="+sign(secret, body)); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
}

func TestSceneCallbackMalformedPayload(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	e := newEnv("", c)
	ctx := context.Background()

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"status":"succeeded","output":"x"}`),        // no job id
		[]byte(`{"id":"j","status":"succeeded"}`),            // no output
		[]byte(`{"id":"j","status":"succeeded","output":5}`), // wrong shape
	}
	for _, body := range cases {
		err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, "")
		if !errors.Is(err, ErrBadPayload) {
			t.Errorf("expected ErrBadPayload for %s, got %v", body, err)
		}
	}
}

func TestSceneCallbackOutputList(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	e := newEnv("", c)
	ctx := context.Background()

	body := []byte(`{"id":"job-1","status":"succeeded","output":["https://a.test/1.png","https://a.test/2.png"]}`)
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("list output rejected: %v", err)
	}

	// First element wins
	if len(e.rehoster.calls) != 1 {
		t.Fatalf("expected one rehost, got %d", len(e.rehoster.calls))
	}
}

func TestSceneCallbackUnknownCampaignAbsorbed(t *testing.T) {
	e := newEnv("")
	body := successBody("job-1", "https://a.test/1.png")
	if err := e.ingestor.HandleSceneCallback(context.Background(), uuid.New(), 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("callback for deleted campaign must be absorbed, got %v", err)
	}
}

func TestSceneCallbackTransientFailureRetries(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	e := newEnv("", c)
	ctx := context.Background()

	body := failureBody("job-1", "upstream timeout")
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("failure callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	scene := got.Scene(1)
	if scene.ImageStatus != models.StatusPending {
		t.Errorf("expected pending for re-dispatch, got %s", scene.ImageStatus)
	}
	if scene.ImageRetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", scene.ImageRetryCount)
	}
	if scene.Error == nil || *scene.Error != "Retry 1/3: upstream timeout" {
		t.Errorf("expected retry annotation, got %v", scene.Error)
	}
	if len(e.queue.stageJobs) != 1 || e.queue.stageJobs[0].attempt != 1 {
		t.Fatalf("expected one re-dispatch with attempt 1, got %+v", e.queue.stageJobs)
	}
	if got.PipelineStage != models.StageImagesGenerating {
		t.Errorf("retrying scene must not conclude the stage: %s", got.PipelineStage)
	}
}

func TestSceneCallbackRetriesExhausted(t *testing.T) {
	c := testCampaign(2, models.StageImagesGenerating)
	// Scene 1 already completed, scene 2 on its last attempt
	url := "https://cdn.test/scene_1_image.png"
	c.Scenes[0].ImageStatus = models.StatusCompleted
	c.Scenes[0].ImageURL = &url
	markGenerating(c, 2, models.SceneStageImage, "job-2")
	c.Scenes = models.MergeScenePatch(c.Scenes, 2, *(&models.ScenePatch{}).SetRetryCount(models.SceneStageImage, 2))
	e := newEnv("", c)
	ctx := context.Background()

	body := failureBody("job-2", "upstream timeout")
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 2, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("failure callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(2).ImageStatus != models.StatusFailed {
		t.Errorf("expected failed after exhaustion, got %s", got.Scene(2).ImageStatus)
	}
	if got.PipelineStage != models.StageFailed {
		t.Errorf("expected campaign failed, got %s", got.PipelineStage)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "1/2 scenes failed at image stage" {
		t.Errorf("unexpected error message: %v", got.ErrorMessage)
	}
	// Successful scene's output survives the campaign failure
	if got.Scene(1).ImageURL == nil {
		t.Errorf("completed scene lost its URL")
	}
	if len(e.queue.stageJobs) != 0 {
		t.Errorf("exhausted scene must not re-dispatch: %+v", e.queue.stageJobs)
	}
}

func TestSceneCallbackPermanentErrorFailsFast(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	e := newEnv("", c)
	ctx := context.Background()

	body := failureBody("job-1", "invalid input: prompt rejected")
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("failure callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(1).ImageStatus != models.StatusFailed {
		t.Errorf("permanent error must fail without retries, got %s", got.Scene(1).ImageStatus)
	}
	if got.Scene(1).ImageRetryCount != 0 {
		t.Errorf("permanent error consumed retries: %d", got.Scene(1).ImageRetryCount)
	}
	if len(e.queue.stageJobs) != 0 {
		t.Errorf("permanent error must not re-dispatch")
	}
}

// A rehost failure must release the "uploading" claim taken by the
// success path: the scene goes back to pending with one retry consumed
// and a re-dispatch queued, never stuck in uploading.
func TestSceneCallbackRehostFailureUsesRetryBudget(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	e := newEnv("", c)
	e.rehoster.err = errors.New("storage unavailable")
	ctx := context.Background()

	body := successBody("job-1", "https://replicate.delivery/tmp/out.png")
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	scene := got.Scene(1)
	if scene.ImageStatus != models.StatusPending {
		t.Errorf("rehost failure should queue a retry, got %s", scene.ImageStatus)
	}
	if scene.ImageRetryCount != 1 {
		t.Errorf("expected one consumed retry, got %d", scene.ImageRetryCount)
	}
	if scene.Error == nil || *scene.Error != "Retry 1/3: rehost failed: storage unavailable" {
		t.Errorf("expected rehost annotation, got %v", scene.Error)
	}
	if len(e.queue.stageJobs) != 1 || e.queue.stageJobs[0].attempt != 1 {
		t.Fatalf("expected one re-dispatch with attempt 1, got %+v", e.queue.stageJobs)
	}
}

func TestSceneCallbackRehostFailureExhaustedFailsScene(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	c.Scenes = models.MergeScenePatch(c.Scenes, 1, *(&models.ScenePatch{}).SetRetryCount(models.SceneStageImage, 2))
	e := newEnv("", c)
	e.rehoster.err = errors.New("storage unavailable")
	ctx := context.Background()

	body := successBody("job-1", "https://replicate.delivery/tmp/out.png")
	if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
		t.Fatalf("callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(1).ImageStatus != models.StatusFailed {
		t.Errorf("expected terminal failed after exhaustion, got %s", got.Scene(1).ImageStatus)
	}
	if got.PipelineStage != models.StageFailed {
		t.Errorf("expected campaign failed, got %s", got.PipelineStage)
	}
	if len(e.queue.stageJobs) != 0 {
		t.Errorf("exhausted scene must not re-dispatch: %+v", e.queue.stageJobs)
	}
}

// Redelivering a failure callback after the retry was already recorded
// must not consume a second retry or queue a second dispatch.
func TestSceneCallbackFailureRedelivered(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-1")
	e := newEnv("", c)
	ctx := context.Background()

	body := failureBody("job-1", "upstream timeout")
	for i := 0; i < 2; i++ {
		if err := e.ingestor.HandleSceneCallback(ctx, c.ID, 1, models.SceneStageImage, body, ""); err != nil {
			t.Fatalf("delivery %d errored: %v", i+1, err)
		}
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(1).ImageRetryCount != 1 {
		t.Errorf("redelivery double-counted the retry budget: %d", got.Scene(1).ImageRetryCount)
	}
	if len(e.queue.stageJobs) != 1 {
		t.Errorf("expected one re-dispatch, got %d", len(e.queue.stageJobs))
	}
}

// Concurrent callbacks for different scenes merge without clobbering each
// other, and the stage concludes exactly once.
func TestConcurrentSceneCallbacks(t *testing.T) {
	const n = 4
	c := testCampaign(n, models.StageImagesGenerating)
	for i := 1; i <= n; i++ {
		markGenerating(c, i, models.SceneStageImage, fmt.Sprintf("job-%d", i))
	}
	e := newEnv("", c)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(sceneNumber int) {
			defer wg.Done()
			body := successBody(fmt.Sprintf("job-%d", sceneNumber), "https://replicate.delivery/tmp/out.png")
			errs <- e.ingestor.HandleSceneCallback(ctx, c.ID, sceneNumber, models.SceneStageImage, body, "")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("callback failed: %v", err)
		}
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	for i := 1; i <= n; i++ {
		if got.Scene(i).ImageStatus != models.StatusCompleted {
			t.Errorf("scene %d lost its completion: %s", i, got.Scene(i).ImageStatus)
		}
	}
	if got.PipelineStage != models.StageUpscaling {
		t.Errorf("expected upscaling, got %s", got.PipelineStage)
	}
	if e.queue.stageJobCount() != n {
		t.Errorf("expected %d upscale dispatches, got %d", n, e.queue.stageJobCount())
	}
}

func TestTrackCallbackSuccess(t *testing.T) {
	c := testCampaign(2, models.StageImagesGenerating)
	c.AudioTrack.Status = models.StatusGenerating
	jobID := "job-audio"
	c.AudioTrack.JobID = &jobID
	e := newEnv("", c)
	ctx := context.Background()

	body := successBody("job-audio", "https://replicate.delivery/tmp/music.mp3")
	if err := e.ingestor.HandleTrackCallback(ctx, c.ID, models.TrackAudio, body, ""); err != nil {
		t.Fatalf("track callback failed: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.AudioTrack.Status != models.StatusCompleted {
		t.Errorf("expected completed audio, got %s", got.AudioTrack.Status)
	}
	if got.AudioTrack.URL == nil || *got.AudioTrack.URL != "https://cdn.test/campaigns/"+c.ID.String()+"/audio.mp3" {
		t.Errorf("expected durable audio URL, got %v", got.AudioTrack.URL)
	}
	// Videos not done — gate must not fire
	if e.queue.assembleCount() != 0 {
		t.Errorf("gate fired before videos completed")
	}
}

func TestTrackCallbackTerminalFailureSinksCampaign(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	c.AudioTrack.Status = models.StatusGenerating
	jobID := "job-audio"
	c.AudioTrack.JobID = &jobID
	c.AudioTrack.RetryCount = 2
	e := newEnv("", c)
	ctx := context.Background()

	body := failureBody("job-audio", "upstream timeout")
	if err := e.ingestor.HandleTrackCallback(ctx, c.ID, models.TrackAudio, body, ""); err != nil {
		t.Fatalf("track callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.AudioTrack.Status != models.StatusFailed {
		t.Errorf("expected failed audio, got %s", got.AudioTrack.Status)
	}
	if got.PipelineStage != models.StageFailed {
		t.Errorf("required track failure must fail the campaign, got %s", got.PipelineStage)
	}
}

func TestTrackCallbackRehostFailureUsesRetryBudget(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	c.AudioTrack.Status = models.StatusGenerating
	jobID := "job-audio"
	c.AudioTrack.JobID = &jobID
	e := newEnv("", c)
	e.rehoster.err = errors.New("storage unavailable")
	ctx := context.Background()

	body := successBody("job-audio", "https://replicate.delivery/tmp/music.mp3")
	if err := e.ingestor.HandleTrackCallback(ctx, c.ID, models.TrackAudio, body, ""); err != nil {
		t.Fatalf("track callback errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.AudioTrack.Status != models.StatusPending {
		t.Errorf("rehost failure should queue a track retry, got %s", got.AudioTrack.Status)
	}
	if got.AudioTrack.RetryCount != 1 {
		t.Errorf("expected one consumed retry, got %d", got.AudioTrack.RetryCount)
	}
	if len(e.queue.trackJobs) != 1 || e.queue.trackJobs[0].attempt != 1 {
		t.Fatalf("expected one track re-dispatch with attempt 1, got %+v", e.queue.trackJobs)
	}
}
