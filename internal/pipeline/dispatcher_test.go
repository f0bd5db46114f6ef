package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
)

func TestDispatchStageSubmitsAndRecords(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	e := newEnv("", c)
	ctx := context.Background()

	if err := e.dispatcher.DispatchStage(ctx, c.ID, 1, models.SceneStageImage, 0); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if len(e.provider.requests) != 1 {
		t.Fatalf("expected one provider call, got %d", len(e.provider.requests))
	}
	req := e.provider.requests[0]
	if req.Model != "test/image-model" {
		t.Errorf("wrong model: %s", req.Model)
	}
	if req.Input["prompt"] != "frame 1" {
		t.Errorf("wrong prompt: %v", req.Input["prompt"])
	}
	wantHook := "https://api.test/v1/webhooks/campaigns/" + c.ID.String() + "/scenes/1/image"
	if req.WebhookURL != wantHook {
		t.Errorf("webhook URL = %s, want %s", req.WebhookURL, wantHook)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	scene := got.Scene(1)
	if scene.ImageStatus != models.StatusGenerating {
		t.Errorf("expected generating, got %s", scene.ImageStatus)
	}
	if scene.ImageJobID == nil || *scene.ImageJobID != "job-1" {
		t.Errorf("job id not recorded: %v", scene.ImageJobID)
	}
}

func TestDispatchStageSkipsNonPending(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	markGenerating(c, 1, models.SceneStageImage, "job-live")
	e := newEnv("", c)

	// Queue redelivery of the same dispatch job
	if err := e.dispatcher.DispatchStage(context.Background(), c.ID, 1, models.SceneStageImage, 0); err != nil {
		t.Fatalf("dispatch errored: %v", err)
	}
	if len(e.provider.requests) != 0 {
		t.Errorf("redelivered dispatch double-submitted: %d calls", len(e.provider.requests))
	}
}

func TestDispatchStageSkipsTerminalCampaign(t *testing.T) {
	c := testCampaign(1, models.StageFailed)
	e := newEnv("", c)

	if err := e.dispatcher.DispatchStage(context.Background(), c.ID, 1, models.SceneStageImage, 0); err != nil {
		t.Fatalf("dispatch errored: %v", err)
	}
	if len(e.provider.requests) != 0 {
		t.Errorf("dispatched into a failed campaign")
	}
}

func TestDispatchStageVideoUsesUpscaledFrame(t *testing.T) {
	c := testCampaign(1, models.StageVideosGenerating)
	e := newEnv("", c)

	if err := e.dispatcher.DispatchStage(context.Background(), c.ID, 1, models.SceneStageVideo, 0); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	req := e.provider.requests[0]
	image, _ := req.Input["image"].(string)
	if !strings.Contains(image, "upscale") {
		t.Errorf("video stage must animate the upscaled frame, got %s", image)
	}
	if req.Input["prompt"] != "camera pans 1" {
		t.Errorf("wrong motion prompt: %v", req.Input["prompt"])
	}
}

func TestDispatchStageSubmitFailureRetries(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	e := newEnv("", c)
	e.provider.err = errors.New("connection refused")
	ctx := context.Background()

	if err := e.dispatcher.DispatchStage(ctx, c.ID, 1, models.SceneStageImage, 0); err != nil {
		t.Fatalf("dispatch errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	scene := got.Scene(1)
	if scene.ImageStatus != models.StatusPending {
		t.Errorf("expected pending for retry, got %s", scene.ImageStatus)
	}
	if scene.ImageRetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", scene.ImageRetryCount)
	}
	if len(e.queue.stageJobs) != 1 || e.queue.stageJobs[0].attempt != 1 {
		t.Fatalf("expected re-dispatch with attempt 1, got %+v", e.queue.stageJobs)
	}
}

func TestDispatchStageSubmitFailurePermanentSinksScene(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	e := newEnv("", c)
	e.provider.err = errors.New("401 unauthorized")
	ctx := context.Background()

	if err := e.dispatcher.DispatchStage(ctx, c.ID, 1, models.SceneStageImage, 0); err != nil {
		t.Fatalf("dispatch errored: %v", err)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.Scene(1).ImageStatus != models.StatusFailed {
		t.Errorf("expected failed scene, got %s", got.Scene(1).ImageStatus)
	}
	// Single-scene campaign: the stage concludes as failed
	if got.PipelineStage != models.StageFailed {
		t.Errorf("expected campaign failed, got %s", got.PipelineStage)
	}
	if len(e.queue.stageJobs) != 0 {
		t.Errorf("permanent failure must not re-dispatch")
	}
}

func TestDispatchTrack(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	e := newEnv("", c)
	ctx := context.Background()

	if err := e.dispatcher.DispatchTrack(ctx, c.ID, models.TrackAudio, 0); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	req := e.provider.requests[0]
	if req.Model != "test/music-model" {
		t.Errorf("wrong model: %s", req.Model)
	}
	if req.Input["prompt"] != "upbeat synth" {
		t.Errorf("wrong prompt: %v", req.Input["prompt"])
	}
	wantHook := "https://api.test/v1/webhooks/campaigns/" + c.ID.String() + "/tracks/audio"
	if req.WebhookURL != wantHook {
		t.Errorf("webhook URL = %s", req.WebhookURL)
	}

	got, _ := e.ledger.GetCampaign(ctx, c.ID)
	if got.AudioTrack.Status != models.StatusGenerating {
		t.Errorf("expected generating audio, got %s", got.AudioTrack.Status)
	}
	if got.AudioTrack.JobID == nil {
		t.Error("track job id not recorded")
	}
}

func TestDispatchTrackSkipsUnrequested(t *testing.T) {
	c := testCampaign(1, models.StageImagesGenerating)
	c.VoiceTrack = models.TrackState{Requested: false, Status: models.StatusPending}
	e := newEnv("", c)

	if err := e.dispatcher.DispatchTrack(context.Background(), c.ID, models.TrackVoice, 0); err != nil {
		t.Fatalf("dispatch errored: %v", err)
	}
	if len(e.provider.requests) != 0 {
		t.Errorf("dispatched an unrequested track")
	}
}
