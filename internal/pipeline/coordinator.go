package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/services"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrNotAdvanceable means the campaign is not sitting at an approval hold,
// so there is nothing for a manual advance to release. Handlers map it to
// 409.
var ErrNotAdvanceable = errors.New("campaign is not awaiting approval")

// Coordinator owns the campaign macro state machine. It decides when a
// stage is collectively finished, whether the next stage starts
// automatically or waits for approval, and when a failed scene sinks the
// whole campaign.
//
// Transitions are decided under the campaign lock; the resulting fan-out
// of dispatch jobs always happens after the lock is released.
type Coordinator struct {
	ledger Ledger
	queue  Enqueuer
	gate   *Gate
}

func NewCoordinator(ledger Ledger, queue Enqueuer, gate *Gate) *Coordinator {
	return &Coordinator{
		ledger: ledger,
		queue:  queue,
		gate:   gate,
	}
}

// stageFlow maps each scene stage to the pipeline stage that runs while it
// is in flight, the stage reached when the whole cohort completes, and the
// scene stage dispatched next.
var stageFlow = map[models.SceneStage]struct {
	running models.PipelineStage
	done    models.PipelineStage
	next    models.SceneStage
	hold    bool // director hold point in manual mode
}{
	models.SceneStageImage:   {models.StageImagesGenerating, models.StageImagesReady, models.SceneStageUpscale, true},
	models.SceneStageUpscale: {models.StageUpscaling, models.StageVideosGenerating, models.SceneStageVideo, false},
	models.SceneStageVideo:   {models.StageVideosGenerating, models.StageVideosReady, "", false},
}

// InitializeScenes materializes a generated storyboard into the ledger and
// moves the campaign to prompts_ready. In auto-advance mode the first
// generation stage starts immediately; in manual mode the campaign holds
// for approval.
func (co *Coordinator) InitializeScenes(ctx context.Context, campaignID uuid.UUID, board *services.Storyboard) error {
	var autoAdvance bool
	updated, err := co.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		scenes := make(models.SceneList, 0, len(board.Scenes))
		for _, brief := range board.Scenes {
			sc := models.NewScene(brief.SceneNumber)
			sc.Script = brief.Script
			sc.ImagePrompt = brief.ImagePrompt
			sc.MotionPrompt = brief.MotionPrompt
			scenes = append(scenes, sc)
		}
		// Planners may emit scenes in any order; the ledger (and final
		// assembly) rely on scene-number order.
		sort.Slice(scenes, func(i, j int) bool { return scenes[i].SceneNumber < scenes[j].SceneNumber })
		c.Scenes = scenes
		c.SceneCount = len(scenes)
		c.AudioTrack = models.TrackState{
			Requested: true,
			Prompt:    board.MusicPrompt,
			Status:    models.StatusPending,
		}
		c.VoiceTrack = models.TrackState{
			Requested: board.NarrationScript != "",
			Prompt:    board.NarrationScript,
			Status:    models.StatusPending,
		}
		c.PipelineStage = models.StagePromptsReady
		autoAdvance = c.DirectorMode == models.DirectorAutoAdvance
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scenes: %w", err)
	}

	log.Printf("[Coordinator] Campaign %s storyboard ready: %d scenes, voice=%v",
		campaignID, len(updated.Scenes), updated.VoiceTrack.Requested)

	if !autoAdvance {
		log.Printf("[Coordinator] Campaign %s holding at %s for approval", campaignID, models.StagePromptsReady)
		return nil
	}
	return co.Advance(ctx, campaignID)
}

// Advance releases a director hold. At prompts_ready it starts image
// generation and the side tracks; at images_ready it starts upscaling.
// Returns ErrNotAdvanceable if the campaign is anywhere else. In
// auto-advance mode the coordinator calls this itself.
func (co *Coordinator) Advance(ctx context.Context, campaignID uuid.UUID) error {
	var (
		dispatchStage models.SceneStage
		withTracks    bool
		sceneNumbers  []int
		voice         bool
	)
	_, err := co.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		switch c.PipelineStage {
		case models.StagePromptsReady:
			c.PipelineStage = models.StageImagesGenerating
			dispatchStage = models.SceneStageImage
			withTracks = true
		case models.StageImagesReady:
			c.PipelineStage = models.StageUpscaling
			dispatchStage = models.SceneStageUpscale
			withTracks = false
		default:
			return fmt.Errorf("%w (stage %s)", ErrNotAdvanceable, c.PipelineStage)
		}
		sceneNumbers = sceneNumbers[:0]
		for i := range c.Scenes {
			sceneNumbers = append(sceneNumbers, c.Scenes[i].SceneNumber)
		}
		voice = c.VoiceTrack.Requested
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[Coordinator] Campaign %s advancing: dispatching %s for %d scenes", campaignID, dispatchStage, len(sceneNumbers))
	return co.fanOut(ctx, campaignID, dispatchStage, sceneNumbers, withTracks, voice)
}

// OnSceneTerminal is called after a scene stage reaches completed or
// failed. When the whole cohort is terminal it either fails the campaign
// (any scene failed) or advances to the next stage. Safe to call multiple
// times: the pipeline-stage guard makes the transition idempotent.
func (co *Coordinator) OnSceneTerminal(ctx context.Context, snapshot *models.Campaign, stage models.SceneStage) error {
	if !snapshot.AllScenesTerminal(stage) {
		return nil
	}
	flow := stageFlow[stage]

	var (
		advanced     bool
		failedCount  int
		nextStage    models.SceneStage
		withTracks   bool
		sceneNumbers []int
		voice        bool
		checkGate    bool
	)
	updated, err := co.ledger.UpdateCampaign(ctx, snapshot.ID, func(c *models.Campaign) error {
		advanced, failedCount, checkGate = false, 0, false

		// Another callback already moved the campaign past this stage.
		if c.PipelineStage != flow.running {
			return nil
		}
		if !c.AllScenesTerminal(stage) {
			return nil
		}

		if failed := c.FailedScenes(stage); len(failed) > 0 {
			failedCount = len(failed)
			msg := fmt.Sprintf("%d/%d scenes failed at %s stage", failedCount, len(c.Scenes), stage)
			c.PipelineStage = models.StageFailed
			c.ErrorMessage = &msg
			return nil
		}

		c.PipelineStage = flow.done
		advanced = true
		switch {
		case stage == models.SceneStageVideo:
			// videos_ready; assembly is the gate's call.
			checkGate = true
		case flow.hold && c.DirectorMode == models.DirectorManual:
			// Hold at the *_ready stage for approval.
			advanced = false
		default:
			// Auto-advance straight into the next generation stage.
			switch flow.done {
			case models.StageImagesReady:
				c.PipelineStage = models.StageUpscaling
			case models.StageVideosGenerating:
				// upscale flow lands here directly
			}
			nextStage = flow.next
			withTracks = false
			sceneNumbers = sceneNumbers[:0]
			for i := range c.Scenes {
				sceneNumbers = append(sceneNumbers, c.Scenes[i].SceneNumber)
			}
			voice = c.VoiceTrack.Requested
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to conclude %s stage: %w", stage, err)
	}

	if failedCount > 0 {
		log.Printf("[Coordinator] Campaign %s failed: %s", snapshot.ID, *updated.ErrorMessage)
		return nil
	}
	if checkGate {
		log.Printf("[Coordinator] Campaign %s: all scene videos completed", snapshot.ID)
		return co.gate.CheckAndTrigger(ctx, snapshot.ID)
	}
	if advanced && nextStage != "" {
		log.Printf("[Coordinator] Campaign %s: %s stage completed, dispatching %s for %d scenes",
			snapshot.ID, stage, nextStage, len(sceneNumbers))
		return co.fanOut(ctx, snapshot.ID, nextStage, sceneNumbers, withTracks, voice)
	}
	if updated.PipelineStage == models.StageImagesReady {
		log.Printf("[Coordinator] Campaign %s holding at %s for approval", snapshot.ID, models.StageImagesReady)
	}
	return nil
}

// OnTrackTerminal is called after a side track reaches completed or
// failed. A completed track may satisfy the last assembly condition; a
// failed required track sinks the campaign.
func (co *Coordinator) OnTrackTerminal(ctx context.Context, snapshot *models.Campaign, track models.Track) error {
	state := snapshot.Track(track)

	if state.Status == models.StatusFailed && state.Requested {
		_, err := co.ledger.UpdateCampaign(ctx, snapshot.ID, func(c *models.Campaign) error {
			if c.PipelineStage == models.StageFailed || c.PipelineStage == models.StageCompleted {
				return nil
			}
			msg := fmt.Sprintf("%s track failed", track)
			if st := c.Track(track); st.Error != nil {
				msg = fmt.Sprintf("%s track failed: %s", track, *st.Error)
			}
			c.PipelineStage = models.StageFailed
			c.ErrorMessage = &msg
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record track failure: %w", err)
		}
		log.Printf("[Coordinator] Campaign %s failed: required %s track failed", snapshot.ID, track)
		return nil
	}

	return co.gate.CheckAndTrigger(ctx, snapshot.ID)
}

// fanOut enqueues one dispatch job per scene (plus the side tracks when
// entering the first generation stage). Enqueues run concurrently; any
// failure is returned so the caller's queue delivery retries.
func (co *Coordinator) fanOut(ctx context.Context, campaignID uuid.UUID, stage models.SceneStage, sceneNumbers []int, withTracks, voice bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range sceneNumbers {
		n := n
		g.Go(func() error {
			return co.queue.EnqueueDispatchStage(gctx, campaignID, n, stage, 0)
		})
	}
	if withTracks {
		g.Go(func() error {
			return co.queue.EnqueueDispatchTrack(gctx, campaignID, models.TrackAudio, 0)
		})
		if voice {
			g.Go(func() error {
				return co.queue.EnqueueDispatchTrack(gctx, campaignID, models.TrackVoice, 0)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to fan out %s dispatch: %w", stage, err)
	}
	return nil
}
