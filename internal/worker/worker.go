package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/db"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/pipeline"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/queue"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/services"
)

// Worker consumes the background queues: storyboard planning, provider
// dispatch, and final assembly. Webhook ingestion runs on the API side;
// everything that sleeps, polls or calls a slow service runs here.
type Worker struct {
	db          *db.DB
	queue       *queue.Queue
	planner     services.StoryboardGenerator // OpenAI preferred, Gemini fallback
	coordinator *pipeline.Coordinator
	dispatcher  *pipeline.Dispatcher
	assembler   *services.AssemblerClient
}

func New(
	database *db.DB,
	q *queue.Queue,
	planner services.StoryboardGenerator,
	coordinator *pipeline.Coordinator,
	dispatcher *pipeline.Dispatcher,
	assembler *services.AssemblerClient,
) *Worker {
	return &Worker{
		db:          database,
		queue:       q,
		planner:     planner,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		assembler:   assembler,
	}
}

// Start begins processing jobs from all queues
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("Worker started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueGenerateStoryboard, w.handleGenerateStoryboard)
		go w.processQueue(ctx, queue.QueueDispatchStage, w.handleDispatchStage)
		go w.processQueue(ctx, queue.QueueDispatchTrack, w.handleDispatchTrack)
		go w.processQueue(ctx, queue.QueueAssemble, w.handleAssemble)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				log.Printf("Error dequeuing from %s: %v", queueName, err)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			log.Printf("Processing job %s (type: %s, campaign: %s)", job.ID, job.Type, job.CampaignID)

			if err := handler(ctx, job); err != nil {
				log.Printf("Job %s failed: %v", job.ID, err)
			} else {
				log.Printf("Job %s completed", job.ID)
			}
		}
	}
}

// handleGenerateStoryboard plans the campaign: the brief is decomposed
// into scenes with prompts, plus the music and narration briefs. Planner
// failure fails the campaign — there is nothing to generate without a
// storyboard.
func (w *Worker) handleGenerateStoryboard(ctx context.Context, job *queue.Job) error {
	campaign, err := w.db.UpdateCampaign(ctx, job.CampaignID, func(c *models.Campaign) error {
		c.PipelineStage = models.StagePromptsGenerating
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark campaign planning: %w", err)
	}

	board, err := w.planner.GenerateStoryboard(ctx, campaign.Brief, campaign.SceneCount, campaign.AspectRatio)
	if err != nil {
		msg := fmt.Sprintf("storyboard generation failed: %v", err)
		if _, dbErr := w.db.UpdateCampaign(ctx, job.CampaignID, func(c *models.Campaign) error {
			c.PipelineStage = models.StageFailed
			c.ErrorMessage = &msg
			return nil
		}); dbErr != nil {
			log.Printf("Failed to record storyboard failure: %v", dbErr)
		}
		return fmt.Errorf("failed to generate storyboard: %w", err)
	}

	return w.coordinator.InitializeScenes(ctx, job.CampaignID, board)
}

func (w *Worker) handleDispatchStage(ctx context.Context, job *queue.Job) error {
	return w.dispatcher.DispatchStage(ctx, job.CampaignID, job.SceneNumber, job.Stage, job.Attempt)
}

func (w *Worker) handleDispatchTrack(ctx context.Context, job *queue.Job) error {
	return w.dispatcher.DispatchTrack(ctx, job.CampaignID, job.Track, job.Attempt)
}

// handleAssemble calls the render service with the finalized inputs and
// records the final artifact. The completion gate guarantees this job is
// enqueued at most once per campaign; the assembling-stage guard makes a
// queue redelivery a no-op after completion.
func (w *Worker) handleAssemble(ctx context.Context, job *queue.Job) error {
	campaign, err := w.db.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	if campaign.PipelineStage != models.StageAssembling {
		log.Printf("Campaign %s is %s, skipping assembly", campaign.ID, campaign.PipelineStage)
		return nil
	}

	req := services.AssemblyRequest{
		CampaignID:    campaign.ID,
		SceneVideoURL: campaign.SceneVideoURLs(),
		AspectRatio:   campaign.AspectRatio,
	}
	if campaign.AudioTrack.Requested {
		req.AudioURL = campaign.AudioTrack.URL
	}
	if campaign.VoiceTrack.Requested {
		req.VoiceURL = campaign.VoiceTrack.URL
	}

	artifactURL, err := w.assembler.Assemble(ctx, req)
	if err != nil {
		msg := fmt.Sprintf("assembly failed: %v", err)
		if _, dbErr := w.db.UpdateCampaign(ctx, job.CampaignID, func(c *models.Campaign) error {
			c.PipelineStage = models.StageFailed
			c.ErrorMessage = &msg
			return nil
		}); dbErr != nil {
			log.Printf("Failed to record assembly failure: %v", dbErr)
		}
		return fmt.Errorf("failed to assemble campaign: %w", err)
	}

	_, err = w.db.UpdateCampaign(ctx, job.CampaignID, func(c *models.Campaign) error {
		c.PipelineStage = models.StageCompleted
		c.FinalArtifactURL = &artifactURL
		c.ErrorMessage = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record final artifact: %w", err)
	}

	log.Printf("Campaign %s completed: %s", campaign.ID, artifactURL)
	return nil
}
