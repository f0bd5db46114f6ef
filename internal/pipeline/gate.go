package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/google/uuid"
)

// Gate fires final assembly exactly once per campaign. Its three
// conditions — every scene video completed, audio track ready, voice
// track ready — complete independently and in any order, so every
// condition's completion path calls CheckAndTrigger and the gate itself
// decides whether this call is the one that opens it.
type Gate struct {
	ledger Ledger
	queue  Enqueuer
}

func NewGate(ledger Ledger, queue Enqueuer) *Gate {
	return &Gate{ledger: ledger, queue: queue}
}

// CheckAndTrigger evaluates the assembly conditions and, if they all hold,
// claims the transition to assembling and enqueues the assemble job.
// Exactly-once comes from the claim happening under the campaign lock:
// concurrent calls serialize, and only the one that observes videos_ready
// performs the transition.
func (g *Gate) CheckAndTrigger(ctx context.Context, campaignID uuid.UUID) error {
	fired := false
	_, err := g.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		fired = false
		if c.PipelineStage != models.StageVideosReady {
			return nil
		}
		if !c.ReadyToAssemble() {
			return nil
		}
		c.PipelineStage = models.StageAssembling
		fired = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate completion gate: %w", err)
	}
	if !fired {
		return nil
	}

	log.Printf("[Gate] Campaign %s: all conditions met, triggering assembly", campaignID)
	if err := g.queue.EnqueueAssemble(ctx, campaignID); err != nil {
		return fmt.Errorf("failed to enqueue assembly: %w", err)
	}
	return nil
}
