// Package pipeline is the campaign coordinator: it turns the unordered,
// at-least-once stream of provider completion callbacks into a single
// consistent campaign state and fires final assembly exactly once.
//
// The package holds four cooperating pieces: the webhook Ingestor, the
// stage Coordinator, the generation Dispatcher, and the completion Gate.
// All mutation flows through the Ledger's campaign lock; provider and
// storage I/O always happens outside it.
package pipeline

import (
	"context"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/services"
	"github.com/google/uuid"
)

// Ledger is the authoritative campaign state store. Implemented by
// internal/db over a postgres row lock; tests use an in-memory double with
// the same contract.
type Ledger interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)

	// ApplyScenePatch merge-patches one scene under the campaign lock and
	// returns the updated aggregate.
	ApplyScenePatch(ctx context.Context, id uuid.UUID, sceneNumber int, patch models.ScenePatch) (*models.Campaign, error)

	// UpdateCampaign runs fn on the aggregate under the campaign lock and
	// persists the result. fn must not perform I/O.
	UpdateCampaign(ctx context.Context, id uuid.UUID, fn func(*models.Campaign) error) (*models.Campaign, error)
}

// Enqueuer hands work to the background queue. Dispatching is always
// enqueue-and-return, never a blocking provider call.
type Enqueuer interface {
	EnqueueDispatchStage(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, attempt int) error
	EnqueueDispatchTrack(ctx context.Context, campaignID uuid.UUID, track models.Track, attempt int) error
	EnqueueAssemble(ctx context.Context, campaignID uuid.UUID) error
}

// Provider creates asynchronous generation jobs. The provider delivers
// completion callbacks to the registered webhook URL at-least-once.
type Provider interface {
	CreateJob(ctx context.Context, req services.GenerationRequest) (string, error)
}

// Rehoster copies a provider-hosted asset to durable storage and returns
// the durable URL. Slow network I/O — never called under the campaign lock.
type Rehoster interface {
	Rehost(ctx context.Context, sourceURL, objectPath, contentType string) (string, error)
}

// contentTypeFor maps a scene stage to the MIME type of its output asset.
func contentTypeFor(stage models.SceneStage) string {
	if stage == models.SceneStageVideo {
		return "video/mp4"
	}
	return "image/png"
}

// fileExtFor maps a scene stage to the storage file extension.
func fileExtFor(stage models.SceneStage) string {
	if stage == models.SceneStageVideo {
		return ".mp4"
	}
	return ".png"
}
