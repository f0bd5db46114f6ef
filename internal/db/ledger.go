package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/google/uuid"
)

// The ledger holds all mutable campaign state and exposes exactly one
// mutation primitive: a read-modify-write of the whole aggregate under an
// exclusive campaign row lock (SELECT ... FOR UPDATE). The lock is
// deliberately campaign-scoped rather than scene-scoped — hold times stay
// in single-digit milliseconds because callers never perform network I/O
// inside the locked region, and the coarse scope keeps the merge protocol
// auditable. Different campaigns never contend.

// UpdateCampaign locks the campaign row, loads the aggregate, applies fn to
// it, and writes the mutable columns back in the same transaction. Returns
// the updated aggregate. models.ErrNotFound when the campaign vanished.
func (db *DB) UpdateCampaign(ctx context.Context, id uuid.UUID, fn func(*models.Campaign) error) (*models.Campaign, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1 FOR UPDATE`
	campaign, err := scanCampaign(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := fn(campaign); err != nil {
		return nil, err
	}

	update := `
		UPDATE campaigns
		SET pipeline_stage = $1, scenes = $2, audio_track = $3, voice_track = $4,
		    final_artifact_url = $5, error_message = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at
	`
	err = tx.QueryRowContext(
		ctx, update,
		campaign.PipelineStage, campaign.Scenes, campaign.AudioTrack,
		campaign.VoiceTrack, campaign.FinalArtifactURL, campaign.ErrorMessage, id,
	).Scan(&campaign.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write campaign: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit campaign update: %w", err)
	}

	return campaign, nil
}

// ApplyScenePatch merge-patches a single scene under the campaign lock.
// The target entry is replaced by a shallow merge of old fields and patch
// fields (patch wins); all other entries are untouched. An absent scene is
// synthesized from the patch. Two concurrent patches to different scenes
// never lose each other's writes; patches to the same scene serialize in
// lock-acquisition order, last writer winning on overlapping fields.
func (db *DB) ApplyScenePatch(ctx context.Context, id uuid.UUID, sceneNumber int, patch models.ScenePatch) (*models.Campaign, error) {
	return db.UpdateCampaign(ctx, id, func(c *models.Campaign) error {
		c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber, patch)
		return nil
	})
}
