package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/google/uuid"
)

const campaignColumns = `
	id, brief, scene_count, aspect_ratio, director_mode, pipeline_stage,
	scenes, audio_track, voice_track, final_artifact_url, error_message,
	created_at, updated_at
`

func (db *DB) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, brief, scene_count, aspect_ratio, director_mode,
			pipeline_stage, scenes, audio_track, voice_track
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		campaign.ID, campaign.Brief, campaign.SceneCount, campaign.AspectRatio,
		campaign.DirectorMode, campaign.PipelineStage, campaign.Scenes,
		campaign.AudioTrack, campaign.VoiceTrack,
	).Scan(&campaign.CreatedAt, &campaign.UpdatedAt)
}

func scanCampaign(row interface{ Scan(...interface{}) error }) (*models.Campaign, error) {
	campaign := &models.Campaign{}
	err := row.Scan(
		&campaign.ID, &campaign.Brief, &campaign.SceneCount, &campaign.AspectRatio,
		&campaign.DirectorMode, &campaign.PipelineStage,
		&campaign.Scenes, &campaign.AudioTrack, &campaign.VoiceTrack,
		&campaign.FinalArtifactURL, &campaign.ErrorMessage,
		&campaign.CreatedAt, &campaign.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}
	return campaign, nil
}

func (db *DB) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(db.QueryRowContext(ctx, query, id))
}

// ListCampaigns returns campaigns ordered by creation date (newest first),
// with limit and offset for pagination.
func (db *DB) ListCampaigns(ctx context.Context, limit, offset int) ([]models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *campaign)
	}

	return campaigns, rows.Err()
}

// CountCampaigns returns the total number of campaigns.
func (db *DB) CountCampaigns(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`).Scan(&count)
	return count, err
}

// DeleteCampaign removes a campaign. Scenes live inside the campaign row,
// so the whole aggregate goes with it.
func (db *DB) DeleteCampaign(ctx context.Context, id uuid.UUID) error {
	result, err := db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}

	return nil
}
