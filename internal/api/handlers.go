package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/db"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/pipeline"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultSceneCount  = 5
	maxSceneCount      = 12
	defaultAspectRatio = "9:16"
	maxWebhookBody     = 1 << 20 // 1 MB
)

type Handler struct {
	db          *db.DB
	queue       *queue.Queue
	ingestor    *pipeline.Ingestor
	coordinator *pipeline.Coordinator
}

func NewHandler(database *db.DB, q *queue.Queue, ingestor *pipeline.Ingestor, coordinator *pipeline.Coordinator) *Handler {
	return &Handler{
		db:          database,
		queue:       q,
		ingestor:    ingestor,
		coordinator: coordinator,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Brief == "" {
		respondError(w, http.StatusBadRequest, "Brief is required")
		return
	}

	// Set defaults
	sceneCount := defaultSceneCount
	if req.SceneCount != nil {
		sceneCount = *req.SceneCount
	}
	if sceneCount < 1 || sceneCount > maxSceneCount {
		respondError(w, http.StatusBadRequest, "scene_count must be between 1 and "+strconv.Itoa(maxSceneCount))
		return
	}

	aspectRatio := defaultAspectRatio
	if req.AspectRatio != nil {
		aspectRatio = *req.AspectRatio
	}
	switch aspectRatio {
	case "9:16", "16:9", "1:1":
		// valid
	default:
		respondError(w, http.StatusBadRequest, "aspect_ratio must be one of: 9:16, 16:9, 1:1")
		return
	}

	directorMode := models.DirectorAutoAdvance
	if req.DirectorMode != nil {
		directorMode = *req.DirectorMode
	}
	if directorMode != models.DirectorManual && directorMode != models.DirectorAutoAdvance {
		respondError(w, http.StatusBadRequest, "director_mode must be manual or auto-advance")
		return
	}

	campaign := &models.Campaign{
		ID:            uuid.New(),
		Brief:         req.Brief,
		SceneCount:    sceneCount,
		AspectRatio:   aspectRatio,
		DirectorMode:  directorMode,
		PipelineStage: models.StageNotStarted,
		Scenes:        models.SceneList{},
		AudioTrack:    models.TrackState{Status: models.StatusPending},
		VoiceTrack:    models.TrackState{Status: models.StatusPending},
	}

	if err := h.db.CreateCampaign(r.Context(), campaign); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	if err := h.queue.EnqueueGenerateStoryboard(r.Context(), campaign.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue storyboard generation")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateCampaignResponse{
		CampaignID:    campaign.ID,
		PipelineStage: campaign.PipelineStage,
	})
}

// ListCampaigns handles GET /v1/campaigns
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.db.CountCampaigns(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count campaigns")
		return
	}

	campaigns, err := h.db.ListCampaigns(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	// Lightweight summaries — no scenes array, just the macro state
	summaries := make([]models.CampaignSummary, 0, len(campaigns))
	for _, c := range campaigns {
		summaries = append(summaries, models.CampaignSummary{
			ID:               c.ID,
			Brief:            c.Brief,
			SceneCount:       c.SceneCount,
			PipelineStage:    c.PipelineStage,
			DirectorMode:     c.DirectorMode,
			FinalArtifactURL: c.FinalArtifactURL,
			ErrorMessage:     c.ErrorMessage,
			CreatedAt:        c.CreatedAt,
			UpdatedAt:        c.UpdatedAt,
		})
	}

	respondJSON(w, http.StatusOK, models.ListCampaignsResponse{
		Campaigns: summaries,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	campaign, err := h.db.GetCampaign(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Campaign not found")
		return
	}

	respondJSON(w, http.StatusOK, campaign)
}

// DeleteCampaign handles DELETE /v1/campaigns/{id}
func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	if err := h.db.DeleteCampaign(r.Context(), campaignID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to delete campaign")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AdvanceCampaign handles POST /v1/campaigns/{id}/advance
// Releases a director hold (prompts_ready or images_ready). Returns 409 if
// the campaign is not sitting at a hold point.
func (h *Handler) AdvanceCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	if err := h.coordinator.Advance(r.Context(), campaignID); err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			respondError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, pipeline.ErrNotAdvanceable):
			respondError(w, http.StatusConflict, "Campaign is not awaiting approval")
		default:
			respondError(w, http.StatusInternalServerError, "Failed to advance campaign")
		}
		return
	}

	campaign, err := h.db.GetCampaign(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id":    campaign.ID,
		"pipeline_stage": campaign.PipelineStage,
	})
}

// SceneWebhook handles POST /v1/webhooks/campaigns/{id}/scenes/{sceneNumber}/{stage}
//
// The response status tells the provider whether to redeliver: 2xx means
// the event is absorbed (including business failures — a failed generation
// is our problem, not the provider's), 401 means the signature did not
// verify, 400 means the body is garbage. 5xx is reserved for our own
// transient faults, where redelivery is exactly what we want.
func (h *Handler) SceneWebhook(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	sceneNumber, err := strconv.Atoi(chi.URLParam(r, "sceneNumber"))
	if err != nil || sceneNumber < 1 {
		respondError(w, http.StatusBadRequest, "Invalid scene number")
		return
	}

	stage := models.SceneStage(chi.URLParam(r, "stage"))
	switch stage {
	case models.SceneStageImage, models.SceneStageUpscale, models.SceneStageVideo:
		// valid
	default:
		respondError(w, http.StatusBadRequest, "Invalid stage")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	err = h.ingestor.HandleSceneCallback(r.Context(), campaignID, sceneNumber, stage, body, r.Header.Get("X-Webhook-Signature"))
	respondWebhookResult(w, err)
}

// TrackWebhook handles POST /v1/webhooks/campaigns/{id}/tracks/{track}
func (h *Handler) TrackWebhook(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid campaign ID")
		return
	}

	track := models.Track(chi.URLParam(r, "track"))
	if track != models.TrackAudio && track != models.TrackVoice {
		respondError(w, http.StatusBadRequest, "Invalid track")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	err = h.ingestor.HandleTrackCallback(r.Context(), campaignID, track, body, r.Header.Get("X-Webhook-Signature"))
	respondWebhookResult(w, err)
}

func respondWebhookResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, pipeline.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "Invalid signature")
	case errors.Is(err, pipeline.ErrBadPayload):
		respondError(w, http.StatusBadRequest, "Malformed payload")
	default:
		respondError(w, http.StatusInternalServerError, "Failed to process callback")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
