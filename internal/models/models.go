package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by the ledger when the target campaign no longer
// exists. Webhook callers treat it as a benign no-op: the event is moot.
var ErrNotFound = errors.New("campaign not found")

// Enums

// PipelineStage is the campaign-wide macro state, distinct from the
// per-scene stage statuses.
type PipelineStage string

const (
	StageNotStarted        PipelineStage = "not_started"
	StagePromptsGenerating PipelineStage = "prompts_generating"
	StagePromptsReady      PipelineStage = "prompts_ready"
	StageImagesGenerating  PipelineStage = "images_generating"
	StageImagesReady       PipelineStage = "images_ready"
	StageUpscaling         PipelineStage = "upscaling"
	StageVideosGenerating  PipelineStage = "videos_generating"
	StageVideosReady       PipelineStage = "videos_ready"
	StageAssembling        PipelineStage = "assembling"
	StageCompleted         PipelineStage = "completed"
	StageFailed            PipelineStage = "failed"
)

// SceneStage is one generation step within a scene's sub-pipeline.
type SceneStage string

const (
	SceneStageImage   SceneStage = "image"
	SceneStageUpscale SceneStage = "upscale"
	SceneStageVideo   SceneStage = "video"
)

// StageStatus tracks one scene stage (or one side track) through a
// provider round-trip. "uploading" is the intermediate state held while
// a succeeded output is re-hosted to durable storage; it blocks duplicate
// concurrent processing of the same callback.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusGenerating StageStatus = "generating"
	StatusUploading  StageStatus = "uploading"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

// Terminal reports whether the status can no longer change without a
// new dispatch.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DirectorMode governs whether stage transitions require external approval.
type DirectorMode string

const (
	DirectorManual      DirectorMode = "manual"
	DirectorAutoAdvance DirectorMode = "auto-advance"
)

// Track identifies a campaign-wide side pipeline.
type Track string

const (
	TrackAudio Track = "audio"
	TrackVoice Track = "voice"
)

// Scene is one segment of the final artifact. Scene numbers are a dense
// 1..N key, not an array index — entries may be created out of order.
// Scenes are mutated exclusively through MergeScenePatch.
type Scene struct {
	SceneNumber  int    `json:"scene_number"`
	Script       string `json:"script,omitempty"`
	ImagePrompt  string `json:"image_prompt,omitempty"`
	MotionPrompt string `json:"motion_prompt,omitempty"`

	ImageStatus   StageStatus `json:"image_status"`
	UpscaleStatus StageStatus `json:"upscale_status"`
	VideoStatus   StageStatus `json:"video_status"`

	ImageURL   *string `json:"image_url,omitempty"`
	UpscaleURL *string `json:"upscale_url,omitempty"`
	VideoURL   *string `json:"video_url,omitempty"`

	ImageJobID   *string `json:"image_job_id,omitempty"`
	UpscaleJobID *string `json:"upscale_job_id,omitempty"`
	VideoJobID   *string `json:"video_job_id,omitempty"`

	ImageRetryCount   int `json:"image_retry_count"`
	UpscaleRetryCount int `json:"upscale_retry_count"`
	VideoRetryCount   int `json:"video_retry_count"`

	// Error holds the last failure reason; cleared when the failing stage
	// later completes.
	Error *string `json:"error,omitempty"`
}

// StatusFor returns the scene's status for the given stage.
func (s *Scene) StatusFor(stage SceneStage) StageStatus {
	switch stage {
	case SceneStageImage:
		return s.ImageStatus
	case SceneStageUpscale:
		return s.UpscaleStatus
	default:
		return s.VideoStatus
	}
}

// URLFor returns the scene's output URL for the given stage (nil unless
// that stage is completed).
func (s *Scene) URLFor(stage SceneStage) *string {
	switch stage {
	case SceneStageImage:
		return s.ImageURL
	case SceneStageUpscale:
		return s.UpscaleURL
	default:
		return s.VideoURL
	}
}

// JobIDFor returns the provider job handle recorded for the given stage.
func (s *Scene) JobIDFor(stage SceneStage) *string {
	switch stage {
	case SceneStageImage:
		return s.ImageJobID
	case SceneStageUpscale:
		return s.UpscaleJobID
	default:
		return s.VideoJobID
	}
}

// RetryCountFor returns how many retries have been consumed for the stage.
func (s *Scene) RetryCountFor(stage SceneStage) int {
	switch stage {
	case SceneStageImage:
		return s.ImageRetryCount
	case SceneStageUpscale:
		return s.UpscaleRetryCount
	default:
		return s.VideoRetryCount
	}
}

// ScenePatch is a merge-style partial update for one scene. Nil fields are
// left untouched; non-nil fields win. Setting Error to an empty string
// clears the stored error.
type ScenePatch struct {
	Script       *string
	ImagePrompt  *string
	MotionPrompt *string

	ImageStatus   *StageStatus
	UpscaleStatus *StageStatus
	VideoStatus   *StageStatus

	ImageURL   *string
	UpscaleURL *string
	VideoURL   *string

	ImageJobID   *string
	UpscaleJobID *string
	VideoJobID   *string

	ImageRetryCount   *int
	UpscaleRetryCount *int
	VideoRetryCount   *int

	Error *string
}

// SetStatus records a status change for the given stage on the patch.
func (p *ScenePatch) SetStatus(stage SceneStage, status StageStatus) *ScenePatch {
	switch stage {
	case SceneStageImage:
		p.ImageStatus = &status
	case SceneStageUpscale:
		p.UpscaleStatus = &status
	default:
		p.VideoStatus = &status
	}
	return p
}

// SetURL records an output URL for the given stage on the patch.
func (p *ScenePatch) SetURL(stage SceneStage, url string) *ScenePatch {
	switch stage {
	case SceneStageImage:
		p.ImageURL = &url
	case SceneStageUpscale:
		p.UpscaleURL = &url
	default:
		p.VideoURL = &url
	}
	return p
}

// SetJobID records the provider job handle for the given stage on the patch.
func (p *ScenePatch) SetJobID(stage SceneStage, jobID string) *ScenePatch {
	switch stage {
	case SceneStageImage:
		p.ImageJobID = &jobID
	case SceneStageUpscale:
		p.UpscaleJobID = &jobID
	default:
		p.VideoJobID = &jobID
	}
	return p
}

// SetRetryCount records the retry counter for the given stage on the patch.
func (p *ScenePatch) SetRetryCount(stage SceneStage, count int) *ScenePatch {
	switch stage {
	case SceneStageImage:
		p.ImageRetryCount = &count
	case SceneStageUpscale:
		p.UpscaleRetryCount = &count
	default:
		p.VideoRetryCount = &count
	}
	return p
}

// SetError records a failure reason on the patch. Pass "" to clear.
func (p *ScenePatch) SetError(msg string) *ScenePatch {
	p.Error = &msg
	return p
}

// apply shallow-merges the patch into a copy of the scene.
func (p *ScenePatch) apply(s Scene) Scene {
	if p.Script != nil {
		s.Script = *p.Script
	}
	if p.ImagePrompt != nil {
		s.ImagePrompt = *p.ImagePrompt
	}
	if p.MotionPrompt != nil {
		s.MotionPrompt = *p.MotionPrompt
	}
	if p.ImageStatus != nil {
		s.ImageStatus = *p.ImageStatus
	}
	if p.UpscaleStatus != nil {
		s.UpscaleStatus = *p.UpscaleStatus
	}
	if p.VideoStatus != nil {
		s.VideoStatus = *p.VideoStatus
	}
	if p.ImageURL != nil {
		s.ImageURL = p.ImageURL
	}
	if p.UpscaleURL != nil {
		s.UpscaleURL = p.UpscaleURL
	}
	if p.VideoURL != nil {
		s.VideoURL = p.VideoURL
	}
	if p.ImageJobID != nil {
		s.ImageJobID = p.ImageJobID
	}
	if p.UpscaleJobID != nil {
		s.UpscaleJobID = p.UpscaleJobID
	}
	if p.VideoJobID != nil {
		s.VideoJobID = p.VideoJobID
	}
	if p.ImageRetryCount != nil {
		s.ImageRetryCount = *p.ImageRetryCount
	}
	if p.UpscaleRetryCount != nil {
		s.UpscaleRetryCount = *p.UpscaleRetryCount
	}
	if p.VideoRetryCount != nil {
		s.VideoRetryCount = *p.VideoRetryCount
	}
	if p.Error != nil {
		if *p.Error == "" {
			s.Error = nil
		} else {
			s.Error = p.Error
		}
	}
	return s
}

// MergeScenePatch produces a new scene list where the entry with the given
// scene number is replaced by a shallow merge of its old fields and the
// patch. All other entries are carried over untouched. If the scene is
// absent it is synthesized from the patch — dispatch and ledger
// initialization are not strictly ordered across process restarts, so a
// first callback may legitimately precede the scene record.
func MergeScenePatch(scenes SceneList, sceneNumber int, patch ScenePatch) SceneList {
	out := make(SceneList, 0, len(scenes)+1)
	found := false
	for _, sc := range scenes {
		if sc.SceneNumber == sceneNumber {
			out = append(out, patch.apply(sc))
			found = true
		} else {
			out = append(out, sc)
		}
	}
	if !found {
		out = append(out, patch.apply(NewScene(sceneNumber)))
		sort.Slice(out, func(i, j int) bool { return out[i].SceneNumber < out[j].SceneNumber })
	}
	return out
}

// NewScene returns a scene record with every stage pending.
func NewScene(sceneNumber int) Scene {
	return Scene{
		SceneNumber:   sceneNumber,
		ImageStatus:   StatusPending,
		UpscaleStatus: StatusPending,
		VideoStatus:   StatusPending,
	}
}

// SceneList is the ordered scene collection, stored as a JSONB column on
// the campaign row so the whole list is read and written as one unit under
// the campaign row lock.
type SceneList []Scene

func (s SceneList) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *SceneList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for scenes column", value)
	}
	return json.Unmarshal(bytes, s)
}

// TrackState is the state of one campaign-wide side track (background
// music or voice narration). Tracks run their own provider round-trips in
// parallel with the scene pipelines.
type TrackState struct {
	// Requested is false when the storyboard did not ask for this track;
	// an unrequested track never blocks the completion gate.
	Requested  bool        `json:"requested"`
	Prompt     string      `json:"prompt,omitempty"`
	Status     StageStatus `json:"status"`
	URL        *string     `json:"url,omitempty"`
	JobID      *string     `json:"job_id,omitempty"`
	RetryCount int         `json:"retry_count"`
	Error      *string     `json:"error,omitempty"`
}

// Ready reports whether the track no longer blocks assembly.
func (t TrackState) Ready() bool {
	return !t.Requested || t.Status == StatusCompleted
}

func (t TrackState) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *TrackState) Scan(value interface{}) error {
	if value == nil {
		*t = TrackState{Status: StatusPending}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for track column", value)
	}
	return json.Unmarshal(bytes, t)
}

// Campaign is the aggregate root. It exclusively owns its scene collection;
// all mutation flows through the campaign row lock.
type Campaign struct {
	ID            uuid.UUID     `json:"id"`
	Brief         string        `json:"brief"`
	SceneCount    int           `json:"scene_count"`
	AspectRatio   string        `json:"aspect_ratio"`
	DirectorMode  DirectorMode  `json:"director_mode"`
	PipelineStage PipelineStage `json:"pipeline_stage"`
	Scenes        SceneList     `json:"scenes"`
	AudioTrack    TrackState    `json:"audio_track"`
	VoiceTrack    TrackState    `json:"voice_track"`

	FinalArtifactURL *string `json:"final_artifact_url,omitempty"`
	ErrorMessage     *string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scene returns a pointer to the scene with the given number, or nil.
func (c *Campaign) Scene(sceneNumber int) *Scene {
	for i := range c.Scenes {
		if c.Scenes[i].SceneNumber == sceneNumber {
			return &c.Scenes[i]
		}
	}
	return nil
}

// Track returns the state of the given side track.
func (c *Campaign) Track(track Track) TrackState {
	if track == TrackAudio {
		return c.AudioTrack
	}
	return c.VoiceTrack
}

// SetTrack stores the state of the given side track.
func (c *Campaign) SetTrack(track Track, state TrackState) {
	if track == TrackAudio {
		c.AudioTrack = state
	} else {
		c.VoiceTrack = state
	}
}

// AllScenesHave reports whether every scene has the given status at the
// given stage. False for a campaign with no scenes.
func (c *Campaign) AllScenesHave(stage SceneStage, status StageStatus) bool {
	if len(c.Scenes) == 0 {
		return false
	}
	for i := range c.Scenes {
		if c.Scenes[i].StatusFor(stage) != status {
			return false
		}
	}
	return true
}

// AllScenesTerminal reports whether every scene has reached a terminal
// status (completed or failed) at the given stage.
func (c *Campaign) AllScenesTerminal(stage SceneStage) bool {
	if len(c.Scenes) == 0 {
		return false
	}
	for i := range c.Scenes {
		if !c.Scenes[i].StatusFor(stage).Terminal() {
			return false
		}
	}
	return true
}

// FailedScenes returns the scene numbers terminally failed at the stage.
func (c *Campaign) FailedScenes(stage SceneStage) []int {
	var failed []int
	for i := range c.Scenes {
		if c.Scenes[i].StatusFor(stage) == StatusFailed {
			failed = append(failed, c.Scenes[i].SceneNumber)
		}
	}
	return failed
}

// ReadyToAssemble reports whether every independent readiness condition
// holds: all scene videos completed, audio track ready, voice track ready.
func (c *Campaign) ReadyToAssemble() bool {
	return c.AllScenesHave(SceneStageVideo, StatusCompleted) &&
		c.AudioTrack.Ready() &&
		c.VoiceTrack.Ready()
}

// SceneVideoURLs returns the scene video URLs in scene-number order.
// Only meaningful once all videos are completed.
func (c *Campaign) SceneVideoURLs() []string {
	urls := make([]string, 0, len(c.Scenes))
	for i := range c.Scenes {
		if c.Scenes[i].VideoURL != nil {
			urls = append(urls, *c.Scenes[i].VideoURL)
		}
	}
	return urls
}

// DTOs for API requests and responses

type CreateCampaignRequest struct {
	Brief        string        `json:"brief"`
	SceneCount   *int          `json:"scene_count,omitempty"`   // Default: 5
	AspectRatio  *string       `json:"aspect_ratio,omitempty"`  // Default: "9:16"
	DirectorMode *DirectorMode `json:"director_mode,omitempty"` // Default: auto-advance
}

type CreateCampaignResponse struct {
	CampaignID    uuid.UUID     `json:"campaign_id"`
	PipelineStage PipelineStage `json:"pipeline_stage"`
}

// CampaignSummary is a lightweight DTO for the list endpoint — no scenes
// array, just the macro state.
type CampaignSummary struct {
	ID               uuid.UUID     `json:"id"`
	Brief            string        `json:"brief"`
	SceneCount       int           `json:"scene_count"`
	PipelineStage    PipelineStage `json:"pipeline_stage"`
	DirectorMode     DirectorMode  `json:"director_mode"`
	FinalArtifactURL *string       `json:"final_artifact_url,omitempty"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type ListCampaignsResponse struct {
	Campaigns []CampaignSummary `json:"campaigns"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}
