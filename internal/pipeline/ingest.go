package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrUnauthorized means the webhook signature did not verify. Handlers
	// map it to 401 so the provider does not keep redelivering forged or
	// corrupted events.
	ErrUnauthorized = errors.New("webhook signature verification failed")

	// ErrBadPayload means the callback body could not be interpreted.
	ErrBadPayload = errors.New("malformed callback payload")
)

// CallbackPayload is the provider's completion event. Output is kept raw
// because providers deliver either a single URL string or a list of URLs
// depending on the model.
type CallbackPayload struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Succeeded reports whether the provider finished the job with output.
func (p *CallbackPayload) Succeeded() bool {
	return p.Status == "succeeded"
}

// OutputReference extracts the asset URL from the polymorphic output
// field. For list outputs the first element wins.
func (p *CallbackPayload) OutputReference() (string, error) {
	if len(p.Output) == 0 {
		return "", fmt.Errorf("callback has no output")
	}

	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		if single == "" {
			return "", fmt.Errorf("callback output is empty")
		}
		return single, nil
	}

	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil {
		if len(list) == 0 || list[0] == "" {
			return "", fmt.Errorf("callback output list is empty")
		}
		return list[0], nil
	}

	return "", fmt.Errorf("unrecognized callback output shape: %s", truncate(string(p.Output), 200))
}

// Ingestor turns provider completion callbacks into ledger mutations.
// Deliveries are at-least-once and unordered, so every path through the
// ingestor must be idempotent: redelivering any event never double-counts
// a retry, re-runs a rehost, or re-fires a stage transition.
type Ingestor struct {
	ledger      Ledger
	rehoster    Rehoster
	queue       Enqueuer
	coordinator *Coordinator
	retry       RetryPolicy
	secret      string
}

func NewIngestor(ledger Ledger, rehoster Rehoster, queue Enqueuer, coordinator *Coordinator, retry RetryPolicy, secret string) *Ingestor {
	if secret == "" {
		log.Printf("[Ingest] WARNING: no webhook secret configured, accepting unsigned callbacks")
	}
	return &Ingestor{
		ledger:      ledger,
		rehoster:    rehoster,
		queue:       queue,
		coordinator: coordinator,
		retry:       retry,
		secret:      secret,
	}
}

// VerifySignature checks the HMAC-SHA256 hex signature over the raw body.
// With no secret configured the check is skipped (degraded mode for local
// development).
func (in *Ingestor) VerifySignature(body []byte, signature string) error {
	if in.secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(in.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256="))) {
		return ErrUnauthorized
	}
	return nil
}

// HandleSceneCallback processes one provider callback for a scene stage.
// A nil return means the event is fully absorbed and the provider should
// stop redelivering; business failures (generation failed, retries
// exhausted) are absorbed, not returned.
func (in *Ingestor) HandleSceneCallback(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, body []byte, signature string) error {
	if err := in.VerifySignature(body, signature); err != nil {
		return err
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: missing job id", ErrBadPayload)
	}

	if payload.Succeeded() {
		return in.handleSceneSuccess(ctx, campaignID, sceneNumber, stage, &payload)
	}
	return in.handleSceneFailure(ctx, campaignID, sceneNumber, stage, &payload, false)
}

// handleSceneSuccess runs the three-phase success path:
//
//  1. Under the campaign lock: dedupe against the stored job id and claim
//     the callback by moving the stage to "uploading".
//  2. Outside the lock: re-host the provider asset to durable storage.
//  3. Under the lock again: record the durable URL and mark completed.
//
// Phase 1 claiming is what makes concurrent duplicate deliveries safe: the
// second delivery sees "uploading" and backs off.
func (in *Ingestor) handleSceneSuccess(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, payload *CallbackPayload) error {
	sourceURL, err := payload.OutputReference()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	claimed := false
	_, err = in.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		scene := c.Scene(sceneNumber)
		if scene == nil {
			// Callback beat the scene record; claim by synthesizing it.
			c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber,
				*(&models.ScenePatch{}).SetStatus(stage, models.StatusUploading).SetJobID(stage, payload.ID))
			claimed = true
			return nil
		}
		if skip, reason := sceneCallbackSuperseded(scene, stage, payload.ID, false); skip {
			log.Printf("[Ingest] Campaign %s scene %d %s: ignoring callback %s (%s)",
				campaignID, sceneNumber, stage, payload.ID, reason)
			return nil
		}
		c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber,
			*(&models.ScenePatch{}).SetStatus(stage, models.StatusUploading).SetJobID(stage, payload.ID))
		claimed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Printf("[Ingest] Campaign %s gone, dropping scene %d %s callback", campaignID, sceneNumber, stage)
			return nil
		}
		return fmt.Errorf("failed to claim scene callback: %w", err)
	}
	if !claimed {
		return nil
	}

	objectPath := fmt.Sprintf("campaigns/%s/scene_%d_%s%s", campaignID, sceneNumber, stage, fileExtFor(stage))
	durableURL, rehostErr := in.rehoster.Rehost(ctx, sourceURL, objectPath, contentTypeFor(stage))
	if rehostErr != nil {
		// Treat a rehost failure like a provider failure so the normal
		// retry budget applies.
		log.Printf("[Ingest] Campaign %s scene %d %s: rehost failed: %v", campaignID, sceneNumber, stage, rehostErr)
		payload.Error = fmt.Sprintf("rehost failed: %v", rehostErr)
		return in.handleSceneFailure(ctx, campaignID, sceneNumber, stage, payload, true)
	}

	updated, err := in.ledger.ApplyScenePatch(ctx, campaignID, sceneNumber,
		*(&models.ScenePatch{}).SetStatus(stage, models.StatusCompleted).SetURL(stage, durableURL).SetError(""))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record scene completion: %w", err)
	}

	log.Printf("[Ingest] Campaign %s scene %d %s completed: %s", campaignID, sceneNumber, stage, durableURL)
	return in.coordinator.OnSceneTerminal(ctx, updated, stage)
}

// handleSceneFailure records a provider failure, consuming one retry if
// the budget and error class allow it. claimHeld is set when the caller is
// the success path releasing its own "uploading" claim after a rehost
// failure; the dedupe check must not absorb that claim.
func (in *Ingestor) handleSceneFailure(ctx context.Context, campaignID uuid.UUID, sceneNumber int, stage models.SceneStage, payload *CallbackPayload, claimHeld bool) error {
	errMsg := payload.Error
	if errMsg == "" {
		errMsg = fmt.Sprintf("provider reported status %q", payload.Status)
	}

	var (
		retrying    bool
		nextAttempt int
		failed      bool
	)
	updated, err := in.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		retrying, nextAttempt, failed = false, 0, false

		scene := c.Scene(sceneNumber)
		if scene == nil {
			return nil
		}
		if skip, reason := sceneCallbackSuperseded(scene, stage, payload.ID, claimHeld); skip {
			log.Printf("[Ingest] Campaign %s scene %d %s: ignoring failure callback %s (%s)",
				campaignID, sceneNumber, stage, payload.ID, reason)
			return nil
		}

		retryCount := scene.RetryCountFor(stage)
		if in.retry.Decide(retryCount, errMsg) {
			retrying = true
			nextAttempt = retryCount + 1
			c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber,
				*(&models.ScenePatch{}).
					SetStatus(stage, models.StatusPending).
					SetRetryCount(stage, nextAttempt).
					SetError(in.retry.RetryAnnotation(retryCount, errMsg)))
			return nil
		}

		failed = true
		c.Scenes = models.MergeScenePatch(c.Scenes, sceneNumber,
			*(&models.ScenePatch{}).SetStatus(stage, models.StatusFailed).SetError(errMsg))
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record scene failure: %w", err)
	}

	if retrying {
		log.Printf("[Ingest] Campaign %s scene %d %s failed (attempt %d), re-dispatching: %s",
			campaignID, sceneNumber, stage, nextAttempt, errMsg)
		if err := in.queue.EnqueueDispatchStage(ctx, campaignID, sceneNumber, stage, nextAttempt); err != nil {
			return fmt.Errorf("failed to enqueue retry: %w", err)
		}
		return nil
	}

	if failed {
		log.Printf("[Ingest] Campaign %s scene %d %s terminally failed: %s", campaignID, sceneNumber, stage, errMsg)
		return in.coordinator.OnSceneTerminal(ctx, updated, stage)
	}
	return nil
}

// HandleTrackCallback processes one provider callback for a side track
// (background music or voice narration). Same dedupe, rehost and retry
// semantics as scene callbacks, applied to the track state.
func (in *Ingestor) HandleTrackCallback(ctx context.Context, campaignID uuid.UUID, track models.Track, body []byte, signature string) error {
	if err := in.VerifySignature(body, signature); err != nil {
		return err
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.ID == "" {
		return fmt.Errorf("%w: missing job id", ErrBadPayload)
	}

	if payload.Succeeded() {
		return in.handleTrackSuccess(ctx, campaignID, track, &payload)
	}
	return in.handleTrackFailure(ctx, campaignID, track, &payload, false)
}

func (in *Ingestor) handleTrackSuccess(ctx context.Context, campaignID uuid.UUID, track models.Track, payload *CallbackPayload) error {
	sourceURL, err := payload.OutputReference()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	claimed := false
	_, err = in.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		state := c.Track(track)
		if skip, reason := trackCallbackSuperseded(state, payload.ID, false); skip {
			log.Printf("[Ingest] Campaign %s %s track: ignoring callback %s (%s)", campaignID, track, payload.ID, reason)
			return nil
		}
		state.Status = models.StatusUploading
		state.JobID = &payload.ID
		c.SetTrack(track, state)
		claimed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to claim track callback: %w", err)
	}
	if !claimed {
		return nil
	}

	objectPath := fmt.Sprintf("campaigns/%s/%s.mp3", campaignID, track)
	durableURL, rehostErr := in.rehoster.Rehost(ctx, sourceURL, objectPath, "audio/mpeg")
	if rehostErr != nil {
		log.Printf("[Ingest] Campaign %s %s track: rehost failed: %v", campaignID, track, rehostErr)
		payload.Error = fmt.Sprintf("rehost failed: %v", rehostErr)
		return in.handleTrackFailure(ctx, campaignID, track, payload, true)
	}

	updated, err := in.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		state := c.Track(track)
		state.Status = models.StatusCompleted
		state.URL = &durableURL
		state.Error = nil
		c.SetTrack(track, state)
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record track completion: %w", err)
	}

	log.Printf("[Ingest] Campaign %s %s track completed: %s", campaignID, track, durableURL)
	return in.coordinator.OnTrackTerminal(ctx, updated, track)
}

func (in *Ingestor) handleTrackFailure(ctx context.Context, campaignID uuid.UUID, track models.Track, payload *CallbackPayload, claimHeld bool) error {
	errMsg := payload.Error
	if errMsg == "" {
		errMsg = fmt.Sprintf("provider reported status %q", payload.Status)
	}

	var (
		retrying    bool
		nextAttempt int
		failed      bool
	)
	updated, err := in.ledger.UpdateCampaign(ctx, campaignID, func(c *models.Campaign) error {
		retrying, nextAttempt, failed = false, 0, false

		state := c.Track(track)
		if skip, reason := trackCallbackSuperseded(state, payload.ID, claimHeld); skip {
			log.Printf("[Ingest] Campaign %s %s track: ignoring failure callback %s (%s)", campaignID, track, payload.ID, reason)
			return nil
		}

		if in.retry.Decide(state.RetryCount, errMsg) {
			retrying = true
			nextAttempt = state.RetryCount + 1
			annotation := in.retry.RetryAnnotation(state.RetryCount, errMsg)
			state.Status = models.StatusPending
			state.RetryCount = nextAttempt
			state.Error = &annotation
		} else {
			failed = true
			state.Status = models.StatusFailed
			state.Error = &errMsg
		}
		c.SetTrack(track, state)
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to record track failure: %w", err)
	}

	if retrying {
		log.Printf("[Ingest] Campaign %s %s track failed (attempt %d), re-dispatching: %s", campaignID, track, nextAttempt, errMsg)
		if err := in.queue.EnqueueDispatchTrack(ctx, campaignID, track, nextAttempt); err != nil {
			return fmt.Errorf("failed to enqueue track retry: %w", err)
		}
		return nil
	}

	if failed {
		log.Printf("[Ingest] Campaign %s %s track terminally failed: %s", campaignID, track, errMsg)
		return in.coordinator.OnTrackTerminal(ctx, updated, track)
	}
	return nil
}

// sceneCallbackSuperseded reports whether a callback for the given job id
// is a duplicate or stale delivery that must be ignored. The stored job id
// is the arbiter: each dispatch attempt writes a fresh id, so a callback
// carrying an old id belongs to a superseded attempt. A pending stage that
// already carries this job id means a retry was recorded for it and the
// re-dispatch will mint a new id, so a redelivery must not consume the
// budget again. claimHeld lets the rehost-failure path back out of its own
// "uploading" claim instead of treating it as a concurrent delivery.
func sceneCallbackSuperseded(scene *models.Scene, stage models.SceneStage, jobID string, claimHeld bool) (bool, string) {
	stored := scene.JobIDFor(stage)
	if stored != nil && *stored != jobID {
		return true, "job id superseded by a newer attempt"
	}
	switch scene.StatusFor(stage) {
	case models.StatusCompleted, models.StatusFailed:
		return true, "stage already terminal"
	case models.StatusUploading:
		if !claimHeld {
			return true, "callback already being processed"
		}
	case models.StatusPending:
		if stored != nil {
			return true, "retry already recorded for this attempt"
		}
	}
	return false, ""
}

func trackCallbackSuperseded(state models.TrackState, jobID string, claimHeld bool) (bool, string) {
	if state.JobID != nil && *state.JobID != jobID {
		return true, "job id superseded by a newer attempt"
	}
	switch state.Status {
	case models.StatusCompleted, models.StatusFailed:
		return true, "track already terminal"
	case models.StatusUploading:
		if !claimHeld {
			return true, "callback already being processed"
		}
	case models.StatusPending:
		if state.JobID != nil {
			return true, "retry already recorded for this attempt"
		}
	}
	return false, ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
