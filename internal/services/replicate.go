package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ---------------------------------------------------------------------------
// Replicate Generation Provider
// Uses the Replicate REST API in deferred mode: create a prediction with a
// webhook URL and return the job handle immediately. Completion arrives
// later via the registered webhook — the coordinator never polls.
// ---------------------------------------------------------------------------

const replicateBaseURL = "https://api.replicate.com/v1"

// ReplicateClient submits generation jobs to Replicate-hosted models.
// One client serves every stage; the model identifier comes from the
// generation request.
type ReplicateClient struct {
	apiToken   string
	httpClient *http.Client
}

func NewReplicateClient(apiToken string) *ReplicateClient {
	return &ReplicateClient{
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GenerationRequest describes one provider invocation.
type GenerationRequest struct {
	// Model is an owner/name model identifier, e.g. "black-forest-labs/flux-1.1-pro".
	Model string
	// Input is the model-specific input payload.
	Input map[string]interface{}
	// WebhookURL receives the completion callback for this job.
	WebhookURL string
}

// replicatePredictionRequest is the body for POST /v1/models/{model}/predictions.
type replicatePredictionRequest struct {
	Input               map[string]interface{} `json:"input"`
	Webhook             string                 `json:"webhook,omitempty"`
	WebhookEventsFilter []string               `json:"webhook_events_filter,omitempty"`
}

// replicatePredictionResponse is the immediate response; only the job
// handle matters — results arrive via webhook.
type replicatePredictionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// CreateJob submits a generation job and returns the provider job handle.
// The call returns as soon as the provider acknowledges the job; delivery
// of the completion callback is at-least-once and unordered.
func (c *ReplicateClient) CreateJob(ctx context.Context, req GenerationRequest) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("generation request has no model")
	}

	body := replicatePredictionRequest{
		Input:               req.Input,
		Webhook:             req.WebhookURL,
		WebhookEventsFilter: []string{"completed"},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s/predictions", replicateBaseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	httpReq.Header.Set("Prefer", "respond-async")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read prediction response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("replicate returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var prediction replicatePredictionResponse
	if err := json.Unmarshal(respBody, &prediction); err != nil {
		return "", fmt.Errorf("failed to parse prediction response: %w (body: %s)", err, string(respBody))
	}

	if prediction.ID == "" {
		return "", fmt.Errorf("no prediction id in response: %s", string(respBody))
	}

	log.Printf("[Replicate] Job submitted (model=%s, id=%s)", req.Model, prediction.ID)
	return prediction.ID, nil
}
