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

	"github.com/google/uuid"
)

// AssemblerClient invokes the render service that concatenates the scene
// videos and mixes in the audio tracks. Invoked exactly once per campaign,
// by the completion gate's assemble job. Rendering internals are the
// service's concern; this client only cares about the final artifact URL.
type AssemblerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewAssemblerClient(baseURL, apiKey string) *AssemblerClient {
	return &AssemblerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Rendering a full campaign takes minutes
			Timeout: 15 * time.Minute,
		},
	}
}

// AssemblyRequest carries the finalized inputs for one campaign render.
type AssemblyRequest struct {
	CampaignID    uuid.UUID `json:"campaign_id"`
	SceneVideoURL []string  `json:"scene_video_urls"`
	AudioURL      *string   `json:"audio_url,omitempty"`
	VoiceURL      *string   `json:"voice_url,omitempty"`
	AspectRatio   string    `json:"aspect_ratio,omitempty"`
}

type assemblyResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// Assemble renders the final campaign artifact and returns its durable URL.
func (c *AssemblerClient) Assemble(ctx context.Context, req AssemblyRequest) (string, error) {
	if len(req.SceneVideoURL) == 0 {
		return "", fmt.Errorf("assembly request has no scene videos")
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal assembly request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/render", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Printf("[Assembler] Rendering campaign %s (%d scenes, audio=%v, voice=%v)",
		req.CampaignID, len(req.SceneVideoURL), req.AudioURL != nil, req.VoiceURL != nil)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read render response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assembler returned status %d: %s", resp.StatusCode, string(body))
	}

	var result assemblyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse render response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("assembler returned no artifact URL (error: %s)", result.Error)
	}

	log.Printf("[Assembler] Campaign %s rendered: %s", req.CampaignID, result.URL)
	return result.URL, nil
}
