package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

// GenerateStoryboard produces the campaign storyboard using OpenAI
// structured output (JSON mode).
func (s *OpenAIService) GenerateStoryboard(ctx context.Context, brief string, sceneCount int, aspectRatio string) (*Storyboard, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: "gpt-5-mini",
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildStoryboardSystemPrompt(sceneCount, aspectRatio),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildStoryboardUserPrompt(brief, sceneCount),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 1.0,
	})

	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	rawContent := resp.Choices[0].Message.Content

	var board Storyboard
	if err := json.Unmarshal([]byte(rawContent), &board); err != nil {
		log.Printf("[OpenAI storyboard] parse failed: %v (raw: %s)", err, truncateString(rawContent, 2000))
		return nil, fmt.Errorf("failed to parse storyboard: %w", err)
	}

	if err := validateStoryboard(&board, sceneCount); err != nil {
		log.Printf("[OpenAI storyboard] invalid storyboard: %v (raw: %s)", err, truncateString(rawContent, 2000))
		return nil, err
	}

	log.Printf("[OpenAI storyboard] generated %d scenes (style: %q, narration: %v)",
		len(board.Scenes), board.VisualStyle, board.NarrationScript != "")

	return &board, nil
}

// validateStoryboard rejects incomplete plans before they reach the ledger.
// Scene numbers must form a dense 1..N sequence — the ledger keys on them.
func validateStoryboard(board *Storyboard, sceneCount int) error {
	if len(board.Scenes) == 0 {
		return fmt.Errorf("storyboard has no scenes")
	}

	seen := make(map[int]bool, len(board.Scenes))
	for i, sc := range board.Scenes {
		var missing []string
		if sc.Script == "" {
			missing = append(missing, "script")
		}
		if sc.ImagePrompt == "" {
			missing = append(missing, "image_prompt")
		}
		if sc.MotionPrompt == "" {
			missing = append(missing, "motion_prompt")
		}
		if len(missing) > 0 {
			return fmt.Errorf("scene %d missing required fields: %v", i+1, missing)
		}
		if sc.SceneNumber < 1 || sc.SceneNumber > len(board.Scenes) {
			return fmt.Errorf("scene_number %d out of range 1..%d", sc.SceneNumber, len(board.Scenes))
		}
		if seen[sc.SceneNumber] {
			return fmt.Errorf("duplicate scene_number %d", sc.SceneNumber)
		}
		seen[sc.SceneNumber] = true
	}

	if board.MusicPrompt == "" {
		return fmt.Errorf("storyboard has no music_prompt")
	}

	if sceneCount > 0 && len(board.Scenes) != sceneCount {
		log.Printf("[OpenAI storyboard] requested %d scenes, got %d — accepting", sceneCount, len(board.Scenes))
	}

	return nil
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func buildStoryboardSystemPrompt(sceneCount int, aspectRatio string) string {
	orientationDesc := "portrait-format viewing (like TikTok/Reels/Shorts)"
	switch aspectRatio {
	case "16:9":
		orientationDesc = "landscape-format viewing (like YouTube)"
	case "1:1":
		orientationDesc = "square-format viewing (like Instagram feed)"
	}

	return fmt.Sprintf(`You are an expert commercial director planning a short-form video ad campaign for %s (%s aspect ratio).

Decompose the ad brief into exactly %d scenes. Each scene becomes one generated video segment, so every scene must stand on its own visually while the sequence reads as one continuous spot: hook, build, payoff.

For each scene provide:
- scene_number: dense 1-based index (1, 2, 3, ...)
- script: 1-2 sentences of on-screen narrative intent for this scene
- image_prompt: a complete still-frame description — subject, background, surroundings, lighting, composed for %s framing. This is sent verbatim to an image generation model.
- motion_prompt: a film director's shot description of how the frame comes to life — subject motion, environmental motion, camera direction. Present tense, cinematic, no audio cues.

Also provide campaign-wide fields:
- music_prompt: a background music brief (genre, mood, tempo, instrumentation). NEVER empty.
- narration_script: the full voiceover script read over the finished ad, written to be listened to — short conversational sentences. Use an empty string only if the brief explicitly asks for no narration.
- visual_style: one phrase naming the consistent visual aesthetic used across all image prompts.

Every image_prompt must embed the same visual_style so the scenes cut together seamlessly.

Respond as JSON matching the required schema. All fields are required; the plan is rejected if any scene field is empty.`,
		orientationDesc, aspectRatio, sceneCount, aspectRatio)
}

func buildStoryboardUserPrompt(brief string, sceneCount int) string {
	return fmt.Sprintf("Plan a %d-scene video ad campaign for this brief:\n\n%s", sceneCount, brief)
}
