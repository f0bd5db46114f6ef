package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"google.golang.org/genai"
)

const geminiStoryboardModel = "gemini-2.5-flash"

// GeminiService is the fallback storyboard generator, used when no OpenAI
// key is configured. Same contract, same validation.
type GeminiService struct {
	apiKey string
	model  string
}

func NewGeminiService(apiKey string) *GeminiService {
	return &GeminiService{
		apiKey: apiKey,
		model:  geminiStoryboardModel,
	}
}

// GenerateStoryboard produces the campaign storyboard via the Gemini API
// with a JSON response MIME type.
func (s *GeminiService) GenerateStoryboard(ctx context.Context, brief string, sceneCount int, aspectRatio string) (*Storyboard, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	prompt := buildStoryboardSystemPrompt(sceneCount, aspectRatio) +
		"\n\n" + buildStoryboardUserPrompt(brief, sceneCount)

	resp, err := client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	rawContent := resp.Text()
	if rawContent == "" {
		return nil, fmt.Errorf("no response from gemini")
	}

	var board Storyboard
	if err := json.Unmarshal([]byte(rawContent), &board); err != nil {
		log.Printf("[Gemini storyboard] parse failed: %v (raw: %s)", err, truncateString(rawContent, 2000))
		return nil, fmt.Errorf("failed to parse storyboard: %w", err)
	}

	if err := validateStoryboard(&board, sceneCount); err != nil {
		log.Printf("[Gemini storyboard] invalid storyboard: %v", err)
		return nil, err
	}

	log.Printf("[Gemini storyboard] generated %d scenes (style: %q)", len(board.Scenes), board.VisualStyle)

	return &board, nil
}
