package services

import "context"

// SceneBrief is one scene's creative direction from the storyboard.
type SceneBrief struct {
	SceneNumber  int    `json:"scene_number"`
	Script       string `json:"script"`
	ImagePrompt  string `json:"image_prompt"`
	MotionPrompt string `json:"motion_prompt"`
}

// Storyboard is the complete creative plan for a campaign: per-scene
// prompts plus the briefs for the two campaign-wide side tracks.
type Storyboard struct {
	Scenes          []SceneBrief `json:"scenes"`
	MusicPrompt     string       `json:"music_prompt"`
	NarrationScript string       `json:"narration_script"`
	VisualStyle     string       `json:"visual_style"`
}

// StoryboardGenerator produces a storyboard from an ad brief.
// OpenAI is the preferred implementation; Gemini is the fallback when no
// OpenAI key is configured.
type StoryboardGenerator interface {
	GenerateStoryboard(ctx context.Context, brief string, sceneCount int, aspectRatio string) (*Storyboard, error)
}
