package gate

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ModerationResult is the classifier's decision for one text.
type ModerationResult struct {
	Flagged bool
	// Categories lists the policy categories that fired.
	Categories []string
}

// Moderator classifies text against a content policy.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ModerationResult, error)
}

// OpenAIModerator calls the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIModerator creates a moderator. baseURL and model may be empty to
// use the provider defaults.
func NewOpenAIModerator(apiKey, baseURL, model string) *OpenAIModerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModerator{client: openai.NewClientWithConfig(cfg), model: model}
}

// Moderate flags text when any result is flagged.
func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: m.model})
	if err != nil {
		return ModerationResult{}, fmt.Errorf("moderation request: %w", err)
	}

	var out ModerationResult
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		out.Flagged = true
		out.Categories = append(out.Categories, flaggedCategories(r.Categories)...)
	}
	return out, nil
}

func flaggedCategories(c openai.ResultCategories) []string {
	var names []string
	add := func(name string, hit bool) {
		if hit {
			names = append(names, name)
		}
	}
	add("hate", c.Hate)
	add("hate/threatening", c.HateThreatening)
	add("harassment", c.Harassment)
	add("harassment/threatening", c.HarassmentThreatening)
	add("self-harm", c.SelfHarm)
	add("sexual", c.Sexual)
	add("sexual/minors", c.SexualMinors)
	add("violence", c.Violence)
	add("violence/graphic", c.ViolenceGraphic)
	return names
}

// ModeratorFunc adapts a function to Moderator.
type ModeratorFunc func(ctx context.Context, text string) (ModerationResult, error)

// Moderate calls f.
func (f ModeratorFunc) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	return f(ctx, text)
}
