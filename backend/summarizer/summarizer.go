// Package summarizer turns meeting transcripts into summaries through an
// OpenAI-compatible chat completion API.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/adwski/meetroom/backend/model"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel       = "meta-llama/llama-3.1-8b-instruct:free"
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000

	systemPrompt = `You are an AI assistant that summarizes meeting transcripts.
Provide a concise summary, extract key points, and identify action items.
Format your response as JSON with these fields:
- summary: A brief overview (2-3 sentences)
- keyPoints: Array of main discussion points
- actionItems: Array of tasks or decisions made`
)

var (
	ErrSummarization = errors.New("unable to summarize transcript")
	ErrNoAPIKey      = errors.New("summarizer api key is not configured")
)

type (
	Config struct {
		Logger  *zerolog.Logger
		APIKey  string
		BaseURL string
		Model   string
	}

	Summarizer struct {
		client *openai.Client
		model  string
		logger zerolog.Logger
	}
)

func NewSummarizer(cfg Config) (*Summarizer, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	mdl := cfg.Model
	if mdl == "" {
		mdl = defaultModel
	}
	return &Summarizer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  mdl,
		logger: cfg.Logger.With().Str("component", "summarizer").Logger(),
	}, nil
}

func (s *Summarizer) Summarize(ctx context.Context, transcript string) (model.Summary, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Summarize this meeting transcript:\n\n" + transcript},
		},
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return model.Summary{}, errors.Join(ErrSummarization, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return model.Summary{}, errors.Join(ErrSummarization, errors.New("empty completion"))
	}

	content := resp.Choices[0].Message.Content
	s.logger.Debug().
		Str("model", resp.Model).
		Int("totalTokens", resp.Usage.TotalTokens).
		Msg("completion received")
	return parseSummary(content), nil
}

// parseSummary accepts the JSON shape requested in the prompt. Anything else
// is kept verbatim as the summary text.
func parseSummary(content string) model.Summary {
	var parsed model.Summary
	if err := json.Unmarshal([]byte(stripFence(content)), &parsed); err != nil || parsed.Summary == "" {
		parsed.Summary = content
	}
	if parsed.KeyPoints == nil {
		parsed.KeyPoints = []string{}
	}
	if parsed.ActionItems == nil {
		parsed.ActionItems = []string{}
	}
	return parsed
}

// stripFence removes a markdown code fence around the reply, models like to add one.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
