package llm

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

// messagesClient is the subset of *sdk.MessageService the Anthropic
// moderator depends on, so tests can substitute a fake.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicModerator implements Moderator via Anthropic's Messages API.
type AnthropicModerator struct {
	msg   messagesClient
	model string
}

// NewAnthropicModerator builds a moderator using apiKey and modelID. If
// modelID is empty, Claude Haiku is used since moderation is a cheap,
// low-latency pass.
func NewAnthropicModerator(apiKey, modelID string) (*AnthropicModerator, error) {
	if apiKey == "" {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "anthropic api key is required")
	}
	if modelID == "" {
		modelID = string(sdk.ModelClaude3_5HaikuLatest)
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicModerator{msg: &client.Messages, model: modelID}, nil
}

func (a *AnthropicModerator) Moderate(ctx context.Context, prompt string) (string, error) {
	resp, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: 512,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "anthropic moderation request failed")
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if reason, rejected := extractRejection(text); rejected {
		return "", rejectionError(reason)
	}
	return text, nil
}
