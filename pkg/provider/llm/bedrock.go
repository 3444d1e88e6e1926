package llm

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

// runtimeClient is the subset of *bedrockruntime.Client the Bedrock
// moderator depends on, so tests can substitute a fake.
type runtimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockModerator implements Moderator via AWS Bedrock's Converse API.
type BedrockModerator struct {
	runtime runtimeClient
	model   string
}

// NewBedrockModerator wraps an already-configured bedrockruntime.Client.
// modelID should name a fast/cheap model (e.g. a Haiku or Titan Lite cross-
// region inference profile) since moderation is a cheap pre-dispatch pass.
func NewBedrockModerator(runtime runtimeClient, modelID string) (*BedrockModerator, error) {
	if runtime == nil {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "bedrock runtime client is required")
	}
	if modelID == "" {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "bedrock model identifier is required")
	}
	return &BedrockModerator{runtime: runtime, model: modelID}, nil
}

func (b *BedrockModerator) Moderate(ctx context.Context, prompt string) (string, error) {
	out, err := b.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.model),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: systemPrompt},
		},
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "bedrock moderation request failed")
	}

	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", apperrors.New(apperrors.ErrorTypeInternal, "bedrock converse returned no message output")
	}

	var text strings.Builder
	for _, block := range msgOutput.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text.WriteString(tb.Value)
		}
	}
	result := strings.TrimSpace(text.String())
	if reason, rejected := extractRejection(result); rejected {
		return "", rejectionError(reason)
	}
	return result, nil
}
