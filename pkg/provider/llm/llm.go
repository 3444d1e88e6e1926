// Package llm provides the optional prompt moderation/enhancement pass that
// runs before a generateImage/generateVideo/generateAudio job is dispatched
// to its media provider, backed by either Anthropic's Messages API or AWS
// Bedrock's Converse API.
package llm

import (
	"context"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

// Moderator rewrites or rejects a generation prompt before dispatch.
type Moderator interface {
	// Moderate returns the (possibly rewritten) prompt, or an error if the
	// backend rejected it outright (e.g. policy violation).
	Moderate(ctx context.Context, prompt string) (string, error)
}

const systemPrompt = `You review media-generation prompts before they reach a provider.
Rewrite the prompt to remove ambiguity and policy-violating content, preserving creative
intent. Reply with the rewritten prompt only, no commentary. If the prompt cannot be made
safe, reply with exactly: REJECTED: <reason>.`

// extractRejection returns the rejection reason and true if response is a
// REJECTED sentinel, shared by both backends' response handling.
func extractRejection(response string) (string, bool) {
	const prefix = "REJECTED: "
	if len(response) >= len(prefix) && response[:len(prefix)] == prefix {
		return response[len(prefix):], true
	}
	return "", false
}

func rejectionError(reason string) error {
	return apperrors.Newf(apperrors.ErrorTypeValidation, "prompt rejected by moderation: %s", reason)
}
