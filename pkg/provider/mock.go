package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
)

// mimeByOperation gives every registered operation kind a plausible output
// mime type for the mock adapters' synthesized results.
var mimeByOperation = map[string]string{
	"generateImage":         "image/png",
	"generateVideo":         "video/mp4",
	"generateAudio":         "audio/mpeg",
	"merge":                 "video/mp4",
	"reframe":               "video/mp4",
	"lipSync":               "video/mp4",
	"addSubtitles":          "video/mp4",
	"removeBackground":      "video/mp4",
	"removeImageBackground": "image/png",
	"replaceGreenScreen":    "video/mp4",
	"layer":                 "image/png",
}

// outputTypeByOperation gives the Output.Type discriminator per operation.
var outputTypeByOperation = map[string]string{
	"generateImage":         "image",
	"generateVideo":         "video",
	"generateAudio":         "audio",
	"merge":                 "video",
	"reframe":               "video",
	"lipSync":               "video",
	"addSubtitles":          "video",
	"removeBackground":      "video",
	"removeImageBackground": "image",
	"replaceGreenScreen":    "video",
	"layer":                 "image",
}

// MockAdapter deterministically simulates a provider for one operation
// kind, used when no live credentials are configured (local dev, CI, and
// any operation without a wired live adapter).
type MockAdapter struct {
	operation string
	async     bool
	caps      Capabilities
}

// NewMockAdapter builds a mock adapter for operation. async selects
// whether the adapter reports OutcomeAsync (requiring a follow-up webhook
// or poll) or OutcomeSync (result returned inline).
func NewMockAdapter(operation string, async bool) *MockAdapter {
	caps := Capabilities{}
	if async {
		caps = Capabilities{SupportsWebhook: true, SupportsPolling: true}
	}
	return &MockAdapter{operation: operation, async: async, caps: caps}
}

func (m *MockAdapter) Operation() string          { return m.operation }
func (m *MockAdapter) Capabilities() Capabilities { return m.caps }

func (m *MockAdapter) Launch(ctx context.Context, params domain.JSONMap) (LaunchResult, error) {
	if !domain.RegisteredOperations[m.operation] {
		return LaunchResult{}, apperrors.Newf(apperrors.ErrorTypeValidation, "unregistered operation %q", m.operation)
	}
	if !m.async {
		return LaunchResult{Outcome: OutcomeSync, Result: m.synthesizeResult()}, nil
	}
	return LaunchResult{Outcome: OutcomeAsync, ProviderJobID: "mock-" + uuid.NewString()}, nil
}

func (m *MockAdapter) synthesizeResult() *domain.JobResult {
	id := uuid.NewString()
	return &domain.JobResult{
		Outputs: []domain.Output{{
			Type:     outputTypeByOperation[m.operation],
			URL:      fmt.Sprintf("https://mock-provider.local/outputs/%s/%s", m.operation, id),
			MimeType: mimeByOperation[m.operation],
		}},
	}
}

// ParseStatus interprets a mock provider's webhook/poll body, shaped as
// {"status": "processing"|"completed"|"failed", "url": "...", "error": "..."}.
func (m *MockAdapter) ParseStatus(payload []byte) (StatusUpdate, error) {
	return parseProviderStatusPayload(payload, m.operation)
}

// Poll synthesizes a "completed" payload immediately; the mock provider
// never keeps a job in processing across more than one poll attempt.
func (m *MockAdapter) Poll(ctx context.Context, providerJobID string) ([]byte, error) {
	result := m.synthesizeResult()
	output := result.Outputs[0]
	payload := fmt.Sprintf(`{"status":"completed","url":%q}`, output.URL)
	return []byte(payload), nil
}
