package provider

import (
	"github.com/go-faster/jx"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
)

// parseProviderStatusPayload decodes an untrusted webhook/poll response body
// with go-faster/jx rather than encoding/json, avoiding a reflection-based
// unmarshal for payloads that arrive on the open webhook ingress endpoint.
func parseProviderStatusPayload(payload []byte, operation string) (StatusUpdate, error) {
	d := jx.DecodeBytes(payload)

	var (
		status   string
		url      string
		errMsg   string
		hasError bool
	)

	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			if err != nil {
				return err
			}
			status = s
		case "url":
			s, err := d.Str()
			if err != nil {
				return err
			}
			url = s
		case "error":
			s, err := d.Str()
			if err != nil {
				return err
			}
			errMsg = s
			hasError = true
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return StatusUpdate{}, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decoding provider status payload")
	}

	switch status {
	case "processing", "":
		return StatusUpdate{Status: domain.JobProcessing}, nil
	case "completed":
		if url == "" {
			return StatusUpdate{}, apperrors.New(apperrors.ErrorTypeValidation, "completed status payload missing url")
		}
		return StatusUpdate{
			Status: domain.JobCompleted,
			Result: &domain.JobResult{Outputs: []domain.Output{{
				Type:     outputTypeByOperation[operation],
				URL:      url,
				MimeType: mimeByOperation[operation],
			}}},
		}, nil
	case "failed":
		msg := errMsg
		if !hasError {
			msg = "provider reported failure with no error detail"
		}
		return StatusUpdate{Status: domain.JobFailed, Error: msg}, nil
	default:
		return StatusUpdate{}, apperrors.Newf(apperrors.ErrorTypeValidation, "unrecognized provider status %q", status)
	}
}
