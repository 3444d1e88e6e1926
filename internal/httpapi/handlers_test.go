package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
)

var _ = Describe("writeAppError", func() {
	It("emits the machine-readable code and status for a rate-limit error", func() {
		w := httptest.NewRecorder()
		writeAppError(w, apperrors.NewQuotaExceededError("monthly action limit exceeded, resets 2026-08-01T00:00:00Z"))

		Expect(w.Code).To(Equal(http.StatusTooManyRequests))
		var body errorBody
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Code).To(Equal("RATE_LIMIT_EXCEEDED"))
		Expect(body.Message).To(ContainSubstring("resets 2026-08-01T00:00:00Z"))
	})

	It("falls back to a generic internal-error body for a non-AppError", func() {
		w := httptest.NewRecorder()
		writeAppError(w, errNonApp{})

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		var body errorBody
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Code).To(Equal("INTERNAL_ERROR"))
	})
})

type errNonApp struct{}

func (errNonApp) Error() string { return "not an AppError" }
