package server

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackRouter_AnswersEveryRoute(t *testing.T) {
	r := NewFallbackRouter(errors.New("GOOGLE_API_KEY is required when LLM_PROVIDER=google"))

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/research"},
		{http.MethodGet, "/"},
		{http.MethodDelete, "/anything/at/all"},
	} {
		w := do(r, tc.method, tc.path, "")
		assert.Equal(t, http.StatusInternalServerError, w.Code, tc.path)
		assert.JSONEq(t, `{
			"error": "Function initialization failed",
			"message": "GOOGLE_API_KEY is required when LLM_PROVIDER=google",
			"details": "Check the server logs for more information"
		}`, w.Body.String())
	}
}
