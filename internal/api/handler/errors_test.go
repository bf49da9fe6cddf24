package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/contentradar/internal/admission"
	"github.com/kiranshivaraju/contentradar/internal/ai"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAnalysisError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: kind must be image or video", admission.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
		{admission.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{fmt.Errorf("capture x: %w", store.ErrNotFound), http.StatusNotFound, "CAPTURE_NOT_FOUND"},
		{fmt.Errorf("openai: %w", ai.ErrProviderUnavailable), http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE"},
		{ai.ErrInferenceTimeout, http.StatusGatewayTimeout, "AI_INFERENCE_TIMEOUT"},
		{ai.ErrInvalidResponse, http.StatusBadGateway, "AI_INVALID_RESPONSE"},
		{fmt.Errorf("%w: status 400", ai.ErrRequestRejected), http.StatusBadGateway, "AI_REQUEST_REJECTED"},
		{errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeAnalysisError(rec, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			var env struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
			assert.Equal(t, tc.code, env.Error.Code)
			assert.NotEmpty(t, env.Error.Message)
		})
	}
}

func TestWriteAnalysisError_InvalidRequestKeepsDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAnalysisError(rec, fmt.Errorf("%w: data is not valid base64", admission.ErrInvalidRequest))

	assert.Contains(t, rec.Body.String(), "data is not valid base64")
}
