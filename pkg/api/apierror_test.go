package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusForKind(t *testing.T) {
	cases := map[contracts.ErrorKind]int{
		contracts.KindInvalid:             http.StatusBadRequest,
		contracts.KindNotFound:            http.StatusNotFound,
		contracts.KindRolloutConflict:     http.StatusConflict,
		contracts.KindJudgmentUnavailable: http.StatusServiceUnavailable,
		contracts.KindFallbackUnavailable: http.StatusServiceUnavailable,
		contracts.KindSandboxTimeout:      http.StatusInternalServerError,
		contracts.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusForKind(kind), kind)
	}
}

func TestWriteErrorR_WrappedTypedError(t *testing.T) {
	err := fmt.Errorf("start run: %w", &contracts.Error{
		Kind: contracts.KindInvalid, Code: "invalid_workflow", Message: "duplicate node id", NodeID: "a",
	})
	w := httptest.NewRecorder()
	WriteErrorR(w, httptest.NewRequest(http.MethodPost, "/v1/runs", nil), err)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var p ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, "invalid_workflow", p.Code)
	assert.Equal(t, "a", p.NodeID)
	assert.Equal(t, "duplicate node id", p.Detail)
	assert.Equal(t, problemBase+"Invalid", p.Type)
}

func TestWriteErrorR_InternalIsSanitized(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorR(w, httptest.NewRequest(http.MethodGet, "/", nil),
		contracts.WrapError(contracts.KindInternal, "store failed", fmt.Errorf("dial tcp 10.1.2.3:5432")))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var p ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.NotContains(t, p.Detail, "10.1.2.3")
	assert.Empty(t, p.Kind)
}
