package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Infer(ctx context.Context, req Request) (Inference, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Inference), args.Error(1)
}

func TestParseInference(t *testing.T) {
	t.Run("decision reply", func(t *testing.T) {
		inf := ParseInference("Here you go:\n```json\n{\"decision\": \"CRITICAL\", \"confidence\": 0.92, \"reasoning\": \"pressure over limit\"}\n```")
		assert.Equal(t, contracts.OutcomeCritical, inf.Outcome)
		assert.Equal(t, 0.92, inf.Confidence)
		assert.Equal(t, []string{"pressure over limit"}, inf.Rationale)
	})

	t.Run("outcome and rationale list", func(t *testing.T) {
		inf := ParseInference(`{"outcome": "ok", "confidence": "0.8", "rationale": ["a", "b"]}`)
		assert.Equal(t, contracts.OutcomeNormal, inf.Outcome)
		assert.Equal(t, 0.8, inf.Confidence)
		assert.Equal(t, []string{"a", "b"}, inf.Rationale)
	})

	t.Run("not json", func(t *testing.T) {
		inf := ParseInference("I cannot decide.")
		assert.Equal(t, contracts.OutcomeInconclusive, inf.Outcome)
		assert.Equal(t, unparseableConfidence, inf.Confidence)
	})

	t.Run("confidence is clamped", func(t *testing.T) {
		inf := ParseInference(`{"decision": "WARNING", "confidence": 3}`)
		assert.Equal(t, 1.0, inf.Confidence)
	})
}

func TestChatClient_Infer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "judge-small", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "- temp: 91")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"judge-small-0613","choices":[{"message":{"content":"{\"decision\":\"WARNING\",\"confidence\":0.75,\"reasoning\":\"temp near limit\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL+"/v1/", "test-key", "judge-small")
	inf, err := c.Infer(context.Background(), Request{ScriptID: "line", Input: map[string]any{"temp": 91}})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeWarning, inf.Outcome)
	assert.Equal(t, 0.75, inf.Confidence)
	assert.Equal(t, "judge-small-0613", inf.Model)
}

func TestChatClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewChatClient(srv.URL, "", "m")
	_, err := c.Infer(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGuarded_Timeout(t *testing.T) {
	slow := InferFunc(func(ctx context.Context, _ Request) (Inference, error) {
		<-ctx.Done()
		return Inference{}, ctx.Err()
	})
	g := Guard(slow, Options{Timeout: 10 * time.Millisecond})

	_, err := g.Infer(context.Background(), Request{ScriptID: "line"})
	require.ErrorIs(t, err, contracts.ErrFallbackUnavailable)
	var e *contracts.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "timeout", e.Code)
}

func TestGuarded_BreakerOpens(t *testing.T) {
	m := new(MockClient)
	m.On("Infer", mock.Anything, mock.Anything).Return(Inference{}, errors.New("connection refused"))

	g := Guard(m, Options{Timeout: time.Second, FailureThreshold: 2, ResetTimeout: time.Hour})
	for i := 0; i < 2; i++ {
		_, err := g.Infer(context.Background(), Request{})
		require.ErrorIs(t, err, contracts.ErrFallbackUnavailable)
	}
	assert.Equal(t, StateOpen, g.Breaker().State())

	_, err := g.Infer(context.Background(), Request{})
	var e *contracts.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "circuit_open", e.Code)
	m.AssertNumberOfCalls(t, "Infer", 2)
}

func TestGuarded_InvalidConfidence(t *testing.T) {
	m := new(MockClient)
	m.On("Infer", mock.Anything, mock.Anything).Return(Inference{Outcome: contracts.OutcomeNormal, Confidence: 1.7}, nil)

	_, err := Guard(m, Options{}).Infer(context.Background(), Request{})
	require.ErrorIs(t, err, contracts.ErrFallbackUnavailable)
}

func TestGuarded_CallerCancellation(t *testing.T) {
	m := new(MockClient)
	ctx, cancel := context.WithCancel(context.Background())
	m.On("Infer", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).
		Return(Inference{}, context.Canceled)

	g := Guard(m, Options{FailureThreshold: 1})
	_, err := g.Infer(ctx, Request{})
	require.ErrorIs(t, err, contracts.ErrCancelled)
	assert.Equal(t, StateClosed, g.Breaker().State(), "caller cancellation is not an upstream failure")
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("test", 1, time.Minute)
	cb.now = func() time.Time { return now }

	cb.Failure()
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "trial call after reset timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one trial call at a time")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}
