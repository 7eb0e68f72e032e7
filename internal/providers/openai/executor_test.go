package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/arbiterlabs/dispatch/internal/providers"
	"github.com/arbiterlabs/dispatch/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestExecutor(t *testing.T, handler http.HandlerFunc) *Executor {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewExecutor(&Config{APIKey: "test-key", BaseURL: server.URL + "/v1"}, testLogger())
}

func chatRequest() *types.ChatRequest {
	return &types.ChatRequest{ID: "r1", UserID: "u1", SessionID: "s1", Text: "hello"}
}

func TestFamily(t *testing.T) {
	e := NewExecutor(&Config{APIKey: "k"}, testLogger())
	if e.Family() != "openai" {
		t.Fatalf("family = %s", e.Family())
	}
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
		}`))
	})

	resp, err := e.Execute(context.Background(), "openai-gpt4o-mini", "gpt-4o-mini", chatRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "hi there" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.InputTokens != 5 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 5/7", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Provider != "openai-gpt4o-mini" || resp.Model != "gpt-4o-mini" {
		t.Errorf("identity = %s/%s", resp.Provider, resp.Model)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %s", resp.FinishReason)
	}
}

func TestExecuteEmptyChoicesIsRefusal(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "chatcmpl-2", "object": "chat.completion", "choices": [], "usage": {}}`))
	})

	_, err := e.Execute(context.Background(), "p1", "gpt-4o-mini", chatRequest())
	assertKind(t, err, providers.KindModelRefusal)
}

func TestExecuteContentFilterIsRefusal(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-3",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": ""}, "finish_reason": "content_filter"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 0, "total_tokens": 5}
		}`))
	})

	_, err := e.Execute(context.Background(), "p1", "gpt-4o-mini", chatRequest())
	assertKind(t, err, providers.KindModelRefusal)
}

func TestExecuteRateLimitIsBudgetEnforcement(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limit exceeded", "type": "requests"}}`))
	})

	_, err := e.Execute(context.Background(), "p1", "gpt-4o-mini", chatRequest())
	execErr := assertKind(t, err, providers.KindBudgetEnforcement)
	if execErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", execErr.StatusCode)
	}
}

func TestExecuteContentPolicyErrorIsRefusal(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "your request was rejected by the content policy", "type": "invalid_request_error"}}`))
	})

	_, err := e.Execute(context.Background(), "p1", "gpt-4o-mini", chatRequest())
	assertKind(t, err, providers.KindModelRefusal)
}

func TestExecuteServerErrorIsProviderFailure(t *testing.T) {
	e := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"message": "internal error", "type": "server_error"}}`))
	})

	_, err := e.Execute(context.Background(), "p1", "gpt-4o-mini", chatRequest())
	assertKind(t, err, providers.KindProviderFailure)
}

func TestExecuteTransportErrorIsProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	e := NewExecutor(&Config{APIKey: "k", BaseURL: server.URL + "/v1"}, testLogger())
	_, err := e.Execute(context.Background(), "p1", "gpt-4o-mini", chatRequest())
	assertKind(t, err, providers.KindProviderFailure)
}

func assertKind(t *testing.T, err error, want providers.ErrorKind) *providers.ExecError {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var execErr *providers.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error %T is not an ExecError: %v", err, err)
	}
	if execErr.Kind != want {
		t.Fatalf("kind = %s, want %s (%v)", execErr.Kind, want, err)
	}
	return execErr
}
