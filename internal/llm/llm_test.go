package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_Providers(t *testing.T) {
	if _, err := New(Config{Provider: ProviderOpenRouter}); !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("openrouter without key err = %v, want ErrAPIKeyNotSet", err)
	}
	if _, err := New(Config{Provider: ProviderOpenAI}); !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("openai without key err = %v, want ErrAPIKeyNotSet", err)
	}
	if a, err := New(Config{Provider: ProviderOllama}); err != nil || a == nil {
		t.Errorf("ollama = %v, %v", a, err)
	}
	if _, err := New(Config{Provider: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	a, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if _, ok := a.(*OpenRouter); !ok {
		t.Errorf("default provider = %T, want *OpenRouter", a)
	}
}

func TestOpenRouter_Ask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "openai/gpt-4o-mini" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "which carriers?" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %+v", req.ResponseFormat)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"carriers\":[\"DHL\"]}"}}]}`)
	}))
	defer srv.Close()

	c, err := NewOpenRouter(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "openai/gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewOpenRouter: %v", err)
	}
	got, err := c.Ask(context.Background(), "which carriers?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != `{"carriers":["DHL"]}` {
		t.Errorf("answer = %q", got)
	}
}

func TestOpenRouter_ErrorStatusNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := NewOpenRouter(Config{APIKey: "k", BaseURL: srv.URL})
	if _, err := c.Ask(context.Background(), "p"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOpenRouter_EmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c, _ := NewOpenRouter(Config{APIKey: "k", BaseURL: srv.URL})
	if _, err := c.Ask(context.Background(), "p"); !errors.Is(err, ErrEmptyAnswer) {
		t.Errorf("err = %v, want ErrEmptyAnswer", err)
	}
}

func TestOpenRouter_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := NewOpenRouter(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if _, err := c.Ask(context.Background(), "p"); err == nil {
		t.Error("expected timeout error")
	}
}

func TestOllama_Ask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Stream || req.Format != "json" {
			t.Errorf("stream/format = %v/%q", req.Stream, req.Format)
		}
		if req.Model != ollamaDefaultModel {
			t.Errorf("model = %q, want default for vendor-prefixed name", req.Model)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"carriers\":[]}"}}`)
	}))
	defer srv.Close()

	c := NewOllama(Config{BaseURL: srv.URL, Model: "openai/gpt-4o-mini"})
	got, err := c.Ask(context.Background(), "p")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != `{"carriers":[]}` {
		t.Errorf("answer = %q", got)
	}
}

func TestOpenAI_Ask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"carriers\":[\"Bring\"]}"}}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`)
	}))
	defer srv.Close()

	c, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	got, err := c.Ask(context.Background(), "p")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != `{"carriers":["Bring"]}` {
		t.Errorf("answer = %q", got)
	}
}
