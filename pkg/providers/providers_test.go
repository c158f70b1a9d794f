package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dotsetgreg/presenced/pkg/config"
)

func TestParseChatCompletionsResponse_PlainString(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}]}`)

	resp, err := parseChatCompletionsResponse(body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestParseChatCompletionsResponse_SegmentedContent(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]},"finish_reason":"stop"}]}`)

	resp, err := parseChatCompletionsResponse(body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if resp.Content != "ab" {
		t.Errorf("content = %q, want ab", resp.Content)
	}
}

func TestParseChatCompletionsResponse_NoChoices(t *testing.T) {
	resp, err := parseChatCompletionsResponse([]byte(`{"choices":[]}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if resp.Content != "" {
		t.Errorf("content = %q, want empty", resp.Content)
	}
}

func TestChat_SendsAuthAndModel(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p, err := newChatCompletionsProvider("test", srv.URL, "default-model", "",
		NewAPIKeyAuth(NewStaticTokenSource("sk-test", "test")))
	if err != nil {
		t.Fatalf("provider init failed: %v", err)
	}

	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotModel != "default-model" {
		t.Errorf("model = %q, want the default", gotModel)
	}
}

func TestChat_APIErrorSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p, err := newChatCompletionsProvider("test", srv.URL, "m", "",
		NewAPIKeyAuth(NewStaticTokenSource("sk", "test")))
	if err != nil {
		t.Fatalf("provider init failed: %v", err)
	}

	_, err = p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil)
	if err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestNewProvider_UnsupportedName(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Provider = "not-a-provider"

	if _, err := NewProvider(cfg); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestValidateProviderConfig_RequiresKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := ValidateProviderConfig(cfg); err == nil {
		t.Fatal("expected missing-key validation error")
	}

	cfg.Providers.OpenRouter.APIKey = "sk-x"
	if err := ValidateProviderConfig(cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
