package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("A", server.URL+"/", "sk-test", "gpt-4o-mini", time.Second)
	resp, err := p.Invoke(context.Background(), domain.AgentRequest{Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Output)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)
}

func TestOpenAIProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		quota  bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, true},
		{"quota forbidden", http.StatusForbidden, `{"error":{"code":"insufficient_quota"}}`, true},
		{"server error", http.StatusInternalServerError, `oops`, false},
		{"unauthorized", http.StatusUnauthorized, `bad key`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := NewOpenAIProvider("A", server.URL, "", "", time.Second)
			_, err := p.Invoke(context.Background(), domain.AgentRequest{Prompt: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.quota, domain.IsQuotaError(err))
			if !tt.quota {
				var provErr *domain.AIProviderError
				assert.True(t, errors.As(err, &provErr))
			}
		})
	}
}

func TestOpenAIProvider_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	p := NewOpenAIProvider("A", server.URL, "", "", 50*time.Millisecond)
	_, err := p.Invoke(context.Background(), domain.AgentRequest{Prompt: "hi"})
	var provErr *domain.AIProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, domain.AgentID("A"), provErr.AgentID)
}

func TestOllamaProvider_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.False(t, body.Stream)
		w.Write([]byte(`{"response":"{}","done":true,"prompt_eval_count":40,"eval_count":8}`))
	}))
	defer server.Close()

	p := NewOllamaProvider("local", server.URL+"/v1", "llama3", time.Second)
	resp, err := p.Invoke(context.Background(), domain.AgentRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Output)
	assert.Equal(t, 40, resp.PromptTokens)
	assert.Equal(t, 8, resp.CompletionTokens)
}

func TestNormalizeOllamaBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", NormalizeOllamaBaseURL("http://localhost:11434/v1/"))
	assert.Equal(t, "http://ollama:11434", NormalizeOllamaBaseURL(" http://ollama:11434 "))
}

type fakeChatModel struct {
	msg  *schema.Message
	err  error
	opts int
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.opts = len(opts)
	return f.msg, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func TestGeminiProvider_Invoke(t *testing.T) {
	fake := &fakeChatModel{msg: &schema.Message{
		Content: `{"title":"x"}`,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: 100, CompletionTokens: 20},
		},
	}}
	p := NewGeminiProviderWithModel("G", fake, time.Second)

	resp, err := p.Invoke(context.Background(), domain.AgentRequest{Model: "gemini-2.0-flash", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"x"}`, resp.Output)
	assert.Equal(t, 100, resp.PromptTokens)
	assert.Equal(t, 1, fake.opts)
}

func TestGeminiProvider_QuotaFromMessage(t *testing.T) {
	p := NewGeminiProviderWithModel("G", &fakeChatModel{err: errors.New("Error 429, Status: RESOURCE_EXHAUSTED")}, time.Second)
	_, err := p.Invoke(context.Background(), domain.AgentRequest{Prompt: "hi"})
	assert.True(t, domain.IsQuotaError(err))

	p = NewGeminiProviderWithModel("G", &fakeChatModel{err: errors.New("backend unavailable")}, time.Second)
	_, err = p.Invoke(context.Background(), domain.AgentRequest{Prompt: "hi"})
	var provErr *domain.AIProviderError
	assert.True(t, errors.As(err, &provErr))
}

func TestNewGeminiProvider_RequiresKey(t *testing.T) {
	_, err := NewGeminiProvider(context.Background(), "G", "", "", time.Second)
	var cfgErr *domain.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("cli tests need a POSIX shell")
	}
}

func TestCLIProvider_EchoesStdin(t *testing.T) {
	skipWithoutShell(t)
	p, err := NewCLIProvider("C", []string{"sh", "-c", "cat; echo ' {model}'"}, "opus", time.Second, time.Second)
	require.NoError(t, err)

	resp, err := p.Invoke(context.Background(), domain.AgentRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello opus", resp.Output)
}

func TestCLIProvider_NonZeroExit(t *testing.T) {
	skipWithoutShell(t)
	p, err := NewCLIProvider("C", []string{"sh", "-c", "echo boom >&2; exit 3"}, "", time.Second, time.Second)
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), domain.AgentRequest{Prompt: "x"})
	var execErr *domain.AgentExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Message, "exit code 3")
	assert.Contains(t, execErr.Message, "boom")
}

func TestCLIProvider_QuotaMessage(t *testing.T) {
	skipWithoutShell(t)
	p, err := NewCLIProvider("C", []string{"sh", "-c", "echo 'usage limit reached' >&2; exit 1"}, "", time.Second, time.Second)
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), domain.AgentRequest{Prompt: "x"})
	assert.True(t, domain.IsQuotaError(err))
}

func TestCLIProvider_TimeoutTerminates(t *testing.T) {
	skipWithoutShell(t)
	p, err := NewCLIProvider("C", []string{"sleep", "5"}, "", 100*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Invoke(context.Background(), domain.AgentRequest{Prompt: "x"})
	var provErr *domain.AIProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Contains(t, provErr.Message, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCLIProvider_TimeoutKillsProcessIgnoringTerm(t *testing.T) {
	skipWithoutShell(t)
	timeout, grace := 100*time.Millisecond, 300*time.Millisecond
	p, err := NewCLIProvider("C", []string{"sh", "-c", "trap '' TERM; sleep 5"}, "", timeout, grace)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Invoke(context.Background(), domain.AgentRequest{Prompt: "x"})
	elapsed := time.Since(start)

	var provErr *domain.AIProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Contains(t, provErr.Message, "timed out")
	assert.GreaterOrEqual(t, elapsed, timeout+grace, "SIGTERM is ignored, so the kill waits out the grace period")
	assert.Less(t, elapsed, 3*time.Second)
}

func TestCLIProvider_EmptyCommand(t *testing.T) {
	_, err := NewCLIProvider("C", nil, "", 0, 0)
	var cfgErr *domain.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
