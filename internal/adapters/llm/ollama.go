package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// OllamaProvider invokes a local Ollama instance through /api/generate.
type OllamaProvider struct {
	agentID domain.AgentID
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(agentID domain.AgentID, baseURL, model string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "qwen2.5:latest"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		agentID: agentID,
		baseURL: NormalizeOllamaBaseURL(baseURL),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

func (p *OllamaProvider) Invoke(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	reqBody := generateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
		Format: "json",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return domain.AgentResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return domain.AgentResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.AgentResponse{}, classifyTransport(p.agentID, fmt.Errorf("ollama connection failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.AgentResponse{}, classifyStatus(p.agentID, resp.StatusCode, string(body))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return domain.AgentResponse{}, &domain.AgentExecutionError{AgentID: p.agentID, Message: "failed to decode response", Err: err}
	}
	if genResp.Error != "" {
		return domain.AgentResponse{}, &domain.AIProviderError{AgentID: p.agentID, Message: genResp.Error}
	}

	return domain.AgentResponse{
		Output:           genResp.Response,
		PromptTokens:     genResp.PromptEvalCount,
		CompletionTokens: genResp.EvalCount,
	}, nil
}

// NormalizeOllamaBaseURL strips a trailing /v1 so the native API is used.
func NormalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}
