package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// GeminiProvider invokes Google Gemini through Eino's chat model component.
type GeminiProvider struct {
	agentID   domain.AgentID
	chatModel model.BaseChatModel
	timeout   time.Duration
}

// NewGeminiProvider builds a genai client and wraps it in an Eino chat model.
func NewGeminiProvider(ctx context.Context, agentID domain.AgentID, apiKey, modelName string, timeout time.Duration) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("agent %s: gemini api key is not set", agentID)}
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini chat model: %w", err)
	}
	return NewGeminiProviderWithModel(agentID, chatModel, timeout), nil
}

// NewGeminiProviderWithModel wraps an already configured chat model.
func NewGeminiProviderWithModel(agentID domain.AgentID, chatModel model.BaseChatModel, timeout time.Duration) *GeminiProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiProvider{agentID: agentID, chatModel: chatModel, timeout: timeout}
}

func (p *GeminiProvider) Invoke(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var opts []model.Option
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}

	msg, err := p.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(req.Prompt)}, opts...)
	if err != nil {
		return domain.AgentResponse{}, p.classify(err)
	}
	if msg == nil {
		return domain.AgentResponse{}, &domain.AgentExecutionError{AgentID: p.agentID, Message: "nil message from model"}
	}

	out := domain.AgentResponse{Output: msg.Content}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		out.PromptTokens = msg.ResponseMeta.Usage.PromptTokens
		out.CompletionTokens = msg.ResponseMeta.Usage.CompletionTokens
	}
	return out, nil
}

func (p *GeminiProvider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return &domain.QuotaExhaustedError{AgentID: p.agentID, Message: apiErr.Message, Err: err}
		}
		return &domain.AIProviderError{AgentID: p.agentID, Message: fmt.Sprintf("%d %s: %s", apiErr.Code, apiErr.Status, apiErr.Message), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classifyTransport(p.agentID, err)
	}
	if mentionsQuota(err.Error()) {
		return &domain.QuotaExhaustedError{AgentID: p.agentID, Message: err.Error(), Err: err}
	}
	return &domain.AIProviderError{AgentID: p.agentID, Message: err.Error(), Err: err}
}
