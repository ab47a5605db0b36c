package services

import "github.com/manthysbr/jobpipe/internal/core/domain"

// completionAllowance is the completion size assumed before a call, when the
// real token count is not yet known.
const completionAllowance = 500

// EstimateTokens approximates the token count of text (~4 chars per token).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateCost is the amount reserved against an agent's budget before it is
// invoked. Completion tokens are priced at twice the prompt rate.
func EstimateCost(agent domain.AgentConfig, doc *domain.AgentDocument, prompt string) float64 {
	return tokenCost(agent, doc, EstimateTokens(prompt), completionAllowance)
}

// ActualCost settles a reservation. Provider-reported usage wins; without it
// the estimate stands.
func ActualCost(agent domain.AgentConfig, doc *domain.AgentDocument, estimate float64, resp domain.AgentResponse) float64 {
	if resp.PromptTokens == 0 && resp.CompletionTokens == 0 {
		return estimate
	}
	return tokenCost(agent, doc, resp.PromptTokens, resp.CompletionTokens)
}

func tokenCost(agent domain.AgentConfig, doc *domain.AgentDocument, promptTokens, completionTokens int) float64 {
	rate := agent.CostPer1KTokens
	if doc != nil {
		rate *= doc.ModelRate(agent.Model)
	}
	promptCost := (float64(promptTokens) / 1000.0) * rate
	completionCost := (float64(completionTokens) / 1000.0) * rate * 2
	return promptCost + completionCost
}
