package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// quotaMarkers are substrings providers use in error bodies when the caller's
// own quota or rate limit is the problem.
var quotaMarkers = []string{
	"resource_exhausted",
	"insufficient_quota",
	"rate limit",
	"rate_limit",
	"quota",
	"usage limit",
	"too many requests",
}

func mentionsQuota(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyStatus turns a non-2xx HTTP response into the agent error taxonomy.
func classifyStatus(agentID domain.AgentID, status int, body string) error {
	msg := fmt.Sprintf("status %d: %s", status, truncateBody(body))
	if status == http.StatusTooManyRequests || (status == http.StatusForbidden && mentionsQuota(body)) {
		return &domain.QuotaExhaustedError{AgentID: agentID, Message: msg}
	}
	return &domain.AIProviderError{AgentID: agentID, Message: msg}
}

// classifyTransport wraps a failed round trip (timeouts, refused connections).
func classifyTransport(agentID domain.AgentID, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.AIProviderError{AgentID: agentID, Message: "request timed out", Err: err}
	}
	return &domain.AIProviderError{AgentID: agentID, Message: err.Error(), Err: err}
}

func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	const max = 300
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
