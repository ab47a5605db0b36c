package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// modelPlaceholder in a configured command argument is replaced with the
// request's model.
const modelPlaceholder = "{model}"

// CLIProvider runs a local agent CLI (claude, codex, gemini) with the prompt
// on stdin and takes stdout as the output.
//
// The process gets SIGTERM when timeout elapses and SIGKILL grace later.
type CLIProvider struct {
	agentID domain.AgentID
	command []string
	model   string
	timeout time.Duration
	grace   time.Duration
}

func NewCLIProvider(agentID domain.AgentID, command []string, model string, timeout, grace time.Duration) (*CLIProvider, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("agent %s: cli command is empty", agentID)}
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &CLIProvider{
		agentID: agentID,
		command: append([]string(nil), command...),
		model:   model,
		timeout: timeout,
		grace:   grace,
	}, nil
}

func (p *CLIProvider) Invoke(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	args := make([]string, 0, len(p.command)-1)
	for _, a := range p.command[1:] {
		args = append(args, strings.ReplaceAll(a, modelPlaceholder, model))
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.command[0], args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.grace
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		return domain.AgentResponse{}, &domain.AIProviderError{
			AgentID: p.agentID,
			Message: fmt.Sprintf("cli timed out after %s", p.timeout),
			Err:     context.DeadlineExceeded,
		}
	case ctx.Err() != nil:
		return domain.AgentResponse{}, ctx.Err()
	case err != nil:
		return domain.AgentResponse{}, p.classifyExit(err, stderr.String(), stdout.String())
	}

	return domain.AgentResponse{Output: strings.TrimSpace(stdout.String())}, nil
}

func (p *CLIProvider) classifyExit(err error, stderr, stdout string) error {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = strings.TrimSpace(stdout)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Binary missing or not executable.
		return &domain.AIProviderError{AgentID: p.agentID, Message: err.Error(), Err: err}
	}
	if mentionsQuota(detail) {
		return &domain.QuotaExhaustedError{AgentID: p.agentID, Message: truncateBody(detail), Err: err}
	}
	return &domain.AgentExecutionError{
		AgentID: p.agentID,
		Message: fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), truncateBody(detail)),
		Err:     err,
	}
}
