package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Snapshot(ctx context.Context) (*domain.AgentDocument, error) {
	args := m.Called(ctx)
	doc, _ := args.Get(0).(*domain.AgentDocument)
	return doc, args.Error(1)
}
func (m *MockRegistry) SaveDocument(ctx context.Context, doc *domain.AgentDocument) error {
	return m.Called(ctx, doc).Error(0)
}
func (m *MockRegistry) Disable(ctx context.Context, id domain.AgentID, kind domain.DisableKind, reason string) error {
	return m.Called(ctx, id, kind, reason).Error(0)
}
func (m *MockRegistry) Enable(ctx context.Context, id domain.AgentID) error {
	return m.Called(ctx, id).Error(0)
}

// memLedger is an in-memory add-with-ceiling ledger.
type memLedger struct {
	mu    sync.Mutex
	usage map[domain.AgentID]float64
}

func newMemLedger() *memLedger {
	return &memLedger{usage: make(map[domain.AgentID]float64)}
}

func (l *memLedger) TryReserve(_ context.Context, id domain.AgentID, amount, ceiling float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usage[id]+amount > ceiling {
		return false, nil
	}
	l.usage[id] += amount
	return true, nil
}

func (l *memLedger) Adjust(_ context.Context, id domain.AgentID, delta float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage[id] += delta
	return nil
}

func (l *memLedger) Usage(_ context.Context, id domain.AgentID) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage[id], nil
}

type invokerFunc func(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error)

func (f invokerFunc) Invoke(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	return f(ctx, req)
}

// stubInvokers maps agent ids to invokers; unknown ids are a config error.
type stubInvokers map[domain.AgentID]domain.AgentInvoker

func (s stubInvokers) InvokerFor(agent domain.AgentConfig) (domain.AgentInvoker, error) {
	inv, ok := s[agent.ID]
	if !ok {
		return nil, &domain.ConfigurationError{Reason: "no backend for " + string(agent.ID)}
	}
	return inv, nil
}

func succeed(output string) domain.AgentInvoker {
	return invokerFunc(func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
		return domain.AgentResponse{Output: output}, nil
	})
}

func fail(err error) domain.AgentInvoker {
	return invokerFunc(func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
		return domain.AgentResponse{}, err
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func threeAgentDoc() *domain.AgentDocument {
	agent := func(id string) domain.AgentConfig {
		return domain.AgentConfig{ID: domain.AgentID(id), Provider: domain.ProviderOpenAI, Interface: domain.InterfaceAPI, Model: "m", DailyBudget: 10, Enabled: true}
	}
	return &domain.AgentDocument{
		Agents: []domain.AgentConfig{agent("A"), agent("B"), agent("C")},
		TaskFallbacks: map[domain.TaskType][]domain.AgentID{
			domain.TaskExtraction: {"A", "B", "C"},
			domain.TaskAnalysis:   {"C"},
		},
	}
}

func fixedEstimate(v float64) func(domain.AgentConfig, *domain.AgentDocument, string) float64 {
	return func(domain.AgentConfig, *domain.AgentDocument, string) float64 { return v }
}

func TestAgentManager_FallbackOrder(t *testing.T) {
	reg := new(MockRegistry)
	reg.On("Disable", mock.Anything, domain.AgentID("A"), domain.DisableQuota, mock.Anything).Return(nil).Once()
	reg.On("Disable", mock.Anything, domain.AgentID("B"), domain.DisableError, mock.Anything).Return(nil).Once()
	reg.On("Disable", mock.Anything, domain.AgentID("C"), domain.DisableError, mock.Anything).Return(nil).Once()

	ledger := newMemLedger()
	invokers := stubInvokers{
		"A": fail(&domain.QuotaExhaustedError{AgentID: "A", Message: "429 rate limited"}),
		"B": fail(&domain.AgentExecutionError{AgentID: "B", Message: "malformed json"}),
		"C": fail(&domain.AIProviderError{AgentID: "C", Message: "503 unavailable"}),
	}
	m := NewAgentManager(testLogger(), reg, ledger, invokers)
	m.estimate = fixedEstimate(0.5)

	res, err := m.Execute(context.Background(), threeAgentDoc(), domain.TaskExtraction, "prompt", nil)
	require.Nil(t, res)

	var noAgents *domain.NoAgentsAvailableError
	require.ErrorAs(t, err, &noAgents)
	require.Len(t, noAgents.Tried, 3)
	assert.Equal(t, domain.AgentID("A"), noAgents.Tried[0].AgentID)
	assert.Contains(t, noAgents.Tried[0].Reason, "quota exhausted")
	assert.Equal(t, domain.AgentID("B"), noAgents.Tried[1].AgentID)
	assert.Contains(t, noAgents.Tried[1].Reason, "malformed json")
	assert.Equal(t, domain.AgentID("C"), noAgents.Tried[2].AgentID)
	assert.Contains(t, noAgents.Tried[2].Reason, "503 unavailable")

	for _, id := range []domain.AgentID{"A", "B", "C"} {
		usage, _ := ledger.Usage(context.Background(), id)
		assert.Zero(t, usage, "reservation for %s must be released", id)
	}
	reg.AssertExpectations(t)
}

func TestAgentManager_QuotaThenSuccess(t *testing.T) {
	reg := new(MockRegistry)
	reg.On("Disable", mock.Anything, domain.AgentID("A"), domain.DisableQuota, mock.Anything).Return(nil).Once()

	var calledC atomic.Bool
	invokers := stubInvokers{
		"A": fail(&domain.QuotaExhaustedError{AgentID: "A", Message: "quota"}),
		"B": succeed(`{"title":"x"}`),
		"C": invokerFunc(func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
			calledC.Store(true)
			return domain.AgentResponse{Output: "c"}, nil
		}),
	}
	ledger := newMemLedger()
	m := NewAgentManager(testLogger(), reg, ledger, invokers)
	m.estimate = fixedEstimate(0.25)

	res, err := m.Execute(context.Background(), threeAgentDoc(), domain.TaskExtraction, "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("B"), res.AgentID)
	assert.Equal(t, `{"title":"x"}`, res.Output)
	assert.False(t, calledC.Load())
	reg.AssertExpectations(t)
	reg.AssertNotCalled(t, "Disable", mock.Anything, domain.AgentID("B"), mock.Anything, mock.Anything)
}

func TestAgentManager_BudgetCeiling(t *testing.T) {
	doc := &domain.AgentDocument{
		Agents: []domain.AgentConfig{{ID: "A", Provider: domain.ProviderOpenAI, Interface: domain.InterfaceAPI, DailyBudget: 10.0, Enabled: true}},
		TaskFallbacks: map[domain.TaskType][]domain.AgentID{
			domain.TaskExtraction: {"A"},
		},
	}

	t.Run("estimate over headroom is skipped without mutation", func(t *testing.T) {
		ledger := newMemLedger()
		ledger.usage["A"] = 9.5
		var invoked atomic.Bool
		invokers := stubInvokers{"A": invokerFunc(func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
			invoked.Store(true)
			return domain.AgentResponse{Output: "ok"}, nil
		})}
		reg := new(MockRegistry)
		m := NewAgentManager(testLogger(), reg, ledger, invokers)
		m.estimate = fixedEstimate(1.0)

		_, err := m.Execute(context.Background(), doc, domain.TaskExtraction, "prompt", nil)

		var noAgents *domain.NoAgentsAvailableError
		require.ErrorAs(t, err, &noAgents)
		assert.Equal(t, reasonBudgetExhausted, noAgents.Tried[0].Reason)
		assert.False(t, invoked.Load())
		usage, _ := ledger.Usage(context.Background(), "A")
		assert.Equal(t, 9.5, usage)
		reg.AssertNotCalled(t, "Disable", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("estimate within headroom is charged", func(t *testing.T) {
		ledger := newMemLedger()
		ledger.usage["A"] = 9.5
		m := NewAgentManager(testLogger(), new(MockRegistry), ledger, stubInvokers{"A": succeed("ok")})
		m.estimate = fixedEstimate(0.3)

		res, err := m.Execute(context.Background(), doc, domain.TaskExtraction, "prompt", nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.3, res.Cost, 1e-9)
		usage, _ := ledger.Usage(context.Background(), "A")
		assert.InDelta(t, 9.8, usage, 1e-9)
	})
}

func TestAgentManager_ConcurrentReservationsRespectBudget(t *testing.T) {
	doc := &domain.AgentDocument{
		Agents: []domain.AgentConfig{{ID: "A", Provider: domain.ProviderOpenAI, Interface: domain.InterfaceAPI, DailyBudget: 1.0, Enabled: true}},
		TaskFallbacks: map[domain.TaskType][]domain.AgentID{
			domain.TaskExtraction: {"A"},
		},
	}
	ledger := newMemLedger()
	m := NewAgentManager(testLogger(), new(MockRegistry), ledger, stubInvokers{"A": succeed("ok")})
	m.estimate = fixedEstimate(0.3)

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Execute(context.Background(), doc, domain.TaskExtraction, "p", nil); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), successes.Load())
	usage, _ := ledger.Usage(context.Background(), "A")
	assert.LessOrEqual(t, usage, 1.0)
}

func TestAgentManager_SkipsDisabledAndUnbuildable(t *testing.T) {
	doc := threeAgentDoc()
	doc.Agents[0].Enabled = false
	doc.Agents[0].DisableReason = "quota exhausted"

	reg := new(MockRegistry)
	reg.On("Disable", mock.Anything, domain.AgentID("B"), domain.DisableConfig, mock.Anything).Return(nil).Once()

	m := NewAgentManager(testLogger(), reg, newMemLedger(), stubInvokers{"C": succeed("done")})
	m.estimate = fixedEstimate(0)

	res, err := m.Execute(context.Background(), doc, domain.TaskExtraction, "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("C"), res.AgentID)
	reg.AssertExpectations(t)
}

func TestAgentManager_EmptyResponseIsExecutionError(t *testing.T) {
	doc := threeAgentDoc()
	doc.TaskFallbacks[domain.TaskExtraction] = []domain.AgentID{"A"}

	reg := new(MockRegistry)
	reg.On("Disable", mock.Anything, domain.AgentID("A"), domain.DisableError, "agent A execution error: empty response").Return(nil).Once()

	m := NewAgentManager(testLogger(), reg, newMemLedger(), stubInvokers{"A": succeed("  \n")})
	_, err := m.Execute(context.Background(), doc, domain.TaskExtraction, "prompt", nil)

	var noAgents *domain.NoAgentsAvailableError
	require.ErrorAs(t, err, &noAgents)
	reg.AssertExpectations(t)
}

func TestAgentManager_RejectedReplyMovesToNextAgent(t *testing.T) {
	doc := threeAgentDoc()
	doc.TaskFallbacks[domain.TaskExtraction] = []domain.AgentID{"A", "B"}

	reg := new(MockRegistry)
	reg.On("Disable", mock.Anything, domain.AgentID("A"), domain.DisableError, "agent A execution error: response contains no JSON object").Return(nil).Once()

	ledger := newMemLedger()
	m := NewAgentManager(testLogger(), reg, ledger, stubInvokers{
		"A": succeed("sorry, I cannot help with that"),
		"B": succeed(`{"title":"Go Engineer"}`),
	})
	m.estimate = fixedEstimate(0.2)

	var posting domain.JobPosting
	res, err := m.Execute(context.Background(), doc, domain.TaskExtraction, "prompt", decodeInto(&posting, nil))
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("B"), res.AgentID)
	assert.Equal(t, "Go Engineer", posting.Title)

	usageA, _ := ledger.Usage(context.Background(), "A")
	assert.Zero(t, usageA)
	usageB, _ := ledger.Usage(context.Background(), "B")
	assert.InDelta(t, 0.2, usageB, 1e-9)
	reg.AssertExpectations(t)
}

func TestAgentManager_RejectedByEveryAgent(t *testing.T) {
	doc := threeAgentDoc()
	doc.TaskFallbacks[domain.TaskExtraction] = []domain.AgentID{"A", "B"}

	reg := new(MockRegistry)
	reg.On("Disable", mock.Anything, mock.Anything, domain.DisableError, mock.Anything).Return(nil).Twice()

	m := NewAgentManager(testLogger(), reg, newMemLedger(), stubInvokers{
		"A": succeed(`{"match_score":140}`),
		"B": succeed("no"),
	})
	var match domain.JobMatch
	_, err := m.Execute(context.Background(), doc, domain.TaskExtraction, "prompt", decodeInto(&match, func(jm *domain.JobMatch) error {
		if jm.MatchScore > 100 {
			return errors.New("match score out of range")
		}
		return nil
	}))

	var noAgents *domain.NoAgentsAvailableError
	require.ErrorAs(t, err, &noAgents)
	require.Len(t, noAgents.Tried, 2)
	assert.Contains(t, noAgents.Tried[0].Reason, "match score out of range")
	assert.Contains(t, noAgents.Tried[1].Reason, "no JSON object")
	assert.Zero(t, match.MatchScore, "rejected replies are never written out")
	reg.AssertExpectations(t)
}

func TestAgentManager_MissingChainIsConfigurationError(t *testing.T) {
	m := NewAgentManager(testLogger(), new(MockRegistry), newMemLedger(), stubInvokers{})

	_, err := m.Execute(context.Background(), threeAgentDoc(), domain.TaskGeneration, "prompt", nil)

	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestAgentManager_CancelledContextDoesNotDisable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ledger := newMemLedger()
	reg := new(MockRegistry)
	invokers := stubInvokers{"A": invokerFunc(func(ctx context.Context, _ domain.AgentRequest) (domain.AgentResponse, error) {
		cancel()
		return domain.AgentResponse{}, &domain.AIProviderError{AgentID: "A", Message: "canceled", Err: ctx.Err()}
	})}
	m := NewAgentManager(testLogger(), reg, ledger, invokers)
	m.estimate = fixedEstimate(0.4)

	_, err := m.Execute(ctx, threeAgentDoc(), domain.TaskExtraction, "prompt", nil)
	assert.True(t, errors.Is(err, context.Canceled))
	reg.AssertNotCalled(t, "Disable", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	usage, _ := ledger.Usage(context.Background(), "A")
	assert.Zero(t, usage)
}

func TestAgentManager_ExecuteTaskReadsFreshSnapshot(t *testing.T) {
	reg := new(MockRegistry)
	first := threeAgentDoc()
	second := threeAgentDoc()
	second.TaskFallbacks[domain.TaskAnalysis] = []domain.AgentID{"B"}
	reg.On("Snapshot", mock.Anything).Return(first, nil).Once()
	reg.On("Snapshot", mock.Anything).Return(second, nil).Once()

	m := NewAgentManager(testLogger(), reg, newMemLedger(), stubInvokers{"B": succeed("b"), "C": succeed("c")})
	m.estimate = fixedEstimate(0)

	res, err := m.ExecuteTask(context.Background(), domain.TaskAnalysis, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("C"), res.AgentID)

	res, err = m.ExecuteTask(context.Background(), domain.TaskAnalysis, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentID("B"), res.AgentID)
	reg.AssertExpectations(t)
}

func TestEstimateCost(t *testing.T) {
	agent := domain.AgentConfig{Model: "gpt-4o", CostPer1KTokens: 0.01}
	doc := &domain.AgentDocument{ModelRates: map[string]float64{"gpt-4o": 2}}
	prompt := string(make([]byte, 4000))

	// 1000 prompt tokens + 500 allowance at 2x, times model rate 2
	assert.InDelta(t, (1.0+1.0)*0.01*2, EstimateCost(agent, doc, prompt), 1e-9)

	actual := ActualCost(agent, doc, 0.04, domain.AgentResponse{PromptTokens: 1000, CompletionTokens: 100})
	assert.InDelta(t, (1.0+0.2)*0.01*2, actual, 1e-9)
	assert.Equal(t, 0.04, ActualCost(agent, doc, 0.04, domain.AgentResponse{Output: "x"}))
}
