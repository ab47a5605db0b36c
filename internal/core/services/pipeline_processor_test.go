package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/manthysbr/jobpipe/internal/adapters/duckdb"
	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticConfig struct{ cfg *domain.AppConfig }

func (s staticConfig) GetConfig() *domain.AppConfig { return s.cfg }

// scriptedRunner answers ExecuteTask from per-task handlers and counts calls.
type scriptedRunner struct {
	mu       sync.Mutex
	handlers map[domain.TaskType]func(prompt string) (*domain.AgentResult, error)
	calls    map[domain.TaskType]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		handlers: map[domain.TaskType]func(string) (*domain.AgentResult, error){},
		calls:    map[domain.TaskType]int{},
	}
}

func (r *scriptedRunner) on(task domain.TaskType, fn func(prompt string) (*domain.AgentResult, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = fn
}

func (r *scriptedRunner) reply(task domain.TaskType, output string) {
	r.on(task, func(string) (*domain.AgentResult, error) {
		return &domain.AgentResult{AgentID: "A", Output: output, Cost: 0.01}, nil
	})
}

func (r *scriptedRunner) count(task domain.TaskType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[task]
}

func (r *scriptedRunner) ExecuteTask(_ context.Context, task domain.TaskType, prompt string, check ResponseCheck) (*domain.AgentResult, error) {
	r.mu.Lock()
	r.calls[task]++
	fn := r.handlers[task]
	r.mu.Unlock()
	if fn == nil {
		return nil, &domain.ConfigurationError{Reason: "no chain for " + string(task)}
	}
	res, err := fn(prompt)
	if err == nil && check != nil {
		if cerr := check(res.Output); cerr != nil {
			return nil, &domain.AgentExecutionError{AgentID: res.AgentID, Message: cerr.Error(), Err: cerr}
		}
	}
	return res, err
}

type stubFetcher struct {
	pages map[string]*ports.Page
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (*ports.Page, error) {
	f.calls++
	if p, ok := f.pages[url]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("HTTP 404 from %s", url)
}

type stubCrawler struct {
	pages []ports.Page
	err   error
}

func (c *stubCrawler) CrawlCompany(context.Context, string) ([]ports.Page, error) {
	return c.pages, c.err
}

type pipelineFixture struct {
	repo    *duckdb.Repository
	runner  *scriptedRunner
	fetcher *stubFetcher
	crawler *stubCrawler
	cfg     *domain.AppConfig
	proc    *PipelineProcessor
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	repo, err := duckdb.NewRepository(t.TempDir() + "/pipeline.db")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := &pipelineFixture{
		repo:    repo,
		runner:  newScriptedRunner(),
		fetcher: &stubFetcher{pages: map[string]*ports.Page{}},
		crawler: &stubCrawler{},
		cfg:     domain.DefaultConfig(),
	}
	f.proc = NewPipelineProcessor(testLogger(), repo, f.runner, f.fetcher, f.crawler, repo, staticConfig{cfg: f.cfg}, NewEventBus(testLogger()))
	return f
}

func (f *pipelineFixture) enqueue(t *testing.T, item *domain.WorkItem) *domain.WorkItem {
	t.Helper()
	if item.Source == "" {
		item.Source = "test"
	}
	if item.SubTask == nil {
		first, _ := domain.FirstSubTask(item.Type)
		item.SubTask = &first
	}
	require.NoError(t, f.repo.Create(context.Background(), item))
	return item
}

// runOnce claims the oldest pending item and processes it.
func (f *pipelineFixture) runOnce(t *testing.T) *domain.WorkItem {
	t.Helper()
	claimed, err := f.repo.ClaimNext(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, claimed, "expected a pending item")
	require.NoError(t, f.proc.Process(context.Background(), claimed))

	stored, err := f.repo.Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	return stored
}

const (
	postingJSON = `{"title":"Senior Go Engineer","company":"Acme","location":"Remote","salary":"$150k","description":"` +
		`We build distributed systems in Go. You will own services end to end, work with Postgres and Kafka, ` +
		`mentor engineers, and help shape our platform architecture across teams and time zones."}`
	matchJSON = `{"match_score":82,"summary":"strong fit","recommendation":"apply"}`
)

func jobPage(url string) *ports.Page {
	return &ports.Page{URL: url, Title: "Senior Go Engineer", Markdown: "We build distributed systems in Go."}
}

func TestPipeline_JobHappyPath(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.pages["https://acme.example/jobs/1"] = jobPage("https://acme.example/jobs/1")
	f.runner.reply(domain.TaskExtraction, postingJSON)
	f.runner.reply(domain.TaskAnalysis, "```json\n"+matchJSON+"\n```")

	item := f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/1", MaxRetries: 3})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusSuccess, done.Status)
	assert.Contains(t, done.ResultMessage, "Senior Go Engineer at Acme: match 82")
	for _, sub := range domain.Pipeline(domain.ItemTypeJob) {
		assert.Contains(t, done.PipelineState, string(sub))
	}
	require.NotNil(t, done.CompletedAt)

	var filter domain.FilterResult
	require.NoError(t, done.DecodeState(domain.SubTaskFilter, &filter))
	assert.InDelta(t, filter.Score, done.Priority, 1e-9, "the filter score is recorded as priority")

	records, err := f.repo.ListJobRecords(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, item.ID, records[0].ItemID)
	assert.Equal(t, 82, records[0].Match.MatchScore)
}

func TestPipeline_PreScrapedPayloadSkipsFetch(t *testing.T) {
	f := newPipelineFixture(t)
	f.runner.reply(domain.TaskExtraction, postingJSON)
	f.runner.reply(domain.TaskAnalysis, matchJSON)

	f.enqueue(t, &domain.WorkItem{
		Type:       domain.ItemTypeJob,
		URL:        "https://board.example/p/9",
		MaxRetries: 3,
		Payload:    map[string]any{"title": "Go Engineer", "description": "Build things."},
	})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusSuccess, done.Status)
	assert.Zero(t, f.fetcher.calls)
}

func TestPipeline_RetryThenFailAfterBudget(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.pages["https://acme.example/jobs/2"] = jobPage("https://acme.example/jobs/2")
	f.runner.on(domain.TaskExtraction, func(string) (*domain.AgentResult, error) {
		return nil, &domain.AgentExecutionError{AgentID: "A", Message: "malformed"}
	})

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/2", MaxRetries: 3})

	for attempt := 1; attempt <= 3; attempt++ {
		item := f.runOnce(t)
		assert.Equal(t, domain.ItemStatusPending, item.Status)
		assert.Equal(t, attempt, item.RetryCount)
		require.NotNil(t, item.SubTask)
		assert.Equal(t, domain.SubTaskScrape, *item.SubTask)
		assert.True(t, strings.HasPrefix(item.ErrorDetails, "scrape failed: "), item.ErrorDetails)
	}

	final := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.Contains(t, final.ErrorDetails, "scrape failed: ")
	assert.Contains(t, final.ErrorDetails, "malformed")
	assert.Equal(t, 4, f.runner.count(domain.TaskExtraction))
}

func TestPipeline_ResumesAtFailedStep(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.pages["https://acme.example/jobs/3"] = jobPage("https://acme.example/jobs/3")
	f.runner.reply(domain.TaskExtraction, postingJSON)

	analysisFails := true
	f.runner.on(domain.TaskAnalysis, func(string) (*domain.AgentResult, error) {
		if analysisFails {
			return nil, &domain.NoAgentsAvailableError{TaskType: domain.TaskAnalysis}
		}
		return &domain.AgentResult{AgentID: "B", Output: matchJSON}, nil
	})

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/3", MaxRetries: 3})

	first := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusPending, first.Status)
	require.NotNil(t, first.SubTask)
	assert.Equal(t, domain.SubTaskAnalyze, *first.SubTask)
	assert.Contains(t, first.PipelineState, string(domain.SubTaskScrape))
	assert.Contains(t, first.PipelineState, string(domain.SubTaskFilter))

	analysisFails = false
	second := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusSuccess, second.Status)
	assert.Equal(t, 1, f.runner.count(domain.TaskExtraction), "scrape must not run again")
	assert.Equal(t, 1, f.fetcher.calls)
}

func TestPipeline_HardStrikeSkipsAnalysis(t *testing.T) {
	f := newPipelineFixture(t)
	f.cfg.Filter.ExcludedCompanies = []string{"Acme"}
	f.fetcher.pages["https://acme.example/jobs/4"] = jobPage("https://acme.example/jobs/4")
	f.runner.reply(domain.TaskExtraction, postingJSON)
	f.runner.reply(domain.TaskAnalysis, matchJSON)

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/4", MaxRetries: 3})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusFiltered, done.Status)
	assert.True(t, strings.HasPrefix(done.ResultMessage, "filtered: "))
	assert.Zero(t, f.runner.count(domain.TaskAnalysis))
	assert.NotContains(t, done.PipelineState, string(domain.SubTaskAnalyze))
}

func TestPipeline_MalformedReplyFallsBackToNextAgent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	doc := threeAgentDoc()
	doc.TaskFallbacks[domain.TaskExtraction] = []domain.AgentID{"A", "B"}
	require.NoError(t, f.repo.SaveDocument(ctx, doc))

	var bCalls atomic.Int32
	f.proc.agents = NewAgentManager(testLogger(), f.repo, f.repo, stubInvokers{
		"A": succeed("sorry, I cannot help with that"),
		"B": invokerFunc(func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
			bCalls.Add(1)
			return domain.AgentResponse{Output: postingJSON}, nil
		}),
		"C": succeed(matchJSON),
	})
	f.fetcher.pages["https://acme.example/jobs/12"] = jobPage("https://acme.example/jobs/12")

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/12", MaxRetries: 3})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusSuccess, done.Status)
	assert.Zero(t, done.RetryCount)
	assert.Equal(t, int32(1), bCalls.Load())

	var scraped jobScrapeOutput
	require.NoError(t, done.DecodeState(domain.SubTaskScrape, &scraped))
	assert.Equal(t, domain.AgentID("B"), scraped.AgentID)
	assert.Equal(t, "Senior Go Engineer", scraped.Posting.Title)

	snap, err := f.repo.Snapshot(ctx)
	require.NoError(t, err)
	a, ok := snap.Agent("A")
	require.True(t, ok)
	assert.False(t, a.Enabled)
	assert.Contains(t, a.DisableReason, "no JSON object")
}

func TestPipeline_RejectedReplyIsRetriedWhenChainHasNoAlternative(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.pages["https://acme.example/jobs/13"] = jobPage("https://acme.example/jobs/13")
	f.runner.reply(domain.TaskExtraction, `{"company":"Acme"}`)

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/13", MaxRetries: 3})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusPending, done.Status)
	assert.Equal(t, 1, done.RetryCount)
	assert.Contains(t, done.ErrorDetails, "extracted posting has no title")
	assert.NotContains(t, done.PipelineState, string(domain.SubTaskScrape))
}

func TestPipeline_ExcludedCompanyFilteredBeforeExtraction(t *testing.T) {
	f := newPipelineFixture(t)
	f.cfg.Filter.ExcludedCompanies = []string{"Acme"}
	f.crawler.pages = []ports.Page{{URL: "https://acme.example", Title: "Acme", Markdown: "We make rockets."}}
	f.runner.reply(domain.TaskExtraction, `{"name":"Acme"}`)

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeCompany, CompanyName: "Acme Inc", URL: "https://acme.example", MaxRetries: 3})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusFiltered, done.Status)
	assert.Contains(t, done.ResultMessage, "hard:excluded_company Acme Inc")
	assert.Zero(t, f.runner.count(domain.TaskExtraction))
	assert.NotContains(t, done.PipelineState, string(domain.SubTaskExtract))
}

func TestPipeline_ExcludedJobFilteredBeforeScrape(t *testing.T) {
	tests := []struct {
		name   string
		item   *domain.WorkItem
		reason string
	}{
		{
			name:   "excluded domain",
			item:   &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://jobs.spammy.io/p/1", MaxRetries: 3},
			reason: "hard:excluded_domain jobs.spammy.io",
		},
		{
			name:   "excluded company supplied by producer",
			item:   &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://board.example/p/2", CompanyName: "Globex", MaxRetries: 3},
			reason: "hard:excluded_company Globex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			f.cfg.Filter.ExcludedDomains = []string{"spammy.io"}
			f.cfg.Filter.ExcludedCompanies = []string{"Globex"}
			f.runner.reply(domain.TaskExtraction, postingJSON)

			f.enqueue(t, tt.item)
			done := f.runOnce(t)

			assert.Equal(t, domain.ItemStatusFiltered, done.Status)
			assert.Contains(t, done.ResultMessage, tt.reason)
			assert.Zero(t, f.fetcher.calls)
			assert.Zero(t, f.runner.count(domain.TaskExtraction))
		})
	}
}

func TestPipeline_ConfigurationErrorFailsWithoutRetry(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.pages["https://acme.example/jobs/5"] = jobPage("https://acme.example/jobs/5")
	// No extraction handler: the runner reports a configuration error.

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/5", MaxRetries: 3})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusFailed, done.Status)
	assert.Zero(t, done.RetryCount)
	assert.Contains(t, done.ErrorDetails, "scrape failed: ")
}

func TestPipeline_CompanyFlow(t *testing.T) {
	f := newPipelineFixture(t)
	f.cfg.Profile = domain.CandidateProfile{Skills: []string{"Go", "Postgres"}, Remote: true}
	f.crawler.pages = []ports.Page{
		{URL: "https://acme.example", Title: "Acme", Markdown: "We make rockets."},
		{URL: "https://acme.example/about", Title: "About", Markdown: "Remote-first since 2015."},
	}
	f.runner.reply(domain.TaskExtraction, `{"name":"Acme","remote_policy":"remote","size":"51-200","tech_stack":["Go","Postgres","React"]}`)

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeCompany, CompanyName: "Acme", URL: "https://acme.example", MaxRetries: 3})
	done := f.runOnce(t)

	assert.Equal(t, domain.ItemStatusSuccess, done.Status)
	assert.Zero(t, f.runner.count(domain.TaskAnalysis), "company analysis is deterministic")

	records, err := f.repo.ListCompanyRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	// remote 3 + overlap 2 + size 1
	assert.Equal(t, 6.0, records[0].Score.Total)
	assert.Equal(t, "acme", records[0].NormalizedName)
}

func TestPipeline_CompanyCrawlFailureRetries(t *testing.T) {
	f := newPipelineFixture(t)
	f.crawler.err = errors.New("connection refused")

	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeCompany, CompanyName: "Globex", URL: "https://globex.example", MaxRetries: 1})
	first := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusPending, first.Status)
	assert.Contains(t, first.ErrorDetails, "fetch failed: ")

	second := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusFailed, second.Status)
}

func TestPipeline_ScrapeSpawnsChildren(t *testing.T) {
	f := newPipelineFixture(t)
	listing := "https://acme.example/careers"
	f.fetcher.pages[listing] = &ports.Page{URL: listing, Links: []string{
		"https://acme.example/jobs/10",
		"https://acme.example/jobs/11#apply",
		"https://acme.example/jobs/11",
		"https://acme.example/pricing",
		"https://other.example/jobs/99",
	}}

	parent := f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeScrape, URL: listing, MaxRetries: 2})
	done := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusSuccess, done.Status)
	assert.Contains(t, done.ResultMessage, "created 2")

	children, err := f.repo.List(context.Background(), domain.ListFilter{Parent: &parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, domain.ItemTypeJob, c.Type)
		assert.Equal(t, domain.ItemStatusPending, c.Status)
		require.NotNil(t, c.SubTask)
		assert.Equal(t, domain.SubTaskScrape, *c.SubTask)
		assert.Equal(t, 2, c.MaxRetries)
	}

	// A second listing run finds the same postings and creates nothing.
	f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeScrape, URL: listing + "?page=1", MaxRetries: 2})
	f.fetcher.pages[listing+"?page=1"] = f.fetcher.pages[listing]
	for {
		claimed, err := f.repo.ClaimNext(context.Background(), ptrType(domain.ItemTypeScrape))
		require.NoError(t, err)
		if claimed == nil {
			break
		}
		require.NoError(t, f.proc.Process(context.Background(), claimed))
		stored, err := f.repo.Get(context.Background(), claimed.ID)
		require.NoError(t, err)
		assert.Contains(t, stored.ResultMessage, "2 already known")
	}
}

func ptrType(t domain.ItemType) *domain.ItemType { return &t }

func TestPipeline_SourceDiscoveryEnqueuesScrape(t *testing.T) {
	f := newPipelineFixture(t)
	url := "https://jobs.example.org"
	f.fetcher.pages[url] = &ports.Page{URL: url, Title: "Jobs", Markdown: "Open positions"}
	f.runner.reply(domain.TaskExtraction, `{"is_job_board":true,"board_type":"greenhouse","job_link_pattern":"/jobs/\\d+","confidence":0.9}`)

	parent := f.enqueue(t, &domain.WorkItem{
		Type:       domain.ItemTypeSourceDiscovery,
		URL:        url,
		MaxRetries: 1,
		Payload:    map[string]any{"enqueue_scrape": true},
	})
	done := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusSuccess, done.Status)
	assert.Contains(t, done.ResultMessage, "greenhouse")

	children, err := f.repo.List(context.Background(), domain.ListFilter{Parent: &parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, domain.ItemTypeScrape, children[0].Type)
	assert.Equal(t, `/jobs/\d+`, children[0].PayloadString("link_pattern"))
}

func TestPipeline_LegacyItemRunsInOnePass(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.pages["https://acme.example/jobs/7"] = jobPage("https://acme.example/jobs/7")
	f.runner.reply(domain.TaskExtraction, postingJSON)
	f.runner.reply(domain.TaskAnalysis, matchJSON)

	legacy := &domain.WorkItem{Type: domain.ItemTypeJob, Source: "migration", URL: "https://acme.example/jobs/7", MaxRetries: 3}
	require.NoError(t, f.repo.Create(context.Background(), legacy))
	require.True(t, legacy.IsLegacy())

	done := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusSuccess, done.Status)
	assert.Nil(t, done.SubTask)
}

func TestPipeline_LegacyFailureIsFinal(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.pages["https://acme.example/jobs/8"] = jobPage("https://acme.example/jobs/8")
	f.runner.reply(domain.TaskExtraction, postingJSON)
	f.runner.on(domain.TaskAnalysis, func(string) (*domain.AgentResult, error) {
		return nil, &domain.NoAgentsAvailableError{TaskType: domain.TaskAnalysis}
	})

	legacy := &domain.WorkItem{Type: domain.ItemTypeJob, Source: "migration", URL: "https://acme.example/jobs/8", MaxRetries: 3}
	require.NoError(t, f.repo.Create(context.Background(), legacy))

	done := f.runOnce(t)
	assert.Equal(t, domain.ItemStatusFailed, done.Status)
	assert.Zero(t, done.RetryCount)
	assert.Contains(t, done.ErrorDetails, "analyze failed: ")
	assert.Empty(t, done.PipelineState, "partial legacy results are never committed")
}

func TestPipeline_PublishesEvents(t *testing.T) {
	f := newPipelineFixture(t)
	bus := NewEventBus(testLogger())
	f.proc.bus = bus
	f.fetcher.pages["https://acme.example/jobs/9"] = jobPage("https://acme.example/jobs/9")
	f.runner.reply(domain.TaskExtraction, postingJSON)
	f.runner.reply(domain.TaskAnalysis, matchJSON)

	item := f.enqueue(t, &domain.WorkItem{Type: domain.ItemTypeJob, URL: "https://acme.example/jobs/9", MaxRetries: 3})
	events, unsub := bus.Subscribe(string(item.ID))
	defer unsub()

	f.runOnce(t)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{EventTypeClaimed, EventTypeStep, EventTypeStep, EventTypeStep, EventTypeTerminal}, types)
}
