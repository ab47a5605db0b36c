package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// WorkItemStore abstracts the durable work item table. It holds no business
// logic; every state transition is a single conditional update.
type WorkItemStore interface {
	// Create validates, deduplicates and inserts a new pending item.
	Create(ctx context.Context, item *domain.WorkItem) error

	// ClaimNext atomically moves the oldest pending item (optionally of one
	// type) to processing. Returns nil, nil when nothing is claimable.
	ClaimNext(ctx context.Context, itemType *domain.ItemType) (*domain.WorkItem, error)

	// CommitStep merges output under the completed sub-task's key and either
	// advances the cursor or terminates the item.
	CommitStep(ctx context.Context, id domain.WorkItemID, completed domain.SubTask, output json.RawMessage, outcome domain.StepOutcome) error

	// RequeueForRetry spends one retry and returns the item to pending at the
	// failed sub-task, or fails it once the retry budget is exceeded.
	RequeueForRetry(ctx context.Context, id domain.WorkItemID, failed *domain.SubTask, cause error) (*domain.WorkItem, error)

	// Fail terminates a processing item without touching its retry budget.
	Fail(ctx context.Context, id domain.WorkItemID, details string) error

	// Cancel terminates a pending item on operator request.
	Cancel(ctx context.Context, id domain.WorkItemID) error

	Get(ctx context.Context, id domain.WorkItemID) (*domain.WorkItem, error)
	List(ctx context.Context, filter domain.ListFilter) ([]domain.WorkItem, error)
	Stats(ctx context.Context) (map[domain.ItemStatus]int, error)

	// RequeueStale returns items stuck in processing since before cutoff.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}

// AgentRegistry holds agent configuration and enable/disable state.
type AgentRegistry interface {
	// Snapshot reads the current agent configuration document.
	Snapshot(ctx context.Context) (*domain.AgentDocument, error)

	// SaveDocument replaces agent configuration, keeping usage and disable
	// state for agents that already exist.
	SaveDocument(ctx context.Context, doc *domain.AgentDocument) error

	Disable(ctx context.Context, id domain.AgentID, kind domain.DisableKind, reason string) error
	Enable(ctx context.Context, id domain.AgentID) error
}

// BudgetLedger tracks per-agent daily spend. TryReserve must be a single
// atomic add-with-ceiling.
type BudgetLedger interface {
	// TryReserve adds amount to the agent's usage only if the result stays
	// within ceiling. Returns false without mutating anything otherwise.
	TryReserve(ctx context.Context, id domain.AgentID, amount, ceiling float64) (bool, error)

	// Adjust adds delta (possibly negative) unconditionally; used to settle
	// a reservation against the actual cost or release it on failure.
	Adjust(ctx context.Context, id domain.AgentID, delta float64) error

	Usage(ctx context.Context, id domain.AgentID) (float64, error)
}

// InvokerFactory resolves an agent's backend variant into something callable.
type InvokerFactory interface {
	InvokerFor(agent domain.AgentConfig) (domain.AgentInvoker, error)
}

// UsageResetter clears daily usage and re-enables quota-disabled agents.
type UsageResetter interface {
	ResetUsage(ctx context.Context) (int, error)
}

// PageFetcher retrieves a single page reduced to markdown.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// SiteCrawler gathers a small set of pages for a company.
type SiteCrawler interface {
	CrawlCompany(ctx context.Context, url string) ([]Page, error)
}

// Page is fetched content reduced for prompting.
type Page struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Markdown string   `json:"markdown"`
	Links    []string `json:"links,omitempty"`
	HTML     string   `json:"-"`
}

// RecordSink persists final records produced by the Save steps. Writes must
// be idempotent per item id.
type RecordSink interface {
	SaveJobRecord(ctx context.Context, rec domain.JobRecord) error
	SaveCompanyRecord(ctx context.Context, rec domain.CompanyRecord) error
}

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}
