package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WorkItemID is the opaque identifier assigned to a work item at creation.
type WorkItemID string

// ItemType classifies what a work item represents.
type ItemType string

const (
	ItemTypeJob             ItemType = "job"
	ItemTypeCompany         ItemType = "company"
	ItemTypeScrape          ItemType = "scrape"
	ItemTypeSourceDiscovery ItemType = "source_discovery"
)

// ItemStatus represents the lifecycle state of a work item
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusSuccess    ItemStatus = "success"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusSkipped    ItemStatus = "skipped"
	ItemStatusFiltered   ItemStatus = "filtered"
	ItemStatusCancelled  ItemStatus = "cancelled" // operator cancellation
)

// IsTerminal reports whether no further processing happens in this status.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusSuccess, ItemStatusFailed, ItemStatusSkipped, ItemStatusFiltered, ItemStatusCancelled:
		return true
	}
	return false
}

// SubTask is one step of a granular pipeline. Valid values depend on ItemType.
type SubTask string

const (
	SubTaskScrape   SubTask = "scrape"
	SubTaskFilter   SubTask = "filter"
	SubTaskAnalyze  SubTask = "analyze"
	SubTaskSave     SubTask = "save"
	SubTaskFetch    SubTask = "fetch"
	SubTaskExtract  SubTask = "extract"
	SubTaskCollect  SubTask = "collect"
	SubTaskDiscover SubTask = "discover"
)

// pipelines is the ordered sub-task sequence per item type.
var pipelines = map[ItemType][]SubTask{
	ItemTypeJob:             {SubTaskScrape, SubTaskFilter, SubTaskAnalyze, SubTaskSave},
	ItemTypeCompany:         {SubTaskFetch, SubTaskExtract, SubTaskAnalyze, SubTaskSave},
	ItemTypeScrape:          {SubTaskCollect},
	ItemTypeSourceDiscovery: {SubTaskDiscover},
}

// Pipeline returns a copy of the sub-task sequence for t.
func Pipeline(t ItemType) []SubTask {
	steps := pipelines[t]
	out := make([]SubTask, len(steps))
	copy(out, steps)
	return out
}

// FirstSubTask returns the entry step of t's pipeline.
func FirstSubTask(t ItemType) (SubTask, bool) {
	steps := pipelines[t]
	if len(steps) == 0 {
		return "", false
	}
	return steps[0], true
}

// NextSubTask returns the step after s, or false when s is the last step.
func NextSubTask(t ItemType, s SubTask) (SubTask, bool) {
	steps := pipelines[t]
	for i, step := range steps {
		if step == s && i+1 < len(steps) {
			return steps[i+1], true
		}
	}
	return "", false
}

// ValidSubTask reports whether s belongs to t's pipeline.
func ValidSubTask(t ItemType, s SubTask) bool {
	for _, step := range pipelines[t] {
		if step == s {
			return true
		}
	}
	return false
}

// ValidItemType reports whether t is a known item type.
func ValidItemType(t ItemType) bool {
	_, ok := pipelines[t]
	return ok
}

// WorkItem is a unit of queued processing.
//
// PipelineState accumulates each completed sub-task's output under the
// sub-task's own key. A key written by one sub-task is never written by another.
type WorkItem struct {
	ID            WorkItemID                 `json:"id"`
	Type          ItemType                   `json:"item_type"`
	Status        ItemStatus                 `json:"status"`
	SubTask       *SubTask                   `json:"sub_task,omitempty"` // nil = legacy monolithic
	PipelineState map[string]json.RawMessage `json:"pipeline_state"`
	ParentItemID  *WorkItemID                `json:"parent_item_id,omitempty"`
	RetryCount    int                        `json:"retry_count"`
	MaxRetries    int                        `json:"max_retries"`

	Source      string `json:"source"`
	URL         string `json:"url"`
	CompanyName string `json:"company_name,omitempty"`
	CompanyID   string `json:"company_id,omitempty"`

	NormalizedURL     string `json:"normalized_url,omitempty"`
	NormalizedCompany string `json:"normalized_company,omitempty"`

	// Payload carries producer-supplied configuration (scrape/discovery config,
	// pre-scraped title/description).
	Payload map[string]any `json:"payload,omitempty"`
	// Priority is the soft-strike score recorded by the filter step, for
	// display and sorting by consumers. Claim order ignores it.
	Priority float64 `json:"priority"`

	ResultMessage string `json:"result_message,omitempty"`
	ErrorDetails  string `json:"error_details,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsLegacy reports whether the item predates granular sub-tasks.
func (w *WorkItem) IsLegacy() bool {
	return w.SubTask == nil
}

// PayloadString returns a string payload value or "".
func (w *WorkItem) PayloadString(key string) string {
	if w.Payload == nil {
		return ""
	}
	s, _ := w.Payload[key].(string)
	return s
}

// DecodeState unmarshals the output of a completed sub-task into out.
func (w *WorkItem) DecodeState(s SubTask, out any) error {
	raw, ok := w.PipelineState[string(s)]
	if !ok {
		return fmt.Errorf("%w: missing %s output", ErrInvalidItem, s)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s output: %w", s, err)
	}
	return nil
}

// Validate checks the shape of a newly created item.
func (w *WorkItem) Validate() error {
	if !ValidItemType(w.Type) {
		return fmt.Errorf("%w: unknown item type %q", ErrInvalidItem, w.Type)
	}
	if w.Source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidItem)
	}
	if w.URL == "" && !(w.Type == ItemTypeCompany && w.CompanyName != "") {
		return fmt.Errorf("%w: url is required", ErrInvalidItem)
	}
	if w.SubTask != nil && !ValidSubTask(w.Type, *w.SubTask) {
		return fmt.Errorf("%w: sub-task %q is not part of the %s pipeline", ErrInvalidItem, *w.SubTask, w.Type)
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidItem)
	}
	return nil
}

// StepOutcome is what a completed sub-task asks the store to do next:
// advance to Next, or terminate with Terminal.
type StepOutcome struct {
	Next     *SubTask
	Terminal ItemStatus
	Message  string
	Priority *float64 // set by steps that score the item; nil keeps the stored value
}

// AdvanceTo keeps the item processing and moves the cursor to s.
func AdvanceTo(s SubTask) StepOutcome {
	return StepOutcome{Next: &s}
}

// Finish terminates the item with status and a human-readable message.
func Finish(status ItemStatus, msg string) StepOutcome {
	return StepOutcome{Terminal: status, Message: msg}
}

// ListFilter narrows List queries. Zero values mean "any".
type ListFilter struct {
	Type   ItemType
	Status ItemStatus
	Parent *WorkItemID
	Limit  int
}

var (
	ErrItemNotFound  = errors.New("work item not found")
	ErrDuplicateItem = errors.New("duplicate work item")
	ErrInvalidItem   = errors.New("invalid work item")
	ErrNotClaimed    = errors.New("work item is not in processing state")
	ErrNotPending    = errors.New("work item is not pending")
)

// FailureDetails renders the error_details text for a failed sub-task.
// Items without a sub-task cursor report as "legacy".
func FailureDetails(sub SubTask, cause error) string {
	if sub == "" {
		sub = "legacy"
	}
	return fmt.Sprintf("%s failed: %v", sub, cause)
}
