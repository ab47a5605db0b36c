package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

const defaultMaxChildren = 50

var postingPathHints = []string{"/job", "/jobs/", "/careers/", "/career/", "/position", "/opening", "/vacanc", "/apply"}

type collectOutput struct {
	Discovered int                 `json:"discovered"`
	Created    []domain.WorkItemID `json:"created"`
	Duplicates int                 `json:"duplicates"`
}

type discoverOutput struct {
	IsJobBoard      bool              `json:"is_job_board"`
	BoardType       string            `json:"board_type"`
	ListingSelector string            `json:"listing_selector"`
	JobLinkPattern  string            `json:"job_link_pattern"`
	Confidence      float64           `json:"confidence"`
	AgentID         domain.AgentID    `json:"agent_id"`
	ScrapeItemID    domain.WorkItemID `json:"scrape_item_id,omitempty"`
}

// scrapeCollect fetches a listing page and enqueues a child job item for
// every posting link on it. Re-running it is safe: children that already
// exist are rejected by the store's dedupe.
func (p *PipelineProcessor) scrapeCollect(ctx context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error) {
	fetchCtx, cancel := withTimeout(ctx, cfg.Pipeline.FetchTimeoutSec, 30*time.Second)
	page, err := p.fetcher.Fetch(fetchCtx, item.URL)
	cancel()
	if err != nil {
		return stepResult{}, fmt.Errorf("fetch listing %s: %w", item.URL, err)
	}

	var pattern *regexp.Regexp
	if raw := item.PayloadString("link_pattern"); raw != "" {
		if pattern, err = regexp.Compile(raw); err != nil {
			return stepResult{}, &domain.ConfigurationError{Reason: fmt.Sprintf("invalid link_pattern %q: %v", raw, err)}
		}
	}
	links := postingLinks(item.URL, page.Links, pattern, maxChildren(item))

	out := collectOutput{Discovered: len(links)}
	for _, link := range links {
		child, err := p.spawnChild(ctx, item, domain.ItemTypeJob, link, nil)
		switch {
		case errors.Is(err, domain.ErrDuplicateItem):
			out.Duplicates++
		case err != nil:
			return stepResult{}, fmt.Errorf("create child for %s: %w", link, err)
		default:
			out.Created = append(out.Created, child.ID)
		}
	}

	return stepResult{
		output:  out,
		message: fmt.Sprintf("discovered %d postings, created %d, %d already known", out.Discovered, len(out.Created), out.Duplicates),
	}, nil
}

func maxChildren(item *domain.WorkItem) int {
	switch v := item.Payload["max_items"].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return defaultMaxChildren
}

// postingLinks picks links that look like individual postings: those matching
// pattern when given, otherwise same-host links with a posting-like path.
func postingLinks(listing string, links []string, pattern *regexp.Regexp, limit int) []string {
	listingHost := domain.HostOf(listing)
	listingNorm := domain.NormalizeURL(listing)
	seen := map[string]bool{listingNorm: true}

	var out []string
	for _, link := range links {
		norm := domain.NormalizeURL(link)
		if norm == "" || seen[norm] {
			continue
		}
		if pattern != nil {
			if !pattern.MatchString(link) {
				continue
			}
		} else {
			if domain.HostOf(link) != listingHost {
				continue
			}
			lower := strings.ToLower(link)
			hinted := false
			for _, hint := range postingPathHints {
				if strings.Contains(lower, hint) {
					hinted = true
					break
				}
			}
			if !hinted {
				continue
			}
		}
		seen[norm] = true
		out = append(out, link)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// sourceDiscover classifies a candidate source through the extraction chain
// and, when asked to, enqueues a scrape item for it.
func (p *PipelineProcessor) sourceDiscover(ctx context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error) {
	if res, ok := preFiltered(item, item.URL, cfg); ok {
		return res, nil
	}
	fetchCtx, cancel := withTimeout(ctx, cfg.Pipeline.FetchTimeoutSec, 30*time.Second)
	page, err := p.fetcher.Fetch(fetchCtx, item.URL)
	cancel()
	if err != nil {
		return stepResult{}, fmt.Errorf("fetch source %s: %w", item.URL, err)
	}

	content := truncate(page.Title+"\n\n"+page.Markdown, cfg.Pipeline.MaxContentChars)
	var out discoverOutput
	res, err := p.agents.ExecuteTask(ctx, domain.TaskExtraction, sourceDiscoveryPrompt(item.URL, content), decodeInto(&out, nil))
	if err != nil {
		return stepResult{}, fmt.Errorf("extraction: %w", err)
	}
	out.AgentID = res.AgentID
	if out.JobLinkPattern != "" {
		if _, err := regexp.Compile(out.JobLinkPattern); err != nil {
			out.JobLinkPattern = ""
		}
	}

	if enqueue, _ := item.Payload["enqueue_scrape"].(bool); enqueue && out.IsJobBoard {
		payload := map[string]any{}
		if out.JobLinkPattern != "" {
			payload["link_pattern"] = out.JobLinkPattern
		}
		child, err := p.spawnChild(ctx, item, domain.ItemTypeScrape, item.URL, payload)
		switch {
		case errors.Is(err, domain.ErrDuplicateItem):
		case err != nil:
			return stepResult{}, fmt.Errorf("enqueue scrape: %w", err)
		default:
			out.ScrapeItemID = child.ID
		}
	}

	msg := "not a job source"
	if out.IsJobBoard {
		msg = fmt.Sprintf("job source (%s, confidence %.2f)", out.BoardType, out.Confidence)
	}
	return stepResult{output: out, message: msg}, nil
}

// spawnChild creates a new granular item referencing parent. It never
// touches the parent's own state.
func (p *PipelineProcessor) spawnChild(ctx context.Context, parent *domain.WorkItem, t domain.ItemType, url string, payload map[string]any) (*domain.WorkItem, error) {
	first, _ := domain.FirstSubTask(t)
	parentID := parent.ID
	child := &domain.WorkItem{
		Type:         t,
		SubTask:      &first,
		ParentItemID: &parentID,
		MaxRetries:   parent.MaxRetries,
		Source:       parent.Source,
		URL:          url,
		CompanyName:  parent.CompanyName,
		Payload:      payload,
	}
	if err := p.store.Create(ctx, child); err != nil {
		return nil, err
	}
	p.publish(child, EventTypeCreated, "spawned by "+string(parent.ID))
	return child, nil
}
