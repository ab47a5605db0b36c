package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

type jobScrapeOutput struct {
	Posting      domain.JobPosting `json:"posting"`
	AgentID      domain.AgentID    `json:"agent_id"`
	Cost         float64           `json:"cost"`
	ContentChars int               `json:"content_chars"`
}

type jobAnalyzeOutput struct {
	Match   domain.JobMatch `json:"match"`
	AgentID domain.AgentID  `json:"agent_id"`
	Cost    float64         `json:"cost"`
}

type saveOutput struct {
	SavedAt time.Time `json:"saved_at"`
}

// jobScrape fetches the posting (unless the producer supplied its text) and
// structures it through the extraction chain.
func (p *PipelineProcessor) jobScrape(ctx context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error) {
	if res, ok := preFiltered(item, item.URL, cfg); ok {
		return res, nil
	}

	content := ""
	if desc := item.PayloadString("description"); desc != "" {
		content = strings.TrimSpace(item.PayloadString("title") + "\n\n" + desc)
	} else {
		fetchCtx, cancel := withTimeout(ctx, cfg.Pipeline.FetchTimeoutSec, 30*time.Second)
		page, err := p.fetcher.Fetch(fetchCtx, item.URL)
		cancel()
		if err != nil {
			return stepResult{}, fmt.Errorf("fetch %s: %w", item.URL, err)
		}
		content = strings.TrimSpace(page.Title + "\n\n" + page.Markdown)
	}
	if content == "" {
		return stepResult{}, fmt.Errorf("no content at %s", item.URL)
	}
	content = truncate(content, cfg.Pipeline.MaxContentChars)

	var posting domain.JobPosting
	res, err := p.agents.ExecuteTask(ctx, domain.TaskExtraction, jobExtractionPrompt(item.URL, content),
		decodeInto(&posting, func(jp *domain.JobPosting) error {
			if jp.Title == "" {
				return errors.New("extracted posting has no title")
			}
			return nil
		}))
	if err != nil {
		return stepResult{}, fmt.Errorf("extraction: %w", err)
	}
	posting.URL = item.URL
	if posting.Company == "" {
		posting.Company = item.CompanyName
	}

	return stepResult{output: jobScrapeOutput{
		Posting:      posting,
		AgentID:      res.AgentID,
		Cost:         res.Cost,
		ContentChars: len(content),
	}}, nil
}

// jobFilter runs the strike filter. It costs nothing and always precedes the
// analysis call.
func (p *PipelineProcessor) jobFilter(_ context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error) {
	var scraped jobScrapeOutput
	if err := item.DecodeState(domain.SubTaskScrape, &scraped); err != nil {
		return stepResult{}, err
	}

	result := NewStrikeFilter(cfg.Filter).Evaluate(scraped.Posting)
	score := result.Score
	if result.Pass {
		return stepResult{output: result, priority: &score}, nil
	}
	return stepResult{
		output:   result,
		terminal: domain.ItemStatusFiltered,
		message:  "filtered: " + strings.Join(result.Reasons, "; "),
		priority: &score,
	}, nil
}

func (p *PipelineProcessor) jobAnalyze(ctx context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error) {
	var scraped jobScrapeOutput
	if err := item.DecodeState(domain.SubTaskScrape, &scraped); err != nil {
		return stepResult{}, err
	}
	var filter domain.FilterResult
	if err := item.DecodeState(domain.SubTaskFilter, &filter); err != nil {
		return stepResult{}, err
	}

	var match domain.JobMatch
	res, err := p.agents.ExecuteTask(ctx, domain.TaskAnalysis, jobAnalysisPrompt(cfg.Profile, scraped.Posting, filter),
		decodeInto(&match, func(m *domain.JobMatch) error {
			if m.MatchScore < 0 || m.MatchScore > 100 {
				return fmt.Errorf("match score %d out of range", m.MatchScore)
			}
			return nil
		}))
	if err != nil {
		return stepResult{}, fmt.Errorf("analysis: %w", err)
	}

	return stepResult{output: jobAnalyzeOutput{Match: match, AgentID: res.AgentID, Cost: res.Cost}}, nil
}

// jobSave upserts the final record by item id, so re-running it is a no-op.
func (p *PipelineProcessor) jobSave(ctx context.Context, item *domain.WorkItem, _ *domain.AppConfig) (stepResult, error) {
	var scraped jobScrapeOutput
	if err := item.DecodeState(domain.SubTaskScrape, &scraped); err != nil {
		return stepResult{}, err
	}
	var filter domain.FilterResult
	if err := item.DecodeState(domain.SubTaskFilter, &filter); err != nil {
		return stepResult{}, err
	}
	var analyzed jobAnalyzeOutput
	if err := item.DecodeState(domain.SubTaskAnalyze, &analyzed); err != nil {
		return stepResult{}, err
	}

	rec := domain.JobRecord{
		ItemID:      item.ID,
		URL:         item.URL,
		Posting:     scraped.Posting,
		StrikeScore: filter.Score,
		Match:       analyzed.Match,
		AgentID:     analyzed.AgentID,
		SavedAt:     time.Now().UTC(),
	}
	if err := p.sink.SaveJobRecord(ctx, rec); err != nil {
		return stepResult{}, fmt.Errorf("save job record: %w", err)
	}

	return stepResult{
		output:  saveOutput{SavedAt: rec.SavedAt},
		message: fmt.Sprintf("%s at %s: match %d (%s)", rec.Posting.Title, rec.Posting.Company, rec.Match.MatchScore, rec.Match.Recommendation),
	}, nil
}
