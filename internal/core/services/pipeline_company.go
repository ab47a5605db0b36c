package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
)

type companyFetchOutput struct {
	Pages []ports.Page `json:"pages"`
}

type companyExtractOutput struct {
	Info    domain.CompanyInfo `json:"info"`
	AgentID domain.AgentID     `json:"agent_id"`
	Cost    float64            `json:"cost"`
}

func companyURL(item *domain.WorkItem) string {
	if item.URL != "" {
		return item.URL
	}
	return item.PayloadString("website")
}

func (p *PipelineProcessor) companyFetch(ctx context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error) {
	target := companyURL(item)
	if res, ok := preFiltered(item, target, cfg); ok {
		return res, nil
	}
	if target == "" {
		return stepResult{}, fmt.Errorf("company %q has no website to fetch", item.CompanyName)
	}

	fetchCtx, cancel := withTimeout(ctx, cfg.Pipeline.FetchTimeoutSec*2, time.Minute)
	defer cancel()
	pages, err := p.crawler.CrawlCompany(fetchCtx, target)
	if err != nil {
		return stepResult{}, fmt.Errorf("crawl %s: %w", target, err)
	}
	if len(pages) == 0 {
		return stepResult{}, fmt.Errorf("crawl %s: no pages", target)
	}

	perPage := cfg.Pipeline.MaxContentChars / len(pages)
	for i := range pages {
		pages[i].Markdown = truncate(pages[i].Markdown, perPage)
		pages[i].Links = nil
	}
	return stepResult{output: companyFetchOutput{Pages: pages}}, nil
}

func (p *PipelineProcessor) companyExtract(ctx context.Context, item *domain.WorkItem, _ *domain.AppConfig) (stepResult, error) {
	var fetched companyFetchOutput
	if err := item.DecodeState(domain.SubTaskFetch, &fetched); err != nil {
		return stepResult{}, err
	}

	var info domain.CompanyInfo
	res, err := p.agents.ExecuteTask(ctx, domain.TaskExtraction, companyExtractionPrompt(item.CompanyName, fetched.Pages), decodeInto(&info, nil))
	if err != nil {
		return stepResult{}, fmt.Errorf("extraction: %w", err)
	}
	if info.Name == "" {
		info.Name = item.CompanyName
	}
	if info.Website == "" {
		info.Website = companyURL(item)
	}
	return stepResult{output: companyExtractOutput{Info: info, AgentID: res.AgentID, Cost: res.Cost}}, nil
}

// companyAnalyze scores the extracted info without any AI call. A company
// whose extracted name is excluded terminates as filtered; the name it was
// queued under was already checked before the crawl.
func (p *PipelineProcessor) companyAnalyze(_ context.Context, item *domain.WorkItem, cfg *domain.AppConfig) (stepResult, error) {
	var extracted companyExtractOutput
	if err := item.DecodeState(domain.SubTaskExtract, &extracted); err != nil {
		return stepResult{}, err
	}

	score := ScoreCompany(extracted.Info, cfg.Profile)
	filter := NewStrikeFilter(cfg.Filter)
	if filter.CompanyExcluded(extracted.Info.Name) || filter.CompanyExcluded(item.CompanyName) {
		return stepResult{output: score, terminal: domain.ItemStatusFiltered, message: "filtered: excluded company " + extracted.Info.Name}, nil
	}
	return stepResult{output: score}, nil
}

// ScoreCompany rates a company against the candidate profile on a 0-10 scale.
func ScoreCompany(info domain.CompanyInfo, profile domain.CandidateProfile) domain.CompanyScore {
	breakdown := map[string]float64{}

	switch strings.ToLower(info.RemotePolicy) {
	case "remote":
		breakdown["remote_policy"] = 3
	case "hybrid":
		breakdown["remote_policy"] = 2
	case "onsite":
		if !profile.Remote {
			breakdown["remote_policy"] = 1
		}
	}

	skills := make(map[string]bool, len(profile.Skills))
	for _, s := range profile.Skills {
		skills[strings.ToLower(strings.TrimSpace(s))] = true
	}
	overlap := 0.0
	for _, tech := range info.TechStack {
		if skills[strings.ToLower(strings.TrimSpace(tech))] {
			overlap++
		}
	}
	breakdown["tech_overlap"] = min(overlap, 5)

	if info.Size != "" {
		breakdown["size_known"] = 1
	}
	if len(info.Description) >= 100 {
		breakdown["described"] = 1
	}

	total := 0.0
	for _, v := range breakdown {
		total += v
	}
	return domain.CompanyScore{Total: total, Breakdown: breakdown}
}

func (p *PipelineProcessor) companySave(ctx context.Context, item *domain.WorkItem, _ *domain.AppConfig) (stepResult, error) {
	var extracted companyExtractOutput
	if err := item.DecodeState(domain.SubTaskExtract, &extracted); err != nil {
		return stepResult{}, err
	}
	var score domain.CompanyScore
	if err := item.DecodeState(domain.SubTaskAnalyze, &score); err != nil {
		return stepResult{}, err
	}

	rec := domain.CompanyRecord{
		ItemID:         item.ID,
		CompanyID:      item.CompanyID,
		NormalizedName: domain.NormalizeCompanyName(extracted.Info.Name),
		Info:           extracted.Info,
		Score:          score,
		SavedAt:        time.Now().UTC(),
	}
	if err := p.sink.SaveCompanyRecord(ctx, rec); err != nil {
		return stepResult{}, fmt.Errorf("save company record: %w", err)
	}
	return stepResult{
		output:  saveOutput{SavedAt: rec.SavedAt},
		message: fmt.Sprintf("%s scored %.1f", rec.Info.Name, score.Total),
	}, nil
}
