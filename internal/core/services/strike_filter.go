package services

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// StrikeFilter evaluates job postings against deterministic rules before any
// paid AI call is made. It never performs I/O.
type StrikeFilter struct {
	cfg      domain.FilterConfig
	keywords []blockedKeyword
	now      func() time.Time
}

func NewStrikeFilter(cfg domain.FilterConfig) *StrikeFilter {
	f := &StrikeFilter{cfg: cfg, now: time.Now}
	for _, kw := range cfg.BlockedKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		f.keywords = append(f.keywords, blockedKeyword{word: kw, re: wordPattern(kw)})
	}
	return f
}

type blockedKeyword struct {
	word string
	re   *regexp.Regexp
}

func wordPattern(kw string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^\pL\pN])` + regexp.QuoteMeta(kw) + `($|[^\pL\pN])`)
}

// Evaluate applies hard rules first; any hard strike filters the posting
// regardless of the soft score. Soft rules add their weights and the posting
// is filtered when the total exceeds the threshold.
func (f *StrikeFilter) Evaluate(p domain.JobPosting) domain.FilterResult {
	res := domain.FilterResult{Pass: true}

	if reasons := f.hardStrikes(p); len(reasons) > 0 {
		res.Pass = false
		res.HardStrike = true
		res.Reasons = reasons
	}

	for _, rule := range f.softStrikes(p) {
		w := f.cfg.Weights[rule]
		if w == 0 {
			continue
		}
		res.Score += w
		res.Reasons = append(res.Reasons, fmt.Sprintf("soft:%s(+%.1f)", rule, w))
	}

	if !res.HardStrike && res.Score > f.cfg.Threshold {
		res.Pass = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("score %.1f exceeds threshold %.1f", res.Score, f.cfg.Threshold))
	}
	return res
}

// PreCheck applies the hard rules that need only what an item carries from
// creation, its company name and URL.
func (f *StrikeFilter) PreCheck(company, rawURL string) domain.FilterResult {
	res := domain.FilterResult{Pass: true}
	if f.CompanyExcluded(company) {
		res.Reasons = append(res.Reasons, "hard:excluded_company "+company)
	}
	if rawURL != "" && f.DomainExcluded(rawURL) {
		res.Reasons = append(res.Reasons, "hard:excluded_domain "+domain.HostOf(rawURL))
	}
	if len(res.Reasons) > 0 {
		res.Pass = false
		res.HardStrike = true
	}
	return res
}

// CompanyExcluded reports whether name matches the exclusion list.
func (f *StrikeFilter) CompanyExcluded(name string) bool {
	norm := domain.NormalizeCompanyName(name)
	if norm == "" {
		return false
	}
	for _, c := range f.cfg.ExcludedCompanies {
		if domain.NormalizeCompanyName(c) == norm {
			return true
		}
	}
	return false
}

// DomainExcluded reports whether rawURL's host is, or is a subdomain of, an
// excluded domain.
func (f *StrikeFilter) DomainExcluded(rawURL string) bool {
	host := domain.HostOf(rawURL)
	if host == "" {
		return false
	}
	for _, d := range f.cfg.ExcludedDomains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (f *StrikeFilter) hardStrikes(p domain.JobPosting) []string {
	var reasons []string
	if f.CompanyExcluded(p.Company) {
		reasons = append(reasons, "hard:excluded_company "+p.Company)
	}
	if p.URL != "" && f.DomainExcluded(p.URL) {
		reasons = append(reasons, "hard:excluded_domain "+domain.HostOf(p.URL))
	}
	text := p.Title + "\n" + p.Description
	for _, kw := range f.keywords {
		if kw.re.MatchString(text) {
			reasons = append(reasons, "hard:blocked_keyword "+kw.word)
		}
	}
	if f.cfg.MaxAgeDays > 0 && p.PostedDate != "" {
		if posted, err := time.Parse("2006-01-02", p.PostedDate); err == nil {
			age := f.now().Sub(posted)
			if age > time.Duration(f.cfg.MaxAgeDays)*24*time.Hour {
				reasons = append(reasons, fmt.Sprintf("hard:too_old %d days", int(age.Hours()/24)))
			}
		}
	}
	return reasons
}

// softStrikes returns the soft rules p trips, in a fixed order.
func (f *StrikeFilter) softStrikes(p domain.JobPosting) []domain.SoftRule {
	title := strings.ToLower(p.Title)
	seniority := false
	for _, kw := range f.cfg.SeniorityKeywords {
		if kw != "" && wordPattern(kw).MatchString(title) {
			seniority = true
			break
		}
	}

	location := false
	if len(f.cfg.PreferredLocations) > 0 && p.Location != "" && !(p.Remote != nil && *p.Remote) {
		location = true
		loc := strings.ToLower(p.Location)
		for _, pref := range f.cfg.PreferredLocations {
			if pref != "" && strings.Contains(loc, strings.ToLower(pref)) {
				location = false
				break
			}
		}
	}

	checks := []struct {
		rule domain.SoftRule
		hit  bool
	}{
		{domain.SoftRemoteMismatch, f.cfg.RequireRemote && p.Remote != nil && !*p.Remote},
		{domain.SoftSeniority, seniority},
		{domain.SoftMissingSalary, strings.TrimSpace(p.Salary) == ""},
		{domain.SoftLocation, location},
		{domain.SoftShortDescription, f.cfg.MinDescriptionChars > 0 && len(strings.TrimSpace(p.Description)) < f.cfg.MinDescriptionChars},
	}
	var hits []domain.SoftRule
	for _, c := range checks {
		if c.hit {
			hits = append(hits, c.rule)
		}
	}
	return hits
}
