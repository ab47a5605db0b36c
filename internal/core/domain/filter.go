package domain

// SoftRule names a weighted strike rule.
type SoftRule string

const (
	SoftRemoteMismatch   SoftRule = "remote_mismatch"
	SoftSeniority        SoftRule = "seniority"
	SoftMissingSalary    SoftRule = "missing_salary"
	SoftLocation         SoftRule = "location"
	SoftShortDescription SoftRule = "short_description"
)

// FilterConfig drives the strike filter. Hard lists reject outright;
// soft weights add up against Threshold.
type FilterConfig struct {
	ExcludedCompanies []string `json:"excluded_companies"`
	ExcludedDomains   []string `json:"excluded_domains"`
	BlockedKeywords   []string `json:"blocked_keywords"`
	MaxAgeDays        int      `json:"max_age_days"` // 0 disables

	SeniorityKeywords   []string             `json:"seniority_keywords"`
	PreferredLocations  []string             `json:"preferred_locations"`
	RequireRemote       bool                 `json:"require_remote"`
	MinDescriptionChars int                  `json:"min_description_chars"`
	Weights             map[SoftRule]float64 `json:"weights"`
	Threshold           float64              `json:"threshold"`
}

// DefaultFilterConfig returns the built-in soft rule weights.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		SeniorityKeywords:   []string{"intern", "internship", "junior", "entry level"},
		MinDescriptionChars: 200,
		Weights: map[SoftRule]float64{
			SoftRemoteMismatch:   2,
			SoftSeniority:        3,
			SoftMissingSalary:    1,
			SoftLocation:         2,
			SoftShortDescription: 1,
		},
		Threshold: 5,
	}
}

// FilterResult is the outcome of a strike evaluation.
type FilterResult struct {
	Pass       bool     `json:"pass"`
	Score      float64  `json:"score"`
	HardStrike bool     `json:"hard_strike"`
	Reasons    []string `json:"reasons"`
}

// JobPosting is the structured record the Scrape step extracts and the
// filter and analysis steps consume.
type JobPosting struct {
	Title       string   `json:"title"`
	Company     string   `json:"company"`
	Location    string   `json:"location"`
	Remote      *bool    `json:"remote,omitempty"`
	Salary      string   `json:"salary,omitempty"`
	PostedDate  string   `json:"posted_date,omitempty"` // YYYY-MM-DD
	Description string   `json:"description"`
	Skills      []string `json:"skills,omitempty"`
	URL         string   `json:"url"`
}
