package domain

import "time"

// JobMatch is the analysis agent's verdict on a posting.
type JobMatch struct {
	MatchScore     int      `json:"match_score"` // 0-100
	Summary        string   `json:"summary"`
	Strengths      []string `json:"strengths,omitempty"`
	Gaps           []string `json:"gaps,omitempty"`
	Recommendation string   `json:"recommendation"` // apply | consider | skip
}

// JobRecord is the final persisted form of a processed job item.
type JobRecord struct {
	ItemID      WorkItemID `json:"item_id"`
	URL         string     `json:"url"`
	Posting     JobPosting `json:"posting"`
	StrikeScore float64    `json:"strike_score"`
	Match       JobMatch   `json:"match"`
	AgentID     AgentID    `json:"agent_id"`
	SavedAt     time.Time  `json:"saved_at"`
}

// CompanyInfo is what the extraction agent pulls out of company pages.
type CompanyInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Industry     string   `json:"industry"`
	Size         string   `json:"size"` // "1-10", "11-50", ...
	Headquarters string   `json:"headquarters"`
	RemotePolicy string   `json:"remote_policy"` // remote | hybrid | onsite | unknown
	TechStack    []string `json:"tech_stack,omitempty"`
	Website      string   `json:"website"`
}

// CompanyScore is the deterministic score produced by the company Analyze step.
type CompanyScore struct {
	Total     float64            `json:"total"`
	Breakdown map[string]float64 `json:"breakdown"`
}

// CompanyRecord is the final persisted form of a processed company item.
type CompanyRecord struct {
	ItemID         WorkItemID   `json:"item_id"`
	CompanyID      string       `json:"company_id,omitempty"`
	NormalizedName string       `json:"normalized_name"`
	Info           CompanyInfo  `json:"info"`
	Score          CompanyScore `json:"score"`
	SavedAt        time.Time    `json:"saved_at"`
}
