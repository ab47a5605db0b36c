package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
)

func jobExtractionPrompt(url, content string) string {
	return fmt.Sprintf(`Extract the job posting below into JSON with exactly these fields:
{"title": string, "company": string, "location": string, "remote": boolean or null,
 "salary": string, "posted_date": "YYYY-MM-DD" or "", "description": string, "skills": [string]}

Use "" for unknown strings. Keep "description" under 1500 characters. Respond with JSON only.

URL: %s

CONTENT:
%s`, url, content)
}

func jobAnalysisPrompt(profile domain.CandidateProfile, posting domain.JobPosting, filter domain.FilterResult) string {
	postingJSON, _ := json.MarshalIndent(posting, "", "  ")
	return fmt.Sprintf(`You are matching a job posting against a candidate profile.

CANDIDATE:
Summary: %s
Skills: %s
Preferred locations: %s
Wants remote: %t

POSTING:
%s

Pre-screen soft strike score: %.1f

Respond with JSON only:
{"match_score": 0-100, "summary": string, "strengths": [string], "gaps": [string],
 "recommendation": "apply" | "consider" | "skip"}`,
		profile.Summary,
		strings.Join(profile.Skills, ", "),
		strings.Join(profile.Locations, ", "),
		profile.Remote,
		postingJSON,
		filter.Score,
	)
}

func companyExtractionPrompt(name string, pages []ports.Page) string {
	var b strings.Builder
	for _, p := range pages {
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", p.Title, p.URL, p.Markdown)
	}
	return fmt.Sprintf(`Extract structured information about the company %q from its web pages.
Respond with JSON only:
{"name": string, "description": string, "industry": string, "size": string,
 "headquarters": string, "remote_policy": "remote" | "hybrid" | "onsite" | "unknown",
 "tech_stack": [string], "website": string}

PAGES:
%s`, name, b.String())
}

func sourceDiscoveryPrompt(url, content string) string {
	return fmt.Sprintf(`Classify the web page below as a source of job postings.
Respond with JSON only:
{"is_job_board": boolean, "board_type": string, "listing_selector": string,
 "job_link_pattern": string, "confidence": 0.0-1.0}

"board_type" is the hosting platform (greenhouse, lever, workday, ashby, custom, ...).
"job_link_pattern" is a regular expression matching links to individual postings.

URL: %s

CONTENT:
%s`, url, content)
}

var errNoJSONObject = errors.New("response contains no JSON object")

// decodeAgentJSON pulls the first JSON object out of an agent's reply,
// tolerating markdown fences and surrounding prose.
func decodeAgentJSON(output string, out any) error {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return errNoJSONObject
	}
	if err := json.Unmarshal([]byte(output[start:end+1]), out); err != nil {
		return fmt.Errorf("malformed JSON response: %w", err)
	}
	return nil
}

// decodeInto accepts a reply only if it decodes into a T that passes
// validate. out is written on acceptance only.
func decodeInto[T any](out *T, validate func(*T) error) ResponseCheck {
	return func(output string) error {
		var v T
		if err := decodeAgentJSON(output, &v); err != nil {
			return err
		}
		if validate != nil {
			if err := validate(&v); err != nil {
				return err
			}
		}
		*out = v
		return nil
	}
}

// truncate caps s at max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}
