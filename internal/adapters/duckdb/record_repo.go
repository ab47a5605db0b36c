package duckdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/jobpipe/internal/core/domain"
)

// SaveJobRecord upserts by item id, so repeating a Save step rewrites the
// same row.
func (r *Repository) SaveJobRecord(ctx context.Context, rec domain.JobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job_records (item_id, url, title, company, strike_score, match_score, recommendation, agent_id, record, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			url            = excluded.url,
			title          = excluded.title,
			company        = excluded.company,
			strike_score   = excluded.strike_score,
			match_score    = excluded.match_score,
			recommendation = excluded.recommendation,
			agent_id       = excluded.agent_id,
			record         = excluded.record,
			saved_at       = excluded.saved_at`,
		string(rec.ItemID), rec.URL, rec.Posting.Title, rec.Posting.Company, rec.StrikeScore,
		rec.Match.MatchScore, rec.Match.Recommendation, string(rec.AgentID), string(raw), rec.SavedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert job record %s: %w", rec.ItemID, err)
	}
	return nil
}

func (r *Repository) SaveCompanyRecord(ctx context.Context, rec domain.CompanyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal company record: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO company_records (item_id, company_id, normalized_name, name, score_total, record, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			company_id      = excluded.company_id,
			normalized_name = excluded.normalized_name,
			name            = excluded.name,
			score_total     = excluded.score_total,
			record          = excluded.record,
			saved_at        = excluded.saved_at`,
		string(rec.ItemID), rec.CompanyID, rec.NormalizedName, rec.Info.Name, rec.Score.Total, string(raw), rec.SavedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert company record %s: %w", rec.ItemID, err)
	}
	return nil
}

// ListJobRecords returns saved job records with a match score of at least
// minScore, best first.
func (r *Repository) ListJobRecords(ctx context.Context, minScore, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT record FROM job_records WHERE match_score >= ?
		ORDER BY match_score DESC, saved_at DESC LIMIT ?`,
		minScore, min(limit, maxListLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.JobRecord{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec domain.JobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode job record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListCompanyRecords returns saved company records, highest score first.
func (r *Repository) ListCompanyRecords(ctx context.Context, limit int) ([]domain.CompanyRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT record FROM company_records ORDER BY score_total DESC, saved_at DESC LIMIT ?`,
		min(limit, maxListLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.CompanyRecord{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec domain.CompanyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode company record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
