package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/manthysbr/jobpipe/internal/metrics"
)

// UsageResetScheduler clears daily agent usage on a cron cadence. It checks
// once a minute whether the next run time has passed.
type UsageResetScheduler struct {
	logger   *slog.Logger
	resetter ports.UsageResetter
	expr     string
	tick     time.Duration // check interval (1 minute default)
	now      func() time.Time
}

func NewUsageResetScheduler(logger *slog.Logger, resetter ports.UsageResetter, cronExpr string) (*UsageResetScheduler, error) {
	if _, err := nextCronRun(cronExpr, time.Now()); err != nil {
		return nil, fmt.Errorf("invalid reset cron %q: %w", cronExpr, err)
	}
	return &UsageResetScheduler{
		logger:   logger,
		resetter: resetter,
		expr:     cronExpr,
		tick:     1 * time.Minute,
		now:      time.Now,
	}, nil
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *UsageResetScheduler) Run(ctx context.Context) error {
	next, err := nextCronRun(s.expr, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("usage reset scheduler started", "cron", s.expr, "next_run", next)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("usage reset scheduler stopped")
			return nil
		case <-ticker.C:
			now := s.now()
			if now.Before(next) {
				continue
			}
			s.ResetNow(ctx)
			if next, err = nextCronRun(s.expr, now); err != nil {
				return err
			}
		}
	}
}

// ResetNow runs a reset immediately, outside the schedule.
func (s *UsageResetScheduler) ResetNow(ctx context.Context) (int, error) {
	n, err := s.resetter.ResetUsage(ctx)
	if err != nil {
		s.logger.Error("agent usage reset failed", "error", err)
		return 0, err
	}
	metrics.RecordUsageReset()
	s.logger.Info("agent usage reset", "re_enabled", n)
	return n, nil
}

// MultiResetter fans a reset out to several resetters, e.g. the agent
// registry and an external ledger.
type MultiResetter []ports.UsageResetter

// ResetUsage returns the count reported by the first resetter.
func (m MultiResetter) ResetUsage(ctx context.Context) (int, error) {
	count := 0
	for i, r := range m {
		n, err := r.ResetUsage(ctx)
		if err != nil {
			return count, err
		}
		if i == 0 {
			count = n
		}
	}
	return count, nil
}

// nextCronRun parses a simple cron expression and returns the next run time.
// Supports: "minute hour day month weekday" (standard 5-field cron)
// Handles *, specific numbers, lists, ranges (a-b) and intervals (*/N).
func nextCronRun(expr string, from time.Time) (time.Time, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return time.Time{}, fmt.Errorf("expected 5 fields (min hour day month weekday), got %d", len(fields))
	}

	// Scan forward minute by minute; daily and weekly expressions fit in 8 days.
	candidate := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.Add(8 * 24 * time.Hour)

	for candidate.Before(limit) {
		if matchesCronField(fields[0], candidate.Minute()) &&
			matchesCronField(fields[1], candidate.Hour()) &&
			matchesCronField(fields[2], candidate.Day()) &&
			matchesCronField(fields[3], int(candidate.Month())) &&
			matchesCronField(fields[4], int(candidate.Weekday())) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching time found within 8 days for expression: %s", expr)
}

// matchesCronField checks if a value matches a cron field pattern
func matchesCronField(pattern string, value int) bool {
	if pattern == "*" {
		return true
	}

	// Handle */N (every N)
	if strings.HasPrefix(pattern, "*/") {
		n := 0
		if _, err := fmt.Sscanf(pattern, "*/%d", &n); err == nil && n > 0 {
			return value%n == 0
		}
		return false
	}

	// Handle comma-separated list (check BEFORE single number)
	if strings.Contains(pattern, ",") {
		for _, part := range strings.Split(pattern, ",") {
			if matchesCronField(strings.TrimSpace(part), value) {
				return true
			}
		}
		return false
	}

	// Handle a-b range
	if strings.Contains(pattern, "-") {
		lo, hi := 0, 0
		if _, err := fmt.Sscanf(pattern, "%d-%d", &lo, &hi); err == nil {
			return value >= lo && value <= hi
		}
		return false
	}

	// Handle specific number
	n := 0
	if _, err := fmt.Sscanf(pattern, "%d", &n); err == nil {
		return value == n
	}

	return false
}
