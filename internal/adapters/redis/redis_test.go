package redis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestUsageKey(t *testing.T) {
	day := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600))
	assert.Equal(t, "agent_usage:claude:2026-03-10", usageKey("claude", day))
}

func TestPageKeyIsStable(t *testing.T) {
	a := pageKey("https://example.com/jobs/1")
	assert.Equal(t, a, pageKey("https://example.com/jobs/1"))
	assert.NotEqual(t, a, pageKey("https://example.com/jobs/2"))
	assert.Len(t, a, len(pageKeyPrefix)+32)
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "0.3", formatFloat(0.3))
	assert.Equal(t, "-1.25", formatFloat(-1.25))
}

type countingResetter struct {
	calls int
	err   error
}

func (c *countingResetter) ResetUsage(context.Context) (int, error) {
	c.calls++
	return 2, c.err
}

func TestHandleResetTask(t *testing.T) {
	r := &countingResetter{}
	tasks := &ResetTasks{logger: testLogger(), resetter: r}

	require.NoError(t, tasks.HandleResetTask(context.Background(), nil))
	assert.Equal(t, 1, r.calls)

	r.err = errors.New("db down")
	assert.ErrorContains(t, tasks.HandleResetTask(context.Background(), nil), "db down")
}

func TestResetTaskOptions(t *testing.T) {
	byType := map[asynq.OptionType]any{}
	for _, o := range resetTaskOptions() {
		byType[o.Type()] = o.Value()
	}
	assert.Equal(t, resetTaskID, byType[asynq.TaskIDOpt])
	assert.Equal(t, resetWindow, byType[asynq.RetentionOpt])
}

// newLiveService connects to the Redis named by JOBPIPE_TEST_REDIS_ADDR.
func newLiveService(t *testing.T) *Service {
	t.Helper()
	addr := os.Getenv("JOBPIPE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBPIPE_TEST_REDIS_ADDR not set")
	}
	svc, err := New(context.Background(), testLogger(), Options{Addr: addr, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.client.FlushDB(context.Background())
		svc.Close()
	})
	require.NoError(t, svc.client.FlushDB(context.Background()).Err())
	return svc
}

func TestLedger_Live(t *testing.T) {
	svc := newLiveService(t)
	ledger := NewLedger(svc)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.TryReserve(ctx, "A", 0.3, 1.0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, granted)

	require.NoError(t, ledger.Adjust(ctx, "A", -5))
	usage, err := ledger.Usage(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, usage)

	require.NoError(t, ledger.Adjust(ctx, "A", 0.5))
	_, err = ledger.ResetUsage(ctx)
	require.NoError(t, err)
	usage, err = ledger.Usage(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestPageCache_Live(t *testing.T) {
	svc := newLiveService(t)
	ctx := context.Background()

	_, ok := svc.GetPage(ctx, "https://example.com")
	assert.False(t, ok)

	require.NoError(t, svc.SetPage(ctx, &ports.Page{URL: "https://example.com", Title: "Example", Markdown: "# hi"}, time.Minute))
	page, ok := svc.GetPage(ctx, "https://example.com")
	require.True(t, ok)
	assert.Equal(t, "Example", page.Title)
}

func TestResetTask_SecondEnqueueForTickConflicts_Live(t *testing.T) {
	svc := newLiveService(t)
	client := asynq.NewClient(svc.AsynqRedisOpt())
	t.Cleanup(func() { client.Close() })

	_, err := client.Enqueue(asynq.NewTask(TaskTypeResetUsage, nil), resetTaskOptions()...)
	require.NoError(t, err)

	_, err = client.Enqueue(asynq.NewTask(TaskTypeResetUsage, nil), resetTaskOptions()...)
	assert.ErrorIs(t, err, asynq.ErrTaskIDConflict)
}
