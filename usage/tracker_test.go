package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/storage"
)

func seedRule(t *testing.T, repo *storage.Memory, name string, ruleType rule.Type) *rule.ExceptionRule {
	t.Helper()
	created, err := repo.CreateRule(context.Background(), &rule.ExceptionRule{
		Name:     name,
		Scope:    rule.ScopeChain,
		ChainID:  "c1",
		Type:     ruleType,
		IsActive: true,
	})
	require.NoError(t, err)
	return created
}

func session(elapsed float64, remaining *float64) *rule.SessionContext {
	return &rule.SessionContext{
		SessionID: "s1",
		ChainID:   "c1",
		ChainName: "morning routine",
		StartedAt: time.Now(),
		Elapsed:   elapsed,
		Remaining: remaining,
	}
}

func fptr(v float64) *float64 { return &v }

func TestRecordUsageCapturesSessionVerbatim(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)
	tracker := NewTracker(repo)

	rec, err := tracker.RecordUsage(context.Background(), r.ID,
		session(120.5, fptr(300)), rule.ActionPause,
		&rule.PauseOptions{Duration: fptr(60), AutoResume: true})
	require.NoError(t, err)

	assert.Equal(t, r.ID, rec.RuleID)
	assert.Equal(t, "c1", rec.ChainID)
	assert.Equal(t, 120.5, rec.TaskElapsed)
	require.NotNil(t, rec.TaskRemaining)
	assert.Equal(t, 300.0, *rec.TaskRemaining)
	require.NotNil(t, rec.PauseDuration)
	assert.Equal(t, 60.0, *rec.PauseDuration)
	require.NotNil(t, rec.AutoResume)
	assert.True(t, *rec.AutoResume)
	assert.Equal(t, rule.ScopeChain, rec.RuleScope)
}

func TestRecordUsageMissingRule(t *testing.T) {
	tracker := NewTracker(storage.NewMemory())

	_, err := tracker.RecordUsage(context.Background(), "nope",
		session(10, nil), rule.ActionPause, nil)
	require.Error(t, err)
	assert.Equal(t, rule.ErrRuleNotFound, rule.KindOf(err))
}

func TestRecordUsageSoftDeletedRule(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)
	require.NoError(t, repo.DeleteRule(context.Background(), r.ID))
	tracker := NewTracker(repo)

	_, err := tracker.RecordUsage(context.Background(), r.ID,
		session(10, nil), rule.ActionPause, nil)
	require.Error(t, err)
	assert.Equal(t, rule.ErrRuleNotFound, rule.KindOf(err))
}

func TestRuleStatsAggregation(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)
	tracker := NewTracker(repo)
	ctx := context.Background()

	for i, elapsed := range []float64{10, 20, 30} {
		sess := session(elapsed, nil)
		if i == 2 {
			sess.ChainID = "c2"
		}
		_, err := tracker.RecordUsage(ctx, r.ID, sess, rule.ActionPause, nil)
		require.NoError(t, err)
	}

	stats, err := tracker.RuleStats(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalUsage)
	assert.Equal(t, 3, stats.PauseCount)
	assert.Equal(t, 0, stats.EarlyCompletionCount)
	assert.InDelta(t, 20.0, stats.AverageElapsed, 1e-9)
	require.NotEmpty(t, stats.TopChains)
	assert.Equal(t, "c1", stats.TopChains[0].ChainID)
	assert.Equal(t, 2, stats.TopChains[0].Count)
}

func TestOverallStatsExcludesDeletedRules(t *testing.T) {
	repo := storage.NewMemory()
	kept := seedRule(t, repo, "喝水", rule.TypePauseOnly)
	doomed := seedRule(t, repo, "上厕所", rule.TypeEarlyCompletionOnly)
	tracker := NewTracker(repo)
	ctx := context.Background()

	_, err := tracker.RecordUsage(ctx, kept.ID, session(10, nil), rule.ActionPause, nil)
	require.NoError(t, err)
	_, err = tracker.RecordUsage(ctx, doomed.ID, session(10, nil), rule.ActionEarlyCompletion, nil)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteRule(ctx, doomed.ID))

	stats, err := tracker.OverallStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveRules)
	assert.Equal(t, 1, stats.TotalUsage)
	require.Len(t, stats.MostUsedRules, 1)
	assert.Equal(t, kept.ID, stats.MostUsedRules[0].Rule.ID)
}

func TestTrendAlwaysHasFullWindow(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)

	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)
	tracker := NewTracker(repo, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// two usages: one today, one three days ago, one outside the window
	for _, usedAt := range []time.Time{
		now.Add(-2 * time.Hour),
		now.AddDate(0, 0, -3),
		now.AddDate(0, 0, -30),
	} {
		_, err := repo.CreateUsageRecord(ctx, &rule.UsageRecord{
			RuleID:     r.ID,
			ChainID:    "c1",
			SessionID:  "s1",
			ActionType: rule.ActionPause,
			RuleScope:  rule.ScopeChain,
			UsedAt:     usedAt,
		})
		require.NoError(t, err)
	}

	trend, err := tracker.Trend(ctx, r.ID, 7)
	require.NoError(t, err)

	require.Len(t, trend.Points, 8, "7-day trend spans 8 calendar days inclusive")
	assert.Equal(t, "2026-08-18", trend.Points[0].Date)
	assert.Equal(t, "2026-08-25", trend.Points[7].Date)
	assert.Equal(t, 2, trend.TotalUsage)
	assert.InDelta(t, 2.0/7.0, trend.AverageDaily, 1e-9)

	zeroDays := 0
	for _, p := range trend.Points {
		if p.Count == 0 {
			zeroDays++
		}
	}
	assert.Equal(t, 6, zeroDays, "zero-count days must be present, not omitted")
	assert.Equal(t, 1, trend.PeakCount)
}

func TestTrendRejectsNonPositiveWindow(t *testing.T) {
	tracker := NewTracker(storage.NewMemory())
	_, err := tracker.Trend(context.Background(), "r1", 0)
	require.Error(t, err)
	assert.Equal(t, rule.ErrValidation, rule.KindOf(err))
}

func TestStatsInRange(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)
	tracker := NewTracker(repo)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for _, offset := range []int{0, 0, 1, 10} {
		_, err := repo.CreateUsageRecord(ctx, &rule.UsageRecord{
			RuleID: r.ID, ChainID: "c1", SessionID: "s1",
			ActionType: rule.ActionPause, RuleScope: rule.ScopeChain,
			UsedAt: base.AddDate(0, 0, offset),
		})
		require.NoError(t, err)
	}

	stats, err := tracker.StatsInRange(ctx, base.AddDate(0, 0, -1), base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalUsage)
	assert.Equal(t, 2, stats.ByDay["2026-08-01"])
	assert.Equal(t, 1, stats.ByDay["2026-08-02"])

	_, err = tracker.StatsInRange(ctx, base, base.AddDate(0, 0, -1))
	require.Error(t, err)
	assert.Equal(t, rule.ErrValidation, rule.KindOf(err))
}

func TestEfficiencyAnalysisInsufficientData(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)
	tracker := NewTracker(repo)
	ctx := context.Background()

	// a durationless usage carries no progress signal
	_, err := tracker.RecordUsage(ctx, r.ID, session(100, nil), rule.ActionPause, nil)
	require.NoError(t, err)

	analysis, err := tracker.EfficiencyAnalysis(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, analysis.InsufficientData)
	assert.Zero(t, analysis.SampleCount)
	assert.NotEmpty(t, analysis.Recommendations)
}

func TestEfficiencyAnalysisBuckets(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)
	tracker := NewTracker(repo)
	ctx := context.Background()

	// progress values: 0.1, 0.1, 0.1, 0.5 -> early-skewed
	cases := []struct{ elapsed, remaining float64 }{
		{10, 90},
		{10, 90},
		{10, 90},
		{50, 50},
	}
	for _, tc := range cases {
		_, err := tracker.RecordUsage(ctx, r.ID,
			session(tc.elapsed, fptr(tc.remaining)), rule.ActionPause, nil)
		require.NoError(t, err)
	}

	analysis, err := tracker.EfficiencyAnalysis(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, analysis.InsufficientData)
	assert.Equal(t, 4, analysis.SampleCount)
	assert.Equal(t, 3, analysis.EarlyCount)
	assert.Equal(t, 1, analysis.MidCount)
	assert.Zero(t, analysis.LateCount)
	assert.InDelta(t, 0.2, analysis.AverageProgress, 1e-9)
	require.NotEmpty(t, analysis.Recommendations)
	assert.Contains(t, analysis.Recommendations[len(analysis.Recommendations)-1], "early")
}

func TestCleanup(t *testing.T) {
	repo := storage.NewMemory()
	r := seedRule(t, repo, "喝水", rule.TypePauseOnly)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(repo, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, age := range []time.Duration{0, 24 * time.Hour, 90 * 24 * time.Hour} {
		_, err := repo.CreateUsageRecord(ctx, &rule.UsageRecord{
			RuleID: r.ID, ChainID: "c1", SessionID: "s1",
			ActionType: rule.ActionPause, RuleScope: rule.ScopeChain,
			UsedAt: now.Add(-age),
		})
		require.NoError(t, err)
	}

	deleted, err := tracker.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining, err := repo.UsageRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
