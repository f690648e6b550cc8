package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/ruleengine/events"
	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/storage"
)

// capturePublisher records published usage events for assertions.
type capturePublisher struct {
	events []*events.UsageEvent
	fail   error
}

func (p *capturePublisher) PublishUsage(ctx context.Context, event *events.UsageEvent) error {
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *storage.Memory) {
	t.Helper()
	repo := storage.NewMemory()
	return NewManager(repo, opts...), repo
}

func mustCreate(t *testing.T, m *Manager, name string, ruleType rule.Type, chainID string) *rule.ExceptionRule {
	t.Helper()
	res, err := m.CreateRule(context.Background(), CreateRuleInput{
		Name:    name,
		Type:    ruleType,
		ChainID: chainID,
	})
	require.NoError(t, err)
	return res.Rule
}

func testSession(chainID string) *rule.SessionContext {
	return &rule.SessionContext{
		SessionID: "s1",
		ChainID:   chainID,
		ChainName: "morning routine",
		Elapsed:   42,
	}
}

func TestCreateRuleValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateRule(ctx, CreateRuleInput{Name: "   ", Type: rule.TypePauseOnly})
	assert.Equal(t, rule.ErrValidation, rule.KindOf(err))

	_, err = m.CreateRule(ctx, CreateRuleInput{Name: "喝水", Type: "SOMETIMES"})
	assert.Equal(t, rule.ErrInvalidRuleType, rule.KindOf(err))

	_, err = m.CreateRule(ctx, CreateRuleInput{Name: "喝水", Type: rule.TypePauseOnly, Scope: rule.ScopeChain})
	assert.Equal(t, rule.ErrValidation, rule.KindOf(err))
}

func TestCreateRuleScopeDefaulting(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	chained, err := m.CreateRule(ctx, CreateRuleInput{Name: "喝水", Type: rule.TypePauseOnly, ChainID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, rule.ScopeChain, chained.Rule.Scope)

	global, err := m.CreateRule(ctx, CreateRuleInput{Name: "上厕所", Type: rule.TypePauseOnly})
	require.NoError(t, err)
	assert.Equal(t, rule.ScopeGlobal, global.Rule.Scope)
	assert.Empty(t, global.Rule.ChainID)
}

func TestCreateRuleExactDuplicate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	existing := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	// normalization makes the padded, differently-cased name collide
	_, err := m.CreateRule(ctx, CreateRuleInput{Name: " 喝水 ", Type: rule.TypePauseOnly, ChainID: "c1"})
	require.Error(t, err)

	var engineErr *rule.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, rule.ErrRuleNameExists, engineErr.Kind)

	matches, ok := engineErr.Details["existing"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, matches, 1)
	assert.Equal(t, existing.ID, matches[0]["id"])

	suggested, ok := engineErr.Details["suggested_names"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, suggested)
	assert.Equal(t, "喝水 2", suggested[0])
}

func TestCreateRuleReuseExisting(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()
	existing := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	res, err := m.CreateRule(ctx, CreateRuleInput{
		Name: "喝水", Type: rule.TypePauseOnly, ChainID: "c1",
		Resolution: ResolutionReuseExisting,
	})
	require.NoError(t, err)
	assert.True(t, res.ReusedExisting)
	assert.Equal(t, existing.ID, res.Rule.ID)

	rules, err := repo.Rules(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "reuse must not create a second rule")
}

func TestCreateRuleForceCreate(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	res, err := m.CreateRule(ctx, CreateRuleInput{
		Name: "喝水", Type: rule.TypePauseOnly, ChainID: "c1",
		Resolution: ResolutionForceCreate,
	})
	require.NoError(t, err)
	assert.False(t, res.ReusedExisting)
	assert.NotEmpty(t, res.Warnings)

	rules, err := repo.Rules(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestCreateRuleSimilarNameWarns(t *testing.T) {
	m, _ := newTestManager(t)
	mustCreate(t, m, "上厕所", rule.TypePauseOnly, "c1")

	res, err := m.CreateRule(context.Background(), CreateRuleInput{
		Name: "去厕所", Type: rule.TypePauseOnly, ChainID: "c1",
	})
	require.NoError(t, err, "similar names warn, never block")
	assert.NotEmpty(t, res.Warnings)
}

func TestUpdateRulePreservesUsage(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()
	r := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	_, err := m.UseRule(ctx, r.ID, testSession("c1"), rule.ActionPause, nil)
	require.NoError(t, err)

	name := "喝水休息"
	updated, err := m.UpdateRule(ctx, r.ID, UpdatePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "喝水休息", updated.Name)
	assert.Equal(t, 1, updated.UsageCount, "patching must never reset usage counters")

	records, err := repo.UsageRecordsByRule(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDeleteRuleIsSoft(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	_, err := m.UseRule(ctx, r.ID, testSession("c1"), rule.ActionPause, nil)
	require.NoError(t, err)
	require.NoError(t, m.DeleteRule(ctx, r.ID))

	// the rule is gone from listings
	visible, err := m.GetAllRules(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, visible)

	// but its history stays addressable
	history, err := m.GetRuleUsageHistory(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	stats, err := m.GetRuleStats(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalUsage)

	// using it again is rejected
	_, err = m.UseRule(ctx, r.ID, testSession("c1"), rule.ActionPause, nil)
	assert.Equal(t, rule.ErrRuleNotFound, rule.KindOf(err))
}

func TestUseRuleTypeActionMatrix(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()
	pauseRule := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")
	completionRule := mustCreate(t, m, "提前完成", rule.TypeEarlyCompletionOnly, "c1")

	res, err := m.UseRule(ctx, pauseRule.ID, testSession("c1"), rule.ActionPause, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UsageCount)

	// the rejected action must leave counters and history untouched
	_, err = m.UseRule(ctx, pauseRule.ID, testSession("c1"), rule.ActionEarlyCompletion, nil)
	var engineErr *rule.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, rule.ErrRuleTypeMismatch, engineErr.Kind)
	assert.Contains(t, engineErr.Message, "喝水")
	assert.Contains(t, engineErr.Message, string(rule.ActionPause))
	assert.Contains(t, engineErr.Message, string(rule.ActionEarlyCompletion))

	reloaded, err := repo.RuleByID(ctx, pauseRule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.UsageCount)
	records, err := repo.UsageRecordsByRule(ctx, pauseRule.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = m.UseRule(ctx, completionRule.ID, testSession("c1"), rule.ActionPause, nil)
	assert.Equal(t, rule.ErrRuleTypeMismatch, rule.KindOf(err))
	_, err = m.UseRule(ctx, completionRule.ID, testSession("c1"), rule.ActionEarlyCompletion, nil)
	require.NoError(t, err)
}

func TestUseRuleValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	_, err := m.UseRule(ctx, r.ID, testSession("c1"), "skip", nil)
	assert.Equal(t, rule.ErrValidation, rule.KindOf(err))

	_, err = m.UseRule(ctx, r.ID, nil, rule.ActionPause, nil)
	assert.Equal(t, rule.ErrValidation, rule.KindOf(err))

	_, err = m.UseRule(ctx, "missing", testSession("c1"), rule.ActionPause, nil)
	assert.Equal(t, rule.ErrRuleNotFound, rule.KindOf(err))
}

func TestUseRulePublishesEvent(t *testing.T) {
	pub := &capturePublisher{}
	m, _ := newTestManager(t, WithPublisher(pub))
	ctx := context.Background()
	r := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	_, err := m.UseRule(ctx, r.ID, testSession("c1"), rule.ActionPause, nil)
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "喝水", pub.events[0].RuleName)
	assert.Equal(t, 1, pub.events[0].UsageCount)
	assert.Equal(t, r.ID, pub.events[0].Record.RuleID)
}

func TestUseRulePublishFailureIsBestEffort(t *testing.T) {
	pub := &capturePublisher{fail: errors.New("broker down")}
	m, _ := newTestManager(t, WithPublisher(pub))
	ctx := context.Background()
	r := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	res, err := m.UseRule(ctx, r.ID, testSession("c1"), rule.ActionPause, nil)
	require.NoError(t, err, "a dead broker must not fail the usage flow")
	assert.Equal(t, 1, res.UsageCount)
}

func TestValidateRuleForAction(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	ok, err := m.ValidateRuleForAction(ctx, r.ID, rule.ActionPause)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ValidateRuleForAction(ctx, r.ID, rule.ActionEarlyCompletion)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.ValidateRuleForAction(ctx, "missing", rule.ActionPause)
	assert.Equal(t, rule.ErrRuleNotFound, rule.KindOf(err))
}

func TestGlobalRulesVisibleToEveryChain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "全局暂停", rule.TypePauseOnly, "")
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	forC1, err := m.GetAllRules(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, forC1, 2)

	forC2, err := m.GetAllRules(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, forC2, 1)
	assert.Equal(t, rule.ScopeGlobal, forC2[0].Scope)
}

func TestGetRulesByType(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")
	mustCreate(t, m, "提前完成", rule.TypeEarlyCompletionOnly, "c1")

	pauses, err := m.GetRulesByType(ctx, "c1", rule.TypePauseOnly)
	require.NoError(t, err)
	require.Len(t, pauses, 1)
	assert.Equal(t, "喝水", pauses[0].Name)

	_, err = m.GetRulesByType(ctx, "c1", "SOMETIMES")
	assert.Equal(t, rule.ErrInvalidRuleType, rule.KindOf(err))
}

func TestImportRulesSkipDuplicates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	items := []CreateRuleInput{
		{Name: "喝水", Type: rule.TypePauseOnly, ChainID: "c1"},
		{Name: " 喝水 ", Type: rule.TypePauseOnly, ChainID: "c1"}, // collides after normalization
		{Name: "", Type: rule.TypePauseOnly, ChainID: "c1"},
	}

	result, err := m.ImportRules(ctx, items, ImportOptions{SkipDuplicates: true})
	require.NoError(t, err)
	assert.Len(t, result.Imported, 1)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "duplicate name", result.Skipped[0].Reason)
	require.Len(t, result.Errors, 1, "a bad item must not abort the batch")
	assert.Equal(t, 2, result.Errors[0].Index)
}

func TestImportRulesDuplicateErrorsWithoutSkip(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.ImportRules(context.Background(), []CreateRuleInput{
		{Name: "喝水", Type: rule.TypePauseOnly, ChainID: "c1"},
		{Name: "喝水", Type: rule.TypePauseOnly, ChainID: "c1"},
	}, ImportOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Imported, 1)
	assert.Empty(t, result.Skipped)
	assert.Len(t, result.Errors, 1)
}

func TestImportRulesJSON(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	payload := []byte(`{"rules": [
		{"name": "喝水", "type": "PAUSE_ONLY", "chain_id": "c1"},
		{"name": null, "type": "PAUSE_ONLY", "chain_id": "c1"},
		{"name": 123, "type": "EARLY_COMPLETION_ONLY", "chain_id": "c1"}
	]}`)

	result, err := m.ImportRulesJSON(ctx, payload, ImportOptions{SkipDuplicates: true})
	require.NoError(t, err)
	assert.Len(t, result.Imported, 2, "numeric names are coerced, null names rejected per item")
	assert.Len(t, result.Errors, 1)

	_, err = m.ImportRulesJSON(ctx, []byte(`"not an array"`), ImportOptions{})
	assert.Equal(t, rule.ErrValidation, rule.KindOf(err))
}

func TestExportRulesUsageOptional(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	withoutUsage, err := m.ExportRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, withoutUsage.Rules, 1)
	assert.Nil(t, withoutUsage.UsageRecords, "usage not requested reads as nil")

	withUsage, err := m.ExportRules(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, withUsage.UsageRecords, "requested but empty reads as an empty slice")
	assert.Empty(t, withUsage.UsageRecords)
	assert.Equal(t, 1, withUsage.Summary.RuleCount)
}

func TestGetSystemHealth(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	health, err := m.GetSystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, health.Status)
	assert.Contains(t, health.Issues, "no active rules")

	r := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")
	health, err = m.GetSystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, health.Status)
	assert.Contains(t, health.Issues, "rules exist but unused")

	_, err = m.UseRule(ctx, r.ID, testSession("c1"), rule.ActionPause, nil)
	require.NoError(t, err)
	health, err = m.GetSystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Empty(t, health.Issues)
}

func TestSearchRules(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")
	mustCreate(t, m, "喝水休息", rule.TypeEarlyCompletionOnly, "c1")

	matches, err := m.SearchRules(ctx, "c1", "喝水", nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "喝水", matches[0].Rule.Name) // exact outranks prefix

	// type filter narrows the result
	filtered, err := m.SearchRules(ctx, "c1", "喝水", &SearchFilter{Type: rule.TypeEarlyCompletionOnly})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "喝水休息", filtered[0].Rule.Name)

	// action filter goes through the type-action matrix
	byAction, err := m.SearchRules(ctx, "c1", "喝水", &SearchFilter{Action: rule.ActionPause})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "喝水", byAction[0].Rule.Name)
}

func TestSearchRulesCacheInvalidatedByMutation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	matches, err := m.SearchRules(ctx, "c1", "喝水", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// cached entry for the same normalized query
	cached := m.Cache().SearchResults("c1", " 喝水 ")
	require.NotNil(t, cached)

	mustCreate(t, m, "喝水休息", rule.TypePauseOnly, "c1")

	matches, err = m.SearchRules(ctx, "c1", "喝水", nil)
	require.NoError(t, err)
	assert.Len(t, matches, 2, "stale search results must not survive a create")
}

func TestGetSearchSuggestions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")
	mustCreate(t, m, "喝水休息", rule.TypePauseOnly, "c1")
	mustCreate(t, m, "上厕所", rule.TypePauseOnly, "c1")

	got, err := m.GetSearchSuggestions(ctx, "c1", "喝水", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestGetDuplicationSuggestions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")

	report, err := m.GetDuplicationSuggestions(ctx, "c1", "喝水")
	require.NoError(t, err)
	assert.True(t, report.Detection.HasExactMatch)
	assert.NotEmpty(t, report.SuggestedNames)

	clean, err := m.GetDuplicationSuggestions(ctx, "c1", "完全不同的名字")
	require.NoError(t, err)
	assert.False(t, clean.Detection.HasExactMatch)
	assert.Empty(t, clean.SuggestedNames)
}

func TestGetRuleUsageSuggestions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	quiet := mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")
	busy := mustCreate(t, m, "上厕所", rule.TypePauseOnly, "c1")
	mustCreate(t, m, "提前完成", rule.TypeEarlyCompletionOnly, "c1")

	for i := 0; i < 3; i++ {
		_, err := m.UseRule(ctx, busy.ID, testSession("c1"), rule.ActionPause, nil)
		require.NoError(t, err)
	}
	_, err := m.UseRule(ctx, quiet.ID, testSession("c1"), rule.ActionPause, nil)
	require.NoError(t, err)

	got, err := m.GetRuleUsageSuggestions(ctx, "c1", rule.ActionPause, 5)
	require.NoError(t, err)
	require.Len(t, got, 2, "rules not permitting the action stay out")
	assert.Equal(t, busy.ID, got[0].ID)
	assert.Equal(t, quiet.ID, got[1].ID)
}

func TestPreloadChain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "喝水", rule.TypePauseOnly, "c1")
	m.Cache().InvalidateAll()

	m.PreloadChain(ctx, "c1")
	assert.Len(t, m.Cache().ChainRules("c1"), 1)

	got, err := m.GetAllRules(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
