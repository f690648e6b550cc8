package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/search"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func chainRule(id, chainID string) *rule.ExceptionRule {
	return &rule.ExceptionRule{
		ID:       id,
		Name:     "rule " + id,
		Scope:    rule.ScopeChain,
		ChainID:  chainID,
		Type:     rule.TypePauseOnly,
		IsActive: true,
	}
}

func TestChainRulesTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(WithClock(clock.Now))

	rules := []*rule.ExceptionRule{chainRule("r1", "c1")}
	c.SetChainRules("c1", rules, 100*time.Millisecond)

	got := c.ChainRules("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)

	clock.Advance(101 * time.Millisecond)
	assert.Nil(t, c.ChainRules("c1"), "entry past its TTL must read as absent")
}

func TestChainRulesDefaultTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(WithClock(clock.Now), WithTTL(time.Minute))

	c.SetChainRules("c1", []*rule.ExceptionRule{chainRule("r1", "c1")}, 0)

	clock.Advance(59 * time.Second)
	assert.NotNil(t, c.ChainRules("c1"))
	clock.Advance(2 * time.Second)
	assert.Nil(t, c.ChainRules("c1"))
}

func TestCachedCopiesAreIsolated(t *testing.T) {
	c := New()
	r := chainRule("r1", "c1")
	c.SetChainRules("c1", []*rule.ExceptionRule{r}, 0)

	got := c.ChainRules("c1")
	require.Len(t, got, 1)
	got[0].Name = "mutated"

	again := c.ChainRules("c1")
	assert.Equal(t, "rule r1", again[0].Name)
}

func TestTargetedMutations(t *testing.T) {
	c := New()
	c.SetChainRules("c1", []*rule.ExceptionRule{chainRule("r1", "c1")}, 0)

	c.AddRuleToChain("c1", chainRule("r2", "c1"))
	assert.Len(t, c.ChainRules("c1"), 2)

	updated := chainRule("r2", "c1")
	updated.Name = "renamed"
	c.UpdateRuleInChain("c1", updated)
	got := c.ChainRules("c1")
	require.Len(t, got, 2)
	assert.Equal(t, "renamed", got[1].Name)

	c.RemoveRuleFromChain("c1", "r1")
	got = c.ChainRules("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ID)
}

func TestMisScopedMutationsAreRejected(t *testing.T) {
	c := New()
	c.SetChainRules("c1", []*rule.ExceptionRule{chainRule("r1", "c1")}, 0)

	// wrong chain
	c.AddRuleToChain("c1", chainRule("r2", "c2"))
	assert.Len(t, c.ChainRules("c1"), 1)

	// global rules never enter a chain's cache through targeted mutation
	global := &rule.ExceptionRule{ID: "g1", Name: "global", Scope: rule.ScopeGlobal, IsActive: true}
	c.AddRuleToChain("c1", global)
	assert.Len(t, c.ChainRules("c1"), 1)

	c.UpdateRuleInChain("c1", chainRule("r1", "c2"))
	got := c.ChainRules("c1")
	assert.Equal(t, "rule r1", got[0].Name)
}

func TestMutationInvalidatesSearchResults(t *testing.T) {
	c := New()
	c.SetChainRules("c1", []*rule.ExceptionRule{chainRule("r1", "c1")}, 0)

	matches := []search.Match{{Rule: chainRule("r1", "c1"), MatchType: search.MatchExact}}
	c.SetSearchResults("c1", "Rule ", matches)

	// normalized key: same entry for differently-padded queries
	assert.NotNil(t, c.SearchResults("c1", "rule"))

	c.AddRuleToChain("c1", chainRule("r2", "c1"))
	assert.Nil(t, c.SearchResults("c1", "rule"),
		"search results must not survive a rule-list mutation")
}

func TestSubscriberIsolation(t *testing.T) {
	c := New()

	var normalCalls int
	unsubBad := c.Subscribe(func(string, []*rule.ExceptionRule) {
		panic("subscriber bug")
	})
	defer unsubBad()
	unsubGood := c.Subscribe(func(chainID string, rules []*rule.ExceptionRule) {
		normalCalls++
	})
	defer unsubGood()

	assert.NotPanics(t, func() {
		c.SetChainRules("c1", []*rule.ExceptionRule{chainRule("r1", "c1")}, 0)
	})
	assert.Equal(t, 1, normalCalls, "healthy subscriber must still run exactly once")
}

func TestSubscriberOrderAndUnsubscribe(t *testing.T) {
	c := New()

	var order []string
	unsubA := c.Subscribe(func(string, []*rule.ExceptionRule) { order = append(order, "a") })
	c.Subscribe(func(string, []*rule.ExceptionRule) { order = append(order, "b") })

	c.SetChainRules("c1", nil, 0)
	assert.Equal(t, []string{"a", "b"}, order)

	unsubA()
	order = nil
	c.SetChainRules("c1", nil, 0)
	assert.Equal(t, []string{"b"}, order)
}

func TestPreload(t *testing.T) {
	c := New()
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context, chainID string) ([]*rule.ExceptionRule, error) {
		loads++
		return []*rule.ExceptionRule{chainRule("r1", chainID)}, nil
	}

	c.Preload(ctx, "c1", loader)
	assert.Equal(t, 1, loads)
	assert.Len(t, c.ChainRules("c1"), 1)

	// already cached: no second load
	c.Preload(ctx, "c1", loader)
	assert.Equal(t, 1, loads)
}

func TestPreloadFailureIsSwallowed(t *testing.T) {
	c := New()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		c.Preload(ctx, "c1", func(context.Context, string) ([]*rule.ExceptionRule, error) {
			return nil, errors.New("repository offline")
		})
	})
	assert.Nil(t, c.ChainRules("c1"))
}
