// Package cache holds per-chain, read-mostly copies of rule lists with a
// staleness bound, plus a parallel cache of search results. It mirrors the
// repository; it never originates truth.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chainpulse/ruleengine/rule"
	"github.com/chainpulse/ruleengine/search"
)

// DefaultTTL is the staleness bound applied when SetChainRules is called
// without an explicit TTL.
const DefaultTTL = 5 * time.Minute

// Subscriber observes every cached-list change for a chain.
type Subscriber func(chainID string, rules []*rule.ExceptionRule)

// Loader fetches a chain's rules for Preload.
type Loader func(ctx context.Context, chainID string) ([]*rule.ExceptionRule, error)

type chainEntry struct {
	rules     []*rule.ExceptionRule
	fetchedAt time.Time
	ttl       time.Duration
}

type searchKey struct {
	chainID string
	query   string
}

// RuleCache caches rule lists per chain with lazy TTL expiry. Expired
// entries are detected on read; there is no background eviction. All
// methods are safe for concurrent use.
type RuleCache struct {
	mu      sync.Mutex
	chains  map[string]*chainEntry
	results map[searchKey][]search.Match

	subs    []subscription
	nextSub int

	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type subscription struct {
	id int
	fn Subscriber
}

// Option configures a RuleCache.
type Option func(*RuleCache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *RuleCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source, for deterministic expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *RuleCache) { c.now = now }
}

// WithLogger sets the logger (default discards).
func WithLogger(logger *slog.Logger) Option {
	return func(c *RuleCache) { c.logger = logger }
}

// New creates an empty rule cache.
func New(opts ...Option) *RuleCache {
	c := &RuleCache{
		chains:  make(map[string]*chainEntry),
		results: make(map[searchKey][]search.Match),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChainRules returns the cached rules for a chain, or nil if the chain is
// uncached or its entry has aged past its TTL. The caller repopulates on a
// nil return; expiry is purely lazy.
func (c *RuleCache) ChainRules(chainID string) []*rule.ExceptionRule {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.chains[chainID]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.fetchedAt) > entry.ttl {
		delete(c.chains, chainID)
		c.dropSearchResultsLocked(chainID)
		return nil
	}
	return copyRules(entry.rules)
}

// SetChainRules replaces a chain's cached list. ttl <= 0 uses the cache
// default. Subscribers are notified synchronously.
func (c *RuleCache) SetChainRules(chainID string, rules []*rule.ExceptionRule, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	c.chains[chainID] = &chainEntry{
		rules:     copyRules(rules),
		fetchedAt: c.now(),
		ttl:       ttl,
	}
	c.dropSearchResultsLocked(chainID)
	subs, snapshot := c.notifySnapshotLocked(chainID)
	c.mu.Unlock()

	c.notify(subs, chainID, snapshot)
}

// Invalidate drops a chain's cached rules and search results.
func (c *RuleCache) Invalidate(chainID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chains, chainID)
	c.dropSearchResultsLocked(chainID)
}

// InvalidateAll clears the whole cache.
func (c *RuleCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains = make(map[string]*chainEntry)
	c.results = make(map[searchKey][]search.Match)
}

// validateScoped rejects rules that do not belong in the chain's cache.
// A mis-scoped write is cache corruption, so it is refused loudly rather
// than tolerated.
func (c *RuleCache) validateScoped(op, chainID string, r *rule.ExceptionRule) bool {
	if r == nil {
		c.logger.Warn("rejecting nil rule in cache mutation",
			slog.String("op", op), slog.String("chain_id", chainID))
		return false
	}
	if r.Scope != rule.ScopeChain || r.ChainID != chainID {
		c.logger.Warn("rejecting mis-scoped rule in cache mutation",
			slog.String("op", op),
			slog.String("chain_id", chainID),
			slog.String("rule_id", r.ID),
			slog.String("rule_scope", string(r.Scope)),
			slog.String("rule_chain_id", r.ChainID))
		return false
	}
	return true
}

// AddRuleToChain appends a rule to a chain's cached list without a refetch.
// Mis-scoped rules are logged and ignored. A no-op when the chain is not
// cached: the next read misses and repopulates from the repository.
func (c *RuleCache) AddRuleToChain(chainID string, r *rule.ExceptionRule) {
	if !c.validateScoped("add", chainID, r) {
		return
	}

	c.mu.Lock()
	entry, ok := c.chains[chainID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cp := *r
	entry.rules = append(entry.rules, &cp)
	c.dropSearchResultsLocked(chainID)
	subs, snapshot := c.notifySnapshotLocked(chainID)
	c.mu.Unlock()

	c.notify(subs, chainID, snapshot)
}

// RemoveRuleFromChain removes a rule id from a chain's cached list.
func (c *RuleCache) RemoveRuleFromChain(chainID, ruleID string) {
	c.mu.Lock()
	entry, ok := c.chains[chainID]
	if !ok {
		c.mu.Unlock()
		return
	}
	filtered := entry.rules[:0]
	for _, r := range entry.rules {
		if r.ID != ruleID {
			filtered = append(filtered, r)
		}
	}
	entry.rules = filtered
	c.dropSearchResultsLocked(chainID)
	subs, snapshot := c.notifySnapshotLocked(chainID)
	c.mu.Unlock()

	c.notify(subs, chainID, snapshot)
}

// UpdateRuleInChain replaces a rule in a chain's cached list in place.
// Mis-scoped rules are logged and ignored.
func (c *RuleCache) UpdateRuleInChain(chainID string, updated *rule.ExceptionRule) {
	if !c.validateScoped("update", chainID, updated) {
		return
	}

	c.mu.Lock()
	entry, ok := c.chains[chainID]
	if !ok {
		c.mu.Unlock()
		return
	}
	for i, r := range entry.rules {
		if r.ID == updated.ID {
			cp := *updated
			entry.rules[i] = &cp
			break
		}
	}
	c.dropSearchResultsLocked(chainID)
	subs, snapshot := c.notifySnapshotLocked(chainID)
	c.mu.Unlock()

	c.notify(subs, chainID, snapshot)
}

// SearchResults returns cached search results for (chainID, query), or nil.
// The query key is normalized, so "喝水 " and "喝水" share an entry.
func (c *RuleCache) SearchResults(chainID, query string) []search.Match {
	key := searchKey{chainID: chainID, query: rule.NormalizeName(query)}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[key]
}

// SetSearchResults caches search results for (chainID, query). Results live
// until the chain's rule list next changes; a stale hit referencing removed
// or renamed rules would be a correctness bug, which is why every list
// mutation drops them.
func (c *RuleCache) SetSearchResults(chainID, query string, matches []search.Match) {
	key := searchKey{chainID: chainID, query: rule.NormalizeName(query)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = matches
}

func (c *RuleCache) dropSearchResultsLocked(chainID string) {
	for key := range c.results {
		if key.chainID == chainID {
			delete(c.results, key)
		}
	}
}

// Subscribe registers a callback for cached-list changes and returns its
// unsubscribe function. Notification is synchronous and in registration
// order.
func (c *RuleCache) Subscribe(fn Subscriber) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *RuleCache) notifySnapshotLocked(chainID string) ([]subscription, []*rule.ExceptionRule) {
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	var snapshot []*rule.ExceptionRule
	if entry, ok := c.chains[chainID]; ok {
		snapshot = copyRules(entry.rules)
	}
	return subs, snapshot
}

// notify runs outside the cache lock so a subscriber can read the cache.
// A panicking subscriber is isolated: it is logged and the remaining
// subscribers still run, and the mutation that triggered the notification
// never observes the failure.
func (c *RuleCache) notify(subs []subscription, chainID string, rules []*rule.ExceptionRule) {
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("cache subscriber panicked",
						slog.String("chain_id", chainID), slog.Any("panic", r))
				}
			}()
			s.fn(chainID, rules)
		}()
	}
}

// Preload populates the chain's cache through loader if it is not already
// cached. Already-cached chains are a no-op. A loader failure is logged and
// swallowed: preload is best-effort, reads always have the miss path.
func (c *RuleCache) Preload(ctx context.Context, chainID string, loader Loader) {
	c.mu.Lock()
	entry, ok := c.chains[chainID]
	fresh := ok && c.now().Sub(entry.fetchedAt) <= entry.ttl
	c.mu.Unlock()
	if fresh {
		return
	}

	rules, err := loader(ctx, chainID)
	if err != nil {
		c.logger.Warn("chain preload failed",
			slog.String("chain_id", chainID), slog.Any("error", err))
		return
	}
	c.SetChainRules(chainID, rules, 0)
}

func copyRules(rules []*rule.ExceptionRule) []*rule.ExceptionRule {
	out := make([]*rule.ExceptionRule, len(rules))
	for i, r := range rules {
		cp := *r
		out[i] = &cp
	}
	return out
}
