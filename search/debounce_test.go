package search

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/ruleengine/rule"
)

func TestSearchDebouncedLastCallWins(t *testing.T) {
	rules := []*rule.ExceptionRule{
		mkRule("r1", "water", 0),
		mkRule("r2", "tea", 0),
	}
	o := NewOptimizer()
	o.SetDebounceInterval(20 * time.Millisecond)

	var mu sync.Mutex
	var queries []string

	record := func(query string) func([]Match) {
		return func(matches []Match) {
			mu.Lock()
			defer mu.Unlock()
			queries = append(queries, query)
		}
	}

	// a burst of keystrokes: only the final query may reach its callback
	o.SearchDebounced(rules, "w", record("w"))
	o.SearchDebounced(rules, "wa", record("wa"))
	o.SearchDebounced(rules, "water", record("water"))

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 1)
	assert.Equal(t, "water", queries[0])
}

func TestSearchDebouncedDeliversResults(t *testing.T) {
	rules := []*rule.ExceptionRule{mkRule("r1", "water", 0)}
	o := NewOptimizer()
	o.SetDebounceInterval(10 * time.Millisecond)

	done := make(chan []Match, 1)
	o.SearchDebounced(rules, "water", func(matches []Match) {
		done <- matches
	})

	select {
	case matches := <-done:
		require.Len(t, matches, 1)
		assert.Equal(t, MatchExact, matches[0].MatchType)
	case <-time.After(time.Second):
		t.Fatal("debounced callback never fired")
	}
}

func TestSearchDebouncedPanicIsContained(t *testing.T) {
	rules := []*rule.ExceptionRule{mkRule("r1", "water", 0)}
	o := NewOptimizer()
	o.SetDebounceInterval(10 * time.Millisecond)

	o.SearchDebounced(rules, "water", func([]Match) {
		panic("subscriber bug")
	})

	// the panic must die inside the timer goroutine, not crash the test
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	o.SearchDebounced(rules, "water", func([]Match) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("optimizer unusable after a panicking callback")
	}
}
