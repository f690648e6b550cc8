package search

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chainpulse/ruleengine/rule"
)

// DefaultDebounceInterval is the quiescence window for debounced searches.
const DefaultDebounceInterval = 150 * time.Millisecond

// debouncer holds the single pending-timer slot of an optimizer. Every call
// cancels and replaces any pending timer; only the last call in a burst
// runs. The generation counter closes the window where an already-fired
// timer races its replacement: a fired callback that lost the slot checks
// the generation and returns without invoking the caller.
type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	gen      uint64
}

// SetDebounceInterval overrides the quiescence window. Zero or negative
// resets to the default.
func (o *Optimizer) SetDebounceInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultDebounceInterval
	}
	o.debouncer.mu.Lock()
	o.debouncer.interval = d
	o.debouncer.mu.Unlock()
}

// SearchDebounced schedules a search to run after the quiescence window,
// cancelling any pending search on this optimizer. Superseded calls never
// invoke their callback; that silence is part of the contract, since a UI
// keystroke burst must produce exactly one result set, for the final
// query. A failure inside the search path is logged and produces no
// callback invocation for that burst.
func (o *Optimizer) SearchDebounced(rules []*rule.ExceptionRule, query string, callback func([]Match)) {
	d := &o.debouncer
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen

	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		superseded := gen != d.gen
		d.mu.Unlock()
		if superseded {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("debounced search failed",
					slog.String("query", query), slog.Any("panic", r))
			}
		}()
		callback(o.Search(rules, query))
	})
}
