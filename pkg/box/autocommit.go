package box

import (
	"context"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
)

// SetAutocommit enables or disables committing after every mutation.
// Disabling it drops any scheduled commit.
func (n *Navigation) SetAutocommit(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autocommit = enabled
	if !enabled {
		n.cancelScheduledLocked()
	}
}

// SetAutocommitDelay sets the debounce window. With a zero delay, commits
// run inline in the mutating call.
func (n *Navigation) SetAutocommitDelay(delay time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = delay
}

// autocommitLocked runs after every mutation.
func (n *Navigation) autocommitLocked(ctx context.Context) error {
	if !n.autocommit {
		return nil
	}
	if n.delay <= 0 {
		return n.commitIfChangedLocked(ctx)
	}
	n.scheduleLocked()
	return nil
}

// scheduleLocked arms a commit after the delay. Every call supersedes the
// previous schedule; a timer that fires for an older generation does
// nothing.
func (n *Navigation) scheduleLocked() {
	n.generation++
	generation := n.generation
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.delay, func() {
		n.fire(generation)
	})
}

func (n *Navigation) cancelScheduledLocked() {
	n.generation++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Navigation) fire(generation uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || generation != n.generation {
		n.env.metrics.RecordAutocommit(false)
		return
	}
	n.timer = nil
	n.env.metrics.RecordAutocommit(true)

	if err := n.commitIfChangedLocked(context.Background()); err != nil {
		logger.Error("box: autocommit of %s failed: %v", n.ref, err)
	}
}
