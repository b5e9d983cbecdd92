package manager

import "time"

const (
	DefaultMaxRestarts   = 5
	DefaultRestartWindow = time.Hour
)

// RestartBudget is a sliding-window restart limiter: at most max restarts
// in any trailing window. Timestamps are kept in ascending order and pruned
// from the head; an entry exactly window old no longer counts.
type RestartBudget struct {
	max    int
	window time.Duration
	starts []time.Time
}

func NewRestartBudget(max int, window time.Duration) *RestartBudget {
	if max < 0 {
		max = 0
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return &RestartBudget{max: max, window: window}
}

func (b *RestartBudget) Max() int { return b.max }

func (b *RestartBudget) Window() time.Duration { return b.window }

func (b *RestartBudget) prune(now time.Time) {
	i := 0
	for i < len(b.starts) && now.Sub(b.starts[i]) >= b.window {
		i++
	}
	if i > 0 {
		b.starts = append(b.starts[:0], b.starts[i:]...)
	}
}

// Allow prunes aged entries and, when fewer than max remain, records now
// and reports true. It reports false without recording otherwise.
func (b *RestartBudget) Allow(now time.Time) bool {
	b.prune(now)
	if len(b.starts) >= b.max {
		return false
	}
	b.starts = append(b.starts, now)
	return true
}

// Count returns how many recorded restarts are younger than the window at now.
// It does not modify the budget.
func (b *RestartBudget) Count(now time.Time) int {
	n := 0
	for _, t := range b.starts {
		if now.Sub(t) < b.window {
			n++
		}
	}
	return n
}
