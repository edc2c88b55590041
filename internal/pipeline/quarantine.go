package pipeline

import "sync"

const defaultQuarantineThreshold = 3

// quarantine tracks consecutive sandbox timeouts per module. Once the
// threshold is reached the module's bound tables reject every intent
// until an operator reload clears it; a single slow call never
// quarantines.
type quarantine struct {
	threshold int

	mu       sync.Mutex
	timeouts map[string]int
	banned   map[string]bool
}

func newQuarantine(threshold int) *quarantine {
	if threshold <= 0 {
		threshold = defaultQuarantineThreshold
	}
	return &quarantine{
		threshold: threshold,
		timeouts:  map[string]int{},
		banned:    map[string]bool{},
	}
}

// recordTimeout counts one timeout and reports whether the module just
// crossed into quarantine.
func (q *quarantine) recordTimeout(module string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.banned[module] {
		return false
	}
	q.timeouts[module]++
	if q.timeouts[module] >= q.threshold {
		q.banned[module] = true
		return true
	}
	return false
}

// recordSuccess resets the consecutive-timeout count. It does not lift
// an existing quarantine; only clear does.
func (q *quarantine) recordSuccess(module string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.banned[module] {
		q.timeouts[module] = 0
	}
}

func (q *quarantine) isQuarantined(module string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.banned[module]
}

// clear lifts the quarantine after an operator reload. It reports
// whether the module was actually banned, so callers can tell a
// recovery from a routine version swap.
func (q *quarantine) clear(module string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	lifted := q.banned[module]
	delete(q.banned, module)
	delete(q.timeouts, module)
	return lifted
}
