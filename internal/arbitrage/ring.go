package arbitrage

import (
	"sync"

	"github.com/clawinfra/arbnet/internal/types"
)

// opportunityRing is a bounded FIFO of discovered opportunities with
// by-id lookup. Oldest entries are evicted when full. In-memory only.
type opportunityRing struct {
	mu    sync.RWMutex
	max   int
	order []string
	byID  map[string]types.Opportunity
}

func newOpportunityRing(max int) *opportunityRing {
	return &opportunityRing{
		max:  max,
		byID: make(map[string]types.Opportunity, max),
	}
}

func (r *opportunityRing) Add(op types.Opportunity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[op.ID]; !exists {
		r.order = append(r.order, op.ID)
	}
	r.byID[op.ID] = op

	for len(r.order) > r.max {
		evicted := r.order[0]
		r.order = r.order[1:]
		delete(r.byID, evicted)
	}
}

func (r *opportunityRing) Get(id string) (types.Opportunity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.byID[id]
	return op, ok
}

// Recent returns up to n entries, newest first.
func (r *opportunityRing) Recent(n int) []types.Opportunity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > len(r.order) {
		n = len(r.order)
	}
	out := make([]types.Opportunity, 0, n)
	for i := len(r.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.byID[r.order[i]])
	}
	return out
}

func (r *opportunityRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
