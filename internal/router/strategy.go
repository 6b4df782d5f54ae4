package router

import (
	"strings"
	"sync"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

// Candidate is one routable deployment together with the runtime statistics
// a strategy may weigh. Candidates are built fresh per dispatch so strategies
// see a consistent snapshot.
type Candidate struct {
	Deployment   conduit.Deployment
	UsageCount   int64
	AvgLatencyMS float64
	LastUsed     time.Time
}

// Strategy picks one candidate from a non-empty list. Implementations are
// stateless and safe for concurrent use; the index returned must be within
// range.
type Strategy interface {
	Name() string
	Select(cands []Candidate) int
}

// simpleStrategy always picks the first candidate.
type simpleStrategy struct{}

func (simpleStrategy) Name() string           { return "simple" }
func (simpleStrategy) Select([]Candidate) int { return 0 }

// leastUsedStrategy picks the candidate with the smallest usage counter,
// first on ties. Over time this converges to round-robin.
type leastUsedStrategy struct{}

func (leastUsedStrategy) Name() string { return "roundrobin" }

func (leastUsedStrategy) Select(cands []Candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].UsageCount < cands[best].UsageCount {
			best = i
		}
	}
	return best
}

// leastCostStrategy picks the cheapest input rate, ties broken by output
// rate, then by position.
type leastCostStrategy struct{}

func (leastCostStrategy) Name() string { return "leastcost" }

func (leastCostStrategy) Select(cands []Candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		bi, bb := cands[i].Deployment, cands[best].Deployment
		switch bi.InputCostPer1K.Cmp(bb.InputCostPer1K) {
		case -1:
			best = i
		case 0:
			if bi.OutputCostPer1K.Cmp(bb.OutputCostPer1K) < 0 {
				best = i
			}
		}
	}
	return best
}

// leastLatencyStrategy picks the smallest rolling average latency. Untried
// deployments report zero and therefore sort first, which gives every
// deployment an initial measurement.
type leastLatencyStrategy struct{}

func (leastLatencyStrategy) Name() string { return "leastlatency" }

func (leastLatencyStrategy) Select(cands []Candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].AvgLatencyMS < cands[best].AvgLatencyMS {
			best = i
		}
	}
	return best
}

// priorityStrategy picks the lowest priority value, first on ties.
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return "priority" }

func (priorityStrategy) Select(cands []Candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].Deployment.Priority < cands[best].Deployment.Priority {
			best = i
		}
	}
	return best
}

// strategyRegistry caches strategy instances by name. Unrecognized names
// resolve to simple, so a lookup never returns nil.
type strategyRegistry struct {
	mu sync.RWMutex
	m  map[string]Strategy
}

func newStrategyRegistry() *strategyRegistry {
	return &strategyRegistry{m: make(map[string]Strategy)}
}

func (r *strategyRegistry) get(name string) Strategy {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	s, ok := r.m[key]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[key]; ok {
		return s
	}
	s = buildStrategy(key)
	r.m[key] = s
	return s
}

func buildStrategy(name string) Strategy {
	switch name {
	case "roundrobin", "leastused":
		return leastUsedStrategy{}
	case "leastcost":
		return leastCostStrategy{}
	case "leastlatency":
		return leastLatencyStrategy{}
	case "priority":
		return priorityStrategy{}
	default:
		return simpleStrategy{}
	}
}
