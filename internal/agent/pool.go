package agent

import (
	"errors"
	"fmt"
	"sync"

	"taskmesh/internal/task/engine"
)

var ErrDuplicateAgent = errors.New("agent already registered")

// Pool hands out idle agents round-robin and marks them busy until Release.
type Pool struct {
	mu     sync.Mutex
	agents []engine.Agent
	busy   map[string]bool
	next   int
}

var _ engine.AgentPool = (*Pool)(nil)

func NewPool() *Pool {
	return &Pool{busy: map[string]bool{}}
}

// Register adds agents to the pool. Ids must be unique.
func (p *Pool) Register(agents ...engine.Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range agents {
		if a == nil {
			continue
		}
		if p.indexLocked(a.ID()) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID())
		}
		p.agents = append(p.agents, a)
	}
	return nil
}

// Unregister removes an agent. A busy agent finishes its current task first;
// its Release becomes a no-op.
func (p *Pool) Unregister(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(id)
	if i < 0 {
		return false
	}
	p.agents = append(p.agents[:i], p.agents[i+1:]...)
	delete(p.busy, id)
	return true
}

func (p *Pool) AvailableAgent() (engine.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.agents)
	for i := 0; i < n; i++ {
		a := p.agents[(p.next+i)%n]
		if p.busy[a.ID()] {
			continue
		}
		p.busy[a.ID()] = true
		p.next = (p.next + i + 1) % n
		return a, true
	}
	return nil, false
}

// Release marks a as idle again.
func (p *Pool) Release(a engine.Agent) {
	if a == nil {
		return
	}
	p.mu.Lock()
	delete(p.busy, a.ID())
	p.mu.Unlock()
}

type Stats struct {
	Total int
	Busy  int
	Idle  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Total: len(p.agents)}
	for _, a := range p.agents {
		if p.busy[a.ID()] {
			st.Busy++
		}
	}
	st.Idle = st.Total - st.Busy
	return st
}

func (p *Pool) indexLocked(id string) int {
	for i, a := range p.agents {
		if a.ID() == id {
			return i
		}
	}
	return -1
}
