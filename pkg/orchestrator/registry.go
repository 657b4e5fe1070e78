package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/conductor/pkg/agent"
)

var ErrAgentNotFound = errors.New("agent not found")

// Registry holds the agents the orchestrator may route to, keyed by name.
type Registry struct {
	agents map[string]agent.Runner
	mu     sync.RWMutex
}

// NewRegistry creates a new agent registry
func NewRegistry(runners ...agent.Runner) *Registry {
	r := &Registry{
		agents: make(map[string]agent.Runner),
	}
	for _, runner := range runners {
		_ = r.Register(runner)
	}
	return r
}

// Register adds an agent under its Info().Name.
func (r *Registry) Register(runner agent.Runner) error {
	if runner == nil {
		return errors.New("agent is nil")
	}
	name := runner.Info().Name
	if strings.TrimSpace(name) == "" {
		return errors.New("agent name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent already registered: %s", name)
	}

	r.agents[name] = runner
	return nil
}

// Unregister removes an agent
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	delete(r.agents, name)
	return nil
}

// Get retrieves an agent by name
func (r *Registry) Get(name string) (agent.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	return runner, nil
}

// List returns the info of every agent, sorted by name.
func (r *Registry) List() []agent.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]agent.Info, 0, len(r.agents))
	for _, runner := range r.agents {
		infos = append(infos, runner.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// Exists checks if an agent is registered
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[name]
	return exists
}

// Count returns the number of registered agents
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.agents)
}
