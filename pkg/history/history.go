// Package history keeps an agent's conversation log with incremental token
// accounting and capacity-bounded trimming.
package history

import (
	"sync"

	"github.com/harun/conductor/pkg/llm"
)

const (
	// DefaultCapacity is the default maximum number of retained messages.
	DefaultCapacity = 50
	// TrimThreshold is the fraction of capacity at which trimming kicks in.
	TrimThreshold = 0.8
)

// Manager is an append-only message log. The first message is never
// dropped; trimming keeps it plus at most the most recent capacity-1
// messages, starting the tail past any tool results whose calls were cut.
type Manager struct {
	mu       sync.RWMutex
	capacity int
	counter  TokenCounter
	messages []llm.Message
	tokens   int
	trims    int
	onTrim   func(removed int)
}

// Option configures a Manager
type Option func(*Manager)

// WithCounter sets the token counter. Defaults to HeuristicCounter.
func WithCounter(c TokenCounter) Option {
	return func(m *Manager) {
		if c != nil {
			m.counter = c
		}
	}
}

// WithOnTrim registers a callback invoked whenever messages are dropped.
func WithOnTrim(fn func(removed int)) Option {
	return func(m *Manager) { m.onTrim = fn }
}

// NewManager creates a history bounded to capacity messages.
func NewManager(capacity int, opts ...Option) *Manager {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	m := &Manager{
		capacity: capacity,
		counter:  HeuristicCounter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append adds msg and updates the token count in O(1). If the log would
// exceed capacity it is trimmed immediately.
func (m *Manager) Append(msg llm.Message) {
	cloned := msg.Clone()
	tokens := EstimateMessage(m.counter, cloned)

	m.mu.Lock()
	m.messages = append(m.messages, cloned)
	m.tokens += tokens
	var removed int
	if len(m.messages) > m.capacity {
		removed = m.trimLocked()
	}
	m.mu.Unlock()

	if removed > 0 && m.onTrim != nil {
		m.onTrim(removed)
	}
}

// ShouldTrim reports whether the log reached the trim threshold.
func (m *Manager) ShouldTrim() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholdReachedLocked()
}

// TrimIfNeeded trims the log once it reaches the threshold and returns the
// number of dropped messages. The token count is recomputed from the
// retained messages whenever the threshold is reached.
func (m *Manager) TrimIfNeeded() int {
	m.mu.Lock()
	if !m.thresholdReachedLocked() {
		m.mu.Unlock()
		return 0
	}
	removed := m.trimLocked()
	m.mu.Unlock()

	if removed > 0 && m.onTrim != nil {
		m.onTrim(removed)
	}
	return removed
}

func (m *Manager) thresholdReachedLocked() bool {
	return float64(len(m.messages)) >= float64(m.capacity)*TrimThreshold
}

func (m *Manager) trimLocked() int {
	removed := 0
	if len(m.messages) > m.capacity {
		start := len(m.messages) - (m.capacity - 1)
		// Tool results are only valid after the assistant turn that
		// requested them, so never open the tail on an orphaned one.
		for start < len(m.messages) && len(m.messages[start].ToolResults) > 0 {
			start++
		}
		tail := m.messages[start:]
		kept := make([]llm.Message, 0, m.capacity)
		kept = append(kept, m.messages[0])
		kept = append(kept, tail...)
		removed = len(m.messages) - len(kept)
		m.messages = kept
		m.trims++
	}

	m.tokens = 0
	for _, msg := range m.messages {
		m.tokens += EstimateMessage(m.counter, msg)
	}
	return removed
}

// Messages returns a copy of the log for building provider requests.
func (m *Manager) Messages() []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]llm.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Snapshot returns a deep copy of the log that shares no memory with it.
func (m *Manager) Snapshot() []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return llm.CloneMessages(m.messages)
}

// First returns the first message of the log.
func (m *Manager) First() (llm.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.messages) == 0 {
		return llm.Message{}, false
	}
	return m.messages[0].Clone(), true
}

// Len returns the number of retained messages.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// TokenCount returns the running token estimate of the retained messages.
func (m *Manager) TokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens
}

// Trims returns how many trims dropped messages since the last Reset.
func (m *Manager) Trims() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trims
}

// Capacity returns the configured maximum size.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Reset discards all messages.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.tokens = 0
	m.trims = 0
}
