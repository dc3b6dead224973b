// Package knowledge maintains the shared agent context for a running
// conversation: the currently retrieved knowledge snippet and the accumulated
// reward table, plus the prompt builder that folds both into a system prompt.
//
// A single [SharedContext] is created at process start and handed to every
// component that reads or writes it — the reward stage, the background
// retrieval updater, the operational context-injection endpoint, and the
// prompt builder. All access is mutually exclusive at the granularity of a
// single call; critical sections never span I/O.
package knowledge

import (
	"fmt"
	"sync"
)

// CompositeKey indexes one entry of the reward table. All three parts must be
// non-empty for a key to be stored.
type CompositeKey struct {
	// SituationHash identifies the situation the action was taken in,
	// typically a content hash of the observed scene.
	SituationHash string

	// Intent is the recognised intent the action served.
	Intent string

	// ActuatorID identifies the actuator target, e.g. a coordinate mask id.
	ActuatorID string
}

// String renders the key in the "situation:intent:actuator" form used in
// logs and in the persistence layer.
func (k CompositeKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.SituationHash, k.Intent, k.ActuatorID)
}

// SharedContext holds the mutable state shared between the pipeline and its
// background collaborators. Snippet writes are last-write-wins; reward
// updates are additive. Safe for concurrent use.
type SharedContext struct {
	mu      sync.RWMutex
	snippet string
	rewards map[CompositeKey]float64
}

// NewSharedContext returns an empty SharedContext.
func NewSharedContext() *SharedContext {
	return &SharedContext{rewards: make(map[CompositeKey]float64)}
}

// SetKnowledge replaces the current knowledge snippet.
func (c *SharedContext) SetKnowledge(s string) {
	c.mu.Lock()
	c.snippet = s
	c.mu.Unlock()
}

// Knowledge returns the current knowledge snippet. A reader always observes
// a fully written snippet, never a partial one.
func (c *SharedContext) Knowledge() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snippet
}

// ClearKnowledge resets the snippet to empty.
func (c *SharedContext) ClearKnowledge() {
	c.SetKnowledge("")
}

// AddReward increments the accumulator for key by delta and returns the new
// total. Rewards accumulate; they are never overwritten.
func (c *SharedContext) AddReward(key CompositeKey, delta float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewards[key] += delta
	return c.rewards[key]
}

// Reward returns the accumulated reward for key and whether an entry exists.
func (c *SharedContext) Reward(key CompositeKey) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.rewards[key]
	return v, ok
}

// BestReward returns the entry with the highest accumulated reward. Ties are
// broken by key order so the result is deterministic. ok is false when the
// table is empty.
func (c *SharedContext) BestReward() (key CompositeKey, reward float64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for k, v := range c.rewards {
		if !ok || v > reward || (v == reward && lessKey(k, key)) {
			key, reward, ok = k, v, true
		}
	}
	return key, reward, ok
}

// RewardCount returns the number of distinct composite keys in the table.
func (c *SharedContext) RewardCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rewards)
}

// Rewards returns a copy of the reward table.
func (c *SharedContext) Rewards() map[CompositeKey]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[CompositeKey]float64, len(c.rewards))
	for k, v := range c.rewards {
		out[k] = v
	}
	return out
}

// lessKey orders composite keys lexicographically by their three parts.
func lessKey(a, b CompositeKey) bool {
	if a.SituationHash != b.SituationHash {
		return a.SituationHash < b.SituationHash
	}
	if a.Intent != b.Intent {
		return a.Intent < b.Intent
	}
	return a.ActuatorID < b.ActuatorID
}
