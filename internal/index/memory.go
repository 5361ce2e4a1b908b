package index

import (
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
)

// MemoryIndex tracks the artifacts the backend currently serves, keyed by token.
// It is the source of truth when Redis is not configured.
type MemoryIndex struct {
	mu       sync.RWMutex
	items    map[string]domain.Artifact // token -> artifact
	lastSync time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		items: make(map[string]domain.Artifact),
	}
}

// Replace swaps the whole content, used when restoring from Redis.
func (idx *MemoryIndex) Replace(arts []domain.Artifact) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.items = make(map[string]domain.Artifact, len(arts))
	for _, a := range arts {
		idx.items[a.Token()] = a
	}
	idx.lastSync = time.Now()
}

// Add records or replaces one artifact.
func (idx *MemoryIndex) Add(art domain.Artifact) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.items[art.Token()] = art
}

// Get looks an artifact up by token.
func (idx *MemoryIndex) Get(token string) (domain.Artifact, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	a, ok := idx.items[token]
	return a, ok
}

// HasJob reports whether any artifact belongs to jobID.
func (idx *MemoryIndex) HasJob(jobID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, a := range idx.items {
		if a.JobID == jobID {
			return true
		}
	}
	return false
}

// All returns the artifacts, oldest first.
func (idx *MemoryIndex) All() []domain.Artifact {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]domain.Artifact, 0, len(idx.items))
	for _, a := range idx.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (idx *MemoryIndex) Delete(token string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.items, token)
}

// Count returns the number of indexed artifacts.
func (idx *MemoryIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.items)
}

// LastSync is the time of the last Replace, zero if never restored.
func (idx *MemoryIndex) LastSync() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.lastSync
}
