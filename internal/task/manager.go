package task

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("task: not found")

// Manager is the process-wide registry of tasks, unique by slug. All
// registry mutation goes through one mutex; individual task supervision
// stays independently concurrent.
type Manager struct {
	mu    sync.Mutex
	tasks []*Task
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{}
}

// Add starts the task and registers it. An existing entry with the same slug
// is dropped from the registry; its process is NOT stopped and keeps running
// detached.
func (m *Manager) Add(t *Task) error {
	if _, err := t.Run(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, old := range m.tasks {
		if old.Slug == t.Slug {
			log.Warn().Str("slug", t.Slug).Msg("replacing registered task; old process left running")
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			break
		}
	}
	m.tasks = append(m.tasks, t)
	return nil
}

// Get returns the first registered task with the given slug.
func (m *Manager) Get(slug string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Slug == slug {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

// List returns a snapshot of the registry in registration order.
func (m *Manager) List() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// Remove evicts a task from the registry without stopping its process,
// mirroring the replacement semantics of Add. It reports whether an entry
// was removed.
func (m *Manager) Remove(slug string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.Slug == slug {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return true
		}
	}
	return false
}
