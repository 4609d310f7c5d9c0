package board

import (
	"sync"

	"github.com/danielbech/machi-os-sub000/domain"
)

// Store is the local order store for one session: the in-memory ordered task
// collection, partitioned by container key, plus the folder list needed for
// scope checks. It is owned exclusively by its session; writes arrive either
// through the Mutator or through the Reconciler's wholesale Replace, never
// both mid-mutation.
type Store struct {
	mu       sync.RWMutex
	tasks    []domain.Task
	index    map[string]int
	folders  []domain.Folder
	rewrites map[string]string
	unsynced map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		index:    make(map[string]int),
		rewrites: make(map[string]string),
		unsynced: make(map[string]struct{}),
	}
}

// Replace swaps the whole collection for freshly loaded gateway rows. Pending
// rewrite records survive so in-flight write jobs can still resolve ids;
// unsynced markers are cleared because the reload is now the source of truth.
func (s *Store) Replace(tasks []domain.Task, folders []domain.Folder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make([]domain.Task, 0, len(tasks))
	s.index = make(map[string]int, len(tasks))
	for _, t := range tasks {
		s.index[t.ID] = len(s.tasks)
		s.tasks = append(s.tasks, t.Clone())
	}
	s.folders = append([]domain.Folder(nil), folders...)
	s.unsynced = make(map[string]struct{})
}

// Snapshot returns a deep copy of the ordered task list.
func (s *Store) Snapshot() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Folders returns a copy of the folder list.
func (s *Store) Folders() []domain.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Folder(nil), s.folders...)
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return domain.Task{}, false
	}
	return s.tasks[i].Clone(), true
}

// Put inserts the task at the end of the list or updates it in place when the
// id already exists.
func (s *Store) Put(t domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[t.ID]; ok {
		s.tasks[i] = t.Clone()
		return
	}
	s.index[t.ID] = len(s.tasks)
	s.tasks = append(s.tasks, t.Clone())
}

// Remove deletes the task and reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
	delete(s.index, id)
	delete(s.unsynced, id)
	for j := i; j < len(s.tasks); j++ {
		s.index[s.tasks[j].ID] = j
	}
	return true
}

// RewriteID atomically replaces a placeholder id with the durable id assigned
// by the gateway. The mapping is retained so write jobs queued against the
// placeholder can resolve it later.
func (s *Store) RewriteID(old, durable string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewrites[old] = durable
	i, ok := s.index[old]
	if !ok {
		return false
	}
	delete(s.index, old)
	s.index[durable] = i
	s.tasks[i].ID = durable
	if _, marked := s.unsynced[old]; marked {
		delete(s.unsynced, old)
		s.unsynced[durable] = struct{}{}
	}
	return true
}

// ResolveID follows recorded placeholder rewrites and returns the most durable
// id known for the given one.
func (s *Store) ResolveID(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		next, ok := s.rewrites[id]
		if !ok {
			return id
		}
		id = next
	}
}

// RewriteFolderID replaces a placeholder folder id with its durable id, both
// on the folder itself and on every task referencing it.
func (s *Store) RewriteFolderID(old, durable string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.folders {
		if s.folders[i].ID == old {
			s.folders[i].ID = durable
		}
	}
	for i := range s.tasks {
		if s.tasks[i].FolderID == old {
			s.tasks[i].FolderID = durable
		}
	}
}

// PutFolder inserts or updates a folder.
func (s *Store) PutFolder(f domain.Folder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.folders {
		if s.folders[i].ID == f.ID {
			s.folders[i] = f
			return
		}
	}
	s.folders = append(s.folders, f)
}

// RemoveFolder deletes the folder record. Task reassignment is the Mutator's job.
func (s *Store) RemoveFolder(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.folders {
		if s.folders[i].ID == id {
			s.folders = append(s.folders[:i], s.folders[i+1:]...)
			return true
		}
	}
	return false
}

// Container returns copies of the tasks in the given container, in list order.
func (s *Store) Container(key string) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.ContainerKey() == key {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ApplyOrder replaces the task list with a committed ordering. Tasks absent
// from the new ordering (raced deletions) are dropped.
func (s *Store) ApplyOrder(ordered []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make([]domain.Task, 0, len(ordered))
	s.index = make(map[string]int, len(ordered))
	for _, t := range ordered {
		s.index[t.ID] = len(s.tasks)
		s.tasks = append(s.tasks, t.Clone())
	}
}

// MarkUnsynced flags rows whose gateway write was abandoned after retries.
func (s *Store) MarkUnsynced(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			s.unsynced[id] = struct{}{}
		}
	}
}

// ClearUnsynced removes the flag after a later write for the row succeeds.
func (s *Store) ClearUnsynced(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.unsynced, id)
	}
}

// UnsyncedIDs lists rows known to have diverged from the gateway.
func (s *Store) UnsyncedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.unsynced))
	for id := range s.unsynced {
		out = append(out, id)
	}
	return out
}

// Len returns the number of tasks in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
