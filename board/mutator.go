package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/danielbech/machi-os-sub000/domain"
)

// TaskPatch carries the optional fields of a task update. Nil fields are left
// untouched.
type TaskPatch struct {
	Title       *string                 `json:"title,omitempty"`
	Description *string                 `json:"description,omitempty"`
	Priority    *domain.Priority        `json:"priority,omitempty"`
	Done        *bool                   `json:"done,omitempty"`
	Assignees   *[]string               `json:"assignees,omitempty"`
	Client      *string                 `json:"client,omitempty"`
	Day         *string                 `json:"day,omitempty"`
	FolderID    *string                 `json:"folderId,omitempty"`
	Kind        *domain.Kind            `json:"kind,omitempty"`
	Checklist   *[]domain.ChecklistItem `json:"checklist,omitempty"`
	Order       *int                    `json:"order,omitempty"`
}

// Mutator implements the optimistic mutation protocol: every operation applies
// to the local store synchronously and returns, arms the suppression lease,
// then hands the corresponding gateway write to the async writer. Gateway
// failures never roll the local state back; the writer marks abandoned rows
// unsynced instead.
//
// The mutator's mutex is the session's single critical section: compound
// read-modify-write operations and the reconciler's wholesale replace are
// serialized through it and never interleave.
type Mutator struct {
	scopeID string
	store   *Store
	gw      Gateway
	writer  *writer
	lease   *SuppressionLease
	window  time.Duration
	logger  *log.Logger

	mu sync.Mutex
}

func NewMutator(scopeID string, store *Store, gw Gateway, lease *SuppressionLease, cfg Config, logger *log.Logger) *Mutator {
	cfg = cfg.withDefaults()
	m := &Mutator{
		scopeID: scopeID,
		store:   store,
		gw:      gw,
		writer:  newWriter(cfg.Writer, store, logger),
		lease:   lease,
		window:  cfg.SuppressionWindow,
		logger:  logger,
	}
	return m
}

// Flush blocks until all queued gateway writes have been processed. Intended
// for tests and shutdown.
func (m *Mutator) Flush() { m.writer.flush() }

// Close drains the writer and stops it.
func (m *Mutator) Close() { m.writer.close() }

// ReplaceAll is the reconciler's wholesale replace, routed through the session
// critical section.
func (m *Mutator) ReplaceAll(tasks []domain.Task, folders []domain.Folder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Replace(tasks, folders)
}

// CreateTask applies the new task locally and schedules the insert. The
// returned task carries a placeholder id until the gateway write resolves, at
// which point every store reference is rewritten to the durable id.
func (m *Mutator) CreateTask(t domain.Task) (domain.Task, bool) {
	if m.scopeID == "" {
		return domain.Task{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = domain.NewPlaceholderID()
	}
	if t.Kind == "" {
		t.Kind = domain.KindTask
	}
	for i := range t.Checklist {
		if t.Checklist[i].ID == "" {
			t.Checklist[i].ID = domain.NewPlaceholderID()
		}
	}
	if !m.folderInScope(t) {
		m.logger.WithFields(log.Fields{"task": t.ID, "folder": t.FolderID}).Warn("cross-client folder assignment dropped")
		t.FolderID = ""
	}
	t.Order = len(m.store.Container(t.ContainerKey()))
	m.store.Put(t)

	placeholder := t.ID
	snapshot := t.Clone()
	m.armAndEnqueue(writeJob{kind: "create-task", ids: []string{placeholder}, apply: func(ctx context.Context) error {
		durable, err := m.gw.UpsertTask(ctx, m.scopeID, snapshot)
		if err != nil {
			return err
		}
		if durable != placeholder {
			m.store.RewriteID(placeholder, durable)
		}
		return nil
	}})
	return t, true
}

// UpdateTask merges the patch into the task and schedules the upsert. While
// the task still carries a placeholder id the write is skipped; a later write
// picks the row up once the create has resolved.
func (m *Mutator) UpdateTask(id string, p TaskPatch) (domain.Task, bool) {
	if m.scopeID == "" {
		return domain.Task{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id = m.store.ResolveID(id)
	t, ok := m.store.Get(id)
	if !ok {
		return domain.Task{}, false
	}

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Done != nil {
		t.Done = *p.Done
	}
	if p.Assignees != nil {
		t.Assignees = append([]string(nil), (*p.Assignees)...)
	}
	if p.Client != nil {
		t.Client = *p.Client
	}
	if p.Day != nil {
		if *p.Day == "" || domain.IsDayKey(*p.Day) {
			t.Day = *p.Day
		} else {
			m.logger.WithFields(log.Fields{"task": id, "day": *p.Day}).Warn("unknown day ignored")
		}
	}
	if p.Kind != nil {
		t.Kind = *p.Kind
	}
	if p.FolderID != nil {
		t.FolderID = *p.FolderID
		if !m.folderInScope(t) {
			m.logger.WithFields(log.Fields{"task": id, "folder": t.FolderID}).Warn("cross-client folder assignment ignored")
			t.FolderID, _ = currentFolder(m.store, id)
		}
	}
	if p.Checklist != nil {
		t.Checklist = append([]domain.ChecklistItem(nil), (*p.Checklist)...)
		for i := range t.Checklist {
			if t.Checklist[i].ID == "" {
				t.Checklist[i].ID = domain.NewPlaceholderID()
			}
		}
		// A non-empty checklist edit overrides the manual done flag.
		if len(t.Checklist) > 0 {
			t.Done = t.ChecklistComplete()
		}
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
	m.store.Put(t)

	snapshot := t.Clone()
	m.armAndEnqueue(writeJob{kind: "update-task", ids: []string{id}, apply: func(ctx context.Context) error {
		rowID := m.store.ResolveID(snapshot.ID)
		if domain.IsPlaceholderID(rowID) {
			return nil
		}
		row := snapshot.Clone()
		row.ID = rowID
		_, err := m.gw.UpsertTask(ctx, m.scopeID, row)
		return err
	}})
	return t, true
}

// DeleteTask removes the task locally and schedules the row delete.
func (m *Mutator) DeleteTask(id string) bool {
	if m.scopeID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id = m.store.ResolveID(id)
	if !m.store.Remove(id) {
		return false
	}
	m.armAndEnqueue(writeJob{kind: "delete-task", apply: func(ctx context.Context) error {
		rowID := m.store.ResolveID(id)
		if domain.IsPlaceholderID(rowID) {
			return nil
		}
		return m.gw.DeleteTask(ctx, m.scopeID, rowID)
	}})
	return true
}

// CommitOrder persists a committed reorder: the full ordered list with dense
// per-container ordinals, written as one batched upsert. Placeholder rows are
// applied locally but filtered from the batch until they acquire durable ids.
func (m *Mutator) CommitOrder(ordered []domain.Task) {
	if m.scopeID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitOrderLocked(ordered)
}

// ReorderAll arranges the collection to a client's proposed ordering and
// commits the result. Reading the snapshot and committing happen under one
// lock hold, so mutations landing during the arrange cannot be clobbered.
func (m *Mutator) ReorderAll(proposal []OrderEntry) {
	if m.scopeID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ordered := ApplyProposedOrder(m.store.Snapshot(), m.store.Folders(), proposal)
	m.commitOrderLocked(ordered)
}

func (m *Mutator) commitOrderLocked(ordered []domain.Task) {
	ordered = DenseOrdinals(ordered)
	m.store.ApplyOrder(ordered)

	batch := make([]domain.Task, 0, len(ordered))
	ids := make([]string, 0, len(ordered))
	for _, t := range ordered {
		batch = append(batch, t.Clone())
		ids = append(ids, t.ID)
	}
	m.armAndEnqueue(writeJob{kind: "reorder", ids: ids, apply: func(ctx context.Context) error {
		rows := make([]domain.Task, 0, len(batch))
		for _, t := range batch {
			rowID := m.store.ResolveID(t.ID)
			if domain.IsPlaceholderID(rowID) {
				continue
			}
			row := t.Clone()
			row.ID = rowID
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return nil
		}
		return m.gw.UpsertTasks(ctx, m.scopeID, rows)
	}})
}

// MoveTask performs the single-step cross-surface move of a task to the given
// container, appending it at the end. Illegal cross-scope targets are no-ops.
func (m *Mutator) MoveTask(id, containerKey string) bool {
	if m.scopeID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id = m.store.ResolveID(id)
	moved, ok := MoveToContainer(m.store.Snapshot(), m.store.Folders(), id, containerKey)
	if !ok {
		return false
	}
	m.commitOrderLocked(moved)
	return true
}

// CreateFolder adds a backlog folder for a client.
func (m *Mutator) CreateFolder(f domain.Folder) (domain.Folder, bool) {
	if m.scopeID == "" || f.Client == "" {
		return domain.Folder{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.ID == "" {
		f.ID = domain.NewPlaceholderID()
	}
	siblings := 0
	for _, existing := range m.store.Folders() {
		if existing.Client == f.Client {
			siblings++
		}
	}
	f.Order = siblings
	m.store.PutFolder(f)

	placeholder := f.ID
	snapshot := f
	m.armAndEnqueue(writeJob{kind: "create-folder", apply: func(ctx context.Context) error {
		durable, err := m.gw.UpsertFolder(ctx, m.scopeID, snapshot)
		if err != nil {
			return err
		}
		if durable != placeholder {
			m.store.RewriteFolderID(placeholder, durable)
		}
		return nil
	}})
	return f, true
}

// RenameFolder updates the folder's name.
func (m *Mutator) RenameFolder(id, name string) bool {
	if m.scopeID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *domain.Folder
	for _, f := range m.store.Folders() {
		if f.ID == id {
			f.Name = name
			found = &f
			break
		}
	}
	if found == nil {
		return false
	}
	m.store.PutFolder(*found)
	snapshot := *found
	m.armAndEnqueue(writeJob{kind: "rename-folder", apply: func(ctx context.Context) error {
		if domain.IsPlaceholderID(snapshot.ID) {
			return nil
		}
		_, err := m.gw.UpsertFolder(ctx, m.scopeID, snapshot)
		return err
	}})
	return true
}

// DeleteFolder removes the folder and reassigns its tasks to the client's
// unsorted group, appended after the existing unsorted tasks in their original
// relative order. The tasks themselves are never deleted.
func (m *Mutator) DeleteFolder(id string) bool {
	if m.scopeID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var folder *domain.Folder
	for _, f := range m.store.Folders() {
		if f.ID == id {
			folder = &f
			break
		}
	}
	if folder == nil {
		return false
	}

	m.store.RemoveFolder(id)
	reassigned := make([]domain.Task, 0)
	ordered := m.store.Snapshot()
	for i := range ordered {
		if ordered[i].FolderID == id {
			ordered[i].FolderID = ""
			reassigned = append(reassigned, ordered[i])
		}
	}
	ordered = DenseOrdinals(ordered)
	m.store.ApplyOrder(ordered)

	ids := make([]string, 0, len(reassigned))
	for _, t := range reassigned {
		ids = append(ids, t.ID)
	}
	batch := append([]domain.Task(nil), ordered...)
	m.armAndEnqueue(writeJob{kind: "delete-folder", ids: ids, apply: func(ctx context.Context) error {
		if !domain.IsPlaceholderID(id) {
			if err := m.gw.DeleteFolder(ctx, m.scopeID, id); err != nil {
				return err
			}
		}
		rows := make([]domain.Task, 0, len(batch))
		for _, t := range batch {
			rowID := m.store.ResolveID(t.ID)
			if domain.IsPlaceholderID(rowID) {
				continue
			}
			row := t.Clone()
			row.ID = rowID
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return nil
		}
		return m.gw.UpsertTasks(ctx, m.scopeID, rows)
	}})
	return true
}

// applyRollover is the transition machine's write path: remove the discard set,
// re-home the carried tasks, all through the same lease-armed async pipeline.
func (m *Mutator) applyRollover(discard []string, carried []domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range discard {
		m.store.Remove(id)
	}
	// Re-append carried rows so the list order matches their new ordinals.
	for _, t := range carried {
		m.store.Remove(t.ID)
		m.store.Put(t)
	}

	discardCopy := append([]string(nil), discard...)
	carriedCopy := make([]domain.Task, 0, len(carried))
	carriedIDs := make([]string, 0, len(carried))
	for _, t := range carried {
		carriedCopy = append(carriedCopy, t.Clone())
		carriedIDs = append(carriedIDs, t.ID)
	}
	m.armAndEnqueue(writeJob{kind: "rollover", ids: carriedIDs, apply: func(ctx context.Context) error {
		deletable := make([]string, 0, len(discardCopy))
		for _, id := range discardCopy {
			rowID := m.store.ResolveID(id)
			if !domain.IsPlaceholderID(rowID) {
				deletable = append(deletable, rowID)
			}
		}
		if len(deletable) > 0 {
			if err := m.gw.DeleteTasks(ctx, m.scopeID, deletable); err != nil {
				return err
			}
		}
		rows := make([]domain.Task, 0, len(carriedCopy))
		for _, t := range carriedCopy {
			rowID := m.store.ResolveID(t.ID)
			if domain.IsPlaceholderID(rowID) {
				continue
			}
			row := t.Clone()
			row.ID = rowID
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return nil
		}
		return m.gw.UpsertTasks(ctx, m.scopeID, rows)
	}})
}

// armAndEnqueue arms the suppression lease immediately before handing the
// write off, so the echoed feed event lands inside the window.
func (m *Mutator) armAndEnqueue(job writeJob) {
	m.lease.Arm(m.window)
	m.writer.enqueue(job)
}

func (m *Mutator) folderInScope(t domain.Task) bool {
	if t.FolderID == "" {
		return true
	}
	for _, f := range m.store.Folders() {
		if f.ID == t.FolderID {
			return f.Client == t.Client
		}
	}
	return false
}

func currentFolder(s *Store, id string) (string, bool) {
	t, ok := s.Get(id)
	if !ok {
		return "", false
	}
	return t.FolderID, true
}
