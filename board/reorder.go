package board

import (
	"github.com/danielbech/machi-os-sub000/domain"
)

// Drag is the scratch state of one pointer-drag gesture over the board or the
// backlog. The preview phase is fully local: no I/O happens until the caller
// commits the result of Drop through the mutation protocol.
type Drag struct {
	id      string
	origin  []domain.Task
	scratch []domain.Task
	scopes  map[string]string // folder id -> client
}

// BeginDrag starts a gesture for the task with the given id over a snapshot of
// the ordered collection. It returns false when the task is not part of the
// snapshot.
func BeginDrag(tasks []domain.Task, folders []domain.Folder, id string) (*Drag, bool) {
	found := false
	for _, t := range tasks {
		if t.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}
	d := &Drag{
		id:      id,
		origin:  cloneList(tasks),
		scratch: cloneList(tasks),
		scopes:  domain.FolderClients(folders),
	}
	return d, true
}

// List returns the current preview ordering.
func (d *Drag) List() []domain.Task { return cloneList(d.scratch) }

// HoverRow updates the preview for the pointer resting on another row.
// Hovering the dragged row itself is a no-op, as is any cross-scope target.
func (d *Drag) HoverRow(targetID string) {
	if targetID == d.id {
		return
	}
	src := indexOf(d.scratch, d.id)
	dst := indexOf(d.scratch, targetID)
	if src < 0 || dst < 0 {
		return
	}
	dragged := d.scratch[src]
	target := d.scratch[dst]

	if dragged.ContainerKey() == target.ContainerKey() {
		d.scratch = moveWithinContainer(d.scratch, src, dst)
		return
	}
	if !d.legalTarget(dragged, target.ContainerKey()) {
		return
	}
	moved := retarget(dragged, target.ContainerKey())
	rest := append(append([]domain.Task{}, d.scratch[:src]...), d.scratch[src+1:]...)
	dst = indexOf(rest, targetID)
	d.scratch = append(rest[:dst:dst], append([]domain.Task{moved}, rest[dst:]...)...)
}

// HoverContainer updates the preview for the pointer resting on a container
// header or an empty container: the dragged row is appended after the last
// existing row of that container.
func (d *Drag) HoverContainer(key string) {
	src := indexOf(d.scratch, d.id)
	if src < 0 {
		return
	}
	dragged := d.scratch[src]
	if dragged.ContainerKey() != key && !d.legalTarget(dragged, key) {
		return
	}
	moved := retarget(dragged, key)
	rest := append(append([]domain.Task{}, d.scratch[:src]...), d.scratch[src+1:]...)
	insert := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].ContainerKey() == key {
			insert = i + 1
			break
		}
	}
	d.scratch = append(rest[:insert:insert], append([]domain.Task{moved}, rest[insert:]...)...)
}

// Cancel discards the scratch list and returns the last committed ordering.
// Used when the gesture ends outside any recognized container.
func (d *Drag) Cancel() []domain.Task { return cloneList(d.origin) }

// Drop commits the gesture: the preview ordering with dense zero-based
// ordinals assigned within each container.
func (d *Drag) Drop() []domain.Task { return DenseOrdinals(d.scratch) }

func (d *Drag) legalTarget(t domain.Task, key string) bool {
	return containerInScope(t, key, d.scopes)
}

// MoveToContainer is the single-step move used when a gesture ends over a
// different top-level surface (e.g. dragging a backlog row onto a board
// column): the task is appended to the end of the target container. Returns
// false for unknown tasks and illegal cross-scope targets.
func MoveToContainer(tasks []domain.Task, folders []domain.Folder, id, key string) ([]domain.Task, bool) {
	src := indexOf(tasks, id)
	if src < 0 {
		return nil, false
	}
	dragged := tasks[src]
	if dragged.ContainerKey() != key && !containerInScope(dragged, key, domain.FolderClients(folders)) {
		return nil, false
	}
	moved := retarget(dragged, key)
	rest := append(append([]domain.Task{}, tasks[:src]...), tasks[src+1:]...)
	insert := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].ContainerKey() == key {
			insert = i + 1
			break
		}
	}
	out := append(rest[:insert:insert], append([]domain.Task{moved}, rest[insert:]...)...)
	return DenseOrdinals(out), true
}

// OrderEntry is one row of a client's proposed full ordering.
type OrderEntry struct {
	ID        string `json:"id"`
	Container string `json:"container,omitempty"`
}

// ApplyProposedOrder arranges the snapshot according to a client's proposed
// full ordering. Unknown ids are skipped, tasks missing from the proposal keep
// their relative order at the tail, and container reassignments that fail the
// scope legality check leave the task in its current container.
func ApplyProposedOrder(tasks []domain.Task, folders []domain.Folder, proposal []OrderEntry) []domain.Task {
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	scopes := domain.FolderClients(folders)

	out := make([]domain.Task, 0, len(tasks))
	seen := make(map[string]struct{}, len(proposal))
	for _, entry := range proposal {
		t, ok := byID[entry.ID]
		if !ok {
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		if entry.Container != "" && entry.Container != t.ContainerKey() && containerInScope(t, entry.Container, scopes) {
			t = retarget(t, entry.Container)
		}
		out = append(out, t)
	}
	for _, t := range tasks {
		if _, ok := seen[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return DenseOrdinals(out)
}

// DenseOrdinals assigns each task a dense zero-based ordinal within its
// container, preserving list order, and returns the rewritten list.
func DenseOrdinals(tasks []domain.Task) []domain.Task {
	counts := make(map[string]int)
	out := cloneList(tasks)
	for i := range out {
		key := out[i].ContainerKey()
		out[i].Order = counts[key]
		counts[key]++
	}
	return out
}

// containerInScope implements the legality rule: weekday columns accept any
// task; backlog containers only accept tasks of the same client, and folder
// containers additionally require the folder to belong to that client.
func containerInScope(t domain.Task, key string, folderClients map[string]string) bool {
	if domain.IsDayKey(key) {
		return true
	}
	if client, ok := domain.IsUnsortedKey(key); ok {
		return client == t.Client
	}
	if folderID, ok := domain.IsFolderKey(key); ok {
		client, known := folderClients[folderID]
		return known && client == t.Client
	}
	return false
}

// retarget rewrites the dragged task's container fields for the target key.
func retarget(t domain.Task, key string) domain.Task {
	moved := t.Clone()
	if domain.IsDayKey(key) {
		moved.Day = key
		return moved
	}
	moved.Day = ""
	if folderID, ok := domain.IsFolderKey(key); ok {
		moved.FolderID = folderID
		return moved
	}
	moved.FolderID = ""
	return moved
}

// moveWithinContainer performs the single-element move restricted to the
// subsequence of the dragged task's container, then re-merges that subsequence
// back into the full list so every other task keeps its relative position.
func moveWithinContainer(tasks []domain.Task, src, dst int) []domain.Task {
	key := tasks[src].ContainerKey()

	var positions []int
	var sub []domain.Task
	subSrc, subDst := -1, -1
	for i, t := range tasks {
		if t.ContainerKey() != key {
			continue
		}
		if i == src {
			subSrc = len(sub)
		}
		if i == dst {
			subDst = len(sub)
		}
		positions = append(positions, i)
		sub = append(sub, t)
	}
	if subSrc < 0 || subDst < 0 {
		return tasks
	}

	item := sub[subSrc]
	sub = append(sub[:subSrc], sub[subSrc+1:]...)
	sub = append(sub[:subDst:subDst], append([]domain.Task{item}, sub[subDst:]...)...)

	out := cloneList(tasks)
	for i, pos := range positions {
		out[pos] = sub[i]
	}
	return out
}

func indexOf(tasks []domain.Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func cloneList(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out
}
