package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Priority marks how urgent a task is. An empty priority is valid and means
// the task was never prioritized.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Kind distinguishes real tasks from note/divider rows on the board.
type Kind string

const (
	KindTask Kind = "task"
	KindNote Kind = "note"
)

// ChecklistItem is a single entry in a task's checklist.
type ChecklistItem struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// Task is the atomic unit of work on the board and in the backlog.
type Task struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	Done        bool            `json:"done,omitempty"`
	Assignees   []string        `json:"assignees,omitempty"`
	Client      string          `json:"client,omitempty"`
	Day         string          `json:"day,omitempty"`
	FolderID    string          `json:"folderId,omitempty"`
	Kind        Kind            `json:"kind"`
	Checklist   []ChecklistItem `json:"checklist,omitempty"`
	Order       int             `json:"order"`
}

// Weekdays is the fixed set of board column identifiers, in display order.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

const (
	folderKeyPrefix   = "folder:"
	unsortedKeyPrefix = "unsorted:"
)

// FolderKey returns the container key for a backlog folder.
func FolderKey(folderID string) string { return folderKeyPrefix + folderID }

// UnsortedKey returns the container key for a client's unsorted backlog group.
func UnsortedKey(client string) string { return unsortedKeyPrefix + client }

// IsDayKey reports whether key names one of the weekday board columns.
func IsDayKey(key string) bool {
	for _, d := range Weekdays {
		if key == d {
			return true
		}
	}
	return false
}

// IsFolderKey reports whether key addresses a backlog folder and returns the
// folder id when it does.
func IsFolderKey(key string) (string, bool) {
	if strings.HasPrefix(key, folderKeyPrefix) {
		return key[len(folderKeyPrefix):], true
	}
	return "", false
}

// IsUnsortedKey reports whether key addresses a client's unsorted group and
// returns the client id when it does.
func IsUnsortedKey(key string) (string, bool) {
	if strings.HasPrefix(key, unsortedKeyPrefix) {
		return key[len(unsortedKeyPrefix):], true
	}
	return "", false
}

// ContainerKey derives the ordering domain a task currently belongs to: its
// weekday column when scheduled, otherwise its backlog folder or the client's
// unsorted group.
func (t Task) ContainerKey() string {
	if t.Day != "" {
		return t.Day
	}
	if t.FolderID != "" {
		return FolderKey(t.FolderID)
	}
	return UnsortedKey(t.Client)
}

// ChecklistComplete reports whether the checklist is non-empty with every item
// checked. For such tasks the aggregate overrides the manual done flag.
func (t Task) ChecklistComplete() bool {
	if len(t.Checklist) == 0 {
		return false
	}
	for _, item := range t.Checklist {
		if !item.Checked {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	cp := t
	if t.Assignees != nil {
		cp.Assignees = append([]string(nil), t.Assignees...)
	}
	if t.Checklist != nil {
		cp.Checklist = append([]ChecklistItem(nil), t.Checklist...)
	}
	return cp
}

const placeholderPrefix = "local-"

// NewPlaceholderID mints a locally unique id for a task that has not yet been
// written to the gateway.
func NewPlaceholderID() string { return placeholderPrefix + uuid.NewString() }

// IsPlaceholderID reports whether id is a locally generated placeholder rather
// than a durable gateway-assigned identifier.
func IsPlaceholderID(id string) bool { return strings.HasPrefix(id, placeholderPrefix) }
