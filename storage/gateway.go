// Package storage implements the persistence gateway over Azure Table
// Storage: point reads, batched upserts and row deletes for tasks, folders
// and per-scope board settings. Every successful write publishes a change
// notification so other sessions reconcile.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/danielbech/machi-os-sub000/domain"
)

// Notifier publishes "table changed" events after writes.
type Notifier interface {
	Publish(ctx context.Context, table, scopeID string)
}

// Gateway provides access to the durable task, folder and settings tables.
type Gateway struct {
	tasks    *aztables.Client
	folders  *aztables.Client
	settings *aztables.Client
	notify   Notifier
	logger   *log.Logger
}

// New creates a Gateway from the given connection string.
func New(connStr, tasksTable, foldersTable, settingsTable string, notify Notifier, logger *log.Logger) (*Gateway, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		tasks:    svc.NewClient(tasksTable),
		folders:  svc.NewClient(foldersTable),
		settings: svc.NewClient(settingsTable),
		notify:   notify,
		logger:   logger,
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Priority    string `json:"Priority"`
	Done        bool   `json:"Done"`
	Assignees   string `json:"Assignees"`
	Client      string `json:"Client"`
	Day         string `json:"Day"`
	FolderID    string `json:"FolderId"`
	Kind        string `json:"Kind"`
	Checklist   string `json:"Checklist"`
	Order       int    `json:"Order"`
}

func taskToEntity(scopeID string, t domain.Task) (taskEntity, error) {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: scopeID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Done:        t.Done,
		Client:      t.Client,
		Day:         t.Day,
		FolderID:    t.FolderID,
		Kind:        string(t.Kind),
		Order:       t.Order,
	}
	if len(t.Assignees) > 0 {
		data, err := json.Marshal(t.Assignees)
		if err != nil {
			return taskEntity{}, err
		}
		ent.Assignees = string(data)
	}
	if len(t.Checklist) > 0 {
		data, err := json.Marshal(t.Checklist)
		if err != nil {
			return taskEntity{}, err
		}
		ent.Checklist = string(data)
	}
	return ent, nil
}

func entityToTask(ent taskEntity) (domain.Task, error) {
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Priority:    domain.Priority(ent.Priority),
		Done:        ent.Done,
		Client:      ent.Client,
		Day:         ent.Day,
		FolderID:    ent.FolderID,
		Kind:        domain.Kind(ent.Kind),
		Order:       ent.Order,
	}
	if t.Kind == "" {
		t.Kind = domain.KindTask
	}
	if ent.Assignees != "" {
		if err := json.Unmarshal([]byte(ent.Assignees), &t.Assignees); err != nil {
			return domain.Task{}, err
		}
	}
	if ent.Checklist != "" {
		if err := json.Unmarshal([]byte(ent.Checklist), &t.Checklist); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

// LoadCollection retrieves every task of the scope, ordered by container key
// and ordinal.
func (g *Gateway) LoadCollection(ctx context.Context, scopeID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + scopeID + "'"
	pager := g.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			t, err := entityToTask(ent)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sortCollection(tasks)
	return tasks, nil
}

// sortCollection groups rows by container key and sorts each group by ordinal.
// Insertion-order ties stay stable.
func sortCollection(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ki, kj := tasks[i].ContainerKey(), tasks[j].ContainerKey()
		if ki != kj {
			return ki < kj
		}
		return tasks[i].Order < tasks[j].Order
	})
}

// UpsertTask writes one row, minting a durable id when the row still carries a
// placeholder, and returns the durable id.
func (g *Gateway) UpsertTask(ctx context.Context, scopeID string, t domain.Task) (string, error) {
	if t.ID == "" || domain.IsPlaceholderID(t.ID) {
		t.ID = uuid.NewString()
	}
	ent, err := taskToEntity(scopeID, t)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return "", err
	}
	if _, err := g.tasks.UpsertEntity(ctx, payload, nil); err != nil {
		return "", err
	}
	g.notify.Publish(ctx, "tasks", scopeID)
	return t.ID, nil
}

// UpsertTasks writes a reorder batch. Callers treat it as all-or-nothing; a
// mid-batch failure surfaces as an error and the whole batch is retried.
func (g *Gateway) UpsertTasks(ctx context.Context, scopeID string, tasks []domain.Task) error {
	for _, t := range tasks {
		ent, err := taskToEntity(scopeID, t)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		if _, err := g.tasks.UpsertEntity(ctx, payload, nil); err != nil {
			return err
		}
	}
	if len(tasks) > 0 {
		g.notify.Publish(ctx, "tasks", scopeID)
	}
	return nil
}

// DeleteTask removes one row. Deleting a row that is already gone is success.
func (g *Gateway) DeleteTask(ctx context.Context, scopeID, id string) error {
	if _, err := g.tasks.DeleteEntity(ctx, scopeID, id, nil); err != nil && !isNotFound(err) {
		return err
	}
	g.notify.Publish(ctx, "tasks", scopeID)
	return nil
}

// DeleteTasks removes a batch of rows.
func (g *Gateway) DeleteTasks(ctx context.Context, scopeID string, ids []string) error {
	for _, id := range ids {
		if _, err := g.tasks.DeleteEntity(ctx, scopeID, id, nil); err != nil && !isNotFound(err) {
			return err
		}
	}
	if len(ids) > 0 {
		g.notify.Publish(ctx, "tasks", scopeID)
	}
	return nil
}

type folderEntity struct {
	aztables.Entity
	Name   string `json:"Name"`
	Client string `json:"Client"`
	Order  int    `json:"Order"`
}

// LoadFolders retrieves the scope's folders ordered by client and position.
func (g *Gateway) LoadFolders(ctx context.Context, scopeID string) ([]domain.Folder, error) {
	filter := "PartitionKey eq '" + scopeID + "'"
	pager := g.folders.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	folders := []domain.Folder{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent folderEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			folders = append(folders, domain.Folder{
				ID:     ent.RowKey,
				Name:   ent.Name,
				Client: ent.Client,
				Order:  ent.Order,
			})
		}
	}
	sort.SliceStable(folders, func(i, j int) bool {
		if folders[i].Client != folders[j].Client {
			return folders[i].Client < folders[j].Client
		}
		return folders[i].Order < folders[j].Order
	})
	return folders, nil
}

// UpsertFolder writes one folder, minting a durable id for placeholders.
func (g *Gateway) UpsertFolder(ctx context.Context, scopeID string, f domain.Folder) (string, error) {
	if f.ID == "" || domain.IsPlaceholderID(f.ID) {
		f.ID = uuid.NewString()
	}
	ent := folderEntity{
		Entity: aztables.Entity{PartitionKey: scopeID, RowKey: f.ID},
		Name:   f.Name,
		Client: f.Client,
		Order:  f.Order,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return "", err
	}
	if _, err := g.folders.UpsertEntity(ctx, payload, nil); err != nil {
		return "", err
	}
	g.notify.Publish(ctx, "folders", scopeID)
	return f.ID, nil
}

// DeleteFolder removes the folder row only; task reassignment is the engine's
// responsibility and arrives as a separate task batch.
func (g *Gateway) DeleteFolder(ctx context.Context, scopeID, id string) error {
	if _, err := g.folders.DeleteEntity(ctx, scopeID, id, nil); err != nil && !isNotFound(err) {
		return err
	}
	g.notify.Publish(ctx, "folders", scopeID)
	return nil
}

type settingsEntity struct {
	aztables.Entity
	RolloverDay    int    `json:"RolloverDay"`
	RolloverHour   int    `json:"RolloverHour"`
	RolloverMarker string `json:"RolloverMarker"`
}

func decodeSettingsEntity(data []byte) (domain.BoardSettings, error) {
	var ent settingsEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.BoardSettings{}, err
	}
	s := domain.BoardSettings{RolloverDay: ent.RolloverDay, RolloverHour: ent.RolloverHour}
	if ent.RolloverMarker != "" {
		marker, err := strconv.ParseInt(ent.RolloverMarker, 10, 64)
		if err != nil {
			return domain.BoardSettings{}, err
		}
		s.RolloverMarker = marker
	}
	return s, nil
}

// LoadSettings returns the scope's rollover configuration, falling back to
// defaults when none was ever saved.
func (g *Gateway) LoadSettings(ctx context.Context, scopeID string) (domain.BoardSettings, error) {
	ent, err := g.settings.GetEntity(ctx, scopeID, scopeID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.DefaultSettings(), nil
		}
		return domain.BoardSettings{}, err
	}
	return decodeSettingsEntity(ent.Value)
}

// SaveRolloverMarker records the processed period start for the scope.
func (g *Gateway) SaveRolloverMarker(ctx context.Context, scopeID string, marker int64) error {
	current, err := g.LoadSettings(ctx, scopeID)
	if err != nil {
		return err
	}
	ent := settingsEntity{
		Entity:         aztables.Entity{PartitionKey: scopeID, RowKey: scopeID},
		RolloverDay:    current.RolloverDay,
		RolloverHour:   current.RolloverHour,
		RolloverMarker: strconv.FormatInt(marker, 10),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = g.settings.UpsertEntity(ctx, payload, nil)
	return err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
