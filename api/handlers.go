package api

import (
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/danielbech/machi-os-sub000/board"
	"github.com/danielbech/machi-os-sub000/domain"
)

const (
	scopeHeader     = "X-Board-Scope"
	postBodyMaxSize = 1 << 20
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, sessions Sessions, logger *log.Logger) {
	e.GET("/api/board", getBoard(sessions, logger))
	e.POST("/api/tasks", postTask(sessions))
	e.PATCH("/api/tasks/:id", patchTask(sessions))
	e.DELETE("/api/tasks/:id", deleteTask(sessions))
	e.POST("/api/board/order", postOrder(sessions))
	e.POST("/api/board/move", postMove(sessions))
	e.POST("/api/board/rollover", postRollover(sessions, logger))
	e.GET("/api/folders", getFolders(sessions))
	e.POST("/api/folders", postFolder(sessions))
	e.PATCH("/api/folders/:id", patchFolder(sessions))
	e.DELETE("/api/folders/:id", deleteFolder(sessions))
	e.GET("/healthz", healthz())
}

type containerView struct {
	Key   string        `json:"key"`
	Tasks []domain.Task `json:"tasks"`
}

type boardResponse struct {
	Containers []containerView `json:"containers"`
	Folders    []domain.Folder `json:"folders"`
	Unsynced   []string        `json:"unsynced,omitempty"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func scopeID(c echo.Context) string {
	return c.Request().Header.Get(scopeHeader)
}

func getBoard(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		scope := scopeID(c)
		if scope == "" {
			metrics.SetErrorStage("missing_scope")
			err = c.String(http.StatusBadRequest, "missing board scope")
			return err
		}

		fetchStart := time.Now()
		s, sErr := sessions.Session(ctx, scope)
		if sErr != nil {
			metrics.SetErrorStage("session")
			c.Logger().Error(sErr)
			err = c.String(http.StatusInternalServerError, sErr.Error())
			return err
		}
		tasks := s.Store.Snapshot()
		folders := s.Store.Folders()
		metrics.ObserveFetch(time.Since(fetchStart))

		resp := buildBoardResponse(tasks, folders, s.Store.UnsyncedIDs())
		metrics.SetTasksReturned(len(tasks))
		metrics.SetContainersReturned(len(resp.Containers))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// buildBoardResponse groups the ordered collection into the container view:
// the seven weekday columns first, then backlog folders in folder order, then
// each client's unsorted group.
func buildBoardResponse(tasks []domain.Task, folders []domain.Folder, unsynced []string) boardResponse {
	buckets := make(map[string][]domain.Task)
	for _, t := range tasks {
		key := t.ContainerKey()
		buckets[key] = append(buckets[key], t)
	}

	containers := make([]containerView, 0, len(buckets)+len(domain.Weekdays))
	emit := func(key string) {
		tasks := buckets[key]
		if tasks == nil {
			tasks = []domain.Task{}
		}
		containers = append(containers, containerView{Key: key, Tasks: tasks})
		delete(buckets, key)
	}

	for _, day := range domain.Weekdays {
		emit(day)
	}
	for _, f := range folders {
		emit(domain.FolderKey(f.ID))
	}
	var rest []string
	for key := range buckets {
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		emit(key)
	}

	sort.Strings(unsynced)
	return boardResponse{Containers: containers, Folders: folders, Unsynced: unsynced}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, postBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type createTaskRequest struct {
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Priority    domain.Priority        `json:"priority,omitempty"`
	Assignees   []string               `json:"assignees,omitempty"`
	Client      string                 `json:"client,omitempty"`
	Day         string                 `json:"day,omitempty"`
	FolderID    string                 `json:"folderId,omitempty"`
	Kind        domain.Kind            `json:"kind,omitempty"`
	Checklist   []domain.ChecklistItem `json:"checklist,omitempty"`
}

func postTask(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Day != "" && !domain.IsDayKey(req.Day) {
			return c.String(http.StatusBadRequest, "invalid day")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		task, ok := s.Mutator.CreateTask(domain.Task{
			Title:       req.Title,
			Description: req.Description,
			Priority:    req.Priority,
			Assignees:   req.Assignees,
			Client:      req.Client,
			Day:         req.Day,
			FolderID:    req.FolderID,
			Kind:        req.Kind,
			Checklist:   req.Checklist,
		})
		if !ok {
			return c.NoContent(http.StatusUnprocessableEntity)
		}
		return c.JSON(http.StatusAccepted, task)
	}
}

func patchTask(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		var patch board.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if patch.Day != nil && *patch.Day != "" && !domain.IsDayKey(*patch.Day) {
			return c.String(http.StatusBadRequest, "invalid day")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		task, ok := s.Mutator.UpdateTask(c.Param("id"), patch)
		if !ok {
			return c.NoContent(http.StatusNotFound)
		}
		return c.JSON(http.StatusAccepted, task)
	}
}

func deleteTask(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if !s.Mutator.DeleteTask(c.Param("id")) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

type orderRequest struct {
	Order []board.OrderEntry `json:"order"`
}

func postOrder(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		var req orderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		s.Mutator.ReorderAll(req.Order)
		return c.NoContent(http.StatusAccepted)
	}
}

type moveRequest struct {
	TaskID    string `json:"taskId"`
	Container string `json:"container"`
}

type moveResponse struct {
	Moved bool `json:"moved"`
}

func postMove(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		// Illegal cross-scope moves are a quiet no-op, not an error.
		moved := s.Mutator.MoveTask(req.TaskID, req.Container)
		return c.JSON(http.StatusAccepted, moveResponse{Moved: moved})
	}
}

func postRollover(sessions Sessions, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		result, err := s.Rollover.Check(c.Request().Context())
		if err != nil {
			logger.WithError(err).WithField("scope", scope).Error("rollover trigger failed")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, result)
	}
}

func getFolders(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, s.Store.Folders())
	}
}

type folderRequest struct {
	Client string `json:"client,omitempty"`
	Name   string `json:"name"`
}

func postFolder(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		var req folderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		folder, ok := s.Mutator.CreateFolder(domain.Folder{Client: req.Client, Name: req.Name})
		if !ok {
			return c.NoContent(http.StatusUnprocessableEntity)
		}
		return c.JSON(http.StatusAccepted, folder)
	}
}

func patchFolder(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		var req folderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if !s.Mutator.RenameFolder(c.Param("id"), req.Name) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func deleteFolder(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		scope := scopeID(c)
		if scope == "" {
			return c.String(http.StatusBadRequest, "missing board scope")
		}
		s, err := sessions.Session(c.Request().Context(), scope)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if !s.Mutator.DeleteFolder(c.Param("id")) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusAccepted)
	}
}
