package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/storage"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Store, cache Invalidator, feed Subscriber, auth Authenticator, logger *log.Logger) {
	h := &handlers{store: store, cache: cache, feed: feed, auth: auth, logger: logger}

	e.GET("/healthz", h.healthz)

	e.GET("/api/boards", h.listBoards)
	e.POST("/api/boards", h.createBoard)
	e.GET("/api/boards/:boardID", h.getBoard)
	e.PATCH("/api/boards/:boardID", h.updateBoard)
	e.DELETE("/api/boards/:boardID", h.deleteBoard)
	e.GET("/api/boards/:boardID/stream", h.streamBoard)

	e.POST("/api/boards/:boardID/columns", h.createColumn)
	e.PATCH("/api/columns/:columnID", h.renameColumn)

	e.POST("/api/columns/:columnID/tasks", h.createTask)
	e.PATCH("/api/tasks/:taskID", h.updateTask)
	e.DELETE("/api/tasks/:taskID", h.deleteTask)
	e.POST("/api/tasks/:taskID/move", h.moveTask)

	e.GET("/api/boards/:boardID/labels", h.listLabels)
	e.POST("/api/boards/:boardID/labels", h.createLabel)
	e.DELETE("/api/labels/:labelID", h.deleteLabel)
	e.PUT("/api/tasks/:taskID/labels/:labelID", h.assignLabel)
	e.DELETE("/api/tasks/:taskID/labels/:labelID", h.removeLabel)

	e.GET("/api/boards/:boardID/members", h.listMembers)
	e.POST("/api/boards/:boardID/members", h.addMember)
	e.PATCH("/api/members/:memberID", h.updateMemberRole)
	e.DELETE("/api/members/:memberID", h.removeMember)

	e.GET("/api/tasks/:taskID/comments", h.listComments)
	e.POST("/api/tasks/:taskID/comments", h.addComment)
}

type handlers struct {
	store  Store
	cache  Invalidator
	feed   Subscriber
	auth   Authenticator
	logger *log.Logger
}

func (h *handlers) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// writeError maps store errors onto the HTTP status taxonomy.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func (h *handlers) userID(c echo.Context) (string, error) {
	return h.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

func unauthorized(c echo.Context, err error) error {
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func badRequest(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
}

func (h *handlers) invalidate(c echo.Context, boardID string) {
	if h.cache == nil || boardID == "" {
		return
	}
	h.cache.InvalidateBoard(c.Request().Context(), boardID)
}

func (h *handlers) invalidateColumn(c echo.Context, columnID string) {
	boardID, err := h.store.BoardIDForColumn(c.Request().Context(), columnID)
	if err != nil {
		return
	}
	h.invalidate(c, boardID)
}

func (h *handlers) invalidateTask(c echo.Context, taskID string) {
	boardID, err := h.store.BoardIDForTask(c.Request().Context(), taskID)
	if err != nil {
		return
	}
	h.invalidate(c, boardID)
}

func (h *handlers) listBoards(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := h.userID(c)
	if err != nil {
		return unauthorized(c, err)
	}
	boards, err := h.store.ListBoardsForUser(ctx, userID)
	if err != nil {
		c.Logger().Error(err)
		return writeError(c, err)
	}
	ids := make([]string, len(boards))
	for i, b := range boards {
		ids[i] = b.ID
	}
	counts, err := h.store.TaskCountsForBoards(ctx, ids)
	if err != nil {
		c.Logger().Error(err)
		return writeError(c, err)
	}
	items := make([]boardListItem, len(boards))
	for i, b := range boards {
		items[i] = boardListItem{Board: b, TaskCount: counts[b.ID]}
	}
	return c.JSON(http.StatusOK, boardsResponse{Boards: items})
}

func (h *handlers) createBoard(c echo.Context) error {
	userID, err := h.userID(c)
	if err != nil {
		return unauthorized(c, err)
	}
	var req createBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if err := domain.ValidateTitle(req.Title); err != nil {
		return writeError(c, err)
	}
	board, err := h.store.CreateBoard(c.Request().Context(), userID, req.Title, req.Description, req.Color)
	if err != nil {
		c.Logger().Error(err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, board)
}

func (h *handlers) updateBoard(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req updateBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if req.Title != nil {
		if err := domain.ValidateTitle(*req.Title); err != nil {
			return writeError(c, err)
		}
	}
	boardID := c.Param("boardID")
	board, err := h.store.UpdateBoard(c.Request().Context(), boardID, storage.BoardUpdate{
		Title:       req.Title,
		Description: req.Description,
		Color:       req.Color,
	})
	if err != nil {
		return writeError(c, err)
	}
	h.invalidate(c, boardID)
	return c.JSON(http.StatusOK, board)
}

func (h *handlers) deleteBoard(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	boardID := c.Param("boardID")
	if err := h.store.DeleteBoard(c.Request().Context(), boardID); err != nil {
		return writeError(c, err)
	}
	h.invalidate(c, boardID)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) getBoard(c echo.Context) (err error) {
	ctx := c.Request().Context()
	metrics, spanCtx := newSnapshotRequestMetrics(ctx, h.logger)
	if spanCtx != nil {
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
	}
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	authStart := time.Now()
	_, authErr := h.userID(c)
	metrics.ObserveAuth(time.Since(authStart))
	if authErr != nil {
		metrics.SetErrorStage("auth")
		err = unauthorized(c, authErr)
		return err
	}

	fetchStart := time.Now()
	snap, fetchErr := h.store.FetchBoardSnapshot(ctx, c.Param("boardID"))
	metrics.ObserveFetch(time.Since(fetchStart))
	if fetchErr != nil {
		if errors.Is(fetchErr, domain.ErrNotFound) {
			metrics.SetErrorStage("not_found")
		} else {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
		}
		err = writeError(c, fetchErr)
		return err
	}
	tasks := 0
	for _, col := range snap.Columns {
		tasks += len(col.Tasks)
	}
	metrics.SetColumnsReturned(len(snap.Columns))
	metrics.SetTasksReturned(tasks)

	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, snap)
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (h *handlers) createColumn(c echo.Context) error {
	userID, err := h.userID(c)
	if err != nil {
		return unauthorized(c, err)
	}
	var req columnRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if err := domain.ValidateTitle(req.Title); err != nil {
		return writeError(c, err)
	}
	boardID := c.Param("boardID")
	column, err := h.store.CreateColumn(c.Request().Context(), boardID, userID, req.Title)
	if err != nil {
		return writeError(c, err)
	}
	h.invalidate(c, boardID)
	return c.JSON(http.StatusCreated, column)
}

func (h *handlers) renameColumn(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req columnRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if err := domain.ValidateTitle(req.Title); err != nil {
		return writeError(c, err)
	}
	column, err := h.store.UpdateColumnTitle(c.Request().Context(), c.Param("columnID"), req.Title)
	if err != nil {
		return writeError(c, err)
	}
	h.invalidate(c, column.BoardID)
	return c.JSON(http.StatusOK, column)
}

func (h *handlers) createTask(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req createTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if err := domain.ValidateTitle(req.Title); err != nil {
		return writeError(c, err)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return writeError(c, domain.ValidationError{Field: "priority", Reason: "unknown priority"})
	}
	columnID := c.Param("columnID")
	task, err := h.store.CreateTask(c.Request().Context(), columnID, storage.TaskFields{
		Title:         req.Title,
		Description:   req.Description,
		DueDate:       req.DueDate,
		Priority:      req.Priority,
		Assignee:      req.Assignee,
		AttachmentURL: req.AttachmentURL,
		LabelIDs:      req.LabelIDs,
	})
	if err != nil {
		return writeError(c, err)
	}
	h.invalidateColumn(c, columnID)
	return c.JSON(http.StatusCreated, task)
}

func (h *handlers) updateTask(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req updateTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if req.Title != nil {
		if err := domain.ValidateTitle(*req.Title); err != nil {
			return writeError(c, err)
		}
	}
	if req.Priority != nil && !req.Priority.Valid() {
		return writeError(c, domain.ValidationError{Field: "priority", Reason: "unknown priority"})
	}
	taskID := c.Param("taskID")
	task, err := h.store.UpdateTask(c.Request().Context(), taskID, storage.TaskUpdate{
		Title:         req.Title,
		Description:   req.Description,
		DueDate:       req.DueDate,
		ClearDueDate:  req.ClearDueDate,
		Priority:      req.Priority,
		Assignee:      req.Assignee,
		AttachmentURL: req.AttachmentURL,
	})
	if err != nil {
		return writeError(c, err)
	}
	h.invalidateTask(c, taskID)
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) deleteTask(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	taskID := c.Param("taskID")
	// Resolve the board before the row disappears.
	boardID, _ := h.store.BoardIDForTask(c.Request().Context(), taskID)
	if err := h.store.DeleteTask(c.Request().Context(), taskID); err != nil {
		return writeError(c, err)
	}
	h.invalidate(c, boardID)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) moveTask(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req moveTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if req.ColumnID == "" {
		return writeError(c, domain.ValidationError{Field: "columnId", Reason: "must not be empty"})
	}
	if req.Index < 0 {
		req.Index = 0
	}
	taskID := c.Param("taskID")
	if err := h.store.MoveTask(c.Request().Context(), taskID, req.ColumnID, req.Index); err != nil {
		return writeError(c, err)
	}
	h.invalidateColumn(c, req.ColumnID)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listLabels(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	labels, err := h.store.ListLabels(c.Request().Context(), c.Param("boardID"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, labels)
}

func (h *handlers) createLabel(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req labelRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if domain.ValidateTitle(req.Name) != nil {
		return writeError(c, domain.ValidationError{Field: "name", Reason: "must not be empty"})
	}
	boardID := c.Param("boardID")
	label, err := h.store.CreateLabel(c.Request().Context(), boardID, req.Name, req.Color)
	if err != nil {
		return writeError(c, err)
	}
	h.invalidate(c, boardID)
	return c.JSON(http.StatusCreated, label)
}

func (h *handlers) deleteLabel(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	if err := h.store.DeleteLabel(c.Request().Context(), c.Param("labelID")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) assignLabel(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	taskID := c.Param("taskID")
	if err := h.store.AssignLabel(c.Request().Context(), taskID, c.Param("labelID")); err != nil {
		return writeError(c, err)
	}
	h.invalidateTask(c, taskID)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) removeLabel(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	taskID := c.Param("taskID")
	if err := h.store.RemoveLabel(c.Request().Context(), taskID, c.Param("labelID")); err != nil {
		return writeError(c, err)
	}
	h.invalidateTask(c, taskID)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listMembers(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	members, err := h.store.ListMembers(c.Request().Context(), c.Param("boardID"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, members)
}

func (h *handlers) addMember(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req addMemberRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if req.Role == "" {
		req.Role = domain.RoleMember
	}
	if !req.Role.Valid() {
		return writeError(c, domain.ValidationError{Field: "role", Reason: "unknown role"})
	}
	member, err := h.store.AddMember(c.Request().Context(), domain.BoardMember{
		BoardID:        c.Param("boardID"),
		UserID:         req.UserID,
		ExternalUserID: req.ExternalUserID,
		UserEmail:      req.UserEmail,
		Role:           req.Role,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, member)
}

func (h *handlers) updateMemberRole(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	var req memberRoleRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if !req.Role.Valid() {
		return writeError(c, domain.ValidationError{Field: "role", Reason: "unknown role"})
	}
	member, err := h.store.UpdateMemberRole(c.Request().Context(), c.Param("memberID"), req.Role)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, member)
}

func (h *handlers) removeMember(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	if err := h.store.RemoveMember(c.Request().Context(), c.Param("memberID")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listComments(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return unauthorized(c, err)
	}
	comments, err := h.store.ListComments(c.Request().Context(), c.Param("taskID"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, comments)
}

func (h *handlers) addComment(c echo.Context) error {
	userID, err := h.userID(c)
	if err != nil {
		return unauthorized(c, err)
	}
	var req commentRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c)
	}
	if err := domain.ValidateContent(req.Content); err != nil {
		return writeError(c, err)
	}
	comment, err := h.store.AddComment(c.Request().Context(), c.Param("taskID"), userID, req.Content)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, comment)
}
