package board

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/storage"
)

// State names the lifecycle phase of a controller.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateReloading State = "reloading"
	StateClosed    State = "closed"
)

// ErrNotOpen is returned by mutations before Open succeeds or after Close.
var ErrNotOpen = errors.New("board not loaded")

// Store is the slice of the storage surface the controller drives.
type Store interface {
	FetchBoardSnapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
	ListMembers(ctx context.Context, boardID string) ([]domain.BoardMember, error)
	CreateTask(ctx context.Context, columnID string, fields storage.TaskFields) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, upd storage.TaskUpdate) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	MoveTask(ctx context.Context, taskID, targetColumnID string, targetIndex int) error
	RenumberColumn(ctx context.Context, columnID string, orderedTaskIDs []string) error
	CreateColumn(ctx context.Context, boardID, userID, title string) (domain.Column, error)
	UpdateColumnTitle(ctx context.Context, columnID, title string) (domain.Column, error)
	UpdateBoard(ctx context.Context, boardID string, upd storage.BoardUpdate) (domain.Board, error)
}

// Feed delivers row change events for one board until the returned stop
// function is called.
type Feed interface {
	Subscribe(ctx context.Context, boardID string, onChange func(domain.ChangeEvent)) (func(), error)
}

// Config tunes controller behaviour.
type Config struct {
	// RollbackOnFailure restores the captured pre-move column order locally
	// when persisting a move fails. When false the optimistic order stays on
	// screen and a snapshot reload resyncs with the store.
	RollbackOnFailure bool
}

// Controller owns the live state of one open board. It applies mutations
// optimistically, persists them in the background and reconciles with the
// store by refetching the full snapshot whenever the change feed reports an
// overlapping write. Every mutation and every async completion goes through
// one mutex.
type Controller struct {
	boardID string
	userID  string
	store   Store
	feed    Feed
	cfg     Config
	logger  *log.Logger

	mu             sync.Mutex
	state          State
	snap           domain.BoardSnapshot
	members        []domain.BoardMember
	lastErr        error
	fetchGen       uint64
	reloadInFlight bool
	reloadPending  bool
	runCtx         context.Context
	cancel         context.CancelFunc
	stopFeed       func()
	wg             sync.WaitGroup
}

// New creates a controller for one board on behalf of one user.
func New(boardID, userID string, store Store, feed Feed, cfg Config, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{
		boardID: boardID,
		userID:  userID,
		store:   store,
		feed:    feed,
		cfg:     cfg,
		logger:  logger,
		state:   StateUnloaded,
	}
}

// Open fetches the board snapshot and subscribes to its change feed. It can
// only be called once; a failed Open leaves the controller unloaded with the
// error recorded.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnloaded {
		c.mu.Unlock()
		return errors.New("board already opened")
	}
	c.state = StateLoading
	c.runCtx, c.cancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	gen := c.nextFetchGenLocked()
	c.mu.Unlock()

	snap, err := c.store.FetchBoardSnapshot(runCtx, c.boardID)
	if err != nil {
		c.failOpen(err)
		return err
	}
	members, err := c.store.ListMembers(runCtx, c.boardID)
	if err != nil {
		c.logger.WithFields(log.Fields{"board": c.boardID}).Errorf("load members: %v", err)
		members = nil
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrNotOpen
	}
	if gen == c.fetchGen {
		c.installSnapshotLocked(snap)
		c.members = members
		c.state = StateReady
	}
	c.mu.Unlock()

	stop, err := c.feed.Subscribe(runCtx, c.boardID, c.handleChange)
	if err != nil {
		c.failOpen(err)
		return err
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		stop()
		return ErrNotOpen
	}
	c.stopFeed = stop
	c.mu.Unlock()
	return nil
}

func (c *Controller) failOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateUnloaded
	c.lastErr = err
	c.snap = domain.BoardSnapshot{}
	if c.cancel != nil {
		c.cancel()
	}
}

// Close unsubscribes from the change feed and discards all held state.
// Closing twice is safe.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.snap = domain.BoardSnapshot{}
	c.members = nil
	stop := c.stopFeed
	cancel := c.cancel
	c.stopFeed = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Flush blocks until all in-flight persistence and reload work finishes.
// Intended for shutdown and tests.
func (c *Controller) Flush() {
	c.wg.Wait()
}

// State reports the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last recorded background or persistence error.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns a copy of the held board state. Mutating the copy never
// affects the controller.
func (c *Controller) Snapshot() domain.BoardSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.BoardSnapshot{Board: c.snap.Board, Columns: cloneColumns(c.snap.Columns)}
}

// Members returns a copy of the board's membership list.
func (c *Controller) Members() []domain.BoardMember {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.BoardMember, len(c.members))
	copy(out, c.members)
	return out
}

// MoveTask splices the task into the target column at targetIndex, renumbers
// both affected columns and persists the move in the background. Out of range
// indices clamp to an append.
func (c *Controller) MoveTask(taskID, targetColumnID string, targetIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady && c.state != StateReloading {
		return ErrNotOpen
	}
	srcCol, srcIdx := c.locateTaskLocked(taskID)
	if srcCol < 0 {
		return domain.NotFoundf("task %s", taskID)
	}
	dstCol := c.columnIndexLocked(targetColumnID)
	if dstCol < 0 {
		return domain.NotFoundf("column %s", targetColumnID)
	}

	var restore func()
	if c.cfg.RollbackOnFailure {
		restore = c.captureColumnsLocked(srcCol, dstCol)
	}

	if srcCol == dstCol {
		c.snap.Columns[srcCol].Tasks = domain.SpliceTask(c.snap.Columns[srcCol].Tasks, srcIdx, targetIndex)
	} else {
		tasks, moved, ok := domain.RemoveTaskAt(c.snap.Columns[srcCol].Tasks, srcIdx)
		if !ok {
			return domain.NotFoundf("task %s", taskID)
		}
		c.snap.Columns[srcCol].Tasks = tasks
		moved.ColumnID = targetColumnID
		c.snap.Columns[dstCol].Tasks = domain.InsertTaskAt(c.snap.Columns[dstCol].Tasks, moved, targetIndex)
	}
	domain.Renumber(c.snap.Columns[srcCol].Tasks)
	domain.Renumber(c.snap.Columns[dstCol].Tasks)

	finalIndex := domain.TaskIndex(c.snap.Columns[dstCol].Tasks, taskID)
	srcColID := c.snap.Columns[srcCol].ID
	srcOrder := taskIDs(c.snap.Columns[srcCol].Tasks)
	dstOrder := taskIDs(c.snap.Columns[dstCol].Tasks)

	c.wg.Add(1)
	go c.persistMove(taskID, targetColumnID, finalIndex, srcColID, srcOrder, dstOrder, restore)
	return nil
}

func (c *Controller) persistMove(taskID, targetColumnID string, targetIndex int, srcColID string, srcOrder, dstOrder []string, restore func()) {
	defer c.wg.Done()
	ctx := c.backgroundCtx()
	err := c.store.MoveTask(ctx, taskID, targetColumnID, targetIndex)
	if err == nil && srcColID != targetColumnID {
		err = c.store.RenumberColumn(ctx, srcColID, srcOrder)
	}
	if err == nil {
		err = c.store.RenumberColumn(ctx, targetColumnID, dstOrder)
	}
	if err == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.lastErr = err
	c.logger.WithFields(log.Fields{"board": c.boardID, "task": taskID}).Errorf("persist move: %v", err)
	if restore != nil {
		restore()
	} else {
		c.scheduleReloadLocked()
	}
}

// ReorderWithinColumn splices the task directly before or after overTaskID in
// its own column without touching the store. This is the live feedback path
// while a drag is still in flight; the final position persists on drop.
func (c *Controller) ReorderWithinColumn(taskID, overTaskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady && c.state != StateReloading {
		return ErrNotOpen
	}
	srcCol, srcIdx := c.locateTaskLocked(taskID)
	overCol, overIdx := c.locateTaskLocked(overTaskID)
	if srcCol < 0 || overCol < 0 {
		return domain.NotFoundf("task %s over %s", taskID, overTaskID)
	}
	if srcCol != overCol || srcIdx == overIdx {
		return nil
	}
	c.snap.Columns[srcCol].Tasks = domain.SpliceTask(c.snap.Columns[srcCol].Tasks, srcIdx, overIdx)
	domain.Renumber(c.snap.Columns[srcCol].Tasks)
	return nil
}

// CreateTask validates and stores a new task, then appends it to the held
// column state.
func (c *Controller) CreateTask(columnID string, fields storage.TaskFields) (domain.Task, error) {
	if err := domain.ValidateTitle(fields.Title); err != nil {
		return domain.Task{}, err
	}
	if fields.Priority != "" && !fields.Priority.Valid() {
		return domain.Task{}, domain.ValidationError{Field: "priority", Reason: "unknown priority"}
	}
	c.mu.Lock()
	if c.state != StateReady && c.state != StateReloading {
		c.mu.Unlock()
		return domain.Task{}, ErrNotOpen
	}
	if c.columnIndexLocked(columnID) < 0 {
		c.mu.Unlock()
		return domain.Task{}, domain.NotFoundf("column %s", columnID)
	}
	c.mu.Unlock()

	task, err := c.store.CreateTask(c.backgroundCtx(), columnID, fields)
	if err != nil {
		c.recordErr(err)
		return domain.Task{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col := c.columnIndexLocked(columnID); col >= 0 && c.taskColumnLocked(task.ID) < 0 {
		c.snap.Columns[col].Tasks = append(c.snap.Columns[col].Tasks, task)
		domain.Renumber(c.snap.Columns[col].Tasks)
	}
	return task, nil
}

// UpdateTask validates and applies upd to the held task immediately, then
// persists it in the background. The returned task reflects the optimistic
// state.
func (c *Controller) UpdateTask(taskID string, upd storage.TaskUpdate) (domain.Task, error) {
	if upd.Title != nil {
		if err := domain.ValidateTitle(*upd.Title); err != nil {
			return domain.Task{}, err
		}
	}
	if upd.Priority != nil && !upd.Priority.Valid() {
		return domain.Task{}, domain.ValidationError{Field: "priority", Reason: "unknown priority"}
	}

	c.mu.Lock()
	if c.state != StateReady && c.state != StateReloading {
		c.mu.Unlock()
		return domain.Task{}, ErrNotOpen
	}
	col, idx := c.locateTaskLocked(taskID)
	if col < 0 {
		c.mu.Unlock()
		return domain.Task{}, domain.NotFoundf("task %s", taskID)
	}
	task := &c.snap.Columns[col].Tasks[idx]
	if upd.Title != nil {
		task.Title = *upd.Title
	}
	if upd.Description != nil {
		task.Description = *upd.Description
	}
	if upd.DueDate != nil {
		due := *upd.DueDate
		task.DueDate = &due
	} else if upd.ClearDueDate {
		task.DueDate = nil
	}
	if upd.Priority != nil {
		task.Priority = *upd.Priority
	}
	if upd.Assignee != nil {
		task.Assignee = *upd.Assignee
	}
	if upd.AttachmentURL != nil {
		task.AttachmentURL = *upd.AttachmentURL
	}
	updated := *task
	c.mu.Unlock()

	c.persistAsync("persist task update", func(ctx context.Context) error {
		_, err := c.store.UpdateTask(ctx, taskID, upd)
		return err
	})
	return updated, nil
}

// DeleteTask removes the task from the held state immediately and persists
// the deletion in the background.
func (c *Controller) DeleteTask(taskID string) error {
	c.mu.Lock()
	if c.state != StateReady && c.state != StateReloading {
		c.mu.Unlock()
		return ErrNotOpen
	}
	col, idx := c.locateTaskLocked(taskID)
	if col < 0 {
		c.mu.Unlock()
		return domain.NotFoundf("task %s", taskID)
	}
	tasks, _, _ := domain.RemoveTaskAt(c.snap.Columns[col].Tasks, idx)
	c.snap.Columns[col].Tasks = tasks
	domain.Renumber(c.snap.Columns[col].Tasks)
	c.mu.Unlock()

	c.persistAsync("persist task delete", func(ctx context.Context) error {
		return c.store.DeleteTask(ctx, taskID)
	})
	return nil
}

// CreateColumn validates and stores a new column, then appends it locally.
func (c *Controller) CreateColumn(title string) (domain.Column, error) {
	if err := domain.ValidateTitle(title); err != nil {
		return domain.Column{}, err
	}
	c.mu.Lock()
	if c.state != StateReady && c.state != StateReloading {
		c.mu.Unlock()
		return domain.Column{}, ErrNotOpen
	}
	c.mu.Unlock()

	column, err := c.store.CreateColumn(c.backgroundCtx(), c.boardID, c.userID, title)
	if err != nil {
		c.recordErr(err)
		return domain.Column{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.columnIndexLocked(column.ID) < 0 && c.state != StateClosed {
		c.snap.Columns = append(c.snap.Columns, domain.ColumnWithTasks{Column: column, Tasks: []domain.Task{}})
	}
	return column, nil
}

// RenameColumn applies the new title locally and persists it in the
// background.
func (c *Controller) RenameColumn(columnID, title string) (domain.Column, error) {
	if err := domain.ValidateTitle(title); err != nil {
		return domain.Column{}, err
	}
	c.mu.Lock()
	if c.state != StateReady && c.state != StateReloading {
		c.mu.Unlock()
		return domain.Column{}, ErrNotOpen
	}
	col := c.columnIndexLocked(columnID)
	if col < 0 {
		c.mu.Unlock()
		return domain.Column{}, domain.NotFoundf("column %s", columnID)
	}
	c.snap.Columns[col].Title = title
	renamed := c.snap.Columns[col].Column
	c.mu.Unlock()

	c.persistAsync("persist column rename", func(ctx context.Context) error {
		_, err := c.store.UpdateColumnTitle(ctx, columnID, title)
		return err
	})
	return renamed, nil
}

// UpdateBoard applies upd to the held board row and persists it in the
// background.
func (c *Controller) UpdateBoard(upd storage.BoardUpdate) (domain.Board, error) {
	if upd.Title != nil {
		if err := domain.ValidateTitle(*upd.Title); err != nil {
			return domain.Board{}, err
		}
	}
	c.mu.Lock()
	if c.state != StateReady && c.state != StateReloading {
		c.mu.Unlock()
		return domain.Board{}, ErrNotOpen
	}
	if upd.Title != nil {
		c.snap.Board.Title = *upd.Title
	}
	if upd.Description != nil {
		c.snap.Board.Description = *upd.Description
	}
	if upd.Color != nil {
		c.snap.Board.Color = *upd.Color
	}
	updated := c.snap.Board
	c.mu.Unlock()

	c.persistAsync("persist board update", func(ctx context.Context) error {
		_, err := c.store.UpdateBoard(ctx, c.boardID, upd)
		return err
	})
	return updated, nil
}

// Reload forces a full snapshot refetch, coalesced with any pending one.
func (c *Controller) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady && c.state != StateReloading {
		return
	}
	c.scheduleReloadLocked()
}

func (c *Controller) handleChange(ev domain.ChangeEvent) {
	if ev.BoardID != c.boardID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady && c.state != StateReloading {
		return
	}
	switch ev.Table {
	case domain.TableBoardMembers:
		c.scheduleMemberRefreshLocked()
	case domain.TableComments:
		// Comments are fetched per task on demand, not held here.
	case domain.TableTasks:
		if c.taskEventOverlapsLocked(ev) {
			c.scheduleReloadLocked()
		}
	default:
		c.scheduleReloadLocked()
	}
}

// taskEventOverlapsLocked reports whether a tasks-table event can affect the
// held columns. Events whose rows cannot be inspected count as overlapping;
// reloading too often is safe, missing a change is not.
func (c *Controller) taskEventOverlapsLocked(ev domain.ChangeEvent) bool {
	if len(ev.Row) == 0 {
		return true
	}
	var row struct {
		ID       string `json:"id"`
		ColumnID string `json:"columnId"`
	}
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		return true
	}
	if row.ColumnID != "" && c.columnIndexLocked(row.ColumnID) >= 0 {
		return true
	}
	// A task held locally but reported in another column moved away.
	if row.ID != "" && c.taskColumnLocked(row.ID) >= 0 {
		return true
	}
	return row.ColumnID == "" && row.ID == ""
}

// scheduleReloadLocked starts one background snapshot refetch. Requests
// arriving while a fetch is in flight coalesce into a single follow-up.
func (c *Controller) scheduleReloadLocked() {
	if c.reloadInFlight {
		c.reloadPending = true
		return
	}
	c.reloadInFlight = true
	c.wg.Add(1)
	go c.reload()
}

func (c *Controller) reload() {
	defer c.wg.Done()
	c.mu.Lock()
	if c.state != StateReady && c.state != StateReloading {
		c.reloadInFlight = false
		c.reloadPending = false
		c.mu.Unlock()
		return
	}
	c.state = StateReloading
	gen := c.nextFetchGenLocked()
	ctx := c.runCtx
	c.mu.Unlock()

	snap, err := c.store.FetchBoardSnapshot(ctx, c.boardID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadInFlight = false
	if c.state == StateClosed {
		c.reloadPending = false
		return
	}
	// Only the most recently started fetch may install state.
	if gen == c.fetchGen {
		if err != nil {
			c.lastErr = err
			c.logger.WithFields(log.Fields{"board": c.boardID}).Errorf("reload snapshot: %v", err)
		} else {
			c.installSnapshotLocked(snap)
		}
	}
	c.state = StateReady
	if c.reloadPending {
		c.reloadPending = false
		c.scheduleReloadLocked()
	}
}

func (c *Controller) scheduleMemberRefreshLocked() {
	ctx := c.runCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		members, err := c.store.ListMembers(ctx, c.boardID)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateClosed {
			return
		}
		if err != nil {
			c.lastErr = err
			return
		}
		c.members = members
	}()
}

// installSnapshotLocked adopts the fetched snapshot as canonical state with
// columns sorted and every column's positions rewritten dense.
func (c *Controller) installSnapshotLocked(snap domain.BoardSnapshot) {
	domain.SortColumns(snap.Columns)
	for i := range snap.Columns {
		domain.SortTasks(snap.Columns[i].Tasks)
		domain.Renumber(snap.Columns[i].Tasks)
	}
	c.snap = snap
}

func (c *Controller) captureColumnsLocked(srcCol, dstCol int) func() {
	srcID := c.snap.Columns[srcCol].ID
	dstID := c.snap.Columns[dstCol].ID
	srcTasks := cloneTasks(c.snap.Columns[srcCol].Tasks)
	dstTasks := cloneTasks(c.snap.Columns[dstCol].Tasks)
	return func() {
		c.restoreColumnLocked(srcID, srcTasks)
		if dstID != srcID {
			c.restoreColumnLocked(dstID, dstTasks)
		}
	}
}

func (c *Controller) restoreColumnLocked(columnID string, tasks []domain.Task) {
	if col := c.columnIndexLocked(columnID); col >= 0 {
		c.snap.Columns[col].Tasks = tasks
	}
}

func (c *Controller) persistAsync(op string, fn func(context.Context) error) {
	ctx := c.backgroundCtx()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(ctx); err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.state == StateClosed {
				return
			}
			c.lastErr = err
			c.logger.WithFields(log.Fields{"board": c.boardID}).Errorf("%s: %v", op, err)
			c.scheduleReloadLocked()
		}
	}()
}

func (c *Controller) recordErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.lastErr = err
	}
}

func (c *Controller) backgroundCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *Controller) nextFetchGenLocked() uint64 {
	c.fetchGen++
	return c.fetchGen
}

func (c *Controller) locateTaskLocked(taskID string) (colIdx, taskIdx int) {
	for i := range c.snap.Columns {
		if idx := domain.TaskIndex(c.snap.Columns[i].Tasks, taskID); idx >= 0 {
			return i, idx
		}
	}
	return -1, -1
}

// taskColumnLocked returns the index of the column holding taskID, or -1.
func (c *Controller) taskColumnLocked(taskID string) int {
	col, _ := c.locateTaskLocked(taskID)
	return col
}

func (c *Controller) columnIndexLocked(columnID string) int {
	for i := range c.snap.Columns {
		if c.snap.Columns[i].ID == columnID {
			return i
		}
	}
	return -1
}

func taskIDs(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].ID
	}
	return out
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	return out
}

func cloneColumns(cols []domain.ColumnWithTasks) []domain.ColumnWithTasks {
	out := make([]domain.ColumnWithTasks, len(cols))
	for i, col := range cols {
		col.Tasks = cloneTasks(col.Tasks)
		out[i] = col
	}
	return out
}
