package drag

import (
	"sync"

	"board-sync/domain"
)

// Rect is an axis-aligned box in screen coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Intersects reports whether the two rectangles overlap with positive area.
func (r Rect) Intersects(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W &&
		r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

type zone struct {
	id   string
	rect Rect
}

// Zones is a registry of drop targets kept in registration order.
type Zones struct {
	mu    sync.Mutex
	zones []zone
}

// Register adds or repositions a drop zone. Re-registering an id keeps its
// original place in the order.
func (z *Zones) Register(id string, rect Rect) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for i := range z.zones {
		if z.zones[i].id == id {
			z.zones[i].rect = rect
			return
		}
	}
	z.zones = append(z.zones, zone{id: id, rect: rect})
}

// Remove drops a zone from the registry.
func (z *Zones) Remove(id string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for i := range z.zones {
		if z.zones[i].id == id {
			z.zones = append(z.zones[:i], z.zones[i+1:]...)
			return
		}
	}
}

// HitTest returns the first registered zone intersecting r. Registration
// order decides ties.
func (z *Zones) HitTest(r Rect) (string, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, zn := range z.zones {
		if zn.rect.Intersects(r) {
			return zn.id, true
		}
	}
	return "", false
}

// Board is the surface the coordinator drives while a drag is in flight.
type Board interface {
	Snapshot() domain.BoardSnapshot
	ReorderWithinColumn(taskID, overTaskID string) error
	MoveTask(taskID, targetColumnID string, targetIndex int) error
}

// Coordinator translates drag gestures into board mutations: a live reorder
// while hovering within the source column, and a single move on drop.
type Coordinator struct {
	board Board
	Zones Zones

	mu     sync.Mutex
	active string
}

// NewCoordinator creates a coordinator over the given board.
func NewCoordinator(board Board) *Coordinator {
	return &Coordinator{board: board}
}

// ActiveTask returns the id of the task being dragged, if any.
func (c *Coordinator) ActiveTask() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != ""
}

// DragStart captures the dragged task. Unknown tasks are rejected so a stale
// gesture cannot start a drag.
func (c *Coordinator) DragStart(taskID string) error {
	snap := c.board.Snapshot()
	if _, _, ok := locateTask(snap, taskID); !ok {
		return domain.NotFoundf("task %s", taskID)
	}
	c.mu.Lock()
	c.active = taskID
	c.mu.Unlock()
	return nil
}

// DragOver gives live feedback while hovering: when the pointer is over
// another task in the same column, the dragged task splices to that slot.
// Hovering anything else changes nothing until drop.
func (c *Coordinator) DragOver(overID string) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == "" || overID == "" || overID == active {
		return
	}
	snap := c.board.Snapshot()
	activeCol, _, ok := locateTask(snap, active)
	if !ok {
		return
	}
	overCol, _, ok := locateTask(snap, overID)
	if !ok || overCol != activeCol {
		return
	}
	_ = c.board.ReorderWithinColumn(active, overID)
}

// DragEnd finishes the gesture. Dropping on a column appends the task there
// when it changes columns; dropping on a task moves to that task's position
// when either the column or the index changes. An empty or unknown target
// leaves the board as the last DragOver left it.
func (c *Coordinator) DragEnd(overID string) error {
	c.mu.Lock()
	active := c.active
	c.active = ""
	c.mu.Unlock()
	if active == "" || overID == "" {
		return nil
	}

	snap := c.board.Snapshot()
	activeColID, activeIdx, ok := locateTask(snap, active)
	if !ok {
		return nil
	}

	if col, ok := findColumn(snap, overID); ok {
		if col.ID == activeColID {
			return nil
		}
		return c.board.MoveTask(active, col.ID, len(col.Tasks))
	}

	overColID, overIdx, ok := locateTask(snap, overID)
	if !ok {
		return nil
	}
	if overColID == activeColID && overIdx == activeIdx {
		return nil
	}
	return c.board.MoveTask(active, overColID, overIdx)
}

// DragEndAt hit-tests the dragged rectangle against the registered zones and
// finishes the gesture on the first match.
func (c *Coordinator) DragEndAt(r Rect) error {
	overID, ok := c.Zones.HitTest(r)
	if !ok {
		return c.DragEnd("")
	}
	return c.DragEnd(overID)
}

func locateTask(snap domain.BoardSnapshot, taskID string) (columnID string, index int, ok bool) {
	for _, col := range snap.Columns {
		if idx := domain.TaskIndex(col.Tasks, taskID); idx >= 0 {
			return col.ID, idx, true
		}
	}
	return "", 0, false
}

func findColumn(snap domain.BoardSnapshot, columnID string) (domain.ColumnWithTasks, bool) {
	for _, col := range snap.Columns {
		if col.ID == columnID {
			return col, true
		}
	}
	return domain.ColumnWithTasks{}, false
}
