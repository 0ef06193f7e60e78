package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"board-sync/domain"
	"board-sync/storage"
)

type moveCall struct {
	TaskID   string
	ColumnID string
	Index    int
}

type fakeStore struct {
	mu       sync.Mutex
	snap     domain.BoardSnapshot
	members  []domain.BoardMember
	fetchErr error
	moveErr  error
	updErr   error
	delErr   error

	// When set, every fetch announces itself on fetchStarted and waits for
	// fetchRelease before returning. fetchQueue overrides snap per call.
	fetchStarted chan struct{}
	fetchRelease chan struct{}
	fetchQueue   []domain.BoardSnapshot

	calls      int
	fetchCalls int
	moves      []moveCall
	renumbers  map[string][]string
	updates    []string
	deletes    []string
	created    int
}

func (f *fakeStore) FetchBoardSnapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	f.mu.Lock()
	f.calls++
	f.fetchCalls++
	snap := f.snap
	if len(f.fetchQueue) > 0 {
		snap = f.fetchQueue[0]
		f.fetchQueue = f.fetchQueue[1:]
	}
	err := f.fetchErr
	started := f.fetchStarted
	release := f.fetchRelease
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return domain.BoardSnapshot{Board: snap.Board, Columns: cloneColumns(snap.Columns)}, err
}

func (f *fakeStore) ListMembers(ctx context.Context, boardID string) ([]domain.BoardMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.members, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, columnID string, fields storage.TaskFields) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.created++
	priority := fields.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	return domain.Task{
		ID:       fmt.Sprintf("new-%d", f.created),
		ColumnID: columnID,
		Title:    fields.Title,
		Priority: priority,
	}, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, taskID string, upd storage.TaskUpdate) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.updErr != nil {
		return domain.Task{}, f.updErr
	}
	f.updates = append(f.updates, taskID)
	return domain.Task{ID: taskID}, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.delErr != nil {
		return f.delErr
	}
	f.deletes = append(f.deletes, taskID)
	return nil
}

func (f *fakeStore) MoveTask(ctx context.Context, taskID, targetColumnID string, targetIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, moveCall{TaskID: taskID, ColumnID: targetColumnID, Index: targetIndex})
	return nil
}

func (f *fakeStore) RenumberColumn(ctx context.Context, columnID string, orderedTaskIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.renumbers == nil {
		f.renumbers = make(map[string][]string)
	}
	f.renumbers[columnID] = append([]string(nil), orderedTaskIDs...)
	return nil
}

func (f *fakeStore) CreateColumn(ctx context.Context, boardID, userID, title string) (domain.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return domain.Column{ID: "col-new", BoardID: boardID, Title: title, UserID: userID}, nil
}

func (f *fakeStore) UpdateColumnTitle(ctx context.Context, columnID, title string) (domain.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return domain.Column{ID: columnID, Title: title}, nil
}

func (f *fakeStore) UpdateBoard(ctx context.Context, boardID string, upd storage.BoardUpdate) (domain.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return domain.Board{ID: boardID}, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type fakeFeed struct {
	mu       sync.Mutex
	onChange func(domain.ChangeEvent)
	subErr   error
	stopped  int
}

func (f *fakeFeed) Subscribe(ctx context.Context, boardID string, onChange func(domain.ChangeEvent)) (func(), error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	f.onChange = onChange
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stopped++
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) emit(ev domain.ChangeEvent) {
	f.mu.Lock()
	onChange := f.onChange
	f.mu.Unlock()
	if onChange != nil {
		onChange(ev)
	}
}

func fixtureSnapshot() domain.BoardSnapshot {
	return domain.BoardSnapshot{
		Board: domain.Board{ID: "b1", Title: "Launch", Color: "bg-blue-500", UserID: "u1"},
		Columns: []domain.ColumnWithTasks{
			{
				Column: domain.Column{ID: "c1", BoardID: "b1", Title: "To Do", SortOrder: 0},
				Tasks: []domain.Task{
					{ID: "t1", ColumnID: "c1", Title: "first", SortOrder: 0, Priority: domain.PriorityHigh},
					{ID: "t2", ColumnID: "c1", Title: "second", SortOrder: 1, Priority: domain.PriorityLow},
					{ID: "t3", ColumnID: "c1", Title: "third", SortOrder: 2, Priority: domain.PriorityMedium},
				},
			},
			{
				Column: domain.Column{ID: "c2", BoardID: "b1", Title: "Done", SortOrder: 1},
				Tasks: []domain.Task{
					{ID: "t4", ColumnID: "c2", Title: "shipped", SortOrder: 0, Priority: domain.PriorityMedium},
				},
			},
		},
	}
}

func openController(t *testing.T, store *fakeStore, feed *fakeFeed, cfg Config) *Controller {
	t.Helper()
	ctl := New("b1", "u1", store, feed, cfg, nil)
	if err := ctl.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		ctl.Close()
		ctl.Flush()
	})
	return ctl
}

func columnOrder(t *testing.T, ctl *Controller, columnID string) []string {
	t.Helper()
	snap := ctl.Snapshot()
	for _, col := range snap.Columns {
		if col.ID == columnID {
			out := make([]string, len(col.Tasks))
			for i, task := range col.Tasks {
				out[i] = task.ID
				if task.SortOrder != i {
					t.Fatalf("column %s position %d holds sort order %d", columnID, i, task.SortOrder)
				}
			}
			return out
		}
	}
	t.Fatalf("column %s not held", columnID)
	return nil
}

func TestOpenNormalizesSnapshot(t *testing.T) {
	snap := fixtureSnapshot()
	// Sparse store positions and shuffled column order must come out dense.
	snap.Columns[0].Tasks[0].SortOrder = 4
	snap.Columns[0].Tasks[1].SortOrder = 7
	snap.Columns[0].Tasks[2].SortOrder = 9
	snap.Columns[0].Tasks[0], snap.Columns[0].Tasks[2] = snap.Columns[0].Tasks[2], snap.Columns[0].Tasks[0]
	snap.Columns[0].SortOrder, snap.Columns[1].SortOrder = 1, 0

	store := &fakeStore{snap: snap}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	if got := ctl.State(); got != StateReady {
		t.Fatalf("state after open = %s", got)
	}
	held := ctl.Snapshot()
	if held.Columns[0].ID != "c2" || held.Columns[1].ID != "c1" {
		t.Fatalf("columns not sorted: %s, %s", held.Columns[0].ID, held.Columns[1].ID)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("c1 order (-want +got):\n%s", diff)
	}
}

func TestOpenFetchFailure(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot(), fetchErr: domain.Transientf("db down")}
	ctl := New("b1", "u1", store, &fakeFeed{}, Config{}, nil)

	err := ctl.Open(context.Background())
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if ctl.State() != StateUnloaded {
		t.Fatalf("state after failed open = %s", ctl.State())
	}
	if ctl.Err() == nil {
		t.Fatal("expected error recorded")
	}
}

func TestOpenSubscribeFailure(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	feed := &fakeFeed{subErr: domain.Transientf("redis down")}
	ctl := New("b1", "u1", store, feed, Config{}, nil)

	if err := ctl.Open(context.Background()); err == nil {
		t.Fatal("expected subscribe failure")
	}
	if ctl.State() != StateUnloaded {
		t.Fatalf("state after failed subscribe = %s", ctl.State())
	}
}

func TestMoveTaskAcrossColumns(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	if err := ctl.MoveTask("t1", "c2", 1); err != nil {
		t.Fatalf("move: %v", err)
	}
	// Optimistic state applies before the store confirms.
	if diff := cmp.Diff([]string{"t2", "t3"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("source column (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t4", "t1"}, columnOrder(t, ctl, "c2")); diff != "" {
		t.Fatalf("target column (-want +got):\n%s", diff)
	}

	ctl.Flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.moves) != 1 || store.moves[0] != (moveCall{TaskID: "t1", ColumnID: "c2", Index: 1}) {
		t.Fatalf("unexpected persisted moves: %#v", store.moves)
	}
	if diff := cmp.Diff([]string{"t2", "t3"}, store.renumbers["c1"]); diff != "" {
		t.Fatalf("source renumber (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t4", "t1"}, store.renumbers["c2"]); diff != "" {
		t.Fatalf("target renumber (-want +got):\n%s", diff)
	}
}

func TestMoveTaskWithinColumn(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	if err := ctl.MoveTask("t1", "c1", 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	if diff := cmp.Diff([]string{"t2", "t3", "t1"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("column after move (-want +got):\n%s", diff)
	}

	ctl.Flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.renumbers) != 1 {
		t.Fatalf("same-column move must renumber one column: %#v", store.renumbers)
	}
	if diff := cmp.Diff([]string{"t2", "t3", "t1"}, store.renumbers["c1"]); diff != "" {
		t.Fatalf("renumber (-want +got):\n%s", diff)
	}
}

func TestMoveTaskClampsIndex(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	if err := ctl.MoveTask("t4", "c1", 99); err != nil {
		t.Fatalf("move: %v", err)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3", "t4"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("clamped append (-want +got):\n%s", diff)
	}
	ctl.Flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.moves[0].Index != 3 {
		t.Fatalf("persisted index not clamped: %#v", store.moves)
	}
}

func TestMoveUnknownTargets(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})
	base := store.callCount()

	if err := ctl.MoveTask("ghost", "c1", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown task, got %v", err)
	}
	if err := ctl.MoveTask("t1", "ghost", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown column, got %v", err)
	}
	ctl.Flush()
	if store.callCount() != base {
		t.Fatal("rejected moves must not reach the store")
	}
}

func TestMoveFailureRollsBack(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot(), moveErr: domain.Transientf("write failed")}
	ctl := openController(t, store, &fakeFeed{}, Config{RollbackOnFailure: true})

	if err := ctl.MoveTask("t1", "c2", 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	ctl.Flush()

	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("source not restored (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"t4"}, columnOrder(t, ctl, "c2")); diff != "" {
		t.Fatalf("target not restored (-want +got):\n%s", diff)
	}
	if !errors.Is(ctl.Err(), domain.ErrTransient) {
		t.Fatalf("expected recorded transient error, got %v", ctl.Err())
	}
	if store.fetchCount() != 1 {
		t.Fatalf("rollback must not refetch, fetches = %d", store.fetchCount())
	}
}

func TestMoveFailureResyncsFromStore(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot(), moveErr: domain.Transientf("write failed")}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	if err := ctl.MoveTask("t1", "c2", 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	ctl.Flush()

	// The store never saw the move, so the reload reinstates its order.
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("column after resync (-want +got):\n%s", diff)
	}
	if store.fetchCount() != 2 {
		t.Fatalf("expected one reload, fetches = %d", store.fetchCount())
	}
	if ctl.Err() == nil {
		t.Fatal("expected recorded error")
	}
}

func TestReorderWithinColumnIsLocalOnly(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})
	base := store.callCount()

	if err := ctl.ReorderWithinColumn("t1", "t3"); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if diff := cmp.Diff([]string{"t2", "t3", "t1"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("live order (-want +got):\n%s", diff)
	}

	// Different columns and identity pairs are no-ops.
	if err := ctl.ReorderWithinColumn("t1", "t4"); err != nil {
		t.Fatalf("cross-column reorder: %v", err)
	}
	if err := ctl.ReorderWithinColumn("t2", "t2"); err != nil {
		t.Fatalf("identity reorder: %v", err)
	}
	if diff := cmp.Diff([]string{"t2", "t3", "t1"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("order changed by no-op (-want +got):\n%s", diff)
	}

	ctl.Flush()
	if store.callCount() != base {
		t.Fatal("live reorder must not touch the store")
	}
}

func TestCreateTaskValidatesBeforeStore(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})
	base := store.callCount()

	_, err := ctl.CreateTask("c1", storage.TaskFields{Title: "   "})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = ctl.CreateTask("c1", storage.TaskFields{Title: "ok", Priority: "urgent"})
	if !domain.IsValidation(err) {
		t.Fatalf("expected priority validation error, got %v", err)
	}
	ctl.Flush()
	if store.callCount() != base {
		t.Fatal("validation failures must not reach the store")
	}
	if ctl.State() != StateReady {
		t.Fatalf("state disturbed by rejected create: %s", ctl.State())
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("state changed by rejected create (-want +got):\n%s", diff)
	}
}

func TestCreateTaskAppends(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	task, err := ctl.CreateTask("c1", storage.TaskFields{Title: "fourth"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Priority != domain.PriorityMedium {
		t.Fatalf("default priority not applied: %#v", task)
	}
	if diff := cmp.Diff([]string{"t1", "t2", "t3", task.ID}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("append (-want +got):\n%s", diff)
	}
}

func TestUpdateTaskOptimistic(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	title := "renamed"
	task, err := ctl.UpdateTask("t2", storage.TaskUpdate{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if task.Title != "renamed" {
		t.Fatalf("returned task not updated: %#v", task)
	}
	snap := ctl.Snapshot()
	if snap.Columns[0].Tasks[1].Title != "renamed" {
		t.Fatalf("held task not updated: %#v", snap.Columns[0].Tasks[1])
	}
	ctl.Flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.updates) != 1 || store.updates[0] != "t2" {
		t.Fatalf("unexpected persisted updates: %#v", store.updates)
	}
}

func TestUpdateTaskFailureResyncs(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot(), updErr: domain.Transientf("write failed")}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	title := "renamed"
	if _, err := ctl.UpdateTask("t2", storage.TaskUpdate{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ctl.Flush()
	snap := ctl.Snapshot()
	if snap.Columns[0].Tasks[1].Title != "second" {
		t.Fatalf("failed update not resynced: %#v", snap.Columns[0].Tasks[1])
	}
	if ctl.Err() == nil {
		t.Fatal("expected recorded error")
	}
}

func TestDeleteTaskOptimistic(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	if err := ctl.DeleteTask("t2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if diff := cmp.Diff([]string{"t1", "t3"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("column after delete (-want +got):\n%s", diff)
	}
	ctl.Flush()
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.deletes) != 1 || store.deletes[0] != "t2" {
		t.Fatalf("unexpected persisted deletes: %#v", store.deletes)
	}
}

func TestRenameColumnValidatesAndApplies(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	if _, err := ctl.RenameColumn("c1", ""); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	col, err := ctl.RenameColumn("c1", "Backlog")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if col.Title != "Backlog" {
		t.Fatalf("returned column not renamed: %#v", col)
	}
	if ctl.Snapshot().Columns[0].Title != "Backlog" {
		t.Fatal("held column not renamed")
	}
	ctl.Flush()
}

func TestUpdateBoardApplies(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	color := "bg-red-500"
	board, err := ctl.UpdateBoard(storage.BoardUpdate{Color: &color})
	if err != nil {
		t.Fatalf("update board: %v", err)
	}
	if board.Color != "bg-red-500" || ctl.Snapshot().Board.Color != "bg-red-500" {
		t.Fatalf("board color not applied: %#v", board)
	}
	ctl.Flush()
}

func TestChangeEventTriggersReload(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	feed := &fakeFeed{}
	ctl := openController(t, store, feed, Config{})

	feed.emit(domain.ChangeEvent{
		BoardID: "b1", Table: domain.TableTasks, Kind: domain.ChangeUpdate,
		Row: []byte(`{"id":"t9","columnId":"c1"}`),
	})
	ctl.Flush()
	if store.fetchCount() != 2 {
		t.Fatalf("expected reload, fetches = %d", store.fetchCount())
	}

	// Tasks in columns this board does not hold are irrelevant.
	feed.emit(domain.ChangeEvent{
		BoardID: "b1", Table: domain.TableTasks, Kind: domain.ChangeUpdate,
		Row: []byte(`{"id":"zz","columnId":"other"}`),
	})
	ctl.Flush()
	if store.fetchCount() != 2 {
		t.Fatalf("irrelevant event reloaded, fetches = %d", store.fetchCount())
	}

	// Unreadable rows reload to stay safe.
	feed.emit(domain.ChangeEvent{BoardID: "b1", Table: domain.TableTasks, Kind: domain.ChangeDelete})
	ctl.Flush()
	if store.fetchCount() != 3 {
		t.Fatalf("opaque event ignored, fetches = %d", store.fetchCount())
	}
}

func TestChangeEventForOtherBoardIgnored(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	feed := &fakeFeed{}
	ctl := openController(t, store, feed, Config{})

	feed.emit(domain.ChangeEvent{BoardID: "b2", Table: domain.TableColumns, Kind: domain.ChangeInsert})
	ctl.Flush()
	if store.fetchCount() != 1 {
		t.Fatalf("foreign board event reloaded, fetches = %d", store.fetchCount())
	}
}

func TestExternalChangeOverridesOptimisticState(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	feed := &fakeFeed{}
	ctl := openController(t, store, feed, Config{})

	if err := ctl.ReorderWithinColumn("t1", "t3"); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	// Another client reordered differently; the fetched snapshot wins.
	feed.emit(domain.ChangeEvent{
		BoardID: "b1", Table: domain.TableTasks, Kind: domain.ChangeUpdate,
		Row: []byte(`{"columnId":"c1"}`),
	})
	ctl.Flush()
	if diff := cmp.Diff([]string{"t1", "t2", "t3"}, columnOrder(t, ctl, "c1")); diff != "" {
		t.Fatalf("snapshot not authoritative (-want +got):\n%s", diff)
	}
}

func TestMemberEventRefreshesMembersOnly(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	feed := &fakeFeed{}
	ctl := openController(t, store, feed, Config{})

	userID := "u2"
	store.mu.Lock()
	store.members = []domain.BoardMember{{ID: "m1", BoardID: "b1", UserID: &userID, Role: domain.RoleMember}}
	store.mu.Unlock()

	feed.emit(domain.ChangeEvent{BoardID: "b1", Table: domain.TableBoardMembers, Kind: domain.ChangeInsert})
	ctl.Flush()

	members := ctl.Members()
	if len(members) != 1 || members[0].ID != "m1" {
		t.Fatalf("members not refreshed: %#v", members)
	}
	if store.fetchCount() != 1 {
		t.Fatalf("member event must not refetch the snapshot, fetches = %d", store.fetchCount())
	}
}

func TestReloadsCoalesceAndConvergeToLatest(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	feed := &fakeFeed{}
	ctl := openController(t, store, feed, Config{})

	older := fixtureSnapshot()
	latest := fixtureSnapshot()
	latest.Columns[1].Tasks = append(latest.Columns[1].Tasks,
		domain.Task{ID: "t9", ColumnID: "c2", Title: "fresh", SortOrder: 1})

	store.mu.Lock()
	store.fetchStarted = make(chan struct{})
	store.fetchRelease = make(chan struct{})
	store.fetchQueue = []domain.BoardSnapshot{older, latest}
	store.mu.Unlock()

	colEvent := domain.ChangeEvent{BoardID: "b1", Table: domain.TableColumns, Kind: domain.ChangeUpdate}
	feed.emit(colEvent)
	<-store.fetchStarted
	// Three more events while the fetch is in flight collapse into one
	// follow-up reload.
	feed.emit(colEvent)
	feed.emit(colEvent)
	feed.emit(colEvent)
	store.fetchRelease <- struct{}{}
	<-store.fetchStarted
	store.fetchRelease <- struct{}{}
	ctl.Flush()

	if store.fetchCount() != 3 {
		t.Fatalf("expected open + two coalesced reloads, fetches = %d", store.fetchCount())
	}
	if diff := cmp.Diff([]string{"t4", "t9"}, columnOrder(t, ctl, "c2")); diff != "" {
		t.Fatalf("latest fetch did not win (-want +got):\n%s", diff)
	}
}

func TestCloseDiscardsStateAndUnsubscribes(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	feed := &fakeFeed{}
	ctl := openController(t, store, feed, Config{})

	ctl.Close()
	ctl.Close()
	if ctl.State() != StateClosed {
		t.Fatalf("state after close = %s", ctl.State())
	}
	if len(ctl.Snapshot().Columns) != 0 {
		t.Fatal("state retained after close")
	}
	feed.mu.Lock()
	stopped := feed.stopped
	feed.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected one unsubscribe, got %d", stopped)
	}

	feed.emit(domain.ChangeEvent{BoardID: "b1", Table: domain.TableColumns, Kind: domain.ChangeUpdate})
	ctl.Flush()
	if store.fetchCount() != 1 {
		t.Fatalf("closed controller refetched, fetches = %d", store.fetchCount())
	}
	if err := ctl.MoveTask("t1", "c2", 0); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after close, got %v", err)
	}
}

func TestSnapshotCopyIsIsolated(t *testing.T) {
	store := &fakeStore{snap: fixtureSnapshot()}
	ctl := openController(t, store, &fakeFeed{}, Config{})

	snap := ctl.Snapshot()
	snap.Columns[0].Tasks[0].Title = "mutated"
	snap.Columns[0].Tasks = snap.Columns[0].Tasks[:1]

	held := ctl.Snapshot()
	if held.Columns[0].Tasks[0].Title != "first" || len(held.Columns[0].Tasks) != 3 {
		t.Fatalf("canonical state leaked through copy: %#v", held.Columns[0])
	}
}
