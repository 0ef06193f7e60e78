package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Publisher announces row-level changes after successful writes. Delivery is
// best effort: a publish failure never fails the write that caused it.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// Invalidator drops a board's cached snapshot. It runs before the change
// event goes out: a subscriber refetching on the event must never be served
// the pre-mutation snapshot, which would stay pinned until its TTL.
type Invalidator interface {
	InvalidateBoard(ctx context.Context, boardID string)
}

// Storage persists boards, columns, tasks, members, labels and comments in
// Postgres and announces every mutation on the board's change feed.
type Storage struct {
	db  *sqlx.DB
	pub Publisher
	inv Invalidator
}

// New creates a Storage instance over the given database handle. pub may be
// nil when no change feed is wired (tests).
func New(db *sqlx.DB, pub Publisher) *Storage {
	return &Storage{db: db, pub: pub}
}

// defaultColumns seeds every new board with the standard four-stage flow.
var defaultColumns = []string{"To Do", "In Progress", "Review", "Done"}

const defaultBoardColor = "bg-blue-500"

// mapError translates driver failures into the adapter's error kinds.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf("%s", op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation", "foreign_key_violation":
			return domain.Conflictf("%s: %s", op, pqErr.Code.Name())
		}
		// Class 08: connection exceptions, 53: insufficient resources,
		// 57: operator intervention (shutdowns, cancellations).
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return domain.Transientf("%s: %s", op, pqErr.Code.Name())
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return domain.Transientf("%s: %v", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Storage) publish(ctx context.Context, boardID, table, kind string, row any) {
	if boardID == "" {
		return
	}
	if s.inv != nil {
		s.inv.InvalidateBoard(ctx, boardID)
	}
	if s.pub == nil {
		return
	}
	var raw json.RawMessage
	if row != nil {
		data, err := json.Marshal(row)
		if err != nil {
			log.Errorf("marshal change row: %v", err)
		} else {
			raw = data
		}
	}
	ev := domain.ChangeEvent{BoardID: boardID, Table: table, Kind: kind, Row: raw}
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.WithFields(log.Fields{"board": boardID, "table": table, "kind": kind}).
			Errorf("publish change: %v", err)
	}
}

// FetchBoardSnapshot returns the authoritative state of one board: the board
// row plus its columns with tasks ordered by (sort_order, created_at) and
// labels attached.
func (s *Storage) FetchBoardSnapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	var board domain.Board
	err := s.db.GetContext(ctx, &board,
		`SELECT id, title, description, color, user_id, created_at, updated_at
		   FROM boards WHERE id = $1`, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, mapError("fetch board "+boardID, err)
	}

	var columns []domain.Column
	err = s.db.SelectContext(ctx, &columns,
		`SELECT id, board_id, title, sort_order, user_id, created_at
		   FROM columns WHERE board_id = $1
		  ORDER BY sort_order, created_at`, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, mapError("fetch columns for board "+boardID, err)
	}

	var tasks []domain.Task
	err = s.db.SelectContext(ctx, &tasks,
		`SELECT t.id, t.column_id, t.title, t.description, t.due_date, t.priority,
		        t.assignee, t.attachment_url, t.sort_order, t.created_at
		   FROM tasks t
		   JOIN columns c ON c.id = t.column_id
		  WHERE c.board_id = $1
		  ORDER BY t.sort_order, t.created_at`, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, mapError("fetch tasks for board "+boardID, err)
	}

	type taskLabelRow struct {
		TaskID string `db:"task_id"`
		domain.Label
	}
	var labelRows []taskLabelRow
	err = s.db.SelectContext(ctx, &labelRows,
		`SELECT tl.task_id, l.id, l.board_id, l.name, l.color, l.created_at
		   FROM task_labels tl
		   JOIN labels l ON l.id = tl.label_id
		   JOIN tasks t ON t.id = tl.task_id
		   JOIN columns c ON c.id = t.column_id
		  WHERE c.board_id = $1
		  ORDER BY l.name`, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, mapError("fetch labels for board "+boardID, err)
	}
	labelsByTask := make(map[string][]domain.Label, len(labelRows))
	for _, row := range labelRows {
		labelsByTask[row.TaskID] = append(labelsByTask[row.TaskID], row.Label)
	}
	for i := range tasks {
		tasks[i].Labels = labelsByTask[tasks[i].ID]
	}

	return AssembleSnapshot(board, columns, tasks), nil
}

// AssembleSnapshot groups tasks under their columns, preserving the order of
// both input slices.
func AssembleSnapshot(board domain.Board, columns []domain.Column, tasks []domain.Task) domain.BoardSnapshot {
	byColumn := make(map[string][]domain.Task, len(columns))
	for _, t := range tasks {
		byColumn[t.ColumnID] = append(byColumn[t.ColumnID], t)
	}
	cols := make([]domain.ColumnWithTasks, 0, len(columns))
	for _, c := range columns {
		colTasks := byColumn[c.ID]
		if colTasks == nil {
			colTasks = []domain.Task{}
		}
		cols = append(cols, domain.ColumnWithTasks{Column: c, Tasks: colTasks})
	}
	return domain.BoardSnapshot{Board: board, Columns: cols}
}

// ListBoardsForUser returns boards the user owns or is a member of, newest
// first, without duplicates.
func (s *Storage) ListBoardsForUser(ctx context.Context, userID string) ([]domain.Board, error) {
	var boards []domain.Board
	err := s.db.SelectContext(ctx, &boards,
		`SELECT DISTINCT b.id, b.title, b.description, b.color, b.user_id, b.created_at, b.updated_at
		   FROM boards b
		   LEFT JOIN board_members m ON m.board_id = b.id
		  WHERE b.user_id = $1 OR m.user_id = $1
		  ORDER BY b.created_at DESC`, userID)
	if err != nil {
		return nil, mapError("list boards for "+userID, err)
	}
	return boards, nil
}

// TaskCountsForBoards returns the number of tasks on each of the given boards.
func (s *Storage) TaskCountsForBoards(ctx context.Context, boardIDs []string) (map[string]int, error) {
	if len(boardIDs) == 0 {
		return map[string]int{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT c.board_id, COUNT(t.id) AS n
		   FROM columns c
		   LEFT JOIN tasks t ON t.column_id = c.id
		  WHERE c.board_id IN (?)
		  GROUP BY c.board_id`, boardIDs)
	if err != nil {
		return nil, fmt.Errorf("build task count query: %w", err)
	}
	var rows []struct {
		BoardID string `db:"board_id"`
		N       int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, mapError("count tasks", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.BoardID] = r.N
	}
	return counts, nil
}

// CreateBoard inserts a board owned by userID together with the default
// column set.
func (s *Storage) CreateBoard(ctx context.Context, userID, title, description, color string) (domain.Board, error) {
	if color == "" {
		color = defaultBoardColor
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Board{}, mapError("begin create board", err)
	}
	defer tx.Rollback()

	var board domain.Board
	err = tx.GetContext(ctx, &board,
		`INSERT INTO boards (id, title, description, color, user_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, title, description, color, user_id, created_at, updated_at`,
		uuid.NewString(), title, description, color, userID)
	if err != nil {
		return domain.Board{}, mapError("create board", err)
	}
	for i, colTitle := range defaultColumns {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO columns (id, board_id, title, sort_order, user_id)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), board.ID, colTitle, i, userID)
		if err != nil {
			return domain.Board{}, mapError("create default column", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Board{}, mapError("commit create board", err)
	}
	s.publish(ctx, board.ID, domain.TableBoards, domain.ChangeInsert, board)
	return board, nil
}

// BoardUpdate carries partial updates for a board. Nil fields are untouched.
type BoardUpdate struct {
	Title       *string
	Description *string
	Color       *string
}

// UpdateBoard applies upd and bumps updated_at.
func (s *Storage) UpdateBoard(ctx context.Context, boardID string, upd BoardUpdate) (domain.Board, error) {
	sets := []string{"updated_at = now()"}
	args := []any{}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.Color != nil {
		add("color", *upd.Color)
	}
	args = append(args, boardID)
	var board domain.Board
	err := s.db.GetContext(ctx, &board,
		fmt.Sprintf(`UPDATE boards SET %s WHERE id = $%d
		 RETURNING id, title, description, color, user_id, created_at, updated_at`,
			strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return domain.Board{}, mapError("update board "+boardID, err)
	}
	s.publish(ctx, board.ID, domain.TableBoards, domain.ChangeUpdate, board)
	return board, nil
}

// DeleteBoard removes the board; columns, tasks, members, labels and comments
// cascade at the schema level.
func (s *Storage) DeleteBoard(ctx context.Context, boardID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id = $1`, boardID)
	if err != nil {
		return mapError("delete board "+boardID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("delete board %s", boardID)
	}
	s.publish(ctx, boardID, domain.TableBoards, domain.ChangeDelete, map[string]string{"id": boardID})
	return nil
}

// CreateColumn appends a column to the board.
func (s *Storage) CreateColumn(ctx context.Context, boardID, userID, title string) (domain.Column, error) {
	var column domain.Column
	err := s.db.GetContext(ctx, &column,
		`INSERT INTO columns (id, board_id, title, sort_order, user_id)
		 VALUES ($1, $2, $3,
		         (SELECT COUNT(*) FROM columns WHERE board_id = $2), $4)
		 RETURNING id, board_id, title, sort_order, user_id, created_at`,
		uuid.NewString(), boardID, title, userID)
	if err != nil {
		return domain.Column{}, mapError("create column on board "+boardID, err)
	}
	s.publish(ctx, boardID, domain.TableColumns, domain.ChangeInsert, column)
	return column, nil
}

// UpdateColumnTitle renames a column.
func (s *Storage) UpdateColumnTitle(ctx context.Context, columnID, title string) (domain.Column, error) {
	var column domain.Column
	err := s.db.GetContext(ctx, &column,
		`UPDATE columns SET title = $1 WHERE id = $2
		 RETURNING id, board_id, title, sort_order, user_id, created_at`,
		title, columnID)
	if err != nil {
		return domain.Column{}, mapError("update column "+columnID, err)
	}
	s.publish(ctx, column.BoardID, domain.TableColumns, domain.ChangeUpdate, column)
	return column, nil
}

// TaskFields holds the caller-supplied fields for a new task. SortOrder, when
// set, must equal the column's current length; otherwise the store assigns
// the authoritative append position.
type TaskFields struct {
	Title         string
	Description   string
	DueDate       *time.Time
	Priority      domain.Priority
	Assignee      string
	AttachmentURL string
	SortOrder     *int
	LabelIDs      []string
}

// CreateTask appends a task to the column.
func (s *Storage) CreateTask(ctx context.Context, columnID string, fields TaskFields) (domain.Task, error) {
	if fields.Priority == "" {
		fields.Priority = domain.PriorityMedium
	}
	boardID, err := s.boardIDForColumn(ctx, columnID)
	if err != nil {
		return domain.Task{}, err
	}
	var task domain.Task
	err = s.db.GetContext(ctx, &task,
		`INSERT INTO tasks (id, column_id, title, description, due_date, priority,
		                    assignee, attachment_url, sort_order)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         (SELECT COUNT(*) FROM tasks WHERE column_id = $2))
		 RETURNING id, column_id, title, description, due_date, priority,
		           assignee, attachment_url, sort_order, created_at`,
		uuid.NewString(), columnID, fields.Title, fields.Description,
		fields.DueDate, fields.Priority, fields.Assignee, fields.AttachmentURL)
	if err != nil {
		return domain.Task{}, mapError("create task in column "+columnID, err)
	}
	for _, labelID := range fields.LabelIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO task_labels (task_id, label_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, task.ID, labelID); err != nil {
			log.Errorf("assign label %s on creation: %v", labelID, err)
		}
	}
	if len(fields.LabelIDs) > 0 {
		if labels, lerr := s.labelsForTask(ctx, task.ID); lerr == nil {
			task.Labels = labels
		}
	}
	s.publish(ctx, boardID, domain.TableTasks, domain.ChangeInsert, task)
	return task, nil
}

// MoveTask reassigns the task's column and position. The caller renumbers
// the rest of the affected columns; the store only records the moved row.
func (s *Storage) MoveTask(ctx context.Context, taskID, targetColumnID string, targetIndex int) error {
	boardID, err := s.boardIDForColumn(ctx, targetColumnID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET column_id = $1, sort_order = $2 WHERE id = $3`,
		targetColumnID, targetIndex, taskID)
	if err != nil {
		return mapError("move task "+taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("move task %s: task vanished", taskID)
	}
	s.publish(ctx, boardID, domain.TableTasks, domain.ChangeUpdate, map[string]any{
		"id": taskID, "columnId": targetColumnID, "sortOrder": targetIndex,
	})
	return nil
}

// RenumberColumn persists a full dense position sequence for one column.
// Every local reorder rewrites the affected columns this way.
func (s *Storage) RenumberColumn(ctx context.Context, columnID string, orderedTaskIDs []string) error {
	boardID, err := s.boardIDForColumn(ctx, columnID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("begin renumber column "+columnID, err)
	}
	defer tx.Rollback()
	for i, taskID := range orderedTaskIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET sort_order = $1 WHERE id = $2 AND column_id = $3`,
			i, taskID, columnID); err != nil {
			return mapError("renumber task "+taskID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit renumber column "+columnID, err)
	}
	s.publish(ctx, boardID, domain.TableTasks, domain.ChangeUpdate, map[string]any{
		"columnId": columnID,
	})
	return nil
}

// TaskUpdate carries partial updates for a task. Nil fields are untouched;
// ClearDueDate removes an existing due date.
type TaskUpdate struct {
	Title         *string
	Description   *string
	DueDate       *time.Time
	ClearDueDate  bool
	Priority      *domain.Priority
	Assignee      *string
	AttachmentURL *string
}

// UpdateTask applies upd and returns the stored row with labels attached.
func (s *Storage) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (domain.Task, error) {
	sets := []string{}
	args := []any{}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.DueDate != nil {
		add("due_date", *upd.DueDate)
	} else if upd.ClearDueDate {
		sets = append(sets, "due_date = NULL")
	}
	if upd.Priority != nil {
		add("priority", *upd.Priority)
	}
	if upd.Assignee != nil {
		add("assignee", *upd.Assignee)
	}
	if upd.AttachmentURL != nil {
		add("attachment_url", *upd.AttachmentURL)
	}
	if len(sets) == 0 {
		return domain.Task{}, domain.ValidationError{Field: "update", Reason: "no fields to change"}
	}
	args = append(args, taskID)
	var task domain.Task
	err := s.db.GetContext(ctx, &task,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d
		 RETURNING id, column_id, title, description, due_date, priority,
		           assignee, attachment_url, sort_order, created_at`,
			strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return domain.Task{}, mapError("update task "+taskID, err)
	}
	if labels, lerr := s.labelsForTask(ctx, task.ID); lerr == nil {
		task.Labels = labels
	}
	if boardID, berr := s.boardIDForTask(ctx, task.ID); berr == nil {
		s.publish(ctx, boardID, domain.TableTasks, domain.ChangeUpdate, task)
	}
	return task, nil
}

// DeleteTask removes the task; its label links and comments cascade.
func (s *Storage) DeleteTask(ctx context.Context, taskID string) error {
	var row struct {
		ColumnID string `db:"column_id"`
		BoardID  string `db:"board_id"`
	}
	err := s.db.GetContext(ctx, &row,
		`DELETE FROM tasks t
		  USING columns c
		  WHERE t.id = $1 AND c.id = t.column_id
		 RETURNING t.column_id, c.board_id`, taskID)
	if err != nil {
		return mapError("delete task "+taskID, err)
	}
	s.publish(ctx, row.BoardID, domain.TableTasks, domain.ChangeDelete, map[string]string{
		"id": taskID, "columnId": row.ColumnID,
	})
	return nil
}

// ListMembers returns the board's membership rows, oldest first.
func (s *Storage) ListMembers(ctx context.Context, boardID string) ([]domain.BoardMember, error) {
	var members []domain.BoardMember
	err := s.db.SelectContext(ctx, &members,
		`SELECT id, board_id, user_id, external_user_id, user_email, role, created_at
		   FROM board_members WHERE board_id = $1
		  ORDER BY created_at`, boardID)
	if err != nil {
		return nil, mapError("list members for board "+boardID, err)
	}
	return members, nil
}

// AddMember inserts a membership row. A duplicate (board, user) pair is a
// no-op and the existing row is returned.
func (s *Storage) AddMember(ctx context.Context, m domain.BoardMember) (domain.BoardMember, error) {
	if !m.Role.Valid() {
		return domain.BoardMember{}, domain.ValidationError{Field: "role", Reason: "unknown role"}
	}
	var member domain.BoardMember
	inserted := true
	err := s.db.GetContext(ctx, &member,
		`INSERT INTO board_members (id, board_id, user_id, external_user_id, user_email, role)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (board_id, user_id) DO NOTHING
		 RETURNING id, board_id, user_id, external_user_id, user_email, role, created_at`,
		uuid.NewString(), m.BoardID, m.UserID, m.ExternalUserID, m.UserEmail, m.Role)
	if errors.Is(err, sql.ErrNoRows) {
		// The (board, user) pair already exists; return it unchanged.
		inserted = false
		err = s.db.GetContext(ctx, &member,
			`SELECT id, board_id, user_id, external_user_id, user_email, role, created_at
			   FROM board_members WHERE board_id = $1 AND user_id = $2`,
			m.BoardID, m.UserID)
	}
	if err != nil {
		return domain.BoardMember{}, mapError("add member to board "+m.BoardID, err)
	}
	// A duplicate invite changed nothing; announcing it would only trigger
	// pointless member refreshes on every open client.
	if inserted {
		s.publish(ctx, m.BoardID, domain.TableBoardMembers, domain.ChangeInsert, member)
	}
	return member, nil
}

// UpdateMemberRole changes a member's role.
func (s *Storage) UpdateMemberRole(ctx context.Context, memberID string, role domain.Role) (domain.BoardMember, error) {
	if !role.Valid() {
		return domain.BoardMember{}, domain.ValidationError{Field: "role", Reason: "unknown role"}
	}
	var member domain.BoardMember
	err := s.db.GetContext(ctx, &member,
		`UPDATE board_members SET role = $1 WHERE id = $2
		 RETURNING id, board_id, user_id, external_user_id, user_email, role, created_at`,
		role, memberID)
	if err != nil {
		return domain.BoardMember{}, mapError("update member "+memberID, err)
	}
	s.publish(ctx, member.BoardID, domain.TableBoardMembers, domain.ChangeUpdate, member)
	return member, nil
}

// RemoveMember deletes a membership row.
func (s *Storage) RemoveMember(ctx context.Context, memberID string) error {
	var boardID string
	err := s.db.GetContext(ctx, &boardID,
		`DELETE FROM board_members WHERE id = $1 RETURNING board_id`, memberID)
	if err != nil {
		return mapError("remove member "+memberID, err)
	}
	s.publish(ctx, boardID, domain.TableBoardMembers, domain.ChangeDelete, map[string]string{"id": memberID})
	return nil
}

// ListLabels returns the board's labels ordered by name.
func (s *Storage) ListLabels(ctx context.Context, boardID string) ([]domain.Label, error) {
	var labels []domain.Label
	err := s.db.SelectContext(ctx, &labels,
		`SELECT id, board_id, name, color, created_at
		   FROM labels WHERE board_id = $1 ORDER BY name`, boardID)
	if err != nil {
		return nil, mapError("list labels for board "+boardID, err)
	}
	return labels, nil
}

// CreateLabel inserts a label, returning the existing row when the board
// already has one with the same name.
func (s *Storage) CreateLabel(ctx context.Context, boardID, name, color string) (domain.Label, error) {
	var label domain.Label
	err := s.db.GetContext(ctx, &label,
		`INSERT INTO labels (id, board_id, name, color)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (board_id, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, board_id, name, color, created_at`,
		uuid.NewString(), boardID, name, color)
	if err != nil {
		return domain.Label{}, mapError("create label on board "+boardID, err)
	}
	s.publish(ctx, boardID, domain.TableLabels, domain.ChangeInsert, label)
	return label, nil
}

// DeleteLabel removes a label and its task links.
func (s *Storage) DeleteLabel(ctx context.Context, labelID string) error {
	var boardID string
	err := s.db.GetContext(ctx, &boardID,
		`DELETE FROM labels WHERE id = $1 RETURNING board_id`, labelID)
	if err != nil {
		return mapError("delete label "+labelID, err)
	}
	s.publish(ctx, boardID, domain.TableLabels, domain.ChangeDelete, map[string]string{"id": labelID})
	return nil
}

// AssignLabel links a label to a task. Assigning an already-present label is
// a no-op, even when two assigns race past the conflict clause.
func (s *Storage) AssignLabel(ctx context.Context, taskID, labelID string) error {
	boardID, err := s.boardIDForTask(ctx, taskID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_labels (task_id, label_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, taskID, labelID)
	if err != nil {
		return mapLabelLinkError("assign label "+labelID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(ctx, boardID, domain.TableTaskLabels, domain.ChangeInsert, map[string]string{
			"task_id": taskID, "label_id": labelID,
		})
	}
	return nil
}

// RemoveLabel unlinks a label from a task. Removing an absent label is a
// no-op.
func (s *Storage) RemoveLabel(ctx context.Context, taskID, labelID string) error {
	boardID, err := s.boardIDForTask(ctx, taskID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_labels WHERE task_id = $1 AND label_id = $2`, taskID, labelID)
	if err != nil {
		return mapError("remove label "+labelID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(ctx, boardID, domain.TableTaskLabels, domain.ChangeDelete, map[string]string{
			"task_id": taskID, "label_id": labelID,
		})
	}
	return nil
}

// mapLabelLinkError swallows unique violations on the task_labels pair: the
// link already exists, which is the state the caller asked for.
func mapLabelLinkError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return nil
	}
	return mapError(op, err)
}

// ListComments returns a task's comments, oldest first.
func (s *Storage) ListComments(ctx context.Context, taskID string) ([]domain.Comment, error) {
	var comments []domain.Comment
	err := s.db.SelectContext(ctx, &comments,
		`SELECT id, task_id, user_id, content, created_at
		   FROM comments WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, mapError("list comments for task "+taskID, err)
	}
	return comments, nil
}

// AddComment stores a comment authored by userID.
func (s *Storage) AddComment(ctx context.Context, taskID, userID, content string) (domain.Comment, error) {
	boardID, err := s.boardIDForTask(ctx, taskID)
	if err != nil {
		return domain.Comment{}, err
	}
	var comment domain.Comment
	err = s.db.GetContext(ctx, &comment,
		`INSERT INTO comments (id, task_id, user_id, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, task_id, user_id, content, created_at`,
		uuid.NewString(), taskID, userID, content)
	if err != nil {
		return domain.Comment{}, mapError("add comment to task "+taskID, err)
	}
	s.publish(ctx, boardID, domain.TableComments, domain.ChangeInsert, comment)
	return comment, nil
}

// BoardIDForColumn resolves a column to the board that owns it.
func (s *Storage) BoardIDForColumn(ctx context.Context, columnID string) (string, error) {
	return s.boardIDForColumn(ctx, columnID)
}

// BoardIDForTask resolves a task to the board that owns it.
func (s *Storage) BoardIDForTask(ctx context.Context, taskID string) (string, error) {
	return s.boardIDForTask(ctx, taskID)
}

func (s *Storage) boardIDForColumn(ctx context.Context, columnID string) (string, error) {
	var boardID string
	err := s.db.GetContext(ctx, &boardID,
		`SELECT board_id FROM columns WHERE id = $1`, columnID)
	if err != nil {
		return "", mapError("resolve column "+columnID, err)
	}
	return boardID, nil
}

func (s *Storage) boardIDForTask(ctx context.Context, taskID string) (string, error) {
	var boardID string
	err := s.db.GetContext(ctx, &boardID,
		`SELECT c.board_id FROM tasks t JOIN columns c ON c.id = t.column_id
		  WHERE t.id = $1`, taskID)
	if err != nil {
		return "", mapError("resolve task "+taskID, err)
	}
	return boardID, nil
}

func (s *Storage) labelsForTask(ctx context.Context, taskID string) ([]domain.Label, error) {
	var labels []domain.Label
	err := s.db.SelectContext(ctx, &labels,
		`SELECT l.id, l.board_id, l.name, l.color, l.created_at
		   FROM task_labels tl JOIN labels l ON l.id = tl.label_id
		  WHERE tl.task_id = $1 ORDER BY l.name`, taskID)
	if err != nil {
		return nil, mapError("fetch labels for task "+taskID, err)
	}
	return labels, nil
}
