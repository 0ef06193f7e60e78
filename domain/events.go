package domain

import "encoding/json"

// Tables whose row changes are announced on the board change feed.
const (
	TableBoards       = "boards"
	TableColumns      = "columns"
	TableTasks        = "tasks"
	TableBoardMembers = "board_members"
	TableLabels       = "labels"
	TableTaskLabels   = "task_labels"
	TableComments     = "comments"
)

// Change kinds carried by a ChangeEvent.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// ChangeEvent describes one row-level change pushed to every client
// subscribed to a board, including the client that caused it. Delivery is
// at-least-once; consumers must tolerate duplicates and their own echo.
type ChangeEvent struct {
	ID      string          `json:"id"`
	BoardID string          `json:"boardId"`
	Table   string          `json:"table"`
	Kind    string          `json:"kind"`
	Row     json.RawMessage `json:"row,omitempty"`
}
