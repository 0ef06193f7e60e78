package api

import (
	"context"
	"time"

	"board-sync/domain"
	"board-sync/storage"
)

// Store is the persistence surface the handlers drive.
type Store interface {
	FetchBoardSnapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
	ListBoardsForUser(ctx context.Context, userID string) ([]domain.Board, error)
	TaskCountsForBoards(ctx context.Context, boardIDs []string) (map[string]int, error)
	CreateBoard(ctx context.Context, userID, title, description, color string) (domain.Board, error)
	UpdateBoard(ctx context.Context, boardID string, upd storage.BoardUpdate) (domain.Board, error)
	DeleteBoard(ctx context.Context, boardID string) error
	CreateColumn(ctx context.Context, boardID, userID, title string) (domain.Column, error)
	UpdateColumnTitle(ctx context.Context, columnID, title string) (domain.Column, error)
	CreateTask(ctx context.Context, columnID string, fields storage.TaskFields) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, upd storage.TaskUpdate) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	MoveTask(ctx context.Context, taskID, targetColumnID string, targetIndex int) error
	RenumberColumn(ctx context.Context, columnID string, orderedTaskIDs []string) error
	BoardIDForColumn(ctx context.Context, columnID string) (string, error)
	BoardIDForTask(ctx context.Context, taskID string) (string, error)
	ListMembers(ctx context.Context, boardID string) ([]domain.BoardMember, error)
	AddMember(ctx context.Context, m domain.BoardMember) (domain.BoardMember, error)
	UpdateMemberRole(ctx context.Context, memberID string, role domain.Role) (domain.BoardMember, error)
	RemoveMember(ctx context.Context, memberID string) error
	ListLabels(ctx context.Context, boardID string) ([]domain.Label, error)
	CreateLabel(ctx context.Context, boardID, name, color string) (domain.Label, error)
	DeleteLabel(ctx context.Context, labelID string) error
	AssignLabel(ctx context.Context, taskID, labelID string) error
	RemoveLabel(ctx context.Context, taskID, labelID string) error
	ListComments(ctx context.Context, taskID string) ([]domain.Comment, error)
	AddComment(ctx context.Context, taskID, userID, content string) (domain.Comment, error)
}

// Invalidator drops cached board snapshots after a mutation.
type Invalidator interface {
	InvalidateBoard(ctx context.Context, boardID string)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Subscriber opens a change subscription for one board.
type Subscriber interface {
	Subscribe(ctx context.Context, boardID string, onChange func(domain.ChangeEvent)) (func(), error)
}

const requestBodyMaxSize = 64 * 1024 // 64 KiB

type errorResponse struct {
	Error string `json:"error"`
}

type boardsResponse struct {
	Boards []boardListItem `json:"boards"`
}

type boardListItem struct {
	domain.Board
	TaskCount int `json:"taskCount"`
}

type createBoardRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

type updateBoardRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Color       *string `json:"color"`
}

type columnRequest struct {
	Title string `json:"title"`
}

type createTaskRequest struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	DueDate       *time.Time      `json:"dueDate"`
	Priority      domain.Priority `json:"priority"`
	Assignee      string          `json:"assignee"`
	AttachmentURL string          `json:"attachmentUrl"`
	LabelIDs      []string        `json:"labelIds"`
}

type updateTaskRequest struct {
	Title         *string          `json:"title"`
	Description   *string          `json:"description"`
	DueDate       *time.Time       `json:"dueDate"`
	ClearDueDate  bool             `json:"clearDueDate"`
	Priority      *domain.Priority `json:"priority"`
	Assignee      *string          `json:"assignee"`
	AttachmentURL *string          `json:"attachmentUrl"`
}

type moveTaskRequest struct {
	ColumnID string `json:"columnId"`
	Index    int    `json:"index"`
}

type addMemberRequest struct {
	UserID         *string     `json:"userId"`
	ExternalUserID *string     `json:"externalUserId"`
	UserEmail      *string     `json:"userEmail"`
	Role           domain.Role `json:"role"`
}

type memberRoleRequest struct {
	Role domain.Role `json:"role"`
}

type labelRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type commentRequest struct {
	Content string `json:"content"`
}
