package domain

import (
	"strings"
	"time"
)

// Priority classifies how urgent a task is.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Role describes what a board member is allowed to do.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Board is the top-level container of columns and tasks, owned by one user.
type Board struct {
	ID          string    `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description,omitempty" db:"description"`
	Color       string    `json:"color" db:"color"`
	UserID      string    `json:"userId" db:"user_id"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Column is an ordered bucket of tasks within a board.
type Column struct {
	ID        string    `json:"id" db:"id"`
	BoardID   string    `json:"boardId" db:"board_id"`
	Title     string    `json:"title" db:"title"`
	SortOrder int       `json:"sortOrder" db:"sort_order"`
	UserID    string    `json:"userId" db:"user_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Task is a single unit of work inside a column.
type Task struct {
	ID            string     `json:"id" db:"id"`
	ColumnID      string     `json:"columnId" db:"column_id"`
	Title         string     `json:"title" db:"title"`
	Description   string     `json:"description,omitempty" db:"description"`
	DueDate       *time.Time `json:"dueDate,omitempty" db:"due_date"`
	Priority      Priority   `json:"priority" db:"priority"`
	Assignee      string     `json:"assignee,omitempty" db:"assignee"`
	AttachmentURL string     `json:"attachmentUrl,omitempty" db:"attachment_url"`
	SortOrder     int        `json:"sortOrder" db:"sort_order"`
	Labels        []Label    `json:"labels,omitempty" db:"-"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
}

// ColumnWithTasks pairs a column with its ordered task list.
type ColumnWithTasks struct {
	Column
	Tasks []Task `json:"tasks"`
}

// Label is a named color tag scoped to one board.
type Label struct {
	ID        string    `json:"id" db:"id"`
	BoardID   string    `json:"boardId" db:"board_id"`
	Name      string    `json:"name" db:"name"`
	Color     string    `json:"color" db:"color"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// BoardMember records a collaborator on a board. UserID is nil until a
// pending external invitation resolves to a real account.
type BoardMember struct {
	ID             string    `json:"id" db:"id"`
	BoardID        string    `json:"boardId" db:"board_id"`
	UserID         *string   `json:"userId" db:"user_id"`
	ExternalUserID *string   `json:"externalUserId,omitempty" db:"external_user_id"`
	UserEmail      *string   `json:"userEmail,omitempty" db:"user_email"`
	Role           Role      `json:"role" db:"role"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// Comment is a user-authored note on a task.
type Comment struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"taskId" db:"task_id"`
	UserID    string    `json:"userId" db:"user_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// AppUser is the read-only profile shape supplied by the identity provider.
type AppUser struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	FullName  string `json:"fullName,omitempty"`
}

// BoardSnapshot is the authoritative state of one board as fetched from the
// store: the board row plus its columns with ordered tasks.
type BoardSnapshot struct {
	Board   Board             `json:"board"`
	Columns []ColumnWithTasks `json:"columns"`
}

// ValidateTitle rejects blank titles before they reach the store.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return ValidationError{Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// ValidateContent rejects blank comment bodies.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ValidationError{Field: "content", Reason: "must not be empty"}
	}
	return nil
}
