package board

import (
	"strings"
	"time"

	"board-sync/domain"
)

// TaskFilter selects tasks from a snapshot. Empty fields match everything.
type TaskFilter struct {
	Priorities []domain.Priority
	Assignees  []string
	LabelIDs   []string
	DueBefore  *time.Time
	DueAfter   *time.Time
	Query      string
}

// Matches reports whether the task passes every populated criterion.
func (f TaskFilter) Matches(t domain.Task) bool {
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, t.Priority) {
		return false
	}
	if len(f.Assignees) > 0 && !containsString(f.Assignees, t.Assignee) {
		return false
	}
	if len(f.LabelIDs) > 0 && !hasAnyLabel(t.Labels, f.LabelIDs) {
		return false
	}
	if f.DueBefore != nil && (t.DueDate == nil || t.DueDate.After(*f.DueBefore)) {
		return false
	}
	if f.DueAfter != nil && (t.DueDate == nil || t.DueDate.Before(*f.DueAfter)) {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(t.Title), q) &&
			!strings.Contains(strings.ToLower(t.Description), q) {
			return false
		}
	}
	return true
}

// FilterColumns returns the columns with only matching tasks. The input is
// never modified; every returned column carries a fresh task slice.
func FilterColumns(cols []domain.ColumnWithTasks, f TaskFilter) []domain.ColumnWithTasks {
	out := make([]domain.ColumnWithTasks, len(cols))
	for i, col := range cols {
		kept := []domain.Task{}
		for _, t := range col.Tasks {
			if f.Matches(t) {
				kept = append(kept, t)
			}
		}
		col.Tasks = kept
		out[i] = col
	}
	return out
}

// Filter returns a filtered view of the held columns. The canonical state is
// copied first, so the view can be mutated freely.
func (c *Controller) Filter(f TaskFilter) []domain.ColumnWithTasks {
	c.mu.Lock()
	cols := cloneColumns(c.snap.Columns)
	c.mu.Unlock()
	return FilterColumns(cols, f)
}

func containsPriority(set []domain.Priority, p domain.Priority) bool {
	for _, v := range set {
		if v == p {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func hasAnyLabel(labels []domain.Label, ids []string) bool {
	for _, l := range labels {
		for _, id := range ids {
			if l.ID == id {
				return true
			}
		}
	}
	return false
}
