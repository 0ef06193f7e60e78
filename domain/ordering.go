package domain

import "sort"

// Positions are dense integers re-derived from array order on every local
// mutation: a move splices the slice and Renumber rewrites 0..N-1. The store
// only ever sees contiguous sort orders.

// PositionForInsertAt returns the position that places an item immediately
// before the item currently at index in a list of the given length. Out of
// range indices clamp, so any index is a valid append or prepend.
func PositionForInsertAt(length, index int) int {
	if index < 0 {
		return 0
	}
	if index > length {
		return length
	}
	return index
}

// Renumber rewrites sort orders as the dense sequence 0..len-1 in slice order.
func Renumber(tasks []Task) {
	for i := range tasks {
		tasks[i].SortOrder = i
	}
}

// SortTasks orders tasks by sort order ascending. Ties keep insertion order.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].SortOrder < tasks[j].SortOrder
	})
}

// SortColumns orders columns by sort order ascending, stable on ties.
func SortColumns(cols []ColumnWithTasks) {
	sort.SliceStable(cols, func(i, j int) bool {
		return cols[i].SortOrder < cols[j].SortOrder
	})
}

// InsertTaskAt splices t into tasks before index, clamping out-of-range
// indices to a prepend or append.
func InsertTaskAt(tasks []Task, t Task, index int) []Task {
	index = PositionForInsertAt(len(tasks), index)
	tasks = append(tasks, Task{})
	copy(tasks[index+1:], tasks[index:])
	tasks[index] = t
	return tasks
}

// RemoveTaskAt removes and returns the task at index. The bool is false when
// index is out of range and the slice is returned unchanged.
func RemoveTaskAt(tasks []Task, index int) ([]Task, Task, bool) {
	if index < 0 || index >= len(tasks) {
		return tasks, Task{}, false
	}
	removed := tasks[index]
	tasks = append(tasks[:index], tasks[index+1:]...)
	return tasks, removed, true
}

// SpliceTask moves the task at from so it lands at to within the same list.
// Both indices clamp; an identity splice returns the list unchanged.
func SpliceTask(tasks []Task, from, to int) []Task {
	if len(tasks) == 0 {
		return tasks
	}
	if from < 0 {
		from = 0
	}
	if from >= len(tasks) {
		from = len(tasks) - 1
	}
	tasks, moved, ok := RemoveTaskAt(tasks, from)
	if !ok {
		return tasks
	}
	return InsertTaskAt(tasks, moved, to)
}

// TaskIndex returns the position of the task with the given id, or -1.
func TaskIndex(tasks []Task, taskID string) int {
	for i := range tasks {
		if tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}
