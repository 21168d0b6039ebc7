// Package repository persists leave requests, routine days and the
// notification log. The Postgres store is the authoritative source for both
// the push and pull paths; the memory store backs tests and ephemeral runs.
package repository

import (
	"context"
	"errors"
	"time"

	"campusfeed/internal/model"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// LeaveFilter narrows ListLeaveRequests.
type LeaveFilter struct {
	Requester string
	CourseRef string
	Status    string
	Limit     int
}

// RoutineFilter narrows ListRoutineDays. Month is "YYYY-MM"; FacultyID
// matches days the identity teaches.
type RoutineFilter struct {
	RoutineID string
	Month     string
	FacultyID string
}

// LeaveStore is the persistence surface of the leave workflow.
type LeaveStore interface {
	CreateLeaveRequest(ctx context.Context, req model.LeaveRequest) error
	GetLeaveRequest(ctx context.Context, id string) (model.LeaveRequest, error)
	ListLeaveRequests(ctx context.Context, filter LeaveFilter) ([]model.LeaveRequest, error)
	// UpdateLeaveStatus moves id from one status to another and reports
	// whether a row changed. No row changes when the current status is not
	// `from`, which keeps concurrent deciders from both winning.
	UpdateLeaveStatus(ctx context.Context, id string, from, to model.LeaveStatus, decidedBy string, decidedAt time.Time) (bool, error)
}

// RoutineStore is the persistence surface of the routine-day workflow.
type RoutineStore interface {
	CreateRoutineDay(ctx context.Context, day model.RoutineDay) error
	GetRoutineDay(ctx context.Context, routineID string, dayIndex int) (model.RoutineDay, error)
	ListRoutineDays(ctx context.Context, filter RoutineFilter) ([]model.RoutineDay, error)
	// UpdateRoutineDayStatus is conditional the same way UpdateLeaveStatus is.
	UpdateRoutineDayStatus(ctx context.Context, routineID string, dayIndex int, from, to model.RoutineDayStatus) (bool, error)
	// SetRoutineDayNote attaches the note reference only while the day is in
	// `status`; it reports whether a row changed.
	SetRoutineDayNote(ctx context.Context, routineID string, dayIndex int, status model.RoutineDayStatus, note string) (bool, error)
}

// NotificationStore is the authoritative notification log the dispatcher
// writes before publishing and reads to answer snapshots.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n model.Notification) error
	// ListNotifications returns notifications addressed to the identity, to
	// any of the roles, or broadcast, most recent first.
	ListNotifications(ctx context.Context, identity string, roles []string, limit int) ([]model.Notification, error)
	// DeleteNotificationsBefore prunes the log and returns the removed count.
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the three persistence surfaces.
type Store interface {
	LeaveStore
	RoutineStore
	NotificationStore
}
