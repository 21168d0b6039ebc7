package model

import (
	"encoding/json"
	"time"
)

// AudienceKind selects how a notification is targeted.
type AudienceKind string

const (
	AudienceIdentity  AudienceKind = "identity"
	AudienceRole      AudienceKind = "role"
	AudienceBroadcast AudienceKind = "broadcast"
)

// Audience is the resolved recipient set of a notification: one identity,
// every member of one role, or everyone.
type Audience struct {
	Kind  AudienceKind `json:"kind"`
	Value string       `json:"value,omitempty"`
}

func IdentityAudience(identity string) Audience {
	return Audience{Kind: AudienceIdentity, Value: identity}
}

func RoleAudience(role string) Audience {
	return Audience{Kind: AudienceRole, Value: role}
}

func BroadcastAudience() Audience {
	return Audience{Kind: AudienceBroadcast}
}

// Topic maps the audience onto a bus topic name.
func (a Audience) Topic() string {
	switch a.Kind {
	case AudienceIdentity:
		return "identity:" + a.Value
	case AudienceRole:
		return "role:" + a.Value
	default:
		return "broadcast"
	}
}

// NotificationKind enumerates the push message types.
type NotificationKind string

const (
	KindLeaveRequestCreated NotificationKind = "leave-request-created"
	KindLeaveDecided        NotificationKind = "leave-decided"
	KindRoutineStatusChange NotificationKind = "routine-status-changed"
	KindRoutineNoteUploaded NotificationKind = "routine-note-uploaded"
	// KindFacultyNotification is the generic wrapper for ad hoc role-scoped
	// or broadcast announcements.
	KindFacultyNotification NotificationKind = "faculty-notification"
)

// Notification is immutable once created. Display order is CreatedAt
// descending; live delivery order is insertion order.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Audience  Audience         `json:"audience"`
	Data      json.RawMessage  `json:"data"`
	CreatedAt time.Time        `json:"createdAt"`
}

// LeaveStatus is the lifecycle of a leave request.
type LeaveStatus string

const (
	LeavePending  LeaveStatus = "pending"
	LeaveApproved LeaveStatus = "approved"
	LeaveDeclined LeaveStatus = "declined"
)

// ValidLeaveStatus reports whether value names a known leave status.
func ValidLeaveStatus(value string) bool {
	switch LeaveStatus(value) {
	case LeavePending, LeaveApproved, LeaveDeclined:
		return true
	}
	return false
}

// LeaveRequest transitions only pending -> approved or pending -> declined;
// the terminal states are immutable.
type LeaveRequest struct {
	ID        string      `json:"id"`
	Requester string      `json:"requester"`
	CourseRef string      `json:"course"`
	Reason    string      `json:"reason"`
	StartDate time.Time   `json:"startDate"`
	EndDate   time.Time   `json:"endDate"`
	Status    LeaveStatus `json:"status"`
	AppliedAt time.Time   `json:"appliedAt"`
	DecidedAt *time.Time  `json:"decidedAt,omitempty"`
	DecidedBy string      `json:"decidedBy,omitempty"`
}

// RoutineDayStatus is the lifecycle of one day of a class routine.
type RoutineDayStatus string

const (
	RoutinePending    RoutineDayStatus = "pending"
	RoutineInProgress RoutineDayStatus = "in-progress"
	RoutineCompleted  RoutineDayStatus = "completed"
	RoutineCanceled   RoutineDayStatus = "canceled"
)

// ValidRoutineDayStatus reports whether value names a known routine day status.
func ValidRoutineDayStatus(value string) bool {
	switch RoutineDayStatus(value) {
	case RoutinePending, RoutineInProgress, RoutineCompleted, RoutineCanceled:
		return true
	}
	return false
}

// RoutineDay is identified by (RoutineID, DayIndex). Status moves
// pending -> in-progress -> completed or pending -> canceled; completed and
// canceled are absorbing. Note may be set only once status is completed and
// holds an external file reference.
type RoutineDay struct {
	RoutineID     string           `json:"routineId"`
	DayIndex      int              `json:"dayIndex"`
	FacultyIDs    []string         `json:"faculty"`
	ScheduledTime string           `json:"scheduledTime"`
	OnlineLink    string           `json:"onlineLink,omitempty"`
	AudienceRole  string           `json:"audienceRole"`
	Status        RoutineDayStatus `json:"status"`
	Note          string           `json:"note,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}
