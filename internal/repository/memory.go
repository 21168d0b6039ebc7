package repository

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"campusfeed/internal/model"
)

// Memory is an in-memory Store for tests and ephemeral environments. It
// honors the same conditional-update semantics as the Postgres store.
type Memory struct {
	mu            sync.RWMutex
	leaves        map[string]model.LeaveRequest
	routineDays   map[string]model.RoutineDay
	notifications []model.Notification
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		leaves:      make(map[string]model.LeaveRequest),
		routineDays: make(map[string]model.RoutineDay),
	}
}

func dayKey(routineID string, dayIndex int) string {
	return routineID + "#" + strconv.Itoa(dayIndex)
}

func (m *Memory) CreateLeaveRequest(_ context.Context, req model.LeaveRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaves[req.ID] = req
	return nil
}

func (m *Memory) GetLeaveRequest(_ context.Context, id string) (model.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.leaves[id]
	if !ok {
		return model.LeaveRequest{}, ErrNotFound
	}
	return req, nil
}

func (m *Memory) ListLeaveRequests(_ context.Context, filter LeaveFilter) ([]model.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.LeaveRequest, 0, len(m.leaves))
	for _, req := range m.leaves {
		if filter.Requester != "" && req.Requester != filter.Requester {
			continue
		}
		if filter.CourseRef != "" && req.CourseRef != filter.CourseRef {
			continue
		}
		if filter.Status != "" && string(req.Status) != filter.Status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateLeaveStatus(_ context.Context, id string, from, to model.LeaveStatus, decidedBy string, decidedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.leaves[id]
	if !ok {
		return false, ErrNotFound
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	req.DecidedBy = decidedBy
	at := decidedAt
	req.DecidedAt = &at
	m.leaves[id] = req
	return true, nil
}

func (m *Memory) CreateRoutineDay(_ context.Context, day model.RoutineDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routineDays[dayKey(day.RoutineID, day.DayIndex)] = day
	return nil
}

func (m *Memory) GetRoutineDay(_ context.Context, routineID string, dayIndex int) (model.RoutineDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day, ok := m.routineDays[dayKey(routineID, dayIndex)]
	if !ok {
		return model.RoutineDay{}, ErrNotFound
	}
	return day, nil
}

func (m *Memory) ListRoutineDays(_ context.Context, filter RoutineFilter) ([]model.RoutineDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.RoutineDay, 0, len(m.routineDays))
	for _, day := range m.routineDays {
		if filter.RoutineID != "" && day.RoutineID != filter.RoutineID {
			continue
		}
		if filter.Month != "" && day.CreatedAt.UTC().Format("2006-01") != filter.Month {
			continue
		}
		if filter.FacultyID != "" && !containsString(day.FacultyIDs, filter.FacultyID) {
			continue
		}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoutineID != out[j].RoutineID {
			return out[i].RoutineID < out[j].RoutineID
		}
		return out[i].DayIndex < out[j].DayIndex
	})
	return out, nil
}

func (m *Memory) UpdateRoutineDayStatus(_ context.Context, routineID string, dayIndex int, from, to model.RoutineDayStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dayKey(routineID, dayIndex)
	day, ok := m.routineDays[key]
	if !ok {
		return false, ErrNotFound
	}
	if day.Status != from {
		return false, nil
	}
	day.Status = to
	day.UpdatedAt = time.Now().UTC()
	m.routineDays[key] = day
	return true, nil
}

func (m *Memory) SetRoutineDayNote(_ context.Context, routineID string, dayIndex int, status model.RoutineDayStatus, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dayKey(routineID, dayIndex)
	day, ok := m.routineDays[key]
	if !ok {
		return false, ErrNotFound
	}
	if day.Status != status {
		return false, nil
	}
	day.Note = note
	day.UpdatedAt = time.Now().UTC()
	m.routineDays[key] = day
	return true, nil
}

func (m *Memory) InsertNotification(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, identity string, roles []string, limit int) ([]model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		if !audienceMatches(n.Audience, identity, roles) {
			continue
		}
		out = append(out, n)
	}
	// Most recent first; insertion order breaks CreatedAt ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	reverseTies(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteNotificationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.notifications[:0]
	var removed int64
	for _, n := range m.notifications {
		if n.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	m.notifications = kept
	return removed, nil
}

func audienceMatches(a model.Audience, identity string, roles []string) bool {
	switch a.Kind {
	case model.AudienceBroadcast:
		return true
	case model.AudienceIdentity:
		return a.Value == identity
	case model.AudienceRole:
		return containsString(roles, a.Value)
	}
	return false
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// reverseTies flips runs of equal CreatedAt so that, within a tie, later
// insertions come first, matching the Postgres ordering on (created_at, seq).
func reverseTies(out []model.Notification) {
	i := 0
	for i < len(out) {
		j := i + 1
		for j < len(out) && out[j].CreatedAt.Equal(out[i].CreatedAt) {
			j++
		}
		for lo, hi := i, j-1; lo < hi; lo, hi = lo+1, hi-1 {
			out[lo], out[hi] = out[hi], out[lo]
		}
		i = j
	}
}
