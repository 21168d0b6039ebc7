package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campusfeed/internal/metrics"
	"campusfeed/internal/model"
	"campusfeed/internal/repository"
)

// routineEdges are the only legal routine-day transitions. in-progress has a
// single exit to completed: there is deliberately no way back to pending and
// no cancel once teaching started.
var routineEdges = map[model.RoutineDayStatus][]model.RoutineDayStatus{
	model.RoutinePending:    {model.RoutineInProgress, model.RoutineCanceled},
	model.RoutineInProgress: {model.RoutineCompleted},
}

func routineEdgeAllowed(from, to model.RoutineDayStatus) bool {
	for _, next := range routineEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Routine runs the routine-day state machine and the completed-only note
// attachment side effect.
type Routine struct {
	store repository.RoutineStore
	sink  Sink
	locks *keyedMutex
}

// NewRoutine builds the routine workflow engine over store, emitting to sink.
func NewRoutine(store repository.RoutineStore, sink Sink) *Routine {
	return &Routine{store: store, sink: sink, locks: newKeyedMutex()}
}

// DayParams are the caller-supplied fields of a new routine day.
type DayParams struct {
	RoutineID     string
	DayIndex      int
	FacultyIDs    []string
	ScheduledTime string
	OnlineLink    string
	AudienceRole  string
}

// CreateDay persists a pending routine day. Creation is not a transition, so
// nothing is emitted.
func (r *Routine) CreateDay(ctx context.Context, params DayParams) (model.RoutineDay, error) {
	if params.RoutineID == "" || params.AudienceRole == "" {
		return model.RoutineDay{}, errors.New("missing routine id or audience role")
	}
	if params.DayIndex < 0 || params.DayIndex > 6 {
		return model.RoutineDay{}, errors.New("day index out of range")
	}
	now := time.Now().UTC()
	day := model.RoutineDay{
		RoutineID:     params.RoutineID,
		DayIndex:      params.DayIndex,
		FacultyIDs:    params.FacultyIDs,
		ScheduledTime: params.ScheduledTime,
		OnlineLink:    params.OnlineLink,
		AudienceRole:  params.AudienceRole,
		Status:        model.RoutinePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if day.FacultyIDs == nil {
		day.FacultyIDs = []string{}
	}
	if err := r.store.CreateRoutineDay(ctx, day); err != nil {
		return model.RoutineDay{}, err
	}
	return day, nil
}

// GetDay returns one routine day.
func (r *Routine) GetDay(ctx context.Context, routineID string, dayIndex int) (model.RoutineDay, error) {
	day, err := r.store.GetRoutineDay(ctx, routineID, dayIndex)
	if errors.Is(err, repository.ErrNotFound) {
		return model.RoutineDay{}, ErrNotFound
	}
	return day, err
}

// ListDays returns routine days matching the filter.
func (r *Routine) ListDays(ctx context.Context, filter repository.RoutineFilter) ([]model.RoutineDay, error) {
	return r.store.ListRoutineDays(ctx, filter)
}

// Transition moves a routine day along a legal edge and emits
// routine-status-changed to the day's audience role. completed and canceled
// are absorbing; any attempt to leave them fails with ErrInvalidTransition.
func (r *Routine) Transition(ctx context.Context, routineID string, dayIndex int, to model.RoutineDayStatus) (model.RoutineDay, error) {
	unlock := r.locks.lock(dayLockKey(routineID, dayIndex))
	defer unlock()

	day, err := r.store.GetRoutineDay(ctx, routineID, dayIndex)
	if errors.Is(err, repository.ErrNotFound) {
		return model.RoutineDay{}, ErrNotFound
	}
	if err != nil {
		return model.RoutineDay{}, err
	}
	if !routineEdgeAllowed(day.Status, to) {
		return model.RoutineDay{}, invalidTransition("routine day cannot move from %s to %s", day.Status, to)
	}

	changed, err := r.store.UpdateRoutineDayStatus(ctx, routineID, dayIndex, day.Status, to)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.RoutineDay{}, ErrNotFound
		}
		return model.RoutineDay{}, err
	}
	if !changed {
		return model.RoutineDay{}, invalidTransition("routine day cannot move from %s to %s", day.Status, to)
	}
	metrics.WorkflowTransitions.WithLabelValues("routine", string(to)).Inc()

	from := day.Status
	day.Status = to
	day.UpdatedAt = time.Now().UTC()

	r.sink.OnWorkflowEvent(ctx, Event{
		Kind:         model.KindRoutineStatusChange,
		EntityID:     dayLockKey(routineID, dayIndex),
		From:         string(from),
		To:           string(to),
		AudienceRole: day.AudienceRole,
		Data: marshalData(map[string]any{
			"routineId":     routineID,
			"dayIndex":      dayIndex,
			"status":        to,
			"scheduledTime": day.ScheduledTime,
			"onlineLink":    day.OnlineLink,
		}),
	})
	return day, nil
}

// AttachNote stores the note file reference on a completed day and emits
// routine-note-uploaded. The status does not change; attaching to any other
// status fails and leaves the note unset.
func (r *Routine) AttachNote(ctx context.Context, routineID string, dayIndex int, noteRef string) (model.RoutineDay, error) {
	if noteRef == "" {
		return model.RoutineDay{}, errors.New("missing note reference")
	}

	unlock := r.locks.lock(dayLockKey(routineID, dayIndex))
	defer unlock()

	day, err := r.store.GetRoutineDay(ctx, routineID, dayIndex)
	if errors.Is(err, repository.ErrNotFound) {
		return model.RoutineDay{}, ErrNotFound
	}
	if err != nil {
		return model.RoutineDay{}, err
	}
	if day.Status != model.RoutineCompleted {
		return model.RoutineDay{}, invalidTransition("note requires a completed day, status is %s", day.Status)
	}

	changed, err := r.store.SetRoutineDayNote(ctx, routineID, dayIndex, model.RoutineCompleted, noteRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.RoutineDay{}, ErrNotFound
		}
		return model.RoutineDay{}, err
	}
	if !changed {
		return model.RoutineDay{}, invalidTransition("note requires a completed day")
	}

	day.Note = noteRef
	day.UpdatedAt = time.Now().UTC()

	r.sink.OnWorkflowEvent(ctx, Event{
		Kind:         model.KindRoutineNoteUploaded,
		EntityID:     dayLockKey(routineID, dayIndex),
		From:         string(model.RoutineCompleted),
		To:           "note:" + noteRef,
		AudienceRole: day.AudienceRole,
		Data: marshalData(map[string]any{
			"routineId": routineID,
			"dayIndex":  dayIndex,
			"note":      noteRef,
		}),
	})
	return day, nil
}

func dayLockKey(routineID string, dayIndex int) string {
	return fmt.Sprintf("%s#%d", routineID, dayIndex)
}
