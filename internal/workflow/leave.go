package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campusfeed/internal/metrics"
	"campusfeed/internal/model"
	"campusfeed/internal/repository"
)

// Leave runs the leave-request state machine: pending is the only state that
// permits a transition, to approved or declined.
type Leave struct {
	store repository.LeaveStore
	sink  Sink
	locks *keyedMutex
}

// NewLeave builds the leave workflow engine over store, emitting to sink.
func NewLeave(store repository.LeaveStore, sink Sink) *Leave {
	return &Leave{store: store, sink: sink, locks: newKeyedMutex()}
}

// CreateParams are the caller-supplied fields of a new leave request.
type CreateParams struct {
	Requester string
	CourseRef string
	Reason    string
	StartDate time.Time
	EndDate   time.Time
}

// Create persists a pending request and emits leave-request-created toward
// the approving role for the request's course.
func (l *Leave) Create(ctx context.Context, params CreateParams) (model.LeaveRequest, error) {
	if params.Requester == "" || params.CourseRef == "" {
		return model.LeaveRequest{}, errors.New("missing requester or course")
	}
	if params.EndDate.Before(params.StartDate) {
		return model.LeaveRequest{}, errors.New("end date before start date")
	}
	req := model.LeaveRequest{
		ID:        uuid.NewString(),
		Requester: params.Requester,
		CourseRef: params.CourseRef,
		Reason:    params.Reason,
		StartDate: params.StartDate.UTC(),
		EndDate:   params.EndDate.UTC(),
		Status:    model.LeavePending,
		AppliedAt: time.Now().UTC(),
	}
	if err := l.store.CreateLeaveRequest(ctx, req); err != nil {
		return model.LeaveRequest{}, err
	}

	l.sink.OnWorkflowEvent(ctx, Event{
		Kind:      model.KindLeaveRequestCreated,
		EntityID:  req.ID,
		From:      "",
		To:        string(model.LeavePending),
		Requester: req.Requester,
		CourseRef: req.CourseRef,
		Data: marshalData(map[string]any{
			"leaveId":   req.ID,
			"requester": req.Requester,
			"course":    req.CourseRef,
			"reason":    req.Reason,
			"startDate": req.StartDate,
			"endDate":   req.EndDate,
		}),
	})
	return req, nil
}

// Get returns one request.
func (l *Leave) Get(ctx context.Context, id string) (model.LeaveRequest, error) {
	req, err := l.store.GetLeaveRequest(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.LeaveRequest{}, ErrNotFound
	}
	return req, err
}

// List returns requests matching the filter, most recently applied first.
func (l *Leave) List(ctx context.Context, filter repository.LeaveFilter) ([]model.LeaveRequest, error) {
	return l.store.ListLeaveRequests(ctx, filter)
}

// Decide moves a pending request to approved or declined and emits
// leave-decided to the requester. Deciding an already-decided request fails
// with ErrInvalidTransition and leaves the record untouched.
func (l *Leave) Decide(ctx context.Context, id string, decision model.LeaveStatus, decidedBy string) (model.LeaveRequest, error) {
	if decision != model.LeaveApproved && decision != model.LeaveDeclined {
		return model.LeaveRequest{}, invalidTransition("decision must be approved or declined, got %q", decision)
	}

	unlock := l.locks.lock(id)
	defer unlock()

	req, err := l.store.GetLeaveRequest(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.LeaveRequest{}, ErrNotFound
	}
	if err != nil {
		return model.LeaveRequest{}, err
	}
	if req.Status != model.LeavePending {
		return model.LeaveRequest{}, invalidTransition("leave request already decided")
	}

	decidedAt := time.Now().UTC()
	changed, err := l.store.UpdateLeaveStatus(ctx, id, model.LeavePending, decision, decidedBy, decidedAt)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.LeaveRequest{}, ErrNotFound
		}
		return model.LeaveRequest{}, err
	}
	if !changed {
		// Lost a race with another decider.
		return model.LeaveRequest{}, invalidTransition("leave request already decided")
	}
	metrics.WorkflowTransitions.WithLabelValues("leave", string(decision)).Inc()

	req.Status = decision
	req.DecidedBy = decidedBy
	req.DecidedAt = &decidedAt

	l.sink.OnWorkflowEvent(ctx, Event{
		Kind:      model.KindLeaveDecided,
		EntityID:  req.ID,
		From:      string(model.LeavePending),
		To:        string(decision),
		Requester: req.Requester,
		CourseRef: req.CourseRef,
		Data: marshalData(map[string]any{
			"leaveId":   req.ID,
			"status":    decision,
			"decidedBy": decidedBy,
			"decidedAt": decidedAt,
			"message":   fmt.Sprintf("your leave request was %s", decision),
		}),
	})
	return req, nil
}
