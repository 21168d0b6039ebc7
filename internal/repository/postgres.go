package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campusfeed/internal/model"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPool opens a pgx pool for databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// NewPostgres wraps pool as a Store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateLeaveRequest(ctx context.Context, req model.LeaveRequest) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO leave_requests (id, requester, course_ref, reason, start_date, end_date, status, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, req.ID, req.Requester, req.CourseRef, req.Reason, req.StartDate, req.EndDate, string(req.Status), req.AppliedAt)
	if err != nil {
		return fmt.Errorf("insert leave request: %w", err)
	}
	return nil
}

func (p *Postgres) GetLeaveRequest(ctx context.Context, id string) (model.LeaveRequest, error) {
	var req model.LeaveRequest
	var status string
	row := p.pool.QueryRow(ctx, `
		SELECT id, requester, course_ref, reason, start_date, end_date, status, applied_at, decided_at, decided_by
		FROM leave_requests
		WHERE id = $1
	`, id)
	var decidedBy *string
	err := row.Scan(
		&req.ID,
		&req.Requester,
		&req.CourseRef,
		&req.Reason,
		&req.StartDate,
		&req.EndDate,
		&status,
		&req.AppliedAt,
		&req.DecidedAt,
		&decidedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LeaveRequest{}, ErrNotFound
	}
	if err != nil {
		return model.LeaveRequest{}, fmt.Errorf("get leave request: %w", err)
	}
	req.Status = model.LeaveStatus(status)
	if decidedBy != nil {
		req.DecidedBy = *decidedBy
	}
	return req, nil
}

func (p *Postgres) ListLeaveRequests(ctx context.Context, filter LeaveFilter) ([]model.LeaveRequest, error) {
	query := `
		SELECT id, requester, course_ref, reason, start_date, end_date, status, applied_at, decided_at, decided_by
		FROM leave_requests
		WHERE ($1 = '' OR requester = $1)
		  AND ($2 = '' OR course_ref = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY applied_at DESC
		LIMIT $4
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, query, filter.Requester, filter.CourseRef, filter.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list leave requests: %w", err)
	}
	defer rows.Close()

	out := make([]model.LeaveRequest, 0)
	for rows.Next() {
		var req model.LeaveRequest
		var status string
		var decidedBy *string
		if err := rows.Scan(&req.ID, &req.Requester, &req.CourseRef, &req.Reason, &req.StartDate, &req.EndDate, &status, &req.AppliedAt, &req.DecidedAt, &decidedBy); err != nil {
			return nil, fmt.Errorf("scan leave request: %w", err)
		}
		req.Status = model.LeaveStatus(status)
		if decidedBy != nil {
			req.DecidedBy = *decidedBy
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateLeaveStatus(ctx context.Context, id string, from, to model.LeaveStatus, decidedBy string, decidedAt time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE leave_requests
		SET status = $3, decided_by = $4, decided_at = $5
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), decidedBy, decidedAt)
	if err != nil {
		return false, fmt.Errorf("update leave status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := p.leaveExists(ctx, id)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) leaveExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leave_requests WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("leave exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) CreateRoutineDay(ctx context.Context, day model.RoutineDay) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO routine_days (routine_id, day_index, faculty_ids, scheduled_time, online_link, audience_role, status, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, day.RoutineID, day.DayIndex, day.FacultyIDs, day.ScheduledTime, day.OnlineLink, day.AudienceRole, string(day.Status), day.Note, day.CreatedAt, day.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert routine day: %w", err)
	}
	return nil
}

func (p *Postgres) GetRoutineDay(ctx context.Context, routineID string, dayIndex int) (model.RoutineDay, error) {
	var day model.RoutineDay
	var status string
	row := p.pool.QueryRow(ctx, `
		SELECT routine_id, day_index, faculty_ids, scheduled_time, online_link, audience_role, status, note, created_at, updated_at
		FROM routine_days
		WHERE routine_id = $1 AND day_index = $2
	`, routineID, dayIndex)
	err := row.Scan(&day.RoutineID, &day.DayIndex, &day.FacultyIDs, &day.ScheduledTime, &day.OnlineLink, &day.AudienceRole, &status, &day.Note, &day.CreatedAt, &day.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RoutineDay{}, ErrNotFound
	}
	if err != nil {
		return model.RoutineDay{}, fmt.Errorf("get routine day: %w", err)
	}
	day.Status = model.RoutineDayStatus(status)
	return day, nil
}

func (p *Postgres) ListRoutineDays(ctx context.Context, filter RoutineFilter) ([]model.RoutineDay, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT routine_id, day_index, faculty_ids, scheduled_time, online_link, audience_role, status, note, created_at, updated_at
		FROM routine_days
		WHERE ($1 = '' OR routine_id = $1)
		  AND ($2 = '' OR to_char(created_at, 'YYYY-MM') = $2)
		  AND ($3 = '' OR $3 = ANY(faculty_ids))
		ORDER BY routine_id, day_index
	`, filter.RoutineID, filter.Month, filter.FacultyID)
	if err != nil {
		return nil, fmt.Errorf("list routine days: %w", err)
	}
	defer rows.Close()

	out := make([]model.RoutineDay, 0)
	for rows.Next() {
		var day model.RoutineDay
		var status string
		if err := rows.Scan(&day.RoutineID, &day.DayIndex, &day.FacultyIDs, &day.ScheduledTime, &day.OnlineLink, &day.AudienceRole, &status, &day.Note, &day.CreatedAt, &day.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan routine day: %w", err)
		}
		day.Status = model.RoutineDayStatus(status)
		out = append(out, day)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRoutineDayStatus(ctx context.Context, routineID string, dayIndex int, from, to model.RoutineDayStatus) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE routine_days
		SET status = $4, updated_at = $5
		WHERE routine_id = $1 AND day_index = $2 AND status = $3
	`, routineID, dayIndex, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update routine day status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := p.routineDayExists(ctx, routineID, dayIndex)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) SetRoutineDayNote(ctx context.Context, routineID string, dayIndex int, status model.RoutineDayStatus, note string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE routine_days
		SET note = $4, updated_at = $5
		WHERE routine_id = $1 AND day_index = $2 AND status = $3
	`, routineID, dayIndex, string(status), note, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("set routine day note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := p.routineDayExists(ctx, routineID, dayIndex)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) routineDayExists(ctx context.Context, routineID string, dayIndex int) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM routine_days WHERE routine_id = $1 AND day_index = $2)`, routineID, dayIndex).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("routine day exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notifications (id, kind, audience_kind, audience_value, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, string(n.Kind), string(n.Audience.Kind), n.Audience.Value, []byte(n.Data), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (p *Postgres) ListNotifications(ctx context.Context, identity string, roles []string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind, audience_kind, audience_value, data, created_at
		FROM notifications
		WHERE audience_kind = 'broadcast'
		   OR (audience_kind = 'identity' AND audience_value = $1)
		   OR (audience_kind = 'role' AND audience_value = ANY($2))
		ORDER BY created_at DESC, seq DESC
		LIMIT $3
	`, identity, roles, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]model.Notification, 0)
	for rows.Next() {
		var n model.Notification
		var kind, audienceKind string
		var data []byte
		if err := rows.Scan(&n.ID, &kind, &audienceKind, &n.Audience.Value, &data, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = model.NotificationKind(kind)
		n.Audience.Kind = model.AudienceKind(audienceKind)
		n.Data = json.RawMessage(data)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
