package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"campusfeed/internal/auth"
	"campusfeed/internal/bus"
	"campusfeed/internal/clients"
	"campusfeed/internal/config"
	"campusfeed/internal/dispatch"
	"campusfeed/internal/model"
	"campusfeed/internal/registry"
	"campusfeed/internal/repository"
	"campusfeed/internal/workflow"
)

const testSecret = "test-secret"

type fixture struct {
	ts    *httptest.Server
	store *repository.Memory
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Config{
		JWTSecret:       testSecret,
		StreamKeepAlive: time.Minute,
	}
	store := repository.NewMemory()
	eventBus := bus.New(16)
	reg := registry.New(eventBus, 16)
	directory := &clients.StaticDirectory{Fallback: "faculty"}
	dispatcher := dispatch.New(store, eventBus, directory, nil, dispatch.Options{})
	dispatcher.Start()

	leave := workflow.NewLeave(store, dispatcher)
	routine := workflow.NewRoutine(store, dispatcher)
	srv := NewServer(cfg, leave, routine, dispatcher, reg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		reg.CloseAll()
		dispatcher.Stop()
		eventBus.Close()
	})
	return &fixture{ts: ts, store: store}
}

func token(t *testing.T, userID, userType string, roles ...string) string {
	t.Helper()
	signed, err := auth.NewAccessToken(testSecret, "test", time.Hour, auth.Claims{
		UserID:   userID,
		UserType: userType,
		SchoolID: "school-1",
		Roles:    roles,
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func createLeaveVia(t *testing.T, f *fixture, studentToken, course string) model.LeaveRequest {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/leaves", studentToken, createLeaveRequest{
		Course:    course,
		Reason:    "medical",
		StartDate: time.Now().Unix(),
		EndDate:   time.Now().Add(48 * time.Hour).Unix(),
	})
	wantStatus(t, resp, http.StatusCreated)
	return decodeBody[model.LeaveRequest](t, resp)
}

func TestAuthRequired(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodGet, "/notifications", "", nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/notifications", "not-a-jwt", nil)
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestHealthIsPublic(t *testing.T) {
	f := newTestServer(t)
	resp := f.do(t, http.MethodGet, "/health", "", nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestLeaveLifecycleOverHTTP(t *testing.T) {
	f := newTestServer(t)
	student := token(t, "student-1", "student")
	faculty := token(t, "faculty-1", "faculty")
	course := uuid.NewString()

	created := createLeaveVia(t, f, student, course)
	if created.Status != model.LeavePending || created.Requester != "student-1" {
		t.Fatalf("unexpected created leave: %+v", created)
	}

	// Students cannot decide.
	resp := f.do(t, http.MethodPatch, "/leaves/"+created.ID, student, decideLeaveRequest{Status: "approved"})
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = f.do(t, http.MethodPatch, "/leaves/"+created.ID, faculty, decideLeaveRequest{Status: "approved"})
	wantStatus(t, resp, http.StatusOK)
	decided := decodeBody[model.LeaveRequest](t, resp)
	if decided.Status != model.LeaveApproved || decided.DecidedBy != "faculty-1" {
		t.Fatalf("unexpected decided leave: %+v", decided)
	}

	// Second decision conflicts and reports why.
	resp = f.do(t, http.MethodPatch, "/leaves/"+created.ID, faculty, decideLeaveRequest{Status: "declined"})
	wantStatus(t, resp, http.StatusConflict)
	conflict := decodeBody[map[string]string](t, resp)
	if conflict["error"] != "invalid_transition" || conflict["reason"] == "" {
		t.Fatalf("unexpected conflict body: %v", conflict)
	}
}

func TestLeaveListScopedToStudent(t *testing.T) {
	f := newTestServer(t)
	first := token(t, "student-1", "student")
	second := token(t, "student-2", "student")

	createLeaveVia(t, f, first, uuid.NewString())
	createLeaveVia(t, f, second, uuid.NewString())

	resp := f.do(t, http.MethodGet, "/leaves", first, nil)
	wantStatus(t, resp, http.StatusOK)
	list := decodeBody[[]model.LeaveRequest](t, resp)
	if len(list) != 1 || list[0].Requester != "student-1" {
		t.Fatalf("student list must only hold own requests: %+v", list)
	}

	// Faculty sees everything.
	resp = f.do(t, http.MethodGet, "/leaves", token(t, "faculty-1", "faculty"), nil)
	wantStatus(t, resp, http.StatusOK)
	all := decodeBody[[]model.LeaveRequest](t, resp)
	if len(all) != 2 {
		t.Fatalf("expected 2 requests for faculty, got %d", len(all))
	}
}

func TestLeaveGetValidation(t *testing.T) {
	f := newTestServer(t)
	student := token(t, "student-1", "student")

	resp := f.do(t, http.MethodGet, "/leaves/not-a-uuid", student, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/leaves/"+uuid.NewString(), student, nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestRoutineDayLifecycleOverHTTP(t *testing.T) {
	f := newTestServer(t)
	faculty := token(t, "faculty-1", "faculty")
	routineID := uuid.NewString()
	dayPath := fmt.Sprintf("/routines/%s/days/%d", routineID, 2)

	resp := f.do(t, http.MethodPost, "/routines", faculty, createRoutineDayRequest{
		RoutineID:     routineID,
		DayIndex:      2,
		ScheduledTime: "10:00",
		AudienceRole:  "student:cse",
	})
	wantStatus(t, resp, http.StatusCreated)
	day := decodeBody[model.RoutineDay](t, resp)
	if day.Status != model.RoutinePending {
		t.Fatalf("expected pending day, got %s", day.Status)
	}
	if len(day.FacultyIDs) != 1 || day.FacultyIDs[0] != "faculty-1" {
		t.Fatalf("creator must default into the faculty list: %+v", day.FacultyIDs)
	}

	// Note before completion is rejected.
	resp = f.do(t, http.MethodPost, dayPath+"/note", faculty, attachNoteRequest{Note: "notes/w2.pdf"})
	wantStatus(t, resp, http.StatusConflict)
	body := decodeBody[map[string]string](t, resp)
	if body["error"] != "note_not_allowed" {
		t.Fatalf("unexpected conflict body: %v", body)
	}

	resp = f.do(t, http.MethodPatch, dayPath, faculty, patchRoutineDayRequest{Status: "in-progress"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// No cancel once started.
	resp = f.do(t, http.MethodPatch, dayPath, faculty, patchRoutineDayRequest{Status: "canceled"})
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = f.do(t, http.MethodPatch, dayPath, faculty, patchRoutineDayRequest{Status: "completed"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, dayPath+"/note", faculty, attachNoteRequest{Note: "notes/w2.pdf"})
	wantStatus(t, resp, http.StatusOK)
	noted := decodeBody[model.RoutineDay](t, resp)
	if noted.Note != "notes/w2.pdf" || noted.Status != model.RoutineCompleted {
		t.Fatalf("unexpected noted day: %+v", noted)
	}
}

func TestRoutineWriteRequiresFaculty(t *testing.T) {
	f := newTestServer(t)
	student := token(t, "student-1", "student")

	resp := f.do(t, http.MethodPost, "/routines", student, createRoutineDayRequest{
		RoutineID:    uuid.NewString(),
		AudienceRole: "student:cse",
	})
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newTestServer(t)
	student := token(t, "student-1", "student")
	faculty := token(t, "faculty-1", "faculty")

	created := createLeaveVia(t, f, student, uuid.NewString())
	resp := f.do(t, http.MethodPatch, "/leaves/"+created.ID, faculty, decideLeaveRequest{Status: "approved"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/notifications", student, nil)
	wantStatus(t, resp, http.StatusOK)
	list := decodeBody[[]model.Notification](t, resp)
	if len(list) != 1 || list[0].Kind != model.KindLeaveDecided {
		t.Fatalf("expected the decided notification, got %+v", list)
	}

	// The approver role sees the created notification instead.
	resp = f.do(t, http.MethodGet, "/notifications", faculty, nil)
	wantStatus(t, resp, http.StatusOK)
	approver := decodeBody[[]model.Notification](t, resp)
	if len(approver) != 1 || approver[0].Kind != model.KindLeaveRequestCreated {
		t.Fatalf("expected the created notification, got %+v", approver)
	}
}

func TestNotifyRequiresAdmin(t *testing.T) {
	f := newTestServer(t)

	resp := f.do(t, http.MethodPost, "/notifications", token(t, "faculty-1", "faculty"), notifyRequest{
		Broadcast: true,
		Data:      json.RawMessage(`{"title":"exam week"}`),
	})
	wantStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/notifications", token(t, "admin-1", "admin"), notifyRequest{
		Broadcast: true,
		Data:      json.RawMessage(`{"title":"exam week"}`),
	})
	wantStatus(t, resp, http.StatusCreated)
	n := decodeBody[model.Notification](t, resp)
	if n.Kind != model.KindFacultyNotification || n.Audience.Kind != model.AudienceBroadcast {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestNotifyValidation(t *testing.T) {
	f := newTestServer(t)
	admin := token(t, "admin-1", "admin")

	resp := f.do(t, http.MethodPost, "/notifications", admin, notifyRequest{Data: json.RawMessage(`{}`)})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/notifications", admin, notifyRequest{Role: "student"})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestStreamDeliversLiveNotification(t *testing.T) {
	f := newTestServer(t)
	student := token(t, "student-1", "student")
	faculty := token(t, "faculty-1", "faculty")

	created := createLeaveVia(t, f, student, uuid.NewString())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/notifications/stream?access_token="+student, nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() || !strings.HasPrefix(scanner.Text(), ": joined") {
		t.Fatalf("expected the joined comment, got %q", scanner.Text())
	}

	decide := f.do(t, http.MethodPatch, "/leaves/"+created.ID, faculty, decideLeaveRequest{Status: "approved"})
	wantStatus(t, decide, http.StatusOK)
	decide.Body.Close()

	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
		if eventLine != "" && dataLine != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.Fatalf("stream read error: %v", err)
	}
	if eventLine != string(model.KindLeaveDecided) {
		t.Fatalf("expected %s event, got %q", model.KindLeaveDecided, eventLine)
	}
	var pushed model.Notification
	if err := json.Unmarshal([]byte(dataLine), &pushed); err != nil {
		t.Fatalf("decode pushed notification: %v", err)
	}
	if pushed.Audience.Kind != model.AudienceIdentity || pushed.Audience.Value != "student-1" {
		t.Fatalf("push addressed wrongly: %+v", pushed.Audience)
	}
}

func TestListRoutineDaysMonthValidation(t *testing.T) {
	f := newTestServer(t)
	resp := f.do(t, http.MethodGet, "/routines?month=march", token(t, "admin-1", "admin"), nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
