package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusfeed/internal/auth"
	"campusfeed/internal/config"
	"campusfeed/internal/dispatch"
	"campusfeed/internal/model"
	"campusfeed/internal/registry"
	"campusfeed/internal/repository"
	"campusfeed/internal/workflow"
)

type Server struct {
	cfg        config.Config
	leave      *workflow.Leave
	routine    *workflow.Routine
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	keepAlive  time.Duration
}

func NewServer(cfg config.Config, leave *workflow.Leave, routine *workflow.Routine, dispatcher *dispatch.Dispatcher, reg *registry.Registry) *Server {
	keepAlive := cfg.StreamKeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &Server{
		cfg:        cfg,
		leave:      leave,
		routine:    routine,
		dispatcher: dispatcher,
		registry:   reg,
		keepAlive:  keepAlive,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Get("/notifications", s.handleSnapshot)
	r.With(s.authMiddleware).Post("/notifications", s.handleNotify)
	r.With(s.authMiddleware).Get("/notifications/stream", s.handleStream)

	r.With(s.authMiddleware).Post("/leaves", s.handleCreateLeave)
	r.With(s.authMiddleware).Get("/leaves", s.handleListLeaves)
	r.With(s.authMiddleware).Get("/leaves/{leaveId}", s.handleGetLeave)
	r.With(s.authMiddleware).Patch("/leaves/{leaveId}", s.handleDecideLeave)

	r.With(s.authMiddleware).Post("/routines", s.handleCreateRoutineDay)
	r.With(s.authMiddleware).Get("/routines", s.handleListRoutineDays)
	r.With(s.authMiddleware).Get("/routines/{routineId}/days/{dayIndex}", s.handleGetRoutineDay)
	r.With(s.authMiddleware).Patch("/routines/{routineId}/days/{dayIndex}", s.handlePatchRoutineDay)
	r.With(s.authMiddleware).Post("/routines/{routineId}/days/{dayIndex}/note", s.handleAttachNote)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Models

type createLeaveRequest struct {
	Course    string `json:"course"`
	Reason    string `json:"reason"`
	StartDate int64  `json:"startDate"`
	EndDate   int64  `json:"endDate"`
}

type decideLeaveRequest struct {
	Status string `json:"status"`
}

type createRoutineDayRequest struct {
	RoutineID     string   `json:"routineId"`
	DayIndex      int      `json:"dayIndex"`
	Faculty       []string `json:"faculty"`
	ScheduledTime string   `json:"scheduledTime"`
	OnlineLink    string   `json:"onlineLink"`
	AudienceRole  string   `json:"audienceRole"`
}

type patchRoutineDayRequest struct {
	Status string `json:"status"`
}

type attachNoteRequest struct {
	Note string `json:"note"`
}

type notifyRequest struct {
	Role      string          `json:"role"`
	Broadcast bool            `json:"broadcast"`
	Data      json.RawMessage `json:"data"`
}

// Notification handlers

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	list, err := s.dispatcher.Snapshot(r.Context(), claims.UserID, claims.EffectiveRoles())
	if err != nil {
		if errors.Is(err, dispatch.ErrTimeout) {
			writeError(w, http.StatusGatewayTimeout, "timeout")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !req.Broadcast && strings.TrimSpace(req.Role) == "" {
		writeError(w, http.StatusBadRequest, "missing_audience")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "missing_data")
		return
	}
	audience := model.RoleAudience(strings.TrimSpace(req.Role))
	if req.Broadcast {
		audience = model.BroadcastAudience()
	}
	n, err := s.dispatcher.Notify(r.Context(), audience, req.Data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	roles := claims.EffectiveRoles()
	if raw := r.URL.Query().Get("roles"); raw != "" {
		roles = filterRoles(roles, strings.Split(raw, ","))
	}

	connID := uuid.NewString()
	conn, err := s.registry.Join(connID, claims.UserID, roles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	defer s.registry.Leave(connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": joined %s\n\n", connID)
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-conn.C():
			if !open {
				return
			}
			if err := writeSSE(w, n); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, payload)
	return err
}

func filterRoles(allowed, requested []string) []string {
	out := make([]string, 0, len(requested))
	for _, want := range requested {
		want = strings.TrimSpace(want)
		for _, role := range allowed {
			if strings.EqualFold(role, want) {
				out = append(out, role)
				break
			}
		}
	}
	if len(out) == 0 {
		return allowed
	}
	return out
}

// Leave handlers

func (s *Server) handleCreateLeave(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req createLeaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Course == "" || req.StartDate == 0 || req.EndDate == 0 {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if _, err := uuid.Parse(req.Course); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_course")
		return
	}

	created, err := s.leave.Create(r.Context(), workflow.CreateParams{
		Requester: claims.UserID,
		CourseRef: req.Course,
		Reason:    req.Reason,
		StartDate: time.Unix(req.StartDate, 0).UTC(),
		EndDate:   time.Unix(req.EndDate, 0).UTC(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListLeaves(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	filter := repository.LeaveFilter{
		CourseRef: r.URL.Query().Get("courseId"),
		Status:    r.URL.Query().Get("status"),
		Limit:     parseLimit(r, 50),
	}
	if filter.Status != "" && !model.ValidLeaveStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}
	switch claims.UserType {
	case "student":
		filter.Requester = claims.UserID
	case "faculty", "admin", "dev":
		filter.Requester = r.URL.Query().Get("requester")
	default:
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	list, err := s.leave.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetLeave(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	leaveID := chi.URLParam(r, "leaveId")
	if _, err := uuid.Parse(leaveID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_leave_id")
		return
	}
	req, err := s.leave.Get(r.Context(), leaveID)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "leave_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if claims.UserType == "student" && req.Requester != claims.UserID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecideLeave(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "faculty" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	leaveID := chi.URLParam(r, "leaveId")
	if _, err := uuid.Parse(leaveID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_leave_id")
		return
	}
	var req decideLeaveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	status := model.LeaveStatus(req.Status)
	if status != model.LeaveApproved && status != model.LeaveDeclined {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	decided, err := s.leave.Decide(r.Context(), leaveID, status, claims.UserID)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "leave_not_found")
		return
	}
	if errors.Is(err, workflow.ErrInvalidTransition) {
		writeErrorReason(w, http.StatusConflict, "invalid_transition", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

// Routine handlers

func (s *Server) handleCreateRoutineDay(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "faculty" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req createRoutineDayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RoutineID == "" || req.AudienceRole == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if _, err := uuid.Parse(req.RoutineID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_routine_id")
		return
	}

	faculty := req.Faculty
	if claims.UserType == "faculty" && len(faculty) == 0 {
		faculty = []string{claims.UserID}
	}
	day, err := s.routine.CreateDay(r.Context(), workflow.DayParams{
		RoutineID:     req.RoutineID,
		DayIndex:      req.DayIndex,
		FacultyIDs:    faculty,
		ScheduledTime: req.ScheduledTime,
		OnlineLink:    req.OnlineLink,
		AudienceRole:  req.AudienceRole,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	writeJSON(w, http.StatusCreated, day)
}

func (s *Server) handleListRoutineDays(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	filter := repository.RoutineFilter{
		RoutineID: r.URL.Query().Get("routineId"),
		Month:     r.URL.Query().Get("month"),
	}
	if filter.Month != "" {
		if _, err := time.Parse("2006-01", filter.Month); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_month")
			return
		}
	}
	if facultyID := r.URL.Query().Get("facultyId"); facultyID != "" {
		if claims.UserType != "admin" && claims.UserType != "dev" && facultyID != claims.UserID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		filter.FacultyID = facultyID
	} else if claims.UserType == "faculty" && filter.RoutineID == "" {
		filter.FacultyID = claims.UserID
	}

	list, err := s.routine.ListDays(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRoutineDay(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	routineID, dayIndex, ok := routineDayParams(w, r)
	if !ok {
		return
	}
	day, err := s.routine.GetDay(r.Context(), routineID, dayIndex)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "routine_day_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (s *Server) handlePatchRoutineDay(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "faculty" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	routineID, dayIndex, ok := routineDayParams(w, r)
	if !ok {
		return
	}
	var req patchRoutineDayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !model.ValidRoutineDayStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_status")
		return
	}

	day, err := s.routine.Transition(r.Context(), routineID, dayIndex, model.RoutineDayStatus(req.Status))
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "routine_day_not_found")
		return
	}
	if errors.Is(err, workflow.ErrInvalidTransition) {
		writeErrorReason(w, http.StatusConflict, "invalid_transition", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (s *Server) handleAttachNote(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "faculty" && claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	routineID, dayIndex, ok := routineDayParams(w, r)
	if !ok {
		return
	}
	var req attachNoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		writeError(w, http.StatusBadRequest, "missing_note")
		return
	}

	day, err := s.routine.AttachNote(r.Context(), routineID, dayIndex, req.Note)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "routine_day_not_found")
		return
	}
	if errors.Is(err, workflow.ErrInvalidTransition) {
		writeErrorReason(w, http.StatusConflict, "note_not_allowed", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func routineDayParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	routineID := chi.URLParam(r, "routineId")
	if _, err := uuid.Parse(routineID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_routine_id")
		return "", 0, false
	}
	dayIndex, err := strconv.Atoi(chi.URLParam(r, "dayIndex"))
	if err != nil || dayIndex < 0 || dayIndex > 6 {
		writeError(w, http.StatusBadRequest, "invalid_day_index")
		return "", 0, false
	}
	return routineID, dayIndex, true
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorReason(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]string{"error": code, "reason": reason})
}

func parseLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
