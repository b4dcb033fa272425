package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"livepoll/pkg/types"
)

// Session is the write path shared with websocket clients, so REST calls
// produce the same broadcasts.
type Session interface {
	CreatePoll(ctx context.Context, draft types.PollDraft) (*types.Poll, error)
	ClosePoll(ctx context.Context, pollID string) (*types.Poll, error)
	SubmitVote(ctx context.Context, connID string, req types.VoteRequest) (*types.Vote, error)
	Kick(ctx context.Context, participantID string) (*types.Participant, error)
}

// Polls is the read side of the poll lifecycle.
type Polls interface {
	ActivePoll(ctx context.Context) (*types.ActivePoll, error)
	GetPoll(ctx context.Context, pollID string) (*types.Poll, error)
	Results(ctx context.Context, pollID string) (*types.Tally, error)
	History(ctx context.Context) ([]*types.PollWithResults, error)
}

// Votes answers per-student lookups.
type Votes interface {
	VoteOf(ctx context.Context, pollID, studentID string) (*types.Vote, bool, error)
	HasVoted(ctx context.Context, pollID, studentID string) (bool, error)
}

// Participants is the presence read side.
type Participants interface {
	List() []*types.Participant
	Get(ctx context.Context, participantID string) (*types.Participant, error)
}

// HealthChecker reports store health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry reports connection statistics.
type Registry interface {
	GetStats() map[string]int
}

// Dependencies groups what the server reads from and writes through.
type Dependencies struct {
	Session      Session
	Polls        Polls
	Votes        Votes
	Participants Participants
	Health       HealthChecker
	Registry     Registry
}

// Server is the REST surface. It holds no state of its own; every handler
// delegates to the core components.
type Server struct {
	deps          Dependencies
	allowedOrigin string
	started       time.Time
	router        chi.Router
}

// NewServer builds the route table.
func NewServer(deps Dependencies, allowedOrigin string) *Server {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	s := &Server{
		deps:          deps,
		allowedOrigin: allowedOrigin,
		started:       time.Now(),
		router:        chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware, jsonMiddleware, loggingMiddleware)

	s.router.Get("/health", s.healthCheck)

	s.router.Route("/api/polls", func(r chi.Router) {
		r.Post("/", s.createPoll)
		r.Get("/active", s.getActivePoll)
		r.Get("/history", s.getPollHistory)
		r.Get("/{id}", s.getPoll)
		r.Put("/{id}/complete", s.completePoll)
		r.Get("/{id}/results", s.getPollResults)
	})

	s.router.Route("/api/votes", func(r chi.Router) {
		r.Post("/", s.submitVote)
		r.Get("/{pollId}/{studentId}", s.getStudentVote)
		r.Get("/{pollId}/{studentId}/check", s.checkVoted)
	})

	s.router.Route("/api/participants", func(r chi.Router) {
		r.Get("/", s.listParticipants)
		r.Get("/{id}", s.getParticipant)
		r.Delete("/{id}/kick", s.kickParticipant)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type DataResponse struct {
	Data interface{} `json:"data"`
}

type ErrorResponse struct {
	Error   string          `json:"error"`
	Code    int             `json:"code"`
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Presence    int            `json:"participants"`
	Uptime      string         `json:"uptime"`
}

type HasVotedResponse struct {
	HasVoted bool `json:"hasVoted"`
}

// POST /api/polls
func (s *Server) createPoll(w http.ResponseWriter, r *http.Request) {
	var draft types.PollDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		s.sendError(w, types.NewValidationError("invalid JSON"))
		return
	}

	poll, err := s.deps.Session.CreatePoll(r.Context(), draft)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusCreated, poll)
}

// GET /api/polls/active. No active poll is a 200 with null data.
func (s *Server) getActivePoll(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Polls.ActivePoll(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, active)
}

// GET /api/polls/history
func (s *Server) getPollHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Polls.History(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	if history == nil {
		history = []*types.PollWithResults{}
	}
	s.sendData(w, http.StatusOK, history)
}

// GET /api/polls/{id}
func (s *Server) getPoll(w http.ResponseWriter, r *http.Request) {
	poll, err := s.deps.Polls.GetPoll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, poll)
}

// PUT /api/polls/{id}/complete
func (s *Server) completePoll(w http.ResponseWriter, r *http.Request) {
	poll, err := s.deps.Session.ClosePoll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, poll)
}

// GET /api/polls/{id}/results
func (s *Server) getPollResults(w http.ResponseWriter, r *http.Request) {
	tally, err := s.deps.Polls.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, tally)
}

// POST /api/votes
func (s *Server) submitVote(w http.ResponseWriter, r *http.Request) {
	var req types.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, types.NewValidationError("invalid JSON"))
		return
	}

	vote, err := s.deps.Session.SubmitVote(r.Context(), "", req)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusCreated, vote)
}

// GET /api/votes/{pollId}/{studentId}. A student without a vote gets null.
func (s *Server) getStudentVote(w http.ResponseWriter, r *http.Request) {
	vote, _, err := s.deps.Votes.VoteOf(r.Context(), chi.URLParam(r, "pollId"), chi.URLParam(r, "studentId"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, vote)
}

// GET /api/votes/{pollId}/{studentId}/check
func (s *Server) checkVoted(w http.ResponseWriter, r *http.Request) {
	voted, err := s.deps.Votes.HasVoted(r.Context(), chi.URLParam(r, "pollId"), chi.URLParam(r, "studentId"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, HasVotedResponse{HasVoted: voted})
}

// GET /api/participants
func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, http.StatusOK, s.deps.Participants.List())
}

// GET /api/participants/{id}
func (s *Server) getParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Participants.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, p)
}

// DELETE /api/participants/{id}/kick
func (s *Server) kickParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Session.Kick(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendData(w, http.StatusOK, p)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "unavailable"
		slog.Error("Health check failed", "error", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.deps.Registry.GetStats(),
		Presence:    len(s.deps.Participants.List()),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

func (s *Server) sendData(w http.ResponseWriter, code int, data interface{}) {
	writeJSON(w, code, DataResponse{Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code == http.StatusServiceUnavailable {
		slog.Error("Request failed", "error", err)
	}
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Kind:    types.KindOf(err),
		Message: types.PublicMessage(err),
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrState):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
