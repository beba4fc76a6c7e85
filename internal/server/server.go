// Package server exposes liveness and a JSON status view of the running
// daemon over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/taskforge/internal/capacity"
	"github.com/aristath/taskforge/internal/health"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/pool"
	"github.com/aristath/taskforge/internal/scheduler"
)

const (
	defaultOutcomeLimit = 20
	shutdownTimeout     = 5 * time.Second
)

// Sources are the read-only views the status endpoint renders. Any of them
// may be nil.
type Sources struct {
	Pool interface {
		Snapshot() pool.Snapshot
	}
	Gate interface {
		Snapshot() []capacity.ClassSnapshot
	}
	Health interface {
		Last() health.Report
	}
	Dispatcher interface {
		InFlight() []string
	}
	Outcomes interface {
		ListOutcomes(ctx context.Context, taskID string, limit int) ([]scheduler.Outcome, error)
	}
}

// Outcome is the JSON form of an outcome log entry.
type Outcome struct {
	TaskID     string    `json:"task_id"`
	Class      string    `json:"class"`
	Status     string    `json:"status"`
	Failure    string    `json:"failure,omitempty"`
	Stage      string    `json:"stage"`
	Score      *float64  `json:"score,omitempty"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMS int64     `json:"duration_ms"`
	Branch     string    `json:"branch,omitempty"`
	ChangeURL  string    `json:"change_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func toOutcome(o scheduler.Outcome) Outcome {
	return Outcome{
		TaskID:     o.TaskID,
		Class:      o.Class,
		Status:     string(o.Status),
		Failure:    string(o.Failure),
		Stage:      string(o.Stage),
		Score:      o.Score,
		CostUSD:    o.CostUSD,
		DurationMS: o.Duration.Milliseconds(),
		Branch:     o.Branch,
		ChangeURL:  o.ChangeURL,
		Error:      o.Error,
		RecordedAt: o.RecordedAt,
	}
}

// Status is the /status response body.
type Status struct {
	Time     time.Time                `json:"time"`
	Pool     *pool.Snapshot           `json:"pool,omitempty"`
	Classes  []capacity.ClassSnapshot `json:"classes"`
	Health   *health.Report           `json:"health,omitempty"`
	InFlight []string                 `json:"in_flight"`
	Outcomes []Outcome                `json:"outcomes"`
}

// Server serves /healthz and /status.
type Server struct {
	addr   string
	src    Sources
	logger *slog.Logger
	http   *http.Server
	ln     net.Listener
}

// New creates a server for addr.
func New(addr string, src Sources, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		src:    src,
		logger: logging.OrNop(logger).With("component", "server"),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /outcomes", s.handleOutcomes)
	return mux
}

// Start binds the listener and serves in the background. Bind errors are
// returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("status server shutdown failed", "error", err)
		return err
	}
	s.logger.Debug("status server stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Time:     time.Now().UTC(),
		Classes:  []capacity.ClassSnapshot{},
		InFlight: []string{},
		Outcomes: []Outcome{},
	}
	if s.src.Pool != nil {
		snap := s.src.Pool.Snapshot()
		st.Pool = &snap
	}
	if s.src.Gate != nil {
		st.Classes = s.src.Gate.Snapshot()
	}
	if s.src.Health != nil {
		report := s.src.Health.Last()
		if !report.Time.IsZero() {
			st.Health = &report
		}
	}
	if s.src.Dispatcher != nil {
		st.InFlight = s.src.Dispatcher.InFlight()
	}
	if s.src.Outcomes != nil {
		outcomes, err := s.src.Outcomes.ListOutcomes(r.Context(), "", defaultOutcomeLimit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, o := range outcomes {
			st.Outcomes = append(st.Outcomes, toOutcome(o))
		}
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.src.Outcomes == nil {
		s.writeJSON(w, http.StatusOK, []Outcome{})
		return
	}
	limit := defaultOutcomeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	outcomes, err := s.src.Outcomes.ListOutcomes(r.Context(), r.URL.Query().Get("task"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, toOutcome(o))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.logger.Error("status request failed", "error", err)
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
