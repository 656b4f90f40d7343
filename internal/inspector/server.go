// Package inspector serves run reports and live run events over HTTP, and
// accepts scenario files to run remotely.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cgast/streamcheck/pkg/events"
	"github.com/cgast/streamcheck/pkg/report"
	"github.com/cgast/streamcheck/pkg/scenario"
	"github.com/cgast/streamcheck/pkg/verify"
)

// maxScenarioSize bounds POST /api/runs bodies.
const maxScenarioSize = 1 << 20

// ReportSource is the read side of a report store.
type ReportSource interface {
	List(limit int) ([]report.Report, error)
	Get(runID string) (report.Report, error)
}

// Server is the inspector HTTP server.
type Server struct {
	bus       events.EventBus
	reports   ReportSource
	runner    *verify.Runner
	logger    *slog.Logger
	router    *chi.Mux
	clients   map[*sseClient]bool
	clientsMu sync.Mutex
	startTime time.Time
}

// sseClient is one connected event stream.
type sseClient struct {
	send chan []byte
}

// New creates an inspector. runner should publish to bus so runs started
// over HTTP show up in the event stream; reports may be nil.
func New(bus events.EventBus, reports ReportSource, runner *verify.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		bus:       bus,
		reports:   reports,
		runner:    runner,
		logger:    logger,
		router:    chi.NewRouter(),
		clients:   make(map[*sseClient]bool),
		startTime: time.Now(),
	}

	s.router.Get("/events", s.handleStream)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/reports", s.handleReports)
		r.Get("/reports/{id}", s.handleReport)
		r.Post("/runs", s.handleRun)
	})

	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)
	go s.broadcastEvents(ch)

	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("inspector listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("inspector: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("inspector shutdown: %w", err)
	}
	return nil
}

func (s *Server) broadcastEvents(ch <-chan events.Event) {
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}

		s.clientsMu.Lock()
		for client := range s.clients {
			select {
			case client.send <- data:
			default:
				// Slow client, drop the event.
			}
		}
		s.clientsMu.Unlock()
	}
}

// handleStream sends the event history followed by live events as
// server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{send: make(chan []byte, 64)}
	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
	}()

	for _, ev := range s.bus.History(time.Time{}) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-client.send:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	history := s.bus.History(time.Time{})
	runs, failures := 0, 0
	for _, ev := range history {
		switch ev.Type {
		case events.EventRunEnd:
			runs++
		case events.EventFailureRecorded:
			failures++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":   time.Since(s.startTime).String(),
		"events":   len(history),
		"runs":     runs,
		"failures": failures,
	})
}

// handleEvents returns the event history, optionally for one run.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	history := s.bus.History(time.Time{})
	runID := r.URL.Query().Get("run")
	if runID == "" {
		writeJSON(w, http.StatusOK, history)
		return
	}

	filtered := []events.Event{}
	for _, ev := range history {
		if ev.RunID == runID {
			filtered = append(filtered, ev)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeJSON(w, http.StatusOK, []report.Report{})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	reports, err := s.reports.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if reports == nil {
		reports = []report.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, report.ErrNotFound)
		return
	}

	rep, err := s.reports.Get(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, report.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

// runResponse is the body of POST /api/runs.
type runResponse struct {
	verify.Result
	Passed bool `json:"passed"`
}

// handleRun verifies a scenario posted as YAML. A failed verification is
// still a 200; only unusable scenarios are rejected.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScenarioSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sc, err := scenario.ParseScenario(body, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if vr := scenario.ValidateScenario(sc); !vr.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  vr.Error(),
			"fields": vr.Errors,
		})
		return
	}

	result, err := scenario.Run(r.Context(), s.runner, sc)
	var ve *verify.VerificationError
	if err != nil && !errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Debug("remote run finished", "run_id", result.RunID, "passed", result.Passed())
	writeJSON(w, http.StatusOK, runResponse{Result: result, Passed: result.Passed()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
