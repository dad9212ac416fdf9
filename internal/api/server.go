package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/SimplyPrint/card-selector/internal/core"
	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/SimplyPrint/card-selector/internal/scenariostore"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

var (
	errReaderNotFound = errors.New("reader not found")
	errReaderBusy     = errors.New("reader has a scheduled scenario")
	errNotScheduled   = errors.New("no scenario scheduled on reader")
	errReaderInUse    = errors.New("reader is running a selection")
)

// Options configures a Server.
type Options struct {
	Store        *scenariostore.Store
	Factory      core.ContextFactory // nil uses real PC/SC
	PollInterval time.Duration
}

// Server exposes readers and scenarios over HTTP and WebSocket, and keeps the scenarios
// scheduled on observable readers.
type Server struct {
	store        *scenariostore.Store
	factory      core.ContextFactory
	pollInterval time.Duration
	hub          *WSHub

	mu        sync.Mutex
	schedules map[string]*scheduled // by reader name
	selecting map[string]bool       // readers running a synchronous selection
}

// NewServer creates a server and starts its WebSocket hub.
func NewServer(opts Options) *Server {
	factory := opts.Factory
	if factory == nil {
		factory = core.DefaultContextFactory{}
	}
	s := &Server{
		store:        opts.Store,
		factory:      factory,
		pollInterval: opts.PollInterval,
		hub:          NewWSHub(),
		schedules:    make(map[string]*scheduled),
		selecting:    make(map[string]bool),
	}
	go s.hub.Run()
	return s
}

// Close stops every scheduled scenario, then the WebSocket hub.
func (s *Server) Close() {
	s.mu.Lock()
	for name := range s.schedules {
		s.stopLocked(name)
	}
	s.mu.Unlock()

	s.hub.Stop()
}

// Mux constructs and returns the HTTP mux for the API.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(s.handleReaderRoutes)) // Note the trailing slash for sub-paths
	mux.HandleFunc("/v1/scenarios", corsMiddleware(s.handleScenarios))
	mux.HandleFunc("/v1/scenarios/", corsMiddleware(s.handleScenario))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(s.handleSettings))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, context)

				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, selection.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, selection.ErrNoSuchCase),
		errors.Is(err, scenariostore.ErrNotFound),
		errors.Is(err, errReaderNotFound),
		errors.Is(err, errNotScheduled):
		return http.StatusNotFound
	case errors.Is(err, selection.ErrExecutionInProgress),
		errors.Is(err, selection.ErrScenarioFrozen),
		errors.Is(err, errReaderBusy),
		errors.Is(err, errReaderInUse):
		return http.StatusConflict
	case errors.Is(err, selection.ErrUnparsableCardData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, selection.ErrCommunication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
	})
}

// ReaderView is a reader with the scenario scheduled on it, if any. A scheduled reader
// reports the interface of the card it holds.
type ReaderView struct {
	core.ReaderInfo
	Scenario string `json:"scenario,omitempty"`
	Running  bool   `json:"running,omitempty"`
}

// Readers lists the attached readers.
func (s *Server) Readers() []ReaderView {
	readers := core.ListReaders(s.factory)

	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]ReaderView, len(readers))
	for i, r := range readers {
		views[i] = ReaderView{ReaderInfo: r}
		if sched, ok := s.schedules[r.Name]; ok {
			views[i].Scenario = sched.name
			views[i].Running = sched.reader.Running()
			views[i].Contactless = sched.pcsc.IsContactless()
		}
	}
	return views
}

func (s *Server) readerByIndex(index int) (core.ReaderInfo, error) {
	readers := core.ListReaders(s.factory)
	if len(readers) == 0 {
		return core.ReaderInfo{}, fmt.Errorf("%w: no readers found", errReaderNotFound)
	}
	if index < 0 || index >= len(readers) {
		return core.ReaderInfo{}, fmt.Errorf("%w: reader index %d out of range", errReaderNotFound, index)
	}
	return readers[index], nil
}

// scenarioText accepts a scenario either as a JSON object or as a JSON string holding it.
func scenarioText(raw json.RawMessage) (string, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", fmt.Errorf("%w: %v", selection.ErrInvalidArgument, err)
		}
		return text, nil
	}
	return string(raw), nil
}

// manager returns a fresh manager for a stored scenario or an inline definition.
func (s *Server) manager(name string, definition json.RawMessage) (*selection.Manager, error) {
	if len(definition) > 0 && string(definition) != "null" {
		text, err := scenarioText(definition)
		if err != nil {
			return nil, err
		}
		m := selection.NewManager()
		if _, err := m.ImportCardSelectionScenario(text); err != nil {
			return nil, err
		}
		return m, nil
	}
	if name == "" {
		return nil, fmt.Errorf("%w: scenario name or definition required", selection.ErrInvalidArgument)
	}
	return s.store.Manager(name)
}

// SelectRequest runs a scenario once on a reader.
type SelectRequest struct {
	Scenario   string          `json:"scenario"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

// SelectResponse is the result of a synchronous selection.
type SelectResponse struct {
	Reader   core.ReaderInfo                `json:"reader"`
	Scenario string                         `json:"scenario,omitempty"`
	Result   *selection.CardSelectionResult `json:"result"`
}

// Select runs the scenario against the card present on the reader at index.
func (s *Server) Select(ctx context.Context, index int, req SelectRequest) (*SelectResponse, error) {
	info, err := s.readerByIndex(index)
	if err != nil {
		return nil, err
	}
	m, err := s.manager(req.Scenario, req.Definition)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, busy := s.schedules[info.Name]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errReaderBusy, info.Name)
	}
	if s.selecting[info.Name] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errReaderInUse, info.Name)
	}
	s.selecting[info.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.selecting, info.Name)
		s.mu.Unlock()
	}()

	reader := core.NewPCSCReader(info.Name, s.factory)
	defer reader.Close()

	result, err := m.ProcessCardSelectionScenario(ctx, reader)
	if err != nil {
		return nil, err
	}
	return &SelectResponse{Reader: info, Scenario: req.Scenario, Result: result}, nil
}
