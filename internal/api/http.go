package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/SimplyPrint/card-selector/internal/logging"
	"github.com/SimplyPrint/card-selector/internal/selection"
	"github.com/SimplyPrint/card-selector/internal/settings"
)

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, s.Readers())
}

func (s *Server) handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})
		return
	}

	readerIndex, err := strconv.Atoi(parts[2])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reader index",
		})
		return
	}

	if len(parts) < 4 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing endpoint (e.g., /select, /schedule)",
		})
		return
	}

	switch parts[3] {
	case "select":
		s.handleSelect(w, r, readerIndex)
	case "schedule":
		s.handleSchedule(w, r, readerIndex)
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown endpoint",
		})
	}
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, readerIndex int) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	rsp, err := s.Select(r.Context(), readerIndex, req)
	if err != nil {
		logging.Warn(logging.CatHTTP, "Card selection failed", map[string]any{
			"readerIndex": readerIndex,
			"scenario":    req.Scenario,
			"error":       err.Error(),
		})
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, rsp)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, readerIndex int) {
	switch r.Method {
	case http.MethodPost:
		var req ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		info, err := s.Schedule(readerIndex, req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, info)

	case http.MethodDelete:
		if err := s.Unschedule(readerIndex); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "scenario unscheduled",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// saveScenarioRequest stores a scenario under a name.
type saveScenarioRequest struct {
	Name     string          `json:"name"`
	Scenario json.RawMessage `json:"scenario"`
}

func (s *Server) saveScenario(req saveScenarioRequest) (interface{}, error) {
	if len(req.Scenario) == 0 {
		return nil, fmt.Errorf("%w: scenario is required", selection.ErrInvalidArgument)
	}
	text, err := scenarioText(req.Scenario)
	if err != nil {
		return nil, err
	}
	return s.store.Save(req.Name, text)
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.List()
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"scenarios": list,
		})

	case http.MethodPost:
		var req saveScenarioRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		info, err := s.saveScenario(req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, info)

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScenario(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/scenarios/")

	switch r.Method {
	case http.MethodGet:
		text, err := s.store.Load(name)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"name":     name,
			"scenario": json.RawMessage(text),
		})

	case http.MethodDelete:
		if err := s.store.Delete(name); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "scenario deleted",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"kinds":     selection.Kinds(),
	})
}

func (s *Server) health() map[string]interface{} {
	s.mu.Lock()
	scheduled := len(s.schedules)
	s.mu.Unlock()

	return map[string]interface{}{
		"status":      "ok",
		"readerCount": len(s.Readers()),
		"scheduled":   scheduled,
		"clients":     s.hub.ClientCount(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, s.health())
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		// Min level filter
		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			l := logging.ParseLevel(levelStr)
			minLevel = &l
		}

		// Category filter
		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		entries := logging.Get().GetEntries(limit, minLevel, category)
		stats := logging.Get().Stats()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	// Check if requesting a specific crash log
	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > 100 {
				limit = 100
			}
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting  *bool   `json:"crashReporting"`
			DefaultScenario *string `json:"defaultScenario"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.DefaultScenario != nil && *req.DefaultScenario != "" {
			if _, err := s.store.Load(*req.DefaultScenario); err != nil {
				respondError(w, err)
				return
			}
		}

		err := settings.Update(func(st *settings.Settings) {
			if req.CrashReporting != nil {
				st.CrashReporting = *req.CrashReporting
			}
			if req.DefaultScenario != nil {
				st.DefaultScenario = *req.DefaultScenario
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"settings": settings.Get(),
			"message":  "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
