package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/noelle-silva/PicaComic/internal/diagnostics"
	"github.com/noelle-silva/PicaComic/internal/sources"
	"github.com/noelle-silva/PicaComic/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// newTaskID returns a URL-safe random identifier of at least 18 bytes of
// entropy, per spec.md §3's Task.id requirement.
func newTaskID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type createTaskRequest struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Eps      []int  `json:"eps,omitempty"`
	Title    string `json:"title,omitempty"`
	CoverURL string `json:"coverUrl,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	if req.Source == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "source and target are required")
		return
	}

	params := sources.Params{Eps: req.Eps, Title: req.Title, CoverURL: req.CoverURL}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid params: "+err.Error())
		return
	}

	taskID, err := newTaskID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to allocate task id")
		return
	}

	task, err := s.sched.Enqueue(req.Source, req.Target, paramsJSON, taskID)
	if err != nil {
		writeTaskCreateError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "taskId": task.ID})
}

func writeTaskCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAlreadyDownloaded):
		writeError(w, http.StatusConflict, "already downloaded")
	case errors.Is(err, store.ErrTaskExists):
		writeError(w, http.StatusConflict, "task already exists")
	default:
		var argErr *sources.ArgumentError
		if errors.As(err, &argErr) {
			writeError(w, http.StatusBadRequest, argErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	tasks, err := s.st.ListTasks(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.st.GetTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

// handleControl adapts one of the scheduler's four external controls
// (Pause/Resume/Cancel/Retry) into a handler honoring each one's allowed
// source-state transitions.
func (s *Server) handleControl(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if errors.Is(err, store.ErrTaskRunning) {
			writeError(w, http.StatusConflict, "task is running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	pol := s.sched.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"maxConcurrent":  pol.MaxConcurrent,
		"fileConcurrent": pol.FileConcurrentDefault,
	})
}

type putConfigRequest struct {
	MaxConcurrent  *int `json:"maxConcurrent,omitempty"`
	FileConcurrent *int `json:"fileConcurrent,omitempty"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	pol := s.sched.Policy()
	if req.MaxConcurrent != nil {
		pol = s.sched.SetMaxConcurrent(*req.MaxConcurrent)
	}
	if req.FileConcurrent != nil {
		pol = s.sched.SetFileConcurrentDefault(*req.FileConcurrent)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"maxConcurrent":  pol.MaxConcurrent,
		"fileConcurrent": pol.FileConcurrentDefault,
	})
}

func (s *Server) handlePutAuth(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	if err := s.st.SetAuthBlob(source, raw); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetAuth(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	blob, err := s.st.GetAuthBlob(source)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "exists": false})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "exists": true, "updatedAt": blob.UpdatedAt})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Get()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"lifetimeBytes": snap.LifetimeBytes,
		"lifetimeFiles": snap.LifetimeFiles,
		"daily":         snap.Daily,
	})
}

func (s *Server) handleSpeedtest(w http.ResponseWriter, r *http.Request) {
	result, err := diagnostics.RunSpeedTestWithPhases(func(p diagnostics.Phase) {
		s.logger.Info("speedtest phase", "phase", p.Name, "server", p.ServerName,
			"pingMs", p.PingMs, "downloadMbps", p.DownloadMbps, "uploadMbps", p.UploadMbps)
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"downloadMbps": result.DownloadMbps,
		"uploadMbps":   result.UploadMbps,
		"pingMs":       result.PingMs,
		"jitterMs":     result.JitterMs,
		"isp":          result.ISP,
		"server":       result.ServerName,
		"serverHost":   result.ServerHost,
	})
}
