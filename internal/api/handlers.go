package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/example/dts/internal/dtserrors"
	"github.com/example/dts/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task types.TaskCreate
	if err := decodeStrict(r, &task); err != nil {
		writeSchemaError(w, err)
		return
	}

	now := time.Now().UnixMilli()
	if err := s.repo.CreateTask(r.Context(), task, now, s.maxAttempts); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": task.ID})
}

func (s *Server) handleCreateTasksBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeStrict(r, &req); err != nil {
		writeSchemaError(w, err)
		return
	}

	now := time.Now().UnixMilli()
	ids, err := s.repo.CreateTasksBatch(r.Context(), req.Tasks, now, s.maxAttempts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{Created: ids, Count: len(ids)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.repo.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	views := make([]TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = newTaskView(t)
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: views, Total: total})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// decodeStrict rejects unknown JSON fields, matching the "422 on
// schema violation" row of spec.md §6's HTTP table — a malformed body
// is a schema problem, distinct from the domain VALIDATION_ERROR the
// repository raises for semantically invalid but well-formed input.
func decodeStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeSchemaError reports a malformed request body as a 422. It reuses
// VALIDATION_ERROR rather than inventing a new code: spec.md §7's
// taxonomy is closed to six values and a schema violation is a kind of
// invalid input, just caught a layer earlier than the repository.
func writeSchemaError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Code:  string(dtserrors.KindValidation),
		Error: err.Error(),
	})
}

// writeDomainError maps a *dtserrors.Error to the status code spec.md
// §6's table prescribes. Any error that isn't a recognized domain
// error (e.g. a wrapped driver failure) is a 500.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	de, ok := dtserrors.As(err)
	if !ok {
		s.log.Error("unhandled error", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: string(dtserrors.KindOther), Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch de.Kind {
	case dtserrors.KindValidation, dtserrors.KindDependencyMissing, dtserrors.KindCycleDetected:
		status = http.StatusBadRequest
	case dtserrors.KindNotFound:
		status = http.StatusNotFound
	case dtserrors.KindConflict:
		status = http.StatusConflict
	}

	writeJSON(w, status, ErrorResponse{
		Code:    string(de.Kind),
		Error:   de.Message,
		Details: de.Details,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
