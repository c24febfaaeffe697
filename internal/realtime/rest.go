package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"clihub/internal/scripts"
	"clihub/internal/session"
	"clihub/internal/store"
)

type freePortRequest struct {
	PID int `json:"pid"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrLocked):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return false
	}
	return true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	ack := s.sessions.Stop(r.PathValue("id"))
	if ack.Status == session.StatusNotFound {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ports.List(r.Context()))
}

func (s *Server) handleFreePort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid port")
		return
	}

	var req freePortRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	// The grace period runs to completion even if the client goes away.
	res := s.ports.Free(context.WithoutCancel(r.Context()), port, req.PID)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	list, err := s.store.Workspaces()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req store.Workspace
	if !decodeBody(w, r, &req) {
		return
	}

	ws, err := s.store.AddWorkspace(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.watchWorkspace(ws)
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var patch store.WorkspacePatch
	if !decodeBody(w, r, &patch) {
		return
	}

	ws, err := s.store.UpdateWorkspace(r.PathValue("id"), patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if patch.Path != nil {
		s.watchWorkspace(ws)
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteWorkspace(id); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.watch != nil {
		s.watch.Unwatch(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleWorkspaceScripts(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	ws, err := s.store.Workspace(r.PathValue("id"))
	if err != nil {
		// Unknown workspaces have no scripts.
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, scripts.Read(ws.Path))
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	cmds, err := s.store.Commands(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleAddCommand(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req store.Command
	if !decodeBody(w, r, &req) {
		return
	}
	cmd, err := s.store.AddCommand(r.PathValue("id"), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var patch store.CommandPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	cmd, err := s.store.UpdateCommand(r.PathValue("id"), r.PathValue("cmdId"), patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	cmdID := r.PathValue("cmdId")
	if err := s.store.DeleteCommand(r.PathValue("id"), cmdID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": cmdID})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	list, err := s.store.Templates()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req store.Template
	if !decodeBody(w, r, &req) {
		return
	}
	tpl, err := s.store.AddTemplate(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var patch store.TemplatePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	tpl, err := s.store.UpdateTemplate(r.PathValue("id"), patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteTemplate(id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
