package scimserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pranems/scimserver/endpoint"
)

// registerAdminRoutes mounts the endpoint management surface. Admin
// responses are plain JSON, not SCIM envelopes.
func (s *Server) registerAdminRoutes(mux *http.ServeMux, prefix string) {
	base := prefix + "/admin/endpoints"

	mux.HandleFunc("POST "+base, s.handleAdminCreate)
	mux.HandleFunc("GET "+base, s.handleAdminList)
	mux.HandleFunc("GET "+base+"/by-name/{name}", s.handleAdminGetByName)
	mux.HandleFunc("GET "+base+"/{id}", s.handleAdminGet)
	mux.HandleFunc("PATCH "+base+"/{id}", s.handleAdminUpdate)
	mux.HandleFunc("DELETE "+base+"/{id}", s.handleAdminDelete)
	mux.HandleFunc("GET "+base+"/{id}/stats", s.handleAdminStats)
	mux.HandleFunc("GET "+base+"/{id}/audit", s.handleAdminAudit)
}

type adminError struct {
	Error string `json:"error"`
}

func writeAdminJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, endpoint.ErrNotFound):
		writeAdminJSON(w, http.StatusNotFound, adminError{Error: err.Error()})
	case errors.Is(err, endpoint.ErrNameTaken):
		writeAdminJSON(w, http.StatusConflict, adminError{Error: err.Error()})
	case errors.Is(err, endpoint.ErrInvalid):
		writeAdminJSON(w, http.StatusBadRequest, adminError{Error: err.Error()})
	default:
		s.logger.Error("admin request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeAdminJSON(w, http.StatusInternalServerError, adminError{Error: "internal error"})
	}
}

func (s *Server) handleAdminCreate(w http.ResponseWriter, r *http.Request) {
	var in endpoint.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAdminJSON(w, http.StatusBadRequest, adminError{Error: "request body is not valid JSON"})
		return
	}
	ep, err := s.registry.Create(r.Context(), in)
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeAdminJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	var activeOnly *bool
	switch r.URL.Query().Get("active") {
	case "true":
		t := true
		activeOnly = &t
	case "false":
		f := false
		activeOnly = &f
	}
	eps, err := s.registry.List(r.Context(), activeOnly)
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, eps)
}

func (s *Server) handleAdminGet(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, ep)
}

func (s *Server) handleAdminGetByName(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.GetByName(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, ep)
}

func (s *Server) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	var in endpoint.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeAdminJSON(w, http.StatusBadRequest, adminError{Error: "request body is not valid JSON"})
		return
	}
	ep, err := s.registry.Update(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, ep)
}

func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.registry.GetByID(r.Context(), id); err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.store.ListAuditRecords(r.Context(), id, limit)
	if err != nil {
		s.writeAdminError(w, r, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, recs)
}
