package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/domain"
)

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string          `json:"name"`
		Type domain.VolumeType `json:"type"`
		Size string          `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidRequest, err, "decode create volume request"))
		return
	}
	if req.Type == "" {
		req.Type = domain.VolumeFilesystem
	}

	v, err := s.volumes.Create(req.Name, req.Type, req.Size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.volumes.Delete(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		CIDR string `json:"cidr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidRequest, err, "decode create network request"))
		return
	}
	if s.networks == nil {
		writeError(w, apierr.New(apierr.Internal, "network manager not configured"))
		return
	}

	n, err := s.networks.Create(req.Name, req.CIDR)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}
