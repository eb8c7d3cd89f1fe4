package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cuemby/joblet/pkg/apierr"
	"github.com/cuemby/joblet/pkg/workflow"
)

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidRequest, err, "read workflow body"))
		return
	}

	tpl, err := workflow.ParseTemplate(data)
	if err != nil {
		writeError(w, err)
		return
	}

	wf, err := s.resolver.Submit(tpl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.workflows == nil {
		writeError(w, apierr.New(apierr.Internal, "workflow store not configured"))
		return
	}
	wf, err := s.workflows.ReadWorkflow(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}
