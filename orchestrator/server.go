// Copyright 2026 Conductor
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"conductor/platform/orchestrator/model"
	"conductor/platform/shared/logger"
)

// Server is the thin HTTP surface over the engine: submit, inspect, and
// cancel jobs. Orchestration semantics live in the engine, not here.
type Server struct {
	engine   *Engine
	registry *model.Registry
	log      *logger.Logger
}

// NewServer creates an HTTP server around engine.
func NewServer(engine *Engine, registry *model.Registry) *Server {
	return &Server{
		engine:   engine,
		registry: registry,
		log:      logger.New("api"),
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/jobs/prompt", s.submitPromptHandler).Methods("POST")
	r.HandleFunc("/api/v1/jobs/workflow", s.submitWorkflowHandler).Methods("POST")
	r.HandleFunc("/api/v1/jobs", s.listJobsHandler).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", s.getJobHandler).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", s.cancelJobHandler).Methods("DELETE")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// promptRequest is the POST /api/v1/jobs/prompt body.
type promptRequest struct {
	UserID         string   `json:"user_id"`
	Prompt         string   `json:"prompt"`
	Models         []string `json:"models"`
	Parallel       *bool    `json:"parallel,omitempty"`
	CriticalModels []string `json:"critical_models,omitempty"`
	SynthesisModel string   `json:"synthesis_model,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
}

// workflowRequest is the POST /api/v1/jobs/workflow body. The workflow
// definition rides along as a YAML document.
type workflowRequest struct {
	UserID       string            `json:"user_id"`
	WorkflowYAML string            `json:"workflow_yaml"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// jobResponse is the accepted-job acknowledgement.
type jobResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

func (s *Server) submitPromptHandler(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "user_id is required")
		return
	}

	opts := RunOptions{
		Parallel:       req.Parallel,
		CriticalModels: req.CriticalModels,
		SynthesisModel: req.SynthesisModel,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
	}
	handle, err := s.engine.RunPrompt(r.Context(), req.UserID, req.Prompt, req.Models, opts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	job := handle.Job()
	s.writeJSON(w, http.StatusAccepted, jobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) submitWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "user_id is required")
		return
	}

	def, err := ParseWorkflow([]byte(req.WorkflowYAML))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	handle, err := s.engine.RunWorkflow(r.Context(), req.UserID, def, req.Variables, RunOptions{})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	job := handle.Job()
	s.writeJSON(w, http.StatusAccepted, jobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.engine.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := s.engine.Cancel(jobID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelled"})
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "user_id query parameter is required")
		return
	}

	jobs, err := s.engine.ListJobsByUser(r.Context(), userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"models": s.registry.List(),
	}
	s.writeJSON(w, http.StatusOK, health)
}

// errorResponse is the coarse code + message transports see.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case ErrCodeInvalidRequest:
		status = http.StatusBadRequest
	case ErrCodeNotFound:
		status = http.StatusNotFound
	case ErrCodeCircuitOpen:
		status = http.StatusServiceUnavailable
	case "":
		code = ErrCodeProvider
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
