package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"llm-flow-engine/services/functions"
	"llm-flow-engine/services/models"
)

const maxRequestBytes = 1 << 20

// HandleGetWorkflow loads a stored workflow document and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting workflow", "id", id)

	def, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if def == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	writeJSON(w, http.StatusOK, def)
}

// HandleListWorkflows returns every stored workflow document.
func (s *Service) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.repo.List(r.Context())
	if err != nil {
		slog.Error("Failed to list workflows", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if defs == nil {
		defs = []Definition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

// HandleCreateWorkflow validates a workflow document and stores it.
func (s *Service) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DSL) == "" {
		writeError(w, http.StatusBadRequest, "dsl is required")
		return
	}
	if req.Format == "" {
		req.Format = FormatYAML
	}

	_, doc, err := s.engine.Load([]byte(req.DSL), req.Format, nil)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	def := &Definition{Name: req.Name, Format: strings.ToLower(req.Format), DSL: req.DSL}
	if def.Name == "" {
		def.Name = doc.Metadata.Name
	}
	if err := s.repo.Save(r.Context(), def); err != nil {
		slog.Error("Failed to save workflow", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Info("Workflow stored", "id", def.ID, "name", def.Name)
	writeJSON(w, http.StatusCreated, def)
}

// HandleExecuteWorkflow runs a stored workflow document with the request inputs
// as seed context.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Executing workflow", "id", id)

	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	def, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow for execution", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if def == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	report, err := s.engine.ExecuteDSL(r.Context(), []byte(def.DSL), def.Format, req.Inputs, nil)
	if err != nil {
		slog.Error("Stored workflow is invalid", "id", id, "error", err)
		writeError(w, statusForError(err), err.Error())
		return
	}
	report.Metadata.Name = firstNonEmpty(report.Metadata.Name, def.Name)

	writeJSON(w, http.StatusOK, report)
}

// HandleExecuteDSL runs a workflow document supplied in the request body.
func (s *Service) HandleExecuteDSL(w http.ResponseWriter, r *http.Request) {
	var req ExecuteDSLRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DSL) == "" {
		writeError(w, http.StatusBadRequest, "dsl is required")
		return
	}

	report, err := s.engine.ExecuteDSL(r.Context(), []byte(req.DSL), req.Format, req.Inputs, nil)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleQuickCall sends one prompt to a model.
func (s *Service) HandleQuickCall(w http.ResponseWriter, r *http.Request) {
	var req QuickCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		writeError(w, http.StatusBadRequest, "user_input is required")
		return
	}

	out, err := s.engine.QuickCall(r.Context(), req.UserInput, req.Model, req.APIKey)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		slog.Warn("Quick call failed", "model", req.Model, "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, QuickCallResponse{Model: firstNonEmpty(req.Model, functions.DefaultModel), Output: out})
}

// HandleListFunctions returns the registered function names.
func (s *Service) HandleListFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"functions": s.engine.Functions()})
}

// HandleListModels returns the configured models grouped by platform.
func (s *Service) HandleListModels(w http.ResponseWriter, r *http.Request) {
	names := s.engine.Models()
	infos := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		cfg, err := s.engine.Model(name)
		if err != nil {
			continue
		}
		infos = append(infos, ModelInfo{
			Name:          cfg.Name,
			Platform:      cfg.Platform,
			APIURL:        cfg.APIURL,
			MaxTokens:     cfg.MaxTokens,
			Supports:      cfg.Supports,
			HasCredential: cfg.HasCredential(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":    infos,
		"platforms": s.engine.ModelsByPlatform(),
	})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(v)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, functions.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, functions.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
