package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/metrics"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/models"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeerr"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/pipeline"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/repository"
	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/transfer"
)

// OperatorHandler exposes record inspection, stage triggering and
// template administration to operators.
type OperatorHandler struct {
	pipeline    *pipeline.Pipeline
	records     *repository.ProcessingRepository
	templates   *repository.TemplateRepository
	transferSvc *transfer.Service
}

func NewOperatorHandler(p *pipeline.Pipeline, records *repository.ProcessingRepository,
	templates *repository.TemplateRepository, transferSvc *transfer.Service) *OperatorHandler {
	return &OperatorHandler{
		pipeline:    p,
		records:     records,
		templates:   templates,
		transferSvc: transferSvc,
	}
}

// ListRecords retrieves processing records, optionally filtered by status
func (h *OperatorHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	recs, err := h.records.List(ctx, r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list records")
		http.Error(w, "Failed to list records", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// GetRecord retrieves one record with its transition history
func (h *OperatorHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid record ID", http.StatusBadRequest)
		return
	}

	rec, err := h.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pipeerr.ErrNotFound) {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("record_id", id.String()).Msg("Failed to get record")
		http.Error(w, "Failed to get record", http.StatusInternalServerError)
		return
	}

	logs, err := h.records.ListLogs(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("record_id", id.String()).Msg("Failed to list record logs")
		http.Error(w, "Failed to list record logs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"record": rec,
		"logs":   logs,
	})
}

// RestartRecord resets a held or failed record for another pass
func (h *OperatorHandler) RestartRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid record ID", http.StatusBadRequest)
		return
	}

	if err := h.pipeline.Restart(ctx, id); err != nil {
		if errors.Is(err, pipeerr.ErrNotFound) {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		log.Warn().Err(err).Str("record_id", id.String()).Msg("Restart rejected")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("restart scheduled"))
}

// RetryTransfer resets a failed transfer record for another attempt
func (h *OperatorHandler) RetryTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid transfer ID", http.StatusBadRequest)
		return
	}

	if err := h.transferSvc.Retry(ctx, id); err != nil {
		if errors.Is(err, pipeerr.ErrNotFound) {
			http.Error(w, "Transfer not found", http.StatusNotFound)
			return
		}
		log.Warn().Err(err).Str("transfer_id", id.String()).Msg("Transfer retry rejected")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	metrics.TransferRetries.Inc()
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("retry scheduled"))
}

// TriggerExportChain runs the outbound stage chain once
func (h *OperatorHandler) TriggerExportChain(w http.ResponseWriter, r *http.Request) {
	results := h.pipeline.RunExportChain(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// TriggerImportChain runs the inbound stage chain once
func (h *OperatorHandler) TriggerImportChain(w http.ResponseWriter, r *http.Request) {
	results := h.pipeline.RunImportChain(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

type templateRequest struct {
	Name  string `json:"name"`
	Rules []struct {
		TagPath string `json:"tag_path"`
		Value   string `json:"value"`
	} `json:"rules"`
	ArtifactPath string `json:"artifact_path,omitempty"`
}

// RegisterTemplate creates a classification template
func (h *OperatorHandler) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Template name is required", http.StatusBadRequest)
		return
	}
	if len(req.Rules) == 0 && req.ArtifactPath == "" {
		http.Error(w, "Template needs rules or an artifact", http.StatusBadRequest)
		return
	}

	rules := make([]models.Rule, len(req.Rules))
	for i, rule := range req.Rules {
		rules[i] = models.Rule{TagPath: rule.TagPath, Value: rule.Value}
	}

	tpl, err := h.templates.Register(ctx, req.Name, req.ArtifactPath, rules)
	if err != nil {
		log.Error().Err(err).Str("template", req.Name).Msg("Failed to register template")
		http.Error(w, "Failed to register template", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tpl)
}

// ListTemplates retrieves all active templates
func (h *OperatorHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templates.ListActive(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list templates")
		http.Error(w, "Failed to list templates", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(templates)
}

// DeactivateTemplate removes a template from matching
func (h *OperatorHandler) DeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid template ID", http.StatusBadRequest)
		return
	}

	if err := h.templates.Deactivate(ctx, id); err != nil {
		log.Error().Err(err).Str("template_id", id.String()).Msg("Failed to deactivate template")
		http.Error(w, "Failed to deactivate template", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
