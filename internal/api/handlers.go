package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/tether/internal/dispatch"
	"github.com/mattjoyce/tether/internal/registry"
	"github.com/mattjoyce/tether/internal/status"
	"github.com/mattjoyce/tether/internal/txstore"
)

// maxSubmitBody caps POST /transactions bodies.
const maxSubmitBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Modules != nil {
		resp.ModulesLoaded = len(s.deps.Modules.All())
	}
	code := http.StatusOK
	if s.deps.Registry != nil {
		resp.Ready = s.deps.Registry.Ready()
		resp.Running = s.deps.Registry.Counts()[txstore.StatusRunning]
	}
	if !resp.Ready {
		resp.Status = "starting"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleSubmit handles POST /transactions.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ack, err := s.deps.Submitter.Submit(r.Context(), txstore.Descriptor{
		Module: req.Module,
		Action: req.Action,
		Params: req.Params,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to submit transaction", "module", req.Module, "action", req.Action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit transaction")
		return
	}
	respondJSON(w, http.StatusAccepted, ack)
}

// handleListTransactions handles GET /transactions with an optional ?status= filter.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Registry.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, registry.ErrNotReady.Error())
		return
	}
	filter := txstore.Status(r.URL.Query().Get("status"))

	resp := TransactionListResponse{Transactions: []TransactionSummary{}}
	for _, tx := range s.deps.Registry.Snapshot() {
		if filter != "" && tx.Status != filter {
			continue
		}
		resp.Transactions = append(resp.Transactions, summarize(tx))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetTransaction handles GET /transactions/{id}.
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.deps.Querier.Query(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, status.ErrUnknownTransaction):
		s.writeError(w, http.StatusNotFound, "unknown transaction")
	case errors.Is(err, registry.ErrNotReady):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("failed to query transaction", "transaction_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query transaction")
	}
}

// handleListModules handles GET /modules.
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	mods := s.deps.Modules.All()
	resp := ModuleListResponse{Modules: make([]ModuleSummary, 0, len(mods))}
	for _, m := range mods {
		resp.Modules = append(resp.Modules, ModuleSummary{
			Name:        m.Name,
			Version:     m.Version,
			Description: m.Description,
			Actions:     m.ActionNames(),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetModule handles GET /modules/{name}.
func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	m, ok := s.deps.Modules.Get(chi.URLParam(r, "name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "module not found")
		return
	}
	resp := ModuleDetailResponse{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Actions:     make([]ActionDetail, 0, len(m.Actions)),
	}
	for _, a := range m.Actions {
		resp.Actions = append(resp.Actions, ActionDetail{
			Name:        a.Name,
			Description: a.Description,
			Input:       a.Properties(),
			Required:    a.Required,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func summarize(tx txstore.Transaction) TransactionSummary {
	return TransactionSummary{
		TransactionID: tx.ID,
		Module:        tx.Descriptor.Module,
		Action:        tx.Descriptor.Action,
		Status:        tx.Status,
		ExitCode:      tx.ExitCode,
		Signal:        tx.Signal,
		Error:         tx.Error,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
		ResolvedAt:    tx.ResolvedAt,
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
