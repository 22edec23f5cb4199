package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darshan-rambhia/sweep/internal/model"
	"github.com/darshan-rambhia/sweep/internal/scheduler"
	"github.com/darshan-rambhia/sweep/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ruleResponse is a rule plus its live scheduling state.
type ruleResponse struct {
	model.Rule
	State   scheduler.State `json:"state"`
	NextRun *time.Time      `json:"next_run,omitempty"`
}

type bulkDeleteRequest struct {
	RuleIDs []int64 `json:"rule_ids"`
}

type bulkDeleteResponse struct {
	Deleted int `json:"deleted"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) withState(rule model.Rule) ruleResponse {
	resp := ruleResponse{Rule: rule, State: scheduler.StateIdle}
	if s.deps.Runner != nil {
		state, next := s.deps.Runner.Status(rule.ID)
		resp.State = state
		if !next.IsZero() {
			resp.NextRun = &next
		}
	}
	return resp
}

func ruleID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// @Summary List rules
// @Description Returns the caller's rules, newest first, with scheduling state
// @Security BearerAuth
// @Produce json
// @Success 200 {array} ruleResponse
// @Failure 401 {object} errorResponse
// @Router /rules [get]
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Rules.List(tenantFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]ruleResponse, 0, len(list))
	for _, rule := range list {
		resp = append(resp, s.withState(rule))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// @Summary Create rule
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param rule body model.Rule true "Rule"
// @Success 201 {object} ruleResponse
// @Failure 400 {object} errorResponse
// @Failure 409 {object} errorResponse "rule limit exceeded"
// @Router /rules [post]
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := decodeBody(w, r, &rule); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	created, err := s.deps.Rules.Create(tenantFrom(r.Context()), &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, s.withState(*created))
}

// @Summary Update rule
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param id path int true "Rule ID"
// @Param rule body model.Rule true "Rule"
// @Success 200 {object} ruleResponse
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /rules/{id} [put]
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var rule model.Rule
	if err := decodeBody(w, r, &rule); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	updated, err := s.deps.Rules.Update(tenantFrom(r.Context()), id, &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s.withState(*updated))
}

// @Summary Delete rule
// @Description Deletes a rule and its execution history
// @Security BearerAuth
// @Param id path int true "Rule ID"
// @Success 204
// @Failure 404 {object} errorResponse
// @Router /rules/{id} [delete]
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.deps.Rules.Delete(tenantFrom(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Bulk delete rules
// @Description Deletes every listed rule the caller owns; unknown ids are skipped
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param body body bulkDeleteRequest true "Rule IDs"
// @Success 200 {object} bulkDeleteResponse
// @Failure 400 {object} errorResponse
// @Router /rules/bulk-delete [post]
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if len(req.RuleIDs) == 0 {
		badRequest(w, r, "rule_ids is required")
		return
	}
	n, err := s.deps.Rules.BulkDelete(tenantFrom(r.Context()), req.RuleIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, bulkDeleteResponse{Deleted: n})
}

// @Summary Rule execution logs
// @Description Most recent runs first; limit defaults to 50 and is capped at 1000
// @Security BearerAuth
// @Produce json
// @Param id path int true "Rule ID"
// @Param limit query int false "Maximum rows"
// @Success 200 {array} model.ExecutionLog
// @Failure 404 {object} errorResponse
// @Router /rules/{id}/logs [get]
func (s *Server) handleRuleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	limit := store.DefaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			badRequest(w, r, fmt.Sprintf("invalid limit %q", v))
			return
		}
	}
	logs, err := s.deps.Rules.Logs(tenantFrom(r.Context()), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.ExecutionLog{}
	}
	writeJSON(w, r, http.StatusOK, logs)
}

// @Summary Rule limit
// @Security BearerAuth
// @Produce json
// @Success 200 {object} model.RuleLimit
// @Router /rules/limit [get]
func (s *Server) handleRuleLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := s.deps.Rules.Limit(tenantFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, limit)
}

// @Summary Run rule now
// @Description Runs the rule immediately and returns its execution log
// @Security BearerAuth
// @Produce json
// @Param id path int true "Rule ID"
// @Success 200 {object} model.ExecutionLog
// @Failure 404 {object} errorResponse
// @Failure 409 {object} errorResponse "rule is already running"
// @Failure 503 {object} errorResponse "scheduler is shutting down"
// @Router /rules/{id}/run [post]
func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	log, err := s.deps.Runner.RunNow(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, log)
}

// @Summary Health check
// @Description Reports whether the store is reachable
// @Produce json
// @Success 200 {object} healthResponse
// @Failure 503 {object} healthResponse
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Timestamp: time.Now().Unix()}
	status := http.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(); err != nil {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}
