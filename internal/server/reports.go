package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/chain"
	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/store"
)

const maxInputChars = 20000

type createReportRequest struct {
	AccountID string     `json:"account_id"`
	Mode      model.Mode `json:"mode"`
	Input     string     `json:"input"`
}

type answerRequest struct {
	Answer string `json:"answer"`
}

// handleCreateReport admits, reserves, persists, and launches a run. The
// rate and quota checks happen here so denials map onto HTTP statuses;
// once the workflow starts it owns settling what was claimed.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}

	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Input = strings.TrimSpace(req.Input)
	switch {
	case req.AccountID == "":
		respondError(w, http.StatusBadRequest, "invalid_payload", "account_id is required")
		return
	case req.Input == "":
		respondError(w, http.StatusBadRequest, "invalid_payload", "input is required")
		return
	case len(req.Input) > maxInputChars:
		respondError(w, http.StatusBadRequest, "invalid_payload", "input too long")
		return
	}
	if req.Mode == "" {
		req.Mode = model.ModeStandard
	}
	if !req.Mode.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_payload", "unknown mode")
		return
	}

	chainDef, err := model.ChainFor(req.Mode)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	ctx := r.Context()

	adm, err := s.guard.Admit(ctx, req.AccountID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	actor := strings.TrimSpace(r.Header.Get("X-Account-ID"))

	reportID := uuid.NewString()
	if _, err := s.ledger.Reserve(ctx, actor, req.AccountID, chainDef.ReserveEstimate(), reportID); err != nil {
		s.releaseAdmission(ctx, adm.ID)
		respondDomainError(w, err)
		return
	}

	report, err := s.store.CreateReport(ctx, reportID, req.AccountID, req.Mode, req.Input, model.StatusProcessing)
	if err != nil {
		s.compensate(reportID, adm.ID)
		respondDomainError(w, err)
		return
	}

	opts := client.StartWorkflowOptions{
		ID:        chain.WorkflowID(reportID),
		TaskQueue: s.cfg.TaskQueue,
	}
	_, err = s.starter.ExecuteWorkflow(ctx, opts, chain.ReportWorkflow, chain.WorkflowInput{
		ReportID:             reportID,
		AccountID:            req.AccountID,
		Mode:                 req.Mode,
		Input:                req.Input,
		AdmissionID:          adm.ID,
		ReservationKey:       reportID,
		ClarificationTimeout: s.cfg.ClarificationTimeout,
	})
	if err != nil {
		s.compensate(reportID, adm.ID)
		_ = s.store.FailReport(ctx, reportID, model.ErrKindPersistence, "workflow start failed")
		respondDomainError(w, err)
		return
	}

	zap.L().Info("report run started",
		zap.String("report_id", reportID),
		zap.String("account_id", req.AccountID),
		zap.String("mode", string(req.Mode)),
	)
	respondJSON(w, http.StatusAccepted, report)
}

// compensate unwinds the reservation and admission when the run never
// reached the workflow. Both calls are idempotent. Runs on a detached
// context so a dropped client connection cannot strand the claims.
func (s *Server) compensate(reservationKey, admissionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.ledger.Release(ctx, reservationKey); err != nil {
		zap.L().Error("release reservation after failed start",
			zap.String("reservation_key", reservationKey),
			zap.Error(err),
		)
	}
	s.releaseAdmission(ctx, admissionID)
}

func (s *Server) releaseAdmission(ctx context.Context, admissionID string) {
	if err := s.guard.Release(ctx, admissionID); err != nil {
		zap.L().Error("release admission after failed start",
			zap.String("admission_id", admissionID),
			zap.Error(err),
		)
	}
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")
	report, err := s.store.GetReport(r.Context(), reportID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ReportFilter{
		AccountID: q.Get("account_id"),
		Status:    model.ReportStatus(q.Get("status")),
		Limit:     parseIntDefault(q.Get("limit"), 50),
		Offset:    parseIntDefault(q.Get("offset"), 0),
	}
	if f.Limit < 1 || f.Limit > 200 {
		f.Limit = 50
	}

	reports, err := s.store.ListReports(r.Context(), f)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")

	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload", "answer is required")
		return
	}

	if err := s.gate.Answer(r.Context(), reportID, req.Answer); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"report_id": reportID,
		"status":    string(model.StatusProcessing),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	actor := r.Header.Get("X-Account-ID")

	period, err := s.ledger.Summary(r.Context(), actor, accountID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, period)
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
