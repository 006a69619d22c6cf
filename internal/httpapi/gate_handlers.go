package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"metered_gateway/internal/gate"
	"metered_gateway/internal/jobs"
	"metered_gateway/internal/middleware"
	"metered_gateway/internal/models"
	"metered_gateway/internal/utils"
)

// Request headers of POST /execute.
const (
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderConfirmCharge      = "Confirm-Charge"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
)

type quotaCheckRequest struct {
	Feature string `json:"feature" validate:"required,max=64"`
}

type quotaCheckResponse struct {
	Mode           string `json:"mode"`
	Used           int64  `json:"used"`
	Limit          int64  `json:"limit"`
	RequiredCredit *int64 `json:"requiredCredit,omitempty"`
	Balance        *int64 `json:"balance,omitempty"`
}

type executeRequest struct {
	Feature        string          `json:"feature" validate:"required,max=64"`
	RequestPayload json.RawMessage `json:"requestPayload"`
}

type executeResponse struct {
	Result json.RawMessage `json:"result"`
	JobID  string          `json:"jobId"`
}

type paymentRequiredResponse struct {
	Error          string `json:"error"`
	RequiredCredit int64  `json:"requiredCredit"`
	Balance        *int64 `json:"balance,omitempty"`
}

type runningResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

type jobStatusResponse struct {
	JobID        string          `json:"jobId"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    *string         `json:"errorCode,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Attempts     int             `json:"attempts"`
	ChargeStatus string          `json:"chargeStatus"`
}

type balanceResponse struct {
	Balance int64         `json:"balance"`
	Lots    []lotResponse `json:"lots"`
}

type lotResponse struct {
	ID              string  `json:"id"`
	AmountOriginal  int64   `json:"amountOriginal"`
	AmountRemaining int64   `json:"amountRemaining"`
	Reference       *string `json:"reference,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

func toLotResponse(lot *models.CreditLot) lotResponse {
	return lotResponse{
		ID:              lot.ID.String(),
		AmountOriginal:  lot.AmountOriginal,
		AmountRemaining: lot.AmountRemaining,
		Reference:       lot.ExternalRef,
		CreatedAt:       lot.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// handleQuotaCheck serves POST /quota/check. It never mutates state.
func (d *Dependencies) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())

	var req quotaCheckRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	probe, err := d.Gate.CheckQuota(r.Context(), userID, models.FeatureID(req.Feature))
	if err != nil {
		d.respondGateError(w, err)
		return
	}

	resp := quotaCheckResponse{Mode: probe.Mode, Used: probe.Used, Limit: probe.Limit}
	if probe.Mode == gate.ModeNeedCredit {
		resp.RequiredCredit = utils.Int64Ptr(probe.RequiredCredit)
		resp.Balance = utils.Int64Ptr(probe.Balance)
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// handleExecute serves POST /execute.
//
// Flow:
//  1. Read Idempotency-Key and Confirm-Charge
//  2. Decode {feature, requestPayload}
//  3. Run the request through the feature gate
//  4. Map the outcome to 200, 402 or 409
func (d *Dependencies) handleExecute(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	var req executeRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := d.Gate.Execute(r.Context(), gate.Request{
		UserID:         userID,
		Feature:        models.FeatureID(req.Feature),
		IdempotencyKey: key,
		Payload:        req.RequestPayload,
		Confirmed:      r.Header.Get(HeaderConfirmCharge) == "1",
	})
	if err != nil {
		d.respondGateError(w, err)
		return
	}

	switch outcome.Kind {
	case gate.OutcomeExecuted:
		utils.RespondWithJSON(w, http.StatusOK, executeResponse{Result: outcome.Result, JobID: outcome.Job.ID.String()})
	case gate.OutcomeReplayed:
		w.Header().Set(HeaderIdempotentReplayed, "true")
		utils.RespondWithJSON(w, http.StatusOK, executeResponse{Result: outcome.Result, JobID: outcome.Job.ID.String()})
	case gate.OutcomeRunning:
		utils.RespondWithJSON(w, http.StatusConflict, runningResponse{Status: string(models.JobStatusRunning), JobID: outcome.Job.ID.String()})
	case gate.OutcomeNeedConfirmation:
		utils.RespondWithJSON(w, http.StatusPaymentRequired, paymentRequiredResponse{
			Error:          models.ErrorCodeNeedConfirmation,
			RequiredCredit: outcome.RequiredCredit,
		})
	case gate.OutcomeNeedCredit:
		utils.RespondWithJSON(w, http.StatusPaymentRequired, paymentRequiredResponse{
			Error:          models.ErrorCodeNeedCredit,
			RequiredCredit: outcome.RequiredCredit,
			Balance:        utils.Int64Ptr(outcome.Balance),
		})
	default:
		d.logger.Error("Unhandled gate outcome", "outcome", outcome.Kind)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleJobStatus serves GET /jobs/status?feature=&key=.
func (d *Dependencies) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())
	q := r.URL.Query()

	job, err := d.Gate.JobStatus(r.Context(), userID, models.FeatureID(q.Get("feature")), q.Get("key"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "job not found")
			return
		}
		d.respondGateError(w, err)
		return
	}

	resp := jobStatusResponse{
		JobID:        job.ID.String(),
		Status:       string(job.Status),
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		Attempts:     job.Attempts,
		ChargeStatus: string(job.ChargeStatus),
	}
	if job.Status == models.JobStatusSucceeded {
		resp.Result = json.RawMessage(job.Result)
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// handleBalance serves GET /credits/balance.
func (d *Dependencies) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.GetUserID(r.Context())

	lots, err := d.Credits.Lots(r.Context(), userID)
	if err != nil {
		d.logger.Error("Failed to load credit lots", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}

	resp := balanceResponse{Balance: models.SumRemaining(lots), Lots: make([]lotResponse, 0, len(lots))}
	for i := range lots {
		resp.Lots = append(resp.Lots, toLotResponse(&lots[i]))
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// respondGateError maps gate error kinds to status codes. Internal details
// of worker and persistence failures are logged, not returned.
func (d *Dependencies) respondGateError(w http.ResponseWriter, err error) {
	var gerr *gate.Error
	if !errors.As(err, &gerr) {
		d.logger.Error("Unexpected gate error", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch gerr.Kind {
	case gate.KindInvalidRequest:
		msg := "invalid request"
		if gerr.Err != nil {
			msg = gerr.Err.Error()
		}
		utils.RespondWithError(w, http.StatusBadRequest, msg)
	case gate.KindUnauthenticated:
		utils.RespondWithError(w, http.StatusUnauthorized, "authentication required")
	case gate.KindWorkerFailure:
		d.logger.Warn("Generation worker failed", "op", gerr.Op, "error", gerr.Err)
		utils.RespondWithError(w, http.StatusInternalServerError, models.ErrorCodeWorkerFailure)
	default:
		d.logger.Error("Execution failed", "op", gerr.Op, "kind", gerr.Kind, "error", gerr.Err)
		utils.RespondWithError(w, http.StatusInternalServerError, gerr.Kind.String())
	}
}
