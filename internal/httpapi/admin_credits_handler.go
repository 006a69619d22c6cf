package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"metered_gateway/internal/credit"
	"metered_gateway/internal/middleware"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/utils"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// DeadLetterAdmin lists and re-drives charges that exhausted their retries.
type DeadLetterAdmin interface {
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

type grantCreditsRequest struct {
	UserID    string `json:"userId" validate:"required,max=255"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Reference string `json:"reference,omitempty" validate:"omitempty,max=255"`
}

type deadLetterResponse struct {
	Items []queue.DeadLetterItem `json:"items"`
	Count int                    `json:"count"`
}

// handleGrantCredits serves POST /admin/credits. This is the payment
// processor path for adding lots; a repeated reference returns the lot it
// created first.
func (d *Dependencies) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantCreditsRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	lot, created, err := d.Credits.AddLot(r.Context(), req.UserID, req.Amount, req.Reference)
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrReferenceConflict):
			utils.RespondWithError(w, http.StatusConflict, err.Error())
		case errors.Is(err, credit.ErrInvalidAmount):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		default:
			d.logger.Error("Failed to add credit lot", "user_id", req.UserID, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to add credit")
		}
		return
	}

	if !created {
		utils.RespondWithJSON(w, http.StatusOK, toLotResponse(lot))
		return
	}

	adminID, _ := middleware.GetAdminID(r.Context())
	d.logger.Info("Credit lot granted",
		"admin_id", adminID,
		"user_id", req.UserID,
		"lot_id", lot.ID,
		"amount", lot.AmountOriginal,
		"reference", req.Reference,
	)
	utils.RespondWithJSON(w, http.StatusCreated, toLotResponse(lot))
}

// handleListDeadLetters serves GET /admin/charges/dead-letters?limit=
func (d *Dependencies) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	items, err := d.DeadLetters.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		d.logger.Error("Failed to list dead letters", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	utils.RespondWithJSON(w, http.StatusOK, deadLetterResponse{Items: items, Count: len(items)})
}

// handleRetryDeadLetter serves POST /admin/charges/dead-letters/retry?id=
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := d.DeadLetters.RetryDeadLetterItem(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		d.logger.Error("Failed to retry dead letter", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to retry dead letter")
		return
	}

	adminID, _ := middleware.GetAdminID(r.Context())
	d.logger.Info("Dead letter re-queued", "id", id, "admin_id", adminID)
	utils.RespondWithJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "requeued"})
}
