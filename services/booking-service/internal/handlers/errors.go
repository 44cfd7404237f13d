package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/bookingcore/libs/httpx"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

const slotUnavailableMessage = "slot is no longer available, please pick another time"

// writeError maps engine errors to status codes. Unexpected errors are logged and hidden.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		unavailable *model.SlotUnavailableError
		transition  *model.InvalidTransitionError
		consumed    *model.AlreadyConsumedError
	)
	switch {
	case errors.As(err, &unavailable):
		httpx.WriteErrorDetails(w, http.StatusConflict, "slot_unavailable", slotUnavailableMessage, map[string]any{
			"resource_id":     unavailable.ResourceID,
			"conflicting_ids": unavailable.ConflictingIDs,
		})
	case errors.Is(err, model.ErrValidation):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, model.ErrUnknownResource), errors.Is(err, model.ErrUnknownService),
		errors.Is(err, model.ErrUnknownHold), errors.Is(err, model.ErrUnknownBooking):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &transition):
		httpx.WriteErrorDetails(w, http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]string{
			"entity": transition.Entity,
			"from":   transition.From,
			"to":     transition.To,
		})
	case errors.As(err, &consumed):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "already_consumed", err.Error())
	case errors.Is(err, model.ErrGuardBusy), errors.Is(err, model.ErrIdempotencyInProgress):
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(w, http.StatusServiceUnavailable, "retry", err.Error())
	default:
		logger.Error("request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func badRequest(w http.ResponseWriter, message string) {
	httpx.WriteError(w, http.StatusBadRequest, "invalid_request", message)
}
