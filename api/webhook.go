package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/flowgrid-app/flowgrid/ledger"
	"github.com/flowgrid-app/flowgrid/webhook"
)

// handleWebhook is the single boundary for inbound Stripe events. Every
// failure path returns a structured JSON body with the request ID; only
// authentication errors are echoed verbatim, everything else is masked and
// logged.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	// The verifier needs the exact bytes received, not re-serialized JSON.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		s.logger.Warn("webhook body read failed", "error", err, "request_id", requestID)
		writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := s.verifier.Verify(body, r.Header.Get("stripe-signature")); err != nil {
		s.logger.Warn("webhook signature rejected", "error", err, "request_id", requestID)
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	evt, err := webhook.ParseEvent(body)
	if err != nil {
		s.logger.Warn("webhook event malformed", "error", err, "request_id", requestID)
		writeError(w, r, http.StatusBadRequest, "webhook processing failed")
		return
	}

	result, err := s.router.Dispatch(r.Context(), evt)
	if err != nil {
		// Full detail for operators; a generic body for the caller. Stripe
		// retries on 400, which is what transient failures want; permanent
		// failures will deterministically fail the same way again.
		s.logger.Error("webhook event processing failed",
			"error", err,
			"class", errorClass(err),
			"event_id", evt.ID,
			"type", evt.Type,
			"request_id", requestID)
		writeError(w, r, http.StatusBadRequest, "webhook processing failed")
		return
	}

	s.logger.Info("webhook event processed",
		"event_id", evt.ID, "type", evt.Type, "ignored", result.Ignored, "request_id", requestID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    result.Message,
		"request_id": requestID,
	})
}

// errorClass names the taxonomy bucket of a processing error for logs.
func errorClass(err error) string {
	switch {
	case errors.Is(err, webhook.ErrMalformedEvent):
		return "structural"
	case errors.Is(err, ledger.ErrPermanent):
		return "permanent"
	case errors.Is(err, ledger.ErrNoResponse):
		return "no_response"
	case errors.Is(err, ledger.ErrTransactionFailed):
		return "transient"
	default:
		return "processing"
	}
}
