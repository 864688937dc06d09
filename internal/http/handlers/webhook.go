package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"mediajobs/internal/providers/replicate"
	"mediajobs/internal/webhook"
)

const maxWebhookBody = 2 << 20

// ProviderWebhook verifies the signature over the raw body before decoding.
// Every authenticated delivery is acknowledged with 200 so the provider
// does not retry events that failed for internal reasons.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	log := a.logger()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		// A truncated body cannot be verified; answer like a bad signature.
		log.Warn().Err(err).Str("event_id", r.Header.Get(replicate.HeaderWebhookID)).Msg("webhook body unreadable")
		a.error(w, http.StatusUnauthorized, "invalid_signature", "webhook body unreadable")
		return
	}
	if err := a.Verifier.VerifyWebhook(r.Header, body); err != nil {
		log.Warn().Err(err).Str("event_id", r.Header.Get(replicate.HeaderWebhookID)).Msg("webhook rejected")
		a.error(w, http.StatusUnauthorized, "invalid_signature", "webhook signature invalid")
		return
	}

	eventID := r.Header.Get(replicate.HeaderWebhookID)
	var pred replicate.Prediction
	if err := json.Unmarshal(body, &pred); err != nil || pred.ID == "" {
		log.Warn().Err(err).Str("event_id", eventID).Msg("webhook payload undecodable")
		a.json(w, http.StatusOK, map[string]string{"outcome": "ignored"})
		return
	}

	// Processing outlives a provider that hangs up early.
	ctx := context.WithoutCancel(r.Context())
	outcome, err := a.Webhooks.Handle(ctx, eventID, webhook.PayloadFromPrediction(&pred))
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Str("prediction_id", pred.ID).Msg("webhook processing failed")
		if outcome == "" {
			outcome = "error"
		}
	}
	a.json(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}
