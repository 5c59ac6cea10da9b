package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/branchoff/branchoff/internal/core/webhook"
	"github.com/branchoff/branchoff/internal/engine"
	apimw "github.com/branchoff/branchoff/internal/shell/api/middleware"
)

// HeaderEvent names the hosting event of a webhook delivery.
const HeaderEvent = "X-GitHub-Event"

// Webhook results, also used as metric labels.
const (
	webhookQueued      = "queued"
	webhookPong        = "pong"
	webhookIgnored     = "ignored"
	webhookNotAccepted = "not_accepted"
	webhookInvalid     = "invalid"
)

// handlePostReceive normalizes a hosting event and dispatches it. Events
// that are well formed but not acted on are acknowledged with 202 so the
// provider does not retry them.
func (h *Handler) handlePostReceive(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get(HeaderEvent)
	if event == "" {
		h.config.Metrics.RecordWebhook("unknown", webhookInvalid)
		h.writeError(w, http.StatusBadRequest, "missing "+HeaderEvent+" header", "validation_error")
		return
	}

	payload, err := readPayload(r)
	if err != nil {
		h.config.Metrics.RecordWebhook(event, webhookInvalid)
		h.writeError(w, http.StatusBadRequest, "invalid payload", "validation_error")
		return
	}

	ev, err := webhook.Normalize(event, payload)
	switch {
	case errors.Is(err, webhook.ErrPing):
		h.config.Metrics.RecordWebhook(event, webhookPong)
		h.writeJSON(w, http.StatusOK, WebhookResponse{Status: webhookPong, Event: event})
		return
	case errors.Is(err, webhook.ErrIgnored):
		h.acknowledge(w, event, webhookIgnored, ev)
		return
	case err != nil:
		h.config.Metrics.RecordWebhook(event, webhookInvalid)
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	err = h.config.Pipelines.Dispatch(ev, nil)
	switch {
	case err == nil:
		h.logger.Info("webhook dispatched", "event", event, "operation", ev.Operation, "uri", ev.URI, "branch", ev.Branch)
		h.acknowledge(w, event, webhookQueued, ev)
	case errors.Is(err, engine.ErrNotAccepted):
		h.acknowledge(w, event, webhookNotAccepted, ev)
	case errors.Is(err, webhook.ErrIgnored):
		h.acknowledge(w, event, webhookIgnored, ev)
	default:
		h.config.Metrics.RecordWebhook(event, webhookInvalid)
		h.writePipelineError(w, err)
	}
}

func (h *Handler) acknowledge(w http.ResponseWriter, event, result string, ev webhook.Event) {
	h.config.Metrics.RecordWebhook(event, result)
	h.writeJSON(w, http.StatusAccepted, WebhookResponse{
		Status:    result,
		Event:     event,
		Operation: ev.Operation,
		Branch:    ev.Branch,
	})
}

// readPayload accepts both delivery content types: a raw JSON body and a
// form with the JSON in its payload field.
func readPayload(r *http.Request) (webhook.Payload, error) {
	var p webhook.Payload

	body, err := io.ReadAll(io.LimitReader(r.Body, apimw.MaxWebhookBody))
	if err != nil {
		return p, err
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return p, err
		}
		body = []byte(form.Get("payload"))
	}

	err = json.Unmarshal(body, &p)
	return p, err
}
