package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/drblury/taskbus/internal/runtime/deadletter"
	"github.com/drblury/taskbus/internal/runtime/jsoncodec"
	"github.com/drblury/taskbus/internal/runtime/logging"
)

type handlers struct {
	logger logging.ServiceLogger
	opts   Options
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// DeadLetterList is the body of GET /dead-letters.
type DeadLetterList struct {
	Records []deadletter.Record `json:"records"`
	Total   int                 `json:"total"`
}

// SubscriptionInfo is one entry of GET /subscriptions.
type SubscriptionInfo struct {
	Topic         string `json:"topic"`
	ConsumerGroup string `json:"consumer_group"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.opts.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.opts.Checks))
	}
	for name, check := range h.opts.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), h.opts.CheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			h.logger.Error("Health check failed", err, logging.LogFields{"check": name})
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	h.respond(w, status, resp)
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	records, err := h.opts.DeadLetters.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list dead letters", err, nil)
		h.respond(w, http.StatusInternalServerError, errorResponse{Error: "failed to list dead letters"})
		return
	}
	total, err := h.opts.DeadLetters.Count(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to count dead letters", err, nil)
		h.respond(w, http.StatusInternalServerError, errorResponse{Error: "failed to count dead letters"})
		return
	}
	if records == nil {
		records = []deadletter.Record{}
	}
	h.respond(w, http.StatusOK, DeadLetterList{Records: records, Total: total})
}

func (h *handlers) deadLetterStats(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, h.opts.DLQMetrics.Snapshot())
}

func (h *handlers) subscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := h.opts.Subscriptions()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, SubscriptionInfo{Topic: sub.Topic(), ConsumerGroup: sub.ConsumerGroup()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].ConsumerGroup < out[j].ConsumerGroup
	})
	h.respond(w, http.StatusOK, out)
}

func parseFilter(r *http.Request) (deadletter.Filter, error) {
	q := r.URL.Query()
	filter := deadletter.Filter{
		OriginalTopic: q.Get("topic"),
		EventType:     q.Get("event_type"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = since.UTC()
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > deadletter.MaxListLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", deadletter.MaxListLimit)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (h *handlers) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		h.logger.Error("Failed to encode admin response", err, nil)
	}
}
