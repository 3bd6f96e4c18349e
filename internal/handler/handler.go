// Package handler exposes the coordinator over its single webhook endpoint:
// one POST route multiplexed by an action field, answered with HTTP-shaped
// JSON acknowledgments.
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fitbite/restaurant-dispatch/internal/domain/dispatch"
	"github.com/fitbite/restaurant-dispatch/internal/domain/restaurant"
)

// maxBodyBytes bounds the webhook payload size.
const maxBodyBytes = 1 << 20

// Dispatcher is the coordinator surface the webhook needs.
type Dispatcher interface {
	RequestAssignment(ctx context.Context, orderID string, lat, lon float64) (*dispatch.AssignmentResult, error)
	HandleRestaurantResponse(ctx context.Context, orderID, restaurantID, assignmentID string, action dispatch.Action) (*dispatch.Resolution, error)
	CheckExpired(ctx context.Context) (*dispatch.SweepResult, error)
}

// Handler serves the order webhook.
type Handler struct {
	dispatcher Dispatcher
	requests   metric.Int64Counter
}

// NewHandler constructs a Handler. meter records per-action request counts;
// pass a no-op meter when telemetry is disabled.
func NewHandler(dispatcher Dispatcher, meter metric.Meter) (*Handler, error) {
	requests, err := meter.Int64Counter("dispatch.webhook.requests",
		metric.WithDescription("Webhook requests by action"))
	if err != nil {
		return nil, errors.Wrap(err, "create webhook request counter")
	}
	return &Handler{dispatcher: dispatcher, requests: requests}, nil
}

// Webhook is the single POST endpoint. CORS preflight is handled by the
// middleware chain before the request reaches here.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := DecodeRequest(body)
	if err != nil {
		var badReq *BadRequestError
		if errors.As(err, &badReq) {
			writeError(w, http.StatusBadRequest, badReq.Reason)
			return
		}
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	ctx := r.Context()
	h.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("action", actionName(req))))

	switch req := req.(type) {
	case AssignRequest:
		h.assign(ctx, w, req)
	case AcceptRequest:
		h.respond(ctx, w, req.OrderID, req.RestaurantID, req.AssignmentID, dispatch.ActionAccept)
	case RejectRequest:
		h.respond(ctx, w, req.OrderID, req.RestaurantID, req.AssignmentID, dispatch.ActionReject)
	case CheckExpiredRequest:
		h.checkExpired(ctx, w)
	}
}

func (h *Handler) assign(ctx context.Context, w http.ResponseWriter, req AssignRequest) {
	res, err := h.dispatcher.RequestAssignment(ctx, req.OrderID, req.Latitude, req.Longitude)
	if err != nil {
		if errors.Is(err, restaurant.ErrLookupFailed) {
			writeError(w, http.StatusBadGateway, "restaurant lookup failed")
			return
		}
		h.internalError(ctx, w, "assign", err)
		return
	}

	if res.Outcome == dispatch.OutcomeNoCandidates {
		writeFailureOutcome(w, "no restaurants available within range", "no_restaurant_accepted")
		return
	}

	writeAssigned(w, res.AssignmentCount, res.AttemptCount, res.RestaurantNames, res.ExpiresAt)
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, orderID, restaurantID, assignmentID string, action dispatch.Action) {
	res, err := h.dispatcher.HandleRestaurantResponse(ctx, orderID, restaurantID, assignmentID, action)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidAssignment):
			writeError(w, http.StatusBadRequest, "invalid assignment")
		case errors.Is(err, dispatch.ErrAssignmentExpired):
			writeError(w, http.StatusBadRequest, "assignment has expired")
		case errors.Is(err, dispatch.ErrAlreadyAssigned):
			writeError(w, http.StatusConflict, "order already assigned to another restaurant")
		default:
			h.internalError(ctx, w, string(action), err)
		}
		return
	}

	if action == dispatch.ActionAccept {
		writeResponseAck(w, "order accepted successfully", res.OrderID, res.RestaurantID)
		return
	}
	if res.RemainingPending > 0 {
		writeRejectionAck(w, res.OrderID, res.RestaurantID, res.RemainingPending)
		return
	}
	writeFinalRejection(w, res.OrderID, res.RestaurantID, string(res.OrderStatus))
}

func (h *Handler) checkExpired(ctx context.Context, w http.ResponseWriter) {
	res, err := h.dispatcher.CheckExpired(ctx)
	if err != nil {
		h.internalError(ctx, w, "check_expired", err)
		return
	}
	writeSweepSummary(w, res.AssignmentsExpired, res.OrdersFailed, res.AffectedOrders)
}

// internalError logs the failure and answers 500. Inconsistent-state errors
// from the accept path land here too: they must reach operators through the
// log, never be retried by the webhook caller.
func (h *Handler) internalError(ctx context.Context, w http.ResponseWriter, action string, err error) {
	lg := zctx.From(ctx)
	if errors.Is(err, dispatch.ErrInconsistentState) {
		lg.Error("fatal dispatch inconsistency, operator attention required",
			zap.String("action", action), zap.Error(err))
	} else {
		lg.Error("webhook action failed", zap.String("action", action), zap.Error(err))
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func actionName(req Request) string {
	switch req.(type) {
	case AssignRequest:
		return "assign"
	case AcceptRequest:
		return "accept"
	case RejectRequest:
		return "reject"
	case CheckExpiredRequest:
		return "check_expired"
	default:
		return "unknown"
	}
}
