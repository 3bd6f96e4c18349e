package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
)

// Response encoding is hand-rolled with jx: every body is a small flat
// object and the encoder keeps allocations predictable under webhook bursts.

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(false)
	e.FieldStart("error")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, status, &e)
}

// writeFailureOutcome reports a normal terminal failure (no candidates):
// not an HTTP error, but success=false with the resulting order status.
func writeFailureOutcome(w http.ResponseWriter, msg, orderStatus string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(false)
	e.FieldStart("error")
	e.Str(msg)
	e.FieldStart("status")
	e.Str(orderStatus)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func writeAssigned(w http.ResponseWriter, count, attempt int, names []string, expiresAt time.Time) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(true)
	e.FieldStart("assignment_count")
	e.Int(count)
	e.FieldStart("restaurant_names")
	e.ArrStart()
	for _, name := range names {
		e.Str(name)
	}
	e.ArrEnd()
	e.FieldStart("expires_at")
	e.Str(expiresAt.UTC().Format(time.RFC3339))
	e.FieldStart("attempt_count")
	e.Int(attempt)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func writeResponseAck(w http.ResponseWriter, msg, orderID, restaurantID string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(true)
	e.FieldStart("message")
	e.Str(msg)
	e.FieldStart("order_id")
	e.Str(orderID)
	e.FieldStart("restaurant_id")
	e.Str(restaurantID)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// writeRejectionAck acknowledges a rejection while other offers are still
// live; the remaining count tells the caller what the order is waiting on.
func writeRejectionAck(w http.ResponseWriter, orderID, restaurantID string, remaining int) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(true)
	e.FieldStart("message")
	e.Str("order rejected, still awaiting other responses")
	e.FieldStart("order_id")
	e.Str(orderID)
	e.FieldStart("restaurant_id")
	e.Str(restaurantID)
	e.FieldStart("remaining_pending")
	e.Int(remaining)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// writeFinalRejection acknowledges the rejection that exhausted the wave:
// the ack carries the order's terminal result.
func writeFinalRejection(w http.ResponseWriter, orderID, restaurantID, orderStatus string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(true)
	e.FieldStart("order_id")
	e.Str(orderID)
	e.FieldStart("restaurant_id")
	e.Str(restaurantID)
	e.FieldStart("result")
	e.ObjStart()
	e.FieldStart("status")
	e.Str(orderStatus)
	e.FieldStart("message")
	e.Str("no restaurant accepted the order")
	e.ObjEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func writeSweepSummary(w http.ResponseWriter, expired, ordersFailed int, affectedOrders []string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(true)
	e.FieldStart("processed")
	e.Int(expired)
	e.FieldStart("orders_failed")
	e.Int(ordersFailed)
	e.FieldStart("affected_orders")
	e.ArrStart()
	for _, id := range affectedOrders {
		e.Str(id)
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
