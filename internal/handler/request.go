package handler

import (
	"fmt"

	"github.com/go-faster/jx"
)

// Request is the decoded webhook payload: one variant per action. The raw
// JSON is action-multiplexed, so it is decoded exactly once here and the
// rest of the system works with typed variants.
type Request interface {
	isRequest()
}

// AssignRequest asks the coordinator to broadcast a wave for an order.
type AssignRequest struct {
	OrderID   string
	Latitude  float64
	Longitude float64
}

// AcceptRequest is a restaurant accepting its assignment offer.
type AcceptRequest struct {
	OrderID      string
	RestaurantID string
	AssignmentID string
}

// RejectRequest is a restaurant declining its assignment offer.
type RejectRequest struct {
	OrderID      string
	RestaurantID string
	AssignmentID string
}

// CheckExpiredRequest triggers one reaper sweep.
type CheckExpiredRequest struct{}

func (AssignRequest) isRequest()       {}
func (AcceptRequest) isRequest()       {}
func (RejectRequest) isRequest()       {}
func (CheckExpiredRequest) isRequest() {}

// BadRequestError describes a malformed or incomplete payload. The webhook
// answers it with a 400.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

// rawRequest carries every field the webhook body may contain before the
// action-specific validation.
type rawRequest struct {
	action       string
	orderID      string
	restaurantID string
	assignmentID string
	latitude     float64
	longitude    float64
	hasLatitude  bool
	hasLongitude bool
}

// DecodeRequest parses the webhook body into its typed variant. Unknown
// fields are skipped; unknown actions and missing required fields return a
// BadRequestError.
func DecodeRequest(body []byte) (Request, error) {
	raw := rawRequest{action: "assign"}

	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "action":
			raw.action, err = d.Str()
		case "order_id":
			raw.orderID, err = d.Str()
		case "restaurant_id":
			raw.restaurantID, err = d.Str()
		case "assignment_id":
			raw.assignmentID, err = d.Str()
		case "latitude":
			raw.latitude, err = d.Float64()
			raw.hasLatitude = err == nil
		case "longitude":
			raw.longitude, err = d.Float64()
			raw.hasLongitude = err == nil
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return nil, &BadRequestError{Reason: fmt.Sprintf("invalid JSON body: %v", err)}
	}

	switch raw.action {
	case "assign":
		if raw.orderID == "" || !raw.hasLatitude || !raw.hasLongitude {
			return nil, &BadRequestError{Reason: "missing required fields: order_id, latitude, longitude"}
		}
		return AssignRequest{OrderID: raw.orderID, Latitude: raw.latitude, Longitude: raw.longitude}, nil

	case "accept", "reject":
		if raw.orderID == "" || raw.restaurantID == "" || raw.assignmentID == "" {
			return nil, &BadRequestError{Reason: "missing order_id, restaurant_id or assignment_id for accept/reject action"}
		}
		if raw.action == "accept" {
			return AcceptRequest{OrderID: raw.orderID, RestaurantID: raw.restaurantID, AssignmentID: raw.assignmentID}, nil
		}
		return RejectRequest{OrderID: raw.orderID, RestaurantID: raw.restaurantID, AssignmentID: raw.assignmentID}, nil

	case "check_expired":
		return CheckExpiredRequest{}, nil

	default:
		return nil, &BadRequestError{Reason: fmt.Sprintf("unrecognized action %q", raw.action)}
	}
}
